package domain

// Bus channels and streams the engine publishes to.
const (
	ChannelOpportunity = "ch:opportunity"
	ChannelExecution   = "ch:execution"
	ChannelRisk        = "ch:risk"
	ChannelVenue       = "ch:venue"
	ChannelGrid        = "ch:grid"

	StreamExecutions = "stream:executions"
	StreamRiskEvents = "stream:risk"
)

// EngineStatus is a summary of the engine's operational state.
type EngineStatus struct {
	Mode          string       `json:"mode"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	Symbols       []string     `json:"symbols"`
	Venues        []VenueState `json:"venues"`
	InFlight      int          `json:"in_flight"`
	PausedSymbols []string     `json:"paused_symbols,omitempty"`
	Halted        bool         `json:"halted"`
}
