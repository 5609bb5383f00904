package domain

import "time"

// RiskEventKind classifies a risk event.
type RiskEventKind string

const (
	RiskUnwindFailed RiskEventKind = "unwind_failed"
	RiskKillSwitch   RiskEventKind = "kill_switch"
	RiskVenueAuth    RiskEventKind = "venue_auth"
)

// RiskEvent is surfaced when the engine cannot restore a safe state on its own
// and needs external attention.
type RiskEvent struct {
	ID          string        `json:"id"`
	Kind        RiskEventKind `json:"kind"`
	Symbol      string        `json:"symbol,omitempty"`
	Venue       string        `json:"venue,omitempty"`
	ExecutionID string        `json:"execution_id,omitempty"`
	Exposure    float64       `json:"exposure"`
	Message     string        `json:"message"`
	Fatal       bool          `json:"fatal"`
	At          time.Time     `json:"at"`
}
