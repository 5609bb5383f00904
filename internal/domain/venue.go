package domain

import "time"

// FeeSchedule holds a venue's fee fractions (0.001 = 0.1%).
type FeeSchedule struct {
	Maker float64 `json:"maker"`
	Taker float64 `json:"taker"`
}

// LimiterWindow describes the current occupancy of a venue rate limiter.
type LimiterWindow struct {
	Used   int           `json:"used"`
	Limit  int           `json:"limit"`
	Window time.Duration `json:"window"`
}

// VenueState is the connectivity summary of one venue.
type VenueState struct {
	Venue       string        `json:"venue"`
	Connected   bool          `json:"connected"`
	Disabled    bool          `json:"disabled"`
	Breaker     string        `json:"breaker"`
	Cooldown    time.Duration `json:"cooldown"`
	Limiter     LimiterWindow `json:"limiter"`
	LastError   string        `json:"last_error,omitempty"`
	LastErrorAt *time.Time    `json:"last_error_at,omitempty"`
}

// Tradable reports whether the venue can take part in new opportunities.
func (s VenueState) Tradable() bool {
	return !s.Disabled && s.Breaker != "OPEN"
}
