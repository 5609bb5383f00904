package domain

import (
	"errors"
	"strings"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrRateLimited  = errors.New("rate limited")
	ErrInvalidOrder = errors.New("invalid order parameters")
	ErrWSDisconnect = errors.New("websocket disconnected")
	ErrLockHeld     = errors.New("lock already held")

	// ErrConnectivity: venue unreachable or timed out. Never fatal to the
	// process; the circuit breaker governs retries.
	ErrConnectivity = errors.New("venue unreachable")
	// ErrAuth: invalid credentials. Fatal for the venue only.
	ErrAuth = errors.New("authentication failed")
	// ErrInsufficientBalance rejects the opportunity; it is never retried.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrPartialExecution: one leg filled without its counterpart.
	ErrPartialExecution = errors.New("partial execution")
	// ErrValidation: malformed configuration or thresholds.
	ErrValidation = errors.New("validation failed")

	ErrOrderAlreadyFilled = errors.New("order already filled")
	ErrVenueDisabled      = errors.New("venue disabled")
	ErrSymbolPaused       = errors.New("symbol paused")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrNoOpportunity      = errors.New("no opportunity")
	ErrShuttingDown       = errors.New("engine shutting down")

	// ErrNotSent marks a request refused locally before it reached the venue.
	ErrNotSent = errors.New("request not sent")
	// ErrOrderUnknown: a placement failed ambiguously and the order could not
	// be found by its client id afterwards.
	ErrOrderUnknown = errors.New("order state unknown")
)

// VenueError attaches decision-path context to an error raised while talking
// to a venue or acting on an opportunity.
type VenueError struct {
	Venue         string
	Symbol        string
	Op            string
	OpportunityID string
	ExecutionID   string
	Err           error
}

// NewVenueError wraps err for the given venue and operation.
func NewVenueError(venue, op string, err error) *VenueError {
	return &VenueError{Venue: venue, Op: op, Err: err}
}

func (e *VenueError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Venue != "" {
		b.WriteString(" venue=" + e.Venue)
	}
	if e.Symbol != "" {
		b.WriteString(" symbol=" + e.Symbol)
	}
	if e.OpportunityID != "" {
		b.WriteString(" opportunity=" + e.OpportunityID)
	}
	if e.ExecutionID != "" {
		b.WriteString(" execution=" + e.ExecutionID)
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *VenueError) Unwrap() error { return e.Err }

// Recoverable reports whether err is a transient condition the caller may
// defer and retry.
func Recoverable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrConnectivity)
}
