// Package breaker implements the per-venue circuit breaker. Consecutive
// connectivity failures open the breaker; after a cooldown one trial call is
// let through, and a failed trial reopens it with a longer cooldown.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrOpen is returned while the breaker rejects calls. It matches
// domain.ErrConnectivity under errors.Is.
var ErrOpen = fmt.Errorf("circuit open: %w", domain.ErrConnectivity)

// Config holds breaker parameters.
type Config struct {
	Name string
	// FailureThreshold consecutive failures inside FailureWindow open the breaker.
	FailureThreshold int
	FailureWindow    time.Duration
	// Cooldown is the base time spent OPEN before a trial call is allowed.
	Cooldown time.Duration
	// CooldownMultiplier grows the cooldown after each failed trial call.
	CooldownMultiplier float64
	MaxCooldown        time.Duration
	// OnStateChange is invoked outside the lock after every transition.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns the defaults used when a venue does not override them.
func DefaultConfig(name string) Config {
	return Config{
		Name:               name,
		FailureThreshold:   5,
		FailureWindow:      time.Minute,
		Cooldown:           10 * time.Second,
		CooldownMultiplier: 2,
		MaxCooldown:        5 * time.Minute,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []error
	if c.FailureThreshold < 1 {
		errs = append(errs, errors.New("failure_threshold must be >= 1"))
	}
	if c.FailureWindow <= 0 {
		errs = append(errs, errors.New("failure_window must be > 0"))
	}
	if c.Cooldown <= 0 {
		errs = append(errs, errors.New("cooldown must be > 0"))
	}
	if c.CooldownMultiplier < 1 {
		errs = append(errs, errors.New("cooldown_multiplier must be >= 1"))
	}
	if c.MaxCooldown < c.Cooldown {
		errs = append(errs, errors.New("max_cooldown must be >= cooldown"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: breaker %s: %w", domain.ErrValidation, c.Name, errors.Join(errs...))
	}
	return nil
}

// Breaker is safe for concurrent use.
type Breaker struct {
	cfg    Config
	now    func() time.Time
	logger *slog.Logger

	mu           sync.Mutex
	state        State
	failures     int
	firstFailure time.Time
	openedAt     time.Time
	cooldown     time.Duration
	probing      bool
}

// New creates a closed Breaker.
func New(cfg Config, logger *slog.Logger) (*Breaker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		cfg:      cfg,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "breaker"), slog.String("venue", cfg.Name)),
		state:    StateClosed,
		cooldown: cfg.Cooldown,
	}, nil
}

// SetClock replaces time.Now. Must be called before use.
func (b *Breaker) SetClock(now func() time.Time) { b.now = now }

// Allow reports whether a call may proceed. While OPEN it returns ErrOpen
// without side effects; once the cooldown has elapsed the first caller
// becomes the HALF_OPEN trial call and later callers are rejected until it
// reports back.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	var changed bool
	var from State
	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			b.mu.Unlock()
			return ErrOpen
		}
		from, changed = b.state, true
		b.state = StateHalfOpen
		b.probing = true
	case StateHalfOpen:
		if b.probing {
			b.mu.Unlock()
			return ErrOpen
		}
		b.probing = true
	}
	b.mu.Unlock()

	if changed {
		b.transitioned(from, StateHalfOpen)
	}
	return nil
}

// Release returns the HALF_OPEN trial slot taken by Allow when the call was
// abandoned before reaching the venue. It records no outcome.
func (b *Breaker) Release() {
	b.mu.Lock()
	if b.state == StateHalfOpen {
		b.probing = false
	}
	b.mu.Unlock()
}

// Success records a call that reached the venue.
func (b *Breaker) Success() {
	b.mu.Lock()
	from := b.state
	b.failures = 0
	b.probing = false
	if b.state == StateHalfOpen {
		b.state = StateClosed
		b.cooldown = b.cfg.Cooldown
	}
	to := b.state
	b.mu.Unlock()

	if from != to {
		b.transitioned(from, to)
	}
}

// Failure records a connectivity failure.
func (b *Breaker) Failure() {
	b.mu.Lock()
	now := b.now()
	from := b.state
	switch b.state {
	case StateClosed:
		if b.failures == 0 || now.Sub(b.firstFailure) > b.cfg.FailureWindow {
			b.failures = 0
			b.firstFailure = now
		}
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.state = StateOpen
			b.openedAt = now
		}
	case StateHalfOpen:
		next := time.Duration(float64(b.cooldown) * b.cfg.CooldownMultiplier)
		if next > b.cfg.MaxCooldown {
			next = b.cfg.MaxCooldown
		}
		b.cooldown = next
		b.state = StateOpen
		b.openedAt = now
		b.probing = false
	case StateOpen:
		// A call admitted before the breaker opened; it does not extend the cooldown.
	}
	to := b.state
	b.mu.Unlock()

	if from != to {
		b.transitioned(from, to)
	}
}

// Record classifies err: only connectivity failures count against the venue.
// Any other outcome proves the venue answered.
func (b *Breaker) Record(err error) {
	if err != nil && errors.Is(err, domain.ErrConnectivity) {
		b.Failure()
		return
	}
	b.Success()
}

// Execute runs fn if the breaker allows it and records the outcome.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn()
	b.Record(err)
	return err
}

// State returns the current state. An OPEN breaker whose cooldown elapsed is
// still reported OPEN until a caller tries it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Cooldown returns the cooldown that applies to the current or next OPEN period.
func (b *Breaker) Cooldown() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cooldown
}

// Reset forces the breaker closed (admin use).
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.failures = 0
	b.probing = false
	b.cooldown = b.cfg.Cooldown
	b.mu.Unlock()
	if from != StateClosed {
		b.transitioned(from, StateClosed)
	}
}

func (b *Breaker) transitioned(from, to State) {
	level := slog.LevelInfo
	if to == StateOpen {
		level = slog.LevelWarn
	}
	b.logger.Log(context.Background(), level, "circuit breaker state change",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
		slog.Duration("cooldown", b.Cooldown()),
	)
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
}
