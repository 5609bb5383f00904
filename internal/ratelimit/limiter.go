// Package ratelimit implements the per-venue call admission gate: a sliding
// window log that admits at most Limit calls in any window of length Window.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// Config holds the admission parameters for one venue.
type Config struct {
	Name   string
	Limit  int
	Window time.Duration
}

// Validate rejects non-positive limits and windows.
func (c Config) Validate() error {
	if c.Limit <= 0 {
		return fmt.Errorf("%w: ratelimit %s: limit must be > 0", domain.ErrValidation, c.Name)
	}
	if c.Window <= 0 {
		return fmt.Errorf("%w: ratelimit %s: window must be > 0", domain.ErrValidation, c.Name)
	}
	return nil
}

// Limiter keeps the timestamps of admitted calls in a ring sized to Limit, so
// memory is bounded and eviction is amortized O(1). It is safe for concurrent
// use.
type Limiter struct {
	name   string
	limit  int
	window time.Duration
	now    func() time.Time

	mu    sync.Mutex
	ring  []time.Time
	head  int
	count int
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a Limiter from cfg.
func New(cfg Config, opts ...Option) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l := &Limiter{
		name:   cfg.Name,
		limit:  cfg.Limit,
		window: cfg.Window,
		now:    time.Now,
		ring:   make([]time.Time, cfg.Limit),
	}
	for _, o := range opts {
		o(l)
	}
	return l, nil
}

// evict drops timestamps that have left the window. Caller holds l.mu.
func (l *Limiter) evict(now time.Time) {
	for l.count > 0 && now.Sub(l.ring[l.head]) > l.window {
		l.ring[l.head] = time.Time{}
		l.head = (l.head + 1) % l.limit
		l.count--
	}
}

// Allow admits the call and records it, or rejects it when Limit calls are
// already inside the window. A rejection is recoverable: callers defer.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.evict(now)
	if l.count >= l.limit {
		return false
	}
	l.ring[(l.head+l.count)%l.limit] = now
	l.count++
	return true
}

// Delay returns how long until the next call would be admitted. Zero means a
// call would be admitted now.
func (l *Limiter) Delay() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.evict(now)
	if l.count < l.limit {
		return 0
	}
	// The oldest entry leaves once strictly more than window has passed.
	return l.ring[l.head].Add(l.window).Sub(now) + time.Nanosecond
}

// Wait blocks until the call is admitted or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		if l.Allow() {
			return nil
		}
		d := l.Delay()
		if d <= 0 {
			d = time.Millisecond
		}
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("ratelimit %s: wait: %w", l.name, ctx.Err())
		case <-timer.C:
		}
	}
}

// Snapshot reports the current window occupancy.
func (l *Limiter) Snapshot() domain.LimiterWindow {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.evict(l.now())
	return domain.LimiterWindow{Used: l.count, Limit: l.limit, Window: l.window}
}

// Name returns the limiter name (usually the venue).
func (l *Limiter) Name() string { return l.name }
