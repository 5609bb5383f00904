package venue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/arbengine/internal/breaker"
	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/metrics"
	"github.com/alanyoungcy/arbengine/internal/ratelimit"
)

// latencyAlpha weights the newest round trip in the latency EWMA.
const latencyAlpha = 0.2

// Guarded wraps an Adapter so that every outbound call first passes the
// venue's rate limiter and circuit breaker. An authentication failure
// disables the venue until Enable is called.
type Guarded struct {
	inner   Adapter
	limiter *ratelimit.Limiter
	breaker *breaker.Breaker
	logger  *slog.Logger
	now     func() time.Time

	connected atomic.Bool
	disabled  atomic.Bool

	mu          sync.Mutex
	lastErr     string
	lastErrAt   time.Time
	latency     time.Duration
	onDisable   func(venue string, err error)
	onStateSeen func(domain.VenueState)
}

// GuardOption configures a Guarded adapter.
type GuardOption func(*Guarded)

// WithOnDisable registers a hook fired once when the venue is disabled.
func WithOnDisable(fn func(venue string, err error)) GuardOption {
	return func(g *Guarded) { g.onDisable = fn }
}

// WithOnStateChange registers a hook fired after calls that change the
// venue's error or connection state.
func WithOnStateChange(fn func(domain.VenueState)) GuardOption {
	return func(g *Guarded) { g.onStateSeen = fn }
}

// WithGuardClock replaces time.Now for latency measurement.
func WithGuardClock(now func() time.Time) GuardOption {
	return func(g *Guarded) { g.now = now }
}

// NewGuarded wraps inner with the given limiter and breaker.
func NewGuarded(inner Adapter, limiter *ratelimit.Limiter, br *breaker.Breaker, logger *slog.Logger, opts ...GuardOption) *Guarded {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Guarded{
		inner:   inner,
		limiter: limiter,
		breaker: br,
		logger:  logger.With(slog.String("component", "venue"), slog.String("venue", inner.Name())),
		now:     time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	if dg, ok := inner.(DialGuarded); ok {
		dg.SetDialGuard(g.Dial)
	}
	return g
}

// Compile-time interface check.
var _ Adapter = (*Guarded)(nil)

func (g *Guarded) Name() string              { return g.inner.Name() }
func (g *Guarded) Fees() domain.FeeSchedule  { return g.inner.Fees() }
func (g *Guarded) Unwrap() Adapter           { return g.inner }
func (g *Guarded) Breaker() *breaker.Breaker { return g.breaker }

// Connect opens the venue session through the guard.
func (g *Guarded) Connect(ctx context.Context) error {
	err := g.do(ctx, "connect", func(ctx context.Context) error {
		return g.inner.Connect(ctx)
	})
	if err == nil {
		g.connected.Store(true)
		g.notify()
	}
	return err
}

// Disconnect bypasses the guard: releasing the session must always happen.
func (g *Guarded) Disconnect() error {
	g.connected.Store(false)
	err := g.inner.Disconnect()
	g.notify()
	return err
}

func (g *Guarded) StreamQuotes(ctx context.Context, symbol string) (<-chan domain.Quote, error) {
	var ch <-chan domain.Quote
	err := g.do(ctx, "stream_quotes", func(ctx context.Context) error {
		var err error
		ch, err = g.inner.StreamQuotes(ctx, symbol)
		return err
	})
	return ch, withSymbol(err, symbol)
}

func (g *Guarded) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderHandle, error) {
	var h domain.OrderHandle
	err := g.timed(ctx, "place_order", func(ctx context.Context) error {
		var err error
		h, err = g.inner.PlaceOrder(ctx, req)
		return err
	})
	return h, withSymbol(err, req.Symbol)
}

func (g *Guarded) CancelOrder(ctx context.Context, symbol, orderID string) error {
	err := g.do(ctx, "cancel_order", func(ctx context.Context) error {
		return g.inner.CancelOrder(ctx, symbol, orderID)
	})
	return withSymbol(err, symbol)
}

func (g *Guarded) OrderStatus(ctx context.Context, symbol, orderID string) (domain.OrderHandle, error) {
	var h domain.OrderHandle
	err := g.do(ctx, "order_status", func(ctx context.Context) error {
		var err error
		h, err = g.inner.OrderStatus(ctx, symbol, orderID)
		return err
	})
	return h, withSymbol(err, symbol)
}

func (g *Guarded) OrderByClientID(ctx context.Context, symbol, clientID string) (domain.OrderHandle, error) {
	var h domain.OrderHandle
	err := g.do(ctx, "order_by_client_id", func(ctx context.Context) error {
		var err error
		h, err = g.inner.OrderByClientID(ctx, symbol, clientID)
		return err
	})
	return h, withSymbol(err, symbol)
}

func (g *Guarded) FetchBalance(ctx context.Context) (map[string]float64, error) {
	var bal map[string]float64
	err := g.do(ctx, "fetch_balance", func(ctx context.Context) error {
		var err error
		bal, err = g.inner.FetchBalance(ctx)
		return err
	})
	return bal, err
}

// Dial runs a stream reconnect through the guard. Connectivity failures count
// against the breaker like any other call.
func (g *Guarded) Dial(ctx context.Context, dial func(context.Context) error) error {
	return g.do(ctx, "stream_dial", dial)
}

// Enable clears the disabled flag set by an authentication failure.
func (g *Guarded) Enable() {
	if g.disabled.CompareAndSwap(true, false) {
		g.logger.Info("venue re-enabled")
		g.notify()
	}
}

// Disabled reports whether the venue was disabled by an auth failure.
func (g *Guarded) Disabled() bool { return g.disabled.Load() }

// Tradable reports whether the venue may take part in new opportunities.
func (g *Guarded) Tradable() bool {
	return !g.disabled.Load() && g.breaker.State() != breaker.StateOpen
}

// Latency returns the smoothed order round-trip time.
func (g *Guarded) Latency() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.latency
}

// State returns a snapshot of the venue's connectivity.
func (g *Guarded) State() domain.VenueState {
	g.mu.Lock()
	lastErr, lastAt := g.lastErr, g.lastErrAt
	g.mu.Unlock()

	st := domain.VenueState{
		Venue:     g.inner.Name(),
		Connected: g.connected.Load(),
		Disabled:  g.disabled.Load(),
		Breaker:   g.breaker.State().String(),
		Cooldown:  g.breaker.Cooldown(),
		Limiter:   g.limiter.Snapshot(),
		LastError: lastErr,
	}
	if !lastAt.IsZero() {
		st.LastErrorAt = &lastAt
	}
	return st
}

// timed is do plus a latency observation on success.
func (g *Guarded) timed(ctx context.Context, op string, fn func(context.Context) error) error {
	var elapsed time.Duration
	err := g.do(ctx, op, func(ctx context.Context) error {
		start := g.now()
		err := fn(ctx)
		elapsed = g.now().Sub(start)
		return err
	})
	if err == nil {
		g.observeLatency(elapsed)
	}
	return err
}

func (g *Guarded) do(ctx context.Context, op string, fn func(context.Context) error) error {
	name := g.inner.Name()
	if g.disabled.Load() {
		metrics.VenueRequestsTotal.WithLabelValues(name, op, "disabled").Inc()
		return notSent(name, op, domain.ErrVenueDisabled)
	}
	// The breaker goes first so an open venue does not spend limiter budget.
	if err := g.breaker.Allow(); err != nil {
		metrics.VenueRequestsTotal.WithLabelValues(name, op, "breaker_open").Inc()
		return notSent(name, op, err)
	}
	if !g.limiter.Allow() {
		// Hand back a half-open trial slot that was never used.
		g.breaker.Release()
		metrics.VenueRequestsTotal.WithLabelValues(name, op, "rate_limited").Inc()
		return notSent(name, op, domain.ErrRateLimited)
	}

	err := fn(ctx)
	g.breaker.Record(err)
	if err == nil {
		metrics.VenueRequestsTotal.WithLabelValues(name, op, "ok").Inc()
		return nil
	}
	metrics.VenueRequestsTotal.WithLabelValues(name, op, "error").Inc()

	g.mu.Lock()
	g.lastErr = err.Error()
	g.lastErrAt = g.now()
	g.mu.Unlock()

	if errors.Is(err, domain.ErrAuth) && g.disabled.CompareAndSwap(false, true) {
		g.logger.Error("venue disabled after authentication failure",
			slog.String("op", op), slog.String("error", err.Error()))
		if g.onDisable != nil {
			g.onDisable(name, err)
		}
	}
	g.notify()

	var ve *domain.VenueError
	if errors.As(err, &ve) {
		return err
	}
	return domain.NewVenueError(name, op, err)
}

func (g *Guarded) observeLatency(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.latency == 0 {
		g.latency = d
		return
	}
	g.latency = time.Duration(latencyAlpha*float64(d) + (1-latencyAlpha)*float64(g.latency))
}

func (g *Guarded) notify() {
	if g.onStateSeen != nil {
		g.onStateSeen(g.State())
	}
}

// notSent reports a call refused before it reached the venue.
func notSent(name, op string, err error) error {
	return domain.NewVenueError(name, op, fmt.Errorf("%w (%w)", err, domain.ErrNotSent))
}

func withSymbol(err error, symbol string) error {
	var ve *domain.VenueError
	if errors.As(err, &ve) && ve.Symbol == "" {
		ve.Symbol = symbol
	}
	return err
}
