// Package sink fans settled executions, risk events, opportunities and grid
// cycles out to the optional external systems: the postgres stores, the
// signal bus and the notifier. Each target sits behind its own circuit
// breaker and all delivery happens on a background worker, so a slow or
// failing target never holds up the engine.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/metrics"
)

const (
	defaultQueueSize = 1024
	deliverTimeout   = 5 * time.Second
)

// Notifier is the subset of the notify package the sink needs.
type Notifier interface {
	NotifyExecution(ctx context.Context, exec domain.Execution) error
	NotifyRiskEvent(ctx context.Context, ev domain.RiskEvent) error
}

// Targets are the optional destinations. Nil fields are skipped.
type Targets struct {
	Executions domain.ExecutionStore
	RiskEvents domain.RiskEventStore
	GridCycles domain.GridCycleStore
	Audit      domain.AuditStore
	Bus        domain.SignalBus
	Notifier   Notifier
}

// Config tunes the sink.
type Config struct {
	QueueSize int
	// TripAfter consecutive failures opens a target's breaker.
	TripAfter uint32
	// OpenFor is how long a tripped target is skipped before a trial write.
	OpenFor time.Duration
}

type eventKind string

const (
	kindExecution   eventKind = "execution"
	kindRisk        eventKind = "risk"
	kindOpportunity eventKind = "opportunity"
	kindGridCycle   eventKind = "grid_cycle"
	kindVenue       eventKind = "venue"
)

type event struct {
	kind eventKind
	exec domain.Execution
	risk domain.RiskEvent
	opp  domain.Opportunity
	grid domain.GridCycle
	vs   domain.VenueState
}

// Sink is safe for concurrent use. Report and Publish methods never block.
type Sink struct {
	targets  Targets
	queue    chan event
	breakers map[string]*gobreaker.CircuitBreaker
	logger   *slog.Logger

	mu      sync.Mutex
	dropped int
}

// New creates a Sink. Call Run to start delivery.
func New(targets Targets, cfg Config, logger *slog.Logger) *Sink {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.TripAfter == 0 {
		cfg.TripAfter = 5
	}
	if cfg.OpenFor <= 0 {
		cfg.OpenFor = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sink{
		targets:  targets,
		queue:    make(chan event, cfg.QueueSize),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		logger:   logger.With(slog.String("component", "sink")),
	}
	for _, name := range []string{"executions", "risk_events", "grid_cycles", "audit", "bus", "notifier"} {
		s.breakers[name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    name,
			Timeout: cfg.OpenFor,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= cfg.TripAfter
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				s.logger.Warn("sink target breaker changed state",
					slog.String("target", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()),
				)
			},
		})
	}
	return s
}

// ReportExecution queues a settled execution.
func (s *Sink) ReportExecution(_ context.Context, exec domain.Execution) {
	s.enqueue(event{kind: kindExecution, exec: exec})
}

// ReportRiskEvent queues a risk event.
func (s *Sink) ReportRiskEvent(_ context.Context, ev domain.RiskEvent) {
	s.enqueue(event{kind: kindRisk, risk: ev})
}

// PublishOpportunity queues a detected opportunity for the bus.
func (s *Sink) PublishOpportunity(_ context.Context, opp domain.Opportunity) {
	s.enqueue(event{kind: kindOpportunity, opp: opp})
}

// PublishVenueState queues a venue state change for the bus.
func (s *Sink) PublishVenueState(_ context.Context, vs domain.VenueState) {
	s.enqueue(event{kind: kindVenue, vs: vs})
}

// RecordGridCycle queues a completed grid cycle.
func (s *Sink) RecordGridCycle(_ context.Context, c domain.GridCycle) {
	s.enqueue(event{kind: kindGridCycle, grid: c})
}

// Dropped returns how many events were discarded because the queue was full.
func (s *Sink) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Sink) enqueue(ev event) {
	select {
	case s.queue <- ev:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		metrics.SinkDroppedTotal.WithLabelValues(string(ev.kind)).Inc()
		s.logger.Warn("sink queue full, event dropped", slog.String("kind", string(ev.kind)))
	}
}

// Run delivers queued events until ctx is done, then drains what is left.
func (s *Sink) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-s.queue:
			s.deliver(context.WithoutCancel(ctx), ev)
		case <-ctx.Done():
			s.drain(context.WithoutCancel(ctx))
			return nil
		}
	}
}

func (s *Sink) drain(ctx context.Context) {
	for {
		select {
		case ev := <-s.queue:
			s.deliver(ctx, ev)
		default:
			return
		}
	}
}

func (s *Sink) deliver(ctx context.Context, ev event) {
	switch ev.kind {
	case kindExecution:
		if st := s.targets.Executions; st != nil {
			s.call(ctx, "executions", func(ctx context.Context) error { return st.Create(ctx, ev.exec) })
		}
		s.publish(ctx, domain.ChannelExecution, domain.StreamExecutions, ev.exec)
		if n := s.targets.Notifier; n != nil {
			s.call(ctx, "notifier", func(ctx context.Context) error { return n.NotifyExecution(ctx, ev.exec) })
		}
		s.audit(ctx, "execution_settled", map[string]any{
			"execution_id": ev.exec.ID,
			"symbol":       ev.exec.Symbol,
			"outcome":      ev.exec.Outcome,
			"profit":       ev.exec.RealizedProfit,
		})

	case kindRisk:
		if st := s.targets.RiskEvents; st != nil {
			s.call(ctx, "risk_events", func(ctx context.Context) error { return st.Create(ctx, ev.risk) })
		}
		s.publish(ctx, domain.ChannelRisk, domain.StreamRiskEvents, ev.risk)
		if n := s.targets.Notifier; n != nil {
			s.call(ctx, "notifier", func(ctx context.Context) error { return n.NotifyRiskEvent(ctx, ev.risk) })
		}
		s.audit(ctx, "risk_event", map[string]any{
			"kind":     ev.risk.Kind,
			"symbol":   ev.risk.Symbol,
			"venue":    ev.risk.Venue,
			"exposure": ev.risk.Exposure,
		})

	case kindOpportunity:
		s.publish(ctx, domain.ChannelOpportunity, "", ev.opp)

	case kindVenue:
		s.publish(ctx, domain.ChannelVenue, "", ev.vs)

	case kindGridCycle:
		if st := s.targets.GridCycles; st != nil {
			s.call(ctx, "grid_cycles", func(ctx context.Context) error { return st.Record(ctx, ev.grid) })
		}
		s.publish(ctx, domain.ChannelGrid, "", ev.grid)
	}
}

func (s *Sink) audit(ctx context.Context, name string, detail map[string]any) {
	if a := s.targets.Audit; a != nil {
		s.call(ctx, "audit", func(ctx context.Context) error { return a.Log(ctx, name, detail) })
	}
}

// publish sends v as a JSON envelope on channel and, when stream is set,
// appends it to the durable stream.
func (s *Sink) publish(ctx context.Context, channel, stream string, v any) {
	bus := s.targets.Bus
	if bus == nil {
		return
	}
	payload, err := json.Marshal(Envelope{Type: channel, Payload: v})
	if err != nil {
		s.logger.Error("marshal bus payload", slog.String("channel", channel), slog.String("error", err.Error()))
		return
	}
	s.call(ctx, "bus", func(ctx context.Context) error {
		if err := bus.Publish(ctx, channel, payload); err != nil {
			return err
		}
		if stream != "" {
			return bus.StreamAppend(ctx, stream, payload)
		}
		return nil
	})
}

// call runs fn through the target's breaker with a bounded context.
func (s *Sink) call(ctx context.Context, target string, fn func(context.Context) error) {
	cctx, cancel := context.WithTimeout(ctx, deliverTimeout)
	defer cancel()
	_, err := s.breakers[target].Execute(func() (any, error) {
		return nil, fn(cctx)
	})
	if err == nil {
		metrics.SinkDeliveriesTotal.WithLabelValues(target, "ok").Inc()
		return
	}
	result := "error"
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		result = "skipped"
	}
	metrics.SinkDeliveriesTotal.WithLabelValues(target, result).Inc()
	if result == "error" {
		s.logger.Warn("sink delivery failed",
			slog.String("target", target),
			slog.String("error", err.Error()),
		)
	}
}

// TargetState returns the breaker state of each target, for status pages.
func (s *Sink) TargetState() map[string]string {
	out := make(map[string]string, len(s.breakers))
	for name, b := range s.breakers {
		out[name] = b.State().String()
	}
	return out
}

// Envelope is the JSON frame published on bus channels.
type Envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}
