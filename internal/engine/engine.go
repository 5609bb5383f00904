// Package engine owns the process-scoped trading state: the guarded venues,
// the quote cache, the calculator, the risk manager, the coordinator and the
// grids. It feeds quotes from every venue stream into the cache, evaluates
// symbols as their quotes change and exposes the read models and commands
// the reporting layer consumes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/arbengine/internal/calculator"
	"github.com/alanyoungcy/arbengine/internal/coordinator"
	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/grid"
	"github.com/alanyoungcy/arbengine/internal/metrics"
	"github.com/alanyoungcy/arbengine/internal/quotecache"
	"github.com/alanyoungcy/arbengine/internal/risk"
	"github.com/alanyoungcy/arbengine/internal/venue"
)

// Config controls the scan loop.
type Config struct {
	Mode    string
	Symbols []string
	// AutoExecute hands every detected opportunity to the coordinator.
	// Monitor mode leaves it off and only publishes.
	AutoExecute bool
	// ScanInterval re-evaluates every symbol even without quote updates so
	// opportunities built on quotes that went stale are withdrawn.
	ScanInterval time.Duration
	// ShutdownTimeout bounds the wait for in-flight executions.
	ShutdownTimeout time.Duration
}

// Publisher receives engine events for the bus. Implementations must not
// block.
type Publisher interface {
	PublishOpportunity(ctx context.Context, opp domain.Opportunity)
	PublishVenueState(ctx context.Context, vs domain.VenueState)
	ReportRiskEvent(ctx context.Context, ev domain.RiskEvent)
}

// Deps are the components the engine drives. Grids and Publisher are
// optional.
type Deps struct {
	Venues      []*venue.Guarded
	Cache       *quotecache.Cache
	Calculator  *calculator.Calculator
	Risk        *risk.Manager
	Coordinator *coordinator.Coordinator
	Grids       []*grid.Grid
	Publisher   Publisher
}

// Engine is safe for concurrent use.
type Engine struct {
	cfg       Config
	venues    map[string]*venue.Guarded
	names     []string
	cache     *quotecache.Cache
	calc      *calculator.Calculator
	risk      *risk.Manager
	coord     *coordinator.Coordinator
	grids     []*grid.Grid
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
	startedAt time.Time

	mu  sync.RWMutex
	top map[string]domain.Opportunity
}

// New checks deps and creates an Engine.
func New(cfg Config, deps Deps, logger *slog.Logger) (*Engine, error) {
	if deps.Cache == nil || deps.Calculator == nil || deps.Risk == nil || deps.Coordinator == nil {
		return nil, fmt.Errorf("engine: new: %w: cache, calculator, risk and coordinator are required", domain.ErrValidation)
	}
	if len(cfg.Symbols) == 0 && len(deps.Grids) == 0 {
		return nil, fmt.Errorf("engine: new: %w: no symbols to trade", domain.ErrValidation)
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 90 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		cfg:       cfg,
		venues:    make(map[string]*venue.Guarded, len(deps.Venues)),
		cache:     deps.Cache,
		calc:      deps.Calculator,
		risk:      deps.Risk,
		coord:     deps.Coordinator,
		grids:     deps.Grids,
		publisher: deps.Publisher,
		logger:    logger.With(slog.String("component", "engine")),
		now:       time.Now,
		startedAt: time.Now(),
		top:       make(map[string]domain.Opportunity),
	}
	for _, v := range deps.Venues {
		if _, dup := e.venues[v.Name()]; dup {
			return nil, fmt.Errorf("engine: new: %w: duplicate venue %q", domain.ErrValidation, v.Name())
		}
		e.venues[v.Name()] = v
		e.names = append(e.names, v.Name())
	}
	slices.Sort(e.names)
	return e, nil
}

// Run connects the venues, streams quotes, scans for opportunities and runs
// the grids until ctx is cancelled. It then stops accepting executions,
// waits for in-flight ones, including unwinds, and disconnects.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine starting",
		slog.String("mode", e.cfg.Mode),
		slog.Any("symbols", e.cfg.Symbols),
		slog.Any("venues", e.names),
		slog.Bool("auto_execute", e.cfg.AutoExecute),
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range e.names {
		v := e.venues[name]
		if err := v.Connect(gctx); err != nil {
			e.logger.Warn("venue connect failed, streams will retry",
				slog.String("venue", name),
				slog.String("error", err.Error()),
			)
		}
		for _, sym := range e.streamSymbols(name) {
			g.Go(func() error { return e.stream(gctx, v, sym) })
		}
	}
	if len(e.cfg.Symbols) > 0 {
		g.Go(func() error { return e.scan(gctx) })
	}
	for _, gr := range e.grids {
		g.Go(func() error { return gr.Run(gctx) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return errors.Join(err, e.shutdown(ctx))
}

// streamSymbols are the arbitrage symbols plus any grid symbols on venue.
func (e *Engine) streamSymbols(venueName string) []string {
	syms := slices.Clone(e.cfg.Symbols)
	for _, gr := range e.grids {
		cfg := gr.Config()
		if cfg.Venue == venueName && !slices.Contains(syms, cfg.Symbol) {
			syms = append(syms, cfg.Symbol)
		}
	}
	return syms
}

func (e *Engine) shutdown(ctx context.Context) error {
	e.logger.Info("engine stopping, waiting for in-flight executions",
		slog.Int("in_flight", e.coord.InFlight()),
	)
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.ShutdownTimeout)
	defer cancel()
	err := e.coord.Shutdown(sctx)
	for _, name := range e.names {
		if derr := e.venues[name].Disconnect(); derr != nil {
			err = errors.Join(err, fmt.Errorf("engine: disconnect %s: %w", name, derr))
		}
	}
	e.logger.Info("engine stopped")
	return err
}

// stream keeps a quote subscription alive, resubscribing with backoff when
// the venue refuses or the channel closes early.
func (e *Engine) stream(ctx context.Context, v *venue.Guarded, symbol string) error {
	log := e.logger.With(slog.String("venue", v.Name()), slog.String("symbol", symbol))
	bo := venue.ReconnectBackoff()
	failures := 0
	for {
		ch, err := v.StreamQuotes(ctx, symbol)
		if err != nil {
			failures++
			log.Warn("quote stream unavailable",
				slog.Int("attempt", failures),
				slog.String("error", err.Error()),
			)
		} else {
			failures = 0
			for q := range ch {
				e.cache.Update(q)
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		if err := venue.Sleep(ctx, bo.Next(failures)); err != nil {
			return nil
		}
	}
}

// scan evaluates symbols whose quotes changed, plus all symbols on every
// scan interval.
func (e *Engine) scan(ctx context.Context) error {
	t := time.NewTicker(e.cfg.ScanInterval)
	defer t.Stop()
	for {
		var syms []string
		select {
		case <-ctx.Done():
			return nil
		case <-e.cache.Updates():
			syms = e.cache.TakeDirty()
		case <-t.C:
			syms = e.cfg.Symbols
		}
		for _, sym := range syms {
			if slices.Contains(e.cfg.Symbols, sym) {
				e.evaluate(ctx, sym)
			}
		}
	}
}

// evaluate refreshes the top opportunity for symbol and, in auto mode,
// submits it.
func (e *Engine) evaluate(ctx context.Context, symbol string) {
	opp, ok := e.best(symbol)

	e.mu.Lock()
	prev, had := e.top[symbol]
	if ok {
		e.top[symbol] = opp
	} else {
		delete(e.top, symbol)
	}
	e.mu.Unlock()

	if !ok {
		if had {
			e.logger.Debug("opportunity withdrawn", slog.String("symbol", symbol), slog.String("opportunity_id", prev.ID))
		}
		return
	}

	metrics.OpportunitiesTotal.WithLabelValues(symbol, string(domain.OpportunityProposed)).Inc()
	if e.publisher != nil {
		e.publisher.PublishOpportunity(ctx, opp)
	}
	if !e.cfg.AutoExecute || e.risk.Halted() || e.risk.IsPaused(symbol) {
		return
	}
	e.coord.Go(ctx, opp)
}

func (e *Engine) best(symbol string) (domain.Opportunity, bool) {
	now := e.now()
	quotes := e.cache.Snapshot(symbol, now)
	if len(quotes) < 2 {
		return domain.Opportunity{}, false
	}
	return e.calc.Best(symbol, quotes, e.venueInfos(), e.risk.Thresholds(), now)
}

func (e *Engine) venueInfos() map[string]calculator.VenueInfo {
	infos := make(map[string]calculator.VenueInfo, len(e.venues))
	for name, v := range e.venues {
		infos[name] = calculator.VenueInfo{Fees: v.Fees(), Latency: v.Latency(), Tradable: v.Tradable()}
	}
	return infos
}

// ---------------------------------------------------------------------------
// Read models
// ---------------------------------------------------------------------------

// VenueStates returns every venue's connectivity, ordered by name.
func (e *Engine) VenueStates() []domain.VenueState {
	out := make([]domain.VenueState, 0, len(e.names))
	for _, name := range e.names {
		out = append(out, e.venues[name].State())
	}
	return out
}

// TopOpportunities returns the current top opportunity of every symbol that
// has one, ordered by symbol.
func (e *Engine) TopOpportunities() []domain.Opportunity {
	e.mu.RLock()
	out := make([]domain.Opportunity, 0, len(e.top))
	for _, o := range e.top {
		out = append(out, o)
	}
	e.mu.RUnlock()
	slices.SortFunc(out, func(a, b domain.Opportunity) int {
		if a.Symbol < b.Symbol {
			return -1
		}
		if a.Symbol > b.Symbol {
			return 1
		}
		return 0
	})
	return out
}

// TopOpportunity returns the current top opportunity for symbol.
func (e *Engine) TopOpportunity(symbol string) (domain.Opportunity, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	o, ok := e.top[domain.NormalizeSymbol(symbol)]
	return o, ok
}

// SpreadHistory returns the recent best spreads for symbol, oldest first.
func (e *Engine) SpreadHistory(symbol string) []calculator.SpreadSample {
	return e.calc.SpreadHistory(domain.NormalizeSymbol(symbol))
}

// Executions returns up to limit settled executions, newest first.
func (e *Engine) Executions(limit int) []domain.Execution {
	return e.coord.Log().Recent(limit)
}

// Execution finds a settled execution in the in-memory log.
func (e *Engine) Execution(id string) (domain.Execution, bool) {
	return e.coord.Log().Get(id)
}

// Grids returns a snapshot of every grid.
func (e *Engine) Grids() []grid.Snapshot {
	out := make([]grid.Snapshot, 0, len(e.grids))
	for _, g := range e.grids {
		out = append(out, g.Snapshot())
	}
	return out
}

// Thresholds returns the thresholds in effect.
func (e *Engine) Thresholds() risk.Thresholds { return e.risk.Thresholds() }

// Status summarizes the engine.
func (e *Engine) Status() domain.EngineStatus {
	return domain.EngineStatus{
		Mode:          e.cfg.Mode,
		UptimeSeconds: int64(e.now().Sub(e.startedAt).Seconds()),
		Symbols:       slices.Clone(e.cfg.Symbols),
		Venues:        e.VenueStates(),
		InFlight:      e.coord.InFlight(),
		PausedSymbols: e.risk.Paused(),
		Halted:        e.risk.Halted(),
	}
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

// ExecuteNow re-evaluates symbol against fresh quotes and executes the top
// opportunity synchronously. It returns domain.ErrNoOpportunity when nothing
// clears the thresholds.
func (e *Engine) ExecuteNow(ctx context.Context, symbol string) (domain.Execution, error) {
	symbol = domain.NormalizeSymbol(symbol)
	if !slices.Contains(e.cfg.Symbols, symbol) {
		return domain.Execution{}, fmt.Errorf("engine: execute %s: %w", symbol, domain.ErrNotFound)
	}
	opp, ok := e.best(symbol)
	if !ok {
		return domain.Execution{}, fmt.Errorf("engine: execute %s: %w", symbol, domain.ErrNoOpportunity)
	}
	e.logger.Info("manual execution requested",
		slog.String("symbol", symbol),
		slog.String("opportunity_id", opp.ID),
		slog.Float64("net_profit", opp.NetProfit),
	)
	return e.coord.Execute(ctx, &opp)
}

// UpdateThresholds validates th and applies it from the next evaluation.
func (e *Engine) UpdateThresholds(ctx context.Context, th risk.Thresholds) error {
	if err := e.risk.UpdateThresholds(th); err != nil {
		return fmt.Errorf("engine: update thresholds: %w", err)
	}
	// Re-evaluate at once so the top opportunities reflect the new policy.
	for _, sym := range e.cfg.Symbols {
		e.evaluate(ctx, sym)
	}
	return nil
}

// ResumeSymbol lifts a pause raised by a failed unwind.
func (e *Engine) ResumeSymbol(symbol string) {
	e.risk.Resume(domain.NormalizeSymbol(symbol))
}

// ClearHalt re-arms trading after the kill switch.
func (e *Engine) ClearHalt() { e.risk.ClearHalt() }

// ---------------------------------------------------------------------------
// Venue hooks
// ---------------------------------------------------------------------------

// OnVenueState publishes venue state changes. Passed to venue.WithOnStateChange.
func (e *Engine) OnVenueState(vs domain.VenueState) {
	if e.publisher != nil {
		e.publisher.PublishVenueState(context.Background(), vs)
	}
}

// OnVenueDisabled raises a risk event when authentication fails. Passed to
// venue.WithOnDisable.
func (e *Engine) OnVenueDisabled(venueName string, err error) {
	ev := domain.RiskEvent{
		ID:      uuid.NewString(),
		Kind:    domain.RiskVenueAuth,
		Venue:   venueName,
		Message: fmt.Sprintf("venue disabled after authentication failure: %v", err),
		Fatal:   false,
		At:      e.now(),
	}
	metrics.RiskEventsTotal.WithLabelValues(string(ev.Kind)).Inc()
	e.logger.Error("venue disabled", slog.String("venue", venueName), slog.String("error", err.Error()))
	if e.publisher != nil {
		e.publisher.ReportRiskEvent(context.Background(), ev)
	}
}
