package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/arbengine/internal/breaker"
	"github.com/alanyoungcy/arbengine/internal/calculator"
	"github.com/alanyoungcy/arbengine/internal/config"
	"github.com/alanyoungcy/arbengine/internal/coordinator"
	"github.com/alanyoungcy/arbengine/internal/crypto"
	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/engine"
	"github.com/alanyoungcy/arbengine/internal/grid"
	"github.com/alanyoungcy/arbengine/internal/metrics"
	"github.com/alanyoungcy/arbengine/internal/platform/binance"
	"github.com/alanyoungcy/arbengine/internal/platform/kucoin"
	"github.com/alanyoungcy/arbengine/internal/platform/okx"
	"github.com/alanyoungcy/arbengine/internal/quotecache"
	"github.com/alanyoungcy/arbengine/internal/ratelimit"
	"github.com/alanyoungcy/arbengine/internal/risk"
	"github.com/alanyoungcy/arbengine/internal/server"
	"github.com/alanyoungcy/arbengine/internal/server/handler"
	"github.com/alanyoungcy/arbengine/internal/server/ws"
	"github.com/alanyoungcy/arbengine/internal/sink"
	"github.com/alanyoungcy/arbengine/internal/venue"
	"github.com/alanyoungcy/arbengine/internal/venue/paper"
)

const (
	syntheticInterval  = 500 * time.Millisecond
	syntheticSpreadBps = 8.0
	serverStopTimeout  = 5 * time.Second
)

// syntheticStart seeds the random walk of paper venues that have no live
// quote source.
var syntheticStart = map[string]float64{
	"BTC": 60000,
	"ETH": 3000,
	"SOL": 150,
}

// runPlan describes what a mode starts on top of the shared engine.
type runPlan struct {
	adapters    map[string]venue.Adapter
	feeders     []func(context.Context)
	symbols     []string
	autoExecute bool
	grid        bool
}

// ArbitrageMode detects and executes cross-venue spreads on live venues.
func (a *App) ArbitrageMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting arbitrage mode")
	plan := a.buildAdapters(false)
	plan.symbols = a.cfg.Arbitrage.Symbols
	plan.autoExecute = a.cfg.Arbitrage.AutoExecute
	return a.run(ctx, deps, plan)
}

// PaperMode runs arbitrage, and the grid when enabled, against simulated
// fills. Live venues only supply quotes.
func (a *App) PaperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting paper mode")
	plan := a.buildAdapters(true)
	plan.symbols = a.cfg.Arbitrage.Symbols
	plan.autoExecute = a.cfg.Arbitrage.AutoExecute
	plan.grid = a.cfg.RunsGrid()
	return a.run(ctx, deps, plan)
}

// GridMode runs only the grid strategy.
func (a *App) GridMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting grid mode",
		slog.String("venue", a.cfg.Grid.Venue),
		slog.String("symbol", a.cfg.Grid.Symbol),
	)
	plan := a.buildAdapters(false)
	plan.grid = true
	return a.run(ctx, deps, plan)
}

// MonitorMode detects and publishes opportunities without executing them.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")
	plan := a.buildAdapters(false)
	plan.symbols = a.cfg.Arbitrage.Symbols
	return a.run(ctx, deps, plan)
}

// FullMode runs arbitrage and, when enabled, the grid on live venues.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")
	plan := a.buildAdapters(false)
	plan.symbols = a.cfg.Arbitrage.Symbols
	plan.autoExecute = a.cfg.Arbitrage.AutoExecute
	plan.grid = a.cfg.RunsGrid()
	return a.run(ctx, deps, plan)
}

// buildAdapters creates an adapter per enabled venue. With simulate set,
// exchange venues are wrapped in paper venues that stream their quotes.
// Paper venues without a quote source get a synthetic feed per symbol.
func (a *App) buildAdapters(simulate bool) runPlan {
	plan := runPlan{adapters: make(map[string]venue.Adapter)}
	live := make(map[string]venue.Adapter)

	names := a.cfg.EnabledVenues()
	for _, name := range names {
		vc := a.cfg.Venues[name]
		fees := domain.FeeSchedule{Maker: vc.MakerFee, Taker: vc.TakerFee}
		auth := crypto.HMACAuth{Key: vc.APIKey, Secret: vc.APISecret, Passphrase: vc.Passphrase}
		switch vc.AdapterKind(name) {
		case config.KindBinance:
			live[name] = binance.NewClient(binance.Config{
				Name:        name,
				RESTURL:     vc.RESTURL,
				WSURL:       vc.WSURL,
				Auth:        auth,
				Fees:        fees,
				HTTPTimeout: vc.HTTPTimeout.Duration,
			}, a.logger)
		case config.KindOKX:
			live[name] = okx.NewClient(okx.Config{
				Name:        name,
				RESTURL:     vc.RESTURL,
				WSURL:       vc.WSURL,
				Auth:        auth,
				Fees:        fees,
				Demo:        vc.Demo,
				HTTPTimeout: vc.HTTPTimeout.Duration,
			}, a.logger)
		case config.KindKuCoin:
			live[name] = kucoin.NewClient(kucoin.Config{
				Name:        name,
				RESTURL:     vc.RESTURL,
				WSURL:       vc.WSURL,
				Auth:        auth,
				Fees:        fees,
				HTTPTimeout: vc.HTTPTimeout.Duration,
			}, a.logger)
		}
	}

	for _, name := range names {
		vc := a.cfg.Venues[name]
		fees := domain.FeeSchedule{Maker: vc.MakerFee, Taker: vc.TakerFee}
		opts := []paper.Option{paper.WithLogger(a.logger)}
		if len(vc.Balances) > 0 {
			opts = append(opts, paper.WithBalances(vc.Balances))
		}

		if src, ok := live[name]; ok {
			if !simulate {
				plan.adapters[name] = src
				continue
			}
			plan.adapters[name] = paper.New(name, fees, append(opts, paper.WithQuoteSource(src))...)
			continue
		}

		if src, ok := live[vc.QuoteSource]; ok {
			plan.adapters[name] = paper.New(name, fees, append(opts, paper.WithQuoteSource(src))...)
			continue
		}
		pv := paper.New(name, fees, opts...)
		plan.adapters[name] = pv
		for _, sym := range a.syntheticSymbols(name) {
			plan.feeders = append(plan.feeders, func(ctx context.Context) {
				pv.RunSynthetic(ctx, sym, startPrice(sym), syntheticSpreadBps, syntheticInterval)
			})
		}
	}
	return plan
}

// syntheticSymbols lists the symbols a synthetic paper venue must quote.
func (a *App) syntheticSymbols(venueName string) []string {
	var syms []string
	if a.cfg.Arbitrages() {
		syms = append(syms, a.cfg.Arbitrage.Symbols...)
	}
	if a.cfg.RunsGrid() && a.cfg.Grid.Venue == venueName {
		syms = append(syms, a.cfg.Grid.Symbol)
	}
	return syms
}

func startPrice(symbol string) float64 {
	base, _, _ := strings.Cut(domain.NormalizeSymbol(symbol), "/")
	if p, ok := syntheticStart[base]; ok {
		return p
	}
	return 100
}

// run assembles the engine around plan and blocks until ctx is cancelled or
// a component fails.
func (a *App) run(ctx context.Context, deps *Dependencies, plan runPlan) error {
	cfg := a.cfg
	arb := cfg.Arbitrage

	// Hooks fire only once the engine runs, after eng is assigned.
	var eng *engine.Engine
	guarded := make([]*venue.Guarded, 0, len(plan.adapters))
	adapters := make(map[string]venue.Adapter, len(plan.adapters))
	for _, name := range cfg.EnabledVenues() {
		inner, ok := plan.adapters[name]
		if !ok {
			continue
		}
		g, err := a.guard(name, inner, &eng)
		if err != nil {
			return err
		}
		guarded = append(guarded, g)
		adapters[name] = g
	}

	rm, err := risk.New(arb.Thresholds(), risk.Options{
		SymbolCooldown:    arb.SymbolCooldown.Duration,
		KillSwitchLossUSD: arb.KillSwitchLossUSD,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("app: risk manager: %w", err)
	}

	targets := sink.Targets{
		Executions: deps.ExecutionStore,
		RiskEvents: deps.RiskEventStore,
		GridCycles: deps.GridCycleStore,
		Audit:      deps.AuditStore,
		Bus:        deps.SignalBus,
	}
	if deps.Notifier != nil {
		targets.Notifier = deps.Notifier
	}
	events := sink.New(targets, sink.Config{}, a.logger)

	coord := coordinator.New(coordinator.Config{
		ExecutionTimeout:  arb.ExecutionTimeout.Duration,
		PollInterval:      arb.PollInterval.Duration,
		UnwindMaxAttempts: arb.UnwindMaxAttempts,
		UnwindBackoff: venue.Backoff{
			Min:    arb.UnwindBackoffMin.Duration,
			Max:    arb.UnwindBackoffMax.Duration,
			Factor: 2,
		},
		UnwindTimeout: arb.UnwindTimeout.Duration,
		LockTTL:       arb.LockTTL.Duration,
		LogSize:       arb.ExecutionLogSize,
		CheckBalances: arb.CheckBalances,
	}, adapters, rm, deps.LockManager, events, a.logger)

	cacheOpts := []quotecache.Option{quotecache.WithStaleness(arb.Staleness.Duration)}
	if deps.QuoteMirror != nil {
		cacheOpts = append(cacheOpts, quotecache.WithMirror(deps.QuoteMirror))
	}
	cache := quotecache.New(a.logger, cacheOpts...)

	var grids []*grid.Grid
	if plan.grid {
		gc := cfg.Grid
		gv, ok := adapters[gc.Venue]
		if !ok {
			return fmt.Errorf("app: grid: %w: venue %q is not enabled", domain.ErrValidation, gc.Venue)
		}
		gr, err := grid.New(grid.Config{
			Venue:            gc.Venue,
			Symbol:           gc.Symbol,
			Levels:           gc.Levels,
			BaseSpacingPct:   gc.BaseSpacingPct,
			MinSpacingPct:    gc.MinSpacingPct,
			MaxSpacingPct:    gc.MaxSpacingPct,
			VolatilityK:      gc.VolatilityK,
			VolatilityWindow: gc.VolatilityWindow,
			OrderSizeUSD:     gc.OrderSizeUSD,
			RecenterBandPct:  gc.RecenterBandPct,
			PollInterval:     gc.PollInterval.Duration,
			TickSize:         gc.TickSize,
		}, gv, cache, events, a.logger)
		if err != nil {
			return fmt.Errorf("app: grid: %w", err)
		}
		grids = append(grids, gr)
	}

	eng, err = engine.New(engine.Config{
		Mode:            cfg.Mode,
		Symbols:         plan.symbols,
		AutoExecute:     plan.autoExecute,
		ScanInterval:    arb.ScanInterval.Duration,
		ShutdownTimeout: arb.ShutdownTimeout.Duration,
	}, engine.Deps{
		Venues:      guarded,
		Cache:       cache,
		Calculator:  calculator.New(arb.SpreadHistorySize),
		Risk:        rm,
		Coordinator: coord,
		Grids:       grids,
		Publisher:   events,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("app: engine: %w", err)
	}

	// The sink outlives the engine so the final executions of a shutdown
	// still reach the stores.
	sinkCtx, stopSink := context.WithCancel(context.WithoutCancel(ctx))
	sinkDone := make(chan struct{})
	go func() {
		defer close(sinkDone)
		_ = events.Run(sinkCtx)
	}()
	defer func() {
		stopSink()
		<-sinkDone
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })
	g.Go(func() error { return cache.RunMirror(gctx) })
	for _, feed := range plan.feeders {
		g.Go(func() error {
			feed(gctx)
			return nil
		})
	}
	if deps.Archiver != nil {
		g.Go(func() error { return deps.Archiver.Run(gctx, cfg.S3.ArchiveInterval.Duration) })
	}
	if cfg.Server.Enabled {
		a.serve(gctx, g, deps, eng)
	}

	if err := g.Wait(); err != nil {
		return err
	}
	a.logger.Info("all components stopped")
	return nil
}

// guard wraps an adapter with its rate limiter and circuit breaker.
func (a *App) guard(name string, inner venue.Adapter, eng **engine.Engine) (*venue.Guarded, error) {
	vc := a.cfg.Venues[name]
	lim, err := ratelimit.New(ratelimit.Config{
		Name:   name,
		Limit:  vc.RateLimit.Calls,
		Window: vc.RateLimit.Window.Duration,
	})
	if err != nil {
		return nil, fmt.Errorf("app: venue %s: %w", name, err)
	}
	br, err := breaker.New(breaker.Config{
		Name:               name,
		FailureThreshold:   vc.Breaker.Threshold,
		FailureWindow:      vc.Breaker.Window.Duration,
		Cooldown:           vc.Breaker.Cooldown.Duration,
		CooldownMultiplier: vc.Breaker.Multiplier,
		MaxCooldown:        vc.Breaker.MaxCooldown.Duration,
		OnStateChange: func(name string, _, to breaker.State) {
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
		},
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("app: venue %s: %w", name, err)
	}
	metrics.BreakerState.WithLabelValues(name).Set(float64(breaker.StateClosed))

	return venue.NewGuarded(inner, lim, br, a.logger,
		venue.WithOnDisable(func(v string, err error) {
			if e := *eng; e != nil {
				e.OnVenueDisabled(v, err)
			}
		}),
		venue.WithOnStateChange(func(vs domain.VenueState) {
			if e := *eng; e != nil {
				e.OnVenueState(vs)
			}
		}),
	), nil
}

// serve starts the HTTP API and the WebSocket hub on g.
func (a *App) serve(ctx context.Context, g *errgroup.Group, deps *Dependencies, eng *engine.Engine) {
	sc := a.cfg.Server
	hub := ws.NewHub(deps.SignalBus, nil, eng.Status, a.logger)
	srv := server.NewServer(server.Config{
		Port:        sc.Port,
		CORSOrigins: sc.CORSOrigins,
		APIKey:      sc.APIKey,
		Metrics:     a.cfg.Metrics.Enabled,
		RateLimit:   sc.RateLimit,
		RateWindow:  sc.RateWindow.Duration,
	}, server.Handlers{
		Health: handler.NewHealthHandler(deps.Health, a.logger),
		Status: handler.NewStatusHandler(eng, a.logger),
		Arb:    handler.NewArbHandler(eng, a.logger).WithExecutionStore(deps.ExecutionStore),
		Grid:   handler.NewGridHandler(eng),
	}, hub, deps.RateLimiter, a.logger)

	g.Go(func() error { return hub.Run(ctx) })
	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), serverStopTimeout)
		defer cancel()
		return srv.Shutdown(stopCtx)
	})
}
