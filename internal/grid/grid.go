// Package grid runs a volatility-adjusted grid: resting limit buys below a
// center price and sells above it, each fill answered by the opposite order
// one spacing step away, so every round trip captures the spacing.
package grid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/metrics"
	"github.com/alanyoungcy/arbengine/internal/venue"
)

// Config is one grid.
type Config struct {
	Venue            string
	Symbol           string
	Levels           int
	BaseSpacingPct   float64
	MinSpacingPct    float64
	MaxSpacingPct    float64
	VolatilityK      float64
	VolatilityWindow int
	OrderSizeUSD     float64
	// RecenterBandPct is how far the mid may drift from the center before
	// the ladder is rebuilt (0 disables).
	RecenterBandPct float64
	PollInterval    time.Duration
	TickSize        float64
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if c.Venue == "" || c.Symbol == "" {
		errs = append(errs, errors.New("venue and symbol are required"))
	}
	if c.Levels < 1 {
		errs = append(errs, fmt.Errorf("levels must be >= 1, got %d", c.Levels))
	}
	if c.BaseSpacingPct <= 0 {
		errs = append(errs, fmt.Errorf("base_spacing_pct must be > 0, got %v", c.BaseSpacingPct))
	}
	if c.MinSpacingPct < 0 {
		errs = append(errs, fmt.Errorf("min_spacing_pct must not be negative, got %v", c.MinSpacingPct))
	}
	if c.MaxSpacingPct > 0 && c.MaxSpacingPct < c.MinSpacingPct {
		errs = append(errs, fmt.Errorf("max_spacing_pct %v below min_spacing_pct %v", c.MaxSpacingPct, c.MinSpacingPct))
	}
	if c.OrderSizeUSD <= 0 {
		errs = append(errs, fmt.Errorf("order_size_usd must be > 0, got %v", c.OrderSizeUSD))
	}
	if c.TickSize < 0 || c.RecenterBandPct < 0 {
		errs = append(errs, errors.New("tick_size and recenter_band_pct must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("grid: %w: %w", domain.ErrValidation, errors.Join(errs...))
	}
	return nil
}

func (c Config) spacing() SpacingParams {
	return SpacingParams{BasePct: c.BaseSpacingPct, MinPct: c.MinSpacingPct, MaxPct: c.MaxSpacingPct, K: c.VolatilityK}
}

// QuoteSource returns the latest quote of a venue and symbol.
type QuoteSource interface {
	Get(venue, symbol string) (domain.Quote, bool)
}

// CycleRecorder receives completed cycles.
type CycleRecorder interface {
	RecordGridCycle(ctx context.Context, c domain.GridCycle)
}

// Snapshot is the dashboard view of a grid.
type Snapshot struct {
	Ladder     domain.GridLadder `json:"ladder"`
	Stats      domain.GridStats  `json:"stats"`
	WinRate    float64           `json:"win_rate"`
	Volatility float64           `json:"volatility"`
	Regime     string            `json:"regime"`
	Running    bool              `json:"running"`
}

// Grid is driven by a single goroutine (Run, or the caller of Start, Tick
// and Stop); Snapshot may be called concurrently.
type Grid struct {
	cfg      Config
	venue    venue.Adapter
	quotes   QuoteSource
	recorder CycleRecorder
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string

	vol *Volatility

	mu         sync.RWMutex
	ladder     *domain.GridLadder
	stats      domain.GridStats
	running    bool
	volatility float64
}

// New validates cfg and creates a Grid. quotes and recorder may be nil when
// prices are fed through Tick.
func New(cfg Config, v venue.Adapter, quotes QuoteSource, recorder CycleRecorder, logger *slog.Logger) (*Grid, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.VolatilityWindow <= 0 {
		cfg.VolatilityWindow = 60
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(
		slog.String("component", "grid"),
		slog.String("venue", cfg.Venue),
		slog.String("symbol", cfg.Symbol),
	)
	return &Grid{
		cfg:      cfg,
		venue:    v,
		quotes:   quotes,
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
		newID:    uuid.NewString,
		vol:      NewVolatility(cfg.VolatilityWindow),
	}, nil
}

// Config returns the grid's configuration with defaults applied.
func (g *Grid) Config() Config { return g.cfg }

// Run starts the grid at the first available mid price and ticks it every
// poll interval. Live orders are cancelled when ctx ends.
func (g *Grid) Run(ctx context.Context) error {
	if g.quotes == nil {
		return errors.New("grid: run: no quote source")
	}
	t := time.NewTicker(g.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			return g.Stop(sctx)
		case <-t.C:
		}
		q, ok := g.quotes.Get(g.cfg.Venue, g.cfg.Symbol)
		if !ok {
			continue
		}
		var err error
		if g.Running() {
			err = g.Tick(ctx, q.Mid())
		} else {
			err = g.Start(ctx, q.Mid())
		}
		if err != nil && ctx.Err() == nil {
			g.logger.Warn("grid tick failed", slog.String("error", err.Error()))
		}
	}
}

// Running reports whether a ladder is live.
func (g *Grid) Running() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.running
}

// Start builds a ladder around center and places every order.
func (g *Grid) Start(ctx context.Context, center float64) error {
	if center <= 0 {
		return fmt.Errorf("grid: start: center %v: %w", center, domain.ErrValidation)
	}
	g.vol.Add(center)
	return g.build(ctx, center)
}

func (g *Grid) build(ctx context.Context, center float64) error {
	vol := g.vol.Value()
	spacing := g.cfg.spacing().Spacing(vol)
	if floor := TickSpacingPct(center, g.cfg.TickSize); spacing < floor {
		g.logger.Debug("spacing below one tick, widened",
			slog.Float64("spacing_pct", spacing),
			slog.Float64("tick_spacing_pct", floor),
		)
		spacing = floor
	}
	ladder := &domain.GridLadder{
		ID:         g.newID(),
		Venue:      g.cfg.Venue,
		Symbol:     g.cfg.Symbol,
		Center:     center,
		SpacingPct: spacing,
		Tick:       g.cfg.TickSize,
		Orders:     BuildLadder(center, spacing, g.cfg.Levels, g.cfg.TickSize, g.cfg.OrderSizeUSD),
		CreatedAt:  g.now(),
	}

	var errs []error
	for i := range ladder.Orders {
		if err := g.place(ctx, &ladder.Orders[i]); err != nil {
			errs = append(errs, err)
		}
	}

	g.mu.Lock()
	g.ladder = ladder
	g.running = true
	g.volatility = vol
	g.mu.Unlock()

	g.logger.Info("grid ladder placed",
		slog.String("ladder_id", ladder.ID),
		slog.Float64("center", center),
		slog.Float64("spacing_pct", spacing),
		slog.Int("orders", len(ladder.Orders)),
		slog.Int("failed", len(errs)),
	)
	return errors.Join(errs...)
}

// Tick feeds a new mid price: it updates volatility, recenters when the
// price left the band and otherwise processes fills.
func (g *Grid) Tick(ctx context.Context, mid float64) error {
	if !g.Running() {
		return errors.New("grid: tick: not started")
	}
	g.vol.Add(mid)

	g.mu.Lock()
	g.volatility = g.vol.Value()
	center := g.ladder.Center
	g.mu.Unlock()

	if band := g.cfg.RecenterBandPct; band > 0 && math.Abs(mid-center)/center*100 > band {
		return g.recenter(ctx, mid)
	}
	return g.poll(ctx)
}

func (g *Grid) recenter(ctx context.Context, mid float64) error {
	g.logger.Info("price left the band, recentering",
		slog.Float64("mid", mid),
		slog.Float64("band_pct", g.cfg.RecenterBandPct),
	)
	if err := g.cancelLive(ctx); err != nil {
		return fmt.Errorf("grid: recenter: %w", err)
	}
	g.mu.Lock()
	g.stats.Recenters++
	g.mu.Unlock()
	return g.build(ctx, mid)
}

// poll refreshes every live order and reacts to completed fills.
func (g *Grid) poll(ctx context.Context) error {
	g.mu.RLock()
	orders := append([]domain.GridOrder(nil), g.ladder.Orders...)
	g.mu.RUnlock()

	var errs []error
	for i := range orders {
		o := &orders[i]
		switch {
		case o.Status == domain.GridOrderFailed:
			// Retry orders the venue refused earlier.
			if err := g.place(ctx, o); err != nil {
				errs = append(errs, err)
			}
			continue
		case !o.Status.Live() || o.OrderID == "":
			continue
		}

		h, err := g.venue.OrderStatus(ctx, g.cfg.Symbol, o.OrderID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		switch h.Status {
		case domain.OrderStatusFilled:
			if err := g.onFill(ctx, o, h); err != nil {
				errs = append(errs, err)
			}
		case domain.OrderStatusCanceled, domain.OrderStatusRejected:
			o.Status = domain.GridOrderCanceled
		}
	}

	g.mu.Lock()
	g.ladder.Orders = orders
	g.mu.Unlock()
	return errors.Join(errs...)
}

// onFill replaces the filled order in place with its counter order. An
// opening fill gets a closing order one step away; a closing fill completes
// a cycle and restores the level's original order.
func (g *Grid) onFill(ctx context.Context, o *domain.GridOrder, h domain.OrderHandle) error {
	g.mu.RLock()
	ladderID, center, spacing := g.ladder.ID, g.ladder.Center, g.ladder.SpacingPct
	g.mu.RUnlock()
	step := StepSize(center, spacing, g.cfg.TickSize)

	if !o.Closing() {
		price := snapToTick(h.AvgPrice+step, g.cfg.TickSize)
		if o.Side == domain.OrderSideSell {
			price = snapToTick(h.AvgPrice-step, g.cfg.TickSize)
		}
		g.logger.Info("grid order filled",
			slog.Int("level", o.Level),
			slog.String("side", string(o.Side)),
			slog.Float64("price", h.AvgPrice),
			slog.Float64("counter_price", price),
		)
		*o = domain.GridOrder{
			Level:      o.Level,
			Side:       o.Side.Opposite(),
			Price:      price,
			Qty:        h.FilledQty,
			Status:     domain.GridOrderPending,
			EntryPrice: h.AvgPrice,
			EntryFee:   h.Fee,
		}
		return g.place(ctx, o)
	}

	buy, sell := o.EntryPrice, h.AvgPrice
	if o.Side == domain.OrderSideBuy {
		buy, sell = h.AvgPrice, o.EntryPrice
	}
	fees := o.EntryFee + h.Fee
	cycle := domain.GridCycle{
		LadderID:  ladderID,
		Venue:     g.cfg.Venue,
		Symbol:    g.cfg.Symbol,
		Level:     o.Level,
		BuyPrice:  buy,
		SellPrice: sell,
		Qty:       h.FilledQty,
		Fees:      fees,
		Profit:    (sell-buy)*h.FilledQty - fees,
		At:        g.now(),
	}
	g.recordCycle(ctx, cycle)

	price := LevelPrice(center, spacing, o.Level, g.cfg.TickSize)
	side := domain.OrderSideBuy
	if o.Level > 0 {
		side = domain.OrderSideSell
	}
	*o = domain.GridOrder{
		Level:  o.Level,
		Side:   side,
		Price:  price,
		Qty:    Quantity(g.cfg.OrderSizeUSD, price),
		Status: domain.GridOrderPending,
	}
	return g.place(ctx, o)
}

func (g *Grid) recordCycle(ctx context.Context, c domain.GridCycle) {
	g.mu.Lock()
	g.stats.Cycles++
	if c.Profit > 0 {
		g.stats.ProfitableCycles++
	}
	g.stats.RealizedPnL += c.Profit
	at := c.At
	g.stats.LastCycleAt = &at
	pnl := g.stats.RealizedPnL
	g.mu.Unlock()

	metrics.GridCyclesTotal.WithLabelValues(c.Symbol).Inc()
	metrics.RealizedProfit.WithLabelValues("grid").Set(pnl)
	g.logger.Info("grid cycle completed",
		slog.Int("level", c.Level),
		slog.Float64("buy", c.BuyPrice),
		slog.Float64("sell", c.SellPrice),
		slog.Float64("profit", c.Profit),
	)
	if g.recorder != nil {
		g.recorder.RecordGridCycle(ctx, c)
	}
}

// place submits o as a limit order and records the outcome on o.
func (g *Grid) place(ctx context.Context, o *domain.GridOrder) error {
	if o.Qty <= 0 {
		o.Status = domain.GridOrderFailed
		return fmt.Errorf("grid: level %d: zero quantity", o.Level)
	}
	h, err := g.venue.PlaceOrder(ctx, domain.OrderRequest{
		Symbol:   g.cfg.Symbol,
		Side:     o.Side,
		Quantity: o.Qty,
		Price:    o.Price,
	})
	if err != nil {
		o.Status = domain.GridOrderFailed
		return fmt.Errorf("grid: place level %d %s at %v: %w", o.Level, o.Side, o.Price, err)
	}
	o.OrderID = h.ID
	o.Status = domain.GridOrderResting
	return nil
}

// Stop cancels every live order. The grid can be started again afterwards.
func (g *Grid) Stop(ctx context.Context) error {
	err := g.cancelLive(ctx)
	g.mu.Lock()
	g.running = false
	g.mu.Unlock()
	g.logger.Info("grid stopped")
	return err
}

func (g *Grid) cancelLive(ctx context.Context) error {
	g.mu.RLock()
	if g.ladder == nil {
		g.mu.RUnlock()
		return nil
	}
	orders := append([]domain.GridOrder(nil), g.ladder.Orders...)
	g.mu.RUnlock()

	var errs []error
	for i := range orders {
		o := &orders[i]
		if !o.Status.Live() {
			continue
		}
		if o.OrderID != "" {
			err := g.venue.CancelOrder(ctx, g.cfg.Symbol, o.OrderID)
			if err != nil && !errors.Is(err, domain.ErrOrderAlreadyFilled) && !errors.Is(err, domain.ErrNotFound) {
				errs = append(errs, err)
				continue
			}
		}
		o.Status = domain.GridOrderCanceled
	}

	g.mu.Lock()
	g.ladder.Orders = orders
	g.mu.Unlock()
	return errors.Join(errs...)
}

// Snapshot returns a copy of the ladder and its stats.
func (g *Grid) Snapshot() Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s := Snapshot{
		Stats:      g.stats,
		WinRate:    g.stats.WinRate(),
		Volatility: g.volatility,
		Regime:     Regime(g.volatility),
		Running:    g.running,
	}
	if g.ladder != nil {
		s.Ladder = *g.ladder
		s.Ladder.Orders = append([]domain.GridOrder(nil), g.ladder.Orders...)
	}
	return s
}
