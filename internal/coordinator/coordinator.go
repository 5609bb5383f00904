// Package coordinator executes accepted opportunities: it serializes work per
// symbol, dispatches both legs concurrently, classifies the fills and unwinds
// any unhedged remainder.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/metrics"
	"github.com/alanyoungcy/arbengine/internal/risk"
	"github.com/alanyoungcy/arbengine/internal/venue"
)

// qtyEpsilon absorbs float noise when comparing filled quantities.
const qtyEpsilon = 1e-9

// Client-id lookups after an ambiguous placement failure.
const (
	lookupAttempts = 3
	lookupTimeout  = 5 * time.Second
)

// Config tunes the coordinator.
type Config struct {
	// ExecutionTimeout bounds how long legs may stay open before they are
	// cancelled and classified by what filled.
	ExecutionTimeout time.Duration
	PollInterval     time.Duration
	// UnwindMaxAttempts and UnwindBackoff govern unwind retries.
	UnwindMaxAttempts int
	UnwindBackoff     venue.Backoff
	// UnwindTimeout bounds the whole unwind phase. It is not tied to the
	// caller's context so shutdown cannot strand a position.
	UnwindTimeout time.Duration
	LockTTL       time.Duration
	LogSize       int
	// CheckBalances verifies both venues can fund their legs before
	// dispatch.
	CheckBalances bool
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ExecutionTimeout:  10 * time.Second,
		PollInterval:      250 * time.Millisecond,
		UnwindMaxAttempts: 5,
		UnwindBackoff:     venue.Backoff{Min: 250 * time.Millisecond, Max: 5 * time.Second, Factor: 2},
		UnwindTimeout:     time.Minute,
		LockTTL:           2 * time.Minute,
		LogSize:           DefaultLogSize,
		CheckBalances:     true,
	}
}

// Reporter receives settled executions and risk events. Implementations
// must not block.
type Reporter interface {
	ReportExecution(ctx context.Context, exec domain.Execution)
	ReportRiskEvent(ctx context.Context, ev domain.RiskEvent)
}

// LockKey is the lock name used for symbol.
func LockKey(symbol string) string { return "exec:" + symbol }

// Coordinator is safe for concurrent use.
type Coordinator struct {
	cfg      Config
	venues   map[string]venue.Adapter
	risk     *risk.Manager
	locks    domain.LockManager
	reporter Reporter
	log      *ExecutionLog
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string

	mu       sync.Mutex
	closing  bool
	wg       sync.WaitGroup
	inFlight atomic.Int32
}

// New creates a Coordinator. locks may be nil for an in-process lock table and
// reporter may be nil.
func New(cfg Config, venues map[string]venue.Adapter, rm *risk.Manager, locks domain.LockManager, reporter Reporter, logger *slog.Logger) *Coordinator {
	def := DefaultConfig()
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = def.ExecutionTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.UnwindMaxAttempts <= 0 {
		cfg.UnwindMaxAttempts = def.UnwindMaxAttempts
	}
	if cfg.UnwindBackoff == (venue.Backoff{}) {
		cfg.UnwindBackoff = def.UnwindBackoff
	}
	if cfg.UnwindTimeout <= 0 {
		cfg.UnwindTimeout = def.UnwindTimeout
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if locks == nil {
		locks = NewLocalLocks()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cfg:      cfg,
		venues:   venues,
		risk:     rm,
		locks:    locks,
		reporter: reporter,
		log:      NewExecutionLog(cfg.LogSize),
		logger:   logger.With(slog.String("component", "coordinator")),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Log returns the in-memory execution log.
func (c *Coordinator) Log() *ExecutionLog { return c.log }

// InFlight returns the number of executions currently running.
func (c *Coordinator) InFlight() int { return int(c.inFlight.Load()) }

// Go runs Execute in a tracked goroutine. It returns false when the
// coordinator is shutting down.
func (c *Coordinator) Go(ctx context.Context, opp domain.Opportunity) bool {
	if !c.track() {
		return false
	}
	go func() {
		defer c.wg.Done()
		if _, err := c.execute(ctx, &opp); err != nil && !isQuietRejection(err) {
			c.logger.Warn("execution did not complete",
				slog.String("opportunity_id", opp.ID),
				slog.String("symbol", opp.Symbol),
				slog.String("error", err.Error()),
			)
		}
	}()
	return true
}

// Shutdown stops accepting work and waits for in-flight executions,
// including their unwinds, or for ctx to end.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("coordinator: shutdown: %d executions still running: %w", c.InFlight(), ctx.Err())
	}
}

// track registers one execution with the shutdown wait group unless
// Shutdown has begun.
func (c *Coordinator) track() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return false
	}
	c.wg.Add(1)
	return true
}

// Execute drives opp from proposed to settled or rejected. A rejected
// opportunity returns an error and no execution. Once legs are dispatched an
// Execution is always returned, with its outcome; the error is non-nil only
// when the outcome is not success.
//
// The execution runs to completion even if ctx ends first: only values are
// taken from ctx, and the work is bounded by the configured timeouts.
func (c *Coordinator) Execute(ctx context.Context, opp *domain.Opportunity) (domain.Execution, error) {
	if !c.track() {
		return domain.Execution{}, c.reject(opp, domain.ErrShuttingDown)
	}
	defer c.wg.Done()
	return c.execute(ctx, opp)
}

func (c *Coordinator) execute(ctx context.Context, opp *domain.Opportunity) (domain.Execution, error) {
	ctx = context.WithoutCancel(ctx)

	buyV, okB := c.venues[opp.BuyVenue]
	sellV, okS := c.venues[opp.SellVenue]
	if !okB || !okS || opp.BuyVenue == opp.SellVenue {
		return domain.Execution{}, c.reject(opp, fmt.Errorf("%w: unknown venue pair %s/%s", domain.ErrValidation, opp.BuyVenue, opp.SellVenue))
	}

	release, err := c.risk.Reserve(*opp)
	if err != nil {
		return domain.Execution{}, c.reject(opp, err)
	}
	defer release()
	if err := opp.Transition(domain.OpportunityAccepted); err != nil {
		return domain.Execution{}, err
	}

	pctx, cancel := context.WithTimeout(ctx, c.cfg.ExecutionTimeout)
	defer cancel()
	unlock, err := c.locks.Acquire(pctx, LockKey(opp.Symbol), c.cfg.LockTTL)
	if err != nil {
		return domain.Execution{}, c.reject(opp, err)
	}
	defer unlock()

	if c.cfg.CheckBalances {
		if err := c.checkBalances(pctx, opp, buyV, sellV); err != nil {
			return domain.Execution{}, c.reject(opp, err)
		}
	}
	if err := opp.Transition(domain.OpportunityExecuting); err != nil {
		return domain.Execution{}, err
	}

	c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	return c.run(ctx, opp, buyV, sellV)
}

func (c *Coordinator) run(ctx context.Context, opp *domain.Opportunity, buyV, sellV venue.Adapter) (domain.Execution, error) {
	exec := domain.Execution{
		ID:             c.newID(),
		OpportunityID:  opp.ID,
		Symbol:         opp.Symbol,
		ExpectedProfit: opp.NetProfit,
		StartedAt:      c.now(),
	}
	log := c.logger.With(
		slog.String("execution_id", exec.ID),
		slog.String("opportunity_id", opp.ID),
		slog.String("symbol", opp.Symbol),
	)
	log.Info("dispatching legs",
		slog.String("buy_venue", opp.BuyVenue),
		slog.String("sell_venue", opp.SellVenue),
		slog.Float64("volume", opp.Volume),
		slog.Float64("expected_profit", opp.NetProfit),
	)

	legCtx, cancel := context.WithTimeout(ctx, c.cfg.ExecutionTimeout)
	var (
		g               errgroup.Group
		buyErr, sellErr error
	)
	g.Go(func() error {
		exec.Buy, buyErr = c.runLeg(legCtx, buyV, domain.OrderRequest{
			Symbol: opp.Symbol, Side: domain.OrderSideBuy, Quantity: opp.Volume, ClientID: clientID(exec.ID, "b"),
		}, opp.BuyPrice)
		return nil
	})
	g.Go(func() error {
		exec.Sell, sellErr = c.runLeg(legCtx, sellV, domain.OrderRequest{
			Symbol: opp.Symbol, Side: domain.OrderSideSell, Quantity: opp.Volume, ClientID: clientID(exec.ID, "s"),
		}, opp.SellPrice)
		return nil
	})
	_ = g.Wait()
	cancel()

	buyFilled, sellFilled := exec.Buy.FilledQty, exec.Sell.FilledQty
	unknown := exec.Buy.Status == domain.LegUnknown || exec.Sell.Status == domain.LegUnknown
	switch {
	case unknown:
		exec.Outcome = domain.OutcomePartial
	case buyFilled <= qtyEpsilon && sellFilled <= qtyEpsilon:
		exec.Outcome = domain.OutcomeFailed
	case math.Abs(buyFilled-sellFilled) <= qtyEpsilon:
		exec.Outcome = domain.OutcomeSuccess
	default:
		exec.Outcome = domain.OutcomePartial
	}

	var resultErr error
	switch exec.Outcome {
	case domain.OutcomeFailed:
		resultErr = errors.Join(buyErr, sellErr)
		if resultErr == nil {
			resultErr = errors.New("coordinator: no leg filled")
		} else {
			resultErr = fmt.Errorf("coordinator: no leg filled: %w", resultErr)
		}
		exec.Error = resultErr.Error()
	case domain.OutcomePartial:
		if unknown {
			resultErr = c.holdUnknown(ctx, &exec, opp, errors.Join(buyErr, sellErr), log)
		} else {
			resultErr = c.unwind(ctx, &exec, opp, buyV, sellV, log)
		}
		exec.Error = resultErr.Error()
	}

	exec.RealizedProfit = exec.ComputeProfit()
	exec.Duration = c.now().Sub(exec.StartedAt)

	// A failed execution caused by missing funds is a rejection, not a
	// settlement.
	if exec.Outcome == domain.OutcomeFailed && errors.Is(resultErr, domain.ErrInsufficientBalance) {
		_ = opp.Reject(resultErr.Error())
	} else {
		_ = opp.Transition(domain.OpportunitySettled)
	}
	metrics.OpportunitiesTotal.WithLabelValues(opp.Symbol, string(opp.Status)).Inc()

	c.settle(context.WithoutCancel(ctx), exec, log)
	return exec, resultErr
}

// runLeg places one order and follows it to a terminal state or the leg
// deadline, cancelling whatever is still open at the deadline. A placement
// that failed without a definite answer is looked up by client id before the
// leg is written off.
func (c *Coordinator) runLeg(ctx context.Context, v venue.Adapter, req domain.OrderRequest, expectedPrice float64) (domain.Leg, error) {
	leg := domain.Leg{
		Venue:          v.Name(),
		Side:           req.Side,
		RequestedQty:   req.Quantity,
		RequestedPrice: expectedPrice,
		Status:         domain.LegPending,
	}
	h, err := v.PlaceOrder(ctx, req)
	if err != nil && req.ClientID != "" && ambiguous(err) {
		h, err = c.recoverOrder(ctx, v, req, err)
	}
	if err != nil {
		leg.Status = domain.LegFailed
		if errors.Is(err, domain.ErrOrderUnknown) {
			leg.Status = domain.LegUnknown
		}
		leg.Error = err.Error()
		return leg, err
	}
	leg.OrderID = h.ID
	h = c.follow(ctx, v, h)
	applyHandle(&leg, h)
	return leg, nil
}

// recoverOrder looks up by client id an order whose placement failed
// ambiguously. It returns placeErr when the venue confirms the order does not
// exist, and an error wrapping domain.ErrOrderUnknown when the venue cannot
// say.
func (c *Coordinator) recoverOrder(ctx context.Context, v venue.Adapter, req domain.OrderRequest, placeErr error) (domain.OrderHandle, error) {
	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= lookupAttempts; attempt++ {
		if attempt > 1 && venue.Sleep(lctx, c.cfg.PollInterval) != nil {
			break
		}
		h, err := v.OrderByClientID(lctx, req.Symbol, req.ClientID)
		if err == nil {
			c.logger.Warn("order found by client id after failed placement",
				slog.String("venue", v.Name()),
				slog.String("client_id", req.ClientID),
				slog.String("order_id", h.ID),
				slog.String("place_error", placeErr.Error()),
			)
			return h, nil
		}
		lastErr = err
	}
	if errors.Is(lastErr, domain.ErrNotFound) {
		return domain.OrderHandle{}, placeErr
	}
	return domain.OrderHandle{}, fmt.Errorf("coordinator: %w: client id %s on %s: %w (lookup: %w)",
		domain.ErrOrderUnknown, req.ClientID, v.Name(), placeErr, lastErr)
}

// ambiguous reports whether a placement error leaves open whether the venue
// accepted the order.
func ambiguous(err error) bool {
	for _, definite := range []error{
		domain.ErrNotSent,
		domain.ErrInsufficientBalance,
		domain.ErrAuth,
		domain.ErrInvalidOrder,
		domain.ErrRateLimited,
		domain.ErrVenueDisabled,
		domain.ErrValidation,
	} {
		if errors.Is(err, definite) {
			return false
		}
	}
	return true
}

// follow polls an order until it is terminal or ctx ends. On deadline the
// order is cancelled and its final state read with a fresh short context.
func (c *Coordinator) follow(ctx context.Context, v venue.Adapter, h domain.OrderHandle) domain.OrderHandle {
	for !h.Status.Terminal() {
		if venue.Sleep(ctx, c.cfg.PollInterval) != nil {
			break
		}
		next, err := v.OrderStatus(ctx, h.Symbol, h.ID)
		if err != nil {
			continue
		}
		h = next
	}
	if h.Status.Terminal() {
		return h
	}

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := v.CancelOrder(cctx, h.Symbol, h.ID); err != nil && !errors.Is(err, domain.ErrOrderAlreadyFilled) {
		c.logger.Warn("cancel after deadline failed",
			slog.String("venue", v.Name()),
			slog.String("order_id", h.ID),
			slog.String("error", err.Error()),
		)
	}
	if final, err := v.OrderStatus(cctx, h.Symbol, h.ID); err == nil {
		h = final
	}
	return h
}

func applyHandle(leg *domain.Leg, h domain.OrderHandle) {
	leg.FilledQty = h.FilledQty
	leg.AvgFillPrice = h.AvgPrice
	leg.Fee = h.Fee
	switch {
	case h.Status == domain.OrderStatusFilled:
		leg.Status = domain.LegFilled
	case h.FilledQty > qtyEpsilon:
		leg.Status = domain.LegPartiallyFilled
	case h.Status == domain.OrderStatusRejected:
		leg.Status = domain.LegFailed
	default:
		leg.Status = domain.LegCanceled
	}
}

func (c *Coordinator) checkBalances(ctx context.Context, opp *domain.Opportunity, buyV, sellV venue.Adapter) error {
	base, quote, ok := domain.SplitSymbol(opp.Symbol)
	if !ok {
		return fmt.Errorf("%w: symbol %q", domain.ErrValidation, opp.Symbol)
	}
	var buyBal, sellBal map[string]float64
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		buyBal, err = buyV.FetchBalance(gctx)
		return err
	})
	g.Go(func() (err error) {
		sellBal, err = sellV.FetchBalance(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("coordinator: balance check: %w", err)
	}
	need := opp.Notional() * (1 + buyV.Fees().Taker)
	if buyBal[quote] < need {
		return domain.NewVenueError(opp.BuyVenue, "balance_check",
			fmt.Errorf("%w: need %.8f %s, have %.8f", domain.ErrInsufficientBalance, need, quote, buyBal[quote]))
	}
	if sellBal[base] < opp.Volume {
		return domain.NewVenueError(opp.SellVenue, "balance_check",
			fmt.Errorf("%w: need %.8f %s, have %.8f", domain.ErrInsufficientBalance, opp.Volume, base, sellBal[base]))
	}
	return nil
}

// reject marks opp rejected with cause and returns cause.
func (c *Coordinator) reject(opp *domain.Opportunity, cause error) error {
	if err := opp.Reject(cause.Error()); err != nil {
		return errors.Join(cause, err)
	}
	metrics.OpportunitiesTotal.WithLabelValues(opp.Symbol, string(domain.OpportunityRejected)).Inc()
	level := slog.LevelInfo
	switch {
	case isQuietRejection(cause):
		level = slog.LevelDebug
	case errors.Is(cause, domain.ErrInsufficientBalance):
		level = slog.LevelWarn
	}
	c.logger.Log(context.Background(), level, "opportunity rejected",
		slog.String("opportunity_id", opp.ID),
		slog.String("symbol", opp.Symbol),
		slog.String("reason", cause.Error()),
	)
	return cause
}

func (c *Coordinator) settle(ctx context.Context, exec domain.Execution, log *slog.Logger) {
	c.log.Append(exec)
	metrics.ExecutionsTotal.WithLabelValues(exec.Symbol, string(exec.Outcome)).Inc()
	metrics.ExecutionSeconds.WithLabelValues(string(exec.Outcome)).Observe(exec.Duration.Seconds())

	ev := c.risk.RecordSettlement(exec)
	metrics.RealizedProfit.WithLabelValues("arbitrage").Set(c.risk.Realized())

	log.Info("execution settled",
		slog.String("outcome", string(exec.Outcome)),
		slog.Float64("realized_profit", exec.RealizedProfit),
		slog.Float64("net_position", exec.NetPosition()),
		slog.Duration("duration", exec.Duration),
	)
	if c.reporter != nil {
		c.reporter.ReportExecution(ctx, exec)
	}
	if ev != nil {
		c.raise(ctx, *ev)
	}
}

func (c *Coordinator) raise(ctx context.Context, ev domain.RiskEvent) {
	metrics.RiskEventsTotal.WithLabelValues(string(ev.Kind)).Inc()
	c.logger.Error("risk event",
		slog.String("kind", string(ev.Kind)),
		slog.String("symbol", ev.Symbol),
		slog.String("venue", ev.Venue),
		slog.Float64("exposure", ev.Exposure),
		slog.String("message", ev.Message),
	)
	if c.reporter != nil {
		c.reporter.ReportRiskEvent(ctx, ev)
	}
}

func isQuietRejection(err error) bool {
	return errors.Is(err, domain.ErrLockHeld) || errors.Is(err, risk.ErrRejected)
}

// clientID derives a venue-safe alphanumeric client order id.
func clientID(execID, suffix string) string {
	id := strings.ReplaceAll(execID, "-", "")
	if len(id) > 24 {
		id = id[:24]
	}
	return "arb" + id + suffix
}
