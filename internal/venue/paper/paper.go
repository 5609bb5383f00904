// Package paper implements an in-memory venue. Orders are filled against the
// last known quote (or scripted outcomes), which makes it both the simulated
// exchange for paper trading and the fake exchange for tests.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/venue"
)

// Fill scripts the outcome of the next PlaceOrder call.
type Fill struct {
	// Err is returned instead of placing the order.
	Err error
	// Ratio of the requested quantity filled immediately (1 = full). A
	// partial fill leaves the order open until cancelled.
	Ratio float64
	// Price overrides the fill price.
	Price float64
	// Rest leaves the order open without any fill.
	Rest bool
	// Delay is slept before answering.
	Delay time.Duration
	// LoseAck places the order as scripted but answers with a connectivity
	// error, as if the response was lost on the way back.
	LoseAck bool
}

// Full fills the order completely at the market price.
var Full = Fill{Ratio: 1}

// Venue is a simulated exchange. Safe for concurrent use.
type Venue struct {
	name   string
	fees   domain.FeeSchedule
	source venue.Adapter
	logger *slog.Logger

	mu         sync.Mutex
	connected  bool
	connectErr error
	quotes     map[string]domain.Quote
	subs       map[string][]chan domain.Quote
	orders     map[string]*domain.OrderHandle
	script     []Fill
	failOps    map[string]error
	balances   map[string]float64
	enforce    bool
	positions  map[string]float64
	placed     int
	seq        int
}

// Option configures a paper venue.
type Option func(*Venue)

// WithBalances seeds balances and enables balance checks on orders.
func WithBalances(b map[string]float64) Option {
	return func(v *Venue) {
		v.balances = maps.Clone(b)
		v.enforce = true
	}
}

// WithQuoteSource streams quotes from a live adapter while orders stay
// simulated.
func WithQuoteSource(src venue.Adapter) Option {
	return func(v *Venue) { v.source = src }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *Venue) { v.logger = l }
}

// New creates a paper venue.
func New(name string, fees domain.FeeSchedule, opts ...Option) *Venue {
	v := &Venue{
		name:      name,
		fees:      fees,
		logger:    slog.Default(),
		quotes:    make(map[string]domain.Quote),
		subs:      make(map[string][]chan domain.Quote),
		orders:    make(map[string]*domain.OrderHandle),
		failOps:   make(map[string]error),
		balances:  make(map[string]float64),
		positions: make(map[string]float64),
	}
	for _, o := range opts {
		o(v)
	}
	v.logger = v.logger.With(slog.String("component", "paper"), slog.String("venue", name))
	return v
}

var _ venue.Adapter = (*Venue)(nil)

func (v *Venue) Name() string             { return v.name }
func (v *Venue) Fees() domain.FeeSchedule { return v.fees }

func (v *Venue) Connect(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.connectErr; err != nil {
		return fmt.Errorf("paper: connect: %w", err)
	}
	if v.source != nil {
		if err := v.source.Connect(ctx); err != nil {
			return err
		}
	}
	v.connected = true
	return nil
}

func (v *Venue) Disconnect() error {
	v.mu.Lock()
	v.connected = false
	src := v.source
	v.mu.Unlock()
	if src != nil {
		return src.Disconnect()
	}
	return nil
}

// FailConnect makes the next Connect calls fail with err (nil clears it).
func (v *Venue) FailConnect(err error) {
	v.mu.Lock()
	v.connectErr = err
	v.mu.Unlock()
}

// FailOp makes every call of op ("cancel_order", "order_status",
// "order_by_client_id", "fetch_balance") fail with err until cleared with a nil err.
func (v *Venue) FailOp(op string, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err == nil {
		delete(v.failOps, op)
		return
	}
	v.failOps[op] = err
}

// Script queues outcomes for the next PlaceOrder calls, in order.
func (v *Venue) Script(fills ...Fill) {
	v.mu.Lock()
	v.script = append(v.script, fills...)
	v.mu.Unlock()
}

// StreamQuotes emits every quote pushed with SetQuote (or received from the
// quote source) for symbol until ctx is done.
func (v *Venue) StreamQuotes(ctx context.Context, symbol string) (<-chan domain.Quote, error) {
	ch := make(chan domain.Quote, 64)
	v.mu.Lock()
	v.subs[symbol] = append(v.subs[symbol], ch)
	src := v.source
	v.mu.Unlock()

	if src != nil {
		upstream, err := src.StreamQuotes(ctx, symbol)
		if err != nil {
			v.unsubscribe(symbol, ch)
			return nil, err
		}
		go func() {
			for q := range upstream {
				q.Venue = v.name
				v.SetQuote(q)
			}
		}()
	}

	go func() {
		<-ctx.Done()
		v.unsubscribe(symbol, ch)
	}()
	return ch, nil
}

func (v *Venue) unsubscribe(symbol string, ch chan domain.Quote) {
	v.mu.Lock()
	defer v.mu.Unlock()
	subs := v.subs[symbol]
	for i, c := range subs {
		if c == ch {
			v.subs[symbol] = append(subs[:i], subs[i+1:]...)
			close(ch)
			return
		}
	}
}

// SetQuote records q as the venue's top of book, fans it out to streams and
// fills any resting limit orders it crosses.
func (v *Venue) SetQuote(q domain.Quote) {
	if q.Venue == "" {
		q.Venue = v.name
	}
	if q.Timestamp.IsZero() {
		q.Timestamp = time.Now()
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.quotes[q.Symbol] = q
	for _, h := range v.orders {
		if h.Symbol != q.Symbol || h.Type != domain.OrderTypeLimit || h.Status.Terminal() {
			continue
		}
		if (h.Side == domain.OrderSideBuy && q.AskPrice <= h.Price) ||
			(h.Side == domain.OrderSideSell && q.BidPrice >= h.Price) {
			v.fillLocked(h, h.Remaining(), h.Price)
		}
	}
	for _, ch := range v.subs[q.Symbol] {
		select {
		case ch <- q:
		default:
			// Slow reader: drop the oldest and keep the newest.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- q:
			default:
			}
		}
	}
}

// PlaceOrder applies the next scripted outcome, or fills market orders at the
// current quote and rests limit orders until the book crosses them.
func (v *Venue) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderHandle, error) {
	if req.Quantity <= 0 {
		return domain.OrderHandle{}, fmt.Errorf("paper: quantity %v: %w", req.Quantity, domain.ErrInvalidOrder)
	}

	v.mu.Lock()
	fill, scripted := Fill{}, false
	if len(v.script) > 0 {
		fill, scripted = v.script[0], true
		v.script = v.script[1:]
	}
	v.mu.Unlock()

	if fill.Delay > 0 {
		if err := venue.Sleep(ctx, fill.Delay); err != nil {
			return domain.OrderHandle{}, err
		}
	}
	if fill.Err != nil {
		return domain.OrderHandle{}, fill.Err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	price := v.marketPriceLocked(req)
	if req.Type() == domain.OrderTypeLimit {
		price = req.Price
	}
	if fill.Price > 0 {
		price = fill.Price
	}
	if price <= 0 {
		return domain.OrderHandle{}, fmt.Errorf("paper: no price for %s: %w", req.Symbol, domain.ErrInvalidOrder)
	}
	if err := v.checkBalanceLocked(req, price); err != nil {
		return domain.OrderHandle{}, err
	}

	v.seq++
	v.placed++
	h := &domain.OrderHandle{
		ID:           fmt.Sprintf("paper-%s-%d", v.name, v.seq),
		ClientID:     req.ClientID,
		Venue:        v.name,
		Symbol:       req.Symbol,
		Side:         req.Side,
		Type:         req.Type(),
		Status:       domain.OrderStatusNew,
		RequestedQty: req.Quantity,
		Price:        req.Price,
		UpdatedAt:    time.Now(),
	}
	v.orders[h.ID] = h

	switch {
	case scripted && fill.Rest:
	case scripted:
		if qty := req.Quantity * math.Min(fill.Ratio, 1); qty > 0 {
			v.fillLocked(h, qty, price)
		}
	case req.Type() == domain.OrderTypeMarket:
		v.fillLocked(h, req.Quantity, price)
	default:
		if q, ok := v.quotes[req.Symbol]; ok {
			if (req.Side == domain.OrderSideBuy && q.AskPrice <= req.Price) ||
				(req.Side == domain.OrderSideSell && q.BidPrice >= req.Price) {
				v.fillLocked(h, req.Quantity, req.Price)
			}
		}
	}
	if fill.LoseAck {
		return domain.OrderHandle{}, fmt.Errorf("paper: place %s: response lost: %w", req.ClientID, domain.ErrConnectivity)
	}
	return *h, nil
}

func (v *Venue) marketPriceLocked(req domain.OrderRequest) float64 {
	q, ok := v.quotes[req.Symbol]
	if !ok {
		return req.Price
	}
	if req.Side == domain.OrderSideBuy {
		return q.AskPrice
	}
	return q.BidPrice
}

func (v *Venue) checkBalanceLocked(req domain.OrderRequest, price float64) error {
	if !v.enforce {
		return nil
	}
	base, quote, ok := domain.SplitSymbol(req.Symbol)
	if !ok {
		return fmt.Errorf("paper: symbol %q: %w", req.Symbol, domain.ErrInvalidOrder)
	}
	if req.Side == domain.OrderSideBuy {
		need := req.Quantity * price * (1 + v.fees.Taker)
		if v.balances[quote] < need {
			return fmt.Errorf("paper: need %.8f %s, have %.8f: %w", need, quote, v.balances[quote], domain.ErrInsufficientBalance)
		}
		return nil
	}
	if v.balances[base] < req.Quantity {
		return fmt.Errorf("paper: need %.8f %s, have %.8f: %w", req.Quantity, base, v.balances[base], domain.ErrInsufficientBalance)
	}
	return nil
}

// fillLocked adds qty at price to the order, charging the taker fee for market
// orders and the maker fee for limit orders.
func (v *Venue) fillLocked(h *domain.OrderHandle, qty, price float64) {
	if qty <= 0 {
		return
	}
	rate := v.fees.Taker
	if h.Type == domain.OrderTypeLimit {
		rate = v.fees.Maker
	}
	notional := qty * price
	fee := notional * rate

	prev := h.FilledQty
	h.FilledQty += qty
	h.AvgPrice = (h.AvgPrice*prev + notional) / h.FilledQty
	h.Fee += fee
	h.UpdatedAt = time.Now()
	if h.Remaining() <= 1e-12 {
		h.Status = domain.OrderStatusFilled
	} else {
		h.Status = domain.OrderStatusPartiallyFilled
	}

	signed := qty
	if h.Side == domain.OrderSideSell {
		signed = -qty
	}
	v.positions[h.Symbol] += signed

	if base, quote, ok := domain.SplitSymbol(h.Symbol); ok && v.enforce {
		if h.Side == domain.OrderSideBuy {
			v.balances[base] += qty
			v.balances[quote] -= notional + fee
		} else {
			v.balances[base] -= qty
			v.balances[quote] += notional - fee
		}
	}
	v.logger.Debug("paper fill",
		slog.String("order_id", h.ID),
		slog.String("side", string(h.Side)),
		slog.Float64("qty", qty),
		slog.Float64("price", price),
	)
}

// FillOrder fills qty of a resting order at price, as if the market traded
// through it. Zero qty fills the remainder.
func (v *Venue) FillOrder(orderID string, qty, price float64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	h, ok := v.orders[orderID]
	if !ok {
		return fmt.Errorf("paper: order %s: %w", orderID, domain.ErrNotFound)
	}
	if h.Status.Terminal() {
		return fmt.Errorf("paper: order %s is %s: %w", orderID, h.Status, domain.ErrInvalidOrder)
	}
	if qty <= 0 || qty > h.Remaining() {
		qty = h.Remaining()
	}
	v.fillLocked(h, qty, price)
	return nil
}

func (v *Venue) CancelOrder(ctx context.Context, symbol, orderID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.failOps["cancel_order"]; err != nil {
		return err
	}
	h, ok := v.orders[orderID]
	if !ok {
		return fmt.Errorf("paper: cancel %s: %w", orderID, domain.ErrNotFound)
	}
	switch h.Status {
	case domain.OrderStatusFilled:
		return fmt.Errorf("paper: cancel %s: %w", orderID, domain.ErrOrderAlreadyFilled)
	case domain.OrderStatusCanceled, domain.OrderStatusRejected:
		return nil
	}
	h.Status = domain.OrderStatusCanceled
	h.UpdatedAt = time.Now()
	return nil
}

func (v *Venue) OrderStatus(ctx context.Context, symbol, orderID string) (domain.OrderHandle, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.failOps["order_status"]; err != nil {
		return domain.OrderHandle{}, err
	}
	h, ok := v.orders[orderID]
	if !ok {
		return domain.OrderHandle{}, fmt.Errorf("paper: order %s: %w", orderID, domain.ErrNotFound)
	}
	return *h, nil
}

func (v *Venue) OrderByClientID(ctx context.Context, symbol, clientID string) (domain.OrderHandle, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.failOps["order_by_client_id"]; err != nil {
		return domain.OrderHandle{}, err
	}
	for _, h := range v.orders {
		if clientID != "" && h.ClientID == clientID && h.Symbol == symbol {
			return *h, nil
		}
	}
	return domain.OrderHandle{}, fmt.Errorf("paper: client order %s: %w", clientID, domain.ErrNotFound)
}

func (v *Venue) FetchBalance(ctx context.Context) (map[string]float64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.failOps["fetch_balance"]; err != nil {
		return nil, err
	}
	return maps.Clone(v.balances), nil
}

// Position returns the net base quantity bought minus sold for symbol.
func (v *Venue) Position(symbol string) float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.positions[symbol]
}

// Placed returns how many orders were accepted.
func (v *Venue) Placed() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.placed
}

// Orders returns a copy of every order placed so far.
func (v *Venue) Orders() []domain.OrderHandle {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]domain.OrderHandle, 0, len(v.orders))
	for _, h := range v.orders {
		out = append(out, *h)
	}
	return out
}

// RunSynthetic pushes a random-walk quote for symbol every interval until
// ctx is done. Used by paper mode when no live source is configured.
func (v *Venue) RunSynthetic(ctx context.Context, symbol string, start, spreadBps float64, interval time.Duration) {
	mid := start
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			mid *= 1 + rand.NormFloat64()*0.0005
			half := mid * spreadBps / 20000
			v.SetQuote(domain.Quote{
				Venue:     v.name,
				Symbol:    symbol,
				BidPrice:  mid - half,
				BidVolume: 1 + rand.Float64()*4,
				AskPrice:  mid + half,
				AskVolume: 1 + rand.Float64()*4,
				Timestamp: time.Now(),
			})
		}
	}
}
