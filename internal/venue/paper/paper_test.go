package paper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

const sym = "ETH/USDT"

func newVenue(opts ...Option) *Venue {
	v := New("paper-a", domain.FeeSchedule{Maker: 0.0005, Taker: 0.001}, opts...)
	v.SetQuote(domain.Quote{Symbol: sym, BidPrice: 1999, BidVolume: 3, AskPrice: 2000, AskVolume: 3})
	return v
}

func TestMarketOrderFillsAtQuote(t *testing.T) {
	v := newVenue(WithBalances(map[string]float64{"USDT": 10_000}))
	ctx := context.Background()

	h, err := v.PlaceOrder(ctx, domain.OrderRequest{Symbol: sym, Side: domain.OrderSideBuy, Quantity: 2})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderTypeMarket, h.Type)
	assert.Equal(t, domain.OrderStatusFilled, h.Status)
	assert.Equal(t, 2000.0, h.AvgPrice)
	assert.InDelta(t, 4.0, h.Fee, 1e-9)

	bal, err := v.FetchBalance(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, bal["ETH"], 1e-9)
	assert.InDelta(t, 10_000-4000-4, bal["USDT"], 1e-9)
	assert.InDelta(t, 2.0, v.Position(sym), 1e-12)
}

func TestInsufficientBalance(t *testing.T) {
	v := newVenue(WithBalances(map[string]float64{"USDT": 100, "ETH": 0.5}))
	ctx := context.Background()

	_, err := v.PlaceOrder(ctx, domain.OrderRequest{Symbol: sym, Side: domain.OrderSideBuy, Quantity: 1})
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	_, err = v.PlaceOrder(ctx, domain.OrderRequest{Symbol: sym, Side: domain.OrderSideSell, Quantity: 1})
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	assert.Zero(t, v.Placed())
}

func TestLimitOrderRestsUntilCrossed(t *testing.T) {
	v := newVenue()
	ctx := context.Background()

	h, err := v.PlaceOrder(ctx, domain.OrderRequest{Symbol: sym, Side: domain.OrderSideBuy, Quantity: 1, Price: 1990})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusNew, h.Status)

	v.SetQuote(domain.Quote{Symbol: sym, BidPrice: 1985, BidVolume: 1, AskPrice: 1989, AskVolume: 1})
	got, err := v.OrderStatus(ctx, sym, h.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, got.Status)
	assert.Equal(t, 1990.0, got.AvgPrice)
	assert.InDelta(t, 1990*0.0005, got.Fee, 1e-9)

	assert.ErrorIs(t, v.CancelOrder(ctx, sym, h.ID), domain.ErrOrderAlreadyFilled)
}

func TestScriptedPartialFillThenCancel(t *testing.T) {
	v := newVenue()
	ctx := context.Background()
	v.Script(Fill{Ratio: 0.4})

	h, err := v.PlaceOrder(ctx, domain.OrderRequest{Symbol: sym, Side: domain.OrderSideSell, Quantity: 5})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPartiallyFilled, h.Status)
	assert.InDelta(t, 2.0, h.FilledQty, 1e-12)
	assert.InDelta(t, 3.0, h.Remaining(), 1e-12)

	require.NoError(t, v.CancelOrder(ctx, sym, h.ID))
	got, err := v.OrderStatus(ctx, sym, h.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCanceled, got.Status)
	assert.InDelta(t, 2.0, got.FilledQty, 1e-12)
	assert.InDelta(t, -2.0, v.Position(sym), 1e-12)
}

func TestScriptedErrorAndRest(t *testing.T) {
	v := newVenue()
	ctx := context.Background()
	v.Script(Fill{Err: domain.ErrConnectivity}, Fill{Rest: true})

	_, err := v.PlaceOrder(ctx, domain.OrderRequest{Symbol: sym, Side: domain.OrderSideBuy, Quantity: 1})
	assert.ErrorIs(t, err, domain.ErrConnectivity)

	h, err := v.PlaceOrder(ctx, domain.OrderRequest{Symbol: sym, Side: domain.OrderSideBuy, Quantity: 1})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusNew, h.Status)

	require.NoError(t, v.FillOrder(h.ID, 0, 2001))
	got, err := v.OrderStatus(ctx, sym, h.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, got.Status)
}

func TestStreamQuotesClosesOnCancel(t *testing.T) {
	v := newVenue()
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := v.StreamQuotes(ctx, sym)
	require.NoError(t, err)

	v.SetQuote(domain.Quote{Symbol: sym, BidPrice: 2001, BidVolume: 1, AskPrice: 2002, AskVolume: 1})
	select {
	case q := <-ch:
		assert.Equal(t, "paper-a", q.Venue)
		assert.Equal(t, 2001.0, q.BidPrice)
	case <-time.After(time.Second):
		t.Fatal("no quote received")
	}

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestUnknownOrder(t *testing.T) {
	v := newVenue()
	_, err := v.OrderStatus(context.Background(), sym, "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, v.CancelOrder(context.Background(), sym, "nope"), domain.ErrNotFound)
}

func TestLostAckOrderIsFoundByClientID(t *testing.T) {
	v := newVenue()
	ctx := context.Background()
	v.Script(Fill{Ratio: 1, LoseAck: true})

	_, err := v.PlaceOrder(ctx, domain.OrderRequest{Symbol: sym, Side: domain.OrderSideSell, Quantity: 1, ClientID: "arb42s"})
	require.ErrorIs(t, err, domain.ErrConnectivity)
	assert.Equal(t, 1, v.Placed(), "the order exists despite the error")
	assert.InDelta(t, -1.0, v.Position(sym), 1e-12)

	h, err := v.OrderByClientID(ctx, sym, "arb42s")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, h.Status)
	assert.Equal(t, "arb42s", h.ClientID)

	_, err = v.OrderByClientID(ctx, "BTC/USDT", "arb42s")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
