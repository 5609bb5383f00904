package venue_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbengine/internal/breaker"
	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/ratelimit"
	"github.com/alanyoungcy/arbengine/internal/venue"
	"github.com/alanyoungcy/arbengine/internal/venue/paper"
)

const sym = "BTC/USDT"

func guard(t *testing.T, pv *paper.Venue, limit int, opts ...venue.GuardOption) *venue.Guarded {
	t.Helper()
	lim, err := ratelimit.New(ratelimit.Config{Name: pv.Name(), Limit: limit, Window: time.Minute})
	require.NoError(t, err)
	bcfg := breaker.DefaultConfig(pv.Name())
	bcfg.FailureThreshold = 3
	br, err := breaker.New(bcfg, nil)
	require.NoError(t, err)
	return venue.NewGuarded(pv, lim, br, nil, opts...)
}

func market(side domain.OrderSide) domain.OrderRequest {
	return domain.OrderRequest{Symbol: sym, Side: side, Quantity: 1}
}

func newPaper() *paper.Venue {
	pv := paper.New("alpha", domain.FeeSchedule{Maker: 0.001, Taker: 0.001})
	pv.SetQuote(domain.Quote{Symbol: sym, BidPrice: 99, BidVolume: 5, AskPrice: 100, AskVolume: 5})
	return pv
}

func TestGuardedPassesThrough(t *testing.T) {
	pv := newPaper()
	g := guard(t, pv, 10)

	h, err := g.PlaceOrder(context.Background(), market(domain.OrderSideBuy))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, h.Status)
	assert.Equal(t, 100.0, h.AvgPrice)

	st := g.State()
	assert.Equal(t, "alpha", st.Venue)
	assert.Equal(t, "CLOSED", st.Breaker)
	assert.Equal(t, 1, st.Limiter.Used)
	assert.Equal(t, 10, st.Limiter.Limit)
	assert.True(t, g.Tradable())
}

func TestGuardedRateLimitRejectsWithoutCallingVenue(t *testing.T) {
	pv := newPaper()
	g := guard(t, pv, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := g.PlaceOrder(ctx, market(domain.OrderSideBuy))
		require.NoError(t, err)
	}
	_, err := g.PlaceOrder(ctx, market(domain.OrderSideBuy))
	require.ErrorIs(t, err, domain.ErrRateLimited)
	assert.True(t, domain.Recoverable(err))
	assert.Equal(t, 2, pv.Placed())

	var ve *domain.VenueError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "alpha", ve.Venue)
	assert.Equal(t, sym, ve.Symbol)
	assert.Equal(t, "place_order", ve.Op)
}

func TestGuardedBreakerFailsFast(t *testing.T) {
	pv := newPaper()
	g := guard(t, pv, 100)
	ctx := context.Background()

	pv.Script(
		paper.Fill{Err: domain.ErrConnectivity},
		paper.Fill{Err: domain.ErrConnectivity},
		paper.Fill{Err: domain.ErrConnectivity},
		paper.Full,
	)
	for i := 0; i < 3; i++ {
		_, err := g.PlaceOrder(ctx, market(domain.OrderSideBuy))
		require.ErrorIs(t, err, domain.ErrConnectivity)
	}
	assert.Equal(t, "OPEN", g.State().Breaker)
	assert.False(t, g.Tradable())

	_, err := g.PlaceOrder(ctx, market(domain.OrderSideBuy))
	require.ErrorIs(t, err, breaker.ErrOpen)
	require.ErrorIs(t, err, domain.ErrConnectivity)
	assert.Equal(t, 0, pv.Placed(), "open breaker must not reach the venue")
}

func TestGuardedOpenBreakerSparesLimiterBudget(t *testing.T) {
	pv := newPaper()
	g := guard(t, pv, 4)
	ctx := context.Background()

	pv.Script(
		paper.Fill{Err: domain.ErrConnectivity},
		paper.Fill{Err: domain.ErrConnectivity},
		paper.Fill{Err: domain.ErrConnectivity},
	)
	for i := 0; i < 3; i++ {
		_, err := g.PlaceOrder(ctx, market(domain.OrderSideBuy))
		require.ErrorIs(t, err, domain.ErrConnectivity)
		require.NotErrorIs(t, err, domain.ErrNotSent)
	}
	require.Equal(t, "OPEN", g.State().Breaker)

	for i := 0; i < 10; i++ {
		_, err := g.PlaceOrder(ctx, market(domain.OrderSideBuy))
		require.ErrorIs(t, err, breaker.ErrOpen)
		require.ErrorIs(t, err, domain.ErrNotSent)
	}
	assert.Equal(t, 3, g.State().Limiter.Used, "rejections by the breaker take no tokens")
}

func TestGuardedRateLimitedHalfOpenSlotIsReturned(t *testing.T) {
	pv := newPaper()
	lim, err := ratelimit.New(ratelimit.Config{Name: "alpha", Limit: 3, Window: time.Minute})
	require.NoError(t, err)
	bcfg := breaker.DefaultConfig("alpha")
	bcfg.FailureThreshold = 3
	br, err := breaker.New(bcfg, nil)
	require.NoError(t, err)
	now := time.Now()
	br.SetClock(func() time.Time { return now })
	g := venue.NewGuarded(pv, lim, br, nil)
	ctx := context.Background()

	pv.Script(
		paper.Fill{Err: domain.ErrConnectivity},
		paper.Fill{Err: domain.ErrConnectivity},
		paper.Fill{Err: domain.ErrConnectivity},
	)
	for i := 0; i < 3; i++ {
		_, _ = g.PlaceOrder(ctx, market(domain.OrderSideBuy))
	}
	now = now.Add(bcfg.MaxCooldown)

	_, err = g.PlaceOrder(ctx, market(domain.OrderSideBuy))
	require.ErrorIs(t, err, domain.ErrRateLimited)
	require.ErrorIs(t, err, domain.ErrNotSent)
	assert.Equal(t, "HALF_OPEN", g.State().Breaker)
	assert.NoError(t, br.Allow(), "trial slot is free for the next caller")
}

func TestGuardedOrderByClientID(t *testing.T) {
	pv := newPaper()
	g := guard(t, pv, 10)
	ctx := context.Background()

	req := market(domain.OrderSideBuy)
	req.ClientID = "arbabc123b"
	placed, err := g.PlaceOrder(ctx, req)
	require.NoError(t, err)

	found, err := g.OrderByClientID(ctx, sym, "arbabc123b")
	require.NoError(t, err)
	assert.Equal(t, placed.ID, found.ID)
	assert.Equal(t, "arbabc123b", found.ClientID)

	_, err = g.OrderByClientID(ctx, sym, "arbmissing")
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, "CLOSED", g.State().Breaker)
}

// streamingVenue captures the dial guard installed by NewGuarded.
type streamingVenue struct {
	*paper.Venue
	guard venue.DialGuard
}

func (s *streamingVenue) SetDialGuard(g venue.DialGuard) { s.guard = g }

func TestGuardedInstallsDialGuard(t *testing.T) {
	sv := &streamingVenue{Venue: newPaper()}
	lim, err := ratelimit.New(ratelimit.Config{Name: "alpha", Limit: 100, Window: time.Minute})
	require.NoError(t, err)
	bcfg := breaker.DefaultConfig("alpha")
	bcfg.FailureThreshold = 3
	br, err := breaker.New(bcfg, nil)
	require.NoError(t, err)
	g := venue.NewGuarded(sv, lim, br, nil)
	require.NotNil(t, sv.guard)

	var dials atomic.Int32
	failing := func(context.Context) error {
		dials.Add(1)
		return domain.ErrConnectivity
	}
	for i := 0; i < 3; i++ {
		require.ErrorIs(t, sv.guard(context.Background(), failing), domain.ErrConnectivity)
	}
	assert.Equal(t, "OPEN", g.State().Breaker, "failed reconnects count against the breaker")
	assert.Equal(t, 3, g.State().Limiter.Used)

	err = sv.guard(context.Background(), failing)
	require.ErrorIs(t, err, domain.ErrNotSent)
	assert.Equal(t, int32(3), dials.Load(), "open breaker stops reconnect dials")
}

func TestGuardedBusinessErrorsDoNotTrip(t *testing.T) {
	pv := paper.New("alpha", domain.FeeSchedule{Taker: 0.001}, paper.WithBalances(map[string]float64{"USDT": 1}))
	pv.SetQuote(domain.Quote{Symbol: sym, BidPrice: 99, BidVolume: 5, AskPrice: 100, AskVolume: 5})
	g := guard(t, pv, 100)

	for i := 0; i < 5; i++ {
		_, err := g.PlaceOrder(context.Background(), market(domain.OrderSideBuy))
		require.ErrorIs(t, err, domain.ErrInsufficientBalance)
	}
	st := g.State()
	assert.Equal(t, "CLOSED", st.Breaker)
	assert.NotEmpty(t, st.LastError)
	assert.NotNil(t, st.LastErrorAt)
}

func TestGuardedAuthFailureDisablesVenue(t *testing.T) {
	pv := newPaper()
	var disabled atomic.Int32
	g := guard(t, pv, 100, venue.WithOnDisable(func(name string, err error) {
		assert.Equal(t, "alpha", name)
		assert.ErrorIs(t, err, domain.ErrAuth)
		disabled.Add(1)
	}))
	ctx := context.Background()

	pv.Script(paper.Fill{Err: domain.ErrAuth})
	_, err := g.PlaceOrder(ctx, market(domain.OrderSideBuy))
	require.ErrorIs(t, err, domain.ErrAuth)
	assert.True(t, g.Disabled())
	assert.False(t, g.Tradable())

	_, err = g.PlaceOrder(ctx, market(domain.OrderSideBuy))
	require.ErrorIs(t, err, domain.ErrVenueDisabled)
	_, err = g.FetchBalance(ctx)
	require.ErrorIs(t, err, domain.ErrVenueDisabled)
	assert.EqualValues(t, 1, disabled.Load())
	assert.Equal(t, "CLOSED", g.State().Breaker, "auth errors are not connectivity failures")

	g.Enable()
	_, err = g.PlaceOrder(ctx, market(domain.OrderSideBuy))
	require.NoError(t, err)
}

func TestGuardedLatencyEWMA(t *testing.T) {
	pv := newPaper()
	base := time.Unix(0, 0)
	var calls int
	clock := func() time.Time {
		calls++
		// Each pair of reads spans 10ms, then 20ms.
		switch calls {
		case 1:
			return base
		case 2:
			return base.Add(10 * time.Millisecond)
		case 3:
			return base
		default:
			return base.Add(20 * time.Millisecond)
		}
	}
	g := guard(t, pv, 100, venue.WithGuardClock(clock))
	ctx := context.Background()

	_, err := g.PlaceOrder(ctx, market(domain.OrderSideBuy))
	require.NoError(t, err)
	assert.Equal(t, 10*time.Millisecond, g.Latency())

	_, err = g.PlaceOrder(ctx, market(domain.OrderSideSell))
	require.NoError(t, err)
	assert.Equal(t, 12*time.Millisecond, g.Latency())
}

func TestGuardedConnectTracksState(t *testing.T) {
	pv := newPaper()
	var seen []bool
	g := guard(t, pv, 100, venue.WithOnStateChange(func(st domain.VenueState) {
		seen = append(seen, st.Connected)
	}))

	require.NoError(t, g.Connect(context.Background()))
	assert.True(t, g.State().Connected)
	require.NoError(t, g.Disconnect())
	assert.False(t, g.State().Connected)
	assert.Equal(t, []bool{true, false}, seen)
}
