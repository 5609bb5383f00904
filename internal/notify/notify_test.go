package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

type captured struct {
	mu     sync.Mutex
	titles []string
	bodies []string
	err    error
}

func (c *captured) Send(_ context.Context, title, message string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.titles = append(c.titles, title)
	c.bodies = append(c.bodies, message)
	return c.err
}

func (c *captured) Name() string { return "captured" }

func partialExec() domain.Execution {
	return domain.Execution{
		ID:      "e1",
		Symbol:  "BTC/USDT",
		Outcome: domain.OutcomePartial,
		Buy:     domain.Leg{Venue: "binance", Side: domain.OrderSideBuy, FilledQty: 1, AvgFillPrice: 100},
		Sell:    domain.Leg{Venue: "okx", Side: domain.OrderSideSell, Status: domain.LegFailed},
		Unwinds: []domain.Leg{{Venue: "binance", Side: domain.OrderSideSell, FilledQty: 1, AvgFillPrice: 99}},
		Error:   "sell leg rejected",
	}
}

func TestNotifierFiltersByEvent(t *testing.T) {
	c := &captured{}
	n := NewNotifier([]Sender{c}, nil, nil)
	ctx := context.Background()

	ok := partialExec()
	ok.Outcome = domain.OutcomeSuccess
	require.NoError(t, n.NotifyExecution(ctx, ok))
	assert.Empty(t, c.titles)

	require.NoError(t, n.NotifyExecution(ctx, partialExec()))
	require.Len(t, c.titles, 1)
	assert.Equal(t, "PARTIAL BTC/USDT binance -> okx", c.titles[0])
	assert.Contains(t, c.bodies[0], "unwind 1 binance sell: 1 @ 99")
	assert.Contains(t, c.bodies[0], "error: sell leg rejected")

	all := NewNotifier([]Sender{c}, []string{"*"}, nil)
	require.NoError(t, all.NotifyExecution(ctx, ok))
	assert.Len(t, c.titles, 2)
}

func TestNotifierRiskEvent(t *testing.T) {
	c := &captured{}
	n := NewNotifier([]Sender{c}, []string{"risk.unwind_failed"}, nil)
	ev := domain.RiskEvent{Kind: domain.RiskUnwindFailed, Symbol: "ETH/USDT", Exposure: 1234.5, Message: "unwind exhausted", Fatal: true}

	require.NoError(t, n.NotifyRiskEvent(context.Background(), ev))
	require.Len(t, c.titles, 1)
	assert.Equal(t, "RISK UNWIND_FAILED (fatal)", c.titles[0])
	assert.Contains(t, c.bodies[0], "exposure: 1234.50 USD")

	require.NoError(t, n.NotifyRiskEvent(context.Background(), domain.RiskEvent{Kind: domain.RiskKillSwitch}))
	assert.Len(t, c.titles, 1)
}

func TestNotifierJoinsSenderErrors(t *testing.T) {
	boom := errors.New("boom")
	bad := &captured{err: boom}
	good := &captured{}
	n := NewNotifier([]Sender{bad, good}, []string{"*"}, nil)

	err := n.NotifyRiskEvent(context.Background(), domain.RiskEvent{Kind: domain.RiskVenueAuth})
	require.ErrorIs(t, err, boom)
	assert.Len(t, good.titles, 1)
}

func TestTelegramSender(t *testing.T) {
	var got map[string]string
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	s := NewTelegramSender("tok", "42").WithBaseURL(srv.URL)
	require.NoError(t, s.Send(context.Background(), "title", "body"))
	assert.Equal(t, "/bottok/sendMessage", path)
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "*title*\nbody", got["text"])
}

func TestDiscordSenderStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 429")
}
