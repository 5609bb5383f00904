package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbengine/internal/calculator"
	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/grid"
	"github.com/alanyoungcy/arbengine/internal/risk"
)

type fakeEngine struct {
	opps       map[string]domain.Opportunity
	execs      []domain.Execution
	th         risk.Thresholds
	executeErr error
	executed   domain.Execution
	resumed    []string
	cleared    bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		opps: map[string]domain.Opportunity{
			"BTC/USDT": {ID: "opp-1", Symbol: "BTC/USDT", BuyVenue: "binance", SellVenue: "okx", NetProfit: 12.5},
		},
		execs: []domain.Execution{{ID: "exec-1", Symbol: "BTC/USDT", Outcome: domain.OutcomeSuccess}},
		th:    risk.DefaultThresholds(),
	}
}

func (f *fakeEngine) Status() domain.EngineStatus {
	return domain.EngineStatus{Mode: "paper", Symbols: []string{"BTC/USDT"}}
}
func (f *fakeEngine) VenueStates() []domain.VenueState {
	return []domain.VenueState{{Venue: "binance"}, {Venue: "okx"}}
}
func (f *fakeEngine) TopOpportunities() []domain.Opportunity {
	out := make([]domain.Opportunity, 0, len(f.opps))
	for _, o := range f.opps {
		out = append(out, o)
	}
	return out
}
func (f *fakeEngine) TopOpportunity(symbol string) (domain.Opportunity, bool) {
	o, ok := f.opps[domain.NormalizeSymbol(symbol)]
	return o, ok
}
func (f *fakeEngine) SpreadHistory(string) []calculator.SpreadSample {
	return []calculator.SpreadSample{{BuyVenue: "binance", SellVenue: "okx", SpreadPct: 0.8}}
}
func (f *fakeEngine) Executions(limit int) []domain.Execution {
	return f.execs[:min(limit, len(f.execs))]
}
func (f *fakeEngine) Execution(id string) (domain.Execution, bool) {
	for _, e := range f.execs {
		if e.ID == id {
			return e, true
		}
	}
	return domain.Execution{}, false
}
func (f *fakeEngine) ExecuteNow(context.Context, string) (domain.Execution, error) {
	return f.executed, f.executeErr
}
func (f *fakeEngine) Thresholds() risk.Thresholds { return f.th }
func (f *fakeEngine) UpdateThresholds(_ context.Context, th risk.Thresholds) error {
	if th.MinProfitUSD < 0 {
		return fmt.Errorf("engine: update thresholds: %w", domain.ErrValidation)
	}
	f.th = th
	return nil
}
func (f *fakeEngine) ResumeSymbol(symbol string) { f.resumed = append(f.resumed, symbol) }
func (f *fakeEngine) ClearHalt() { f.cleared = true }
func (f *fakeEngine) Grids() []grid.Snapshot {
	return []grid.Snapshot{{Regime: "normal", Running: true}}
}

type fakeStore struct {
	domain.ExecutionStore
	execs  map[string]domain.Execution
	profit float64
	symbol string
	since  time.Time
}

func (s *fakeStore) GetByID(_ context.Context, id string) (domain.Execution, error) {
	if e, ok := s.execs[id]; ok {
		return e, nil
	}
	return domain.Execution{}, fmt.Errorf("postgres: get execution %s: %w", id, domain.ErrNotFound)
}
func (s *fakeStore) ListRecent(context.Context, int) ([]domain.Execution, error) {
	return nil, nil
}
func (s *fakeStore) SumProfit(_ context.Context, since time.Time) (float64, error) {
	s.since = since
	return s.profit, nil
}
func (s *fakeStore) SumProfitBySymbol(_ context.Context, symbol string, since time.Time) (float64, error) {
	s.symbol, s.since = symbol, since
	return s.profit / 2, nil
}

type pinger func(context.Context) error

func (p pinger) Ping(ctx context.Context) error { return p(ctx) }

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func routes(e Engine, store domain.ExecutionStore) *http.ServeMux {
	arb := NewArbHandler(e, discard())
	if store != nil {
		arb = arb.WithExecutionStore(store)
	}
	st := NewStatusHandler(e, discard())
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", st.GetStatus)
	mux.HandleFunc("GET /api/venues", st.ListVenues)
	mux.HandleFunc("POST /api/symbols/{symbol}/resume", st.ResumeSymbol)
	mux.HandleFunc("POST /api/halt/clear", st.ClearHalt)
	mux.HandleFunc("GET /api/opportunities", arb.ListOpportunities)
	mux.HandleFunc("GET /api/opportunities/{symbol}", arb.GetOpportunity)
	mux.HandleFunc("GET /api/executions", arb.ListExecutions)
	mux.HandleFunc("GET /api/executions/history", arb.History)
	mux.HandleFunc("GET /api/executions/profit", arb.Profit)
	mux.HandleFunc("GET /api/executions/{id}", arb.GetExecution)
	mux.HandleFunc("POST /api/execute/{symbol}", arb.Execute)
	mux.HandleFunc("GET /api/thresholds", arb.GetThresholds)
	mux.HandleFunc("PUT /api/thresholds", arb.UpdateThresholds)
	mux.HandleFunc("GET /api/grids", NewGridHandler(e).ListGrids)
	return mux
}

func do(t *testing.T, h http.Handler, method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, rd))
	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func TestOpportunities(t *testing.T) {
	h := routes(newFakeEngine(), nil)

	rec, body := do(t, h, http.MethodGet, "/api/opportunities", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["opportunities"], 1)

	rec, body = do(t, h, http.MethodGet, "/api/opportunities/BTC-USDT", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "opp-1", body["id"])
	assert.Len(t, body["spread_history"], 1)

	rec, _ = do(t, h, http.MethodGet, "/api/opportunities/ETH-USDT", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExecutionsMemoryThenStore(t *testing.T) {
	store := &fakeStore{execs: map[string]domain.Execution{"old": {ID: "old", Symbol: "ETH/USDT"}}}
	h := routes(newFakeEngine(), store)

	rec, body := do(t, h, http.MethodGet, "/api/executions?limit=5", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["executions"], 1)

	rec, body = do(t, h, http.MethodGet, "/api/executions/exec-1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "BTC/USDT", body["symbol"])

	rec, body = do(t, h, http.MethodGet, "/api/executions/old", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ETH/USDT", body["symbol"])

	rec, _ = do(t, h, http.MethodGet, "/api/executions/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, body = do(t, h, http.MethodGet, "/api/executions/history", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotNil(t, body["executions"])
}

func TestStoreBackedEndpointsWithoutStore(t *testing.T) {
	h := routes(newFakeEngine(), nil)
	for _, target := range []string{"/api/executions/history", "/api/executions/profit"} {
		rec, _ := do(t, h, http.MethodGet, target, "")
		assert.Equal(t, http.StatusNotImplemented, rec.Code, target)
	}
	rec, _ := do(t, h, http.MethodGet, "/api/executions/unknown", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProfit(t *testing.T) {
	store := &fakeStore{profit: 40}
	h := routes(newFakeEngine(), store)

	rec, body := do(t, h, http.MethodGet, "/api/executions/profit?since=2025-03-01", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, 40, body["realized_profit"], 1e-9)
	assert.Equal(t, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), store.since)

	rec, body = do(t, h, http.MethodGet, "/api/executions/profit?since=2025-03-01T12:00:00Z&symbol=btc-usdt", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, 20, body["realized_profit"], 1e-9)
	assert.Equal(t, "BTC/USDT", store.symbol)

	rec, _ = do(t, h, http.MethodGet, "/api/executions/profit?since=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExecuteStatusMapping(t *testing.T) {
	tests := []struct {
		name     string
		exec     domain.Execution
		err      error
		wantCode int
	}{
		{"success", domain.Execution{ID: "e1", Outcome: domain.OutcomeSuccess}, nil, http.StatusOK},
		{"no opportunity", domain.Execution{}, domain.ErrNoOpportunity, http.StatusConflict},
		{"paused", domain.Execution{}, domain.ErrSymbolPaused, http.StatusConflict},
		{"rejected", domain.Execution{}, fmt.Errorf("coordinator: %w", risk.ErrRejected), http.StatusUnprocessableEntity},
		{"partial", domain.Execution{ID: "e2", Outcome: domain.OutcomePartial}, domain.ErrPartialExecution, http.StatusBadGateway},
		{"shutting down", domain.Execution{}, domain.ErrShuttingDown, http.StatusServiceUnavailable},
		{"unknown symbol", domain.Execution{}, domain.ErrNotFound, http.StatusNotFound},
		{"unexpected", domain.Execution{}, errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newFakeEngine()
			e.executed, e.executeErr = tt.exec, tt.err
			rec, body := do(t, routes(e, nil), http.MethodPost, "/api/execute/BTC-USDT", "")
			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.exec.ID != "" {
				assert.Equal(t, tt.exec.ID, body["id"])
			} else {
				assert.NotEmpty(t, body["error"])
			}
		})
	}
}

func TestThresholds(t *testing.T) {
	e := newFakeEngine()
	h := routes(e, nil)

	rec, body := do(t, h, http.MethodGet, "/api/thresholds", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, e.th.MinProfitUSD, body["min_profit_usd"], 1e-9)

	before := e.th
	rec, body = do(t, h, http.MethodPut, "/api/thresholds", `{"min_profit_usd": 5}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, 5, body["min_profit_usd"], 1e-9)
	assert.Equal(t, before.MinSpreadPct, e.th.MinSpreadPct)

	rec, _ = do(t, h, http.MethodPut, "/api/thresholds", `{"min_profit_usd": -1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.InDelta(t, 5, e.th.MinProfitUSD, 1e-9)

	rec, _ = do(t, h, http.MethodPut, "/api/thresholds", `{"bogus": 1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusAndControls(t *testing.T) {
	e := newFakeEngine()
	h := routes(e, nil)

	rec, body := do(t, h, http.MethodGet, "/api/status", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "paper", body["mode"])

	rec, body = do(t, h, http.MethodGet, "/api/venues", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["venues"], 2)

	rec, _ = do(t, h, http.MethodPost, "/api/symbols/BTC-USDT/resume", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"BTC-USDT"}, e.resumed)

	rec, _ = do(t, h, http.MethodPost, "/api/halt/clear", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, e.cleared)

	rec, body = do(t, h, http.MethodGet, "/api/grids", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["grids"], 1)
}

func TestHealthCheck(t *testing.T) {
	ok := pinger(func(context.Context) error { return nil })
	down := pinger(func(context.Context) error { return errors.New("connection refused") })

	rec, body := do(t, http.HandlerFunc(NewHealthHandler(map[string]Pinger{"redis": ok}, discard()).HealthCheck), http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])

	h := NewHealthHandler(map[string]Pinger{"redis": ok, "postgres": down}, discard())
	rec, body = do(t, http.HandlerFunc(h.HealthCheck), http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", body["status"])
	checks := body["checks"].(map[string]any)
	assert.Equal(t, "connection refused", checks["postgres"])
}

func TestParseLimit(t *testing.T) {
	for target, want := range map[string]int{
		"/x":            defaultLimit,
		"/x?limit=10":   10,
		"/x?limit=-3":   defaultLimit,
		"/x?limit=abc":  defaultLimit,
		"/x?limit=9999": maxLimit,
	} {
		assert.Equal(t, want, parseLimit(httptest.NewRequest(http.MethodGet, target, nil)), target)
	}
}
