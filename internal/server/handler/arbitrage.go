package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/arbengine/internal/calculator"
	"github.com/alanyoungcy/arbengine/internal/domain"
)

// ArbHandler serves opportunities, executions and thresholds.
type ArbHandler struct {
	engine Engine
	store  domain.ExecutionStore
	logger *slog.Logger
}

func NewArbHandler(e Engine, logger *slog.Logger) *ArbHandler {
	return &ArbHandler{engine: e, logger: logger}
}

// WithExecutionStore enables the postgres-backed history endpoints, which
// answer 501 without it.
func (h *ArbHandler) WithExecutionStore(store domain.ExecutionStore) *ArbHandler {
	h.store = store
	return h
}

type opportunityView struct {
	domain.Opportunity
	History []calculator.SpreadSample `json:"spread_history,omitempty"`
}

// ListOpportunities returns the current top opportunity per symbol.
// GET /api/opportunities
func (h *ArbHandler) ListOpportunities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"opportunities": h.engine.TopOpportunities()})
}

// GetOpportunity returns the top opportunity for a symbol with its recent
// spread history.
// GET /api/opportunities/{symbol}
func (h *ArbHandler) GetOpportunity(w http.ResponseWriter, r *http.Request) {
	sym := r.PathValue("symbol")
	opp, ok := h.engine.TopOpportunity(sym)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no opportunity for %s", sym))
		return
	}
	writeJSON(w, http.StatusOK, opportunityView{Opportunity: opp, History: h.engine.SpreadHistory(sym)})
}

// ListExecutions returns the in-memory execution log, newest first.
// GET /api/executions?limit=50
func (h *ArbHandler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"executions": h.engine.Executions(parseLimit(r))})
}

// GetExecution looks an execution up in the in-memory log, then in the
// store.
// GET /api/executions/{id}
func (h *ArbHandler) GetExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if exec, ok := h.engine.Execution(id); ok {
		writeJSON(w, http.StatusOK, exec)
		return
	}
	if h.store == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("execution %s not found", id))
		return
	}
	exec, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		writeErr(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

// History lists persisted executions, newest first.
// GET /api/executions/history?limit=50
func (h *ArbHandler) History(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusNotImplemented, "execution history requires postgres")
		return
	}
	execs, err := h.store.ListRecent(r.Context(), parseLimit(r))
	if err != nil {
		writeErr(w, r, h.logger, err)
		return
	}
	if execs == nil {
		execs = []domain.Execution{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": execs})
}

// Profit sums realized profit since a time, optionally for one symbol.
// GET /api/executions/profit?since=2025-01-01&symbol=BTC-USDT
func (h *ArbHandler) Profit(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusNotImplemented, "profit summary requires postgres")
		return
	}
	q := r.URL.Query()
	since := time.Now().UTC().Truncate(24 * time.Hour)
	if v := q.Get("since"); v != "" {
		t, err := parseSince(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		since = t
	}

	var (
		total float64
		err   error
	)
	sym := q.Get("symbol")
	if sym != "" {
		sym = domain.NormalizeSymbol(sym)
		total, err = h.store.SumProfitBySymbol(r.Context(), sym, since)
	} else {
		total, err = h.store.SumProfit(r.Context(), since)
	}
	if err != nil {
		writeErr(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"symbol":          sym,
		"since":           since.Format(time.RFC3339),
		"realized_profit": total,
	})
}

func parseSince(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return time.Time{}, fmt.Errorf("since must be RFC3339 or YYYY-MM-DD, got %q", v)
	}
	return t, nil
}

// Execute runs the current top opportunity for a symbol and waits for it to
// settle.
// POST /api/execute/{symbol}
func (h *ArbHandler) Execute(w http.ResponseWriter, r *http.Request) {
	sym := r.PathValue("symbol")
	exec, err := h.engine.ExecuteNow(r.Context(), sym)
	if err != nil && exec.ID == "" {
		writeErr(w, r, h.logger, err)
		return
	}
	// A settled execution is returned even when it ended partial or failed.
	status := http.StatusOK
	if err != nil {
		status = errorStatus(err)
	}
	writeJSON(w, status, exec)
}

// GetThresholds returns the thresholds in effect.
// GET /api/thresholds
func (h *ArbHandler) GetThresholds(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Thresholds())
}

// UpdateThresholds replaces the thresholds. Fields left out of the body keep
// their current values.
// PUT /api/thresholds
func (h *ArbHandler) UpdateThresholds(w http.ResponseWriter, r *http.Request) {
	th := h.engine.Thresholds()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&th); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if err := h.engine.UpdateThresholds(r.Context(), th); err != nil {
		writeErr(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, th)
}
