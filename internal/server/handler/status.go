package handler

import (
	"log/slog"
	"net/http"
)

// StatusHandler serves engine and venue state.
type StatusHandler struct {
	engine Engine
	logger *slog.Logger
}

func NewStatusHandler(e Engine, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{engine: e, logger: logger}
}

// GetStatus responds with mode, uptime and venues.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Status())
}

// ListVenues responds with connectivity, breaker and limiter state per venue.
// GET /api/venues
func (h *StatusHandler) ListVenues(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"venues": h.engine.VenueStates()})
}

// ResumeSymbol lifts a pause raised by a failed unwind.
// POST /api/symbols/{symbol}/resume
func (h *StatusHandler) ResumeSymbol(w http.ResponseWriter, r *http.Request) {
	sym := r.PathValue("symbol")
	h.engine.ResumeSymbol(sym)
	h.logger.InfoContext(r.Context(), "symbol resumed via api", slog.String("symbol", sym))
	writeJSON(w, http.StatusOK, h.engine.Status())
}

// ClearHalt re-arms trading after the kill switch.
// POST /api/halt/clear
func (h *StatusHandler) ClearHalt(w http.ResponseWriter, r *http.Request) {
	h.engine.ClearHalt()
	h.logger.InfoContext(r.Context(), "kill switch cleared via api")
	writeJSON(w, http.StatusOK, h.engine.Status())
}
