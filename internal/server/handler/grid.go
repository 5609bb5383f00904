package handler

import (
	"net/http"
)

// GridHandler serves grid ladders and stats.
type GridHandler struct {
	engine Engine
}

func NewGridHandler(e Engine) *GridHandler {
	return &GridHandler{engine: e}
}

// ListGrids responds with every grid's ladder, stats and volatility regime.
// GET /api/grids
func (h *GridHandler) ListGrids(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"grids": h.engine.Grids()})
}
