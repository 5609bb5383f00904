package handler

import (
	"context"

	"github.com/alanyoungcy/arbengine/internal/calculator"
	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/engine"
	"github.com/alanyoungcy/arbengine/internal/grid"
	"github.com/alanyoungcy/arbengine/internal/risk"
)

// Engine is the part of engine.Engine the handlers use.
type Engine interface {
	Status() domain.EngineStatus
	VenueStates() []domain.VenueState
	TopOpportunities() []domain.Opportunity
	TopOpportunity(symbol string) (domain.Opportunity, bool)
	SpreadHistory(symbol string) []calculator.SpreadSample
	Executions(limit int) []domain.Execution
	Execution(id string) (domain.Execution, bool)
	ExecuteNow(ctx context.Context, symbol string) (domain.Execution, error)
	Thresholds() risk.Thresholds
	UpdateThresholds(ctx context.Context, th risk.Thresholds) error
	ResumeSymbol(symbol string)
	ClearHalt()
	Grids() []grid.Snapshot
}

var _ Engine = (*engine.Engine)(nil)
