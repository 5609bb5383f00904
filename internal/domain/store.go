package domain

import (
	"context"
	"time"
)

// ExecutionStore persists settled executions and their legs.
type ExecutionStore interface {
	Create(ctx context.Context, exec Execution) error
	GetByID(ctx context.Context, id string) (Execution, error)
	ListRecent(ctx context.Context, limit int) ([]Execution, error)
	ListBefore(ctx context.Context, before time.Time) ([]Execution, error)
	SumProfit(ctx context.Context, since time.Time) (float64, error)
	SumProfitBySymbol(ctx context.Context, symbol string, since time.Time) (float64, error)
}

// RiskEventStore persists risk events.
type RiskEventStore interface {
	Create(ctx context.Context, ev RiskEvent) error
	ListRecent(ctx context.Context, limit int) ([]RiskEvent, error)
	ListBefore(ctx context.Context, before time.Time) ([]RiskEvent, error)
}

// GridCycleStore persists completed grid cycles.
type GridCycleStore interface {
	Record(ctx context.Context, c GridCycle) error
	SumProfit(ctx context.Context, ladderID string) (float64, int, error)
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
}
