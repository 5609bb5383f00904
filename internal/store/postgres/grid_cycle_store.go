package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// GridCycleStore implements domain.GridCycleStore.
type GridCycleStore struct {
	pool *pgxpool.Pool
}

func NewGridCycleStore(pool *pgxpool.Pool) *GridCycleStore {
	return &GridCycleStore{pool: pool}
}

func (s *GridCycleStore) Record(ctx context.Context, c domain.GridCycle) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO grid_cycles (ladder_id, venue, symbol, level, buy_price, sell_price, qty, fees, profit, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		c.LadderID, c.Venue, c.Symbol, c.Level, c.BuyPrice, c.SellPrice, c.Qty, c.Fees, c.Profit, c.At,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert grid cycle %s: %w", c.LadderID, err)
	}
	return nil
}

// SumProfit returns the total profit and cycle count of a ladder.
func (s *GridCycleStore) SumProfit(ctx context.Context, ladderID string) (float64, int, error) {
	var (
		total float64
		n     int
	)
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(profit), 0), COUNT(*) FROM grid_cycles WHERE ladder_id = $1`, ladderID,
	).Scan(&total, &n)
	if err != nil {
		return 0, 0, fmt.Errorf("postgres: sum grid profit %s: %w", ladderID, err)
	}
	return total, n, nil
}

var _ domain.GridCycleStore = (*GridCycleStore)(nil)
