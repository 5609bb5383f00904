package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// Leg roles as stored in execution_legs.role.
const (
	roleBuy    = "buy"
	roleSell   = "sell"
	roleUnwind = "unwind"
)

const executionColumns = `id, opportunity_id, symbol, outcome, expected_profit, realized_profit, error, started_at, duration_ms`

// ExecutionStore implements domain.ExecutionStore.
type ExecutionStore struct {
	pool *pgxpool.Pool
}

func NewExecutionStore(pool *pgxpool.Pool) *ExecutionStore {
	return &ExecutionStore{pool: pool}
}

// Create inserts exec and all of its legs in one transaction.
func (s *ExecutionStore) Create(ctx context.Context, exec domain.Execution) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO executions (id, opportunity_id, symbol, buy_venue, sell_venue, outcome, expected_profit, realized_profit, error, started_at, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		exec.ID, exec.OpportunityID, exec.Symbol, exec.Buy.Venue, exec.Sell.Venue,
		string(exec.Outcome), exec.ExpectedProfit, exec.RealizedProfit, exec.Error,
		exec.StartedAt, exec.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("postgres: insert execution %s: %w", exec.ID, err)
	}

	batch := &pgx.Batch{}
	for seq, leg := range exec.Legs() {
		batch.Queue(`
			INSERT INTO execution_legs (execution_id, seq, role, venue, side, order_id, requested_qty, requested_price, filled_qty, avg_fill_price, fee, status, error)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			exec.ID, seq, legRole(seq), leg.Venue, string(leg.Side), leg.OrderID,
			leg.RequestedQty, leg.RequestedPrice, leg.FilledQty, leg.AvgFillPrice,
			leg.Fee, string(leg.Status), leg.Error,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("postgres: insert legs of %s: %w", exec.ID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit execution %s: %w", exec.ID, err)
	}
	return nil
}

// legRole maps a leg's position in Execution.Legs to its stored role.
func legRole(seq int) string {
	switch seq {
	case 0:
		return roleBuy
	case 1:
		return roleSell
	default:
		return roleUnwind
	}
}

// GetByID returns the execution with its legs, or domain.ErrNotFound.
func (s *ExecutionStore) GetByID(ctx context.Context, id string) (domain.Execution, error) {
	exec, err := scanExecution(s.pool.QueryRow(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Execution{}, fmt.Errorf("postgres: execution %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Execution{}, fmt.Errorf("postgres: get execution %s: %w", id, err)
	}
	if err := s.loadLegs(ctx, &exec); err != nil {
		return domain.Execution{}, err
	}
	return exec, nil
}

// ListRecent returns up to limit executions, newest first, with legs.
func (s *ExecutionStore) ListRecent(ctx context.Context, limit int) ([]domain.Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.list(ctx,
		`SELECT `+executionColumns+` FROM executions ORDER BY started_at DESC LIMIT $1`, limit)
}

// ListBefore returns every execution started before the cutoff, oldest
// first, with legs. The archiver uses it.
func (s *ExecutionStore) ListBefore(ctx context.Context, before time.Time) ([]domain.Execution, error) {
	return s.list(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE started_at < $1 ORDER BY started_at`, before)
}

func (s *ExecutionStore) list(ctx context.Context, query string, args ...any) ([]domain.Execution, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list executions: %w", err)
	}
	execs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Execution, error) {
		return scanExecution(row)
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scan executions: %w", err)
	}
	for i := range execs {
		if err := s.loadLegs(ctx, &execs[i]); err != nil {
			return nil, err
		}
	}
	return execs, nil
}

func (s *ExecutionStore) loadLegs(ctx context.Context, exec *domain.Execution) error {
	rows, err := s.pool.Query(ctx, `
		SELECT seq, venue, side, order_id, requested_qty, requested_price, filled_qty, avg_fill_price, fee, status, error
		FROM execution_legs WHERE execution_id = $1 ORDER BY seq`, exec.ID)
	if err != nil {
		return fmt.Errorf("postgres: legs of %s: %w", exec.ID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq          int
			leg          domain.Leg
			side, status string
		)
		if err := rows.Scan(&seq, &leg.Venue, &side, &leg.OrderID, &leg.RequestedQty, &leg.RequestedPrice,
			&leg.FilledQty, &leg.AvgFillPrice, &leg.Fee, &status, &leg.Error); err != nil {
			return fmt.Errorf("postgres: scan leg of %s: %w", exec.ID, err)
		}
		leg.Side = domain.OrderSide(side)
		leg.Status = domain.LegStatus(status)
		switch legRole(seq) {
		case roleBuy:
			exec.Buy = leg
		case roleSell:
			exec.Sell = leg
		default:
			exec.Unwinds = append(exec.Unwinds, leg)
		}
	}
	return rows.Err()
}

// SumProfit totals realized profit of executions started at or after since.
func (s *ExecutionStore) SumProfit(ctx context.Context, since time.Time) (float64, error) {
	var total float64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(realized_profit), 0) FROM executions WHERE started_at >= $1`, since,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("postgres: sum profit: %w", err)
	}
	return total, nil
}

// SumProfitBySymbol is SumProfit restricted to one symbol.
func (s *ExecutionStore) SumProfitBySymbol(ctx context.Context, symbol string, since time.Time) (float64, error) {
	var total float64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(realized_profit), 0) FROM executions WHERE symbol = $1 AND started_at >= $2`, symbol, since,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("postgres: sum profit %s: %w", symbol, err)
	}
	return total, nil
}

func scanExecution(row pgx.Row) (domain.Execution, error) {
	var (
		exec       domain.Execution
		outcome    string
		durationMS int64
	)
	err := row.Scan(&exec.ID, &exec.OpportunityID, &exec.Symbol, &outcome,
		&exec.ExpectedProfit, &exec.RealizedProfit, &exec.Error, &exec.StartedAt, &durationMS)
	if err != nil {
		return domain.Execution{}, err
	}
	exec.Outcome = domain.ExecutionOutcome(outcome)
	exec.Duration = time.Duration(durationMS) * time.Millisecond
	return exec, nil
}

var _ domain.ExecutionStore = (*ExecutionStore)(nil)
