package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

const riskEventColumns = `id, kind, symbol, venue, execution_id, exposure, message, fatal, at`

// RiskEventStore implements domain.RiskEventStore.
type RiskEventStore struct {
	pool *pgxpool.Pool
}

func NewRiskEventStore(pool *pgxpool.Pool) *RiskEventStore {
	return &RiskEventStore{pool: pool}
}

func (s *RiskEventStore) Create(ctx context.Context, ev domain.RiskEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO risk_events (`+riskEventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ev.ID, string(ev.Kind), ev.Symbol, ev.Venue, ev.ExecutionID, ev.Exposure, ev.Message, ev.Fatal, ev.At,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert risk event %s: %w", ev.ID, err)
	}
	return nil
}

// ListRecent returns up to limit events, newest first.
func (s *RiskEventStore) ListRecent(ctx context.Context, limit int) ([]domain.RiskEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.list(ctx, `SELECT `+riskEventColumns+` FROM risk_events ORDER BY at DESC LIMIT $1`, limit)
}

// ListBefore returns events raised before the cutoff, oldest first.
func (s *RiskEventStore) ListBefore(ctx context.Context, before time.Time) ([]domain.RiskEvent, error) {
	return s.list(ctx, `SELECT `+riskEventColumns+` FROM risk_events WHERE at < $1 ORDER BY at`, before)
}

func (s *RiskEventStore) list(ctx context.Context, query string, args ...any) ([]domain.RiskEvent, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list risk events: %w", err)
	}
	evs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.RiskEvent, error) {
		var (
			ev   domain.RiskEvent
			kind string
		)
		err := row.Scan(&ev.ID, &kind, &ev.Symbol, &ev.Venue, &ev.ExecutionID, &ev.Exposure, &ev.Message, &ev.Fatal, &ev.At)
		ev.Kind = domain.RiskEventKind(kind)
		return ev, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scan risk events: %w", err)
	}
	return evs, nil
}

var _ domain.RiskEventStore = (*RiskEventStore)(nil)
