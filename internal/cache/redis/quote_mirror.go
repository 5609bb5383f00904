package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// DefaultQuoteTTL expires mirrored quotes from venues that went quiet.
const DefaultQuoteTTL = time.Minute

// QuoteMirror implements domain.QuoteMirror. The latest quote per venue and
// symbol is stored as JSON at "quote:{venue}:{symbol}".
type QuoteMirror struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewQuoteMirror creates a QuoteMirror. ttl <= 0 uses DefaultQuoteTTL.
func NewQuoteMirror(c *Client, ttl time.Duration) *QuoteMirror {
	if ttl <= 0 {
		ttl = DefaultQuoteTTL
	}
	return &QuoteMirror{rdb: c.Underlying(), ttl: ttl}
}

func quoteKey(venue, symbol string) string {
	return "quote:" + venue + ":" + symbol
}

// MirrorQuote overwrites the stored quote for q's venue and symbol.
func (m *QuoteMirror) MirrorQuote(ctx context.Context, q domain.Quote) error {
	b, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("redis: marshal quote: %w", err)
	}
	if err := m.rdb.Set(ctx, quoteKey(q.Venue, q.Symbol), string(b), m.ttl).Err(); err != nil {
		return fmt.Errorf("redis: mirror quote %s %s: %w", q.Venue, q.Symbol, err)
	}
	return nil
}

// LatestQuote returns the mirrored quote or domain.ErrNotFound.
func (m *QuoteMirror) LatestQuote(ctx context.Context, venue, symbol string) (domain.Quote, error) {
	raw, err := m.rdb.Get(ctx, quoteKey(venue, symbol)).Result()
	if errors.Is(err, redis.Nil) {
		return domain.Quote{}, fmt.Errorf("redis: quote %s %s: %w", venue, symbol, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Quote{}, fmt.Errorf("redis: get quote %s %s: %w", venue, symbol, err)
	}
	var q domain.Quote
	if err := json.Unmarshal([]byte(raw), &q); err != nil {
		return domain.Quote{}, fmt.Errorf("redis: decode quote %s %s: %w", venue, symbol, err)
	}
	return q, nil
}

var _ domain.QuoteMirror = (*QuoteMirror)(nil)
