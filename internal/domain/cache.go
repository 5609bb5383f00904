package domain

import (
	"context"
	"time"
)

// QuoteMirror publishes accepted quotes to a shared cache for readers outside
// the process.
type QuoteMirror interface {
	MirrorQuote(ctx context.Context, q Quote) error
	LatestQuote(ctx context.Context, venue, symbol string) (Quote, error)
}

// RateLimiter provides keyed rate limiting for the reporting API.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// LockManager provides non-blocking locks. Acquire returns ErrLockHeld when
// another holder owns key.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// OrphanSweeper clears locks left behind by a crashed process.
type OrphanSweeper interface {
	ClearOrphans(ctx context.Context, prefix string) (int, error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
