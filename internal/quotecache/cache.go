// Package quotecache keeps the latest quote per (venue, symbol). Each venue
// writes to its own shard, so venue streams never contend with each other.
package quotecache

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/metrics"
)

// DefaultStaleness is how old a quote may be and still be evaluated.
const DefaultStaleness = 5 * time.Second

const mirrorBuffer = 1024

type shard struct {
	mu     sync.RWMutex
	quotes map[string]domain.Quote
}

// Cache is safe for concurrent use.
type Cache struct {
	staleness time.Duration
	now       func() time.Time
	logger    *slog.Logger

	shardsMu sync.RWMutex
	shards   map[string]*shard

	dirtyMu sync.Mutex
	dirty   map[string]struct{}
	notify  chan struct{}

	mirror   domain.QuoteMirror
	mirrorCh chan domain.Quote
}

// Option configures the cache.
type Option func(*Cache)

// WithStaleness overrides DefaultStaleness.
func WithStaleness(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.staleness = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithMirror copies accepted quotes to m from RunMirror.
func WithMirror(m domain.QuoteMirror) Option {
	return func(c *Cache) {
		c.mirror = m
		c.mirrorCh = make(chan domain.Quote, mirrorBuffer)
	}
}

// New creates an empty cache.
func New(logger *slog.Logger, opts ...Option) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{
		staleness: DefaultStaleness,
		now:       time.Now,
		logger:    logger.With(slog.String("component", "quotecache")),
		shards:    make(map[string]*shard),
		dirty:     make(map[string]struct{}),
		notify:    make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Staleness returns the freshness bound applied by Snapshot.
func (c *Cache) Staleness() time.Duration { return c.staleness }

func (c *Cache) shard(venue string) *shard {
	c.shardsMu.RLock()
	s, ok := c.shards[venue]
	c.shardsMu.RUnlock()
	if ok {
		return s
	}
	c.shardsMu.Lock()
	defer c.shardsMu.Unlock()
	if s, ok = c.shards[venue]; !ok {
		s = &shard{quotes: make(map[string]domain.Quote)}
		c.shards[venue] = s
	}
	return s
}

// Update stores q unless it is invalid or older than the quote already held
// for the same venue and symbol. It reports whether q was accepted.
func (c *Cache) Update(q domain.Quote) bool {
	if !q.Valid() {
		metrics.QuotesTotal.WithLabelValues(q.Venue, "invalid").Inc()
		return false
	}
	s := c.shard(q.Venue)
	s.mu.Lock()
	if prev, ok := s.quotes[q.Symbol]; ok && q.Timestamp.Before(prev.Timestamp) {
		s.mu.Unlock()
		metrics.QuotesTotal.WithLabelValues(q.Venue, "stale").Inc()
		return false
	}
	s.quotes[q.Symbol] = q
	s.mu.Unlock()
	metrics.QuotesTotal.WithLabelValues(q.Venue, "accepted").Inc()

	c.markDirty(q.Symbol)
	if c.mirrorCh != nil {
		select {
		case c.mirrorCh <- q:
		default:
		}
	}
	return true
}

func (c *Cache) markDirty(symbol string) {
	c.dirtyMu.Lock()
	c.dirty[symbol] = struct{}{}
	c.dirtyMu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Updates signals that at least one symbol changed since the last TakeDirty.
// Signals coalesce: many updates produce at most one pending signal.
func (c *Cache) Updates() <-chan struct{} { return c.notify }

// TakeDirty returns and clears the set of symbols updated since the last
// call, sorted.
func (c *Cache) TakeDirty() []string {
	c.dirtyMu.Lock()
	defer c.dirtyMu.Unlock()
	out := make([]string, 0, len(c.dirty))
	for s := range c.dirty {
		out = append(out, s)
	}
	clear(c.dirty)
	sort.Strings(out)
	return out
}

// Get returns the stored quote for venue and symbol regardless of age.
func (c *Cache) Get(venue, symbol string) (domain.Quote, bool) {
	c.shardsMu.RLock()
	s, ok := c.shards[venue]
	c.shardsMu.RUnlock()
	if !ok {
		return domain.Quote{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[symbol]
	return q, ok
}

// Snapshot returns copies of the fresh quotes for symbol across venues,
// ordered by venue name. A quote is fresh when its age at now does not
// exceed the staleness bound.
func (c *Cache) Snapshot(symbol string, now time.Time) []domain.Quote {
	c.shardsMu.RLock()
	shards := make([]*shard, 0, len(c.shards))
	for _, s := range c.shards {
		shards = append(shards, s)
	}
	c.shardsMu.RUnlock()

	out := make([]domain.Quote, 0, len(shards))
	for _, s := range shards {
		s.mu.RLock()
		q, ok := s.quotes[symbol]
		s.mu.RUnlock()
		if ok && q.Age(now) <= c.staleness {
			out = append(out, q)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Venue < out[j].Venue })
	return out
}

// Fresh is Snapshot at the cache's current time.
func (c *Cache) Fresh(symbol string) []domain.Quote {
	return c.Snapshot(symbol, c.now())
}

// All returns every stored quote, fresh or not, for reporting.
func (c *Cache) All() []domain.Quote {
	c.shardsMu.RLock()
	defer c.shardsMu.RUnlock()
	var out []domain.Quote
	for _, s := range c.shards {
		s.mu.RLock()
		for _, q := range s.quotes {
			out = append(out, q)
		}
		s.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Venue < out[j].Venue
	})
	return out
}

// RunMirror copies accepted quotes to the configured mirror until ctx is
// done. Quotes that arrive while the mirror lags are dropped.
func (c *Cache) RunMirror(ctx context.Context) error {
	if c.mirror == nil {
		<-ctx.Done()
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case q := <-c.mirrorCh:
			if err := c.mirror.MirrorQuote(ctx, q); err != nil && ctx.Err() == nil {
				c.logger.Debug("quote mirror failed",
					slog.String("venue", q.Venue),
					slog.String("symbol", q.Symbol),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
