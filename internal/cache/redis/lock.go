package redis

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// unlockLua deletes the lock only while it still carries the caller's token,
// so a holder whose TTL lapsed cannot release a successor's lock.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// clearOwnedLua deletes the lock only when its token starts with the owner
// prefix in ARGV[1].
const clearOwnedLua = `
local v = redis.call('GET', KEYS[1])
if v and string.sub(v, 1, string.len(ARGV[1])) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// scanBatch is the COUNT hint for SCAN while clearing orphaned locks.
const scanBatch = 100

// LockManager implements domain.LockManager with SET NX PX and a token-checked
// unlock. Several engine processes sharing one Redis therefore never trade
// the same symbol at once. Every token is prefixed with the owner name so a
// restarted process can find the locks it left behind.
type LockManager struct {
	rdb        *redis.Client
	owner      string
	unlock     *redis.Script
	clearOwned *redis.Script
	newToken   func() string
}

// NewLockManager creates a LockManager backed by c. owner names this engine
// instance and must be stable across restarts and unique among the
// processes sharing the Redis; empty defaults to the hostname.
func NewLockManager(c *Client, owner string) *LockManager {
	if owner == "" {
		owner, _ = os.Hostname()
	}
	if owner == "" {
		owner = "arbengine"
	}
	return &LockManager{
		rdb:        c.Underlying(),
		owner:      owner,
		unlock:     redis.NewScript(unlockLua),
		clearOwned: redis.NewScript(clearOwnedLua),
		newToken:   uuid.NewString,
	}
}

// Owner returns the name prefixed to every lock token.
func (lm *LockManager) Owner() string { return lm.owner }

func (lm *LockManager) tokenPrefix() string { return lm.owner + "|" }

func lockKey(key string) string {
	return "lock:" + key
}

// Acquire takes key for ttl. It returns domain.ErrLockHeld when another
// holder owns it. The returned unlock is idempotent and runs on a fresh
// context so it still releases after the caller's context ended.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := lm.tokenPrefix() + lm.newToken()
	lk := lockKey(key)

	ok, err := lm.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, domain.ErrLockHeld)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			uctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = lm.unlock.Run(uctx, lm.rdb, []string{lk}, token).Err()
		})
	}, nil
}

// ClearOrphans deletes the locks under prefix that this owner left behind,
// typically by crashing mid-execution. Locks held by other owners are left to
// their TTL. It is called once at startup, before any execution is
// dispatched, and returns how many keys were removed.
func (lm *LockManager) ClearOrphans(ctx context.Context, prefix string) (int, error) {
	pattern := lockKey(prefix) + "*"
	var (
		cursor  uint64
		removed int
	)
	for {
		keys, next, err := lm.rdb.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return removed, fmt.Errorf("redis: scan %s: %w", pattern, err)
		}
		for _, k := range keys {
			n, err := lm.clearOwned.Run(ctx, lm.rdb, []string{k}, lm.tokenPrefix()).Int()
			if err != nil {
				return removed, fmt.Errorf("redis: clear orphan %s: %w", k, err)
			}
			removed += n
		}
		if next == 0 {
			return removed, nil
		}
		cursor = next
	}
}

var (
	_ domain.LockManager   = (*LockManager)(nil)
	_ domain.OrphanSweeper = (*LockManager)(nil)
)
