package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// LocalLocks is the in-process domain.LockManager used when no shared lock
// store is configured. TTLs are ignored: a process that dies takes its locks
// with it.
type LocalLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocalLocks creates an empty lock table.
func NewLocalLocks() *LocalLocks {
	return &LocalLocks{held: make(map[string]struct{})}
}

// Acquire never blocks. It returns domain.ErrLockHeld when key is taken.
func (l *LocalLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return nil, domain.ErrLockHeld
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}

var _ domain.LockManager = (*LocalLocks)(nil)
