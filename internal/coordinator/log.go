package coordinator

import (
	"sync"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// DefaultLogSize is the number of settled executions kept in memory.
const DefaultLogSize = 500

// ExecutionLog is a fixed-capacity ring of settled executions in settlement
// order. The oldest entry is overwritten once full.
type ExecutionLog struct {
	mu    sync.RWMutex
	buf   []domain.Execution
	head  int
	count int
}

// NewExecutionLog creates a log holding up to size executions.
func NewExecutionLog(size int) *ExecutionLog {
	if size <= 0 {
		size = DefaultLogSize
	}
	return &ExecutionLog{buf: make([]domain.Execution, size)}
}

// Append records exec.
func (l *ExecutionLog) Append(exec domain.Execution) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.count == len(l.buf) {
		l.buf[l.head] = exec
		l.head = (l.head + 1) % len(l.buf)
		return
	}
	l.buf[(l.head+l.count)%len(l.buf)] = exec
	l.count++
}

// Recent returns up to limit of the latest executions, newest first. A
// non-positive limit returns everything held.
func (l *ExecutionLog) Recent(limit int) []domain.Execution {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if limit <= 0 || limit > l.count {
		limit = l.count
	}
	out := make([]domain.Execution, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (l.head + l.count - 1 - i) % len(l.buf)
		out = append(out, l.buf[idx])
	}
	return out
}

// Get finds an execution by id.
func (l *ExecutionLog) Get(id string) (domain.Execution, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := 0; i < l.count; i++ {
		e := l.buf[(l.head+i)%len(l.buf)]
		if e.ID == id {
			return e, true
		}
	}
	return domain.Execution{}, false
}

// Len returns the number of executions held.
func (l *ExecutionLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.count
}
