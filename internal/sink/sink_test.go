package sink

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbengine/internal/cache/memory"
	"github.com/alanyoungcy/arbengine/internal/domain"
)

type execStore struct {
	mu    sync.Mutex
	err   error
	calls int
	saved []domain.Execution
}

func (s *execStore) Create(_ context.Context, e domain.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return s.err
	}
	s.saved = append(s.saved, e)
	return nil
}

func (s *execStore) count() (calls, saved int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls, len(s.saved)
}

func (s *execStore) GetByID(context.Context, string) (domain.Execution, error) {
	return domain.Execution{}, domain.ErrNotFound
}
func (s *execStore) ListRecent(context.Context, int) ([]domain.Execution, error) { return nil, nil }
func (s *execStore) ListBefore(context.Context, time.Time) ([]domain.Execution, error) {
	return nil, nil
}
func (s *execStore) SumProfit(context.Context, time.Time) (float64, error) { return 0, nil }
func (s *execStore) SumProfitBySymbol(context.Context, string, time.Time) (float64, error) {
	return 0, nil
}

type notifier struct {
	mu     sync.Mutex
	execs  int
	events int
}

func (n *notifier) NotifyExecution(context.Context, domain.Execution) error {
	n.mu.Lock()
	n.execs++
	n.mu.Unlock()
	return nil
}

func (n *notifier) NotifyRiskEvent(context.Context, domain.RiskEvent) error {
	n.mu.Lock()
	n.events++
	n.mu.Unlock()
	return nil
}

func TestSinkFansOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := memory.NewBus()
	sub, err := bus.Subscribe(ctx, "ch:*")
	require.NoError(t, err)

	store := &execStore{}
	n := &notifier{}
	s := New(Targets{Executions: store, Bus: bus, Notifier: n}, Config{}, nil)
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()

	s.ReportExecution(ctx, domain.Execution{ID: "e1", Symbol: "BTC/USDT", Outcome: domain.OutcomeSuccess})
	s.ReportRiskEvent(ctx, domain.RiskEvent{ID: "r1", Kind: domain.RiskUnwindFailed})

	var env struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	select {
	case msg := <-sub:
		require.NoError(t, json.Unmarshal(msg, &env))
		assert.Equal(t, domain.ChannelExecution, env.Type)
		assert.Contains(t, string(env.Payload), `"id":"e1"`)
	case <-time.After(time.Second):
		t.Fatal("no execution published")
	}

	require.Eventually(t, func() bool {
		n.mu.Lock()
		defer n.mu.Unlock()
		return n.execs == 1 && n.events == 1
	}, time.Second, 5*time.Millisecond)
	_, saved := store.count()
	assert.Equal(t, 1, saved)

	msgs, err := bus.StreamRead(ctx, domain.StreamRiskEvents, "0", 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	cancel()
	<-done
}

func TestSinkBreakerSkipsFailingTarget(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := &execStore{err: errors.New("db down")}
	s := New(Targets{Executions: store}, Config{TripAfter: 2, OpenFor: time.Hour}, nil)
	go func() { _ = s.Run(ctx) }()

	for i := 0; i < 5; i++ {
		s.ReportExecution(ctx, domain.Execution{ID: "e"})
	}
	require.Eventually(t, func() bool { return len(s.queue) == 0 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	calls, _ := store.count()
	assert.Equal(t, 2, calls, "breaker opens after two failures and skips the rest")
	assert.Equal(t, "open", s.TargetState()["executions"])
}

func TestSinkDropsWhenQueueFull(t *testing.T) {
	s := New(Targets{}, Config{QueueSize: 1}, nil)
	s.ReportExecution(context.Background(), domain.Execution{ID: "a"})
	s.ReportExecution(context.Background(), domain.Execution{ID: "b"})
	assert.Equal(t, 1, s.Dropped())
}
