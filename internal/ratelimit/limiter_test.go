package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(t *testing.T, limit int, window time.Duration) (*Limiter, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l, err := New(Config{Name: "test", Limit: limit, Window: window}, WithClock(clk.Now))
	require.NoError(t, err)
	return l, clk
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(Config{Name: "x", Limit: 0, Window: time.Second})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = New(Config{Name: "x", Limit: 5, Window: 0})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestAllowAdmitsUpToLimit(t *testing.T) {
	l, clk := newTestLimiter(t, 3, time.Minute)

	assert.True(t, l.Allow())
	assert.True(t, l.Allow())
	assert.True(t, l.Allow())
	assert.False(t, l.Allow(), "fourth call inside the window must be rejected")

	clk.Advance(30 * time.Second)
	assert.False(t, l.Allow())

	// Exactly one window after the first call it is still counted.
	clk.Advance(30 * time.Second)
	assert.False(t, l.Allow())

	// All three left the window together.
	clk.Advance(time.Nanosecond)
	assert.True(t, l.Allow())
	assert.True(t, l.Allow())
	assert.True(t, l.Allow())
	assert.False(t, l.Allow())
}

func TestSnapshotReportsOccupancy(t *testing.T) {
	l, clk := newTestLimiter(t, 5, 10*time.Second)
	for i := 0; i < 4; i++ {
		require.True(t, l.Allow())
		clk.Advance(time.Second)
	}
	s := l.Snapshot()
	assert.Equal(t, 4, s.Used)
	assert.Equal(t, 5, s.Limit)
	assert.Equal(t, 10*time.Second, s.Window)

	clk.Advance(8 * time.Second)
	assert.Equal(t, 2, l.Snapshot().Used)
}

func TestDelayPointsAtOldestExpiry(t *testing.T) {
	l, clk := newTestLimiter(t, 2, 10*time.Second)
	require.True(t, l.Allow())
	clk.Advance(4 * time.Second)
	require.True(t, l.Allow())

	assert.Equal(t, 6*time.Second+time.Nanosecond, l.Delay())
	clk.Advance(6*time.Second + time.Nanosecond)
	assert.Zero(t, l.Delay())
}

// Under any non-decreasing call-timing sequence, no closed interval of length
// Window contains more than Limit admitted calls.
func TestNeverExceedsLimitInAnyWindow(t *testing.T) {
	const (
		limit  = 7
		window = time.Second
	)
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 50; round++ {
		l, clk := newTestLimiter(t, limit, window)
		var admitted []time.Time
		for i := 0; i < 2000; i++ {
			// Bursts of simultaneous calls mixed with gaps around the window edge.
			switch rng.Intn(4) {
			case 0:
			case 1:
				clk.Advance(time.Duration(rng.Intn(5)) * time.Millisecond)
			case 2:
				clk.Advance(window - time.Duration(rng.Intn(3))*time.Nanosecond)
			default:
				clk.Advance(time.Duration(rng.Int63n(int64(window / 3))))
			}
			if l.Allow() {
				admitted = append(admitted, clk.Now())
			}
		}

		for i := range admitted {
			n := 0
			for j := i; j < len(admitted) && admitted[j].Sub(admitted[i]) <= window; j++ {
				n++
			}
			require.LessOrEqualf(t, n, limit, "round %d: %d calls within window starting at %v", round, n, admitted[i])
		}
	}
}

func TestConcurrentAllowRespectsLimit(t *testing.T) {
	l, err := New(Config{Name: "c", Limit: 50, Window: time.Hour})
	require.NoError(t, err)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow() {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, ok)
}

func TestWaitHonoursContext(t *testing.T) {
	l, err := New(Config{Name: "w", Limit: 1, Window: time.Hour})
	require.NoError(t, err)
	require.True(t, l.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = l.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWaitAdmitsAfterWindow(t *testing.T) {
	l, err := New(Config{Name: "w", Limit: 1, Window: 30 * time.Millisecond})
	require.NoError(t, err)
	require.True(t, l.Allow())

	start := time.Now()
	require.NoError(t, l.Wait(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}
