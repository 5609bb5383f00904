package breaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time          { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(t *testing.T, mutate func(*Config)) (*Breaker, *clock) {
	t.Helper()
	cfg := Config{
		Name:               "venue-a",
		FailureThreshold:   3,
		FailureWindow:      time.Minute,
		Cooldown:           10 * time.Second,
		CooldownMultiplier: 2,
		MaxCooldown:        35 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	b, err := New(cfg, nil)
	require.NoError(t, err)
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	b.SetClock(clk.Now)
	return b, clk
}

var errConn = domain.NewVenueError("venue-a", "place_order", domain.ErrConnectivity)

func TestOpensAfterConsecutiveConnectivityFailures(t *testing.T) {
	b, _ := newTestBreaker(t, nil)

	calls := 0
	fail := func() error { calls++; return errConn }

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Allow())
		b.Record(fail())
	}
	assert.Equal(t, StateOpen, b.State())

	// Subsequent calls fail fast without reaching the venue.
	for i := 0; i < 5; i++ {
		err := b.Execute(fail)
		assert.ErrorIs(t, err, ErrOpen)
		assert.ErrorIs(t, err, domain.ErrConnectivity)
	}
	assert.Equal(t, 3, calls)
}

func TestNonConnectivityErrorsDoNotTrip(t *testing.T) {
	b, _ := newTestBreaker(t, nil)
	for i := 0; i < 10; i++ {
		_ = b.Execute(func() error { return domain.ErrInsufficientBalance })
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestSuccessResetsConsecutiveCount(t *testing.T) {
	b, _ := newTestBreaker(t, nil)
	b.Failure()
	b.Failure()
	b.Success()
	b.Failure()
	b.Failure()
	assert.Equal(t, StateClosed, b.State())
	b.Failure()
	assert.Equal(t, StateOpen, b.State())
}

func TestFailuresOutsideWindowDoNotAccumulate(t *testing.T) {
	b, clk := newTestBreaker(t, nil)
	b.Failure()
	b.Failure()
	clk.Advance(61 * time.Second)
	b.Failure()
	assert.Equal(t, StateClosed, b.State(), "window restarted, count is 1")
	b.Failure()
	b.Failure()
	assert.Equal(t, StateOpen, b.State())
}

func TestHalfOpenTrialClosesOnSuccess(t *testing.T) {
	b, clk := newTestBreaker(t, nil)
	for i := 0; i < 3; i++ {
		b.Failure()
	}
	clk.Advance(9 * time.Second)
	assert.ErrorIs(t, b.Allow(), ErrOpen)

	clk.Advance(time.Second)
	require.NoError(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrOpen, "only one trial call at a time")

	b.Success()
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 10*time.Second, b.Cooldown())
	assert.NoError(t, b.Allow())
}

func TestReleaseFreesUnusedTrialSlot(t *testing.T) {
	b, clk := newTestBreaker(t, nil)
	for i := 0; i < 3; i++ {
		b.Failure()
	}
	clk.Advance(10 * time.Second)
	require.NoError(t, b.Allow())
	require.ErrorIs(t, b.Allow(), ErrOpen)

	b.Release()
	assert.Equal(t, StateHalfOpen, b.State())
	require.NoError(t, b.Allow(), "released slot can be taken again")
}

func TestHalfOpenFailureGrowsCooldownMultiplicatively(t *testing.T) {
	b, clk := newTestBreaker(t, nil)
	for i := 0; i < 3; i++ {
		b.Failure()
	}

	expected := []time.Duration{20 * time.Second, 35 * time.Second, 35 * time.Second}
	cooldown := 10 * time.Second
	for _, want := range expected {
		clk.Advance(cooldown)
		require.NoError(t, b.Allow())
		b.Record(errConn)
		assert.Equal(t, StateOpen, b.State())
		assert.Equal(t, want, b.Cooldown())

		clk.Advance(want - time.Millisecond)
		assert.ErrorIs(t, b.Allow(), ErrOpen)
		clk.Advance(-want + time.Millisecond)
		cooldown = want
	}

	// Recovery resets the cooldown to its base.
	clk.Advance(cooldown)
	require.NoError(t, b.Allow())
	b.Success()
	assert.Equal(t, 10*time.Second, b.Cooldown())
}

func TestStateChangeHook(t *testing.T) {
	var (
		mu  sync.Mutex
		got []string
	)
	b, clk := newTestBreaker(t, func(c *Config) {
		c.FailureThreshold = 1
		c.OnStateChange = func(name string, from, to State) {
			mu.Lock()
			got = append(got, name+":"+from.String()+"->"+to.String())
			mu.Unlock()
		}
	})
	b.Failure()
	clk.Advance(10 * time.Second)
	require.NoError(t, b.Allow())
	b.Success()

	assert.Equal(t, []string{
		"venue-a:CLOSED->OPEN",
		"venue-a:OPEN->HALF_OPEN",
		"venue-a:HALF_OPEN->CLOSED",
	}, got)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig("x")
	require.NoError(t, cfg.Validate())

	cfg.FailureThreshold = 0
	cfg.CooldownMultiplier = 0.5
	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrValidation))
	assert.Contains(t, err.Error(), "failure_threshold")
	assert.Contains(t, err.Error(), "cooldown_multiplier")
}

func TestReset(t *testing.T) {
	b, _ := newTestBreaker(t, func(c *Config) { c.FailureThreshold = 1 })
	b.Failure()
	require.Equal(t, StateOpen, b.State())
	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Allow())
}
