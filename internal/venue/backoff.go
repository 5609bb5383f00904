package venue

import (
	"context"
	"math/rand/v2"
	"time"
)

// Backoff computes exponential retry delays.
type Backoff struct {
	Min    time.Duration
	Max    time.Duration
	Factor float64
	// Jitter spreads each delay by ±Jitter of its value (0 disables).
	Jitter float64
}

// ReconnectBackoff is used by the stream clients: 2s doubling to a 60s cap.
func ReconnectBackoff() Backoff {
	return Backoff{Min: 2 * time.Second, Max: 60 * time.Second, Factor: 2}
}

// Next returns the delay before the given attempt (1-based).
func (b Backoff) Next(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	minWait := b.Min
	if minWait <= 0 {
		minWait = 100 * time.Millisecond
	}
	maxWait := b.Max
	if maxWait < minWait {
		maxWait = minWait
	}
	factor := b.Factor
	if factor <= 1 {
		factor = 2
	}

	wait := minWait
	for i := 1; i < attempt; i++ {
		next := time.Duration(float64(wait) * factor)
		if next >= maxWait {
			wait = maxWait
			break
		}
		wait = next
	}

	if b.Jitter <= 0 {
		return wait
	}
	delta := float64(wait) * min(b.Jitter, 1)
	return wait - time.Duration(delta) + time.Duration(rand.Float64()*2*delta)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
