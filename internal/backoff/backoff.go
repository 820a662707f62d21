// Package backoff computes exponential retry delays with jitter.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff.
type Policy struct {
	// Initial is the delay before the first retry.
	Initial time.Duration
	// Max caps the delay of any single retry.
	Max time.Duration
	// Factor is the exponential growth factor per attempt.
	Factor float64
	// Jitter in [0,1] randomizes each delay upward by up to that fraction.
	Jitter float64
}

// ProviderPolicy is tuned for model-provider retries: 1s initial, 30s cap,
// doubling with 10% jitter.
func ProviderPolicy() Policy {
	return Policy{
		Initial: time.Second,
		Max:     30 * time.Second,
		Factor:  2,
		Jitter:  0.1,
	}
}

// Delay returns the backoff for attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	return p.DelayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not need crypto randomness
}

// DelayWithRand computes the delay using the supplied random value in
// [0,1). Deterministic for tests.
//
// base = Initial * Factor^(attempt-1); delay = min(Max, base + base*Jitter*r).
func (p Policy) DelayWithRand(attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	total := base + base*p.Jitter*randomValue
	total = math.Min(float64(p.Max), total)
	return time.Duration(math.Round(total/float64(time.Millisecond))) * time.Millisecond
}

// Sleep waits out the backoff for attempt, returning ctx.Err() if the
// context is cancelled first.
func (p Policy) Sleep(ctx context.Context, attempt int) error {
	return SleepContext(ctx, p.Delay(attempt))
}

// SleepContext sleeps for d, respecting context cancellation.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
