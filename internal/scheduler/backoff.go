package scheduler

import (
	"context"
	"math/rand"
	"time"
)

const maxBackoff = 2 * time.Minute

// BackoffFunc computes the wait before retry attempt number attempt
// (zero-based). Injectable so tests never wait on real time.
type BackoffFunc func(attempt int, baseDelay time.Duration) time.Duration

// SleepFunc waits for d or until the context is cancelled.
type SleepFunc func(ctx context.Context, d time.Duration) error

// ExponentialBackoff doubles the base delay per attempt with jitter in
// [0.75, 1.25), capped at two minutes.
func ExponentialBackoff(attempt int, baseDelay time.Duration) time.Duration {
	delay := baseDelay * (1 << uint(attempt))

	jitterFactor := 0.75 + 0.5*rand.Float64()
	jittered := time.Duration(float64(delay) * jitterFactor)

	if jittered > maxBackoff {
		jittered = maxBackoff
	}

	return jittered
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
