package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialBackoffJitterBounds(t *testing.T) {
	base := 100 * time.Millisecond

	tests := []struct {
		attempt int
		min     time.Duration
		max     time.Duration
	}{
		{0, 75 * time.Millisecond, 125 * time.Millisecond},
		{1, 150 * time.Millisecond, 250 * time.Millisecond},
		{3, 600 * time.Millisecond, 1000 * time.Millisecond},
	}

	for _, tt := range tests {
		for i := 0; i < 50; i++ {
			got := ExponentialBackoff(tt.attempt, base)

			assert.GreaterOrEqual(t, got, tt.min, "attempt %d", tt.attempt)
			assert.LessOrEqual(t, got, tt.max, "attempt %d", tt.attempt)
		}
	}
}

func TestExponentialBackoffCapped(t *testing.T) {
	got := ExponentialBackoff(20, time.Second)

	assert.LessOrEqual(t, got, 2*time.Minute)
}

func TestExponentialBackoffGrows(t *testing.T) {
	base := 100 * time.Millisecond

	// Jitter ranges for attempts 0 and 2 do not overlap, so any sample
	// from the later attempt exceeds any sample from the earlier one.
	for i := 0; i < 20; i++ {
		shorter := ExponentialBackoff(0, base)
		longer := ExponentialBackoff(2, base)

		assert.Greater(t, longer, shorter)
	}
}

func TestSleepWithContextHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := sleepWithContext(ctx, 10*time.Second)

	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()

	assert.Equal(t, 1, cfg.ConcurrencyLimit)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.RetryBaseDelay)
	assert.NotNil(t, cfg.Backoff)
	assert.NotNil(t, cfg.Sleep)
}
