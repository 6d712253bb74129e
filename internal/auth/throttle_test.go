package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCounterFixedWindow(t *testing.T) {
	counter := NewMemoryCounter()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	window := time.Minute

	for i := 0; i < 3; i++ {
		allowed, _, err := counter.Allow(context.Background(), "10.0.0.1", 3, window, now)
		require.NoError(t, err)
		assert.True(t, allowed, "hit %d should be allowed", i+1)
	}

	allowed, retryAfter, err := counter.Allow(context.Background(), "10.0.0.1", 3, window, now.Add(10*time.Second))
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, 50*time.Second, retryAfter)

	// Denied attempts do not consume; the window still holds exactly the limit.
	allowed, _, err = counter.Allow(context.Background(), "10.0.0.1", 3, window, now.Add(20*time.Second))
	require.NoError(t, err)
	assert.False(t, allowed)

	// A different key is unaffected.
	allowed, _, err = counter.Allow(context.Background(), "10.0.0.2", 3, window, now)
	require.NoError(t, err)
	assert.True(t, allowed)

	// The next window starts fresh.
	allowed, _, err = counter.Allow(context.Background(), "10.0.0.1", 3, window, now.Add(window))
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestMemoryCounterRetryAfterFloor(t *testing.T) {
	counter := NewMemoryCounter()
	now := time.Now().UTC()

	_, _, err := counter.Allow(context.Background(), "k", 1, time.Minute, now)
	require.NoError(t, err)

	// 100ms before the window resets, Retry-After still reports at least 1s.
	allowed, retryAfter, err := counter.Allow(context.Background(), "k", 1, time.Minute, now.Add(time.Minute-100*time.Millisecond))
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, time.Second, retryAfter)
}

func TestLoginThrottleDefaults(t *testing.T) {
	throttle := NewLoginThrottle(NewMemoryCounter(), 0, 0)
	now := time.Now().UTC()

	for i := 0; i < 10; i++ {
		allowed, _, err := throttle.CheckAndConsume(context.Background(), "203.0.113.9", now)
		require.NoError(t, err)
		assert.True(t, allowed, "attempt %d within the default limit", i+1)
	}

	allowed, retryAfter, err := throttle.CheckAndConsume(context.Background(), "203.0.113.9", now)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Greater(t, retryAfter, time.Duration(0))
}
