package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClientRateLimiter_Acquire(t *testing.T) {
	t.Run("allows requests under both limits", func(t *testing.T) {
		limiter := NewClientRateLimiterWithLimits(10, 5)
		for i := 0; i < 5; i++ {
			ok, reason := limiter.Acquire()
			assert.True(t, ok)
			assert.Empty(t, reason)
		}
		requests, inFlight := limiter.Stats()
		assert.Equal(t, 5, requests)
		assert.Equal(t, 5, inFlight)
	})

	t.Run("caps concurrency until release", func(t *testing.T) {
		limiter := NewClientRateLimiterWithLimits(100, 2)
		limiter.Acquire()
		limiter.Acquire()

		ok, reason := limiter.Acquire()
		assert.False(t, ok)
		assert.Equal(t, reasonTooManyConcurrent, reason)

		limiter.Release()
		ok, _ = limiter.Acquire()
		assert.True(t, ok)
	})

	t.Run("caps requests per minute", func(t *testing.T) {
		limiter := NewClientRateLimiterWithLimits(3, 10)
		for i := 0; i < 3; i++ {
			limiter.Acquire()
			limiter.Release()
		}
		ok, reason := limiter.Acquire()
		assert.False(t, ok)
		assert.Equal(t, reasonRateLimited, reason)
	})

	t.Run("window slides", func(t *testing.T) {
		now := time.Date(2025, 11, 20, 15, 0, 0, 0, time.UTC)
		limiter := NewClientRateLimiterWithLimits(2, 10)
		limiter.now = func() time.Time { return now }

		limiter.Acquire()
		limiter.Release()
		limiter.Acquire()
		limiter.Release()
		ok, _ := limiter.Acquire()
		assert.False(t, ok)

		now = now.Add(61 * time.Second)
		ok, _ = limiter.Acquire()
		assert.True(t, ok)
	})

	t.Run("release below zero is a no-op", func(t *testing.T) {
		limiter := NewClientRateLimiter()
		limiter.Release()
		_, inFlight := limiter.Stats()
		assert.Zero(t, inFlight)
	})
}
