package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/JakeFAU/capture-service/internal/config"
)

func TestLimiterPerKeyBurst(t *testing.T) {
	t.Parallel()

	l := New(config.RateLimitConfig{Enabled: true, RPS: 0.001, Burst: 2})
	assert.True(t, l.Allow("key-a"))
	assert.True(t, l.Allow("key-a"))
	assert.False(t, l.Allow("key-a"))

	assert.True(t, l.Allow("key-b"), "buckets are per key")
}

func TestLimiterDisabled(t *testing.T) {
	t.Parallel()

	l := New(config.RateLimitConfig{Enabled: false, RPS: 0.001, Burst: 1})
	for range 10 {
		assert.True(t, l.Allow("key"))
	}

	var nilLimiter *Limiter
	assert.True(t, nilLimiter.Allow("key"))
}
