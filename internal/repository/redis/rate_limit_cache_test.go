package redis

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authsession-service/internal/config"
)

func TestTokenBucketBurstThenDeny(t *testing.T) {
	_, rc := newTestRedis(t)
	now := time.Unix(1_700_000_000, 0)
	limiter := NewRateLimitCache(rc).WithClock(func() time.Time { return now })
	rule := config.RateRule{Burst: 5, Rate: 5, Period: time.Minute}
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d, err := limiter.Allow(ctx, "login:alice", rule)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d", i+1)
	}

	d, err := limiter.Allow(ctx, "login:alice", rule)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, d.RetryAfter, 12*time.Second)

	// Other keys are independent.
	d, err = limiter.Allow(ctx, "login:bob", rule)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestTokenBucketRefill(t *testing.T) {
	_, rc := newTestRedis(t)
	now := time.Unix(1_700_000_000, 0)
	limiter := NewRateLimitCache(rc).WithClock(func() time.Time { return now })
	rule := config.RateRule{Burst: 3, Rate: 3, Period: 30 * time.Second}
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := limiter.Allow(ctx, "mfa:u1", rule)
		require.NoError(t, err)
	}

	// One token refills every 10s; frequent polling must not stall refill.
	for i := 0; i < 9; i++ {
		now = now.Add(time.Second)
		d, err := limiter.Allow(ctx, "mfa:u1", rule)
		require.NoError(t, err)
		assert.False(t, d.Allowed, "second %d", i+1)
	}
	now = now.Add(time.Second)
	d, err := limiter.Allow(ctx, "mfa:u1", rule)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	// A full period restores the whole burst, capped.
	now = now.Add(5 * time.Minute)
	for i := 0; i < 3; i++ {
		d, err := limiter.Allow(ctx, "mfa:u1", rule)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
	d, err = limiter.Allow(ctx, "mfa:u1", rule)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestTokenBucketConcurrentExactlyBurst(t *testing.T) {
	_, rc := newTestRedis(t)
	now := time.Unix(1_700_000_000, 0)
	limiter := NewRateLimitCache(rc).WithClock(func() time.Time { return now })
	rule := config.RateRule{Burst: 10, Rate: 10, Period: time.Minute}
	ctx := context.Background()

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := limiter.Allow(ctx, "login:10.0.0.1", rule)
			if err == nil && d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(10), allowed.Load())
}

func TestTokenBucketKeyTTL(t *testing.T) {
	s, rc := newTestRedis(t)
	limiter := NewRateLimitCache(rc)
	rule := config.RateRule{Burst: 1, Rate: 1, Period: time.Minute}

	_, err := limiter.Allow(context.Background(), "login:ttl", rule)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, s.TTL(rateLimitPrefix+"login:ttl"))

	s.FastForward(2*time.Minute + time.Second)
	assert.False(t, s.Exists(rateLimitPrefix+"login:ttl"))
}

func TestTokenBucketReset(t *testing.T) {
	_, rc := newTestRedis(t)
	limiter := NewRateLimitCache(rc)
	rule := config.RateRule{Burst: 1, Rate: 1, Period: time.Hour}
	ctx := context.Background()

	d, err := limiter.Allow(ctx, "login:carol", rule)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	d, err = limiter.Allow(ctx, "login:carol", rule)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	require.NoError(t, limiter.Reset(ctx, "login:carol"))
	d, err = limiter.Allow(ctx, "login:carol", rule)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestTokenBucketRejectsInvalidRule(t *testing.T) {
	_, rc := newTestRedis(t)
	_, err := NewRateLimitCache(rc).Allow(context.Background(), "k", config.RateRule{})
	assert.Error(t, err)
}
