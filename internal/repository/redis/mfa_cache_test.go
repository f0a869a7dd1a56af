package redis

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarkStepUsed(t *testing.T) {
	s, rc := newTestRedis(t)
	cache := NewMFACache(rc)
	ctx := context.Background()

	ok, err := cache.MarkStepUsed(ctx, "u1", 100)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = cache.MarkStepUsed(ctx, "u1", 100)
	require.NoError(t, err)
	assert.False(t, ok, "same step twice")

	ok, err = cache.MarkStepUsed(ctx, "u1", 99)
	require.NoError(t, err)
	assert.False(t, ok, "older step")

	ok, err = cache.MarkStepUsed(ctx, "u2", 99)
	require.NoError(t, err)
	assert.True(t, ok, "other identity")

	ok, err = cache.MarkStepUsed(ctx, "u1", 101)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, totpStepRetention, s.TTL(totpStepPrefix+"u1"))
	require.NoError(t, cache.ClearSteps(ctx, "u1"))
	assert.False(t, s.Exists(totpStepPrefix+"u1"))
}

func TestMarkStepUsedConcurrent(t *testing.T) {
	_, rc := newTestRedis(t)
	cache := NewMFACache(rc)

	var accepted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := cache.MarkStepUsed(context.Background(), "u1", 500); err == nil && ok {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), accepted.Load())
}

func TestConsumePendingToken(t *testing.T) {
	s, rc := newTestRedis(t)
	cache := NewMFACache(rc)
	ctx := context.Background()

	ok, err := cache.ConsumePendingToken(ctx, "jti-1", 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = cache.ConsumePendingToken(ctx, "jti-1", 5*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	s.FastForward(6 * time.Minute)
	assert.False(t, s.Exists(pendingTokenPrefix+"jti-1"))
}
