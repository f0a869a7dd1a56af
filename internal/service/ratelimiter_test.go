package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authsession-service/internal/client"
	"authsession-service/internal/config"
	redisrepo "authsession-service/internal/repository/redis"
)

// scriptedStore answers from a per-key allowance and records the call order.
type scriptedStore struct {
	allow map[string]bool
	err   error
	calls []string
	reset []string
}

func (s *scriptedStore) Allow(_ context.Context, key string, _ config.RateRule) (redisrepo.Decision, error) {
	s.calls = append(s.calls, key)
	if s.err != nil {
		return redisrepo.Decision{}, s.err
	}
	allowed, ok := s.allow[key]
	return redisrepo.Decision{Allowed: !ok || allowed}, nil
}

func (s *scriptedStore) Reset(_ context.Context, key string) error {
	s.reset = append(s.reset, key)
	return nil
}

func TestAllowLoginChecksIdentityBeforeIP(t *testing.T) {
	store := &scriptedStore{allow: map[string]bool{"login:id:{a@example.com}": false}}
	l := NewRateLimiter(store, config.RateLimitConfig{}, nil)

	err := l.AllowLogin(context.Background(), "a@example.com", "10.0.0.1")
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, []string{"login:id:{a@example.com}"}, store.calls)
}

func TestAllowLoginDeniedByIP(t *testing.T) {
	store := &scriptedStore{allow: map[string]bool{"login:ip:{10.0.0.1}": false}}
	l := NewRateLimiter(store, config.RateLimitConfig{}, nil)

	assert.ErrorIs(t, l.AllowLogin(context.Background(), "a@example.com", "10.0.0.1"), ErrRateLimited)
	assert.NoError(t, l.AllowLogin(context.Background(), "a@example.com", ""))
}

func TestRateLimiterStoreErrorDenies(t *testing.T) {
	store := &scriptedStore{err: errors.New("connection refused")}
	l := NewRateLimiter(store, config.RateLimitConfig{}, nil)

	assert.ErrorIs(t, l.AllowMFA(context.Background(), "id-1"), ErrRateLimited)
	assert.ErrorIs(t, l.AllowRegister(context.Background(), "10.0.0.1"), ErrRateLimited)
}

func TestResetIdentity(t *testing.T) {
	store := &scriptedStore{}
	l := NewRateLimiter(store, config.RateLimitConfig{}, nil)

	require.NoError(t, l.ResetIdentity(context.Background(), "a@example.com", "id-1"))
	assert.Equal(t, []string{"login:id:{a@example.com}", "mfa:id:{id-1}"}, store.reset)
}

func TestLoginIdentifierShapedLikeIPHasOwnBucket(t *testing.T) {
	mr, rc := newLimiterRedis(t)
	rules := config.RateLimitConfig{
		LoginIdentity: config.RateRule{Burst: 2, Rate: 2, Period: time.Minute},
		LoginIP:       config.RateRule{Burst: 2, Rate: 2, Period: time.Minute},
	}
	l := NewRateLimiter(redisrepo.NewRateLimitCache(rc), rules, nil)
	ctx := context.Background()

	// Exhaust the identity bucket for an identifier that looks like a victim IP.
	for i := 0; i < 3; i++ {
		_ = l.AllowLogin(ctx, "203.0.113.7", "198.51.100.9")
	}
	assert.ErrorIs(t, l.AllowLogin(ctx, "203.0.113.7", "198.51.100.9"), ErrRateLimited)

	assert.False(t, mr.Exists("rl:login:ip:{203.0.113.7}"))
	assert.NoError(t, l.AllowLogin(ctx, "victim@example.com", "203.0.113.7"))
}

func TestRegisterAndLoginIPBucketsAreSeparate(t *testing.T) {
	_, rc := newLimiterRedis(t)
	rules := config.RateLimitConfig{
		LoginIdentity: config.RateRule{Burst: 10, Rate: 10, Period: time.Minute},
		LoginIP:       config.RateRule{Burst: 1, Rate: 1, Period: time.Minute},
	}
	l := NewRateLimiter(redisrepo.NewRateLimitCache(rc), rules, nil)
	ctx := context.Background()

	require.NoError(t, l.AllowRegister(ctx, "10.0.0.1"))
	assert.ErrorIs(t, l.AllowRegister(ctx, "10.0.0.1"), ErrRateLimited)
	assert.NoError(t, l.AllowLogin(ctx, "a@example.com", "10.0.0.1"))
}

func newLimiterRedis(t *testing.T) (*miniredis.Miniredis, *client.RedisClient) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rc := client.NewRedisClientFromClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = rc.Client.Close() })
	return mr, rc
}
