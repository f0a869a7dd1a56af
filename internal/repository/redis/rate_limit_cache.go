package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"authsession-service/internal/client"
	"authsession-service/internal/config"
	"authsession-service/internal/util"
)

const rateLimitPrefix = "rl:"

// tokenBucketScript refills proportionally to elapsed milliseconds, caps at
// burst and consumes one token when available. Fractional tokens are kept so
// frequent callers still accrue refill.
var tokenBucketScript = goredis.NewScript(`
local key    = KEYS[1]
local now    = tonumber(ARGV[1])
local burst  = tonumber(ARGV[2])
local rate   = tonumber(ARGV[3])
local period = tonumber(ARGV[4])
local ttl    = tonumber(ARGV[5])

local bucket = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(bucket[1])
local ts     = tonumber(bucket[2])
if tokens == nil or ts == nil then
  tokens = burst
  ts = now
end

if now > ts then
  tokens = math.min(burst, tokens + (now - ts) * rate / period)
  tokens = math.floor(tokens * 1000000 + 0.5) / 1000000
  ts = now
end

local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'ts', tostring(ts))
redis.call('PEXPIRE', key, ttl)

local retry = 0
if allowed == 0 then
  retry = math.ceil((1 - tokens) * period / rate)
end
return {allowed, tostring(tokens), retry}
`)

type Decision struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
}

type RateLimitCache struct {
	client *client.RedisClient
	now    func() time.Time
}

func NewRateLimitCache(client *client.RedisClient) *RateLimitCache {
	return &RateLimitCache{client: client, now: time.Now}
}

// WithClock replaces the time source passed to the bucket script.
func (c *RateLimitCache) WithClock(now func() time.Time) *RateLimitCache {
	c.now = now
	return c
}

// Allow atomically refills and consumes one token from the bucket at key.
// The key expires after twice the rule period of inactivity.
func (c *RateLimitCache) Allow(ctx context.Context, key string, rule config.RateRule) (Decision, error) {
	if rule.Burst <= 0 || rule.Rate <= 0 || rule.Period <= 0 {
		return Decision{}, fmt.Errorf("invalid rate rule for key %s", key)
	}

	res, err := c.client.RunScript(ctx, tokenBucketScript, []string{rateLimitPrefix + key},
		c.now().UnixMilli(),
		rule.Burst,
		rule.Rate,
		rule.Period.Milliseconds(),
		(2 * rule.Period).Milliseconds(),
	).Slice()
	if err != nil {
		util.Error("Token bucket script failed", zap.String("key", key), zap.Error(err))
		return Decision{}, fmt.Errorf("token bucket rate limit failed: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("unexpected token bucket reply: %v", res)
	}

	allowed, _ := res[0].(int64)
	remainingStr, _ := res[1].(string)
	retryMs, _ := res[2].(int64)
	remaining, err := strconv.ParseFloat(remainingStr, 64)
	if err != nil {
		return Decision{}, fmt.Errorf("unexpected token count %q: %w", remainingStr, err)
	}

	d := Decision{
		Allowed:    allowed == 1,
		Remaining:  remaining,
		RetryAfter: time.Duration(retryMs) * time.Millisecond,
	}
	if !d.Allowed {
		util.Debug("Rate limit exceeded",
			zap.String("key", key),
			zap.Duration("retry_after", d.RetryAfter))
	}
	return d, nil
}

// Reset drops the bucket at key, e.g. after an administrative unlock.
func (c *RateLimitCache) Reset(ctx context.Context, key string) error {
	if err := c.client.Client.Del(ctx, rateLimitPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to reset rate limit %s: %w", key, err)
	}
	return nil
}
