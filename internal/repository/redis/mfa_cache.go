package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"authsession-service/internal/client"
	"authsession-service/internal/util"
)

const (
	totpStepPrefix     = "totp_step:"
	pendingTokenPrefix = "pending_used:"
	totpStepRetention  = 5 * time.Minute
)

// markStepScript accepts ARGV[1] only if it is newer than the stored step.
var markStepScript = goredis.NewScript(`
local last = tonumber(redis.call('GET', KEYS[1]))
local step = tonumber(ARGV[1])
if last ~= nil and step <= last then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`)

type MFACache struct {
	client *client.RedisClient
}

func NewMFACache(client *client.RedisClient) *MFACache {
	return &MFACache{client: client}
}

// MarkStepUsed records step as the last accepted TOTP step for identityID.
// It returns false when step is not newer than the recorded one.
func (c *MFACache) MarkStepUsed(ctx context.Context, identityID string, step int64) (bool, error) {
	res, err := c.client.RunScript(ctx, markStepScript, []string{totpStepPrefix + identityID},
		step, totpStepRetention.Milliseconds()).Int64()
	if err != nil {
		util.Error("Failed to record TOTP step", zap.String("identity_id", identityID), zap.Error(err))
		return false, fmt.Errorf("failed to record totp step: %w", err)
	}
	if res == 0 {
		util.Warn("TOTP step replay rejected", zap.String("identity_id", identityID), zap.Int64("step", step))
	}
	return res == 1, nil
}

// ClearSteps forgets the replay marker, used when MFA is re-enrolled.
func (c *MFACache) ClearSteps(ctx context.Context, identityID string) error {
	return c.client.Client.Del(ctx, totpStepPrefix+identityID).Err()
}

// ConsumePendingToken marks a pending-MFA token id as used. Only the first
// caller gets true; the marker lives as long as the token could be valid.
func (c *MFACache) ConsumePendingToken(ctx context.Context, tokenID string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, pendingTokenPrefix+tokenID, "1", ttl)
	if err != nil {
		util.Error("Failed to consume pending token", zap.String("jti", tokenID), zap.Error(err))
		return false, fmt.Errorf("failed to consume pending token: %w", err)
	}
	return ok, nil
}
