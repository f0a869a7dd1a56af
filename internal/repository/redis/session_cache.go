package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"authsession-service/internal/client"
	"authsession-service/internal/models"
	"authsession-service/internal/util"
)

var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionRevoked     = errors.New("session revoked")
	ErrTokenReuseDetected = errors.New("refresh token reuse detected")
)

const (
	RevokeReasonLogout     = "logout"
	RevokeReasonUser       = "user_revoked"
	RevokeReasonAll        = "revoke_all"
	RevokeReasonReuse      = "refresh_token_reuse"
	RevokeReasonLocked     = "identity_locked"
	RevokeReasonIneligible = "identity_ineligible"
)

// Keys for one identity share a hash tag so the scripts below stay within a
// single cluster slot:
//
//	sess:{<identity>}:<session>  hash
//	sess:{<identity>}:index      set of session ids
func sessionKey(identityID, sessionID string) string {
	return "sess:{" + identityID + "}:" + sessionID
}

func sessionIndexKey(identityID string) string {
	return "sess:{" + identityID + "}:index"
}

const sessionIndexPattern = "sess:*:index"

// rotateScript swaps the fingerprint if the presented one is current. A
// mismatching fingerprint on a live session is a replayed, rotated-out token:
// the session is revoked on the spot.
var rotateScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 'missing'
end
local rec = redis.call('HMGET', KEYS[1], 'identity_id', 'fingerprint', 'revoked')
if rec[1] ~= ARGV[1] then
  return 'missing'
end
if rec[3] == '1' then
  return 'revoked'
end
if rec[2] ~= ARGV[2] then
  redis.call('HSET', KEYS[1], 'revoked', '1', 'revoked_at', ARGV[4], 'revoked_reason', ARGV[6])
  redis.call('SREM', KEYS[2], ARGV[7])
  return 'reuse'
end
redis.call('HSET', KEYS[1], 'fingerprint', ARGV[3], 'last_used', ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
redis.call('PEXPIRE', KEYS[2], ARGV[5])
return 'ok'
`)

var touchScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 'missing'
end
if redis.call('HGET', KEYS[1], 'revoked') == '1' then
  return 'revoked'
end
redis.call('HSET', KEYS[1], 'fingerprint', ARGV[1], 'last_used', ARGV[2])
return 'ok'
`)

var revokeScript = goredis.NewScript(`
redis.call('SREM', KEYS[2], ARGV[3])
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 'missing'
end
if redis.call('HGET', KEYS[1], 'revoked') == '1' then
  return 'revoked'
end
redis.call('HSET', KEYS[1], 'revoked', '1', 'revoked_at', ARGV[1], 'revoked_reason', ARGV[2])
return 'ok'
`)

// revokeAllScript marks every indexed session revoked and drops the index.
// ARGV[3] is the key prefix "sess:{<identity>}:".
var revokeAllScript = goredis.NewScript(`
local members = redis.call('SMEMBERS', KEYS[1])
local n = 0
for _, sid in ipairs(members) do
  local key = ARGV[3] .. sid
  if redis.call('EXISTS', key) == 1 and redis.call('HGET', key, 'revoked') ~= '1' then
    redis.call('HSET', key, 'revoked', '1', 'revoked_at', ARGV[1], 'revoked_reason', ARGV[2])
    n = n + 1
  end
end
redis.call('DEL', KEYS[1])
return n
`)

type SessionCache struct {
	client *client.RedisClient
}

func NewSessionCache(client *client.RedisClient) *SessionCache {
	return &SessionCache{client: client}
}

// Create stores a new session record that expires after ttl of inactivity.
func (c *SessionCache) Create(ctx context.Context, s *models.Session, ttl time.Duration) error {
	key := sessionKey(s.IdentityID, s.SessionID)
	indexKey := sessionIndexKey(s.IdentityID)

	pipe := c.client.Client.TxPipeline()
	pipe.HSet(ctx, key,
		"identity_id", s.IdentityID,
		"fingerprint", s.Fingerprint,
		"user_agent", s.UserAgent,
		"ip", s.IP,
		"created_at", s.CreatedAt.UnixMilli(),
		"last_used", s.LastUsedAt.UnixMilli(),
		"revoked", "0",
	)
	pipe.PExpire(ctx, key, ttl)
	pipe.SAdd(ctx, indexKey, s.SessionID)
	pipe.PExpire(ctx, indexKey, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to create session",
			zap.String("identity_id", s.IdentityID),
			zap.String("session_id", s.SessionID),
			zap.Error(err))
		return fmt.Errorf("failed to create session: %w", err)
	}

	util.Debug("Session created",
		zap.String("identity_id", s.IdentityID),
		zap.String("session_id", s.SessionID),
		zap.Duration("ttl", ttl))
	return nil
}

// Get returns the record including revoked ones; expired records are
// ErrSessionNotFound.
func (c *SessionCache) Get(ctx context.Context, identityID, sessionID string) (*models.Session, error) {
	fields, err := c.client.Client.HGetAll(ctx, sessionKey(identityID, sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if len(fields) == 0 || fields["identity_id"] != identityID {
		return nil, ErrSessionNotFound
	}
	return decodeSession(sessionID, fields), nil
}

// Rotate atomically replaces presentedFingerprint with newFingerprint.
func (c *SessionCache) Rotate(ctx context.Context, identityID, sessionID, presentedFingerprint, newFingerprint string, now time.Time, ttl time.Duration) error {
	res, err := c.client.RunScript(ctx, rotateScript,
		[]string{sessionKey(identityID, sessionID), sessionIndexKey(identityID)},
		identityID, presentedFingerprint, newFingerprint, now.UnixMilli(), ttl.Milliseconds(),
		RevokeReasonReuse, sessionID,
	).Text()
	if err != nil {
		util.Error("Session rotate script failed", zap.String("session_id", sessionID), zap.Error(err))
		return fmt.Errorf("failed to rotate session: %w", err)
	}
	switch res {
	case "ok":
		return nil
	case "missing":
		return ErrSessionNotFound
	case "revoked":
		return ErrSessionRevoked
	case "reuse":
		util.Warn("Refresh token reuse detected, session revoked",
			zap.String("identity_id", identityID),
			zap.String("session_id", sessionID))
		return ErrTokenReuseDetected
	default:
		return fmt.Errorf("unexpected rotate result %q", res)
	}
}

// Touch sets a new fingerprint and last-used time on a live session.
func (c *SessionCache) Touch(ctx context.Context, identityID, sessionID, newFingerprint string, now time.Time) error {
	res, err := c.client.RunScript(ctx, touchScript,
		[]string{sessionKey(identityID, sessionID)},
		newFingerprint, now.UnixMilli(),
	).Text()
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return scriptResult(res)
}

// Revoke marks a session revoked and removes it from the identity index.
func (c *SessionCache) Revoke(ctx context.Context, identityID, sessionID, reason string, now time.Time) error {
	res, err := c.client.RunScript(ctx, revokeScript,
		[]string{sessionKey(identityID, sessionID), sessionIndexKey(identityID)},
		now.UnixMilli(), reason, sessionID,
	).Text()
	if err != nil {
		util.Error("Failed to revoke session",
			zap.String("identity_id", identityID),
			zap.String("session_id", sessionID),
			zap.Error(err))
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	if err := scriptResult(res); err != nil {
		return err
	}
	util.Info("Session revoked",
		zap.String("identity_id", identityID),
		zap.String("session_id", sessionID),
		zap.String("reason", reason))
	return nil
}

// RevokeAll revokes every indexed session of identityID and returns how many
// live sessions were revoked.
func (c *SessionCache) RevokeAll(ctx context.Context, identityID, reason string, now time.Time) (int, error) {
	n, err := c.client.RunScript(ctx, revokeAllScript,
		[]string{sessionIndexKey(identityID)},
		now.UnixMilli(), reason, "sess:{"+identityID+"}:",
	).Int()
	if err != nil {
		util.Error("Failed to revoke all sessions", zap.String("identity_id", identityID), zap.Error(err))
		return 0, fmt.Errorf("failed to revoke all sessions: %w", err)
	}
	util.Info("All sessions revoked",
		zap.String("identity_id", identityID),
		zap.Int("count", n),
		zap.String("reason", reason))
	return n, nil
}

// List returns live sessions of identityID, pruning index entries whose
// records have expired.
func (c *SessionCache) List(ctx context.Context, identityID string) ([]*models.Session, error) {
	indexKey := sessionIndexKey(identityID)
	ids, err := c.client.Client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := c.client.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, sessionKey(identityID, id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}

	var stale []any
	sessions := make([]*models.Session, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			stale = append(stale, ids[i])
			continue
		}
		s := decodeSession(ids[i], fields)
		if s.Revoked {
			stale = append(stale, ids[i])
			continue
		}
		sessions = append(sessions, s)
	}
	if len(stale) > 0 {
		if err := c.client.Client.SRem(ctx, indexKey, stale...).Err(); err != nil {
			util.Warn("Failed to prune stale session index entries",
				zap.String("identity_id", identityID), zap.Error(err))
		}
	}
	return sessions, nil
}

// SweepExpired walks every session index and drops members whose records are
// gone. Returns the number of entries removed.
func (c *SessionCache) SweepExpired(ctx context.Context) (int, error) {
	removed := 0
	err := c.client.ScanAll(ctx, sessionIndexPattern, 500, func(indexKey string) error {
		prefix := strings.TrimSuffix(indexKey, "index")
		ids, err := c.client.Client.SMembers(ctx, indexKey).Result()
		if err != nil {
			return err
		}
		pipe := c.client.Pipeline()
		exists := make([]*goredis.IntCmd, len(ids))
		for i, id := range ids {
			exists[i] = pipe.Exists(ctx, prefix+id)
		}
		if len(ids) > 0 {
			if _, err := pipe.Exec(ctx); err != nil {
				return err
			}
		}
		var stale []any
		for i, cmd := range exists {
			if cmd.Val() == 0 {
				stale = append(stale, ids[i])
			}
		}
		if len(stale) == 0 {
			return nil
		}
		if err := c.client.Client.SRem(ctx, indexKey, stale...).Err(); err != nil {
			return err
		}
		removed += len(stale)
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("session sweep failed: %w", err)
	}
	if removed > 0 {
		util.Info("Expired sessions swept", zap.Int("removed", removed))
	}
	return removed, nil
}

func scriptResult(res string) error {
	switch res {
	case "ok":
		return nil
	case "missing":
		return ErrSessionNotFound
	case "revoked":
		return ErrSessionRevoked
	default:
		return fmt.Errorf("unexpected session script result %q", res)
	}
}

func decodeSession(sessionID string, f map[string]string) *models.Session {
	s := &models.Session{
		SessionID:     sessionID,
		IdentityID:    f["identity_id"],
		Fingerprint:   f["fingerprint"],
		UserAgent:     f["user_agent"],
		IP:            f["ip"],
		CreatedAt:     parseMillis(f["created_at"]),
		LastUsedAt:    parseMillis(f["last_used"]),
		Revoked:       f["revoked"] == "1",
		RevokedReason: f["revoked_reason"],
	}
	if at := f["revoked_at"]; at != "" {
		t := parseMillis(at)
		s.RevokedAt = &t
	}
	return s
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
