package config

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENVIRONMENT", "development")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, 5, cfg.RateLimit.LoginIdentity.Burst)
	assert.Equal(t, time.Minute, cfg.RateLimit.LoginIdentity.Period)
	assert.Equal(t, 5*time.Minute, cfg.Tokens.PendingMFATTL)
	assert.Equal(t, ":8080", cfg.GetServerAddress())
	assert.Same(t, cfg, Get())
}

func TestLoadKeyRingAndPeppers(t *testing.T) {
	key := base64.StdEncoding.EncodeToString([]byte(strings.Repeat("k", 32)))
	t.Setenv("TOKENS_SIGNING_KEYS", "k1:"+key+",k2:"+key)
	t.Setenv("TOKENS_ACTIVE_KID", "k2")
	t.Setenv("HASHING_PEPPERS", "1:old-pepper,2:new-pepper")
	t.Setenv("HASHING_PEPPER_VERSION", "2")
	t.Setenv("RATELIMIT_LOGIN_IP_BURST", "50")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Len(t, cfg.Tokens.SigningKeys, 2)
	assert.Equal(t, "k2", cfg.Tokens.ActiveKeyID)
	assert.Equal(t, "new-pepper", cfg.Hashing.Peppers[2])
	assert.Equal(t, 2, cfg.Hashing.CurrentPepperVersion)
	assert.Equal(t, 50, cfg.RateLimit.LoginIP.Burst)
}

func TestLoadRejectsShortSigningKey(t *testing.T) {
	t.Setenv("TOKENS_SIGNING_KEYS", "k1:"+base64.StdEncoding.EncodeToString([]byte("short")))

	_, err := Load()
	assert.Error(t, err)
}

func TestValidateProductionRequiresSecrets(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TOKENS_SIGNING_KEYS")
	assert.Contains(t, err.Error(), "HASHING_PEPPERS")
}

func TestValidateRejectsLongPendingTTL(t *testing.T) {
	t.Setenv("TOKENS_PENDING_MFA_TTL", "10m")

	_, err := Load()
	assert.Error(t, err)
}
