package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"authsession-service/internal/client"
	"authsession-service/internal/config"
	"authsession-service/internal/encryption"
	"authsession-service/internal/hashing"
	"authsession-service/internal/metrics"
	"authsession-service/internal/repository/memory"
	"authsession-service/internal/service"
)

const adminKey = "test-admin-key"

type staticHealth map[string]error

func (h staticHealth) HealthCheck(context.Context) map[string]error { return h }

func newTestRouter(t *testing.T, health HealthChecker) http.Handler {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rc := client.NewRedisClientFromClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = rc.Client.Close() })

	cfg := &config.Config{
		Hashing: config.HashingConfig{Argon2MemoryKiB: 1024, Argon2Iterations: 1, Argon2Parallelism: 1},
		Tokens: config.TokenConfig{
			Issuer:        "test",
			AccessTTL:     15 * time.Minute,
			RefreshTTL:    time.Hour,
			PendingMFATTL: 5 * time.Minute,
		},
		RateLimit: config.RateLimitConfig{
			LoginIdentity: config.RateRule{Burst: 3, Rate: 3, Period: time.Minute},
			LoginIP:       config.RateRule{Burst: 50, Rate: 50, Period: time.Minute},
			MFA:           config.RateRule{Burst: 5, Rate: 5, Period: time.Minute},
		},
		MFA:     config.MFAConfig{Issuer: "Test", BackupCodeCount: 10, Window: 1},
		Session: config.SessionConfig{RotateRefreshTokens: true},
	}

	hasher, err := hashing.NewHasher(cfg.Hashing)
	require.NoError(t, err)
	sealer, err := encryption.NewEncryptionManager(config.KMSConfig{LocalMasterKey: make([]byte, 32)}, nil)
	require.NoError(t, err)
	registry := prometheus.NewRegistry()
	m := metrics.NewMetrics(registry)

	sf, err := service.NewServiceFactory(cfg, memory.NewIdentityStore(), rc, hasher, sealer, nil, nil, m)
	require.NoError(t, err)

	h := NewAuthHandler(sf.AuthService(), zap.NewNop())
	return NewRouter(h, RouterOptions{
		AdminAPIKey: adminKey,
		Registry:    registry,
		Metrics:     m,
		Health:      health,
	}, zap.NewNop())
}

func do(t *testing.T, h http.Handler, method, path string, body any, headers map[string]string) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp Response
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	return rec, resp
}

func dataField(t *testing.T, resp Response, key string) string {
	t.Helper()
	m, ok := resp.Data.(map[string]any)
	require.True(t, ok, "data is %T", resp.Data)
	if tokens, ok := m["tokens"].(map[string]any); ok {
		if v, ok := tokens[key].(string); ok {
			return v
		}
	}
	v, _ := m[key].(string)
	return v
}

func TestAuthFlowOverHTTP(t *testing.T) {
	h := newTestRouter(t, nil)
	creds := map[string]string{"email": "bob@example.com", "password": "hunter2-hunter2"}

	rec, _ := do(t, h, http.MethodPost, "/api/v1/auth/register", creds, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, resp := do(t, h, http.MethodPost, "/api/v1/auth/login",
		map[string]string{"identifier": "Bob@Example.com", "password": "hunter2-hunter2"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	access := dataField(t, resp, "access_token")
	refresh := dataField(t, resp, "refresh_token")
	require.NotEmpty(t, access)
	require.NotEmpty(t, refresh)

	bearer := map[string]string{"Authorization": "Bearer " + access}
	rec, _ = do(t, h, http.MethodGet, "/api/v1/auth/me", nil, bearer)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, resp = do(t, h, http.MethodGet, "/api/v1/auth/sessions", nil, bearer)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, resp.Data, 1)

	rec, resp = do(t, h, http.MethodPost, "/api/v1/auth/refresh", map[string]string{"refresh_token": refresh}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEqual(t, refresh, dataField(t, resp, "refresh_token"))

	// Reuse looks like any other invalid token to the client.
	rec, resp = do(t, h, http.MethodPost, "/api/v1/auth/refresh", map[string]string{"refresh_token": refresh}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, service.ErrTokenInvalid.Error(), resp.Error)

	rec, _ = do(t, h, http.MethodPost, "/api/v1/auth/logout", nil, bearer)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLoginFailureAndRateLimit(t *testing.T) {
	h := newTestRouter(t, nil)
	do(t, h, http.MethodPost, "/api/v1/auth/register",
		map[string]string{"email": "bob@example.com", "password": "hunter2-hunter2"}, nil)

	bad := map[string]string{"identifier": "bob@example.com", "password": "nope-nope-1"}
	for i := 0; i < 3; i++ {
		rec, resp := do(t, h, http.MethodPost, "/api/v1/auth/login", bad, nil)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, service.ErrInvalidCredentials.Error(), resp.Error)
	}
	rec, _ := do(t, h, http.MethodPost, "/api/v1/auth/login", bad, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestProtectedRoutesRequireBearer(t *testing.T) {
	h := newTestRouter(t, nil)

	rec, _ := do(t, h, http.MethodGet, "/api/v1/auth/sessions", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = do(t, h, http.MethodGet, "/api/v1/auth/sessions", nil, map[string]string{"Authorization": "Bearer junk"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminRoutesRequireKey(t *testing.T) {
	h := newTestRouter(t, nil)
	rec, resp := do(t, h, http.MethodPost, "/api/v1/auth/register",
		map[string]string{"email": "bob@example.com", "password": "hunter2-hunter2"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	id := dataField(t, resp, "identity_id")

	rec, _ = do(t, h, http.MethodPost, "/api/v1/admin/identities/"+id+"/lock", map[string]string{"reason": "x"}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = do(t, h, http.MethodPost, "/api/v1/admin/identities/"+id+"/lock",
		map[string]string{"reason": "x"}, map[string]string{"X-Admin-Key": adminKey})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = do(t, h, http.MethodPost, "/api/v1/auth/login",
		map[string]string{"identifier": "bob@example.com", "password": "hunter2-hunter2"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBadRequestBody(t *testing.T) {
	h := newTestRouter(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	h := newTestRouter(t, staticHealth{})
	rec, _ := do(t, h, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = do(t, h, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `http_requests_total{method="GET",route="/health",status="200"} 1`)

	degraded := newTestRouter(t, staticHealth{"redis": errors.New("down")})
	rec, _ = do(t, degraded, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec, _ = do(t, h, http.MethodGet, "/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
