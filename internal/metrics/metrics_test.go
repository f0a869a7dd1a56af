package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authsession-service/internal/events"
)

func TestEventObserver(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.EventPublished(events.AccountLocked, "kafka", nil)
	m.EventPublished(events.AccountLocked, "kafka", errors.New("down"))
	m.EventDropped(events.SessionReuseDetected, "queue_full")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsPublished.WithLabelValues("account_locked", "kafka", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsPublished.WithLabelValues("account_locked", "kafka", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsDropped.WithLabelValues("session_reuse_detected", "queue_full")))
}

func TestHandlerServesRegistry(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	m.SessionsCreated.Inc()

	rec := httptest.NewRecorder()
	Handler(registry).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "auth_sessions_created_total 1")
}

type fixedPool struct{ stats redis.PoolStats }

func (p *fixedPool) PoolStats() *redis.PoolStats { return &p.stats }

func TestRegisterRedisPool(t *testing.T) {
	registry := prometheus.NewRegistry()
	pool := &fixedPool{stats: redis.PoolStats{TotalConns: 4, IdleConns: 3, Hits: 10}}
	RegisterRedisPool(registry, pool)

	pool.stats.Timeouts = 2

	rec := httptest.NewRecorder()
	Handler(registry).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	assert.Contains(t, body, "redis_pool_total_connections 4")
	assert.Contains(t, body, "redis_pool_idle_connections 3")
	assert.Contains(t, body, "redis_pool_hits_total 10")
	assert.Contains(t, body, "redis_pool_timeouts_total 2")
}
