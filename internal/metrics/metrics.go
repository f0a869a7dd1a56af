package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"authsession-service/internal/events"
)

type Metrics struct {
	AuthAttempts     *prometheus.CounterVec
	AuthDuration     *prometheus.HistogramVec
	RateLimited      *prometheus.CounterVec
	RateLimitErrors  prometheus.Counter
	SessionsCreated  prometheus.Counter
	SessionsRevoked  *prometheus.CounterVec
	ReuseDetected    prometheus.Counter
	EventsPublished  *prometheus.CounterVec
	EventsDropped    *prometheus.CounterVec
	HTTPRequests     *prometheus.CounterVec
	HTTPDuration     *prometheus.HistogramVec
	SessionsSwept    prometheus.Counter
	BackupCodesSpent prometheus.Counter
}

// NewMetrics registers every collector on registry. Passing a fresh registry
// per test keeps registrations from colliding.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		AuthAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auth_attempts_total",
				Help: "Authentication attempts by action and outcome.",
			},
			[]string{"action", "outcome"},
		),
		AuthDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "auth_attempt_duration_seconds",
				Help:    "Authentication attempt duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"action"},
		),
		RateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auth_rate_limited_total",
				Help: "Requests denied by the rate limiter.",
			},
			[]string{"scope"},
		),
		RateLimitErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "auth_rate_limit_store_errors_total",
				Help: "Rate limiter store failures; requests are denied when this happens.",
			},
		),
		SessionsCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "auth_sessions_created_total",
				Help: "Sessions created after full authentication.",
			},
		),
		SessionsRevoked: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auth_sessions_revoked_total",
				Help: "Sessions revoked by reason.",
			},
			[]string{"reason"},
		),
		ReuseDetected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "auth_refresh_reuse_detected_total",
				Help: "Rotated-out refresh tokens presented again.",
			},
		),
		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auth_security_events_published_total",
				Help: "Security event deliveries by sink and result.",
			},
			[]string{"type", "sink", "result"},
		),
		EventsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auth_security_events_dropped_total",
				Help: "Security events dropped before delivery.",
			},
			[]string{"type", "reason"},
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"method", "route", "status"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		SessionsSwept: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "auth_session_index_entries_swept_total",
				Help: "Expired session index entries removed by the janitor.",
			},
		),
		BackupCodesSpent: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "auth_backup_codes_redeemed_total",
				Help: "Backup codes redeemed.",
			},
		),
	}

	registry.MustRegister(
		m.AuthAttempts, m.AuthDuration, m.RateLimited, m.RateLimitErrors,
		m.SessionsCreated, m.SessionsRevoked, m.ReuseDetected,
		m.EventsPublished, m.EventsDropped, m.HTTPRequests, m.HTTPDuration,
		m.SessionsSwept, m.BackupCodesSpent,
	)
	return m
}

// RegisterRuntime adds the Go runtime and process collectors.
func RegisterRuntime(registry *prometheus.Registry) {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// PoolStatsSource is satisfied by client.RedisClient.
type PoolStatsSource interface {
	PoolStats() *redis.PoolStats
}

// RegisterRedisPool exports the Redis connection pool counters, read at
// scrape time.
func RegisterRedisPool(registry *prometheus.Registry, src PoolStatsSource) {
	gauge := func(name, help string, read func(*redis.PoolStats) uint32) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help},
			func() float64 { return float64(read(src.PoolStats())) })
	}
	counter := func(name, help string, read func(*redis.PoolStats) uint32) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{Name: name, Help: help},
			func() float64 { return float64(read(src.PoolStats())) })
	}
	registry.MustRegister(
		gauge("redis_pool_total_connections", "Connections in the Redis pool.",
			func(s *redis.PoolStats) uint32 { return s.TotalConns }),
		gauge("redis_pool_idle_connections", "Idle connections in the Redis pool.",
			func(s *redis.PoolStats) uint32 { return s.IdleConns }),
		counter("redis_pool_hits_total", "Free connections found in the pool.",
			func(s *redis.PoolStats) uint32 { return s.Hits }),
		counter("redis_pool_misses_total", "Free connections not found in the pool.",
			func(s *redis.PoolStats) uint32 { return s.Misses }),
		counter("redis_pool_timeouts_total", "Waits for a connection that timed out.",
			func(s *redis.PoolStats) uint32 { return s.Timeouts }),
	)
}

func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// EventDropped and EventPublished let Metrics observe the event dispatcher.
func (m *Metrics) EventDropped(t events.Type, reason string) {
	m.EventsDropped.WithLabelValues(string(t), reason).Inc()
}

func (m *Metrics) EventPublished(t events.Type, sink string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.EventsPublished.WithLabelValues(string(t), sink, result).Inc()
}
