package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"authsession-service/internal/metrics"
)

// HealthChecker reports per-dependency failures; an empty map is healthy.
type HealthChecker interface {
	HealthCheck(ctx context.Context) map[string]error
}

type RouterOptions struct {
	RequireTLS  bool
	CORSOrigins []string
	AdminAPIKey string
	Registry    *prometheus.Registry
	Metrics     *metrics.Metrics
	Health      HealthChecker
}

// NewRouter creates and configures the Chi router with all middleware and routes
func NewRouter(authHandler *AuthHandler, opts RouterOptions, logger *zap.Logger) chi.Router {
	router := chi.NewRouter()

	if opts.RequireTLS {
		router.Use(requireHTTPS)
	}

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(LoggerMiddleware(logger))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))
	if opts.Metrics != nil {
		router.Use(MetricsMiddleware(opts.Metrics))
	}

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"https://*"}
	}
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if opts.Health == nil {
			respondWithJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "authsession-service"})
			return
		}
		failures := opts.Health.HealthCheck(r.Context())
		if len(failures) == 0 {
			respondWithJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "authsession-service"})
			return
		}
		detail := make(map[string]string, len(failures))
		for name, err := range failures {
			detail[name] = err.Error()
		}
		logger.Warn("Health check failed", zap.Any("failures", detail))
		respondWithJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "failures": detail})
	})

	if opts.Registry != nil {
		router.Handle("/metrics", metrics.Handler(opts.Registry))
	}

	router.Route("/api/v1", func(r chi.Router) {
		authHandler.RegisterRoutes(r)
		authHandler.RegisterAdminRoutes(r, opts.AdminAPIKey)
	})

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondWithJSON(w, http.StatusNotFound, Response{Error: "endpoint not found"})
	})

	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respondWithJSON(w, http.StatusMethodNotAllowed, Response{Error: "method not allowed"})
	})

	return router
}
