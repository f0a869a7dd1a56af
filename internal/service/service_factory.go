package service

import (
	"fmt"

	"authsession-service/internal/audit"
	"authsession-service/internal/client"
	"authsession-service/internal/config"
	"authsession-service/internal/events"
	"authsession-service/internal/hashing"
	"authsession-service/internal/metrics"
	"authsession-service/internal/mfa"
	redisrepo "authsession-service/internal/repository/redis"
	"authsession-service/internal/token"
)

// ServiceFactory creates and caches service instances on top of the shared
// clients owned by the application factory.
type ServiceFactory struct {
	cfg       *config.Config
	store     CredentialStore
	redis     *client.RedisClient
	hasher    *hashing.Hasher
	sealer    SecretSealer
	issuer    *token.Issuer
	publisher events.Publisher
	recorder  audit.Recorder
	metrics   *metrics.Metrics

	limiter     *RateLimiter
	sessions    *SessionRegistry
	authService *AuthService
}

func NewServiceFactory(
	cfg *config.Config,
	store CredentialStore,
	redis *client.RedisClient,
	hasher *hashing.Hasher,
	sealer SecretSealer,
	publisher events.Publisher,
	recorder audit.Recorder,
	m *metrics.Metrics,
) (*ServiceFactory, error) {
	issuer, err := token.NewIssuer(cfg.Tokens)
	if err != nil {
		return nil, fmt.Errorf("failed to create token issuer: %w", err)
	}
	return &ServiceFactory{
		cfg:       cfg,
		store:     store,
		redis:     redis,
		hasher:    hasher,
		sealer:    sealer,
		issuer:    issuer,
		publisher: publisher,
		recorder:  recorder,
		metrics:   m,
	}, nil
}

func (f *ServiceFactory) RateLimiter() *RateLimiter {
	if f.limiter == nil {
		f.limiter = NewRateLimiter(redisrepo.NewRateLimitCache(f.redis), f.cfg.RateLimit, f.metrics)
	}
	return f.limiter
}

func (f *ServiceFactory) SessionRegistry() *SessionRegistry {
	if f.sessions == nil {
		f.sessions = NewSessionRegistry(redisrepo.NewSessionCache(f.redis), f.cfg.Tokens.RefreshTTL, f.metrics)
	}
	return f.sessions
}

// AuthService returns the auth service instance (singleton).
func (f *ServiceFactory) AuthService() *AuthService {
	if f.authService == nil {
		mfaCache := redisrepo.NewMFACache(f.redis)
		f.authService = NewAuthService(AuthServiceDeps{
			Store:    f.store,
			Hasher:   f.hasher,
			TOTP:     mfa.NewEngine(f.cfg.MFA.Issuer, f.cfg.MFA.Window),
			Steps:    mfaCache,
			Pending:  mfaCache,
			Issuer:   f.issuer,
			Limiter:  f.RateLimiter(),
			Sessions: f.SessionRegistry(),
			Secrets:  f.sealer,
			Events:   f.publisher,
			Audit:    f.recorder,
			Metrics:  f.metrics,
			Tokens:   f.cfg.Tokens,
			MFA:      f.cfg.MFA,
			Session:  f.cfg.Session,
		})
	}
	return f.authService
}
