package service

import (
	"context"

	"go.uber.org/zap"

	"authsession-service/internal/config"
	"authsession-service/internal/metrics"
	redisrepo "authsession-service/internal/repository/redis"
	"authsession-service/internal/util"
)

// RateLimitStore consumes one token from the bucket at key.
type RateLimitStore interface {
	Allow(ctx context.Context, key string, rule config.RateRule) (redisrepo.Decision, error)
	Reset(ctx context.Context, key string) error
}

// RateLimiter applies the authentication limits on top of a token bucket
// store. It fails closed: a store error denies the request.
type RateLimiter struct {
	store   RateLimitStore
	rules   config.RateLimitConfig
	metrics *metrics.Metrics
}

func NewRateLimiter(store RateLimitStore, rules config.RateLimitConfig, m *metrics.Metrics) *RateLimiter {
	return &RateLimiter{store: store, rules: rules, metrics: m}
}

// Each key kind has its own namespace. Login identifiers are client
// supplied, so an identifier shaped like an IP must not land in an IP bucket.
func loginIdentityKey(identifier string) string { return "login:id:{" + identifier + "}" }
func loginIPKey(ip string) string               { return "login:ip:{" + ip + "}" }
func registerIPKey(ip string) string            { return "register:ip:{" + ip + "}" }
func mfaKey(identityID string) string           { return "mfa:id:{" + identityID + "}" }

// AllowLogin checks the identity bucket, then the IP bucket. Either denial
// denies; a request denied on identity does not spend IP budget.
func (r *RateLimiter) AllowLogin(ctx context.Context, identifier, ip string) error {
	if err := r.allow(ctx, "login_identity", loginIdentityKey(identifier), r.rules.LoginIdentity); err != nil {
		return err
	}
	if ip == "" {
		return nil
	}
	return r.allow(ctx, "login_ip", loginIPKey(ip), r.rules.LoginIP)
}

// AllowRegister shares the login IP rule under its own key.
func (r *RateLimiter) AllowRegister(ctx context.Context, ip string) error {
	if ip == "" {
		return nil
	}
	return r.allow(ctx, "register_ip", registerIPKey(ip), r.rules.LoginIP)
}

func (r *RateLimiter) AllowMFA(ctx context.Context, identityID string) error {
	return r.allow(ctx, "mfa", mfaKey(identityID), r.rules.MFA)
}

// ResetIdentity clears the per-identity buckets, used on unlock.
func (r *RateLimiter) ResetIdentity(ctx context.Context, identifier, identityID string) error {
	if err := r.store.Reset(ctx, loginIdentityKey(identifier)); err != nil {
		return err
	}
	return r.store.Reset(ctx, mfaKey(identityID))
}

func (r *RateLimiter) allow(ctx context.Context, scope, key string, rule config.RateRule) error {
	d, err := r.store.Allow(ctx, key, rule)
	if err != nil {
		util.Error("Rate limiter unavailable, denying request", zap.String("scope", scope), zap.Error(err))
		if r.metrics != nil {
			r.metrics.RateLimitErrors.Inc()
		}
		return ErrRateLimited
	}
	if !d.Allowed {
		if r.metrics != nil {
			r.metrics.RateLimited.WithLabelValues(scope).Inc()
		}
		util.Info("Rate limit tripped", zap.String("scope", scope), zap.Duration("retry_after", d.RetryAfter))
		return ErrRateLimited
	}
	return nil
}
