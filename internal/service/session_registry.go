package service

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"authsession-service/internal/metrics"
	"authsession-service/internal/models"
	redisrepo "authsession-service/internal/repository/redis"
)

// SessionStore is the shared-store side of the registry.
type SessionStore interface {
	Create(ctx context.Context, s *models.Session, ttl time.Duration) error
	Get(ctx context.Context, identityID, sessionID string) (*models.Session, error)
	Rotate(ctx context.Context, identityID, sessionID, presentedFingerprint, newFingerprint string, now time.Time, ttl time.Duration) error
	Touch(ctx context.Context, identityID, sessionID, newFingerprint string, now time.Time) error
	Revoke(ctx context.Context, identityID, sessionID, reason string, now time.Time) error
	RevokeAll(ctx context.Context, identityID, reason string, now time.Time) (int, error)
	List(ctx context.Context, identityID string) ([]*models.Session, error)
	SweepExpired(ctx context.Context) (int, error)
}

// ClientMeta describes the device presenting a request.
type ClientMeta struct {
	IP        string
	UserAgent string
}

// SessionRegistry tracks one record per authenticated device. Records live
// for the refresh token lifetime and slide forward on every rotation.
type SessionRegistry struct {
	store   SessionStore
	ttl     time.Duration
	now     func() time.Time
	metrics *metrics.Metrics
}

func NewSessionRegistry(store SessionStore, ttl time.Duration, m *metrics.Metrics) *SessionRegistry {
	return &SessionRegistry{store: store, ttl: ttl, now: time.Now, metrics: m}
}

// NewSessionID returns an opaque id. It is minted before the refresh token so
// the token can carry it.
func NewSessionID() string {
	return uuid.NewString()
}

func (r *SessionRegistry) Create(ctx context.Context, identityID, sessionID, fingerprint string, meta ClientMeta) error {
	now := r.now().UTC()
	err := r.store.Create(ctx, &models.Session{
		SessionID:   sessionID,
		IdentityID:  identityID,
		Fingerprint: fingerprint,
		UserAgent:   truncate(meta.UserAgent, 256),
		IP:          meta.IP,
		CreatedAt:   now,
		LastUsedAt:  now,
	}, r.ttl)
	if err != nil {
		return err
	}
	if r.metrics != nil {
		r.metrics.SessionsCreated.Inc()
	}
	return nil
}

func (r *SessionRegistry) Get(ctx context.Context, identityID, sessionID string) (*models.Session, error) {
	s, err := r.store.Get(ctx, identityID, sessionID)
	if err != nil {
		return nil, classify(err)
	}
	return s, nil
}

// Rotate swaps the refresh fingerprint. A stale fingerprint revokes the
// session and yields ErrTokenReuseDetected.
func (r *SessionRegistry) Rotate(ctx context.Context, identityID, sessionID, presented, next string) error {
	err := r.store.Rotate(ctx, identityID, sessionID, presented, next, r.now().UTC(), r.ttl)
	if errors.Is(err, redisrepo.ErrTokenReuseDetected) {
		r.revoked(redisrepo.RevokeReasonReuse, 1)
		if r.metrics != nil {
			r.metrics.ReuseDetected.Inc()
		}
	}
	if errors.Is(err, redisrepo.ErrSessionNotFound) {
		return ErrTokenInvalid
	}
	return classify(err)
}

func (r *SessionRegistry) Touch(ctx context.Context, identityID, sessionID, fingerprint string) error {
	return classify(r.store.Touch(ctx, identityID, sessionID, fingerprint, r.now().UTC()))
}

// Revoke is idempotent: revoking an already revoked session succeeds.
func (r *SessionRegistry) Revoke(ctx context.Context, identityID, sessionID, reason string) error {
	err := r.store.Revoke(ctx, identityID, sessionID, reason, r.now().UTC())
	switch {
	case err == nil:
		r.revoked(reason, 1)
		return nil
	case errors.Is(err, redisrepo.ErrSessionRevoked):
		return nil
	}
	return classify(err)
}

func (r *SessionRegistry) RevokeAll(ctx context.Context, identityID, reason string) (int, error) {
	n, err := r.store.RevokeAll(ctx, identityID, reason, r.now().UTC())
	if err != nil {
		return 0, err
	}
	r.revoked(reason, n)
	return n, nil
}

// List returns live sessions, most recently used first.
func (r *SessionRegistry) List(ctx context.Context, identityID, currentSessionID string) ([]models.SessionSummary, error) {
	sessions, err := r.store.List(ctx, identityID)
	if err != nil {
		return nil, err
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastUsedAt.After(sessions[j].LastUsedAt)
	})
	out := make([]models.SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Summary(currentSessionID))
	}
	return out, nil
}

func (r *SessionRegistry) SweepExpired(ctx context.Context) (int, error) {
	n, err := r.store.SweepExpired(ctx)
	if r.metrics != nil && n > 0 {
		r.metrics.SessionsSwept.Add(float64(n))
	}
	return n, err
}

func (r *SessionRegistry) revoked(reason string, n int) {
	if r.metrics != nil && n > 0 {
		r.metrics.SessionsRevoked.WithLabelValues(reason).Add(float64(n))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
