package token

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"authsession-service/internal/config"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrTokenInvalid = errors.New("token invalid")
	ErrNoSigningKey = errors.New("no active signing key")
)

type Type string

const (
	TypeAccess     Type = "access"
	TypeRefresh    Type = "refresh"
	TypePendingMFA Type = "pending_mfa"

	MaxPendingMFATTL = 5 * time.Minute
)

type Claims struct {
	Type              Type     `json:"typ"`
	SessionID         string   `json:"sid,omitempty"`
	Scopes            []string `json:"scp,omitempty"`
	CredentialVersion int64    `json:"cv,omitempty"`
	jwt.RegisteredClaims
}

// Issuer signs with the active key and verifies against every key in the
// ring, so keys can be rotated by adding a new kid before retiring the old one.
type Issuer struct {
	issuer    string
	audience  string
	keys      map[string][]byte
	activeKID string
	now       func() time.Time
}

func NewIssuer(cfg config.TokenConfig) (*Issuer, error) {
	keys := cfg.SigningKeys
	active := cfg.ActiveKeyID
	if len(keys) == 0 {
		// Ephemeral development key; tokens do not survive a restart.
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("failed to generate signing key: %w", err)
		}
		if active == "" {
			active = "dev"
		}
		keys = map[string][]byte{active: key}
	}
	if _, ok := keys[active]; !ok {
		return nil, fmt.Errorf("%w: kid %q", ErrNoSigningKey, active)
	}
	return &Issuer{
		issuer:    cfg.Issuer,
		audience:  cfg.Audience,
		keys:      keys,
		activeKID: active,
		now:       time.Now,
	}, nil
}

// WithClock replaces the time source used for iat/exp and validation.
func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	i.now = now
	return i
}

func (i *Issuer) IssueAccessToken(subject, sessionID string, scopes []string, ttl time.Duration) (string, error) {
	return i.sign(Claims{
		Type:             TypeAccess,
		SessionID:        sessionID,
		Scopes:           scopes,
		RegisteredClaims: i.registered(subject, ttl),
	})
}

// IssueRefreshToken returns the raw token for the client and the fingerprint
// to persist in the session record.
func (i *Issuer) IssueRefreshToken(subject, sessionID string, ttl time.Duration) (string, string, error) {
	raw, err := i.sign(Claims{
		Type:             TypeRefresh,
		SessionID:        sessionID,
		RegisteredClaims: i.registered(subject, ttl),
	})
	if err != nil {
		return "", "", err
	}
	return raw, Fingerprint(raw), nil
}

func (i *Issuer) IssuePendingMFAToken(subject string, credentialVersion int64, ttl time.Duration) (string, error) {
	if ttl <= 0 || ttl > MaxPendingMFATTL {
		ttl = MaxPendingMFATTL
	}
	return i.sign(Claims{
		Type:              TypePendingMFA,
		CredentialVersion: credentialVersion,
		RegisteredClaims:  i.registered(subject, ttl),
	})
}

func (i *Issuer) VerifyAccessToken(raw string) (*Claims, error) {
	return i.parse(raw, TypeAccess)
}

func (i *Issuer) VerifyPendingMFAToken(raw string) (*Claims, error) {
	return i.parse(raw, TypePendingMFA)
}

// ParseRefreshToken checks signature, expiry and type only. Callers must also
// match the fingerprint against the live session record.
func (i *Issuer) ParseRefreshToken(raw string) (*Claims, error) {
	claims, err := i.parse(raw, TypeRefresh)
	if err != nil {
		return nil, err
	}
	if claims.SessionID == "" {
		return nil, fmt.Errorf("%w: missing session id", ErrTokenInvalid)
	}
	return claims, nil
}

// VerifyRefreshToken reports whether raw is cryptographically valid and
// matches fingerprint.
func (i *Issuer) VerifyRefreshToken(raw, fingerprint string) bool {
	if fingerprint == "" {
		return false
	}
	if _, err := i.ParseRefreshToken(raw); err != nil {
		return false
	}
	return FingerprintsEqual(Fingerprint(raw), fingerprint)
}

func Fingerprint(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func FingerprintsEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (i *Issuer) registered(subject string, ttl time.Duration) jwt.RegisteredClaims {
	now := i.now()
	rc := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   subject,
		Issuer:    i.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if i.audience != "" {
		rc.Audience = jwt.ClaimStrings{i.audience}
	}
	return rc
}

func (i *Issuer) sign(claims Claims) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tok.Header["kid"] = i.activeKID
	signed, err := tok.SignedString(i.keys[i.activeKID])
	if err != nil {
		return "", fmt.Errorf("failed to sign %s token: %w", claims.Type, err)
	}
	return signed, nil
}

func (i *Issuer) parse(raw string, want Type) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(i.now),
	}
	if i.issuer != "" {
		opts = append(opts, jwt.WithIssuer(i.issuer))
	}
	if i.audience != "" {
		opts = append(opts, jwt.WithAudience(i.audience))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		key, ok := i.keys[kid]
		if !ok {
			return nil, fmt.Errorf("unknown kid %q", kid)
		}
		return key, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if claims.Type != want {
		return nil, fmt.Errorf("%w: expected %s token, got %q", ErrTokenInvalid, want, claims.Type)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}
	return claims, nil
}
