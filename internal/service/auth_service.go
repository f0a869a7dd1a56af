package service

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"

	"authsession-service/internal/audit"
	"authsession-service/internal/config"
	"authsession-service/internal/events"
	"authsession-service/internal/hashing"
	"authsession-service/internal/metrics"
	"authsession-service/internal/mfa"
	"authsession-service/internal/models"
	"authsession-service/internal/repository"
	redisrepo "authsession-service/internal/repository/redis"
	"authsession-service/internal/token"
	"authsession-service/internal/util"
)

// CredentialStore is the record store boundary. Implementations must apply
// RedeemBackupCode as a single compare-and-remove.
type CredentialStore interface {
	CreateIdentity(ctx context.Context, identity *models.Identity) error
	GetIdentityByEmail(ctx context.Context, email string) (*models.Identity, error)
	GetIdentity(ctx context.Context, identityID string) (*models.Identity, error)
	UpdateIdentity(ctx context.Context, identityID string, patch models.IdentityPatch) (*models.Identity, error)
	RedeemBackupCode(ctx context.Context, identityID, submitted string) (int, error)
}

// StepStore records accepted TOTP steps per identity.
type StepStore interface {
	mfa.StepStore
	ClearSteps(ctx context.Context, identityID string) error
}

// PendingTokenStore marks pending-MFA tokens as spent.
type PendingTokenStore interface {
	ConsumePendingToken(ctx context.Context, tokenID string, ttl time.Duration) (bool, error)
}

// SecretSealer encrypts MFA secrets at rest.
type SecretSealer interface {
	Seal(ctx context.Context, plaintext string) (string, error)
	Open(ctx context.Context, sealed string) (string, error)
}

type AuthState string

const (
	StateStart           AuthState = "START"
	StatePrimaryVerified AuthState = "PRIMARY_VERIFIED"
	StateMFARequired     AuthState = "MFA_REQUIRED"
	StateMFAVerified     AuthState = "MFA_VERIFIED"
	StateAuthenticated   AuthState = "AUTHENTICATED"
	StateRejected        AuthState = "REJECTED"
)

type LoginStatus string

const (
	LoginStatusAuthenticated LoginStatus = "authenticated"
	LoginStatusMFARequired   LoginStatus = "mfa_required"
)

const (
	minPasswordRunes = 8
	maxPasswordRunes = 128
	opTimeout        = 10 * time.Second
)

var defaultScopes = []string{"user"}

type TokenPair struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshExpiresIn int64  `json:"refresh_expires_in"`
	SessionID        string `json:"session_id"`
}

type LoginResult struct {
	Status           LoginStatus `json:"status"`
	State            AuthState   `json:"-"`
	IdentityID       string      `json:"-"`
	Tokens           *TokenPair  `json:"tokens,omitempty"`
	PendingToken     string      `json:"pending_token,omitempty"`
	PendingExpiresIn int64       `json:"pending_expires_in,omitempty"`
}

type MFAEnrollment struct {
	Secret          string `json:"secret"`
	ProvisioningURI string `json:"provisioning_uri"`
}

// Principal is the caller identified by a verified access token.
type Principal struct {
	IdentityID string
	SessionID  string
	Scopes     []string
}

type AuthServiceDeps struct {
	Store    CredentialStore
	Hasher   *hashing.Hasher
	TOTP     *mfa.Engine
	Steps    StepStore
	Pending  PendingTokenStore
	Issuer   *token.Issuer
	Limiter  *RateLimiter
	Sessions *SessionRegistry
	Secrets  SecretSealer
	Events   events.Publisher
	Audit    audit.Recorder
	Metrics  *metrics.Metrics
	Tokens   config.TokenConfig
	MFA      config.MFAConfig
	Session  config.SessionConfig
}

// AuthService runs the login state machine:
//
//	START -> PRIMARY_VERIFIED -> [MFA_REQUIRED -> MFA_VERIFIED] -> AUTHENTICATED
//
// with REJECTED reachable from every state.
type AuthService struct {
	store    CredentialStore
	hasher   *hashing.Hasher
	totp     *mfa.Engine
	steps    StepStore
	pending  PendingTokenStore
	issuer   *token.Issuer
	limiter  *RateLimiter
	sessions *SessionRegistry
	secrets  SecretSealer
	events   events.Publisher
	audit    audit.Recorder
	metrics  *metrics.Metrics
	tokens   config.TokenConfig
	mfaCfg   config.MFAConfig
	rotate   bool
	now      func() time.Time
}

func NewAuthService(d AuthServiceDeps) *AuthService {
	s := &AuthService{
		store:    d.Store,
		hasher:   d.Hasher,
		totp:     d.TOTP,
		steps:    d.Steps,
		pending:  d.Pending,
		issuer:   d.Issuer,
		limiter:  d.Limiter,
		sessions: d.Sessions,
		secrets:  d.Secrets,
		events:   d.Events,
		audit:    d.Audit,
		metrics:  d.Metrics,
		tokens:   d.Tokens,
		mfaCfg:   d.MFA,
		rotate:   d.Session.RotateRefreshTokens,
		now:      time.Now,
	}
	if s.audit == nil {
		s.audit = audit.NopRecorder{}
	}
	if s.events == nil {
		s.events = nopPublisher{}
	}
	return s
}

type nopPublisher struct{}

func (nopPublisher) Emit(events.Event) {}

// WithClock replaces the time source for token issuance and session records.
func (s *AuthService) WithClock(now func() time.Time) *AuthService {
	s.now = now
	s.issuer.WithClock(now)
	s.sessions.now = now
	return s
}

// Register creates an identity with a hashed password and no MFA.
func (s *AuthService) Register(ctx context.Context, email, password string, meta ClientMeta) (*models.Identity, error) {
	email = util.NormalizeIdentifier(email)
	if err := validateEmail(email); err != nil {
		return nil, err
	}
	if err := validatePassword(password); err != nil {
		return nil, err
	}
	if err := s.limiter.AllowRegister(ctx, meta.IP); err != nil {
		s.record("register", "", email, meta, audit.OutcomeRateLimited)
		return nil, err
	}

	record, err := s.hasher.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	identity := &models.Identity{
		Email:             email,
		PasswordHash:      record,
		Status:            models.IdentityActive,
		CredentialVersion: 1,
	}
	if err := s.store.CreateIdentity(ctx, identity); err != nil {
		return nil, classify(err)
	}

	util.Info("Identity registered",
		zap.String("identity_id", identity.IdentityID),
		util.Identifier("email", email))
	s.record("register", identity.IdentityID, email, meta, audit.OutcomeSuccess)
	return identity, nil
}

// Login verifies the primary factor. Identities with MFA get a pending token
// instead of a session.
func (s *AuthService) Login(ctx context.Context, identifier, password string, meta ClientMeta) (*LoginResult, error) {
	start := s.now()
	defer s.observe("login", start)

	identifier = util.NormalizeIdentifier(identifier)
	if identifier == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	// Token consumption and verification must complete together even if the
	// caller goes away.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opTimeout)
	defer cancel()

	if err := s.limiter.AllowLogin(ctx, identifier, meta.IP); err != nil {
		s.record("login", "", identifier, meta, audit.OutcomeRateLimited)
		return nil, err
	}

	identity, err := s.store.GetIdentityByEmail(ctx, identifier)
	switch {
	case errors.Is(err, repository.ErrIdentityNotFound):
		s.hasher.DummyVerify(password)
		util.Info("Login rejected: unknown identity", util.Identifier("identifier", identifier))
		s.record("login", "", identifier, meta, audit.OutcomeInvalidCredentials)
		return nil, ErrInvalidCredentials
	case err != nil:
		util.Error("Credential store lookup failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	if !identity.CanAuthenticate() {
		s.hasher.DummyVerify(password)
		util.Warn("Login rejected: identity not active",
			zap.String("identity_id", identity.IdentityID),
			zap.String("status", string(identity.Status)))
		s.record("login", identity.IdentityID, identifier, meta, audit.OutcomeLocked)
		return nil, ErrInvalidCredentials
	}

	ok, err := s.hasher.Verify(password, identity.PasswordHash)
	if err != nil {
		util.Error("Stored credential is corrupt",
			zap.String("identity_id", identity.IdentityID),
			zap.Error(err))
		s.record("login", identity.IdentityID, identifier, meta, audit.OutcomeError)
		return nil, fmt.Errorf("%w: %v", ErrCorruptCredential, err)
	}
	if !ok {
		util.Info("Login rejected: wrong password", zap.String("identity_id", identity.IdentityID))
		s.record("login", identity.IdentityID, identifier, meta, audit.OutcomeInvalidCredentials)
		return nil, ErrInvalidCredentials
	}

	// PRIMARY_VERIFIED
	s.rehashIfNeeded(ctx, identity, password)

	if identity.MFAEnabled {
		pending, err := s.issuer.IssuePendingMFAToken(identity.IdentityID, identity.CredentialVersion, s.pendingTTL())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInternal, err)
		}
		s.record("login", identity.IdentityID, identifier, meta, audit.OutcomeMFARequired)
		return &LoginResult{
			Status:           LoginStatusMFARequired,
			State:            StateMFARequired,
			IdentityID:       identity.IdentityID,
			PendingToken:     pending,
			PendingExpiresIn: int64(s.pendingTTL().Seconds()),
		}, nil
	}

	tokens, err := s.establishSession(ctx, identity, meta)
	if err != nil {
		return nil, err
	}
	s.record("login", identity.IdentityID, identifier, meta, audit.OutcomeSuccess)
	return &LoginResult{
		Status:     LoginStatusAuthenticated,
		State:      StateAuthenticated,
		IdentityID: identity.IdentityID,
		Tokens:     tokens,
	}, nil
}

// VerifyMFA completes a login with a TOTP code or a backup code. Six-digit
// input is treated as TOTP, anything else as a backup code.
func (s *AuthService) VerifyMFA(ctx context.Context, pendingToken, code string, meta ClientMeta) (*LoginResult, error) {
	start := s.now()
	defer s.observe("mfa_verify", start)

	claims, err := s.issuer.VerifyPendingMFAToken(pendingToken)
	if err != nil {
		s.record("mfa_verify", "", "", meta, audit.OutcomeTokenInvalid)
		return nil, ErrTokenInvalid
	}
	identityID := claims.Subject

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opTimeout)
	defer cancel()

	if err := s.limiter.AllowMFA(ctx, identityID); err != nil {
		s.record("mfa_verify", identityID, "", meta, audit.OutcomeRateLimited)
		return nil, err
	}

	identity, err := s.store.GetIdentity(ctx, identityID)
	if err != nil {
		if errors.Is(err, repository.ErrIdentityNotFound) {
			return nil, ErrTokenInvalid
		}
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if !identity.CanAuthenticate() || !identity.MFAEnabled || identity.CredentialVersion != claims.CredentialVersion {
		util.Info("Pending MFA token no longer valid for identity",
			zap.String("identity_id", identityID),
			zap.Bool("mfa_enabled", identity.MFAEnabled),
			zap.String("status", string(identity.Status)))
		s.record("mfa_verify", identityID, "", meta, audit.OutcomeTokenInvalid)
		return nil, ErrTokenInvalid
	}

	code = strings.TrimSpace(code)
	if mfa.IsTOTPCode(code) {
		err = s.verifyTOTP(ctx, identity, identity.MFASecret, code)
	} else {
		err = s.redeemBackupCode(ctx, identity, code)
	}
	if err != nil {
		outcome := audit.OutcomeInvalidMFACode
		if !errors.Is(err, ErrInvalidMFACode) && !errors.Is(err, ErrNoBackupCodesRemaining) {
			outcome = audit.OutcomeError
		}
		s.record("mfa_verify", identityID, "", meta, outcome)
		return nil, err
	}

	// MFA_VERIFIED. The pending token is spent exactly once.
	fresh, err := s.pending.ConsumePendingToken(ctx, claims.ID, claims.ExpiresAt.Time.Sub(s.now())+time.Minute)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if !fresh {
		util.Warn("Pending MFA token replayed", zap.String("identity_id", identityID))
		s.record("mfa_verify", identityID, "", meta, audit.OutcomeTokenInvalid)
		return nil, ErrTokenInvalid
	}

	tokens, err := s.establishSession(ctx, identity, meta)
	if err != nil {
		return nil, err
	}
	s.record("mfa_verify", identityID, "", meta, audit.OutcomeSuccess)
	return &LoginResult{
		Status:     LoginStatusAuthenticated,
		State:      StateAuthenticated,
		IdentityID: identityID,
		Tokens:     tokens,
	}, nil
}

// Refresh exchanges a refresh token for a new pair. Presenting a rotated-out
// token revokes the session and raises a security event; the caller only
// sees ErrTokenInvalid through PublicError.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string, meta ClientMeta) (*TokenPair, error) {
	start := s.now()
	defer s.observe("refresh", start)

	claims, err := s.issuer.ParseRefreshToken(refreshToken)
	if err != nil {
		s.record("refresh", "", "", meta, audit.OutcomeTokenInvalid)
		return nil, ErrTokenInvalid
	}
	identityID, sessionID := claims.Subject, claims.SessionID

	identity, err := s.store.GetIdentity(ctx, identityID)
	if err != nil {
		if errors.Is(err, repository.ErrIdentityNotFound) {
			return nil, ErrTokenInvalid
		}
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if !identity.CanAuthenticate() {
		_ = s.sessions.Revoke(ctx, identityID, sessionID, redisrepo.RevokeReasonIneligible)
		s.record("refresh", identityID, "", meta, audit.OutcomeLocked)
		return nil, ErrAccountLocked
	}

	presented := token.Fingerprint(refreshToken)
	next := refreshToken
	if s.rotate {
		var fp string
		next, fp, err = s.issuer.IssueRefreshToken(identityID, sessionID, s.tokens.RefreshTTL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInternal, err)
		}
		err = s.sessions.Rotate(ctx, identityID, sessionID, presented, fp)
	} else {
		err = s.checkAndTouch(ctx, identityID, sessionID, refreshToken)
	}

	if errors.Is(err, ErrTokenReuseDetected) {
		util.Warn("Refresh token reuse detected, session revoked",
			zap.String("identity_id", identityID),
			zap.String("session_id", sessionID),
			zap.String("ip", meta.IP))
		s.events.Emit(events.NewSessionReuseDetected(identityID, sessionID, s.now()))
		s.record("refresh", identityID, "", meta, audit.OutcomeReuseDetected)
		return nil, err
	}
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			err = ErrTokenInvalid
		}
		s.record("refresh", identityID, "", meta, audit.OutcomeTokenInvalid)
		return nil, err
	}

	access, err := s.issuer.IssueAccessToken(identityID, sessionID, defaultScopes, s.tokens.AccessTTL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	s.record("refresh", identityID, "", meta, audit.OutcomeSuccess)
	return s.pair(access, next, sessionID), nil
}

// checkAndTouch validates a refresh token against the stored fingerprint
// without rotating it.
func (s *AuthService) checkAndTouch(ctx context.Context, identityID, sessionID, raw string) error {
	session, err := s.sessions.Get(ctx, identityID, sessionID)
	if err != nil {
		return ErrTokenInvalid
	}
	if session.Revoked || !s.issuer.VerifyRefreshToken(raw, session.Fingerprint) {
		return ErrTokenInvalid
	}
	return s.sessions.Touch(ctx, identityID, sessionID, session.Fingerprint)
}

// Logout revokes the caller's own session.
func (s *AuthService) Logout(ctx context.Context, p *Principal, meta ClientMeta) error {
	if err := s.sessions.Revoke(ctx, p.IdentityID, p.SessionID, redisrepo.RevokeReasonLogout); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil
		}
		return err
	}
	s.record("logout", p.IdentityID, "", meta, audit.OutcomeSuccess)
	return nil
}

func (s *AuthService) RevokeSession(ctx context.Context, identityID, sessionID string) error {
	return s.sessions.Revoke(ctx, identityID, sessionID, redisrepo.RevokeReasonUser)
}

func (s *AuthService) RevokeAllSessions(ctx context.Context, identityID string) (int, error) {
	return s.sessions.RevokeAll(ctx, identityID, redisrepo.RevokeReasonAll)
}

func (s *AuthService) ListSessions(ctx context.Context, identityID, currentSessionID string) ([]models.SessionSummary, error) {
	return s.sessions.List(ctx, identityID, currentSessionID)
}

// ChangePassword re-verifies the current password and replaces the hash.
// Bumping the credential version invalidates outstanding pending-MFA tokens.
// Other sessions are revoked only when revokeOthers is set.
func (s *AuthService) ChangePassword(ctx context.Context, p *Principal, current, next string, revokeOthers bool, meta ClientMeta) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opTimeout)
	defer cancel()

	identity, err := s.reverifyPassword(ctx, "password_change", p.IdentityID, current, meta)
	if err != nil {
		return err
	}
	if err := validatePassword(next); err != nil {
		return err
	}
	record, err := s.hasher.Hash(next)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	read := identity.CredentialVersion
	version := read + 1
	if _, err := s.store.UpdateIdentity(ctx, identity.IdentityID, models.IdentityPatch{
		PasswordHash:              &record,
		CredentialVersion:         &version,
		ExpectedCredentialVersion: &read,
	}); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			// Another change landed after our read; the current password
			// we verified is no longer current.
			util.Warn("Concurrent password change rejected", zap.String("identity_id", identity.IdentityID))
			s.record("password_change", identity.IdentityID, "", meta, audit.OutcomeInvalidCredentials)
			return ErrInvalidCredentials
		}
		return fmt.Errorf("failed to store new password: %w", err)
	}

	util.Info("Password changed",
		zap.String("identity_id", identity.IdentityID),
		zap.Bool("revoke_others", revokeOthers))
	s.record("password_change", identity.IdentityID, "", meta, audit.OutcomeSuccess)

	if revokeOthers {
		return s.revokeOtherSessions(ctx, identity.IdentityID, p.SessionID)
	}
	return nil
}

func (s *AuthService) revokeOtherSessions(ctx context.Context, identityID, keep string) error {
	sessions, err := s.sessions.List(ctx, identityID, keep)
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		if sess.SessionID == keep {
			continue
		}
		if err := s.sessions.Revoke(ctx, identityID, sess.SessionID, redisrepo.RevokeReasonAll); err != nil && !errors.Is(err, ErrSessionNotFound) {
			return err
		}
	}
	return nil
}

// BeginMFAEnrollment stores a sealed candidate secret. MFA stays off until
// ConfirmMFAEnrollment proves the authenticator works.
func (s *AuthService) BeginMFAEnrollment(ctx context.Context, identityID string) (*MFAEnrollment, error) {
	identity, err := s.activeIdentity(ctx, identityID)
	if err != nil {
		return nil, err
	}
	if identity.MFAEnabled {
		return nil, ErrMFAAlreadyEnrolled
	}

	enrollment, err := s.totp.GenerateSecret(identity.Email)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	sealed, err := s.secrets.Seal(ctx, enrollment.Secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if _, err := s.store.UpdateIdentity(ctx, identityID, models.IdentityPatch{PendingMFASecret: &sealed}); err != nil {
		return nil, fmt.Errorf("failed to store pending mfa secret: %w", err)
	}

	util.Info("MFA enrollment started", zap.String("identity_id", identityID))
	return &MFAEnrollment{Secret: enrollment.Secret, ProvisioningURI: enrollment.ProvisioningURI}, nil
}

// ConfirmMFAEnrollment activates the pending secret and returns the backup
// codes. They are never retrievable again.
func (s *AuthService) ConfirmMFAEnrollment(ctx context.Context, identityID, code string) ([]string, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opTimeout)
	defer cancel()

	identity, err := s.activeIdentity(ctx, identityID)
	if err != nil {
		return nil, err
	}
	if identity.MFAEnabled {
		return nil, ErrMFAAlreadyEnrolled
	}
	if identity.PendingMFASecret == "" {
		return nil, ErrMFANotEnrolled
	}
	if err := s.limiter.AllowMFA(ctx, identityID); err != nil {
		return nil, err
	}
	if err := s.verifyTOTP(ctx, identity, identity.PendingMFASecret, strings.TrimSpace(code)); err != nil {
		return nil, err
	}

	codes, hashes, err := mfa.GenerateBackupCodes(s.mfaCfg.BackupCodeCount)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	enabled := true
	empty := ""
	if _, err := s.store.UpdateIdentity(ctx, identityID, models.IdentityPatch{
		MFAEnabled:       &enabled,
		MFASecret:        &identity.PendingMFASecret,
		PendingMFASecret: &empty,
		BackupCodeHashes: &hashes,
	}); err != nil {
		return nil, fmt.Errorf("failed to enable mfa: %w", err)
	}

	util.Info("MFA enabled",
		zap.String("identity_id", identityID),
		zap.Int("backup_codes", len(codes)))
	return codes, nil
}

// DisableMFA requires the password and discards the secret and backup codes.
func (s *AuthService) DisableMFA(ctx context.Context, identityID, password string, meta ClientMeta) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opTimeout)
	defer cancel()

	identity, err := s.reverifyPassword(ctx, "mfa_disable", identityID, password, meta)
	if err != nil {
		return err
	}
	if !identity.MFAEnabled {
		return ErrMFANotEnrolled
	}

	disabled := false
	empty := ""
	none := []string{}
	if _, err := s.store.UpdateIdentity(ctx, identityID, models.IdentityPatch{
		MFAEnabled:       &disabled,
		MFASecret:        &empty,
		PendingMFASecret: &empty,
		BackupCodeHashes: &none,
	}); err != nil {
		return fmt.Errorf("failed to disable mfa: %w", err)
	}
	if err := s.steps.ClearSteps(ctx, identityID); err != nil {
		util.Warn("Failed to clear totp steps", zap.String("identity_id", identityID), zap.Error(err))
	}

	util.Info("MFA disabled", zap.String("identity_id", identityID))
	s.record("mfa_disable", identityID, "", meta, audit.OutcomeSuccess)
	return nil
}

// RegenerateBackupCodes replaces the whole backup code set.
func (s *AuthService) RegenerateBackupCodes(ctx context.Context, identityID, password string, meta ClientMeta) ([]string, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opTimeout)
	defer cancel()

	identity, err := s.reverifyPassword(ctx, "backup_codes", identityID, password, meta)
	if err != nil {
		return nil, err
	}
	if !identity.MFAEnabled {
		return nil, ErrMFANotEnrolled
	}

	codes, hashes, err := mfa.GenerateBackupCodes(s.mfaCfg.BackupCodeCount)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if _, err := s.store.UpdateIdentity(ctx, identityID, models.IdentityPatch{BackupCodeHashes: &hashes}); err != nil {
		return nil, fmt.Errorf("failed to store backup codes: %w", err)
	}
	util.Info("Backup codes regenerated", zap.String("identity_id", identityID))
	return codes, nil
}

// LockIdentity blocks authentication, revokes every session and emits
// account_locked.
func (s *AuthService) LockIdentity(ctx context.Context, identityID, reason string) error {
	locked := models.IdentityLocked
	if _, err := s.store.UpdateIdentity(ctx, identityID, models.IdentityPatch{
		Status:       &locked,
		LockedReason: &reason,
	}); err != nil {
		if errors.Is(err, repository.ErrIdentityNotFound) {
			return ErrInvalidInput
		}
		return fmt.Errorf("failed to lock identity: %w", err)
	}
	n, err := s.sessions.RevokeAll(ctx, identityID, redisrepo.RevokeReasonLocked)
	if err != nil {
		return fmt.Errorf("identity locked but session revocation failed: %w", err)
	}

	util.Warn("Identity locked",
		zap.String("identity_id", identityID),
		zap.String("reason", reason),
		zap.Int("sessions_revoked", n))
	s.events.Emit(events.NewAccountLocked(identityID, reason, s.now()))
	return nil
}

func (s *AuthService) UnlockIdentity(ctx context.Context, identityID string) error {
	active := models.IdentityActive
	empty := ""
	identity, err := s.store.UpdateIdentity(ctx, identityID, models.IdentityPatch{
		Status:       &active,
		LockedReason: &empty,
	})
	if err != nil {
		if errors.Is(err, repository.ErrIdentityNotFound) {
			return ErrInvalidInput
		}
		return fmt.Errorf("failed to unlock identity: %w", err)
	}
	if err := s.limiter.ResetIdentity(ctx, identity.Email, identityID); err != nil {
		util.Warn("Failed to reset rate limits on unlock", zap.String("identity_id", identityID), zap.Error(err))
	}
	util.Info("Identity unlocked", zap.String("identity_id", identityID))
	return nil
}

// VerifyAccessToken is purely cryptographic: a revoked session's access
// tokens stay valid until they expire.
func (s *AuthService) VerifyAccessToken(raw string) (*Principal, error) {
	claims, err := s.issuer.VerifyAccessToken(raw)
	if err != nil {
		return nil, ErrTokenInvalid
	}
	return &Principal{
		IdentityID: claims.Subject,
		SessionID:  claims.SessionID,
		Scopes:     claims.Scopes,
	}, nil
}

func (s *AuthService) establishSession(ctx context.Context, identity *models.Identity, meta ClientMeta) (*TokenPair, error) {
	sessionID := NewSessionID()
	refresh, fingerprint, err := s.issuer.IssueRefreshToken(identity.IdentityID, sessionID, s.tokens.RefreshTTL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if err := s.sessions.Create(ctx, identity.IdentityID, sessionID, fingerprint, meta); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	access, err := s.issuer.IssueAccessToken(identity.IdentityID, sessionID, defaultScopes, s.tokens.AccessTTL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	now := s.now().UTC()
	if _, err := s.store.UpdateIdentity(ctx, identity.IdentityID, models.IdentityPatch{LastLoginAt: &now}); err != nil {
		util.Warn("Failed to record last login", zap.String("identity_id", identity.IdentityID), zap.Error(err))
	}
	return s.pair(access, refresh, sessionID), nil
}

func (s *AuthService) pair(access, refresh, sessionID string) *TokenPair {
	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		TokenType:        "Bearer",
		ExpiresIn:        int64(s.tokens.AccessTTL.Seconds()),
		RefreshExpiresIn: int64(s.tokens.RefreshTTL.Seconds()),
		SessionID:        sessionID,
	}
}

func (s *AuthService) verifyTOTP(ctx context.Context, identity *models.Identity, sealedSecret, code string) error {
	secret, err := s.secrets.Open(ctx, sealedSecret)
	if err != nil {
		util.Error("Failed to open mfa secret", zap.String("identity_id", identity.IdentityID), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrCorruptCredential, err)
	}
	err = s.totp.Verify(ctx, s.steps, identity.IdentityID, secret, code, s.now())
	if errors.Is(err, mfa.ErrCodeReplayed) {
		util.Warn("TOTP code replayed", zap.String("identity_id", identity.IdentityID))
	}
	if errors.Is(err, mfa.ErrInvalidCode) {
		return ErrInvalidMFACode
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	return nil
}

func (s *AuthService) redeemBackupCode(ctx context.Context, identity *models.Identity, code string) error {
	remaining, err := s.store.RedeemBackupCode(ctx, identity.IdentityID, code)
	if err != nil {
		if errors.Is(err, mfa.ErrInvalidCode) || errors.Is(err, mfa.ErrNoBackupCodesRemaining) {
			return classify(err)
		}
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if s.metrics != nil {
		s.metrics.BackupCodesSpent.Inc()
	}
	util.Info("Backup code redeemed",
		zap.String("identity_id", identity.IdentityID),
		zap.Int("remaining", remaining))
	return nil
}

// reverifyPassword gates sensitive account changes behind the current
// password, with the same rate limit as login.
func (s *AuthService) reverifyPassword(ctx context.Context, action, identityID, password string, meta ClientMeta) (*models.Identity, error) {
	identity, err := s.activeIdentity(ctx, identityID)
	if err != nil {
		return nil, err
	}
	if err := s.limiter.AllowLogin(ctx, identity.Email, meta.IP); err != nil {
		s.record(action, identityID, "", meta, audit.OutcomeRateLimited)
		return nil, err
	}
	ok, err := s.hasher.Verify(password, identity.PasswordHash)
	if err != nil {
		util.Error("Stored credential is corrupt", zap.String("identity_id", identityID), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrCorruptCredential, err)
	}
	if !ok {
		s.record(action, identityID, "", meta, audit.OutcomeInvalidCredentials)
		return nil, ErrInvalidCredentials
	}
	return identity, nil
}

func (s *AuthService) activeIdentity(ctx context.Context, identityID string) (*models.Identity, error) {
	identity, err := s.store.GetIdentity(ctx, identityID)
	if err != nil {
		if errors.Is(err, repository.ErrIdentityNotFound) {
			return nil, ErrTokenInvalid
		}
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if !identity.CanAuthenticate() {
		return nil, ErrAccountLocked
	}
	return identity, nil
}

func (s *AuthService) rehashIfNeeded(ctx context.Context, identity *models.Identity, password string) {
	if !s.hasher.NeedsRehash(identity.PasswordHash) {
		return
	}
	record, err := s.hasher.Hash(password)
	if err != nil {
		util.Warn("Rehash failed", zap.String("identity_id", identity.IdentityID), zap.Error(err))
		return
	}
	if _, err := s.store.UpdateIdentity(ctx, identity.IdentityID, models.IdentityPatch{PasswordHash: &record}); err != nil {
		util.Warn("Failed to store rehashed password", zap.String("identity_id", identity.IdentityID), zap.Error(err))
		return
	}
	util.Info("Password hash upgraded", zap.String("identity_id", identity.IdentityID))
}

func (s *AuthService) pendingTTL() time.Duration {
	ttl := s.tokens.PendingMFATTL
	if ttl <= 0 || ttl > token.MaxPendingMFATTL {
		return token.MaxPendingMFATTL
	}
	return ttl
}

func (s *AuthService) record(action, identityID, identifier string, meta ClientMeta, outcome audit.Outcome) {
	if s.metrics != nil {
		s.metrics.AuthAttempts.WithLabelValues(action, string(outcome)).Inc()
	}
	s.audit.Record(audit.Attempt{
		OccurredAt: s.now(),
		Action:     action,
		IdentityID: identityID,
		Identifier: identifier,
		IP:         meta.IP,
		UserAgent:  meta.UserAgent,
		Outcome:    outcome,
	})
}

func (s *AuthService) observe(action string, start time.Time) {
	if s.metrics != nil {
		s.metrics.AuthDuration.WithLabelValues(action).Observe(time.Since(start).Seconds())
	}
}

func validateEmail(email string) error {
	if len(email) == 0 || len(email) > 254 {
		return fmt.Errorf("%w: email", ErrInvalidInput)
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || !strings.Contains(email, "@") {
		return fmt.Errorf("%w: email", ErrInvalidInput)
	}
	return nil
}

// validatePassword enforces length and at least two character classes.
func validatePassword(password string) error {
	n := utf8.RuneCountInString(password)
	if n < minPasswordRunes || n > maxPasswordRunes {
		return ErrWeakPassword
	}
	var lower, upper, digit, other bool
	for _, r := range password {
		switch {
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		default:
			other = true
		}
	}
	classes := 0
	for _, present := range []bool{lower, upper, digit, other} {
		if present {
			classes++
		}
	}
	if classes < 2 {
		return ErrWeakPassword
	}
	return nil
}
