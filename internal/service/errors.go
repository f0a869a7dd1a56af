package service

import (
	"errors"

	"authsession-service/internal/mfa"
	"authsession-service/internal/repository"
	redisrepo "authsession-service/internal/repository/redis"
	"authsession-service/internal/token"
)

// Error kinds returned by AuthService. Callers classify with errors.Is;
// PublicError collapses them to what may be shown to a client.
var (
	ErrInvalidCredentials     = errors.New("invalid credentials")
	ErrRateLimited            = errors.New("too many attempts")
	ErrInvalidMFACode         = errors.New("invalid verification code")
	ErrNoBackupCodesRemaining = errors.New("no backup codes remaining")
	ErrTokenInvalid           = errors.New("token invalid or expired")
	ErrTokenReuseDetected     = errors.New("refresh token reuse detected")
	ErrAccountLocked          = errors.New("account locked")
	ErrCorruptCredential      = errors.New("corrupt credential")

	ErrWeakPassword       = errors.New("password does not meet policy")
	ErrIdentityExists     = errors.New("identity already exists")
	ErrMFANotEnrolled     = errors.New("mfa not enrolled")
	ErrMFAAlreadyEnrolled = errors.New("mfa already enrolled")
	ErrSessionNotFound    = errors.New("session not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrInternal           = errors.New("internal error")
)

var publicKinds = []error{
	ErrInvalidCredentials,
	ErrRateLimited,
	ErrInvalidMFACode,
	ErrNoBackupCodesRemaining,
	ErrTokenInvalid,
	ErrAccountLocked,
	ErrWeakPassword,
	ErrIdentityExists,
	ErrMFANotEnrolled,
	ErrMFAAlreadyEnrolled,
	ErrSessionNotFound,
	ErrInvalidInput,
}

// PublicError maps err to one of the externally visible kinds. Reuse
// detection reads as an invalid token and a corrupt record as invalid
// credentials; anything unrecognised becomes ErrInternal.
func PublicError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrTokenReuseDetected):
		return ErrTokenInvalid
	case errors.Is(err, ErrCorruptCredential):
		return ErrInvalidCredentials
	}
	for _, kind := range publicKinds {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return ErrInternal
}

// classify translates lower-layer sentinels into service kinds.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redisrepo.ErrTokenReuseDetected):
		return errors.Join(ErrTokenReuseDetected, ErrTokenInvalid)
	case errors.Is(err, redisrepo.ErrSessionRevoked),
		errors.Is(err, token.ErrTokenInvalid):
		return ErrTokenInvalid
	case errors.Is(err, redisrepo.ErrSessionNotFound):
		return ErrSessionNotFound
	case errors.Is(err, mfa.ErrNoBackupCodesRemaining):
		return ErrNoBackupCodesRemaining
	case errors.Is(err, mfa.ErrInvalidCode):
		return ErrInvalidMFACode
	case errors.Is(err, repository.ErrEmailTaken):
		return ErrIdentityExists
	}
	return err
}
