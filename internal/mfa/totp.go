package mfa

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

var (
	ErrInvalidCode            = errors.New("invalid or expired code")
	ErrNoBackupCodesRemaining = errors.New("no backup codes remaining")
	ErrCodeReplayed           = errors.New("code already used")
)

const (
	Digits     = 6
	Period     = 30 * time.Second
	SecretSize = 20 // 160 bits
)

// StepStore records the last accepted time step per identity. MarkStepUsed
// must atomically accept step only if it is newer than the recorded one.
type StepStore interface {
	MarkStepUsed(ctx context.Context, identityID string, step int64) (bool, error)
}

type Enrollment struct {
	Secret          string
	ProvisioningURI string
}

type Engine struct {
	issuer string
	window int
	opts   totp.ValidateOpts
}

func NewEngine(issuer string, window int) *Engine {
	if window < 0 {
		window = 0
	}
	return &Engine{
		issuer: issuer,
		window: window,
		opts: totp.ValidateOpts{
			Period:    uint(Period / time.Second),
			Digits:    otp.DigitsSix,
			Algorithm: otp.AlgorithmSHA1,
		},
	}
}

// GenerateSecret creates a fresh 160-bit secret and its otpauth:// URI.
func (e *Engine) GenerateSecret(accountName string) (*Enrollment, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      e.issuer,
		AccountName: accountName,
		Period:      e.opts.Period,
		SecretSize:  SecretSize,
		Digits:      e.opts.Digits,
		Algorithm:   e.opts.Algorithm,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate totp secret: %w", err)
	}
	return &Enrollment{Secret: key.Secret(), ProvisioningURI: key.URL()}, nil
}

func (e *Engine) CurrentCode(secret string, t time.Time) (string, error) {
	code, err := totp.GenerateCodeCustom(secret, t, e.opts)
	if err != nil {
		return "", fmt.Errorf("failed to generate totp code: %w", err)
	}
	return code, nil
}

// VerifyCode checks code against the steps around t and returns the matched
// step. Every candidate step is compared so timing does not reveal which one
// matched.
func (e *Engine) VerifyCode(secret, code string, t time.Time) (int64, bool) {
	return e.VerifyCodeWindow(secret, code, t, e.window)
}

func (e *Engine) VerifyCodeWindow(secret, code string, t time.Time, window int) (int64, bool) {
	if len(code) != Digits {
		return 0, false
	}

	current := Step(t)
	var matched int64
	found := 0
	for offset := -window; offset <= window; offset++ {
		step := current + int64(offset)
		expected, err := totp.GenerateCodeCustom(secret, time.Unix(step*int64(e.opts.Period), 0), e.opts)
		if err != nil {
			return 0, false
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(code)) == 1 && found == 0 {
			matched = step
			found = 1
		}
	}
	return matched, found == 1
}

// Verify runs VerifyCode and records the step with store, rejecting replays.
func (e *Engine) Verify(ctx context.Context, store StepStore, identityID, secret, code string, t time.Time) error {
	step, ok := e.VerifyCode(secret, code, t)
	if !ok {
		return ErrInvalidCode
	}
	fresh, err := store.MarkStepUsed(ctx, identityID, step)
	if err != nil {
		return fmt.Errorf("failed to record totp step: %w", err)
	}
	if !fresh {
		return fmt.Errorf("%w: %w", ErrInvalidCode, ErrCodeReplayed)
	}
	return nil
}

func Step(t time.Time) int64 {
	return t.Unix() / int64(Period/time.Second)
}

// IsTOTPCode reports whether s has the shape of a TOTP code rather than a
// backup code.
func IsTOTPCode(s string) bool {
	if len(s) != Digits {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
