package models

import "time"

type IdentityStatus string

const (
	IdentityActive   IdentityStatus = "active"
	IdentityLocked   IdentityStatus = "locked"
	IdentityDisabled IdentityStatus = "disabled"
)

// Identity is a principal's credential record. MFA secrets are stored sealed
// by the encryption manager and backup codes only as hashes.
type Identity struct {
	IdentityBucket    int            `db:"identity_bucket"`
	IdentityID        string         `db:"identity_id"`
	Email             string         `db:"email"`
	PasswordHash      string         `db:"password_hash"`
	Status            IdentityStatus `db:"status"`
	LockedReason      string         `db:"locked_reason"`
	MFAEnabled        bool           `db:"mfa_enabled"`
	MFASecret         string         `db:"mfa_secret"`
	PendingMFASecret  string         `db:"pending_mfa_secret"`
	BackupCodeHashes  []string       `db:"backup_code_hashes"`
	CredentialVersion int64          `db:"credential_version"`
	LastLoginAt       *time.Time     `db:"last_login_at"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
}

func (i *Identity) CanAuthenticate() bool {
	return i.Status == IdentityActive
}

// IdentityPatch lists the fields to change; nil leaves a field untouched.
// BackupCodeHashes pointing at an empty slice clears the set.
// ExpectedCredentialVersion makes the write conditional on the stored
// credential version still being the one the caller read.
type IdentityPatch struct {
	PasswordHash      *string
	Status            *IdentityStatus
	LockedReason      *string
	MFAEnabled        *bool
	MFASecret         *string
	PendingMFASecret  *string
	BackupCodeHashes  *[]string
	CredentialVersion *int64
	LastLoginAt       *time.Time

	ExpectedCredentialVersion *int64
}

func (p IdentityPatch) IsEmpty() bool {
	return p == IdentityPatch{}
}

// Apply writes the patch onto identity and bumps UpdatedAt.
func (p IdentityPatch) Apply(identity *Identity, now time.Time) {
	if p.PasswordHash != nil {
		identity.PasswordHash = *p.PasswordHash
	}
	if p.Status != nil {
		identity.Status = *p.Status
	}
	if p.LockedReason != nil {
		identity.LockedReason = *p.LockedReason
	}
	if p.MFAEnabled != nil {
		identity.MFAEnabled = *p.MFAEnabled
	}
	if p.MFASecret != nil {
		identity.MFASecret = *p.MFASecret
	}
	if p.PendingMFASecret != nil {
		identity.PendingMFASecret = *p.PendingMFASecret
	}
	if p.BackupCodeHashes != nil {
		identity.BackupCodeHashes = append([]string(nil), (*p.BackupCodeHashes)...)
	}
	if p.CredentialVersion != nil {
		identity.CredentialVersion = *p.CredentialVersion
	}
	if p.LastLoginAt != nil {
		t := *p.LastLoginAt
		identity.LastLoginAt = &t
	}
	identity.UpdatedAt = now
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (i *Identity) Clone() *Identity {
	c := *i
	c.BackupCodeHashes = append([]string(nil), i.BackupCodeHashes...)
	if i.LastLoginAt != nil {
		t := *i.LastLoginAt
		c.LastLoginAt = &t
	}
	return &c
}
