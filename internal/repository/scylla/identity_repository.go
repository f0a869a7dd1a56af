package scylla

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"authsession-service/internal/bucketing"
	"authsession-service/internal/mfa"
	"authsession-service/internal/models"
	"authsession-service/internal/repository"
	"authsession-service/internal/util"
)

const maxCASAttempts = 5

type IdentityRepository struct {
	client  *ScyllaClient
	buckets *bucketing.BucketingManager
	now     func() time.Time
}

func NewIdentityRepository(client *ScyllaClient, buckets *bucketing.BucketingManager) *IdentityRepository {
	return &IdentityRepository{client: client, buckets: buckets, now: time.Now}
}

func (r *IdentityRepository) HealthCheck(ctx context.Context) error {
	return r.client.HealthCheck(ctx)
}

// CreateIdentity claims the email with a lightweight transaction, then writes
// the identity row. A lost claim yields repository.ErrEmailTaken.
func (r *IdentityRepository) CreateIdentity(ctx context.Context, identity *models.Identity) error {
	if identity.IdentityID == "" {
		identity.IdentityID = uuid.NewString()
	}
	identity.Email = util.NormalizeIdentifier(identity.Email)
	identity.IdentityBucket = r.buckets.IdentityBucket(identity.IdentityID)
	now := r.now().UTC()
	identity.CreatedAt = now
	identity.UpdatedAt = now
	if identity.Status == "" {
		identity.Status = models.IdentityActive
	}

	existing := map[string]any{}
	applied, err := r.client.Query(ctx, r.client.Prepared.ClaimEmail,
		identity.Email, identity.IdentityID, now).MapScanCAS(existing)
	if err != nil {
		util.Error("Failed to claim email", util.Identifier("email", identity.Email), zap.Error(err))
		return fmt.Errorf("failed to claim email: %w", err)
	}
	if !applied {
		return repository.ErrEmailTaken
	}

	err = r.client.Query(ctx, r.client.Prepared.CreateIdentity,
		identity.IdentityBucket, identity.IdentityID, identity.Email, identity.PasswordHash,
		string(identity.Status), identity.LockedReason, identity.MFAEnabled, identity.MFASecret,
		identity.PendingMFASecret, identity.BackupCodeHashes, identity.CredentialVersion,
		identity.LastLoginAt, identity.CreatedAt, identity.UpdatedAt,
	).Exec()
	if err != nil {
		// Give the email back so the user can retry registration.
		release := map[string]any{}
		if _, relErr := r.client.Query(context.WithoutCancel(ctx), r.client.Prepared.ReleaseEmail,
			identity.Email, identity.IdentityID).MapScanCAS(release); relErr != nil {
			util.Error("Failed to release email claim", util.Identifier("email", identity.Email), zap.Error(relErr))
		}
		return fmt.Errorf("failed to create identity: %w", err)
	}

	util.Info("Identity created",
		zap.String("identity_id", identity.IdentityID),
		zap.Int("identity_bucket", identity.IdentityBucket))
	return nil
}

func (r *IdentityRepository) GetIdentityByEmail(ctx context.Context, email string) (*models.Identity, error) {
	var identityID string
	err := r.client.ScanWithRetry(ctx,
		r.client.Query(ctx, r.client.Prepared.GetIdentityByMail, util.NormalizeIdentifier(email)),
		&identityID)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, repository.ErrIdentityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up email: %w", err)
	}
	return r.GetIdentity(ctx, identityID)
}

func (r *IdentityRepository) GetIdentity(ctx context.Context, identityID string) (*models.Identity, error) {
	var (
		identity  models.Identity
		status    string
		lastLogin time.Time
	)
	query := r.client.Query(ctx, r.client.Prepared.GetIdentityByID,
		r.buckets.IdentityBucket(identityID), identityID)
	err := r.client.ScanWithRetry(ctx, query,
		&identity.IdentityBucket, &identity.IdentityID, &identity.Email, &identity.PasswordHash,
		&status, &identity.LockedReason, &identity.MFAEnabled, &identity.MFASecret,
		&identity.PendingMFASecret, &identity.BackupCodeHashes, &identity.CredentialVersion,
		&lastLogin, &identity.CreatedAt, &identity.UpdatedAt)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, repository.ErrIdentityNotFound
	}
	if err != nil {
		util.Error("Failed to get identity", zap.String("identity_id", identityID), zap.Error(err))
		return nil, fmt.Errorf("failed to get identity: %w", err)
	}
	identity.Status = models.IdentityStatus(status)
	if !lastLogin.IsZero() {
		identity.LastLoginAt = &lastLogin
	}
	return &identity, nil
}

// UpdateIdentity writes the patched columns. A patch carrying
// ExpectedCredentialVersion is applied with a lightweight transaction on
// that version and returns repository.ErrConflict when it has moved.
func (r *IdentityRepository) UpdateIdentity(ctx context.Context, identityID string, patch models.IdentityPatch) (*models.Identity, error) {
	current, err := r.GetIdentity(ctx, identityID)
	if err != nil {
		return nil, err
	}
	if patch.IsEmpty() {
		return current, nil
	}

	now := r.now().UTC()
	sets, args := patchAssignments(patch)
	sets = append(sets, "updated_at = ?")
	args = append(args, now)

	stmt := "UPDATE identities SET " + strings.Join(sets, ", ") +
		" WHERE identity_bucket = ? AND identity_id = ?"
	args = append(args, current.IdentityBucket, identityID)

	if patch.ExpectedCredentialVersion != nil {
		if current.CredentialVersion != *patch.ExpectedCredentialVersion {
			return nil, repository.ErrConflict
		}
		stmt += " IF credential_version = ?"
		args = append(args, *patch.ExpectedCredentialVersion)
		applied, err := r.client.Query(ctx, stmt, args...).MapScanCAS(map[string]any{})
		if err != nil {
			return nil, fmt.Errorf("failed to update identity: %w", err)
		}
		if !applied {
			return nil, repository.ErrConflict
		}
	} else if err := r.client.Query(ctx, stmt, args...).Exec(); err != nil {
		util.Error("Failed to update identity", zap.String("identity_id", identityID), zap.Error(err))
		return nil, fmt.Errorf("failed to update identity: %w", err)
	}

	patch.Apply(current, now)
	return current, nil
}

// RedeemBackupCode removes the matching hash with a compare-and-set on the
// whole list, retrying when another redemption changed it first.
func (r *IdentityRepository) RedeemBackupCode(ctx context.Context, identityID, submitted string) (int, error) {
	bucket := r.buckets.IdentityBucket(identityID)
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		current, err := r.GetIdentity(ctx, identityID)
		if err != nil {
			return 0, err
		}
		ok, remaining, err := mfa.RedeemBackupCode(current.BackupCodeHashes, submitted)
		if err != nil {
			return len(current.BackupCodeHashes), err
		}
		if !ok {
			return len(current.BackupCodeHashes), mfa.ErrInvalidCode
		}

		applied, err := r.client.Query(ctx, r.client.Prepared.SwapBackupCodes,
			remaining, r.now().UTC(), bucket, identityID, current.BackupCodeHashes,
		).MapScanCAS(map[string]any{})
		if err != nil {
			return 0, fmt.Errorf("failed to redeem backup code: %w", err)
		}
		if applied {
			return len(remaining), nil
		}
		util.Debug("Backup code CAS lost, retrying",
			zap.String("identity_id", identityID),
			zap.Int("attempt", attempt+1))
	}
	return 0, repository.ErrConflict
}

func patchAssignments(p models.IdentityPatch) ([]string, []any) {
	var sets []string
	var args []any
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if p.PasswordHash != nil {
		add("password_hash", *p.PasswordHash)
	}
	if p.Status != nil {
		add("status", string(*p.Status))
	}
	if p.LockedReason != nil {
		add("locked_reason", *p.LockedReason)
	}
	if p.MFAEnabled != nil {
		add("mfa_enabled", *p.MFAEnabled)
	}
	if p.MFASecret != nil {
		add("mfa_secret", *p.MFASecret)
	}
	if p.PendingMFASecret != nil {
		add("pending_mfa_secret", *p.PendingMFASecret)
	}
	if p.BackupCodeHashes != nil {
		add("backup_code_hashes", *p.BackupCodeHashes)
	}
	if p.CredentialVersion != nil {
		add("credential_version", *p.CredentialVersion)
	}
	if p.LastLoginAt != nil {
		add("last_login_at", *p.LastLoginAt)
	}
	return sets, args
}
