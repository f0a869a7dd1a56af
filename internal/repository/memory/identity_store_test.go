package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authsession-service/internal/mfa"
	"authsession-service/internal/models"
	"authsession-service/internal/repository"
)

func TestCreateAndLookup(t *testing.T) {
	store := NewIdentityStore()
	ctx := context.Background()

	identity := &models.Identity{Email: "Alice@Example.com", PasswordHash: "h"}
	require.NoError(t, store.CreateIdentity(ctx, identity))
	assert.NotEmpty(t, identity.IdentityID)
	assert.Equal(t, models.IdentityActive, identity.Status)

	got, err := store.GetIdentityByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, identity.IdentityID, got.IdentityID)

	err = store.CreateIdentity(ctx, &models.Identity{Email: "ALICE@example.com"})
	assert.ErrorIs(t, err, repository.ErrEmailTaken)

	_, err = store.GetIdentity(ctx, "missing")
	assert.ErrorIs(t, err, repository.ErrIdentityNotFound)
}

func TestReturnedIdentitiesAreCopies(t *testing.T) {
	store := NewIdentityStore()
	ctx := context.Background()
	identity := &models.Identity{Email: "a@b.c", BackupCodeHashes: []string{"x"}}
	require.NoError(t, store.CreateIdentity(ctx, identity))

	got, err := store.GetIdentity(ctx, identity.IdentityID)
	require.NoError(t, err)
	got.BackupCodeHashes[0] = "mutated"
	got.Status = models.IdentityLocked

	again, err := store.GetIdentity(ctx, identity.IdentityID)
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, again.BackupCodeHashes)
	assert.Equal(t, models.IdentityActive, again.Status)
}

func TestUpdateIdentity(t *testing.T) {
	store := NewIdentityStore()
	ctx := context.Background()
	identity := &models.Identity{Email: "a@b.c"}
	require.NoError(t, store.CreateIdentity(ctx, identity))

	locked := models.IdentityLocked
	reason := "admin"
	updated, err := store.UpdateIdentity(ctx, identity.IdentityID, models.IdentityPatch{
		Status:       &locked,
		LockedReason: &reason,
	})
	require.NoError(t, err)
	assert.Equal(t, models.IdentityLocked, updated.Status)
	assert.False(t, updated.CanAuthenticate())

	_, err = store.UpdateIdentity(ctx, "missing", models.IdentityPatch{Status: &locked})
	assert.ErrorIs(t, err, repository.ErrIdentityNotFound)
}

func TestUpdateIdentityStaleCredentialVersion(t *testing.T) {
	store := NewIdentityStore()
	ctx := context.Background()
	identity := &models.Identity{Email: "a@b.c", PasswordHash: "h0", CredentialVersion: 1}
	require.NoError(t, store.CreateIdentity(ctx, identity))

	read, next := int64(1), int64(2)
	first, second := "h1", "h2"
	_, err := store.UpdateIdentity(ctx, identity.IdentityID, models.IdentityPatch{
		PasswordHash:              &first,
		CredentialVersion:         &next,
		ExpectedCredentialVersion: &read,
	})
	require.NoError(t, err)

	// A second writer that also read version 1 must lose.
	_, err = store.UpdateIdentity(ctx, identity.IdentityID, models.IdentityPatch{
		PasswordHash:              &second,
		CredentialVersion:         &next,
		ExpectedCredentialVersion: &read,
	})
	assert.ErrorIs(t, err, repository.ErrConflict)

	got, err := store.GetIdentity(ctx, identity.IdentityID)
	require.NoError(t, err)
	assert.Equal(t, "h1", got.PasswordHash)
	assert.Equal(t, int64(2), got.CredentialVersion)
}

func TestRedeemBackupCode(t *testing.T) {
	store := NewIdentityStore()
	ctx := context.Background()
	codes, hashes, err := mfa.GenerateBackupCodes(2)
	require.NoError(t, err)

	identity := &models.Identity{Email: "a@b.c", BackupCodeHashes: hashes}
	require.NoError(t, store.CreateIdentity(ctx, identity))

	remaining, err := store.RedeemBackupCode(ctx, identity.IdentityID, codes[0])
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)

	_, err = store.RedeemBackupCode(ctx, identity.IdentityID, codes[0])
	assert.ErrorIs(t, err, mfa.ErrInvalidCode)

	remaining, err = store.RedeemBackupCode(ctx, identity.IdentityID, codes[1])
	require.NoError(t, err)
	assert.Zero(t, remaining)

	_, err = store.RedeemBackupCode(ctx, identity.IdentityID, codes[1])
	assert.ErrorIs(t, err, mfa.ErrNoBackupCodesRemaining)
}

func TestRedeemBackupCodeConcurrent(t *testing.T) {
	store := NewIdentityStore()
	ctx := context.Background()
	codes, hashes, err := mfa.GenerateBackupCodes(5)
	require.NoError(t, err)

	identity := &models.Identity{Email: "a@b.c", BackupCodeHashes: hashes}
	require.NoError(t, store.CreateIdentity(ctx, identity))

	const n = 32
	var ok, invalid atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.RedeemBackupCode(ctx, identity.IdentityID, codes[2])
			switch {
			case err == nil:
				ok.Add(1)
			case err == mfa.ErrInvalidCode:
				invalid.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(n-1), invalid.Load())
}
