package scylla

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"authsession-service/internal/models"
)

func TestPatchAssignments(t *testing.T) {
	hash := "$argon2id$..."
	version := int64(4)
	codes := []string{}
	at := time.Unix(1700000000, 0)

	sets, args := patchAssignments(models.IdentityPatch{
		PasswordHash:      &hash,
		CredentialVersion: &version,
		BackupCodeHashes:  &codes,
		LastLoginAt:       &at,
	})

	assert.Equal(t, []string{
		"password_hash = ?",
		"backup_code_hashes = ?",
		"credential_version = ?",
		"last_login_at = ?",
	}, sets)
	assert.Equal(t, []any{hash, codes, version, at}, args)
}

func TestPatchAssignmentsEmpty(t *testing.T) {
	sets, args := patchAssignments(models.IdentityPatch{})
	assert.Empty(t, sets)
	assert.Empty(t, args)
}
