package mfa

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateBackupCodes(t *testing.T) {
	codes, hashes, err := GenerateBackupCodes(10)
	require.NoError(t, err)
	require.Len(t, codes, 10)
	require.Len(t, hashes, 10)

	seen := map[string]bool{}
	for i, code := range codes {
		assert.Regexp(t, `^[A-Z2-7]{4}-[A-Z2-7]{4}-[A-Z2-7]{4}-[A-Z2-7]{4}$`, code)
		assert.Equal(t, HashBackupCode(code), hashes[i])
		assert.NotContains(t, hashes[i], NormalizeBackupCode(code))
		assert.False(t, seen[code])
		seen[code] = true
	}
}

func TestRedeemBackupCode(t *testing.T) {
	codes, hashes, err := GenerateBackupCodes(3)
	require.NoError(t, err)

	// Users may type codes lower-case or without dashes.
	ok, remaining, err := RedeemBackupCode(hashes, strings.ToLower(strings.ReplaceAll(codes[1], "-", "")))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{hashes[0], hashes[2]}, remaining)

	ok, again, err := RedeemBackupCode(remaining, codes[1])
	assert.False(t, ok)
	assert.True(t, errors.Is(err, ErrInvalidCode))
	assert.Equal(t, remaining, again)
}

func TestRedeemBackupCodeExhausted(t *testing.T) {
	codes, hashes, err := GenerateBackupCodes(1)
	require.NoError(t, err)

	ok, remaining, err := RedeemBackupCode(hashes, codes[0])
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, remaining)

	_, _, err = RedeemBackupCode(remaining, codes[0])
	assert.ErrorIs(t, err, ErrNoBackupCodesRemaining)
}
