package mfa

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	DefaultBackupCodeCount = 10
	backupCodeBytes        = 10 // 80 bits
)

var backupEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// GenerateBackupCodes returns n plaintext codes (shown to the user once) and
// their hashes (the only form that is stored).
func GenerateBackupCodes(n int) ([]string, []string, error) {
	if n <= 0 {
		n = DefaultBackupCodeCount
	}
	codes := make([]string, 0, n)
	hashes := make([]string, 0, n)
	seen := make(map[string]struct{}, n)

	for len(codes) < n {
		buf := make([]byte, backupCodeBytes)
		if _, err := rand.Read(buf); err != nil {
			return nil, nil, fmt.Errorf("failed to generate backup code: %w", err)
		}
		raw := backupEncoding.EncodeToString(buf)
		if _, dup := seen[raw]; dup {
			continue
		}
		seen[raw] = struct{}{}

		codes = append(codes, formatBackupCode(raw))
		hashes = append(hashes, HashBackupCode(raw))
	}
	return codes, hashes, nil
}

// HashBackupCode hashes the normalised form of code. Codes carry 80 bits of
// entropy, so an unsalted digest is enough and keeps lookups deterministic.
func HashBackupCode(code string) string {
	sum := sha256.Sum256([]byte(NormalizeBackupCode(code)))
	return hex.EncodeToString(sum[:])
}

// NormalizeBackupCode strips separators and whitespace and upper-cases.
func NormalizeBackupCode(code string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(code) {
		if r == '-' || r == ' ' || r == '\t' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// RedeemBackupCode looks submitted up in hashes. On a match it returns true
// and the remaining hashes; otherwise hashes unchanged. Callers must apply the
// result with a compare-and-swap against the stored set.
func RedeemBackupCode(hashes []string, submitted string) (bool, []string, error) {
	if len(hashes) == 0 {
		return false, hashes, ErrNoBackupCodesRemaining
	}
	target := []byte(HashBackupCode(submitted))

	idx := -1
	for i, h := range hashes {
		if subtle.ConstantTimeCompare([]byte(h), target) == 1 && idx < 0 {
			idx = i
		}
	}
	if idx < 0 {
		return false, hashes, ErrInvalidCode
	}

	remaining := make([]string, 0, len(hashes)-1)
	remaining = append(remaining, hashes[:idx]...)
	remaining = append(remaining, hashes[idx+1:]...)
	return true, remaining, nil
}

func formatBackupCode(raw string) string {
	groups := make([]string, 0, (len(raw)+3)/4)
	for i := 0; i < len(raw); i += 4 {
		end := min(i+4, len(raw))
		groups = append(groups, raw[i:end])
	}
	return strings.Join(groups, "-")
}
