package util

import (
	"os"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
)

var folder = cases.Fold()

// NormalizeIdentifier trims and case-folds a login identifier so lookups and
// rate-limit keys agree regardless of how the user typed it.
func NormalizeIdentifier(s string) string {
	return folder.String(strings.TrimSpace(s))
}

// MaskIdentifier keeps the first character of the local part and the domain,
// e.g. "alice@example.com" -> "a****@example.com".
func MaskIdentifier(s string) string {
	local, domain, hasAt := strings.Cut(s, "@")
	if local == "" {
		return "***"
	}
	r, size := utf8.DecodeRuneInString(local)
	masked := string(r) + strings.Repeat("*", max(utf8.RuneCountInString(local[size:]), 3))
	if hasAt {
		return masked + "@" + domain
	}
	return masked
}

func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
