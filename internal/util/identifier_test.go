package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeIdentifier(t *testing.T) {
	assert.Equal(t, "alice@example.com", NormalizeIdentifier("  Alice@Example.COM "))
	assert.Equal(t, NormalizeIdentifier("BOB@x.io"), NormalizeIdentifier("bob@X.IO"))
}

func TestMaskIdentifier(t *testing.T) {
	cases := map[string]string{
		"alice@example.com": "a****@example.com",
		"al@example.com":    "a***@example.com",
		"admin":             "a****",
		"":                  "***",
	}
	for in, want := range cases {
		assert.Equal(t, want, MaskIdentifier(in), in)
	}
}
