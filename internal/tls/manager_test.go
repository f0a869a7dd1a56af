package tls

import (
	"crypto/tls"
	"crypto/x509"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authsession-service/internal/config"
)

func TestSelfSignedFallbackIsCached(t *testing.T) {
	dir := t.TempDir()
	m := NewTLSManager(config.ServerConfig{EnableTLS: true, AutoCertDir: dir, Domain: "auth.local"})

	first, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "auth.local"})
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(first.Certificate[0])
	require.NoError(t, err)
	assert.Contains(t, leaf.DNSNames, "auth.local")
	assert.Contains(t, leaf.DNSNames, "localhost")

	second, err := m.GetCertificate(&tls.ClientHelloInfo{})
	require.NoError(t, err)
	assert.Equal(t, first.Certificate[0], second.Certificate[0])
}

func TestExpiredDevCertIsRegenerated(t *testing.T) {
	dir := t.TempDir()
	g := NewDevCertGenerator(dir)
	old, err := g.GenerateCert([]string{"localhost"})
	require.NoError(t, err)

	g.now = func() time.Time { return time.Now().Add(400 * 24 * time.Hour) }
	fresh, err := g.GenerateCert([]string{"localhost"})
	require.NoError(t, err)
	assert.NotEqual(t, old.Certificate[0], fresh.Certificate[0])
}

func TestTLSConfigFloor(t *testing.T) {
	cfg := NewTLSManager(config.ServerConfig{}).GetTLSConfig()
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.Nil(t, NewTLSManager(config.ServerConfig{}).GetAutocertManager())
}
