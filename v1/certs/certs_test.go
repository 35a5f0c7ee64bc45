package certs

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseCert(t *testing.T, certPEM []byte) *x509.Certificate {
	t.Helper()
	block, _ := pem.Decode(certPEM)
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	return cert
}

func TestGenerateSelfSigned(t *testing.T) {
	certPEM, keyPEM, err := Generate("latch.example.com", time.Hour)
	require.NoError(t, err)

	cert := parseCert(t, certPEM)
	assert.Equal(t, "latch.example.com", cert.Subject.CommonName)
	assert.Contains(t, cert.DNSNames, "localhost")
	assert.Contains(t, cert.DNSNames, "latch.example.com")
	assert.True(t, cert.IsCA)
	assert.WithinDuration(t, time.Now().Add(time.Hour), cert.NotAfter, time.Minute)

	// Self-signed: the cert must verify against itself.
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	_, err = cert.Verify(x509.VerifyOptions{Roots: pool, DNSName: "localhost"})
	require.NoError(t, err)

	block, _ := pem.Decode(keyPEM)
	require.NotNil(t, block)
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	require.NoError(t, err)
	_, ok := key.(ed25519.PrivateKey)
	assert.True(t, ok, "expected ed25519 key, got %T", key)
}

func TestGenerateIPHost(t *testing.T) {
	certPEM, _, err := Generate("192.168.1.10", 0)
	require.NoError(t, err)
	cert := parseCert(t, certPEM)
	found := false
	for _, ip := range cert.IPAddresses {
		if ip.String() == "192.168.1.10" {
			found = true
		}
	}
	assert.True(t, found, "host IP missing from SANs: %v", cert.IPAddresses)
}

func TestEnsureServerCertCreatesAndReuses(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "tls", "server.crt")
	keyFile := filepath.Join(dir, "tls", "server.key")

	first, err := EnsureServerCert(certFile, keyFile, "localhost")
	require.NoError(t, err)
	require.NotEmpty(t, first.Certificate)

	info, err := os.Stat(keyFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, err := EnsureServerCert(certFile, keyFile, "localhost")
	require.NoError(t, err)
	assert.Equal(t, first.Certificate[0], second.Certificate[0], "existing pair must be reused")
}

func TestServerTLSConfig(t *testing.T) {
	cert, err := EnsureServerCert(
		filepath.Join(t.TempDir(), "c.crt"),
		filepath.Join(t.TempDir(), "c.key"),
		"localhost",
	)
	require.NoError(t, err)
	cfg := ServerTLSConfig(cert)
	assert.Len(t, cfg.Certificates, 1)
	assert.GreaterOrEqual(t, cfg.MinVersion, uint16(0x0303))
}
