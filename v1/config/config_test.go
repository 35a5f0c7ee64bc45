package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "latchd.yaml")
	writeFile(t, path, `
server:
  listen: ":9000"
bus:
  backend: redis
  addr: "localhost:6379"
latch:
  default_hold: 10s
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.Listen)
	assert.Equal(t, "redis", cfg.Bus.Backend)
	assert.Equal(t, 10*time.Second, cfg.Latch.DefaultHold)
	// Untouched sections keep their defaults.
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "latchd.json")
	writeFile(t, path, `{"server":{"listen":":9001"},"bus":{"backend":"memory"}}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9001", cfg.Server.Listen)
}

func TestLoadRejectsUnknownExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "latchd.toml")
	writeFile(t, path, "listen = ':9000'")
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.Bus.Backend = "redis"
	assert.Error(t, cfg.Validate(), "redis backend without addr")

	cfg = Default()
	cfg.Bus.Backend = "carrier-pigeon"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Latch.DefaultHold = 10 * time.Minute
	assert.Error(t, cfg.Validate(), "default hold above max hold")

	cfg = Default()
	cfg.TLS.Enabled = true
	assert.Error(t, cfg.Validate(), "tls without cert material")

	cfg.TLS.SelfSigned = true
	assert.NoError(t, cfg.Validate())
}

func TestManagerHotReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "latchd.yaml")
	writeFile(t, path, "server:\n  listen: \":9000\"\n")

	m, err := NewManager(path, zerolog.Nop())
	require.NoError(t, err)
	defer m.Close()
	require.NoError(t, m.Watch())

	changed := make(chan Config, 1)
	m.OnChange(func(c Config) { changed <- c })

	writeFile(t, path, "server:\n  listen: \":9100\"\n")

	select {
	case cfg := <-changed:
		assert.Equal(t, ":9100", cfg.Server.Listen)
		assert.Equal(t, ":9100", m.Current().Server.Listen)
	case <-time.After(3 * time.Second):
		t.Fatal("reload callback not invoked")
	}
}

func TestManagerKeepsOldConfigOnBadReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "latchd.yaml")
	writeFile(t, path, "server:\n  listen: \":9000\"\n")

	m, err := NewManager(path, zerolog.Nop())
	require.NoError(t, err)
	defer m.Close()
	require.NoError(t, m.Watch())

	writeFile(t, path, "server:\n  listen: \"\"\n")

	// The rejected reload must leave the previous config in place.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, ":9000", m.Current().Server.Listen)
}
