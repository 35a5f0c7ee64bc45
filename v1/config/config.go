// Package config loads and hot-reloads the latchd configuration from YAML or
// JSON files.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	kjson "github.com/knadh/koanf/parsers/json"
	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"

	"github.com/mirkobrombin/go-latch/v1/logging"
)

// ServerConfig holds the daemon's listen settings.
type ServerConfig struct {
	Listen string `koanf:"listen"`
}

// TLSConfig points at the certificate material. When SelfSigned is set and
// the files are missing, the daemon provisions them at startup.
type TLSConfig struct {
	Enabled    bool   `koanf:"enabled"`
	CertFile   string `koanf:"cert_file"`
	KeyFile    string `koanf:"key_file"`
	SelfSigned bool   `koanf:"self_signed"`
	Host       string `koanf:"host"`
}

// BusConfig selects the cross-node event bus backend.
type BusConfig struct {
	// Backend is one of memory, redis, nats, kafka.
	Backend string   `koanf:"backend"`
	Addr    string   `koanf:"addr"`
	Brokers []string `koanf:"brokers"`
}

// LatchConfig tunes lock behaviour.
type LatchConfig struct {
	DefaultHold time.Duration `koanf:"default_hold"`
	MaxHold     time.Duration `koanf:"max_hold"`
}

// Config is the full latchd configuration tree.
type Config struct {
	Server ServerConfig    `koanf:"server"`
	TLS    TLSConfig       `koanf:"tls"`
	Bus    BusConfig       `koanf:"bus"`
	Log    logging.Options `koanf:"log"`
	Latch  LatchConfig     `koanf:"latch"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server: ServerConfig{Listen: ":8455"},
		Bus:    BusConfig{Backend: "memory"},
		Log:    logging.Options{Level: "info", Format: "json"},
		Latch: LatchConfig{
			DefaultHold: 30 * time.Second,
			MaxHold:     5 * time.Minute,
		},
	}
}

// Validate rejects configurations the daemon cannot run with.
func (c Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen must not be empty")
	}
	switch c.Bus.Backend {
	case "memory":
	case "redis", "nats":
		if c.Bus.Addr == "" {
			return fmt.Errorf("bus.addr required for backend %q", c.Bus.Backend)
		}
	case "kafka":
		if len(c.Bus.Brokers) == 0 {
			return fmt.Errorf("bus.brokers required for backend kafka")
		}
	default:
		return fmt.Errorf("unknown bus backend %q", c.Bus.Backend)
	}
	if c.Latch.MaxHold > 0 && c.Latch.DefaultHold > c.Latch.MaxHold {
		return fmt.Errorf("latch.default_hold %s exceeds latch.max_hold %s",
			c.Latch.DefaultHold, c.Latch.MaxHold)
	}
	if c.TLS.Enabled && !c.TLS.SelfSigned && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		return fmt.Errorf("tls.cert_file and tls.key_file required unless tls.self_signed")
	}
	return nil
}

func parserFor(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return kyaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	default:
		return nil, fmt.Errorf("unsupported config extension %q", filepath.Ext(path))
	}
}

// Load reads path and merges it over Default.
func Load(path string) (Config, error) {
	cfg := Default()
	parser, err := parserFor(path)
	if err != nil {
		return cfg, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(raw), parser); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Manager holds the current configuration and re-reads the file when it
// changes on disk.
type Manager struct {
	path string
	log  zerolog.Logger

	mu        sync.RWMutex
	current   Config
	onChange  []func(Config)
	watcher   *fsnotify.Watcher
	closeOnce sync.Once
	done      chan struct{}
}

// NewStaticManager returns a manager serving cfg with no backing file.
// Watch is a no-op for static managers.
func NewStaticManager(cfg Config) *Manager {
	return &Manager{
		current: cfg,
		log:     zerolog.Nop(),
		done:    make(chan struct{}),
	}
}

// NewManager loads path and returns a manager serving its contents.
func NewManager(path string, log zerolog.Logger) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Manager{
		path:    path,
		log:     log,
		current: cfg,
		done:    make(chan struct{}),
	}, nil
}

// Current returns the most recently loaded configuration.
func (m *Manager) Current() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnChange registers fn to run after every successful reload.
func (m *Manager) OnChange(fn func(Config)) {
	m.mu.Lock()
	m.onChange = append(m.onChange, fn)
	m.mu.Unlock()
}

// Watch starts re-loading the file on filesystem changes. Invalid reloads are
// logged and the previous configuration stays in effect.
func (m *Manager) Watch() error {
	if m.path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory, not the file: editors replace files and the
	// original inode watch would go dead after the first save.
	if err := w.Add(filepath.Dir(m.path)); err != nil {
		w.Close()
		return err
	}
	m.watcher = w

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(m.path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				m.reload()
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				m.log.Warn().Err(err).Msg("config watcher error")
			case <-m.done:
				return
			}
		}
	}()
	return nil
}

func (m *Manager) reload() {
	cfg, err := Load(m.path)
	if err != nil {
		m.log.Warn().Err(err).Str("path", m.path).Msg("config reload rejected")
		return
	}
	m.mu.Lock()
	m.current = cfg
	callbacks := make([]func(Config), len(m.onChange))
	copy(callbacks, m.onChange)
	m.mu.Unlock()

	m.log.Info().Str("path", m.path).Msg("config reloaded")
	for _, fn := range callbacks {
		fn(cfg)
	}
}

// Close stops the file watcher.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.done)
		if m.watcher != nil {
			err = m.watcher.Close()
		}
	})
	return err
}
