package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/codewiresh/jupyterwire/internal/wire"
)

// Duration is a time.Duration written as a string ("30s") in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config is the top-level configuration loaded from config.toml.
type Config struct {
	Node   NodeConfig   `toml:"node"`
	Kernel KernelConfig `toml:"kernel"`
	Store  StoreConfig  `toml:"store"`
	Log    LogConfig    `toml:"log"`
}

// NodeConfig holds the daemon's network settings.
type NodeConfig struct {
	// WebSocket listen address (e.g. "127.0.0.1:9200"). Nil means no listener.
	Listen *string `toml:"listen,omitempty"`
}

// KernelConfig controls how kernels are found, launched and supervised.
type KernelConfig struct {
	// Extra kernel spec directories searched before the Jupyter defaults.
	SpecDirs        []string `toml:"spec_dirs,omitempty"`
	RuntimeDir      string   `toml:"runtime_dir,omitempty"`
	IP              string   `toml:"ip"`
	Transport       string   `toml:"transport"` // tcp or ipc
	SignatureScheme string   `toml:"signature_scheme"`
	// Standby keeps a warm replacement kernel per session for instant
	// restarts.
	Standby          bool     `toml:"standby"`
	ConnectTimeout   Duration `toml:"connect_timeout"`
	HandshakeTimeout Duration `toml:"handshake_timeout"`
	InterruptTimeout Duration `toml:"interrupt_timeout"`
	RestartTimeout   Duration `toml:"restart_timeout"`
	ShutdownGrace    Duration `toml:"shutdown_grace"`
}

// StoreConfig controls the history database.
type StoreConfig struct {
	// Retention is how long closed sessions and their executions are kept.
	Retention Duration `toml:"retention"`
}

// LogConfig sets the daemon log level: debug, info, warn or error.
type LogConfig struct {
	Level string `toml:"level"`
}

// Default returns the configuration used when config.toml is absent.
func Default() *Config {
	return &Config{
		Kernel: KernelConfig{
			IP:               "127.0.0.1",
			Transport:        "tcp",
			SignatureScheme:  wire.DefaultSignatureScheme,
			Standby:          true,
			ConnectTimeout:   Duration{60 * time.Second},
			HandshakeTimeout: Duration{30 * time.Second},
			InterruptTimeout: Duration{10 * time.Second},
			RestartTimeout:   Duration{60 * time.Second},
			ShutdownGrace:    Duration{3 * time.Second},
		},
		Store: StoreConfig{Retention: Duration{30 * 24 * time.Hour}},
		Log:   LogConfig{Level: "info"},
	}
}

// LoadConfig reads config.toml from dataDir, applies JW_* environment
// overrides, and validates the result.
func LoadConfig(dataDir string) (*Config, error) {
	path := filepath.Join(dataDir, "config.toml")
	cfg := Default()

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	if cfg.Node.Listen == nil {
		if listen := os.Getenv("JW_LISTEN"); listen != "" {
			cfg.Node.Listen = &listen
		}
	}
	if v := os.Getenv("JW_KERNEL_STANDBY"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("JW_KERNEL_STANDBY: %w", err)
		}
		cfg.Kernel.Standby = b
	}
	if v := os.Getenv("JW_SPEC_DIRS"); v != "" {
		cfg.Kernel.SpecDirs = append(filepath.SplitList(v), cfg.Kernel.SpecDirs...)
	}
	if v := os.Getenv("JW_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail much later, at kernel
// launch time.
func (c *Config) Validate() error {
	switch c.Kernel.Transport {
	case "tcp", "ipc":
	default:
		return fmt.Errorf("kernel.transport must be tcp or ipc, got %q", c.Kernel.Transport)
	}
	if _, err := wire.NewSigner(c.Kernel.SignatureScheme, "probe"); err != nil {
		return fmt.Errorf("kernel.signature_scheme: %w", err)
	}
	for name, d := range map[string]Duration{
		"connect_timeout":   c.Kernel.ConnectTimeout,
		"handshake_timeout": c.Kernel.HandshakeTimeout,
		"interrupt_timeout": c.Kernel.InterruptTimeout,
		"restart_timeout":   c.Kernel.RestartTimeout,
	} {
		if d.Duration <= 0 {
			return fmt.Errorf("kernel.%s must be positive, got %s", name, d)
		}
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	return nil
}

// LogLevel parses Log.Level.
func (c *Config) LogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return lvl, nil
}

// ServerEntry is a saved remote node (client-side).
type ServerEntry struct {
	URL   string `toml:"url"`
	Token string `toml:"token"`
}

// ServersConfig is the client-side servers list (servers.toml).
type ServersConfig struct {
	Servers map[string]ServerEntry `toml:"servers"`
}

// LoadServersConfig reads servers.toml from dataDir. A missing file gives
// an empty list.
func LoadServersConfig(dataDir string) (*ServersConfig, error) {
	path := filepath.Join(dataDir, "servers.toml")
	sc := &ServersConfig{Servers: make(map[string]ServerEntry)}

	if _, err := os.Stat(path); err != nil {
		return sc, nil
	}
	if _, err := toml.DecodeFile(path, sc); err != nil {
		return nil, fmt.Errorf("parsing servers.toml: %w", err)
	}
	if sc.Servers == nil {
		sc.Servers = make(map[string]ServerEntry)
	}
	return sc, nil
}

// Save writes servers.toml inside dataDir, creating the directory if
// necessary. The file holds tokens, so it is private to the user.
func (s *ServersConfig) Save(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	path := filepath.Join(dataDir, "servers.toml")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(s); err != nil {
		return fmt.Errorf("encoding servers.toml: %w", err)
	}
	return nil
}
