package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/goccy/go-yaml"
)

// Config holds all control-plane settings. Every field has a default and may
// be overridden by a PATCHBAY_* environment variable.
type Config struct {
	// WorkDir is the root for build/ and state/ artifacts.
	WorkDir string `yaml:"work_dir"`

	// Listen is the address of the control API.
	Listen string `yaml:"listen"`

	// SnippetDir holds per-app route snippets.
	SnippetDir string `yaml:"snippet_dir"`

	// OverrideDir holds operator-owned override snippets.
	OverrideDir string `yaml:"override_dir"`

	Dataplane DataplaneConfig `yaml:"dataplane"`
	Tunnel    TunnelConfig    `yaml:"tunnel"`
	Scanner   ScannerConfig   `yaml:"scanner"`
	Healer    HealerConfig    `yaml:"healer"`
	Auditor   AuditorConfig   `yaml:"auditor"`
	Session   SessionConfig   `yaml:"session"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DataplaneConfig describes how to validate and reload the proxy engine.
type DataplaneConfig struct {
	// Binary is the dataplane executable, used for config validation
	// (binary -t -c <file>) and reload signalling (binary -s reload).
	Binary string `yaml:"binary"`

	// LocalOrigin is the base URL routes are served from locally.
	LocalOrigin string `yaml:"local_origin"`

	// ValidateTimeout bounds a single validation run.
	ValidateTimeout time.Duration `yaml:"validate_timeout"`
}

// TunnelConfig describes the external HTTPS tunnel admin endpoint.
type TunnelConfig struct {
	AdminURL string        `yaml:"admin_url"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// ScannerConfig controls the health scan loop.
type ScannerConfig struct {
	Period         time.Duration `yaml:"period"`
	Concurrency    int           `yaml:"concurrency"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// HealerConfig bounds the self-healing engine.
type HealerConfig struct {
	MaxStrategies   int           `yaml:"max_strategies"`
	AttemptDeadline time.Duration `yaml:"attempt_deadline"`
	RouteCooldown   time.Duration `yaml:"route_cooldown"`
}

// AuditorConfig controls the browser-based site auditor.
type AuditorConfig struct {
	// Mode is "local" or "sandboxed".
	Mode string `yaml:"mode"`

	// Image is the container image for sandboxed mode.
	Image string `yaml:"image"`

	Timeout time.Duration `yaml:"timeout"`
}

// SessionConfig configures control-API sessions.
type SessionConfig struct {
	// Secret signs session tokens. Required for mutating endpoints.
	Secret string `yaml:"secret"`

	// Password is the operator login password.
	Password string `yaml:"password"`

	TTL time.Duration `yaml:"ttl"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns a config with all defaults applied.
func Default() *Config {
	return &Config{
		WorkDir:     "./patchbay",
		Listen:      ":7300",
		SnippetDir:  "./patchbay/apps",
		OverrideDir: "./patchbay/overrides",
		Dataplane: DataplaneConfig{
			Binary:          "nginx",
			LocalOrigin:     "http://127.0.0.1:8080",
			ValidateTimeout: 10 * time.Second,
		},
		Tunnel: TunnelConfig{
			AdminURL: "http://127.0.0.1:4040",
			CacheTTL: 60 * time.Second,
		},
		Scanner: ScannerConfig{
			Period:         30 * time.Second,
			Concurrency:    8,
			RequestTimeout: 3 * time.Second,
			ConnectTimeout: 2 * time.Second,
		},
		Healer: HealerConfig{
			MaxStrategies:   3,
			AttemptDeadline: 60 * time.Second,
			RouteCooldown:   5 * time.Minute,
		},
		Auditor: AuditorConfig{
			Mode:    "local",
			Timeout: 30 * time.Second,
		},
		Session: SessionConfig{
			TTL: 12 * time.Hour,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML config file, applies environment overrides, fills
// defaults, and validates. A missing file is not an error: defaults plus
// environment apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PATCHBAY_WORK_DIR"); v != "" {
		cfg.WorkDir = v
	}
	if v := os.Getenv("PATCHBAY_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("PATCHBAY_SNIPPET_DIR"); v != "" {
		cfg.SnippetDir = v
	}
	if v := os.Getenv("PATCHBAY_OVERRIDE_DIR"); v != "" {
		cfg.OverrideDir = v
	}
	if v := os.Getenv("PATCHBAY_DATAPLANE_BINARY"); v != "" {
		cfg.Dataplane.Binary = v
	}
	if v := os.Getenv("PATCHBAY_LOCAL_ORIGIN"); v != "" {
		cfg.Dataplane.LocalOrigin = v
	}
	if v := os.Getenv("PATCHBAY_TUNNEL_ADMIN_URL"); v != "" {
		cfg.Tunnel.AdminURL = v
	}
	if v := os.Getenv("PATCHBAY_SCAN_PERIOD_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Scanner.Period = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("PATCHBAY_SCAN_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Scanner.Concurrency = n
		}
	}
	if v := os.Getenv("PATCHBAY_HEAL_COOLDOWN_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Healer.RouteCooldown = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("PATCHBAY_SESSION_SECRET"); v != "" {
		cfg.Session.Secret = v
	}
	if v := os.Getenv("PATCHBAY_SESSION_PASSWORD"); v != "" {
		cfg.Session.Password = v
	}
	if v := os.Getenv("PATCHBAY_AUDITOR_MODE"); v != "" {
		cfg.Auditor.Mode = v
	}
	if v := os.Getenv("PATCHBAY_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Scanner.Period <= 0 {
		cfg.Scanner.Period = def.Scanner.Period
	}
	if cfg.Scanner.Concurrency <= 0 {
		cfg.Scanner.Concurrency = def.Scanner.Concurrency
	}
	if cfg.Scanner.RequestTimeout <= 0 {
		cfg.Scanner.RequestTimeout = def.Scanner.RequestTimeout
	}
	if cfg.Scanner.ConnectTimeout <= 0 {
		cfg.Scanner.ConnectTimeout = def.Scanner.ConnectTimeout
	}
	if cfg.Healer.MaxStrategies <= 0 {
		cfg.Healer.MaxStrategies = def.Healer.MaxStrategies
	}
	if cfg.Healer.AttemptDeadline <= 0 {
		cfg.Healer.AttemptDeadline = def.Healer.AttemptDeadline
	}
	if cfg.Healer.RouteCooldown <= 0 {
		cfg.Healer.RouteCooldown = def.Healer.RouteCooldown
	}
	if cfg.Auditor.Timeout <= 0 {
		cfg.Auditor.Timeout = def.Auditor.Timeout
	}
	if cfg.Auditor.Mode == "" {
		cfg.Auditor.Mode = def.Auditor.Mode
	}
	if cfg.Tunnel.CacheTTL <= 0 {
		cfg.Tunnel.CacheTTL = def.Tunnel.CacheTTL
	}
	if cfg.Dataplane.ValidateTimeout <= 0 {
		cfg.Dataplane.ValidateTimeout = def.Dataplane.ValidateTimeout
	}
	if cfg.Session.TTL <= 0 {
		cfg.Session.TTL = def.Session.TTL
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
}

// Validate checks the config for misconfiguration.
func (c *Config) Validate() error {
	if c.WorkDir == "" {
		return fmt.Errorf("work_dir must not be empty")
	}
	if c.Listen == "" {
		return fmt.Errorf("listen must not be empty")
	}
	switch c.Auditor.Mode {
	case "local", "sandboxed":
	default:
		return fmt.Errorf("auditor.mode must be local or sandboxed, got %q", c.Auditor.Mode)
	}
	if c.Auditor.Mode == "sandboxed" && c.Auditor.Image == "" {
		return fmt.Errorf("auditor.image required in sandboxed mode")
	}
	return nil
}

// BuildDir returns the directory for composed artifacts.
func (c *Config) BuildDir() string { return filepath.Join(c.WorkDir, "build") }

// StateDir returns the directory for persisted control-plane state.
func (c *Config) StateDir() string { return filepath.Join(c.WorkDir, "state") }

// EnsureDirs creates the working directory tree.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.WorkDir, c.BuildDir(), c.StateDir(), c.SnippetDir, c.OverrideDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
