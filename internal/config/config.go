// Package config handles configuration for the codexbridge relay.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all relay configuration. Zero values are filled in with
// defaults by Load, so a missing config file yields a fully usable config.
type Config struct {
	// ListenAddr is the address the HTTP/WebSocket server binds to.
	ListenAddr string `yaml:"listen_addr"`

	// AdminSecret gates the admin HTTP surface when non-empty.
	AdminSecret string `yaml:"admin_secret"`

	// NotifyWebhookURL receives asynchronous result notifications for the
	// original sender. When empty, results are only logged.
	NotifyWebhookURL string `yaml:"notify_webhook_url"`

	// StoreBackend selects the store implementation: "memory" or "sqlite".
	StoreBackend string `yaml:"store_backend"`

	// SQLitePath is the database file used when StoreBackend is "sqlite".
	SQLitePath string `yaml:"sqlite_path"`

	// AuditLogPath is the append-only JSONL audit log file.
	AuditLogPath string `yaml:"audit_log_path"`

	IdempotencyTTL   time.Duration `yaml:"idempotency_ttl"`
	RateLimitWindow  time.Duration `yaml:"rate_limit_window"`
	RateLimitMax     int           `yaml:"rate_limit_max"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	InflightTimeout  time.Duration `yaml:"inflight_timeout"`
	InflightSweep    time.Duration `yaml:"inflight_sweep_interval"`
	InflightTTL      time.Duration `yaml:"inflight_ttl"`
	AuditMaxRecords  int           `yaml:"audit_max_records"`
	AuditPruneEvery  time.Duration `yaml:"audit_prune_interval"`
	TemplateTTL      time.Duration `yaml:"template_ttl"`
	TemplateMax      int           `yaml:"template_max"`
}

// Defaults returns a Config with every knob at its default value.
func Defaults() *Config {
	return &Config{
		ListenAddr:       ":8787",
		StoreBackend:     "memory",
		SQLitePath:       "codexbridge.db",
		AuditLogPath:     "codexbridge-audit.log",
		IdempotencyTTL:   10 * time.Minute,
		RateLimitWindow:  time.Minute,
		RateLimitMax:     20,
		HeartbeatTimeout: 90 * time.Second,
		InflightTimeout:  30 * time.Minute,
		InflightSweep:    60 * time.Second,
		InflightTTL:      2 * time.Hour,
		AuditMaxRecords:  500,
		AuditPruneEvery:  5 * time.Minute,
		TemplateTTL:      24 * time.Hour,
		TemplateMax:      200,
	}
}

// Load reads configuration from an optional YAML file and applies
// environment overrides. A missing file is not an error; a malformed one is.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the relay cannot run with.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("config: unknown store_backend %q (want memory or sqlite)", c.StoreBackend)
	}
	if c.StoreBackend == "sqlite" && c.SQLitePath == "" {
		return fmt.Errorf("config: sqlite_path is required with store_backend=sqlite")
	}
	if c.RateLimitMax <= 0 {
		return fmt.Errorf("config: rate_limit_max must be positive")
	}
	if c.AuditMaxRecords <= 0 {
		return fmt.Errorf("config: audit_max_records must be positive")
	}
	if c.InflightTimeout <= 0 || c.InflightSweep <= 0 {
		return fmt.Errorf("config: inflight timeout and sweep interval must be positive")
	}
	return nil
}

// Redacted returns a copy safe to expose on the admin surface.
func (c *Config) Redacted() Config {
	out := *c
	if out.AdminSecret != "" {
		out.AdminSecret = "****"
	}
	return out
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CODEXBRIDGE_LISTEN"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("CODEXBRIDGE_ADMIN_SECRET"); v != "" {
		cfg.AdminSecret = v
	}
	if v := os.Getenv("CODEXBRIDGE_NOTIFY_URL"); v != "" {
		cfg.NotifyWebhookURL = v
	}
	if v := os.Getenv("CODEXBRIDGE_STORE"); v != "" {
		cfg.StoreBackend = v
	}
	if v := os.Getenv("CODEXBRIDGE_SQLITE_PATH"); v != "" {
		cfg.SQLitePath = v
	}
	if v := os.Getenv("CODEXBRIDGE_AUDIT_LOG"); v != "" {
		cfg.AuditLogPath = v
	}
	if v := os.Getenv("CODEXBRIDGE_AUDIT_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.AuditMaxRecords = n
		}
	}
	if v := os.Getenv("CODEXBRIDGE_RATE_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimitMax = n
		}
	}
	for _, d := range []struct {
		env string
		dst *time.Duration
	}{
		{"CODEXBRIDGE_IDEMPOTENCY_TTL", &cfg.IdempotencyTTL},
		{"CODEXBRIDGE_RATE_WINDOW", &cfg.RateLimitWindow},
		{"CODEXBRIDGE_HEARTBEAT_TIMEOUT", &cfg.HeartbeatTimeout},
		{"CODEXBRIDGE_INFLIGHT_TIMEOUT", &cfg.InflightTimeout},
		{"CODEXBRIDGE_INFLIGHT_SWEEP", &cfg.InflightSweep},
	} {
		if v := os.Getenv(d.env); v != "" {
			if dur, err := time.ParseDuration(v); err == nil {
				*d.dst = dur
			}
		}
	}
}
