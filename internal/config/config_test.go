package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.ListenAddr != ":8787" {
		t.Errorf("ListenAddr = %q, want :8787", cfg.ListenAddr)
	}
	if cfg.StoreBackend != "memory" {
		t.Errorf("StoreBackend = %q, want memory", cfg.StoreBackend)
	}
	if cfg.RateLimitMax != 20 || cfg.RateLimitWindow != time.Minute {
		t.Errorf("rate limit defaults = %d/%s", cfg.RateLimitMax, cfg.RateLimitWindow)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":8787" {
		t.Errorf("ListenAddr = %q, want default", cfg.ListenAddr)
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := "listen_addr: \":9000\"\nrate_limit_max: 5\ninflight_timeout: 10m\n"
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CODEXBRIDGE_LISTEN", ":9001")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":9001" {
		t.Errorf("ListenAddr = %q, want env override :9001", cfg.ListenAddr)
	}
	if cfg.RateLimitMax != 5 {
		t.Errorf("RateLimitMax = %d, want 5 from file", cfg.RateLimitMax)
	}
	if cfg.InflightTimeout != 10*time.Minute {
		t.Errorf("InflightTimeout = %s, want 10m from file", cfg.InflightTimeout)
	}
	if cfg.HeartbeatTimeout != 90*time.Second {
		t.Errorf("HeartbeatTimeout = %s, want untouched default", cfg.HeartbeatTimeout)
	}
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(":::"), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("malformed YAML should fail Load")
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.StoreBackend = "redis" }},
		{"sqlite without path", func(c *Config) { c.StoreBackend = "sqlite"; c.SQLitePath = "" }},
		{"zero rate limit", func(c *Config) { c.RateLimitMax = 0 }},
		{"zero audit cap", func(c *Config) { c.AuditMaxRecords = 0 }},
		{"zero sweep interval", func(c *Config) { c.InflightSweep = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestRedacted(t *testing.T) {
	cfg := Defaults()
	cfg.AdminSecret = "hunter2"
	red := cfg.Redacted()
	if red.AdminSecret != "****" {
		t.Errorf("AdminSecret = %q, want masked", red.AdminSecret)
	}
	if cfg.AdminSecret != "hunter2" {
		t.Error("Redacted mutated the original")
	}
}
