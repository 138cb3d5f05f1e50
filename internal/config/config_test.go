package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Backend.URL != "http://localhost:8080" {
		t.Errorf("backend URL = %q", cfg.Backend.URL)
	}
	if !cfg.Replica.LocalFirst {
		t.Error("local_first should default to true")
	}
	if cfg.Sync.DebounceInterval != 100*time.Millisecond {
		t.Errorf("debounce interval = %v", cfg.Sync.DebounceInterval)
	}
	if cfg.Sync.RetryCeiling != 5 {
		t.Errorf("retry ceiling = %d", cfg.Sync.RetryCeiling)
	}
	if cfg.Sync.CacheTTL != 30*time.Second {
		t.Errorf("cache TTL = %v", cfg.Sync.CacheTTL)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
backend:
  url: https://api.example.com
  online_ttl: 10s
replica:
  local_first: false
sync:
  collections: [products, sales]
  cache_ttl: 5s
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Backend.URL != "https://api.example.com" {
		t.Errorf("backend URL = %q", cfg.Backend.URL)
	}
	if cfg.Backend.OnlineTTL != 10*time.Second {
		t.Errorf("online TTL = %v", cfg.Backend.OnlineTTL)
	}
	if cfg.Replica.LocalFirst {
		t.Error("local_first not overridden")
	}
	if len(cfg.Sync.Collections) != 2 {
		t.Errorf("collections = %v", cfg.Sync.Collections)
	}
	if cfg.Sync.CacheTTL != 5*time.Second {
		t.Errorf("cache TTL = %v", cfg.Sync.CacheTTL)
	}
	// Unset keys keep their defaults.
	if cfg.Sync.RetryCeiling != 5 {
		t.Errorf("retry ceiling = %d", cfg.Sync.RetryCeiling)
	}
}

func TestLoadTokenFile(t *testing.T) {
	tokenPath := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(tokenPath, []byte("secret-token\n"), 0o600); err != nil {
		t.Fatalf("failed to write token: %v", err)
	}

	configPath := filepath.Join(t.TempDir(), "config.yaml")
	content := "backend:\n  token_file: " + tokenPath + "\n"
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Backend.Token != "secret-token" {
		t.Errorf("token = %q, want trimmed file contents", cfg.Backend.Token)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty backend URL", func(c *Config) { c.Backend.URL = "" }},
		{"zero debounce", func(c *Config) { c.Sync.DebounceInterval = 0 }},
		{"zero cache TTL", func(c *Config) { c.Sync.CacheTTL = 0 }},
		{"zero retry ceiling", func(c *Config) { c.Sync.RetryCeiling = 0 }},
		{"local-first without path", func(c *Config) {
			c.Replica.LocalFirst = true
			c.Replica.Path = ""
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestMissingExplicitFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Error("expected error for missing explicit config file")
	}
}
