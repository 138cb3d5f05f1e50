// Package config loads tillsync configuration from file and
// environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the sync engine.
type Config struct {
	Backend BackendConfig `mapstructure:"backend"`
	Replica ReplicaConfig `mapstructure:"replica"`
	Sync    SyncConfig    `mapstructure:"sync"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// BackendConfig holds remote service connection settings.
type BackendConfig struct {
	// URL is the base URL of the backend API.
	URL string `mapstructure:"url"`

	// Token authenticates requests. TokenFile, when set, is read at
	// load time and takes precedence.
	Token     string `mapstructure:"token"`
	TokenFile string `mapstructure:"token_file"`

	// OnlineTTL bounds how long a connectivity verdict is trusted
	// before re-probing.
	OnlineTTL time.Duration `mapstructure:"online_ttl"`
}

// ReplicaConfig holds local replica settings.
type ReplicaConfig struct {
	// Path is the SQLite database file. Defaults to
	// $HOME/.tilldesk/replica.db.
	Path string `mapstructure:"path"`

	// LocalFirst enables the durable local replica and offline
	// write queueing. Browser-style deployments set this false.
	LocalFirst bool `mapstructure:"local_first"`
}

// SyncConfig holds synchronization tuning.
type SyncConfig struct {
	// Collections to synchronize. Empty means all known collections.
	Collections []string `mapstructure:"collections"`

	// DebounceInterval collapses rapid push notification bursts for
	// one record into a single apply.
	DebounceInterval time.Duration `mapstructure:"debounce_interval"`

	// CacheTTL bounds the read cache.
	CacheTTL time.Duration `mapstructure:"cache_ttl"`

	// RetryCeiling is the retry count at which a queued mutation is
	// excluded from automatic replay.
	RetryCeiling int `mapstructure:"retry_ceiling"`

	// ReconcileInterval is the background reconciliation cadence.
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	// File, when set, sends logs to a rotating file instead of stderr.
	File string `mapstructure:"file"`

	// MaxSizeMB is the rotation threshold for the log file.
	MaxSizeMB int `mapstructure:"max_size_mb"`

	// MaxBackups is how many rotated files to keep.
	MaxBackups int `mapstructure:"max_backups"`
}

// Load reads configuration from configPath (or the default search
// path when empty) and TILLDESK_* environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".tilldesk"))
		}
	}

	v.SetEnvPrefix("TILLDESK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The config file is optional; defaults plus environment
	// variables are a complete configuration.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configPath != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Backend.TokenFile != "" {
		token, err := os.ReadFile(cfg.Backend.TokenFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read token file: %w", err)
		}
		cfg.Backend.Token = strings.TrimSpace(string(token))
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend.url", "http://localhost:8080")
	v.SetDefault("backend.online_ttl", "5s")

	v.SetDefault("replica.path", defaultReplicaPath())
	v.SetDefault("replica.local_first", true)

	v.SetDefault("sync.debounce_interval", "100ms")
	v.SetDefault("sync.cache_ttl", "30s")
	v.SetDefault("sync.retry_ceiling", 5)
	v.SetDefault("sync.reconcile_interval", "30s")

	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 3)
}

func defaultReplicaPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "replica.db"
	}
	return filepath.Join(home, ".tilldesk", "replica.db")
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Backend.URL == "" {
		return fmt.Errorf("backend.url is required")
	}
	if c.Replica.LocalFirst && c.Replica.Path == "" {
		return fmt.Errorf("replica.path is required when replica.local_first is set")
	}
	if c.Sync.DebounceInterval <= 0 {
		return fmt.Errorf("sync.debounce_interval must be positive")
	}
	if c.Sync.CacheTTL <= 0 {
		return fmt.Errorf("sync.cache_ttl must be positive")
	}
	if c.Sync.RetryCeiling < 1 {
		return fmt.Errorf("sync.retry_ceiling must be at least 1")
	}
	if c.Sync.ReconcileInterval <= 0 {
		return fmt.Errorf("sync.reconcile_interval must be positive")
	}
	return nil
}
