// Package config loads engine configuration with precedence:
// defaults, then YAML file, then TETHER_* environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Remote    RemoteConfig    `yaml:"remote"`
	Sync      SyncConfig      `yaml:"sync"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
	DevServer DevServerConfig `yaml:"devserver"`
}

// DatabaseConfig contains local store settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RemoteConfig identifies the sync authority.
type RemoteConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"-"` // env-only, never in YAML
}

// SyncConfig tunes the coordinator.
type SyncConfig struct {
	Interval       Duration `yaml:"interval"`
	PullLimit      int      `yaml:"pull_limit"`
	PushBatchSize  int      `yaml:"push_batch_size"`
	PurgeAfter     Duration `yaml:"purge_after"`
	InitialBackoff Duration `yaml:"initial_backoff"`
	MaxBackoff     Duration `yaml:"max_backoff"`
	DeletePolicy   string   `yaml:"delete_policy"`
}

// LogConfig contains logging settings. A non-empty File routes logs through
// a size-rotated file instead of stderr.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// SnapshotConfig controls periodic database backups.
type SnapshotConfig struct {
	Interval Duration              `yaml:"interval"`
	Dir      string                `yaml:"dir"`
	Storage  SnapshotStorageConfig `yaml:"storage"`
}

// SnapshotStorageConfig contains S3-compatible backup storage settings.
// An empty bucket disables uploads; snapshots stay local.
type SnapshotStorageConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"-"` // env-only, never in YAML
	SecretKey string `yaml:"-"` // env-only, never in YAML
	UseSSL    *bool  `yaml:"use_ssl"`
}

// DevServerConfig contains settings for the reference sync authority.
type DevServerConfig struct {
	Listen         string   `yaml:"listen"`
	APIKey         string   `yaml:"-"` // env-only, never in YAML
	IdempotencyTTL Duration `yaml:"idempotency_ttl"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("TETHER_CONFIG_PATH", "config/tether.yaml")

	// Missing file is not an error; defaults apply
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path: "data/tether.db",
		},
		Sync: SyncConfig{
			Interval:       Duration(time.Minute),
			PullLimit:      500,
			PushBatchSize:  100,
			PurgeAfter:     Duration(24 * time.Hour),
			InitialBackoff: Duration(time.Second),
			MaxBackoff:     Duration(5 * time.Minute),
			DeletePolicy:   "update_wins",
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9107",
		},
		Snapshot: SnapshotConfig{
			Interval: Duration(6 * time.Hour),
			Dir:      "data/snapshots",
		},
		DevServer: DevServerConfig{
			Listen:         "127.0.0.1:8090",
			IdempotencyTTL: Duration(24 * time.Hour),
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("TETHER_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Remote
	if v := os.Getenv("TETHER_REMOTE_URL"); v != "" {
		cfg.Remote.URL = v
	}
	if v := os.Getenv("TETHER_API_KEY"); v != "" {
		cfg.Remote.APIKey = v
	}

	// Sync
	if v := os.Getenv("TETHER_SYNC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.Interval = Duration(d)
		}
	}
	if v := os.Getenv("TETHER_PULL_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.PullLimit = n
		}
	}
	if v := os.Getenv("TETHER_PUSH_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.PushBatchSize = n
		}
	}
	if v := os.Getenv("TETHER_PURGE_AFTER"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.PurgeAfter = Duration(d)
		}
	}
	if v := os.Getenv("TETHER_DELETE_POLICY"); v != "" {
		cfg.Sync.DeletePolicy = v
	}

	// Log
	if v := os.Getenv("TETHER_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("TETHER_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("TETHER_LOG_FILE"); v != "" {
		cfg.Log.File = v
	}

	// Metrics
	if v := os.Getenv("TETHER_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("TETHER_METRICS_LISTEN"); v != "" {
		cfg.Metrics.Listen = v
	}

	// Snapshot
	if v := os.Getenv("TETHER_SNAPSHOT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Snapshot.Interval = Duration(d)
		}
	}
	if v := os.Getenv("TETHER_SNAPSHOT_DIR"); v != "" {
		cfg.Snapshot.Dir = v
	}
	if v := os.Getenv("TETHER_S3_ENDPOINT"); v != "" {
		cfg.Snapshot.Storage.Endpoint = v
	}
	if v := os.Getenv("TETHER_S3_BUCKET"); v != "" {
		cfg.Snapshot.Storage.Bucket = v
	}
	if v := os.Getenv("TETHER_S3_REGION"); v != "" {
		cfg.Snapshot.Storage.Region = v
	}
	if v := os.Getenv("TETHER_S3_ACCESS_KEY"); v != "" {
		cfg.Snapshot.Storage.AccessKey = v
	}
	if v := os.Getenv("TETHER_S3_SECRET_KEY"); v != "" {
		cfg.Snapshot.Storage.SecretKey = v
	}

	// Dev server
	if v := os.Getenv("TETHER_DEVSERVER_LISTEN"); v != "" {
		cfg.DevServer.Listen = v
	}
	if v := os.Getenv("TETHER_DEVSERVER_API_KEY"); v != "" {
		cfg.DevServer.APIKey = v
	}
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
