// Package config holds all configuration types and loading logic for syncq.
// Config structure never shrinks: fields are only added, never renamed or removed.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a syncq server instance.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Storage   StorageConfig   `yaml:"storage"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Messaging MessagingConfig `yaml:"messaging"`
	Worker    WorkerConfig    `yaml:"worker"`
	Security  SecurityConfig  `yaml:"security"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`
}

// NodeConfig holds the identity of this server node.
type NodeConfig struct {
	// ID is a ULID string. Use "auto" to generate and persist one on first start.
	ID      string `yaml:"id"`
	DataDir string `yaml:"data_dir"`
}

// StorageConfig controls the bbolt message store.
type StorageConfig struct {
	// Path is relative to node.data_dir unless absolute.
	Path string `yaml:"path"`
	// Fsync flushes every commit to disk. Disable only for tests.
	Fsync bool `yaml:"fsync"`
	// OpenTimeout bounds the wait for the file lock, e.g. "5s".
	OpenTimeout string `yaml:"open_timeout"`
}

// ArchiveConfig controls the SQLite archive of processed messages.
type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// MessagingConfig is the retry policy of the messaging service.
type MessagingConfig struct {
	MaxProcessingAttempts int `yaml:"max_processing_attempts"`
	MaxDownloadAttempts   int `yaml:"max_download_attempts"`
	// PartSize is the payload size of each part of a split download.
	PartSize int `yaml:"part_size"`
}

// WorkerConfig controls the processing pool.
type WorkerConfig struct {
	Count        int    `yaml:"count"`
	PollInterval string `yaml:"poll_interval"`
	ErrorBackoff string `yaml:"error_backoff"`
	// Rate caps claims per second across the pool; 0 means unlimited.
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
	// RecoverLocks resets in-flight records left by a previous run on start.
	RecoverLocks bool `yaml:"recover_locks"`
	// RetireInterval is how often finished messages whose archival or
	// deletion failed are retried.
	RetireInterval string `yaml:"retire_interval"`
}

// SecurityConfig controls per-device key derivation.
type SecurityConfig struct {
	// MasterSecret seeds every device key. Empty disables secure message types.
	MasterSecret  string `yaml:"master_secret"`
	KDFIterations int    `yaml:"kdf_iterations"`
}

// MetricsConfig controls the admin listener serving /metrics and /health.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	// APIKey, when set, is required in the X-Api-Key header.
	APIKey string `yaml:"api_key"`
	// RateLimit is requests per second per client IP; 0 disables limiting.
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // json | text
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID:      "auto",
			DataDir: "./data",
		},
		Storage: StorageConfig{
			Path:        "messages.db",
			Fsync:       true,
			OpenTimeout: "5s",
		},
		Archive: ArchiveConfig{
			Enabled: true,
			Path:    "archive.db",
		},
		Messaging: MessagingConfig{
			MaxProcessingAttempts: 3,
			MaxDownloadAttempts:   5,
			PartSize:              40_000,
		},
		Worker: WorkerConfig{
			Count:          4,
			PollInterval:   "1s",
			ErrorBackoff:   "5s",
			RecoverLocks:   true,
			RetireInterval: "1m",
		},
		Security: SecurityConfig{
			KDFIterations: 100_000,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Host:      "0.0.0.0",
			Port:      9090,
			RateLimit: 20,
			Burst:     40,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error.
//
// After loading the file, environment variables are applied as overrides:
//
//	SYNCQ_DATA_DIR        sets node.data_dir
//	SYNCQ_MASTER_SECRET   sets security.master_secret
//	SYNCQ_METRICS_PORT    sets metrics.port
//	SYNCQ_LOG_LEVEL       sets log.level
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("SYNCQ_DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := os.Getenv("SYNCQ_MASTER_SECRET"); v != "" {
		cfg.Security.MasterSecret = v
	}
	if v := os.Getenv("SYNCQ_METRICS_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			cfg.Metrics.Port = p
		}
	}
	if v := os.Getenv("SYNCQ_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Node.DataDir == "" {
		return errors.New("node.data_dir must not be empty")
	}
	if c.Storage.Path == "" {
		return errors.New("storage.path must not be empty")
	}
	if c.Archive.Enabled && c.Archive.Path == "" {
		return errors.New("archive.path must not be empty when the archive is enabled")
	}
	if c.Messaging.MaxProcessingAttempts < 1 {
		return errors.New("messaging.max_processing_attempts must be at least 1")
	}
	if c.Messaging.MaxDownloadAttempts < 1 {
		return errors.New("messaging.max_download_attempts must be at least 1")
	}
	if c.Messaging.PartSize < 1 || c.Messaging.PartSize > 40_000 {
		return errors.New("messaging.part_size must be between 1 and 40000")
	}
	if c.Worker.Count < 1 {
		return errors.New("worker.count must be at least 1")
	}
	if c.Worker.Rate < 0 {
		return errors.New("worker.rate must be >= 0")
	}
	for _, d := range []struct{ name, value string }{
		{"storage.open_timeout", c.Storage.OpenTimeout},
		{"worker.poll_interval", c.Worker.PollInterval},
		{"worker.error_backoff", c.Worker.ErrorBackoff},
		{"worker.retire_interval", c.Worker.RetireInterval},
	} {
		if _, err := parseDuration(d.value); err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
	}
	if c.Security.MasterSecret != "" && c.Security.KDFIterations < 10_000 {
		return errors.New("security.kdf_iterations must be at least 10000")
	}
	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return errors.New("metrics.port must be between 1 and 65535")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.New(`log.level must be one of "debug", "info", "warn", "error"`)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return errors.New(`log.format must be "json" or "text"`)
	}
	return nil
}

// parseDuration accepts Go duration strings; empty means zero.
func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

// ─── Derived values ──────────────────────────────────────────────────────────

// resolve joins p onto the data dir unless p is absolute.
func (c *Config) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Node.DataDir, p)
}

// StoragePath is the bbolt file location.
func (c *Config) StoragePath() string { return c.resolve(c.Storage.Path) }

// ArchivePath is the SQLite file location.
func (c *Config) ArchivePath() string { return c.resolve(c.Archive.Path) }

// OpenTimeout returns storage.open_timeout. Call after Validate.
func (c *Config) OpenTimeout() time.Duration {
	d, _ := parseDuration(c.Storage.OpenTimeout)
	return d
}

// PollInterval returns worker.poll_interval. Call after Validate.
func (c *Config) PollInterval() time.Duration {
	d, _ := parseDuration(c.Worker.PollInterval)
	return d
}

// ErrorBackoff returns worker.error_backoff. Call after Validate.
func (c *Config) ErrorBackoff() time.Duration {
	d, _ := parseDuration(c.Worker.ErrorBackoff)
	return d
}

// RetireInterval returns worker.retire_interval. Call after Validate.
func (c *Config) RetireInterval() time.Duration {
	d, _ := parseDuration(c.Worker.RetireInterval)
	return d
}

// MetricsAddr is the admin listener address.
func (c *Config) MetricsAddr() string {
	return fmt.Sprintf("%s:%d", c.Metrics.Host, c.Metrics.Port)
}
