// Package config handles configuration loading and validation for patrakosh.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/patrakosh/patrakosh/internal/blob"
	"github.com/patrakosh/patrakosh/pkg/bytesize"
)

// Blob backends.
const (
	BackendLocal  = "local"
	BackendMemory = "memory"
	BackendS3     = "s3"
)

// Config holds the configuration of a patrakosh instance.
type Config struct {
	DataDir  string `yaml:"data_dir"` // Root for the database, local blobs and keys (default: ~/.patrakosh)
	Database string `yaml:"database"` // SQLite path, or ":memory:" (default: <data_dir>/patrakosh.db)
	LogLevel string `yaml:"log_level"`

	Blob      BlobConfig      `yaml:"blob"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Cache     CacheConfig     `yaml:"cache"`
	Quota     QuotaConfig     `yaml:"quota"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Loki      LokiConfig      `yaml:"loki"`
}

// BlobConfig selects where file bytes are stored and how they are encoded.
type BlobConfig struct {
	Backend    string        `yaml:"backend"` // local, memory or s3 (default: local)
	Dir        string        `yaml:"dir"`     // Local backend root (default: <data_dir>/blobs)
	Compress   bool          `yaml:"compress"`
	Passphrase string        `yaml:"passphrase"` // Derives the encryption key; takes precedence over key_file
	KeyFile    string        `yaml:"key_file"`   // Encryption key file, generated on first use
	S3         blob.S3Config `yaml:"s3"`
}

// SchedulerConfig sizes the worker pools.
type SchedulerConfig struct {
	UploadWorkers    int    `yaml:"upload_workers"`    // default: 5
	DownloadWorkers  int    `yaml:"download_workers"`  // default: 10
	ScheduledWorkers int    `yaml:"scheduled_workers"` // default: 2
	ShutdownGrace    string `yaml:"shutdown_grace"`    // Duration string (default: "60s")
}

// CacheConfig sizes the in-memory caches.
type CacheConfig struct {
	Records      int `yaml:"records"`      // default: 1000
	Sessions     int `yaml:"sessions"`     // default: 10000
	Fingerprints int `yaml:"fingerprints"` // default: 100000, -1 for unbounded
}

// QuotaConfig holds quota policy.
type QuotaConfig struct {
	Default          bytesize.Size `yaml:"default"`           // Quota of new accounts (default: 1Gi)
	RejectDuplicates bool          `yaml:"reject_duplicates"` // Refuse content that is already stored
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Listen          string `yaml:"listen"`           // Empty disables the endpoint
	RefreshInterval string `yaml:"refresh_interval"` // Duration string (default: "15s")
	Trace           bool          `yaml:"trace"`        // Serve flight recorder snapshots at /debug/trace
	TraceBuffer     bytesize.Size `yaml:"trace_buffer"` // default: 10Mi
}

// LokiConfig configures log shipping to Grafana Loki while serving.
type LokiConfig struct {
	URL           string            `yaml:"url"` // Empty disables shipping
	Labels        map[string]string `yaml:"labels"`
	BatchSize     int               `yaml:"batch_size"`     // default: 100
	FlushInterval string            `yaml:"flush_interval"` // Duration string (default: "5s")
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "~/.patrakosh"
	}
	c.DataDir = expandHome(c.DataDir)
	if c.Database == "" {
		c.Database = filepath.Join(c.DataDir, "patrakosh.db")
	}
	c.Database = expandHome(c.Database)
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	if c.Blob.Backend == "" {
		c.Blob.Backend = BackendLocal
	}
	if c.Blob.Dir == "" {
		c.Blob.Dir = filepath.Join(c.DataDir, "blobs")
	}
	c.Blob.Dir = expandHome(c.Blob.Dir)
	c.Blob.KeyFile = expandHome(c.Blob.KeyFile)

	if c.Scheduler.UploadWorkers == 0 {
		c.Scheduler.UploadWorkers = 5
	}
	if c.Scheduler.DownloadWorkers == 0 {
		c.Scheduler.DownloadWorkers = 10
	}
	if c.Scheduler.ScheduledWorkers == 0 {
		c.Scheduler.ScheduledWorkers = 2
	}
	if c.Scheduler.ShutdownGrace == "" {
		c.Scheduler.ShutdownGrace = "60s"
	}

	if c.Cache.Records == 0 {
		c.Cache.Records = 1000
	}
	if c.Cache.Sessions == 0 {
		c.Cache.Sessions = 10000
	}
	if c.Cache.Fingerprints == 0 {
		c.Cache.Fingerprints = 100000
	}

	if c.Quota.Default == 0 {
		c.Quota.Default = bytesize.Size(bytesize.GB)
	}

	if c.Metrics.RefreshInterval == "" {
		c.Metrics.RefreshInterval = "15s"
	}
	if c.Metrics.TraceBuffer == 0 {
		c.Metrics.TraceBuffer = bytesize.Size(10 * bytesize.MB)
	}

	if c.Loki.FlushInterval == "" {
		c.Loki.FlushInterval = "5s"
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level: %w", err)
	}

	switch c.Blob.Backend {
	case BackendLocal, BackendMemory:
	case BackendS3:
		if c.Blob.S3.Bucket == "" {
			return fmt.Errorf("blob.s3.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("blob.backend must be one of %s, %s, %s", BackendLocal, BackendMemory, BackendS3)
	}

	if c.Scheduler.UploadWorkers < 0 || c.Scheduler.DownloadWorkers < 0 || c.Scheduler.ScheduledWorkers < 0 {
		return fmt.Errorf("scheduler worker counts must not be negative")
	}
	if _, err := c.ShutdownGrace(); err != nil {
		return err
	}

	if c.Cache.Records < 0 || c.Cache.Sessions < 0 || c.Cache.Fingerprints < -1 {
		return fmt.Errorf("cache capacities must not be negative")
	}
	if c.Quota.Default < 0 {
		return fmt.Errorf("quota.default must not be negative")
	}
	if _, err := c.RefreshInterval(); err != nil {
		return err
	}
	if c.Metrics.TraceBuffer < 0 {
		return fmt.Errorf("metrics.trace_buffer must not be negative")
	}
	if c.Loki.URL != "" {
		if c.Loki.BatchSize < 0 {
			return fmt.Errorf("loki.batch_size must not be negative")
		}
		if _, err := c.LokiFlushInterval(); err != nil {
			return err
		}
	}
	return nil
}

// ShutdownGrace returns the parsed scheduler shutdown grace period.
func (c *Config) ShutdownGrace() (time.Duration, error) {
	d, err := time.ParseDuration(c.Scheduler.ShutdownGrace)
	if err != nil {
		return 0, fmt.Errorf("invalid scheduler.shutdown_grace: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("scheduler.shutdown_grace must not be negative")
	}
	return d, nil
}

// RefreshInterval returns the parsed metrics refresh interval.
func (c *Config) RefreshInterval() (time.Duration, error) {
	d, err := time.ParseDuration(c.Metrics.RefreshInterval)
	if err != nil {
		return 0, fmt.Errorf("invalid metrics.refresh_interval: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("metrics.refresh_interval must be positive")
	}
	return d, nil
}

// LokiFlushInterval returns the parsed Loki flush interval.
func (c *Config) LokiFlushInterval() (time.Duration, error) {
	d, err := time.ParseDuration(c.Loki.FlushInterval)
	if err != nil {
		return 0, fmt.Errorf("invalid loki.flush_interval: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("loki.flush_interval must be positive")
	}
	return d, nil
}

// FingerprintCapacity returns the fingerprint index capacity, 0 meaning unbounded.
func (c *Config) FingerprintCapacity() int {
	if c.Cache.Fingerprints < 0 {
		return 0
	}
	return c.Cache.Fingerprints
}

// MasterKey returns the blob encryption key, or nil when encryption is off.
func (c *Config) MasterKey() (*[MasterKeySize]byte, error) {
	switch {
	case c.Blob.Passphrase != "":
		return blob.DeriveMasterKey(c.Blob.Passphrase)
	case c.Blob.KeyFile != "":
		return EnsureMasterKey(c.Blob.KeyFile)
	default:
		return nil, nil
	}
}

// expandHome expands a leading "~/" to the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(homeDir, path[2:])
}
