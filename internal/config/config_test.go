package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patrakosh/patrakosh/pkg/bytesize"
	"github.com/patrakosh/patrakosh/testutil"
)

func TestLoad(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `
data_dir: "/srv/patrakosh"
log_level: debug
blob:
  backend: s3
  compress: true
  s3:
    bucket: files
    prefix: prod
    endpoint: "http://localhost:9000"
    path_style: true
scheduler:
  upload_workers: 3
  download_workers: 4
  scheduled_workers: 1
  shutdown_grace: "5s"
cache:
  records: 50
  sessions: 60
  fingerprints: 0
quota:
  default: "500Mi"
  reject_duplicates: true
metrics:
  listen: ":9100"
loki:
  url: "http://loki:3100"
  labels:
    env: prod
  flush_interval: "2s"
`
	configPath := testutil.TempFile(t, dir, "patrakosh.yaml", content)

	cfg, err := Load(configPath)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/srv/patrakosh", cfg.DataDir)
	assert.Equal(t, filepath.Join("/srv/patrakosh", "patrakosh.db"), cfg.Database)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, BackendS3, cfg.Blob.Backend)
	assert.True(t, cfg.Blob.Compress)
	assert.Equal(t, "files", cfg.Blob.S3.Bucket)
	assert.Equal(t, "prod", cfg.Blob.S3.Prefix)
	assert.True(t, cfg.Blob.S3.PathStyle)
	assert.Equal(t, 3, cfg.Scheduler.UploadWorkers)
	assert.Equal(t, 4, cfg.Scheduler.DownloadWorkers)
	assert.Equal(t, 1, cfg.Scheduler.ScheduledWorkers)
	assert.Equal(t, 50, cfg.Cache.Records)
	assert.Equal(t, 60, cfg.Cache.Sessions)
	assert.Equal(t, 100000, cfg.Cache.Fingerprints, "zero selects the default")
	assert.Equal(t, 100000, cfg.FingerprintCapacity())
	assert.Equal(t, 500*bytesize.MB, cfg.Quota.Default.Bytes())
	assert.True(t, cfg.Quota.RejectDuplicates)
	assert.Equal(t, ":9100", cfg.Metrics.Listen)

	assert.Equal(t, "http://loki:3100", cfg.Loki.URL)
	assert.Equal(t, "prod", cfg.Loki.Labels["env"])

	grace, err := cfg.ShutdownGrace()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, grace)
	flush, err := cfg.LokiFlushInterval()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, flush)
}

func TestLoad_Defaults(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	configPath := testutil.TempFile(t, dir, "patrakosh.yaml", "log_level: warn\n")

	cfg, err := Load(configPath)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".patrakosh"), cfg.DataDir)
	assert.Equal(t, filepath.Join(home, ".patrakosh", "blobs"), cfg.Blob.Dir)
	assert.Equal(t, BackendLocal, cfg.Blob.Backend)
	assert.Equal(t, 5, cfg.Scheduler.UploadWorkers)
	assert.Equal(t, 10, cfg.Scheduler.DownloadWorkers)
	assert.Equal(t, 2, cfg.Scheduler.ScheduledWorkers)
	assert.Equal(t, 1000, cfg.Cache.Records)
	assert.Equal(t, 10000, cfg.Cache.Sessions)
	assert.Equal(t, bytesize.GB, cfg.Quota.Default.Bytes())
	assert.False(t, cfg.Quota.RejectDuplicates)
	assert.Empty(t, cfg.Metrics.Listen)
	assert.False(t, cfg.Metrics.Trace)
	assert.Equal(t, 10*bytesize.MB, cfg.Metrics.TraceBuffer.Bytes())

	grace, err := cfg.ShutdownGrace()
	require.NoError(t, err)
	assert.Equal(t, 60*time.Second, grace)
	refresh, err := cfg.RefreshInterval()
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, refresh)
	assert.Empty(t, cfg.Loki.URL)
	assert.Equal(t, "5s", cfg.Loki.FlushInterval)
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, "info", cfg.LogLevel)

	cfg.Cache.Fingerprints = -1
	assert.Zero(t, cfg.FingerprintCapacity(), "zero capacity is unbounded")
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	configPath := testutil.TempFile(t, dir, "patrakosh.yaml", "data_dir: [invalid yaml\n")

	_, err := Load(configPath)
	assert.Error(t, err)
}

func TestLoad_InvalidSize(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	configPath := testutil.TempFile(t, dir, "patrakosh.yaml", "quota:\n  default: \"lots\"\n")

	_, err := Load(configPath)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
		{"unknown backend", func(c *Config) { c.Blob.Backend = "tape" }, "blob.backend"},
		{"s3 without bucket", func(c *Config) { c.Blob.Backend = BackendS3 }, "bucket"},
		{"negative workers", func(c *Config) { c.Scheduler.UploadWorkers = -1 }, "worker"},
		{"bad grace", func(c *Config) { c.Scheduler.ShutdownGrace = "soon" }, "shutdown_grace"},
		{"negative grace", func(c *Config) { c.Scheduler.ShutdownGrace = "-1s" }, "shutdown_grace"},
		{"negative cache", func(c *Config) { c.Cache.Records = -5 }, "cache"},
		{"unbounded fingerprints", func(c *Config) { c.Cache.Fingerprints = -1 }, ""},
		{"negative fingerprints", func(c *Config) { c.Cache.Fingerprints = -2 }, "cache"},
		{"negative quota", func(c *Config) { c.Quota.Default = -1 }, "quota"},
		{"zero refresh", func(c *Config) { c.Metrics.RefreshInterval = "0s" }, "refresh_interval"},
		{"negative trace buffer", func(c *Config) { c.Metrics.TraceBuffer = -1 }, "trace_buffer"},
		{"loki flush ignored when disabled", func(c *Config) { c.Loki.FlushInterval = "never" }, ""},
		{"bad loki flush", func(c *Config) {
			c.Loki.URL = "http://loki:3100"
			c.Loki.FlushInterval = "never"
		}, "loki.flush_interval"},
		{"negative loki batch", func(c *Config) {
			c.Loki.URL = "http://loki:3100"
			c.Loki.BatchSize = -1
		}, "loki.batch_size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestMasterKey(t *testing.T) {
	cfg := Default()
	key, err := cfg.MasterKey()
	require.NoError(t, err)
	assert.Nil(t, key, "encryption is off by default")

	cfg.Blob.KeyFile = filepath.Join(t.TempDir(), "blob.key")
	fromFile, err := cfg.MasterKey()
	require.NoError(t, err)
	require.NotNil(t, fromFile)
	again, err := cfg.MasterKey()
	require.NoError(t, err)
	assert.Equal(t, *fromFile, *again)

	cfg.Blob.Passphrase = "correct horse"
	derived, err := cfg.MasterKey()
	require.NoError(t, err)
	assert.NotEqual(t, *fromFile, *derived, "a passphrase takes precedence over the key file")
}
