package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("QPO_DATA_DIR", filepath.Join(dir, "data"))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.DevMode)
	assert.True(t, cfg.ArchiveEnabled)
	assert.Equal(t, 2, cfg.MaxConcurrentJobs)
	assert.GreaterOrEqual(t, cfg.EvalWorkers, 1)
	assert.Equal(t, 300*time.Second, cfg.JobTimeout)
	assert.Equal(t, 30*time.Second, cfg.EvalTimeout)
	assert.Equal(t, 60*time.Second, cfg.BackendTTL)
	assert.Equal(t, "@every 5m", cfg.BackendRefreshSchedule)
	assert.Equal(t, 24, cfg.SimulatorMaxQubits)
	assert.Empty(t, cfg.RemoteBackendURL)
	assert.Equal(t, 5.0, cfg.RemoteRatePerSec)
	assert.Zero(t, cfg.JobRetention)
	assert.False(t, cfg.Backup.Enabled())
	assert.Equal(t, "@daily", cfg.Backup.Schedule)
	assert.Equal(t, 30, cfg.Backup.RetentionDays)
	assert.DirExists(t, cfg.DataDir)
	assert.Equal(t, filepath.Join(dir, "data", "archive.db"), cfg.ArchivePath())
}

func TestLoad_Overrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("QPO_DATA_DIR", dir)
	t.Setenv("QPO_PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("DEV_MODE", "true")
	t.Setenv("QPO_MAX_CONCURRENT_JOBS", "4")
	t.Setenv("QPO_EVAL_WORKERS", "3")
	t.Setenv("QPO_JOB_TIMEOUT_SECONDS", "10")
	t.Setenv("QPO_BACKEND_REFRESH_SCHEDULE", "*/10 * * * *")
	t.Setenv("QPO_REMOTE_BACKEND_URL", "http://qpu.local")
	t.Setenv("QPO_REMOTE_RATE_PER_SECOND", "0.5")
	t.Setenv("QPO_JOB_RETENTION_HOURS", "48")
	t.Setenv("QPO_BACKUP_BUCKET", "qpo-backups")
	t.Setenv("QPO_BACKUP_ENDPOINT", "https://r2.example.com")
	t.Setenv("QPO_BACKUP_RETENTION_DAYS", "7")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.DevMode)
	assert.Equal(t, 4, cfg.MaxConcurrentJobs)
	assert.Equal(t, 3, cfg.EvalWorkers)
	assert.Equal(t, 10*time.Second, cfg.JobTimeout)
	assert.Equal(t, "*/10 * * * *", cfg.BackendRefreshSchedule)
	assert.Equal(t, "http://qpu.local", cfg.RemoteBackendURL)
	assert.Equal(t, 0.5, cfg.RemoteRatePerSec)
	assert.Equal(t, 48*time.Hour, cfg.JobRetention)
	assert.True(t, cfg.Backup.Enabled())
	assert.Equal(t, "qpo-backups", cfg.Backup.Bucket)
	assert.Equal(t, "https://r2.example.com", cfg.Backup.Endpoint)
	assert.Equal(t, 7, cfg.Backup.RetentionDays)
}

func TestLoad_MalformedValuesFallBack(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("QPO_DATA_DIR", dir)
	t.Setenv("QPO_PORT", "not-a-port")
	t.Setenv("QPO_ARCHIVE_ENABLED", "maybe")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.True(t, cfg.ArchiveEnabled)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Port:                   8080,
			MaxConcurrentJobs:      1,
			JobTimeout:             time.Minute,
			EvalTimeout:            time.Second,
			SimulatorMaxQubits:     8,
			BackendRefreshSchedule: "@every 1m",
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"schedule disabled", func(c *Config) { c.BackendRefreshSchedule = "" }, false},
		{"port out of range", func(c *Config) { c.Port = 70000 }, true},
		{"no job slots", func(c *Config) { c.MaxConcurrentJobs = 0 }, true},
		{"zero job timeout", func(c *Config) { c.JobTimeout = 0 }, true},
		{"no qubits", func(c *Config) { c.SimulatorMaxQubits = 0 }, true},
		{"negative retention", func(c *Config) { c.JobRetention = -time.Hour }, true},
		{"bad cron", func(c *Config) { c.BackendRefreshSchedule = "every now and then" }, true},
		{"backup needs archive", func(c *Config) { c.Backup = BackupConfig{Bucket: "b", Schedule: "@daily"} }, true},
		{"backup with archive", func(c *Config) {
			c.ArchiveEnabled = true
			c.Backup = BackupConfig{Bucket: "b", Schedule: "@daily"}
		}, false},
		{"backup bad schedule", func(c *Config) {
			c.ArchiveEnabled = true
			c.Backup = BackupConfig{Bucket: "b", Schedule: "sometimes"}
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
