// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v3/cpu"
)

// Config holds application configuration
type Config struct {
	Port     int
	LogLevel string
	DevMode  bool
	DataDir  string // Always absolute

	ArchiveEnabled bool

	MaxConcurrentJobs int
	EvalWorkers       int // Resolved to the logical CPU count when unset
	JobTimeout        time.Duration
	EvalTimeout       time.Duration

	BackendTTL             time.Duration
	BackendRefreshSchedule string // cron schedule; empty disables background discovery
	SimulatorMaxQubits     int

	RemoteBackendURL   string
	RemoteBackendToken string
	RemoteRatePerSec   float64

	JobRetention time.Duration // Zero keeps terminal jobs until purged explicitly

	Backup BackupConfig
}

// BackupConfig configures archive backups to S3-compatible storage.
// Backups are off unless a bucket is set.
type BackupConfig struct {
	Bucket        string
	Endpoint      string
	Region        string
	AccessKey     string
	SecretKey     string
	Prefix        string
	Schedule      string
	RetentionDays int
}

// Enabled reports whether archive backups are configured
func (b BackupConfig) Enabled() bool {
	return b.Bucket != ""
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir, err := filepath.Abs(getEnv("QPO_DATA_DIR", "./data"))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	cfg := &Config{
		Port:                   getEnvAsInt("QPO_PORT", 8080),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
		DevMode:                getEnvAsBool("DEV_MODE", false),
		DataDir:                dataDir,
		ArchiveEnabled:         getEnvAsBool("QPO_ARCHIVE_ENABLED", true),
		MaxConcurrentJobs:      getEnvAsInt("QPO_MAX_CONCURRENT_JOBS", 2),
		EvalWorkers:            getEnvAsInt("QPO_EVAL_WORKERS", 0),
		JobTimeout:             getEnvAsSeconds("QPO_JOB_TIMEOUT_SECONDS", 300),
		EvalTimeout:            getEnvAsSeconds("QPO_EVAL_TIMEOUT_SECONDS", 30),
		BackendTTL:             getEnvAsSeconds("QPO_BACKEND_TTL_SECONDS", 60),
		BackendRefreshSchedule: strings.TrimSpace(os.Getenv("QPO_BACKEND_REFRESH_SCHEDULE")),
		SimulatorMaxQubits:     getEnvAsInt("QPO_SIMULATOR_MAX_QUBITS", 24),
		RemoteBackendURL:       getEnv("QPO_REMOTE_BACKEND_URL", ""),
		RemoteBackendToken:     getEnv("QPO_REMOTE_BACKEND_TOKEN", ""),
		RemoteRatePerSec:       getEnvAsFloat("QPO_REMOTE_RATE_PER_SECOND", 5),
		JobRetention:           time.Duration(getEnvAsInt("QPO_JOB_RETENTION_HOURS", 0)) * time.Hour,
		Backup: BackupConfig{
			Bucket:        getEnv("QPO_BACKUP_BUCKET", ""),
			Endpoint:      getEnv("QPO_BACKUP_ENDPOINT", ""),
			Region:        getEnv("QPO_BACKUP_REGION", "auto"),
			AccessKey:     getEnv("QPO_BACKUP_ACCESS_KEY", ""),
			SecretKey:     getEnv("QPO_BACKUP_SECRET_KEY", ""),
			Prefix:        getEnv("QPO_BACKUP_PREFIX", ""),
			Schedule:      getEnv("QPO_BACKUP_SCHEDULE", "@daily"),
			RetentionDays: getEnvAsInt("QPO_BACKUP_RETENTION_DAYS", 30),
		},
	}
	if _, set := os.LookupEnv("QPO_BACKEND_REFRESH_SCHEDULE"); !set {
		cfg.BackendRefreshSchedule = "@every 5m"
	}

	if cfg.EvalWorkers <= 0 {
		cfg.EvalWorkers = logicalCPUs()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.ArchiveEnabled {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	return cfg, nil
}

// Validate checks ranges and cron schedules
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("QPO_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.MaxConcurrentJobs < 1 {
		return fmt.Errorf("QPO_MAX_CONCURRENT_JOBS must be >= 1, got %d", c.MaxConcurrentJobs)
	}
	if c.JobTimeout <= 0 || c.EvalTimeout <= 0 {
		return fmt.Errorf("job and evaluation timeouts must be positive")
	}
	if c.SimulatorMaxQubits < 1 {
		return fmt.Errorf("QPO_SIMULATOR_MAX_QUBITS must be >= 1, got %d", c.SimulatorMaxQubits)
	}
	if c.JobRetention < 0 {
		return fmt.Errorf("QPO_JOB_RETENTION_HOURS must not be negative")
	}
	if c.Backup.Enabled() {
		if !c.ArchiveEnabled {
			return fmt.Errorf("QPO_BACKUP_BUCKET requires the job archive to be enabled")
		}
		if _, err := cron.ParseStandard(c.Backup.Schedule); err != nil {
			return fmt.Errorf("invalid QPO_BACKUP_SCHEDULE %q: %w", c.Backup.Schedule, err)
		}
	}
	if c.BackendRefreshSchedule != "" {
		if _, err := cron.ParseStandard(c.BackendRefreshSchedule); err != nil {
			return fmt.Errorf("invalid QPO_BACKEND_REFRESH_SCHEDULE %q: %w", c.BackendRefreshSchedule, err)
		}
	}
	return nil
}

// ArchivePath is the sqlite file holding terminal jobs
func (c *Config) ArchivePath() string {
	return filepath.Join(c.DataDir, "archive.db")
}

func logicalCPUs() int {
	n, err := cpu.Counts(true)
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultSeconds)) * time.Second
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
