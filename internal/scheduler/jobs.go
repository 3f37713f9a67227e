package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/quantfolio/internal/database"
	"github.com/aristath/quantfolio/internal/modules/backends"
)

const defaultJobTimeout = 2 * time.Minute

// BackendDiscoverer is the part of the backend manager the refresh job needs
type BackendDiscoverer interface {
	Invalidate()
	Discover(ctx context.Context) ([]backends.Descriptor, error)
}

// BackendRefreshJob re-discovers backends so job submissions rarely hit a
// cold descriptor cache
type BackendRefreshJob struct {
	manager BackendDiscoverer
	timeout time.Duration
	log     zerolog.Logger
}

// NewBackendRefreshJob creates a BackendRefreshJob
func NewBackendRefreshJob(manager BackendDiscoverer, log zerolog.Logger) *BackendRefreshJob {
	return &BackendRefreshJob{
		manager: manager,
		timeout: defaultJobTimeout,
		log:     log.With().Str("job", "backend_refresh").Logger(),
	}
}

// Name returns the job name
func (j *BackendRefreshJob) Name() string {
	return "backend_refresh"
}

// Run executes the refresh
func (j *BackendRefreshJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	j.manager.Invalidate()
	found, err := j.manager.Discover(ctx)
	if err != nil {
		return fmt.Errorf("backend discovery failed: %w", err)
	}

	available := 0
	for _, d := range found {
		if d.Status == backends.StatusAvailable {
			available++
		}
	}
	j.log.Debug().
		Int("backends", len(found)).
		Int("available", available).
		Msg("Backends refreshed")
	return nil
}

// JobPurger removes terminal optimization jobs
type JobPurger interface {
	PurgeOlderThan(ctx context.Context, age time.Duration) (int, error)
}

// JobRetentionJob drops terminal jobs that finished longer than the
// retention period ago
type JobRetentionJob struct {
	purger    JobPurger
	retention time.Duration
	log       zerolog.Logger
}

// NewJobRetentionJob creates a JobRetentionJob
func NewJobRetentionJob(purger JobPurger, retention time.Duration, log zerolog.Logger) *JobRetentionJob {
	return &JobRetentionJob{
		purger:    purger,
		retention: retention,
		log:       log.With().Str("job", "job_retention").Logger(),
	}
}

// Name returns the job name
func (j *JobRetentionJob) Name() string {
	return "job_retention"
}

// Run executes the purge
func (j *JobRetentionJob) Run() error {
	if j.retention <= 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultJobTimeout)
	defer cancel()

	removed, err := j.purger.PurgeOlderThan(ctx, j.retention)
	if err != nil {
		return fmt.Errorf("failed to purge jobs: %w", err)
	}
	if removed > 0 {
		j.log.Info().
			Int("removed", removed).
			Dur("retention", j.retention).
			Msg("Purged expired jobs")
	}
	return nil
}

// ArchiveMaintenanceJob pings the archive database and checkpoints its WAL
type ArchiveMaintenanceJob struct {
	db  *database.DB
	log zerolog.Logger
}

// NewArchiveMaintenanceJob creates an ArchiveMaintenanceJob. A nil db makes
// Run a no-op.
func NewArchiveMaintenanceJob(db *database.DB, log zerolog.Logger) *ArchiveMaintenanceJob {
	return &ArchiveMaintenanceJob{
		db:  db,
		log: log.With().Str("job", "archive_maintenance").Logger(),
	}
}

// Name returns the job name
func (j *ArchiveMaintenanceJob) Name() string {
	return "archive_maintenance"
}

// Run executes the maintenance
func (j *ArchiveMaintenanceJob) Run() error {
	if j.db == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := j.db.QuickCheck(ctx); err != nil {
		return fmt.Errorf("archive database unreachable: %w", err)
	}

	// PRAGMA wal_checkpoint returns: busy, log, checkpointed
	var busy, frames, checkpointed int
	err := j.db.Conn().QueryRowContext(ctx, "PRAGMA wal_checkpoint(PASSIVE)").Scan(&busy, &frames, &checkpointed)
	if err != nil {
		return fmt.Errorf("failed to check WAL checkpoint: %w", err)
	}

	// Log if WAL is growing large
	if frames > 1000 {
		j.log.Warn().
			Int("wal_frames", frames).
			Int("checkpointed", checkpointed).
			Msg("WAL file is large, forcing truncate checkpoint")
		return j.db.WALCheckpoint("TRUNCATE")
	}

	j.log.Debug().
		Int("wal_frames", frames).
		Msg("WAL checkpoint status OK")
	return nil
}

// ArchiveBackuper ships archive snapshots off the host
type ArchiveBackuper interface {
	CreateAndUploadBackup(ctx context.Context) (string, error)
	RotateOldBackups(ctx context.Context, retentionDays int) (int, error)
}

// ArchiveBackupJob uploads an archive snapshot, then rotates old backups
type ArchiveBackupJob struct {
	backuper      ArchiveBackuper
	retentionDays int
	timeout       time.Duration
	log           zerolog.Logger
}

// NewArchiveBackupJob creates an ArchiveBackupJob
func NewArchiveBackupJob(backuper ArchiveBackuper, retentionDays int, log zerolog.Logger) *ArchiveBackupJob {
	return &ArchiveBackupJob{
		backuper:      backuper,
		retentionDays: retentionDays,
		timeout:       10 * time.Minute,
		log:           log.With().Str("job", "archive_backup").Logger(),
	}
}

// Name returns the job name
func (j *ArchiveBackupJob) Name() string {
	return "archive_backup"
}

// Run executes the backup. A failed rotation is logged, not returned: the
// backup itself succeeded.
func (j *ArchiveBackupJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	name, err := j.backuper.CreateAndUploadBackup(ctx)
	if err != nil {
		return fmt.Errorf("archive backup failed: %w", err)
	}

	if _, err := j.backuper.RotateOldBackups(ctx, j.retentionDays); err != nil {
		j.log.Warn().Err(err).Str("backup", name).Msg("Backup rotation failed")
	}
	return nil
}
