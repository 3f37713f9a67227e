package di

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/quantfolio/internal/config"
	"github.com/aristath/quantfolio/internal/scheduler"
)

// archiveMaintenanceSchedule checkpoints the archive WAL
const archiveMaintenanceSchedule = "@every 1h"

// retentionSchedule is how often expired jobs are purged when retention is on
const retentionSchedule = "@every 15m"

// RegisterJobs creates the maintenance jobs and registers them with the
// scheduler. Jobs whose feature is disabled are created but not scheduled.
func RegisterJobs(container *Container, cfg *config.Config, log zerolog.Logger) (*JobInstances, error) {
	if container == nil {
		return nil, fmt.Errorf("container cannot be nil")
	}

	container.Scheduler = scheduler.New(log)
	instances := &JobInstances{
		BackendRefresh:     scheduler.NewBackendRefreshJob(container.BackendManager, log),
		JobRetention:       scheduler.NewJobRetentionJob(container.JobManager, cfg.JobRetention, log),
		ArchiveMaintenance: scheduler.NewArchiveMaintenanceJob(container.ArchiveDB, log),
	}

	if cfg.BackendRefreshSchedule != "" {
		if err := container.Scheduler.AddJob(cfg.BackendRefreshSchedule, instances.BackendRefresh); err != nil {
			return nil, fmt.Errorf("failed to register backend refresh job: %w", err)
		}
	}

	if cfg.JobRetention > 0 {
		if err := container.Scheduler.AddJob(retentionSchedule, instances.JobRetention); err != nil {
			return nil, fmt.Errorf("failed to register job retention job: %w", err)
		}
	}

	if container.ArchiveDB != nil {
		if err := container.Scheduler.AddJob(archiveMaintenanceSchedule, instances.ArchiveMaintenance); err != nil {
			return nil, fmt.Errorf("failed to register archive maintenance job: %w", err)
		}
	}

	if container.Backups != nil {
		backup := scheduler.NewArchiveBackupJob(container.Backups, cfg.Backup.RetentionDays, log)
		instances.ArchiveBackup = backup
		if err := container.Scheduler.AddJob(cfg.Backup.Schedule, backup); err != nil {
			return nil, fmt.Errorf("failed to register archive backup job: %w", err)
		}
	}

	return instances, nil
}
