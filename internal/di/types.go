// Package di wires the services of the optimization engine.
//
// The Container holds every long-lived instance and is the single source of
// truth handed to the HTTP server.
package di

import (
	"github.com/aristath/quantfolio/internal/database"
	"github.com/aristath/quantfolio/internal/metrics"
	"github.com/aristath/quantfolio/internal/modules/backends"
	"github.com/aristath/quantfolio/internal/modules/jobs"
	"github.com/aristath/quantfolio/internal/modules/marketdata"
	"github.com/aristath/quantfolio/internal/reliability"
	"github.com/aristath/quantfolio/internal/scheduler"
)

// Container holds all application dependencies
type Container struct {
	// Nil when the archive is disabled
	ArchiveDB *database.DB
	Archive   jobs.Archive
	// Nil unless archive backups are configured
	Backups *reliability.BackupService

	Metrics *metrics.Metrics

	PriceSource    marketdata.PriceSource
	LocalBackends  *backends.LocalProvider
	RemoteBackends *backends.RemoteProvider // Nil without QPO_REMOTE_BACKEND_URL
	BackendManager *backends.Manager

	JobManager *jobs.Manager
	Scheduler  *scheduler.Scheduler

	SimulatorMaxQubits int
}

// JobInstances holds the scheduled maintenance jobs for manual triggering
type JobInstances struct {
	BackendRefresh     scheduler.Job
	JobRetention       scheduler.Job
	ArchiveMaintenance scheduler.Job
	ArchiveBackup      scheduler.Job // Nil unless archive backups are configured
}

// All returns the registered jobs keyed by name
func (j *JobInstances) All() map[string]scheduler.Job {
	all := make(map[string]scheduler.Job, 4)
	for _, job := range []scheduler.Job{j.BackendRefresh, j.JobRetention, j.ArchiveMaintenance, j.ArchiveBackup} {
		if job != nil {
			all[job.Name()] = job
		}
	}
	return all
}
