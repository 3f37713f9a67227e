package di

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/quantfolio/internal/config"
	"github.com/aristath/quantfolio/internal/database"
	"github.com/aristath/quantfolio/internal/modules/jobs"
	"github.com/aristath/quantfolio/internal/reliability"
)

// InitializeDatabases opens the job archive and applies its schema.
// A disabled archive leaves the container without one.
func InitializeDatabases(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	container := &Container{}

	if !cfg.ArchiveEnabled {
		log.Info().Msg("Job archive disabled, jobs live in memory only")
		return container, nil
	}

	archiveDB, err := database.New(database.Config{
		Path:    cfg.ArchivePath(),
		Profile: database.ProfileArchive,
		Name:    "archive",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize archive database: %w", err)
	}
	if err := archiveDB.Migrate(); err != nil {
		archiveDB.Close()
		return nil, fmt.Errorf("failed to migrate archive database: %w", err)
	}

	container.ArchiveDB = archiveDB
	container.Archive = jobs.NewSQLiteArchive(archiveDB, log)

	log.Info().Str("path", archiveDB.Path()).Msg("Job archive initialized")

	if cfg.Backup.Enabled() {
		store, err := reliability.NewS3Store(context.Background(), reliability.S3Config{
			Endpoint:  cfg.Backup.Endpoint,
			Region:    cfg.Backup.Region,
			Bucket:    cfg.Backup.Bucket,
			AccessKey: cfg.Backup.AccessKey,
			SecretKey: cfg.Backup.SecretKey,
			Prefix:    cfg.Backup.Prefix,
		})
		if err != nil {
			archiveDB.Close()
			return nil, fmt.Errorf("failed to initialize backup storage: %w", err)
		}
		container.Backups = reliability.NewBackupService(store, archiveDB, cfg.DataDir, log)
		log.Info().Str("bucket", cfg.Backup.Bucket).Msg("Archive backups enabled")
	}

	return container, nil
}
