package di

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/quantfolio/internal/config"
)

// Wire initializes all dependencies and returns a fully configured container
// Order of operations:
// 1. Initialize databases
// 2. Initialize services
// 3. Register scheduled jobs
func Wire(cfg *config.Config, log zerolog.Logger) (*Container, *JobInstances, error) {
	// Step 1: Initialize databases
	container, err := InitializeDatabases(cfg, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize databases: %w", err)
	}

	// Step 2: Initialize services
	if err := InitializeServices(container, cfg, log); err != nil {
		container.closeDatabases()
		return nil, nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	// Step 3: Register jobs
	jobs, err := RegisterJobs(container, cfg, log)
	if err != nil {
		container.closeDatabases()
		return nil, nil, fmt.Errorf("failed to register jobs: %w", err)
	}

	log.Info().Msg("Dependency injection wiring completed successfully")

	return container, jobs, nil
}

func (c *Container) closeDatabases() {
	if c.ArchiveDB != nil {
		c.ArchiveDB.Close()
	}
}

// Close releases the databases. Call after the job manager has shut down so
// the final archive writes land.
func (c *Container) Close() error {
	if c.ArchiveDB == nil {
		return nil
	}
	if err := c.ArchiveDB.WALCheckpoint("TRUNCATE"); err != nil {
		c.ArchiveDB.Close()
		return err
	}
	return c.ArchiveDB.Close()
}
