package di

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/quantfolio/internal/config"
	"github.com/aristath/quantfolio/internal/metrics"
	"github.com/aristath/quantfolio/internal/modules/backends"
	"github.com/aristath/quantfolio/internal/modules/jobs"
	"github.com/aristath/quantfolio/internal/modules/marketdata"
)

// InitializeServices creates metrics, backend providers and the job manager
func InitializeServices(container *Container, cfg *config.Config, log zerolog.Logger) error {
	if container == nil {
		return fmt.Errorf("container cannot be nil")
	}

	container.Metrics = metrics.New()
	container.SimulatorMaxQubits = cfg.SimulatorMaxQubits
	container.PriceSource = marketdata.NewSyntheticSource(uint64(time.Now().UnixNano()))

	// Local simulators take one run per concurrent job before reporting busy
	container.LocalBackends = backends.NewLocalProvider(
		cfg.SimulatorMaxQubits,
		cfg.MaxConcurrentJobs,
		uint64(time.Now().UnixNano()),
	)

	providers := []backends.Provider{container.LocalBackends}
	if cfg.RemoteBackendURL != "" {
		container.RemoteBackends = backends.NewRemoteProvider(backends.RemoteConfig{
			BaseURL:       cfg.RemoteBackendURL,
			Token:         cfg.RemoteBackendToken,
			RatePerSecond: cfg.RemoteRatePerSec,
		}, log)
		providers = append(providers, container.RemoteBackends)
		log.Info().Str("url", cfg.RemoteBackendURL).Msg("Remote backend provider enabled")
	}

	container.BackendManager = backends.NewManager(backends.ManagerConfig{
		Providers: providers,
		Fallback:  container.LocalBackends,
		TTL:       cfg.BackendTTL,
		Metrics:   container.Metrics,
	}, log)

	container.JobManager = jobs.NewManager(jobs.Config{
		MaxConcurrentJobs: cfg.MaxConcurrentJobs,
		EvalWorkers:       cfg.EvalWorkers,
		JobTimeout:        cfg.JobTimeout,
		EvalTimeout:       cfg.EvalTimeout,
		MaxQubits:         cfg.SimulatorMaxQubits,
		PriceSource:       container.PriceSource,
		Archive:           container.Archive,
		Metrics:           container.Metrics,
	}, container.BackendManager, log)

	log.Info().
		Int("max_concurrent_jobs", cfg.MaxConcurrentJobs).
		Int("eval_workers", cfg.EvalWorkers).
		Int("simulator_max_qubits", cfg.SimulatorMaxQubits).
		Msg("Services initialized")

	return nil
}
