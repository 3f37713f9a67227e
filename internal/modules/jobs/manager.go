package jobs

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/quantfolio/internal/domain"
	"github.com/aristath/quantfolio/internal/evaluation/workers"
	"github.com/aristath/quantfolio/internal/metrics"
	"github.com/aristath/quantfolio/internal/modules/backends"
	"github.com/aristath/quantfolio/internal/modules/marketdata"
	"github.com/aristath/quantfolio/internal/modules/optimization"
	"github.com/aristath/quantfolio/internal/modules/quantum"
	"github.com/aristath/quantfolio/internal/modules/qubo"
)

// Defaults applied when Config leaves a field at zero
const (
	DefaultMaxConcurrentJobs = 2
	DefaultJobTimeout        = 5 * time.Minute
	DefaultEvalTimeout       = 30 * time.Second
	archiveTimeout           = 5 * time.Second
)

// BackendAcquirer hands out a backend with a pool of up to sessions sessions
type BackendAcquirer interface {
	Acquire(ctx context.Context, minQubits int, pref domain.BackendPreference, sessions int) (*backends.Lease, error)
}

// Config configures a Manager
type Config struct {
	MaxConcurrentJobs int
	EvalWorkers       int           // Per-job evaluation pool; 0 uses the pool default
	JobTimeout        time.Duration // Overridden per job by OptimizationConfig.JobTimeout
	EvalTimeout       time.Duration // Overridden per job by OptimizationConfig.EvaluationTimeout
	MaxQubits         int           // Largest problem accepted; 0 uses the local simulator capacity
	PriceSource       marketdata.PriceSource
	Archive           Archive // Optional
	Metrics           *metrics.Metrics
}

// ListFilter narrows List results
type ListFilter struct {
	Status Status // Empty matches every status
}

// Manager owns the lifecycle of optimization jobs
type Manager struct {
	cfg       Config
	backends  BackendAcquirer
	builder   *qubo.Builder
	estimator *marketdata.Estimator
	prices    marketdata.PriceSource
	archive   Archive
	metrics   *metrics.Metrics
	maxQubits int
	log       zerolog.Logger

	sem  chan struct{}
	hub  *hub
	wg   sync.WaitGroup
	base context.Context
	stop context.CancelCauseFunc

	mu      sync.RWMutex
	jobs    map[string]*job
	closing bool
}

// NewManager creates a job manager
func NewManager(cfg Config, acquirer BackendAcquirer, log zerolog.Logger) *Manager {
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = DefaultMaxConcurrentJobs
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}
	if cfg.EvalTimeout <= 0 {
		cfg.EvalTimeout = DefaultEvalTimeout
	}
	if cfg.MaxQubits <= 0 {
		cfg.MaxQubits = backends.DefaultMaxQubits
	}

	base, stop := context.WithCancelCause(context.Background())
	return &Manager{
		cfg:       cfg,
		backends:  acquirer,
		builder:   qubo.NewBuilder(log),
		estimator: marketdata.NewEstimator(log),
		prices:    cfg.PriceSource,
		archive:   cfg.Archive,
		metrics:   cfg.Metrics,
		maxQubits: cfg.MaxQubits,
		log:       log.With().Str("component", "job_manager").Logger(),
		sem:       make(chan struct{}, cfg.MaxConcurrentJobs),
		hub:       newHub(),
		base:      base,
		stop:      stop,
		jobs:      make(map[string]*job),
	}
}

// Submit validates and prepares req, then queues it. Validation and data
// errors are returned here and no job is created.
func (m *Manager) Submit(ctx context.Context, req Request) (Snapshot, error) {
	m.mu.RLock()
	closing := m.closing
	m.mu.RUnlock()
	if closing {
		return Snapshot{}, ErrShuttingDown
	}

	p, err := m.prepare(ctx, req)
	if err != nil {
		return Snapshot{}, err
	}

	jobCtx, cancel := context.WithCancelCause(m.base)
	now := time.Now()
	j := &job{
		id:        uuid.New().String(),
		prepared:  p,
		ctx:       jobCtx,
		cancel:    cancel,
		done:      make(chan struct{}),
		status:    StatusQueued,
		createdAt: now,
	}
	j.progress = Progress{
		JobID:            j.id,
		Status:           StatusQueued,
		Phase:            PhaseQueued,
		TotalGenerations: p.config.Generations,
		Timestamp:        now,
	}

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		cancel(ErrShuttingDown)
		return Snapshot{}, ErrShuttingDown
	}
	m.jobs[j.id] = j
	m.wg.Add(1)
	m.mu.Unlock()

	m.metrics.JobQueued()
	m.log.Info().
		Str("job_id", j.id).
		Int("assets", len(p.assets)).
		Int("periods", p.config.NumPeriods).
		Int("qubits", p.problem.NumVariables).
		Msg("Job queued")

	snap := j.snapshot()
	go m.execute(j)

	return snap, nil
}

// execute waits for a slot and runs the job to a terminal state
func (m *Manager) execute(j *job) {
	defer m.wg.Done()
	defer j.cancel(nil)

	select {
	case m.sem <- struct{}{}:
	case <-j.ctx.Done():
		m.finishJob(j, StatusCancelled, nil, nil)
		return
	}
	defer func() { <-m.sem }()

	if !j.start(m.hub.publish) {
		return
	}
	m.metrics.JobStarted()

	cfg := j.prepared.config
	timeout := m.cfg.JobTimeout
	if cfg.JobTimeout > 0 {
		timeout = cfg.JobTimeout
	}
	ctx, cancel := context.WithTimeoutCause(j.ctx, timeout, errJobTimeout)
	defer cancel()

	log := m.log.With().Str("job_id", j.id).Logger()
	log.Info().Dur("timeout", timeout).Msg("Job started")

	result, err := m.run(ctx, j, log)
	if err == nil {
		m.finishJob(j, StatusCompleted, result, nil)
		return
	}

	switch cause := context.Cause(ctx); {
	case errors.Is(cause, errJobTimeout):
		m.finishJob(j, StatusFailed, nil, domain.NewTimeoutError(fmt.Sprintf("job exceeded its budget of %s", timeout), err))
	case errors.Is(cause, errCancelledByUser), errors.Is(cause, ErrShuttingDown):
		m.finishJob(j, StatusCancelled, nil, nil)
	default:
		m.finishJob(j, StatusFailed, nil, err)
	}
}

// run executes the search and the final sampling on an acquired backend
func (m *Manager) run(ctx context.Context, j *job, log zerolog.Logger) (*Result, error) {
	p := j.prepared
	cfg := p.config

	// One session per evaluation worker; sessions are never shared between workers
	poolSize := m.cfg.EvalWorkers
	if poolSize <= 0 {
		poolSize = workers.DefaultWorkers
	}

	lease, err := m.backends.Acquire(ctx, p.problem.NumVariables, cfg.Backend, poolSize)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lease.Sessions.Close(); err != nil {
			log.Warn().Err(err).Str("backend", lease.Descriptor.Name).Msg("Failed to close backend sessions")
		}
	}()
	j.setBackend(lease.Descriptor.Name)
	log.Info().
		Str("backend", lease.Descriptor.Name).
		Bool("fallback", lease.FallbackUsed).
		Msg("Backend acquired")

	ansatz := quantum.Ansatz{NumQubits: p.problem.NumVariables, Reps: cfg.AnsatzReps}
	evaluator := quantum.NewEvaluator(ansatz, log)

	lower, upper := ansatz.Bounds()
	settings := optimization.SettingsFromConfig(cfg, ansatz.NumParameters(), lower, upper)
	settings.Workers = poolSize
	if settings.EvalTimeout <= 0 {
		settings.EvalTimeout = m.cfg.EvalTimeout
	}
	optimizer, err := optimization.NewOptimizer(settings, m.metrics, log)
	if err != nil {
		return nil, err
	}

	objective := func(ctx context.Context, params []float64) (float64, error) {
		var ev *quantum.Evaluation
		err := lease.Sessions.Do(ctx, func(s quantum.Session) error {
			var err error
			ev, err = evaluator.Evaluate(ctx, params, p.op, s, cfg.EstimatorShots)
			return err
		})
		if err != nil {
			return 0, sessionError(err)
		}
		return ev.Expectation, nil
	}

	m.progress(j, func(pr *Progress) { pr.Phase = PhaseOptimizing })
	de, err := optimizer.Minimize(ctx, objective, &jobObserver{m: m, j: j, log: log})
	if err != nil {
		return nil, err
	}
	if de.Reason == optimization.ReasonCancelled {
		return nil, context.Cause(ctx)
	}

	m.progress(j, func(pr *Progress) {
		pr.Phase = PhaseSampling
		pr.Message = fmt.Sprintf("sampling %d shots", cfg.SamplerShots)
	})
	var counts quantum.Counts
	err = lease.Sessions.Do(ctx, func(s quantum.Session) error {
		var err error
		counts, err = evaluator.Sample(ctx, de.Best.Params, s, cfg.SamplerShots)
		return err
	})
	if err != nil {
		return nil, sessionError(err)
	}

	result, err := assemble(p, de, counts, leaseInfo{backend: lease.Descriptor.Name, fallback: lease.FallbackUsed})
	if err != nil {
		return nil, err
	}

	bench, err := classicalBenchmark(p, result.AllocationSchedule.weights(domain.Symbols(p.assets)))
	if err != nil {
		log.Warn().Err(err).Msg("Classical benchmark failed")
	} else {
		result.ClassicalBenchmark = bench
		log.Debug().
			Float64("classical_sharpe", bench.Classical.Sharpe).
			Float64("quantum_sharpe", bench.Quantum.Sharpe).
			Msg("Classical benchmark computed")
	}

	log.Info().
		Str("bitstring", result.Bitstring).
		Float64("objective", result.ObjectiveValue).
		Str("reason", string(result.TerminationReason)).
		Int("generations", result.GenerationsRun).
		Bool("repaired", result.Repaired).
		Msg("Job optimized")

	return result, nil
}

// sessionError classifies a failure to check out a session as an evaluation error
func sessionError(err error) error {
	if domain.KindOf(err) == domain.KindUnknown {
		if errors.Is(err, context.DeadlineExceeded) {
			err = domain.NewTimeoutError("waiting for a backend session exceeded its deadline", err)
		}
		return domain.NewEvaluationError("no backend session available", err)
	}
	return err
}

func (m *Manager) progress(j *job, mutate func(p *Progress)) {
	j.update(func(p *Progress) {
		mutate(p)
		p.Timestamp = time.Now()
	}, m.hub.publish)
}

// finishJob records the terminal state, notifies subscribers and archives the job
func (m *Manager) finishJob(j *job, status Status, result *Result, err error) {
	applied, previous := j.finish(status, result, err, m.hub.closeJob)
	if !applied {
		return
	}

	kind := ""
	if err != nil {
		kind = string(domain.KindOf(err))
	}
	snap := j.snapshot()
	elapsed := time.Since(snap.CreatedAt)
	if snap.StartedAt != nil {
		elapsed = time.Since(*snap.StartedAt)
	}
	m.metrics.JobFinished(string(status), kind, previous == StatusRunning, elapsed)

	ev := m.log.Info()
	if status == StatusFailed {
		ev = m.log.Warn().Err(err).Str("error_kind", kind)
	}
	ev.Str("job_id", j.id).Str("status", string(status)).Dur("elapsed", elapsed).Msg("Job finished")

	if m.archive != nil {
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		defer cancel()
		if err := m.archive.Save(ctx, j.outcome()); err != nil {
			m.log.Error().Err(err).Str("job_id", j.id).Msg("Failed to archive job")
		}
	}
}

func (m *Manager) lookup(id string) (*job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	return j, ok
}

// Status returns the current snapshot of a job
func (m *Manager) Status(ctx context.Context, id string) (Snapshot, error) {
	if j, ok := m.lookup(id); ok {
		return j.snapshot(), nil
	}
	o, err := m.loadArchived(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	return o.Job, nil
}

// Result returns the outcome of a terminal job, or ErrJobNotFinished
func (m *Manager) Result(ctx context.Context, id string) (*Outcome, error) {
	if j, ok := m.lookup(id); ok {
		if !j.currentStatus().Terminal() {
			return nil, ErrJobNotFinished
		}
		return j.outcome(), nil
	}
	return m.loadArchived(ctx, id)
}

func (m *Manager) loadArchived(ctx context.Context, id string) (*Outcome, error) {
	if m.archive == nil {
		return nil, ErrJobNotFound
	}
	return m.archive.Load(ctx, id)
}

// Cancel marks a queued or running job cancelled right away. A running
// search stops at its next generation boundary.
func (m *Manager) Cancel(id string) (Snapshot, error) {
	j, ok := m.lookup(id)
	if !ok {
		return Snapshot{}, ErrJobNotFound
	}
	if j.currentStatus().Terminal() {
		return j.snapshot(), ErrJobTerminal
	}

	j.cancel(errCancelledByUser)
	m.finishJob(j, StatusCancelled, nil, nil)
	if s := j.currentStatus(); s != StatusCancelled {
		// Lost the race against completion
		return j.snapshot(), ErrJobTerminal
	}
	return j.snapshot(), nil
}

// List returns live and archived jobs, newest first
func (m *Manager) List(ctx context.Context, filter ListFilter) ([]Snapshot, error) {
	m.mu.RLock()
	live := make([]*job, 0, len(m.jobs))
	for _, j := range m.jobs {
		live = append(live, j)
	}
	m.mu.RUnlock()

	seen := make(map[string]struct{}, len(live))
	out := make([]Snapshot, 0, len(live))
	for _, j := range live {
		s := j.snapshot()
		seen[s.ID] = struct{}{}
		if filter.Status == "" || s.Status == filter.Status {
			out = append(out, s)
		}
	}

	if m.archive != nil {
		archived, err := m.archive.List(ctx, filter.Status)
		if err != nil {
			return nil, err
		}
		for _, s := range archived {
			if _, dup := seen[s.ID]; !dup {
				out = append(out, s)
			}
		}
	}

	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID < out[b].ID
		}
		return out[a].CreatedAt.After(out[b].CreatedAt)
	})
	return out, nil
}

// Purge forgets a terminal job, including its archived copy
func (m *Manager) Purge(ctx context.Context, id string) error {
	m.mu.Lock()
	j, live := m.jobs[id]
	if live {
		if !j.currentStatus().Terminal() {
			m.mu.Unlock()
			return ErrJobActive
		}
		delete(m.jobs, id)
	}
	m.mu.Unlock()

	archived := false
	if m.archive != nil {
		var err error
		if archived, err = m.archive.Delete(ctx, id); err != nil {
			return err
		}
	}
	if !live && !archived {
		return ErrJobNotFound
	}

	m.log.Debug().Str("job_id", id).Msg("Job purged")
	return nil
}

// PurgeOlderThan forgets terminal jobs that finished more than age ago and
// returns how many were removed.
func (m *Manager) PurgeOlderThan(ctx context.Context, age time.Duration) (int, error) {
	cutoff := time.Now().Add(-age)

	m.mu.Lock()
	var removed []string
	for id, j := range m.jobs {
		if j.finishedBefore(cutoff) {
			delete(m.jobs, id)
			removed = append(removed, id)
		}
	}
	m.mu.Unlock()

	total := len(removed)
	if m.archive != nil {
		for _, id := range removed {
			if _, err := m.archive.Delete(ctx, id); err != nil {
				return total, err
			}
		}
		n, err := m.archive.DeleteFinishedBefore(ctx, cutoff)
		if err != nil {
			return total, err
		}
		total += n
	}

	if total > 0 {
		m.log.Info().Int("purged", total).Dur("age", age).Msg("Purged finished jobs")
	}
	return total, nil
}

// Subscribe streams progress of a job. The first event is the current
// progress; the channel closes after the terminal event. Slow readers miss
// intermediate events but never the terminal one. Call the returned func
// to stop early.
func (m *Manager) Subscribe(id string) (<-chan Progress, func(), error) {
	j, ok := m.lookup(id)
	if !ok {
		return nil, nil, ErrJobNotFound
	}

	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.status.Terminal() {
		ch := make(chan Progress, 1)
		ch <- j.progress
		close(ch)
		return ch, func() {}, nil
	}
	ch, unsubscribe := m.hub.subscribe(id, j.progress)
	return ch, unsubscribe, nil
}

// Wait blocks until the job is terminal or ctx is done
func (m *Manager) Wait(ctx context.Context, id string) (*Outcome, error) {
	j, ok := m.lookup(id)
	if !ok {
		return m.loadArchived(ctx, id)
	}
	select {
	case <-j.done:
		return j.outcome(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Counts returns the number of in-memory jobs per status
func (m *Manager) Counts() map[Status]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[Status]int, 5)
	for _, j := range m.jobs {
		counts[j.currentStatus()]++
	}
	return counts
}

// Shutdown stops accepting jobs, cancels active ones and waits for their
// goroutines until ctx is done.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	active := make([]*job, 0)
	for _, j := range m.jobs {
		if !j.currentStatus().Terminal() {
			active = append(active, j)
		}
	}
	m.mu.Unlock()

	m.log.Info().Int("active", len(active)).Msg("Shutting down job manager")
	m.stop(ErrShuttingDown)
	for _, j := range active {
		m.finishJob(j, StatusCancelled, nil, nil)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("job manager shutdown: %w", ctx.Err())
	}
}

// jobObserver turns optimizer callbacks into job progress
type jobObserver struct {
	m        *Manager
	j        *job
	log      zerolog.Logger
	reporter *progressReporter
}

func (o *jobObserver) report(mutate func(p *Progress), milestone bool) {
	if o.reporter == nil {
		o.reporter = newProgressReporter(func(mutate func(p *Progress)) {
			o.j.update(mutate, o.m.hub.publish)
		})
	}
	o.reporter.report(mutate, milestone)
}

func (o *jobObserver) OnGeneration(r optimization.GenerationReport) {
	best, diversity := r.BestFitness, r.Diversity
	o.report(func(p *Progress) {
		p.Generation = r.Generation
		p.TotalGenerations = r.Total
		p.Evaluations = r.Evaluations
		p.BestFitness = &best
		p.Diversity = nil
		if !math.IsNaN(diversity) {
			p.Diversity = &diversity
		}
		p.Percent = generationPercent(r.Generation, r.Total, 1, 1)
		p.Message = fmt.Sprintf("generation %d/%d", r.Generation, r.Total)
	}, true)

	o.log.Debug().
		Int("generation", r.Generation).
		Float64("best_fitness", r.BestFitness).
		Float64("diversity", r.Diversity).
		Int("failures", r.Failures).
		Msg("Generation complete")
}

func (o *jobObserver) OnEvaluation(generation, done, total int) {
	o.report(func(p *Progress) {
		p.Percent = generationPercent(generation, p.TotalGenerations, done, total)
	}, false)
}
