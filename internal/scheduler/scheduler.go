// Package scheduler runs periodic maintenance jobs on cron schedules.
package scheduler

import (
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is a unit of maintenance work
type Job interface {
	Run() error
	Name() string
}

// RunRecord summarizes the runs of one job, scheduled and manual alike
type RunRecord struct {
	Job          string        `json:"job"`
	Schedule     string        `json:"schedule,omitempty"`
	Runs         int           `json:"runs"`
	Failures     int           `json:"failures"`
	LastRun      time.Time     `json:"last_run,omitempty"`
	LastDuration time.Duration `json:"last_duration"`
	LastError    string        `json:"last_error,omitempty"`
	NextRun      time.Time     `json:"next_run,omitempty"`
}

// Scheduler drives maintenance jobs and keeps a run history per job name
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger

	mu      sync.Mutex
	records map[string]*RunRecord
	entries map[string]cron.EntryID
}

// New creates a scheduler. Schedules use the standard five-field cron
// syntax plus descriptors such as "@hourly" or "@every 5m". A job still
// running when its next tick fires is skipped for that tick.
func New(log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		log:     log.With().Str("component", "scheduler").Logger(),
		records: make(map[string]*RunRecord),
		entries: make(map[string]cron.EntryID),
	}
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Int("jobs", len(s.cron.Entries())).Msg("Scheduler started")
}

// Stop stops the scheduler and waits for running jobs
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info().Msg("Scheduler stopped")
}

// AddJob registers job on schedule, e.g. "*/5 * * * *" or "@every 30s"
func (s *Scheduler) AddJob(schedule string, job Job) error {
	id, err := s.cron.AddFunc(schedule, func() {
		_ = s.run(job)
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	rec := s.record(job.Name())
	rec.Schedule = schedule
	s.entries[job.Name()] = id
	s.mu.Unlock()

	s.log.Info().Str("schedule", schedule).Str("job", job.Name()).Msg("Job registered")
	return nil
}

// RunNow executes a job immediately, outside its schedule
func (s *Scheduler) RunNow(job Job) error {
	s.log.Info().Str("job", job.Name()).Msg("Running job immediately")
	return s.run(job)
}

// History returns a record per known job, sorted by name
func (s *Scheduler) History() []RunRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]RunRecord, 0, len(s.records))
	for name, rec := range s.records {
		r := *rec
		if id, ok := s.entries[name]; ok {
			r.NextRun = s.cron.Entry(id).Next
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Job < out[j].Job })
	return out
}

func (s *Scheduler) run(job Job) error {
	start := time.Now()
	err := job.Run()
	elapsed := time.Since(start)

	s.mu.Lock()
	rec := s.record(job.Name())
	rec.Runs++
	rec.LastRun = start
	rec.LastDuration = elapsed
	rec.LastError = ""
	if err != nil {
		rec.Failures++
		rec.LastError = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Error().Err(err).Str("job", job.Name()).Dur("duration", elapsed).Msg("Job failed")
	} else {
		s.log.Debug().Str("job", job.Name()).Dur("duration", elapsed).Msg("Job completed")
	}
	return err
}

// record must be called with mu held
func (s *Scheduler) record(name string) *RunRecord {
	rec, ok := s.records[name]
	if !ok {
		rec = &RunRecord{Job: name}
		s.records[name] = rec
	}
	return rec
}
