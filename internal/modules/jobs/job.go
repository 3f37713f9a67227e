// Package jobs runs optimization requests as asynchronous jobs: it validates
// and prepares each request, executes the variational search on a selected
// backend, and keeps status, progress and results until they are purged.
package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/aristath/quantfolio/internal/domain"
)

// Status is the lifecycle state of a job
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition can happen
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ParseStatus validates a status string
func ParseStatus(s string) (Status, bool) {
	switch Status(s) {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return Status(s), true
	}
	return "", false
}

var (
	ErrJobNotFound    = errors.New("job not found")
	ErrJobNotFinished = errors.New("job has not finished")
	ErrJobActive      = errors.New("job is still active")
	ErrJobTerminal    = errors.New("job already finished")
	ErrShuttingDown   = errors.New("job manager is shutting down")

	errCancelledByUser = errors.New("cancelled by request")
	errJobTimeout      = errors.New("job exceeded its time budget")
)

// Snapshot is the externally visible state of a job
type Snapshot struct {
	ID           string                    `json:"job_id"`
	Status       Status                    `json:"status"`
	Symbols      []string                  `json:"symbols"`
	NumQubits    int                       `json:"num_qubits"`
	Config       domain.OptimizationConfig `json:"config"`
	Progress     Progress                  `json:"progress"`
	Backend      string                    `json:"backend,omitempty"`
	ErrorKind    domain.ErrorKind          `json:"error_kind,omitempty"`
	ErrorMessage string                    `json:"error_message,omitempty"`
	CreatedAt    time.Time                 `json:"created_at"`
	StartedAt    *time.Time                `json:"started_at,omitempty"`
	FinishedAt   *time.Time                `json:"finished_at,omitempty"`
}

// Outcome is a terminal job with its result, if it completed
type Outcome struct {
	Job    Snapshot `json:"job"`
	Result *Result  `json:"result,omitempty"`
}

// job is the in-memory record of one request
type job struct {
	id       string
	prepared *prepared
	ctx      context.Context
	cancel   context.CancelCauseFunc
	done     chan struct{}

	mu         sync.RWMutex
	status     Status
	progress   Progress
	backend    string
	result     *Result
	err        error
	createdAt  time.Time
	startedAt  time.Time
	finishedAt time.Time
}

func (j *job) snapshot() Snapshot {
	j.mu.RLock()
	defer j.mu.RUnlock()

	s := Snapshot{
		ID:        j.id,
		Status:    j.status,
		Symbols:   domain.Symbols(j.prepared.assets),
		NumQubits: j.prepared.problem.NumVariables,
		Config:    j.prepared.config,
		Progress:  j.progress,
		Backend:   j.backend,
		CreatedAt: j.createdAt,
	}
	if !j.startedAt.IsZero() {
		t := j.startedAt
		s.StartedAt = &t
	}
	if !j.finishedAt.IsZero() {
		t := j.finishedAt
		s.FinishedAt = &t
	}
	if j.err != nil {
		s.ErrorKind = domain.KindOf(j.err)
		s.ErrorMessage = j.err.Error()
	}
	return s
}

func (j *job) outcome() *Outcome {
	snap := j.snapshot()
	j.mu.RLock()
	defer j.mu.RUnlock()
	return &Outcome{Job: snap, Result: j.result}
}

// update replaces the progress of a live job and hands it to notify under the
// job lock. Terminal jobs keep their final progress.
func (j *job) update(mutate func(p *Progress), notify func(Progress)) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Terminal() {
		return
	}
	mutate(&j.progress)
	j.progress.Status = j.status
	if notify != nil {
		notify(j.progress)
	}
}

func (j *job) currentStatus() Status {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.status
}

// finish moves the job into a terminal state once. It reports whether this
// call performed the transition and the status the job left. notify runs
// under the job lock with the final progress.
func (j *job) finish(status Status, result *Result, err error, notify func(Progress)) (bool, Status) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.status.Terminal() {
		return false, j.status
	}
	previous := j.status
	j.status = status
	j.result = result
	j.err = err
	j.finishedAt = time.Now()
	j.progress.Status = status
	j.progress.Phase = PhaseDone
	j.progress.Timestamp = j.finishedAt
	if status == StatusCompleted {
		j.progress.Percent = 100
	}
	close(j.done)
	if notify != nil {
		notify(j.progress)
	}
	return true, previous
}

// start moves a queued job to running; false means it was cancelled meanwhile
func (j *job) start(notify func(Progress)) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != StatusQueued {
		return false
	}
	j.status = StatusRunning
	j.startedAt = time.Now()
	j.progress.Status = StatusRunning
	j.progress.Phase = PhaseSelecting
	j.progress.Timestamp = j.startedAt
	if notify != nil {
		notify(j.progress)
	}
	return true
}

func (j *job) setBackend(name string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.backend = name
}

func (j *job) finishedBefore(cutoff time.Time) bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.status.Terminal() && j.finishedAt.Before(cutoff)
}
