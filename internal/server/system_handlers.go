package server

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/quantfolio/internal/di"
	"github.com/aristath/quantfolio/internal/modules/jobs"
	"github.com/aristath/quantfolio/internal/scheduler"
)

const (
	serviceName    = "quantfolio"
	serviceVersion = "1.0.0"
)

// SystemHandlers serves health, status and maintenance endpoints
type SystemHandlers struct {
	log       zerolog.Logger
	container *di.Container
	scheduled map[string]scheduler.Job
	startedAt time.Time
}

// NewSystemHandlers creates system handlers. jobInstances may be nil.
func NewSystemHandlers(log zerolog.Logger, container *di.Container, jobInstances *di.JobInstances) *SystemHandlers {
	scheduled := map[string]scheduler.Job{}
	if jobInstances != nil {
		scheduled = jobInstances.All()
	}
	return &SystemHandlers{
		log:       log.With().Str("handler", "system").Logger(),
		container: container,
		scheduled: scheduled,
		startedAt: time.Now(),
	}
}

// JobCounts is the number of known jobs per status
type JobCounts struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status        string    `json:"status"`
	Service       string    `json:"service"`
	Version       string    `json:"version"`
	UptimeSeconds float64   `json:"uptime_seconds"`
	Jobs          JobCounts `json:"jobs"`
	Archive       string    `json:"archive"` // ok, disabled or unreachable
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
}

// HandleHealth handles health check requests.
// The service is degraded, not down, when the archive is unreachable.
func (h *SystemHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	cpuPercent, memPercent := h.getSystemStats()
	resp := HealthResponse{
		Status:        "healthy",
		Service:       serviceName,
		Version:       serviceVersion,
		UptimeSeconds: time.Since(h.startedAt).Seconds(),
		Jobs:          h.jobCounts(),
		Archive:       "disabled",
		CPUPercent:    cpuPercent,
		MemoryPercent: memPercent,
	}

	if db := h.container.ArchiveDB; db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := db.QuickCheck(ctx); err != nil {
			h.log.Warn().Err(err).Msg("Archive health check failed")
			resp.Archive = "unreachable"
			resp.Status = "degraded"
		} else {
			resp.Archive = "ok"
		}
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// SystemStatusResponse is the body of GET /api/system/status
type SystemStatusResponse struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	LogicalCPUs   int       `json:"logical_cpus"`
	Goroutines    int       `json:"goroutines"`
	Jobs          JobCounts `json:"jobs"`
	Backends      int       `json:"backends"`
	UptimeSeconds float64   `json:"uptime_seconds"`
}

// HandleSystemStatus reports host load and engine occupancy
func (h *SystemHandlers) HandleSystemStatus(w http.ResponseWriter, r *http.Request) {
	cpuPercent, memPercent := h.getSystemStats()

	logical, err := cpu.Counts(true)
	if err != nil {
		logical = runtime.NumCPU()
	}

	backendCount := 0
	if descriptors, err := h.container.BackendManager.List(r.Context()); err != nil {
		h.log.Warn().Err(err).Msg("Failed to list backends")
	} else {
		backendCount = len(descriptors)
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": SystemStatusResponse{
			CPUPercent:    cpuPercent,
			MemoryPercent: memPercent,
			LogicalCPUs:   logical,
			Goroutines:    runtime.NumGoroutine(),
			Jobs:          h.jobCounts(),
			Backends:      backendCount,
			UptimeSeconds: time.Since(h.startedAt).Seconds(),
		},
		"metadata": metadata(),
	})
}

// HandleListScheduled lists the maintenance jobs that can be run on demand
func (h *SystemHandlers) HandleListScheduled(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(h.scheduled))
	for name := range h.scheduled {
		names = append(names, name)
	}
	sort.Strings(names)

	data := map[string]interface{}{"jobs": names}
	if h.container != nil && h.container.Scheduler != nil {
		data["history"] = h.container.Scheduler.History()
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":     data,
		"metadata": metadata(),
	})
}

// HandleRunScheduled runs a maintenance job immediately
// POST /api/system/scheduled/{name}/run
func (h *SystemHandlers) HandleRunScheduled(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	job, ok := h.scheduled[name]
	if !ok {
		h.writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"error": map[string]interface{}{
				"kind":    "not_found",
				"message": "unknown scheduled job " + name,
			},
		})
		return
	}

	h.log.Info().Str("job", name).Msg("Manual run triggered")
	start := time.Now()
	run := job.Run
	if h.container != nil && h.container.Scheduler != nil {
		run = func() error { return h.container.Scheduler.RunNow(job) }
	}
	if err := run(); err != nil {
		h.log.Error().Err(err).Str("job", name).Msg("Manual run failed")
		h.writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error": map[string]interface{}{
				"kind":    "internal",
				"message": err.Error(),
			},
		})
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"job":         name,
			"duration_ms": time.Since(start).Milliseconds(),
		},
		"metadata": metadata(),
	})
}

func (h *SystemHandlers) jobCounts() JobCounts {
	counts := h.container.JobManager.Counts()
	return JobCounts{
		Queued:    counts[jobs.StatusQueued],
		Running:   counts[jobs.StatusRunning],
		Completed: counts[jobs.StatusCompleted],
		Failed:    counts[jobs.StatusFailed],
		Cancelled: counts[jobs.StatusCancelled],
	}
}

// getSystemStats calculates CPU and RAM usage percentages over a short
// sampling interval
func (h *SystemHandlers) getSystemStats() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return 0, 0
	}

	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}

	return cpuAvg, memStat.UsedPercent
}

func metadata() map[string]interface{} {
	return map[string]interface{}{
		"timestamp": time.Now().Format(time.RFC3339),
	}
}

// writeJSON writes a JSON response
func (h *SystemHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
