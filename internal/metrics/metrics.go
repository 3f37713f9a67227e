// Package metrics exposes Prometheus collectors for jobs, evaluations and
// backend selection. All methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors of the service
type Metrics struct {
	registry *prometheus.Registry

	jobsTotal           *prometheus.CounterVec
	jobsActive          *prometheus.GaugeVec
	jobDuration         *prometheus.HistogramVec
	evaluationsTotal    *prometheus.CounterVec
	evaluationDuration  prometheus.Histogram
	generationsTotal    prometheus.Counter
	backendSelections   *prometheus.CounterVec
	backendsDiscovered  prometheus.Gauge
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// New creates the collectors on a private registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qpo_jobs_total",
				Help: "Jobs that reached a terminal status",
			},
			[]string{"status", "error_kind"},
		),
		jobsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "qpo_jobs_active",
				Help: "Jobs currently queued or running",
			},
			[]string{"status"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "qpo_job_duration_seconds",
				Help:    "Wall clock time from start to terminal status",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"status"},
		),
		evaluationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qpo_evaluations_total",
				Help: "Variational evaluations by outcome",
			},
			[]string{"outcome"},
		),
		evaluationDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "qpo_evaluation_duration_seconds",
				Help:    "Duration of one circuit evaluation",
				Buckets: prometheus.DefBuckets,
			},
		),
		generationsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "qpo_generations_total",
				Help: "Differential evolution generations completed",
			},
		),
		backendSelections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qpo_backend_selections_total",
				Help: "Backends chosen for jobs",
			},
			[]string{"backend", "fallback"},
		),
		backendsDiscovered: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "qpo_backends_discovered",
				Help: "Backends returned by the last discovery",
			},
		),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qpo_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "qpo_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}

	m.registry.MustRegister(
		m.jobsTotal,
		m.jobsActive,
		m.jobDuration,
		m.evaluationsTotal,
		m.evaluationDuration,
		m.generationsTotal,
		m.backendSelections,
		m.backendsDiscovered,
		m.httpRequestsTotal,
		m.httpRequestDuration,
	)

	return m
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// JobQueued records a newly accepted job
func (m *Metrics) JobQueued() {
	if m == nil {
		return
	}
	m.jobsActive.WithLabelValues("queued").Inc()
}

// JobStarted moves a job from queued to running
func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.jobsActive.WithLabelValues("queued").Dec()
	m.jobsActive.WithLabelValues("running").Inc()
}

// JobFinished records a terminal job. wasRunning tells which gauge it leaves.
func (m *Metrics) JobFinished(status, errorKind string, wasRunning bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	if wasRunning {
		m.jobsActive.WithLabelValues("running").Dec()
	} else {
		m.jobsActive.WithLabelValues("queued").Dec()
	}
	m.jobsTotal.WithLabelValues(status, errorKind).Inc()
	m.jobDuration.WithLabelValues(status).Observe(elapsed.Seconds())
}

// Evaluation records one evaluation outcome: ok, failed or skipped
func (m *Metrics) Evaluation(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.evaluationsTotal.WithLabelValues(outcome).Inc()
	if outcome != "skipped" {
		m.evaluationDuration.Observe(elapsed.Seconds())
	}
}

// Generation records a completed optimizer generation
func (m *Metrics) Generation() {
	if m == nil {
		return
	}
	m.generationsTotal.Inc()
}

// BackendSelected records the backend a job runs on
func (m *Metrics) BackendSelected(backend string, fallback bool) {
	if m == nil {
		return
	}
	m.backendSelections.WithLabelValues(backend, strconv.FormatBool(fallback)).Inc()
}

// BackendsDiscovered records the size of the last discovery
func (m *Metrics) BackendsDiscovered(n int) {
	if m == nil {
		return
	}
	m.backendsDiscovered.Set(float64(n))
}

// Middleware records request counts and latencies per chi route pattern
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		m.httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
