package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/quantfolio/internal/config"
	"github.com/aristath/quantfolio/internal/di"
)

func setupServer(t *testing.T, archive bool) *Server {
	t.Helper()

	cfg := &config.Config{
		Port:               8080,
		DataDir:            t.TempDir(),
		ArchiveEnabled:     archive,
		MaxConcurrentJobs:  1,
		EvalWorkers:        2,
		JobTimeout:         time.Minute,
		EvalTimeout:        10 * time.Second,
		BackendTTL:         time.Minute,
		SimulatorMaxQubits: 12,
	}
	log := zerolog.New(nil).Level(zerolog.Disabled)

	container, jobs, err := di.Wire(cfg, log)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = container.JobManager.Shutdown(context.Background())
		_ = container.Close()
	})

	return New(Config{
		Log:       log,
		Port:      cfg.Port,
		DevMode:   true,
		Container: container,
		Jobs:      jobs,
	})
}

func do(t *testing.T, s *Server, method, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	var body map[string]interface{}
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	}
	return w, body
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name        string
		archive     bool
		wantArchive string
	}{
		{"with archive", true, "ok"},
		{"without archive", false, "disabled"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := setupServer(t, tt.archive)
			w, body := do(t, s, http.MethodGet, "/health")

			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, "healthy", body["status"])
			assert.Equal(t, "quantfolio", body["service"])
			assert.Equal(t, tt.wantArchive, body["archive"])

			jobs, ok := body["jobs"].(map[string]interface{})
			require.True(t, ok)
			assert.Equal(t, float64(0), jobs["running"])
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := setupServer(t, false)

	do(t, s, http.MethodGet, "/health")
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "qpo_http_requests_total")
}

func TestSystemStatus(t *testing.T) {
	s := setupServer(t, false)
	w, body := do(t, s, http.MethodGet, "/api/system/status")

	assert.Equal(t, http.StatusOK, w.Code)
	data, ok := body["data"].(map[string]interface{})
	require.True(t, ok)
	assert.Greater(t, data["logical_cpus"], float64(0))
	assert.Greater(t, data["backends"], float64(0))
	assert.Contains(t, body, "metadata")
}

func TestScheduledJobs(t *testing.T) {
	s := setupServer(t, true)

	w, body := do(t, s, http.MethodGet, "/api/system/scheduled")
	assert.Equal(t, http.StatusOK, w.Code)
	data := body["data"].(map[string]interface{})
	assert.Equal(t, []interface{}{"archive_maintenance", "backend_refresh", "job_retention"}, data["jobs"])

	w, body = do(t, s, http.MethodPost, "/api/system/scheduled/backend_refresh/run")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "backend_refresh", body["data"].(map[string]interface{})["job"])

	_, body = do(t, s, http.MethodGet, "/api/system/scheduled")
	history := body["data"].(map[string]interface{})["history"].([]interface{})
	runs := map[string]float64{}
	for _, entry := range history {
		rec := entry.(map[string]interface{})
		runs[rec["job"].(string)] = rec["runs"].(float64)
	}
	assert.Equal(t, map[string]float64{"archive_maintenance": 0, "backend_refresh": 1}, runs)

	w, _ = do(t, s, http.MethodPost, "/api/system/scheduled/nope/run")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRoutesMounted(t *testing.T) {
	s := setupServer(t, false)

	var routes []string
	err := chi.Walk(s.router, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		routes = append(routes, method+" "+route)
		return nil
	})
	require.NoError(t, err)

	for _, want := range []string{
		"GET /health",
		"GET /metrics",
		"POST /api/jobs/",
		"GET /api/jobs/{id}/stream",
		"GET /api/backends/",
		"POST /api/quantum/circuit",
		"GET /api/system/status",
	} {
		assert.Contains(t, routes, want)
	}
}

func TestUnknownJob(t *testing.T) {
	s := setupServer(t, false)
	w, body := do(t, s, http.MethodGet, "/api/jobs/does-not-exist")

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, body, "error")
}
