package handlers

import (
	"bytes"
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
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/aristath/quantfolio/internal/modules/backends"
	"github.com/aristath/quantfolio/internal/modules/jobs"
)

const validBody = `{
	"assets": [
		{"symbol": "AAA", "max_allocation": 1},
		{"symbol": "BBB", "max_allocation": 1}
	],
	"config": {
		"num_periods": 2,
		"bit_resolution": 1,
		"population_size": 4,
		"generations": 2,
		"estimator_shots": 64,
		"sampler_shots": 128,
		"ansatz_reps": 1
	},
	"periods": [
		{"expected_returns": [0.10, 0.05], "covariance": [[0.04, 0.01], [0.01, 0.02]]},
		{"expected_returns": [0.06, 0.08], "covariance": [[0.03, 0.0], [0.0, 0.02]]}
	]
}`

func setupRouter(t *testing.T) (*chi.Mux, *jobs.Manager) {
	t.Helper()
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	acquirer := backends.NewManager(backends.ManagerConfig{
		Providers: []backends.Provider{backends.NewLocalProvider(8, 2, 1)},
	}, logger)
	manager := jobs.NewManager(jobs.Config{}, acquirer, logger)
	t.Cleanup(func() { manager.Shutdown(context.Background()) })

	router := chi.NewRouter()
	router.Route("/api", func(r chi.Router) {
		NewHandler(manager, logger).RegisterRoutes(r)
	})
	return router, manager
}

func do(router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	return response
}

func submit(t *testing.T, router http.Handler) string {
	t.Helper()
	w := do(router, "POST", "/api/jobs", validBody)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	data := decode(t, w)["data"].(map[string]interface{})
	assert.Equal(t, 4.0, data["num_qubits"])
	return data["job_id"].(string)
}

func wait(t *testing.T, manager *jobs.Manager, id string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err := manager.Wait(ctx, id)
	require.NoError(t, err)
}

func TestSubmitAndFetchResult(t *testing.T) {
	router, manager := setupRouter(t)
	id := submit(t, router)
	wait(t, manager, id)

	w := do(router, "GET", "/api/jobs/"+id, "")
	require.Equal(t, http.StatusOK, w.Code)
	data := decode(t, w)["data"].(map[string]interface{})
	assert.Equal(t, "completed", data["status"])
	assert.Equal(t, 100.0, data["progress_percent"])
	assert.NotNil(t, data["best_fitness_so_far"])

	w = do(router, "GET", "/api/jobs/"+id+"/result", "")
	require.Equal(t, http.StatusOK, w.Code)
	data = decode(t, w)["data"].(map[string]interface{})
	assert.Equal(t, "completed", data["status"])
	schedule := data["allocation_schedule"].(map[string]interface{})
	assert.Len(t, schedule, 2)
	assert.Contains(t, schedule, "0")
	assert.Contains(t, data, "objective_value")
	assert.Contains(t, data, "termination_reason")

	w = do(router, "GET", "/api/jobs?status=completed", "")
	require.Equal(t, http.StatusOK, w.Code)
	data = decode(t, w)["data"].(map[string]interface{})
	assert.Equal(t, 1.0, data["count"])

	w = do(router, "POST", "/api/jobs/"+id+"/cancel", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(router, "DELETE", "/api/jobs/"+id, "")
	assert.Equal(t, http.StatusOK, w.Code)
	w = do(router, "GET", "/api/jobs/"+id, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSubmitErrors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
		kind   string
	}{
		{"malformed json", `{"assets": [`, http.StatusBadRequest, "config_validation"},
		{"bad bit resolution", strings.Replace(validBody, `"bit_resolution": 1`, `"bit_resolution": 0`, 1), http.StatusBadRequest, "config_validation"},
		{"asymmetric covariance", strings.Replace(validBody, `[[0.04, 0.01], [0.01, 0.02]]`, `[[0.04, 0.01], [0.02, 0.02]]`, 1), http.StatusUnprocessableEntity, "data_quality"},
		{"ragged covariance", strings.Replace(validBody, `[[0.04, 0.01], [0.01, 0.02]]`, `[[0.04, 0.01], [0.01]]`, 1), http.StatusUnprocessableEntity, "data_quality"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, _ := setupRouter(t)
			w := do(router, "POST", "/api/jobs", tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			errBody := decode(t, w)["error"].(map[string]interface{})
			assert.Equal(t, tt.kind, errBody["kind"])
			assert.NotEmpty(t, errBody["message"])
		})
	}
}

func TestUnknownJob(t *testing.T) {
	router, _ := setupRouter(t)

	for _, tc := range []struct{ method, path string }{
		{"GET", "/api/jobs/nope"},
		{"GET", "/api/jobs/nope/result"},
		{"POST", "/api/jobs/nope/cancel"},
		{"DELETE", "/api/jobs/nope"},
		{"GET", "/api/jobs/nope/stream"},
	} {
		w := do(router, tc.method, tc.path, "")
		assert.Equal(t, http.StatusNotFound, w.Code, "%s %s", tc.method, tc.path)
	}
}

func TestListRejectsUnknownStatus(t *testing.T) {
	router, _ := setupRouter(t)
	w := do(router, "GET", "/api/jobs?status=paused", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStream(t *testing.T) {
	router, manager := setupRouter(t)
	server := httptest.NewServer(router)
	defer server.Close()

	id := submit(t, router)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(server.URL, "http")+"/api/jobs/"+id+"/stream", nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	var last jobs.Progress
	for {
		var p jobs.Progress
		if err := wsjson.Read(ctx, conn, &p); err != nil {
			assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err), err)
			break
		}
		assert.Equal(t, id, p.JobID)
		last = p
	}
	assert.Equal(t, jobs.StatusCompleted, last.Status)
	wait(t, manager, id)
}

func TestRegisterRoutes(t *testing.T) {
	router, _ := setupRouter(t)

	var routes []string
	err := chi.Walk(router, func(method, route string, handler http.Handler, middlewares ...func(http.Handler) http.Handler) error {
		routes = append(routes, method+" "+route)
		return nil
	})
	require.NoError(t, err)

	for _, expected := range []string{
		"POST /api/jobs/",
		"GET /api/jobs/",
		"GET /api/jobs/{id}/",
		"DELETE /api/jobs/{id}/",
		"GET /api/jobs/{id}/result",
		"POST /api/jobs/{id}/cancel",
		"GET /api/jobs/{id}/stream",
	} {
		assert.Contains(t, routes, expected)
	}
}
