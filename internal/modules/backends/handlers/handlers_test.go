package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/quantfolio/internal/modules/backends"
)

func setupHandler() *Handler {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	manager := backends.NewManager(backends.ManagerConfig{
		Providers: []backends.Provider{backends.NewLocalProvider(16, 1, 1)},
	}, logger)
	return NewHandler(manager, logger)
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	return response
}

func TestHandleList(t *testing.T) {
	handler := setupHandler()

	req := httptest.NewRequest("GET", "/api/backends", nil)
	w := httptest.NewRecorder()
	handler.HandleList(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	response := decode(t, w)
	assert.Contains(t, response, "metadata")
	data := response["data"].(map[string]interface{})
	assert.Equal(t, 2.0, data["count"])
}

func TestHandleRefresh(t *testing.T) {
	handler := setupHandler()

	req := httptest.NewRequest("POST", "/api/backends/refresh", nil)
	w := httptest.NewRecorder()
	handler.HandleRefresh(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandleRecommend(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		status   int
		backend  string
		fallback bool
	}{
		{"default", "", http.StatusOK, backends.LocalIdeal, false},
		{"fits", "?min_qubits=12&prefer_hardware=false", http.StatusOK, backends.LocalIdeal, false},
		{"hardware preferred but only simulators", "?min_qubits=4&prefer_hardware=true", http.StatusOK, backends.LocalIdeal, false},
		{"too large", "?min_qubits=40", http.StatusServiceUnavailable, "", false},
		{"bad min_qubits", "?min_qubits=abc", http.StatusBadRequest, "", false},
		{"bad prefer_hardware", "?prefer_hardware=maybe", http.StatusBadRequest, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := setupHandler()
			req := httptest.NewRequest("GET", "/api/backends/recommend"+tt.query, nil)
			w := httptest.NewRecorder()
			handler.HandleRecommend(w, req)

			assert.Equal(t, tt.status, w.Code)
			response := decode(t, w)
			if tt.status != http.StatusOK {
				assert.Contains(t, response, "error")
				return
			}
			data := response["data"].(map[string]interface{})
			backend := data["backend"].(map[string]interface{})
			assert.Equal(t, tt.backend, backend["name"])
			assert.Equal(t, tt.fallback, data["fallback"])
		})
	}
}

func TestRegisterRoutes(t *testing.T) {
	handler := setupHandler()
	router := chi.NewRouter()

	assert.NotPanics(t, func() {
		handler.RegisterRoutes(router)
	}, "RegisterRoutes should not panic")
}
