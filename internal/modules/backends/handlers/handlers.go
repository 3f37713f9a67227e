// Package handlers provides HTTP handlers for backend discovery and selection.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/quantfolio/internal/domain"
	"github.com/aristath/quantfolio/internal/modules/backends"
)

// Handler handles backend HTTP requests
type Handler struct {
	manager *backends.Manager
	log     zerolog.Logger
}

// NewHandler creates a new backends handler
func NewHandler(manager *backends.Manager, log zerolog.Logger) *Handler {
	return &Handler{
		manager: manager,
		log:     log.With().Str("handler", "backends").Logger(),
	}
}

// HandleList handles GET /api/backends
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	all, err := h.manager.List(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"backends": all,
			"count":    len(all),
		},
		"metadata": metadata(),
	})
}

// HandleRefresh handles POST /api/backends/refresh
func (h *Handler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	h.manager.Invalidate()
	all, err := h.manager.Discover(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.log.Info().Int("count", len(all)).Msg("Backends refreshed")
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"backends": all,
			"count":    len(all),
		},
		"metadata": metadata(),
	})
}

// HandleRecommend handles GET /api/backends/recommend?min_qubits=&prefer_hardware=
func (h *Handler) HandleRecommend(w http.ResponseWriter, r *http.Request) {
	minQubits := 1
	if v := r.URL.Query().Get("min_qubits"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			h.writeError(w, domain.NewConfigValidationError("min_qubits must be a positive integer"))
			return
		}
		minQubits = n
	}

	preferHardware := false
	if v := r.URL.Query().Get("prefer_hardware"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			h.writeError(w, domain.NewConfigValidationError("prefer_hardware must be a boolean"))
			return
		}
		preferHardware = b
	}

	fallback := false
	d, err := h.manager.Select(r.Context(), minQubits, preferHardware)
	if domain.IsKind(err, domain.KindNoBackendAvailable) {
		d, err = h.manager.Fallback(r.Context(), minQubits)
		fallback = err == nil
	}
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"backend":         d,
			"score":           backends.Score(d, preferHardware),
			"fallback":        fallback,
			"min_qubits":      minQubits,
			"prefer_hardware": preferHardware,
			"max_gate_error":  backends.MaxGateError,
		},
		"metadata": metadata(),
	})
}

func metadata() map[string]interface{} {
	return map[string]interface{}{
		"timestamp": time.Now().Format(time.RFC3339),
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	kind := domain.KindOf(err)
	status := kind.HTTPStatus()
	var de *domain.Error
	if !errors.As(err, &de) {
		status = http.StatusInternalServerError
	}
	if status >= 500 {
		h.log.Error().Err(err).Msg("Backend request failed")
	}

	h.writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"kind":    kind,
			"message": err.Error(),
		},
	})
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
