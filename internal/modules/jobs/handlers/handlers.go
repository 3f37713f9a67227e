// Package handlers provides HTTP handlers for optimization jobs.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/aristath/quantfolio/internal/domain"
	"github.com/aristath/quantfolio/internal/modules/jobs"
	"github.com/aristath/quantfolio/internal/modules/marketdata"
	"github.com/aristath/quantfolio/internal/modules/qubo"
)

// maxRequestBytes bounds a submission body; price histories dominate it
const maxRequestBytes = 8 << 20

// symmetryTolerance is the largest |Σ_ij − Σ_ji| accepted in a covariance matrix
const symmetryTolerance = 1e-9

// Handler handles job HTTP requests
type Handler struct {
	manager *jobs.Manager
	log     zerolog.Logger
}

// NewHandler creates a new jobs handler
func NewHandler(manager *jobs.Manager, log zerolog.Logger) *Handler {
	return &Handler{
		manager: manager,
		log:     log.With().Str("handler", "jobs").Logger(),
	}
}

// PeriodRequest is the market data of one period
type PeriodRequest struct {
	ExpectedReturns []float64   `json:"expected_returns"`
	Covariance      [][]float64 `json:"covariance"`
}

// SubmitRequest is the body of POST /api/jobs. Config fields left out keep
// their defaults.
type SubmitRequest struct {
	Assets             []domain.Asset           `json:"assets"`
	Config             json.RawMessage          `json:"config,omitempty"`
	Periods            []PeriodRequest          `json:"periods,omitempty"`
	Prices             *marketdata.PriceHistory `json:"prices,omitempty"`
	PreviousAllocation []float64                `json:"previous_allocation,omitempty"`
}

// toRequest converts the wire form into a job request
func (s SubmitRequest) toRequest() (jobs.Request, error) {
	cfg := domain.DefaultOptimizationConfig()
	if len(s.Config) > 0 {
		if err := json.Unmarshal(s.Config, &cfg); err != nil {
			return jobs.Request{}, domain.NewConfigValidationError(fmt.Sprintf("invalid config: %v", err))
		}
	}

	periods := make([]qubo.PeriodData, len(s.Periods))
	for t, p := range s.Periods {
		cov, err := symmetric(p.Covariance)
		if err != nil {
			return jobs.Request{}, fmt.Errorf("period %d: %w", t, err)
		}
		periods[t] = qubo.PeriodData{ExpectedReturns: p.ExpectedReturns, Covariance: cov}
	}

	return jobs.Request{
		Assets:             s.Assets,
		Config:             cfg,
		Periods:            periods,
		Prices:             s.Prices,
		PreviousAllocation: s.PreviousAllocation,
	}, nil
}

func symmetric(rows [][]float64) (*mat.SymDense, error) {
	n := len(rows)
	if n == 0 {
		return nil, domain.NewDataQualityError("covariance matrix is empty")
	}
	data := make([]float64, 0, n*n)
	for i, row := range rows {
		if len(row) != n {
			return nil, domain.NewDataQualityError(fmt.Sprintf("covariance row %d has %d entries, expected %d", i, len(row), n))
		}
		data = append(data, row...)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if math.Abs(rows[i][j]-rows[j][i]) > symmetryTolerance {
				return nil, domain.NewDataQualityError(fmt.Sprintf("covariance is not symmetric at (%d, %d)", i, j))
			}
		}
	}
	return mat.NewSymDense(n, data), nil
}

// HandleSubmit handles POST /api/jobs
func (h *Handler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var body SubmitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&body); err != nil {
		h.writeError(w, domain.NewConfigValidationError(fmt.Sprintf("invalid request body: %v", err)))
		return
	}

	req, err := body.toRequest()
	if err != nil {
		h.writeError(w, err)
		return
	}

	snap, err := h.manager.Submit(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.log.Info().Str("job_id", snap.ID).Int("qubits", snap.NumQubits).Msg("Job submitted")
	h.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"data": map[string]interface{}{
			"job_id":     snap.ID,
			"status":     snap.Status,
			"num_qubits": snap.NumQubits,
		},
		"metadata": metadata(),
	})
}

// HandleList handles GET /api/jobs?status=
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	var filter jobs.ListFilter
	if v := r.URL.Query().Get("status"); v != "" {
		status, ok := jobs.ParseStatus(v)
		if !ok {
			h.writeError(w, domain.NewConfigValidationError(fmt.Sprintf("unknown status %q", v)))
			return
		}
		filter.Status = status
	}

	list, err := h.manager.List(r.Context(), filter)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"jobs":  list,
			"count": len(list),
		},
		"metadata": metadata(),
	})
}

// HandleStatus handles GET /api/jobs/{id}
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := h.manager.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	best := interface{}(nil)
	if snap.Progress.BestFitness != nil {
		best = *snap.Progress.BestFitness
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"job":                 snap,
			"status":              snap.Status,
			"progress_percent":    snap.Progress.Percent,
			"best_fitness_so_far": best,
		},
		"metadata": metadata(),
	})
}

// HandleResult handles GET /api/jobs/{id}/result
func (h *Handler) HandleResult(w http.ResponseWriter, r *http.Request) {
	outcome, err := h.manager.Result(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	data := map[string]interface{}{
		"job_id": outcome.Job.ID,
		"status": outcome.Job.Status,
	}
	switch outcome.Job.Status {
	case jobs.StatusCompleted:
		data["result"] = outcome.Result
		data["allocation_schedule"] = outcome.Result.AllocationSchedule
		data["objective_value"] = outcome.Result.ObjectiveValue
		data["generations_run"] = outcome.Result.GenerationsRun
		data["termination_reason"] = outcome.Result.TerminationReason
	case jobs.StatusFailed:
		data["error_kind"] = outcome.Job.ErrorKind
		data["error_message"] = outcome.Job.ErrorMessage
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":     data,
		"metadata": metadata(),
	})
}

// HandleCancel handles POST /api/jobs/{id}/cancel
func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	snap, err := h.manager.Cancel(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"job_id":    snap.ID,
			"status":    snap.Status,
			"cancelled": true,
		},
		"metadata": metadata(),
	})
}

// HandleDelete handles DELETE /api/jobs/{id}
func (h *Handler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.manager.Purge(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"job_id":  id,
			"deleted": true,
		},
		"metadata": metadata(),
	})
}

// HandleStream handles GET /api/jobs/{id}/stream (websocket).
// Every progress event is sent as one JSON text message; the server closes
// the connection normally after the terminal event.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	events, stop, err := h.manager.Subscribe(id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	defer stop()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		h.log.Warn().Err(err).Str("job_id", id).Msg("Websocket upgrade failed")
		return
	}
	defer conn.CloseNow()

	h.log.Debug().Str("job_id", id).Msg("Client connected to job stream")

	// Reads are only needed to notice the client going away
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "job finished")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, p)
			cancel()
			if err != nil {
				h.log.Debug().Err(err).Str("job_id", id).Msg("Job stream write failed")
				return
			}
		}
	}
}

func metadata() map[string]interface{} {
	return map[string]interface{}{
		"timestamp": time.Now().Format(time.RFC3339),
	}
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, jobs.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, jobs.ErrJobNotFinished), errors.Is(err, jobs.ErrJobActive), errors.Is(err, jobs.ErrJobTerminal):
		return http.StatusConflict
	case errors.Is(err, jobs.ErrShuttingDown):
		return http.StatusServiceUnavailable
	}
	var de *domain.Error
	if errors.As(err, &de) {
		return de.Kind.HTTPStatus()
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	if status >= 500 {
		h.log.Error().Err(err).Msg("Job request failed")
	}

	h.writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"kind":    domain.KindOf(err),
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
