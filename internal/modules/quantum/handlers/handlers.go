// Package handlers provides HTTP handlers for inspecting variational circuits
// on the in-process simulator.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"

	"github.com/aristath/quantfolio/internal/domain"
	"github.com/aristath/quantfolio/internal/modules/hamiltonian"
	"github.com/aristath/quantfolio/internal/modules/quantum"
	"github.com/aristath/quantfolio/internal/modules/qubo"
)

// Request limits
const (
	DefaultMaxQubits = 16
	MaxShots         = 1_000_000
	defaultShots     = 1024
	defaultTop       = 10
)

// Handler handles quantum HTTP requests
type Handler struct {
	maxQubits int
	log       zerolog.Logger
}

// NewHandler creates a new quantum handler; maxQubits <= 0 uses DefaultMaxQubits
func NewHandler(maxQubits int, log zerolog.Logger) *Handler {
	if maxQubits <= 0 {
		maxQubits = DefaultMaxQubits
	}
	return &Handler{
		maxQubits: maxQubits,
		log:       log.With().Str("handler", "quantum").Logger(),
	}
}

// CircuitRequest describes an ansatz and optionally binds its parameters
type CircuitRequest struct {
	NumQubits int       `json:"num_qubits"`
	Reps      int       `json:"reps"`
	Params    []float64 `json:"params,omitempty"`
}

// SampleRequest runs a bound ansatz on the simulator
type SampleRequest struct {
	CircuitRequest
	Shots        int     `json:"shots"`
	ReadoutError float64 `json:"readout_error"`
	Seed         uint64  `json:"seed"`
	Top          int     `json:"top"`
}

// ExpectationRequest estimates the energy of a QUBO under a bound ansatz.
// The QUBO uses the convention O(x) = offset + Σ linear_i x_i + Σ_{i≠j} quadratic_ij x_i x_j.
type ExpectationRequest struct {
	SampleRequest
	Linear    []float64   `json:"linear"`
	Quadratic [][]float64 `json:"quadratic,omitempty"`
	Offset    float64     `json:"offset"`
}

func (h *Handler) ansatz(req CircuitRequest) (quantum.Ansatz, []float64, error) {
	if req.NumQubits < 1 || req.NumQubits > h.maxQubits {
		return quantum.Ansatz{}, nil, domain.NewConfigValidationError(fmt.Sprintf("num_qubits must be between 1 and %d, got %d", h.maxQubits, req.NumQubits))
	}
	reps := req.Reps
	if reps == 0 {
		reps = 1
	}
	if reps < 1 {
		return quantum.Ansatz{}, nil, domain.NewConfigValidationError(fmt.Sprintf("reps must be >= 1, got %d", reps))
	}
	a := quantum.Ansatz{NumQubits: req.NumQubits, Reps: reps}

	params := req.Params
	if params == nil {
		params = make([]float64, a.NumParameters())
	}
	if len(params) != a.NumParameters() {
		return quantum.Ansatz{}, nil, domain.NewConfigValidationError(fmt.Sprintf("ansatz takes %d parameters, got %d", a.NumParameters(), len(params)))
	}
	for i, p := range params {
		if math.IsNaN(p) || math.IsInf(p, 0) {
			return quantum.Ansatz{}, nil, domain.NewConfigValidationError(fmt.Sprintf("parameter %d is not finite", i))
		}
	}
	return a, params, nil
}

func sampleSettings(req SampleRequest) (shots, top int, err error) {
	shots, top = req.Shots, req.Top
	if shots == 0 {
		shots = defaultShots
	}
	if top == 0 {
		top = defaultTop
	}
	if shots < 1 || shots > MaxShots {
		return 0, 0, domain.NewConfigValidationError(fmt.Sprintf("shots must be between 1 and %d", MaxShots))
	}
	if !(req.ReadoutError >= 0 && req.ReadoutError <= 0.5) {
		return 0, 0, domain.NewConfigValidationError("readout_error must be in [0, 0.5]")
	}
	return shots, top, nil
}

// HandleCircuit handles POST /api/quantum/circuit
func (h *Handler) HandleCircuit(w http.ResponseWriter, r *http.Request) {
	var req CircuitRequest
	if !h.decode(w, r, &req) {
		return
	}

	a, params, err := h.ansatz(req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	circuit, err := a.Circuit(params)
	if err != nil {
		h.writeError(w, err)
		return
	}

	lower, upper := a.Bounds()
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"num_parameters": a.NumParameters(),
			"bounds":         []float64{lower, upper},
			"entangling":     a.Entangling(),
			"circuit":        circuit,
			"gate_count":     len(circuit.Gates),
		},
		"metadata": metadata(),
	})
}

// HandleSample handles POST /api/quantum/sample
func (h *Handler) HandleSample(w http.ResponseWriter, r *http.Request) {
	var req SampleRequest
	if !h.decode(w, r, &req) {
		return
	}

	a, params, err := h.ansatz(req.CircuitRequest)
	if err != nil {
		h.writeError(w, err)
		return
	}
	shots, top, err := sampleSettings(req)
	if err != nil {
		h.writeError(w, err)
		return
	}

	session := quantum.NewSimulatorSession("statevector_simulator", &quantum.Simulator{MaxQubits: h.maxQubits, ReadoutError: req.ReadoutError}, req.Seed)
	defer session.Close()

	counts, err := quantum.NewEvaluator(a, h.log).Sample(r.Context(), params, session, shots)
	if err != nil {
		h.writeError(w, err)
		return
	}

	best, _ := quantum.MostProbable(counts)
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"shots":         shots,
			"distinct":      len(counts),
			"most_probable": best,
			"top":           quantum.Top(counts, top),
		},
		"metadata": metadata(),
	})
}

// HandleExpectation handles POST /api/quantum/expectation
func (h *Handler) HandleExpectation(w http.ResponseWriter, r *http.Request) {
	var req ExpectationRequest
	if !h.decode(w, r, &req) {
		return
	}

	req.NumQubits = len(req.Linear)
	a, params, err := h.ansatz(req.CircuitRequest)
	if err != nil {
		h.writeError(w, err)
		return
	}
	shots, top, err := sampleSettings(req.SampleRequest)
	if err != nil {
		h.writeError(w, err)
		return
	}
	problem, err := problemFrom(req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	op := hamiltonian.Map(problem)

	session := quantum.NewSimulatorSession("statevector_simulator", &quantum.Simulator{MaxQubits: h.maxQubits, ReadoutError: req.ReadoutError}, req.Seed)
	defer session.Close()

	ev, err := quantum.NewEvaluator(a, h.log).Evaluate(r.Context(), params, op, session, shots)
	if err != nil {
		h.writeError(w, err)
		return
	}

	outcomes := quantum.Top(ev.Counts, top)
	energies := make([]map[string]interface{}, len(outcomes))
	for i, o := range outcomes {
		energies[i] = map[string]interface{}{
			"bitstring":   o.Bitstring,
			"count":       o.Count,
			"probability": o.Probability,
			"energy":      op.EnergyString(o.Bitstring),
		}
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"expectation": ev.Expectation,
			"shots":       ev.Shots,
			"operator": map[string]interface{}{
				"num_qubits": op.NumQubits,
				"fields":     op.Fields,
				"couplings":  op.Couplings,
				"offset":     op.Offset,
			},
			"top": energies,
		},
		"metadata": metadata(),
	})
}

// problemFrom builds an unnormalized QUBO from the request
func problemFrom(req ExpectationRequest) (*qubo.Problem, error) {
	n := len(req.Linear)
	q := mat.NewSymDense(n, nil)
	if req.Quadratic != nil {
		if len(req.Quadratic) != n {
			return nil, domain.NewDataQualityError(fmt.Sprintf("quadratic has %d rows, expected %d", len(req.Quadratic), n))
		}
		for i, row := range req.Quadratic {
			if len(row) != n {
				return nil, domain.NewDataQualityError(fmt.Sprintf("quadratic row %d has %d entries, expected %d", i, len(row), n))
			}
			for j := i + 1; j < n; j++ {
				if math.Abs(row[j]-req.Quadratic[j][i]) > 1e-12 {
					return nil, domain.NewDataQualityError(fmt.Sprintf("quadratic is not symmetric at (%d, %d)", i, j))
				}
				q.SetSym(i, j, row[j])
			}
		}
	}

	values := append([]float64{req.Offset}, req.Linear...)
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, domain.NewDataQualityError("qubo coefficients must be finite")
		}
	}

	linear := make([]float64, n)
	copy(linear, req.Linear)
	return &qubo.Problem{NumVariables: n, Linear: linear, Quadratic: q, Offset: req.Offset, Scale: 1}, nil
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.log.Error().Err(err).Msg("Failed to decode request body")
		h.writeError(w, domain.NewConfigValidationError("invalid request body"))
		return false
	}
	return true
}

func metadata() map[string]interface{} {
	return map[string]interface{}{
		"timestamp": time.Now().Format(time.RFC3339),
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var de *domain.Error
	if errors.As(err, &de) {
		status = de.Kind.HTTPStatus()
	}
	if status >= 500 {
		h.log.Error().Err(err).Msg("Quantum request failed")
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
