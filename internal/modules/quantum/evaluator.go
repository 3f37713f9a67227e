package quantum

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/aristath/quantfolio/internal/domain"
	"github.com/aristath/quantfolio/internal/modules/hamiltonian"
	"github.com/rs/zerolog"
)

// Evaluation is the outcome of one parameter evaluation
type Evaluation struct {
	Expectation float64 `json:"expectation"` // Normalized cost ⟨H⟩
	Counts      Counts  `json:"-"`
	Shots       int     `json:"shots"`
}

// Evaluator binds ansatz parameters and estimates ⟨H⟩ from measurement counts
type Evaluator struct {
	ansatz Ansatz
	log    zerolog.Logger
}

// NewEvaluator creates an evaluator for the given ansatz
func NewEvaluator(ansatz Ansatz, log zerolog.Logger) *Evaluator {
	return &Evaluator{
		ansatz: ansatz,
		log:    log.With().Str("component", "variational_evaluator").Logger(),
	}
}

// Ansatz returns the circuit template the evaluator binds
func (e *Evaluator) Ansatz() Ansatz {
	return e.ansatz
}

// Evaluate runs the bound circuit on the session and returns the expectation
// of op. Every failure comes back as an evaluation error; deadline expiry
// also carries a timeout error in its cause chain.
func (e *Evaluator) Evaluate(ctx context.Context, params []float64, op *hamiltonian.CostOperator, session Session, shots int) (*Evaluation, error) {
	if op.NumQubits != e.ansatz.NumQubits {
		return nil, domain.NewInternalInconsistencyError(fmt.Sprintf("operator acts on %d qubits, ansatz on %d", op.NumQubits, e.ansatz.NumQubits))
	}

	circuit, err := e.ansatz.Circuit(params)
	if err != nil {
		return nil, err
	}

	counts, err := session.Run(ctx, circuit, shots)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = domain.NewTimeoutError("circuit execution exceeded its deadline", err)
		}
		return nil, domain.NewEvaluationError(fmt.Sprintf("backend %s failed", session.Backend()), err)
	}

	value := op.Expectation(counts)
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return nil, domain.NewEvaluationError(fmt.Sprintf("backend %s returned no usable samples", session.Backend()), nil)
	}

	return &Evaluation{Expectation: value, Counts: counts, Shots: counts.Total()}, nil
}

// Sample runs the bound circuit and returns the raw counts
func (e *Evaluator) Sample(ctx context.Context, params []float64, session Session, shots int) (Counts, error) {
	circuit, err := e.ansatz.Circuit(params)
	if err != nil {
		return nil, err
	}
	counts, err := session.Run(ctx, circuit, shots)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = domain.NewTimeoutError("sampling exceeded its deadline", err)
		}
		return nil, domain.NewEvaluationError(fmt.Sprintf("sampling on %s failed", session.Backend()), err)
	}
	if len(counts) == 0 {
		return nil, domain.NewEvaluationError(fmt.Sprintf("sampling on %s returned no samples", session.Backend()), nil)
	}
	return counts, nil
}

// Outcome is one bitstring with its observed frequency
type Outcome struct {
	Bitstring   string  `json:"bitstring"`
	Count       int     `json:"count"`
	Probability float64 `json:"probability"`
}

// Ranked orders outcomes by count, descending; ties go to the smaller bitstring
func Ranked(counts Counts) []Outcome {
	total := counts.Total()
	out := make([]Outcome, 0, len(counts))
	for bits, n := range counts {
		p := 0.0
		if total > 0 {
			p = float64(n) / float64(total)
		}
		out = append(out, Outcome{Bitstring: bits, Count: n, Probability: p})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Bitstring < out[j].Bitstring
	})
	return out
}

// Top returns at most k of the most frequent outcomes
func Top(counts Counts, k int) []Outcome {
	ranked := Ranked(counts)
	if k >= 0 && len(ranked) > k {
		ranked = ranked[:k]
	}
	return ranked
}

// MostProbable returns the most frequent bitstring
func MostProbable(counts Counts) (Outcome, bool) {
	return MostProbableFeasible(counts, nil)
}

// MostProbableFeasible returns the most frequent bitstring accepted by keep.
// A nil keep accepts everything.
func MostProbableFeasible(counts Counts, keep func(string) bool) (Outcome, bool) {
	for _, o := range Ranked(counts) {
		if keep == nil || keep(o.Bitstring) {
			return o, true
		}
	}
	return Outcome{}, false
}
