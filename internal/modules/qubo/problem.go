// Package qubo builds the multi-period portfolio QUBO:
//
//	O = −F + γ²R + C + ρP
//
// over the binary variables laid out by the encoding package.
package qubo

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/aristath/quantfolio/internal/domain"
)

// PeriodData holds the statistics of one rebalancing period
type PeriodData struct {
	ExpectedReturns []float64     `json:"expected_returns"`
	Covariance      *mat.SymDense `json:"-"`
}

// Validate checks shape and finiteness against numAssets
func (p PeriodData) Validate(numAssets int) error {
	if len(p.ExpectedReturns) != numAssets {
		return domain.NewDataQualityError(fmt.Sprintf("expected %d returns, got %d", numAssets, len(p.ExpectedReturns)))
	}
	for i, r := range p.ExpectedReturns {
		if !isFinite(r) {
			return domain.NewDataQualityError(fmt.Sprintf("expected return %d is not finite (%v)", i, r))
		}
	}
	if p.Covariance == nil {
		return domain.NewDataQualityError("covariance matrix is missing")
	}
	return validateSym(p.Covariance, numAssets, "covariance")
}

// Input is everything the builder consumes besides the encoder and config
type Input struct {
	Periods []PeriodData
	// JointCovariance optionally replaces the per-period blocks with a full
	// cross-period covariance of size (T·A)², rows ordered period-major
	// (row = period·A + asset).
	JointCovariance *mat.SymDense
	// PreviousAllocation is the allocation held before period 0; nil when
	// starting from cash.
	PreviousAllocation []float64
}

// Problem is a normalized QUBO:
//
//	O(x) = Offset + Σ_i Linear[i]·x_i + Σ_{i≠j} Q[i][j]·x_i·x_j
//
// with Q symmetric and zero on the diagonal (x² = x terms live in Linear).
// Multiplying by Scale recovers the un-normalized objective.
type Problem struct {
	NumVariables int
	Linear       []float64
	Quadratic    *mat.SymDense
	Offset       float64
	Scale        float64
}

// Objective evaluates the normalized objective of a bit vector
func (p *Problem) Objective(bits []byte) float64 {
	value := p.Offset
	for i := 0; i < p.NumVariables; i++ {
		if bits[i] == 0 {
			continue
		}
		value += p.Linear[i]
		for j := i + 1; j < p.NumVariables; j++ {
			if bits[j] != 0 {
				value += 2 * p.Quadratic.At(i, j)
			}
		}
	}
	return value
}

// TrueObjective evaluates the un-normalized objective of a bit vector
func (p *Problem) TrueObjective(bits []byte) float64 {
	return p.Objective(bits) * p.Scale
}

// MaxAbsCoefficient returns max(|Linear|, |Quadratic|)
func (p *Problem) MaxAbsCoefficient() float64 {
	m := 0.0
	for i := 0; i < p.NumVariables; i++ {
		m = math.Max(m, math.Abs(p.Linear[i]))
		for j := i + 1; j < p.NumVariables; j++ {
			m = math.Max(m, math.Abs(p.Quadratic.At(i, j)))
		}
	}
	return m
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func validateSym(m *mat.SymDense, n int, name string) error {
	if m.SymmetricDim() != n {
		return domain.NewDataQualityError(fmt.Sprintf("%s is %dx%d, expected %dx%d", name, m.SymmetricDim(), m.SymmetricDim(), n, n))
	}
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			if !isFinite(m.At(i, j)) {
				return domain.NewDataQualityError(fmt.Sprintf("%s entry (%d, %d) is not finite", name, i, j))
			}
		}
	}
	return nil
}
