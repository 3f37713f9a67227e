package qubo

import (
	"math"

	"github.com/aristath/quantfolio/internal/domain"
)

// Breakdown reports each objective term for a concrete allocation schedule,
// in the un-normalized units of the builder.
type Breakdown struct {
	ExpectedReturn       float64 `json:"expected_return"`        // F
	Risk                 float64 `json:"risk"`                   // γ²R
	TransactionCost      float64 `json:"transaction_cost"`       // C
	BudgetPenalty        float64 `json:"budget_penalty"`         // ρ·Σ_t (Σ_a w − 1)²
	MaxAllocationPenalty float64 `json:"max_allocation_penalty"` // ρ·Σ max(0, w − cap)²
	Penalty              float64 `json:"penalty"`                // ρP
	Objective            float64 `json:"objective"`              // −F + γ²R + C + ρP
}

// Evaluate computes the breakdown of weights indexed [asset][period].
// For any decoded bitstring, Objective equals Problem.TrueObjective.
func Evaluate(cfg domain.OptimizationConfig, in Input, caps []float64, weights [][]float64) Breakdown {
	numAssets := len(weights)
	numPeriods := len(in.Periods)
	var b Breakdown

	for t, period := range in.Periods {
		for a := 0; a < numAssets; a++ {
			b.ExpectedReturn += period.ExpectedReturns[a] * weights[a][t]
		}
	}

	gamma2 := cfg.RiskAversion * cfg.RiskAversion
	if in.JointCovariance != nil {
		for t := 0; t < numPeriods; t++ {
			for a := 0; a < numAssets; a++ {
				for s := 0; s < numPeriods; s++ {
					for c := 0; c < numAssets; c++ {
						b.Risk += gamma2 * weights[a][t] * in.JointCovariance.At(t*numAssets+a, s*numAssets+c) * weights[c][s]
					}
				}
			}
		}
	} else {
		for t, period := range in.Periods {
			for a := 0; a < numAssets; a++ {
				for c := 0; c < numAssets; c++ {
					b.Risk += gamma2 * weights[a][t] * period.Covariance.At(a, c) * weights[c][t]
				}
			}
		}
	}

	for a := 0; a < numAssets; a++ {
		if in.PreviousAllocation != nil {
			d := weights[a][0] - in.PreviousAllocation[a]
			b.TransactionCost += cfg.TransactionFee * d * d
		}
		for t := 1; t < numPeriods; t++ {
			d := weights[a][t] - weights[a][t-1]
			b.TransactionCost += cfg.TransactionFee * d * d
		}
	}

	b.BudgetPenalty = cfg.PenaltyWeight * BudgetViolation(weights)
	for a := 0; a < numAssets; a++ {
		for t := 0; t < numPeriods; t++ {
			excess := math.Max(0, weights[a][t]-caps[a])
			b.MaxAllocationPenalty += cfg.PenaltyWeight * excess * excess
		}
	}
	b.Penalty = b.BudgetPenalty + b.MaxAllocationPenalty

	b.Objective = -b.ExpectedReturn + b.Risk + b.TransactionCost + b.Penalty
	return b
}

// BudgetViolation returns Σ_t (Σ_a w_{a,t} − 1)², zero exactly when every
// period is fully invested.
func BudgetViolation(weights [][]float64) float64 {
	if len(weights) == 0 {
		return 0
	}
	total := 0.0
	for t := range weights[0] {
		sum := 0.0
		for a := range weights {
			sum += weights[a][t]
		}
		total += (sum - 1) * (sum - 1)
	}
	return total
}
