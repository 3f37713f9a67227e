package domain

import (
	"fmt"
	"math"
	"time"
)

// ReturnModel selects how expected returns are estimated from price windows
type ReturnModel string

const (
	// ReturnCompounded annualizes the compounded growth of the window
	ReturnCompounded ReturnModel = "compounded"
	// ReturnEMA annualizes an exponential moving average of daily returns,
	// weighting the end of the window more heavily
	ReturnEMA ReturnModel = "ema"
)

// OptimizationConfig holds every tunable of one optimization run
type OptimizationConfig struct {
	// Time structure
	NumPeriods    int `json:"num_periods"`    // T
	RebalanceDays int `json:"rebalance_days"` // Days between rebalancing points

	// Only used when expected returns are estimated from prices; empty means compounded
	ReturnModel ReturnModel `json:"return_model,omitempty"`

	// Encoding
	BitResolution int `json:"bit_resolution"` // b bits per asset per period

	// Objective weights: O = -F + γ²R + C + ρP
	RiskAversion   float64 `json:"risk_aversion"`   // γ
	TransactionFee float64 `json:"transaction_fee"` // f
	PenaltyWeight  float64 `json:"penalty_weight"`  // ρ

	// Differential Evolution
	PopulationSize         int     `json:"population_size"` // P
	Generations            int     `json:"generations"`     // G
	Mutation               float64 `json:"mutation"`        // F in [0, 2]
	Crossover              float64 `json:"crossover"`       // CR in [0, 1]
	ConvergenceWindow      int     `json:"convergence_window"`
	ConvergenceTolerance   float64 `json:"convergence_tolerance"`
	MinDiversity           float64 `json:"min_diversity"` // Coefficient of variation floor
	MaxConsecutiveFailures int     `json:"max_consecutive_failures"`
	Seed                   uint64  `json:"seed"`
	RefineEvaluations      int     `json:"refine_evaluations"` // Nelder-Mead polish budget after DE; 0 disables

	// Variational evaluation
	EstimatorShots int               `json:"estimator_shots"`
	SamplerShots   int               `json:"sampler_shots"`
	AnsatzReps     int               `json:"ansatz_reps"`
	Backend        BackendPreference `json:"backend"`

	// Budgets; zero means the service-wide default applies
	EvaluationTimeout time.Duration `json:"evaluation_timeout,omitempty"`
	JobTimeout        time.Duration `json:"job_timeout,omitempty"`
}

// Config ranges
const (
	MinPeriods           = 2
	MaxPeriods           = 12
	MinRebalanceDays     = 7
	MaxRebalanceDays     = 90
	MinBitResolution     = 1
	MaxBitResolution     = 4
	MaxTransactionFee    = 0.1
	MinPopulationSize    = 4 // r1, r2, r3 and the target must be distinct
	MaxPopulationSize    = 200
	MinGenerations       = 1
	MaxGenerations       = 1000
	MaxMutation          = 2.0
	MaxRefineEvaluations = 1000
	DefaultFailureValue  = 1e6
)

// DefaultOptimizationConfig returns the configuration used when a request omits fields
func DefaultOptimizationConfig() OptimizationConfig {
	return OptimizationConfig{
		NumPeriods:             4,
		RebalanceDays:          30,
		BitResolution:          2,
		RiskAversion:           1000.0,
		TransactionFee:         0.01,
		PenaltyWeight:          1.0,
		PopulationSize:         40,
		Generations:            20,
		Mutation:               0.8,
		Crossover:              0.4,
		ConvergenceWindow:      5,
		ConvergenceTolerance:   1e-4,
		MinDiversity:           1e-3,
		MaxConsecutiveFailures: 5,
		Seed:                   42,
		EstimatorShots:         25000,
		SamplerShots:           100000,
		AnsatzReps:             3,
	}
}

// NumVariables returns the binary variable count for a universe of numAssets
func (c OptimizationConfig) NumVariables(numAssets int) int {
	return numAssets * c.NumPeriods * c.BitResolution
}

// Validate checks every range and fails fast with a ConfigValidationError
func (c OptimizationConfig) Validate() error {
	if c.NumPeriods < MinPeriods || c.NumPeriods > MaxPeriods {
		return rangeError("num_periods", c.NumPeriods, MinPeriods, MaxPeriods)
	}
	if c.RebalanceDays < MinRebalanceDays || c.RebalanceDays > MaxRebalanceDays {
		return rangeError("rebalance_days", c.RebalanceDays, MinRebalanceDays, MaxRebalanceDays)
	}
	switch c.ReturnModel {
	case "", ReturnCompounded, ReturnEMA:
	default:
		return NewConfigValidationError(fmt.Sprintf("return_model must be %q or %q, got %q", ReturnCompounded, ReturnEMA, c.ReturnModel))
	}
	if c.BitResolution < MinBitResolution || c.BitResolution > MaxBitResolution {
		return rangeError("bit_resolution", c.BitResolution, MinBitResolution, MaxBitResolution)
	}

	if err := nonNegative("risk_aversion", c.RiskAversion); err != nil {
		return err
	}
	if err := nonNegative("transaction_fee", c.TransactionFee); err != nil {
		return err
	}
	if c.TransactionFee > MaxTransactionFee {
		return NewConfigValidationError(fmt.Sprintf("transaction_fee must be <= %v, got %v", MaxTransactionFee, c.TransactionFee))
	}
	if err := nonNegative("penalty_weight", c.PenaltyWeight); err != nil {
		return err
	}

	if c.PopulationSize < MinPopulationSize || c.PopulationSize > MaxPopulationSize {
		return rangeError("population_size", c.PopulationSize, MinPopulationSize, MaxPopulationSize)
	}
	if c.Generations < MinGenerations || c.Generations > MaxGenerations {
		return rangeError("generations", c.Generations, MinGenerations, MaxGenerations)
	}
	if math.IsNaN(c.Mutation) || c.Mutation < 0 || c.Mutation > MaxMutation {
		return NewConfigValidationError(fmt.Sprintf("mutation must be in [0, %v], got %v", MaxMutation, c.Mutation))
	}
	if math.IsNaN(c.Crossover) || c.Crossover < 0 || c.Crossover > 1 {
		return NewConfigValidationError(fmt.Sprintf("crossover must be in [0, 1], got %v", c.Crossover))
	}
	if c.ConvergenceWindow < 1 {
		return NewConfigValidationError(fmt.Sprintf("convergence_window must be >= 1, got %d", c.ConvergenceWindow))
	}
	if err := nonNegative("convergence_tolerance", c.ConvergenceTolerance); err != nil {
		return err
	}
	if err := nonNegative("min_diversity", c.MinDiversity); err != nil {
		return err
	}
	if c.MaxConsecutiveFailures < 1 {
		return NewConfigValidationError(fmt.Sprintf("max_consecutive_failures must be >= 1, got %d", c.MaxConsecutiveFailures))
	}

	if c.RefineEvaluations < 0 || c.RefineEvaluations > MaxRefineEvaluations {
		return rangeError("refine_evaluations", c.RefineEvaluations, 0, MaxRefineEvaluations)
	}

	if c.EstimatorShots < 1 {
		return NewConfigValidationError(fmt.Sprintf("estimator_shots must be >= 1, got %d", c.EstimatorShots))
	}
	if c.SamplerShots < 1 {
		return NewConfigValidationError(fmt.Sprintf("sampler_shots must be >= 1, got %d", c.SamplerShots))
	}
	if c.AnsatzReps < 1 {
		return NewConfigValidationError(fmt.Sprintf("ansatz_reps must be >= 1, got %d", c.AnsatzReps))
	}
	if c.EvaluationTimeout < 0 || c.JobTimeout < 0 {
		return NewConfigValidationError("timeouts must not be negative")
	}

	return nil
}

func rangeError(field string, got, min, max int) error {
	return NewConfigValidationError(fmt.Sprintf("%s must be between %d and %d, got %d", field, min, max, got))
}

func nonNegative(field string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return NewConfigValidationError(fmt.Sprintf("%s must be a finite non-negative number, got %v", field, v))
	}
	return nil
}
