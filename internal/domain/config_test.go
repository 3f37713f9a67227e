package domain

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultOptimizationConfig_IsValid(t *testing.T) {
	cfg := DefaultOptimizationConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3*4*2, cfg.NumVariables(3))
}

func TestOptimizationConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *OptimizationConfig)
	}{
		{"bit resolution zero", func(c *OptimizationConfig) { c.BitResolution = 0 }},
		{"bit resolution five", func(c *OptimizationConfig) { c.BitResolution = 5 }},
		{"single period", func(c *OptimizationConfig) { c.NumPeriods = 1 }},
		{"too many periods", func(c *OptimizationConfig) { c.NumPeriods = 13 }},
		{"rebalance too short", func(c *OptimizationConfig) { c.RebalanceDays = 3 }},
		{"negative risk aversion", func(c *OptimizationConfig) { c.RiskAversion = -1 }},
		{"NaN risk aversion", func(c *OptimizationConfig) { c.RiskAversion = math.NaN() }},
		{"negative fee", func(c *OptimizationConfig) { c.TransactionFee = -0.01 }},
		{"fee too high", func(c *OptimizationConfig) { c.TransactionFee = 0.5 }},
		{"infinite penalty", func(c *OptimizationConfig) { c.PenaltyWeight = math.Inf(1) }},
		{"population too small", func(c *OptimizationConfig) { c.PopulationSize = 3 }},
		{"zero generations", func(c *OptimizationConfig) { c.Generations = 0 }},
		{"mutation above two", func(c *OptimizationConfig) { c.Mutation = 2.5 }},
		{"negative crossover", func(c *OptimizationConfig) { c.Crossover = -0.1 }},
		{"crossover above one", func(c *OptimizationConfig) { c.Crossover = 1.1 }},
		{"zero estimator shots", func(c *OptimizationConfig) { c.EstimatorShots = 0 }},
		{"zero sampler shots", func(c *OptimizationConfig) { c.SamplerShots = 0 }},
		{"zero reps", func(c *OptimizationConfig) { c.AnsatzReps = 0 }},
		{"unknown return model", func(c *OptimizationConfig) { c.ReturnModel = "arima" }},
		{"zero window", func(c *OptimizationConfig) { c.ConvergenceWindow = 0 }},
		{"zero failure threshold", func(c *OptimizationConfig) { c.MaxConsecutiveFailures = 0 }},
		{"negative timeout", func(c *OptimizationConfig) { c.JobTimeout = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultOptimizationConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Equal(t, KindConfigValidation, KindOf(err))
		})
	}
}

func TestOptimizationConfig_BoundaryValuesAccepted(t *testing.T) {
	cfg := DefaultOptimizationConfig()
	cfg.Mutation = 2
	cfg.Crossover = 1
	cfg.BitResolution = 4
	cfg.NumPeriods = 2
	cfg.RiskAversion = 0
	cfg.TransactionFee = 0
	cfg.PenaltyWeight = 0
	assert.NoError(t, cfg.Validate())
}
