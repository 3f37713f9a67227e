package qubo

import (
	"math"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/aristath/quantfolio/internal/domain"
	"github.com/aristath/quantfolio/internal/modules/encoding"
)

func testBuilder() *Builder {
	return NewBuilder(zerolog.New(nil).Level(zerolog.Disabled))
}

func testConfig() domain.OptimizationConfig {
	cfg := domain.DefaultOptimizationConfig()
	cfg.NumPeriods = 2
	cfg.BitResolution = 2
	cfg.RiskAversion = 1000
	cfg.TransactionFee = 0.01
	cfg.PenaltyWeight = 1.0
	return cfg
}

func testInput() Input {
	cov := mat.NewSymDense(2, []float64{
		0.04, 0.01,
		0.01, 0.09,
	})
	return Input{
		Periods: []PeriodData{
			{ExpectedReturns: []float64{0.10, 0.05}, Covariance: cov},
			{ExpectedReturns: []float64{0.08, 0.12}, Covariance: cov},
		},
	}
}

func testEncoder(t *testing.T, caps []float64) *encoding.Encoder {
	t.Helper()
	enc, err := encoding.New(len(caps), 2, 2, caps)
	require.NoError(t, err)
	return enc
}

// allBitstrings enumerates every bit vector of length n
func allBitstrings(n int) [][]byte {
	out := make([][]byte, 0, 1<<n)
	for v := 0; v < 1<<n; v++ {
		bits := make([]byte, n)
		for i := 0; i < n; i++ {
			bits[i] = byte((v >> i) & 1)
		}
		out = append(out, bits)
	}
	return out
}

func TestBuild_SymmetricWithZeroDiagonal(t *testing.T) {
	enc := testEncoder(t, []float64{1, 1})
	p, err := testBuilder().Build(enc, testConfig(), testInput())
	require.NoError(t, err)

	require.Equal(t, 8, p.NumVariables)
	for i := 0; i < p.NumVariables; i++ {
		assert.Zero(t, p.Quadratic.At(i, i))
		for j := 0; j < p.NumVariables; j++ {
			assert.Equal(t, p.Quadratic.At(i, j), p.Quadratic.At(j, i))
		}
	}
}

func TestBuild_NormalizationBound(t *testing.T) {
	configs := []func(c *domain.OptimizationConfig){
		func(c *domain.OptimizationConfig) {},
		func(c *domain.OptimizationConfig) { c.RiskAversion = 0 },
		func(c *domain.OptimizationConfig) { c.PenaltyWeight = 50 },
		func(c *domain.OptimizationConfig) { c.TransactionFee = 0.1; c.RiskAversion = 1 },
	}

	enc := testEncoder(t, []float64{0.7, 0.9})
	for i, mutate := range configs {
		cfg := testConfig()
		mutate(&cfg)
		p, err := testBuilder().Build(enc, cfg, testInput())
		require.NoError(t, err)
		assert.InDelta(t, 1.0, p.MaxAbsCoefficient(), 1e-12, "config %d", i)
		assert.Greater(t, p.Scale, 0.0)
	}
}

func TestBuild_ObjectiveMatchesBreakdown(t *testing.T) {
	caps := []float64{0.8, 1.0}
	enc := testEncoder(t, caps)
	cfg := testConfig()
	in := testInput()
	in.PreviousAllocation = []float64{0.5, 0.5}

	p, err := testBuilder().Build(enc, cfg, in)
	require.NoError(t, err)

	for _, bits := range allBitstrings(p.NumVariables) {
		weights, err := enc.Decode(bits)
		require.NoError(t, err)

		expected := Evaluate(cfg, in, caps, weights).Objective
		assert.InDelta(t, expected, p.TrueObjective(bits), 1e-9*p.Scale, "bits %s", encoding.FormatBits(bits))
	}
}

func TestBuild_BudgetPenaltyZeroAtFeasibility(t *testing.T) {
	cfg := testConfig()
	cfg.RiskAversion = 0
	cfg.TransactionFee = 0
	cfg.PenaltyWeight = 3

	in := testInput()
	for i := range in.Periods {
		in.Periods[i].ExpectedReturns = []float64{0, 0}
	}

	enc := testEncoder(t, []float64{1, 1})
	p, err := testBuilder().Build(enc, cfg, in)
	require.NoError(t, err)

	// level pairs summing to 3 decode to weights summing to 1
	bits, err := enc.Encode([][]int{{1, 3}, {2, 0}})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, p.TrueObjective(bits), 1e-12)

	infeasible, err := enc.Encode([][]int{{1, 3}, {1, 0}})
	require.NoError(t, err)
	assert.Greater(t, p.TrueObjective(infeasible), 0.0)
}

func TestBuild_DegenerateProblemKeepsUnitScale(t *testing.T) {
	cfg := testConfig()
	cfg.RiskAversion = 0
	cfg.TransactionFee = 0
	cfg.PenaltyWeight = 0

	in := testInput()
	for i := range in.Periods {
		in.Periods[i].ExpectedReturns = []float64{0, 0}
	}

	p, err := testBuilder().Build(testEncoder(t, []float64{1, 1}), cfg, in)
	require.NoError(t, err)
	assert.Equal(t, 1.0, p.Scale)
	assert.Zero(t, p.MaxAbsCoefficient())
}

func TestBuild_RejectsNonFiniteData(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(in *Input)
	}{
		{"NaN return", func(in *Input) { in.Periods[0].ExpectedReturns[1] = math.NaN() }},
		{"infinite covariance", func(in *Input) {
			in.Periods[1].Covariance = mat.NewSymDense(2, []float64{math.Inf(1), 0, 0, 0.1})
		}},
		{"missing covariance", func(in *Input) { in.Periods[0].Covariance = nil }},
		{"wrong return count", func(in *Input) { in.Periods[0].ExpectedReturns = []float64{0.1} }},
		{"missing period", func(in *Input) { in.Periods = in.Periods[:1] }},
		{"NaN previous allocation", func(in *Input) { in.PreviousAllocation = []float64{math.NaN(), 0} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := testInput()
			tt.mutate(&in)
			_, err := testBuilder().Build(testEncoder(t, []float64{1, 1}), testConfig(), in)
			require.Error(t, err)
			assert.Equal(t, domain.KindDataQuality, domain.KindOf(err))
		})
	}
}

func TestBuild_EncoderConfigMismatch(t *testing.T) {
	cfg := testConfig()
	cfg.BitResolution = 3

	_, err := testBuilder().Build(testEncoder(t, []float64{1, 1}), cfg, testInput())
	require.Error(t, err)
	assert.Equal(t, domain.KindInternalInconsistency, domain.KindOf(err))
}

func TestBuild_JointCovarianceMatchesBlockDiagonal(t *testing.T) {
	enc := testEncoder(t, []float64{1, 1})
	cfg := testConfig()
	in := testInput()

	blocks, err := testBuilder().Build(enc, cfg, in)
	require.NoError(t, err)

	joint := mat.NewSymDense(4, nil)
	for period := 0; period < 2; period++ {
		for a := 0; a < 2; a++ {
			for c := a; c < 2; c++ {
				joint.SetSym(period*2+a, period*2+c, in.Periods[period].Covariance.At(a, c))
			}
		}
	}
	in.JointCovariance = joint

	withJoint, err := testBuilder().Build(enc, cfg, in)
	require.NoError(t, err)

	for _, bits := range allBitstrings(8) {
		assert.InDelta(t, blocks.TrueObjective(bits), withJoint.TrueObjective(bits), 1e-9*blocks.Scale)
	}
}

func TestBuild_TransactionCostPenalizesTurnover(t *testing.T) {
	cfg := testConfig()
	cfg.RiskAversion = 0
	cfg.PenaltyWeight = 0
	cfg.TransactionFee = 0.1

	in := testInput()
	for i := range in.Periods {
		in.Periods[i].ExpectedReturns = []float64{0, 0}
	}

	enc := testEncoder(t, []float64{1, 1})
	p, err := testBuilder().Build(enc, cfg, in)
	require.NoError(t, err)

	steady, err := enc.Encode([][]int{{2, 2}, {1, 1}})
	require.NoError(t, err)
	churn, err := enc.Encode([][]int{{3, 0}, {0, 3}})
	require.NoError(t, err)

	assert.InDelta(t, 0.0, p.TrueObjective(steady), 1e-12)
	assert.InDelta(t, 0.2, p.TrueObjective(churn), 1e-12)
}

func TestBudgetViolation(t *testing.T) {
	assert.Zero(t, BudgetViolation([][]float64{{0.4, 1}, {0.6, 0}}))
	assert.InDelta(t, 0.25, BudgetViolation([][]float64{{0.5, 1}, {0, 0}}), 1e-12)
	assert.Zero(t, BudgetViolation(nil))
}
