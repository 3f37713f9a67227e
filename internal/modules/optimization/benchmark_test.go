package optimization

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

func TestPortfolioPerformance(t *testing.T) {
	sigma := mat.NewSymDense(2, []float64{0.04, 0, 0, 0.04})
	p := PortfolioPerformance([]float64{0.5, 0.5}, []float64{0.10, 0.20}, sigma, 0.02)

	assert.InDelta(t, 0.15, p.Return, 1e-12)
	assert.InDelta(t, math.Sqrt(0.02), p.Volatility, 1e-12)
	assert.InDelta(t, 0.13/math.Sqrt(0.02), p.Sharpe, 1e-9)

	riskless := PortfolioPerformance([]float64{1, 0}, []float64{0.05, 0}, mat.NewSymDense(2, nil), 0.02)
	assert.Zero(t, riskless.Volatility)
	assert.Zero(t, riskless.Sharpe)
}

func TestProjectCappedSimplex(t *testing.T) {
	tests := []struct {
		name string
		x    []float64
		caps []float64
		want []float64
	}{
		{"already feasible", []float64{0.3, 0.7}, []float64{1, 1}, []float64{0.3, 0.7}},
		{"shifted down", []float64{1, 1}, []float64{1, 1}, []float64{0.5, 0.5}},
		{"negative clipped", []float64{-1, 0.5}, []float64{1, 1}, []float64{0, 1}},
		{"cap binds", []float64{0.9, 0.1}, []float64{0.6, 1}, []float64{0.6, 0.4}},
		{"corner start", []float64{1, 0, 0}, []float64{0.5, 0.5, 0.5}, []float64{0.5, 0.25, 0.25}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ProjectCappedSimplex(tt.x, tt.caps)
			assert.InDelta(t, 1.0, floats.Sum(got), 1e-9)
			for i := range got {
				assert.InDelta(t, tt.want[i], got[i], 1e-9, "asset %d", i)
				assert.GreaterOrEqual(t, got[i], 0.0)
				assert.LessOrEqual(t, got[i], tt.caps[i]+1e-12)
			}
		})
	}
}

func TestMaxSharpe_TangencyPortfolio(t *testing.T) {
	// Uncorrelated assets: w ∝ Σ⁻¹(μ − rf) = [0.08/0.04, 0.18/0.09] = [2, 2]
	mu := []float64{0.10, 0.20}
	sigma := mat.NewSymDense(2, []float64{0.04, 0, 0, 0.09})

	w, perf, err := MaxSharpe(mu, sigma, []float64{1, 1}, 0.02)
	require.NoError(t, err)

	assert.InDelta(t, 0.5, w[0], 0.01)
	assert.InDelta(t, 0.5, w[1], 0.01)
	assert.InDelta(t, 1.0, floats.Sum(w), 1e-9)
	assert.InDelta(t, 0.13/math.Sqrt(0.0325), perf.Sharpe, 1e-3)

	equal := PortfolioPerformance([]float64{0.5, 0.5}, mu, sigma, 0.02)
	assert.GreaterOrEqual(t, perf.Sharpe, equal.Sharpe-1e-9)
}

func TestMaxSharpe_RespectsCaps(t *testing.T) {
	mu := []float64{0.10, 0.20}
	sigma := mat.NewSymDense(2, []float64{0.04, 0, 0, 0.09})

	w, _, err := MaxSharpe(mu, sigma, []float64{0.3, 1}, 0.02)
	require.NoError(t, err)

	assert.InDelta(t, 0.3, w[0], 0.01)
	assert.InDelta(t, 0.7, w[1], 0.01)
	assert.LessOrEqual(t, w[0], 0.3+1e-12)
}

func TestMaxSharpe_Validation(t *testing.T) {
	sigma := mat.NewSymDense(2, []float64{0.04, 0, 0, 0.09})

	_, _, err := MaxSharpe(nil, mat.NewSymDense(1, nil), nil, 0)
	assert.Error(t, err)

	_, _, err = MaxSharpe([]float64{0.1, 0.2, 0.3}, sigma, []float64{1, 1, 1}, 0)
	assert.Error(t, err)

	_, _, err = MaxSharpe([]float64{0.1, 0.2}, sigma, []float64{1}, 0)
	assert.Error(t, err)

	_, _, err = MaxSharpe([]float64{0.1, 0.2}, sigma, []float64{0.4, 0.4}, 0)
	assert.Error(t, err)
}
