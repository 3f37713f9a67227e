package optimization

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
)

// RiskFreeRate is the annual rate Sharpe ratios are measured against
const RiskFreeRate = 0.02

const (
	benchmarkEvaluations = 4000 // Per start
	minVariance          = 1e-10
	projectionRounds     = 100
)

// Performance describes a weight vector under annualized μ and Σ
type Performance struct {
	Return     float64 `json:"return"`
	Volatility float64 `json:"volatility"`
	Sharpe     float64 `json:"sharpe"`
}

// PortfolioPerformance computes return μ'w, volatility sqrt(w'Σw) and the
// Sharpe ratio against rf. A riskless portfolio reports a Sharpe of zero.
func PortfolioPerformance(w, mu []float64, sigma mat.Symmetric, rf float64) Performance {
	vec := mat.NewVecDense(len(w), append([]float64(nil), w...))
	variance := mat.Inner(vec, sigma, vec)

	p := Performance{
		Return:     floats.Dot(w, mu),
		Volatility: math.Sqrt(math.Max(variance, 0)),
	}
	if p.Volatility > 0 {
		p.Sharpe = (p.Return - rf) / p.Volatility
	}
	return p
}

// ProjectCappedSimplex returns the point closest to x whose weights lie in
// [0, caps[i]] and sum to 1. caps must sum to at least 1.
func ProjectCappedSimplex(x, caps []float64) []float64 {
	out := make([]float64, len(x))
	if len(x) == 0 {
		return out
	}

	// Σ clamp(x_i − τ, 0, cap_i) falls monotonically in τ
	lo, hi := math.Inf(1), math.Inf(-1)
	for i, v := range x {
		lo = math.Min(lo, v-caps[i])
		hi = math.Max(hi, v)
	}
	fill := func(tau float64) float64 {
		total := 0.0
		for i, v := range x {
			out[i] = math.Max(0, math.Min(caps[i], v-tau))
			total += out[i]
		}
		return total
	}

	for k := 0; k < projectionRounds; k++ {
		mid := (lo + hi) / 2
		if fill(mid) > 1 {
			lo = mid
		} else {
			hi = mid
		}
	}
	fill((lo + hi) / 2)
	return out
}

// MaxSharpe finds long-only weights within caps and summing to 1 that
// maximize (μ'w − rf) / sqrt(w'Σw). The search runs Nelder-Mead over the
// projection onto the capped simplex, started from equal weights and from
// each single-asset corner.
func MaxSharpe(mu []float64, sigma mat.Symmetric, caps []float64, rf float64) ([]float64, Performance, error) {
	n := len(mu)
	if n == 0 {
		return nil, Performance{}, fmt.Errorf("no assets provided")
	}
	if sigma.SymmetricDim() != n {
		return nil, Performance{}, fmt.Errorf("covariance matrix size %d doesn't match asset count %d", sigma.SymmetricDim(), n)
	}
	if len(caps) != n {
		return nil, Performance{}, fmt.Errorf("got %d caps for %d assets", len(caps), n)
	}
	if floats.Sum(caps) < 1-1e-9 {
		return nil, Performance{}, fmt.Errorf("caps sum to %.4f, budget of 1.0 is unreachable", floats.Sum(caps))
	}

	var (
		best      []float64
		bestValue = math.Inf(1)
	)
	negSharpe := func(x []float64) float64 {
		w := ProjectCappedSimplex(x, caps)
		vec := mat.NewVecDense(n, w)
		std := math.Sqrt(math.Max(mat.Inner(vec, sigma, vec), minVariance))
		v := -(floats.Dot(w, mu) - rf) / std
		if v < bestValue {
			best, bestValue = w, v
		}
		return v
	}

	starts := make([][]float64, 0, n+1)
	equal := make([]float64, n)
	for i := range equal {
		equal[i] = 1 / float64(n)
	}
	starts = append(starts, equal)
	for i := 0; i < n; i++ {
		corner := make([]float64, n)
		corner[i] = 1
		starts = append(starts, corner)
	}

	problem := optimize.Problem{Func: negSharpe}
	settings := &optimize.Settings{
		FuncEvaluations: benchmarkEvaluations,
		Converger:       &optimize.FunctionConverge{Absolute: 1e-12, Iterations: 50},
	}
	var lastErr error
	for _, x0 := range starts {
		if _, err := optimize.Minimize(problem, x0, settings, &optimize.NelderMead{SimplexSize: 0.1}); err != nil {
			lastErr = err
		}
	}
	if best == nil {
		return nil, Performance{}, fmt.Errorf("optimization failed: %w", lastErr)
	}

	return best, PortfolioPerformance(best, mu, sigma, rf), nil
}
