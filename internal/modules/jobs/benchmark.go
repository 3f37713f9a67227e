package jobs

import (
	"fmt"

	"github.com/aristath/quantfolio/internal/domain"
	"github.com/aristath/quantfolio/internal/modules/optimization"
)

// PeriodBenchmark sets one period of the chosen schedule against the
// classical max-Sharpe allocation for the same expected returns and covariance.
type PeriodBenchmark struct {
	Period    int                      `json:"period"`
	Weights   map[string]float64       `json:"weights"` // Classical allocation
	Classical optimization.Performance `json:"classical"`
	Quantum   optimization.Performance `json:"quantum"`
}

// Benchmark is the classical comparison attached to a completed job.
// Classical and Quantum hold per-period averages.
type Benchmark struct {
	RiskFreeRate float64                  `json:"risk_free_rate"`
	Periods      []PeriodBenchmark        `json:"periods"`
	Classical    optimization.Performance `json:"classical"`
	Quantum      optimization.Performance `json:"quantum"`
}

// classicalBenchmark solves max Sharpe per period under the same caps and
// scores the schedule weights ([asset][period]) on the same data.
func classicalBenchmark(p *prepared, weights [][]float64) (*Benchmark, error) {
	caps := domain.MaxAllocations(p.assets)
	symbols := domain.Symbols(p.assets)
	rf := optimization.RiskFreeRate

	b := &Benchmark{RiskFreeRate: rf, Periods: make([]PeriodBenchmark, 0, len(p.input.Periods))}
	for t, period := range p.input.Periods {
		w, classical, err := optimization.MaxSharpe(period.ExpectedReturns, period.Covariance, caps, rf)
		if err != nil {
			return nil, fmt.Errorf("period %d: %w", t, err)
		}

		held := make([]float64, len(weights))
		for a := range weights {
			held[a] = weights[a][t]
		}

		byAsset := make(map[string]float64, len(symbols))
		for a, s := range symbols {
			byAsset[s] = w[a]
		}

		b.Periods = append(b.Periods, PeriodBenchmark{
			Period:    t,
			Weights:   byAsset,
			Classical: classical,
			Quantum:   optimization.PortfolioPerformance(held, period.ExpectedReturns, period.Covariance, rf),
		})
	}

	if n := float64(len(b.Periods)); n > 0 {
		for _, pb := range b.Periods {
			b.Classical.Return += pb.Classical.Return / n
			b.Classical.Volatility += pb.Classical.Volatility / n
			b.Classical.Sharpe += pb.Classical.Sharpe / n
			b.Quantum.Return += pb.Quantum.Return / n
			b.Quantum.Volatility += pb.Quantum.Volatility / n
			b.Quantum.Sharpe += pb.Quantum.Sharpe / n
		}
	}
	return b, nil
}
