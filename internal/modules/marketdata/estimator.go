package marketdata

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/aristath/quantfolio/internal/domain"
	"github.com/aristath/quantfolio/internal/modules/qubo"
)

// TradingDaysPerYear annualizes daily statistics
const TradingDaysPerYear = 252

// DefaultShrinkage is the intensity used when the data cannot support an estimate
const DefaultShrinkage = 0.2

// Estimator derives per-period statistics from price windows
type Estimator struct {
	log zerolog.Logger
}

// NewEstimator creates a new estimator
func NewEstimator(log zerolog.Logger) *Estimator {
	return &Estimator{
		log: log.With().Str("component", "marketdata_estimator").Logger(),
	}
}

// PeriodData splits the history into numPeriods windows and estimates each one
func (e *Estimator) PeriodData(h *PriceHistory, numPeriods, rebalanceDays int, model domain.ReturnModel) ([]qubo.PeriodData, error) {
	if err := h.Validate(); err != nil {
		return nil, err
	}

	windows, err := SplitPeriods(h, numPeriods, rebalanceDays)
	if err != nil {
		return nil, err
	}

	periods := make([]qubo.PeriodData, len(windows))
	for t, w := range windows {
		pd, err := Estimate(w, model)
		if err != nil {
			return nil, fmt.Errorf("period %d: %w", t, err)
		}
		periods[t] = pd
	}

	e.log.Debug().
		Int("days", h.Days()).
		Int("periods", len(periods)).
		Int("assets", len(h.Symbols)).
		Str("return_model", string(model)).
		Msg("Estimated period statistics")

	return periods, nil
}

// Estimate computes the annualized mean return under model and the shrunk,
// annualized covariance of one price window.
func Estimate(w *PriceHistory, model domain.ReturnModel) (qubo.PeriodData, error) {
	returns, err := Returns(w)
	if err != nil {
		return qubo.PeriodData{}, err
	}

	n := len(w.Symbols)
	mu := make([]float64, n)
	for a := 0; a < n; a++ {
		daily := mat.Col(nil, a, returns)
		if model == domain.ReturnEMA {
			mu[a] = EMAReturn(daily)
		} else {
			mu[a] = CompoundedReturn(daily)
		}
	}

	var sample mat.SymDense
	stat.CovarianceMatrix(&sample, returns, nil)
	sample.ScaleSym(TradingDaysPerYear, &sample)

	cov := ShrinkCovariance(&sample)

	pd := qubo.PeriodData{ExpectedReturns: mu, Covariance: cov}
	if err := pd.Validate(n); err != nil {
		return qubo.PeriodData{}, err
	}
	return pd, nil
}

// Returns computes simple daily returns (p[i] - p[i-1]) / p[i-1] as an obs × asset matrix
func Returns(w *PriceHistory) (*mat.Dense, error) {
	if w.Days() < 3 {
		return nil, domain.NewDataQualityError(fmt.Sprintf("need at least 3 prices per window, got %d", w.Days()))
	}

	n := len(w.Symbols)
	out := mat.NewDense(w.Days()-1, n, nil)
	for i := 1; i < w.Days(); i++ {
		for a := 0; a < n; a++ {
			prev := w.Prices[i-1][a]
			if prev <= 0 {
				return nil, domain.NewDataQualityError(fmt.Sprintf("non-positive price for %s", w.Symbols[a]))
			}
			out.Set(i-1, a, (w.Prices[i][a]-prev)/prev)
		}
	}
	return out, nil
}

// ShrinkCovariance shrinks a sample covariance toward a constant-covariance
// target: Σ = (1-δ)·S + δ·T, where T has the average variance on the diagonal
// and the average covariance elsewhere. δ is estimated from the dispersion of
// the sample entries and capped at 0.5.
func ShrinkCovariance(sample *mat.SymDense) *mat.SymDense {
	n := sample.SymmetricDim()
	out := mat.NewSymDense(n, nil)
	if n == 0 {
		return out
	}
	if n == 1 {
		out.SetSym(0, 0, sample.At(0, 0))
		return out
	}

	var avgVar, avgCov float64
	for i := 0; i < n; i++ {
		avgVar += sample.At(i, i)
		for j := 0; j < n; j++ {
			if i != j {
				avgCov += sample.At(i, j)
			}
		}
	}
	avgVar /= float64(n)
	avgCov /= float64(n * (n - 1))

	target := func(i, j int) float64 {
		if i == j {
			return avgVar
		}
		if avgVar > 0 {
			return avgCov
		}
		return 0
	}

	shrinkage := DefaultShrinkage
	if n > 2 && avgVar > 0 {
		var sumSqDiff, sum, sumSq float64
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				v := sample.At(i, j)
				d := v - target(i, j)
				sumSqDiff += d * d
				sum += v
				sumSq += v * v
			}
		}
		count := float64(n * n)
		meanSqDiff := sumSqDiff / count
		mean := sum / count
		variance := sumSq/count - mean*mean
		if variance > 0 && meanSqDiff > 0 {
			shrinkage = math.Min(0.5, math.Max(0, variance/(variance+meanSqDiff)))
		}
	}

	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			out.SetSym(i, j, (1-shrinkage)*sample.At(i, j)+shrinkage*target(i, j))
		}
	}
	return out
}
