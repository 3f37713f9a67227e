package marketdata

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"
)

// PriceSource loads historical prices for a set of symbols
type PriceSource interface {
	Load(ctx context.Context, symbols []string, days int) (*PriceHistory, error)
}

// SyntheticSource generates geometric-Brownian-motion prices. It stands in for
// a market data feed in development and tests; the same seed and symbols
// always give the same prices.
type SyntheticSource struct {
	Seed       uint64
	DailyDrift float64
	DailyVol   float64
	StartPrice float64
}

// NewSyntheticSource creates a source with daily drift 0.1%, volatility 2% and start price 100
func NewSyntheticSource(seed uint64) *SyntheticSource {
	return &SyntheticSource{
		Seed:       seed,
		DailyDrift: 0.001,
		DailyVol:   0.02,
		StartPrice: 100,
	}
}

// Load implements PriceSource
func (s *SyntheticSource) Load(ctx context.Context, symbols []string, days int) (*PriceHistory, error) {
	if days < 2 {
		return nil, fmt.Errorf("synthetic history needs at least 2 days, got %d", days)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prices := make([][]float64, days)
	for d := range prices {
		prices[d] = make([]float64, len(symbols))
	}

	for a, symbol := range symbols {
		noise := distuv.Normal{
			Mu:    s.DailyDrift,
			Sigma: s.DailyVol,
			Src:   rand.NewPCG(s.Seed, symbolStream(symbol)),
		}
		logPrice := math.Log(s.StartPrice)
		for d := 0; d < days; d++ {
			logPrice += noise.Rand()
			prices[d][a] = math.Exp(logPrice)
		}
	}

	return &PriceHistory{Symbols: append([]string(nil), symbols...), Prices: prices}, nil
}

// symbolStream gives each symbol an independent, stable random stream (FNV-1a)
func symbolStream(symbol string) uint64 {
	h := uint64(14695981039346656037)
	for i := 0; i < len(symbol); i++ {
		h ^= uint64(symbol[i])
		h *= 1099511628211
	}
	return h
}
