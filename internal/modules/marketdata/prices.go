// Package marketdata turns historical prices into the per-period expected
// returns and covariances consumed by the QUBO builder.
package marketdata

import (
	"fmt"
	"math"

	"github.com/aristath/quantfolio/internal/domain"
)

// PriceHistory is a dense day × asset price table
type PriceHistory struct {
	Symbols []string    `json:"symbols"`
	Prices  [][]float64 `json:"prices"` // Prices[day][asset]
}

// Days returns the number of observations
func (h *PriceHistory) Days() int {
	return len(h.Prices)
}

// Validate checks shape and that every price is finite and positive
func (h *PriceHistory) Validate() error {
	if len(h.Symbols) == 0 {
		return domain.NewDataQualityError("price history has no symbols")
	}
	for day, row := range h.Prices {
		if len(row) != len(h.Symbols) {
			return domain.NewDataQualityError(fmt.Sprintf("day %d has %d prices for %d symbols", day, len(row), len(h.Symbols)))
		}
		for a, p := range row {
			if math.IsNaN(p) || math.IsInf(p, 0) || p <= 0 {
				return domain.NewDataQualityError(fmt.Sprintf("invalid price %v for %s on day %d", p, h.Symbols[a], day))
			}
		}
	}
	return nil
}

// Window returns the rows [start, end) as a new history sharing no memory with h
func (h *PriceHistory) Window(start, end int) *PriceHistory {
	rows := make([][]float64, 0, end-start)
	for _, row := range h.Prices[start:end] {
		cp := make([]float64, len(row))
		copy(cp, row)
		rows = append(rows, cp)
	}
	return &PriceHistory{Symbols: h.Symbols, Prices: rows}
}

// RequiredDays is the history length that yields numPeriods full windows
func RequiredDays(numPeriods, rebalanceDays int) int {
	return numPeriods*rebalanceDays + rebalanceDays
}

// SplitPeriods cuts the history into overlapping windows, one per rebalancing
// period. Window t covers [t·d, min(t·d + 2d, days)); splitting stops at the
// first window shorter than d.
func SplitPeriods(h *PriceHistory, numPeriods, rebalanceDays int) ([]*PriceHistory, error) {
	if rebalanceDays <= 0 {
		return nil, domain.NewConfigValidationError("rebalance days must be positive")
	}

	windows := make([]*PriceHistory, 0, numPeriods)
	for t := 0; t < numPeriods; t++ {
		start := t * rebalanceDays
		end := min(start+2*rebalanceDays, h.Days())
		if end-start < rebalanceDays {
			break
		}
		windows = append(windows, h.Window(start, end))
	}

	if len(windows) < domain.MinPeriods {
		return nil, domain.NewDataQualityError(fmt.Sprintf("%d days of prices give %d periods, need at least %d", h.Days(), len(windows), domain.MinPeriods))
	}
	return windows, nil
}
