// Package domain provides core domain models and types.
package domain

import (
	"fmt"
	"strings"
)

// Asset is a single investable equity in an optimization run.
// Assets are immutable once a run starts.
type Asset struct {
	Symbol        string  `json:"symbol"`
	Name          string  `json:"name,omitempty"`
	MaxAllocation float64 `json:"max_allocation"` // Fraction in (0, 1]
}

// Asset universe bounds
const (
	MinAssets = 2
	MaxAssets = 10
)

// BackendCategory classifies a circuit-execution backend
type BackendCategory string

const (
	CategoryLocalSimulator BackendCategory = "local_simulator"
	CategoryCloudSimulator BackendCategory = "cloud_simulator"
	CategoryHardware       BackendCategory = "hardware"
)

// IsSimulator reports whether the category is a simulator of any kind
func (c BackendCategory) IsSimulator() bool {
	return c == CategoryLocalSimulator || c == CategoryCloudSimulator
}

// BackendPreference steers backend selection for a run.
// An empty Name means auto-selection.
type BackendPreference struct {
	Name           string `json:"name,omitempty"`
	PreferHardware bool   `json:"prefer_hardware"`
}

// Symbols returns the asset symbols in order
func Symbols(assets []Asset) []string {
	symbols := make([]string, len(assets))
	for i, a := range assets {
		symbols[i] = a.Symbol
	}
	return symbols
}

// MaxAllocations returns the per-asset allocation caps in order
func MaxAllocations(assets []Asset) []float64 {
	caps := make([]float64, len(assets))
	for i, a := range assets {
		caps[i] = a.MaxAllocation
	}
	return caps
}

// ValidateAssets checks the asset list of a run.
func ValidateAssets(assets []Asset) error {
	if len(assets) < MinAssets || len(assets) > MaxAssets {
		return NewConfigValidationError(fmt.Sprintf("asset count must be between %d and %d, got %d", MinAssets, MaxAssets, len(assets)))
	}

	seen := make(map[string]struct{}, len(assets))
	total := 0.0
	for i, a := range assets {
		symbol := strings.TrimSpace(a.Symbol)
		if symbol == "" {
			return NewConfigValidationError(fmt.Sprintf("asset %d has an empty symbol", i))
		}
		if _, dup := seen[symbol]; dup {
			return NewConfigValidationError(fmt.Sprintf("duplicate asset symbol %q", symbol))
		}
		seen[symbol] = struct{}{}

		if !(a.MaxAllocation > 0 && a.MaxAllocation <= 1) {
			return NewConfigValidationError(fmt.Sprintf("asset %s: max_allocation must be in (0, 1], got %v", symbol, a.MaxAllocation))
		}
		total += a.MaxAllocation
	}

	// Budget constraint needs sum(w) == 1 to be reachable
	if total < 1-1e-9 {
		return NewConfigValidationError(fmt.Sprintf("sum of max_allocation is %.4f, budget of 1.0 is unreachable", total))
	}

	return nil
}
