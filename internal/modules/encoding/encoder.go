// Package encoding maps (asset, period, bit) triples onto flat binary variable
// indices and converts between bitstrings and fractional allocations.
package encoding

import (
	"fmt"
	"strings"

	"github.com/aristath/quantfolio/internal/domain"
)

// Encoder owns the variable layout of one problem.
//
// Layout: index = asset*(T*b) + period*b + bit, bit 0 being least significant.
// Allocation of (asset, period) = (Σ_k 2^k·bit_k) / (2^b − 1) × maxAllocation[asset].
type Encoder struct {
	numAssets     int
	numPeriods    int
	bits          int
	maxAllocation []float64
}

// New creates an encoder. bits is validated upstream by OptimizationConfig;
// anything outside 1..4 here is a programming defect.
func New(numAssets, numPeriods, bits int, maxAllocation []float64) (*Encoder, error) {
	if numAssets <= 0 || numPeriods <= 0 {
		return nil, domain.NewInternalInconsistencyError(fmt.Sprintf("encoder needs positive dimensions, got %d assets x %d periods", numAssets, numPeriods))
	}
	if bits < domain.MinBitResolution || bits > domain.MaxBitResolution {
		return nil, domain.NewInternalInconsistencyError(fmt.Sprintf("encoder bit resolution %d out of range", bits))
	}
	if len(maxAllocation) != numAssets {
		return nil, domain.NewInternalInconsistencyError(fmt.Sprintf("got %d allocation caps for %d assets", len(maxAllocation), numAssets))
	}

	caps := make([]float64, numAssets)
	copy(caps, maxAllocation)

	return &Encoder{
		numAssets:     numAssets,
		numPeriods:    numPeriods,
		bits:          bits,
		maxAllocation: caps,
	}, nil
}

func (e *Encoder) NumAssets() int  { return e.numAssets }
func (e *Encoder) NumPeriods() int { return e.numPeriods }
func (e *Encoder) Bits() int       { return e.bits }

// NumVariables returns assets × periods × bits
func (e *Encoder) NumVariables() int {
	return e.numAssets * e.numPeriods * e.bits
}

// Levels returns the number of representable allocation levels (2^b)
func (e *Encoder) Levels() int {
	return 1 << e.bits
}

// MaxAllocation returns the cap of one asset
func (e *Encoder) MaxAllocation(asset int) float64 {
	return e.maxAllocation[asset]
}

// VariableIndex returns the flat index of (asset, period, bit)
func (e *Encoder) VariableIndex(asset, period, bit int) (int, error) {
	if asset < 0 || asset >= e.numAssets || period < 0 || period >= e.numPeriods || bit < 0 || bit >= e.bits {
		return 0, domain.NewInternalInconsistencyError(fmt.Sprintf("triple (%d, %d, %d) outside %dx%dx%d layout", asset, period, bit, e.numAssets, e.numPeriods, e.bits))
	}
	return e.index(asset, period, bit), nil
}

// index is VariableIndex without bounds checks, for hot loops over known-valid triples
func (e *Encoder) index(asset, period, bit int) int {
	return asset*e.numPeriods*e.bits + period*e.bits + bit
}

// Triple is the inverse of VariableIndex
func (e *Encoder) Triple(index int) (asset, period, bit int, err error) {
	if index < 0 || index >= e.NumVariables() {
		return 0, 0, 0, domain.NewInternalInconsistencyError(fmt.Sprintf("variable index %d outside [0, %d)", index, e.NumVariables()))
	}
	perAsset := e.numPeriods * e.bits
	asset = index / perAsset
	rem := index % perAsset
	return asset, rem / e.bits, rem % e.bits, nil
}

// BitWeight is the allocation contributed by setting one bit of an asset
func (e *Encoder) BitWeight(asset, bit int) float64 {
	return float64(int(1)<<bit) / float64(e.Levels()-1) * e.maxAllocation[asset]
}

// Term is one binary variable with its allocation weight
type Term struct {
	Index  int
	Weight float64
}

// AllocationTerms returns the variables whose weighted sum is the allocation of (asset, period)
func (e *Encoder) AllocationTerms(asset, period int) []Term {
	terms := make([]Term, e.bits)
	for k := 0; k < e.bits; k++ {
		terms[k] = Term{Index: e.index(asset, period, k), Weight: e.BitWeight(asset, k)}
	}
	return terms
}

// Decode converts a bit vector into allocations indexed [asset][period]
func (e *Encoder) Decode(bits []byte) ([][]float64, error) {
	if len(bits) != e.NumVariables() {
		return nil, domain.NewInternalInconsistencyError(fmt.Sprintf("bitstring has %d variables, encoder expects %d", len(bits), e.NumVariables()))
	}

	weights := make([][]float64, e.numAssets)
	for a := 0; a < e.numAssets; a++ {
		weights[a] = make([]float64, e.numPeriods)
		for t := 0; t < e.numPeriods; t++ {
			level := 0
			for k := 0; k < e.bits; k++ {
				if bits[e.index(a, t, k)] != 0 {
					level |= 1 << k
				}
			}
			weights[a][t] = e.LevelWeight(a, level)
		}
	}
	return weights, nil
}

// DecodeString decodes a '0'/'1' bitstring
func (e *Encoder) DecodeString(s string) ([][]float64, error) {
	bits, err := ParseBits(s)
	if err != nil {
		return nil, err
	}
	return e.Decode(bits)
}

// LevelWeight converts an integer level in [0, 2^b) into an allocation
func (e *Encoder) LevelWeight(asset, level int) float64 {
	return float64(level) / float64(e.Levels()-1) * e.maxAllocation[asset]
}

// Encode turns integer levels indexed [asset][period] into a bit vector
func (e *Encoder) Encode(levels [][]int) ([]byte, error) {
	if len(levels) != e.numAssets {
		return nil, domain.NewInternalInconsistencyError(fmt.Sprintf("got levels for %d assets, expected %d", len(levels), e.numAssets))
	}

	bits := make([]byte, e.NumVariables())
	for a, perPeriod := range levels {
		if len(perPeriod) != e.numPeriods {
			return nil, domain.NewInternalInconsistencyError(fmt.Sprintf("asset %d has %d periods, expected %d", a, len(perPeriod), e.numPeriods))
		}
		for t, level := range perPeriod {
			if level < 0 || level >= e.Levels() {
				return nil, domain.NewInternalInconsistencyError(fmt.Sprintf("level %d outside [0, %d)", level, e.Levels()))
			}
			for k := 0; k < e.bits; k++ {
				bits[e.index(a, t, k)] = byte((level >> k) & 1)
			}
		}
	}
	return bits, nil
}

// PeriodTotals sums decoded allocations per period
func PeriodTotals(weights [][]float64) []float64 {
	if len(weights) == 0 {
		return nil
	}
	totals := make([]float64, len(weights[0]))
	for _, perPeriod := range weights {
		for t, w := range perPeriod {
			totals[t] += w
		}
	}
	return totals
}

// ParseBits converts a '0'/'1' string into a bit vector where character i is variable i
func ParseBits(s string) ([]byte, error) {
	bits := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '0':
		case '1':
			bits[i] = 1
		default:
			return nil, domain.NewInternalInconsistencyError(fmt.Sprintf("invalid bitstring character %q at %d", s[i], i))
		}
	}
	return bits, nil
}

// FormatBits is the inverse of ParseBits
func FormatBits(bits []byte) string {
	var sb strings.Builder
	sb.Grow(len(bits))
	for _, b := range bits {
		if b != 0 {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	return sb.String()
}
