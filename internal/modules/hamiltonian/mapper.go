// Package hamiltonian rewrites a QUBO as an Ising cost operator using the
// substitution x = (1 − σ)/2: bit 0 is spin +1, bit 1 is spin −1.
package hamiltonian

import (
	"math"

	"github.com/aristath/quantfolio/internal/modules/qubo"
)

// Coupling is one J_ij·σ_i·σ_j term with I < J
type Coupling struct {
	I     int     `json:"i"`
	J     int     `json:"j"`
	Value float64 `json:"value"`
}

// CostOperator is E(σ) = Offset + Σ_i Fields[i]·σ_i + Σ Couplings.
// Energies are in the normalized units of the source QUBO; Scale converts
// back to the true objective.
type CostOperator struct {
	NumQubits int        `json:"num_qubits"`
	Fields    []float64  `json:"fields"`
	Couplings []Coupling `json:"couplings"`
	Offset    float64    `json:"offset"`
	Scale     float64    `json:"scale"`
}

// Map derives the cost operator of a QUBO problem. It is pure and deterministic.
// Every nonzero Q_ij yields a coupling, however small, so the energy matches
// the objective exactly.
//
// With O = c + Σ L_i x_i + Σ_{i≠j} Q_ij x_i x_j:
//
//	h_i    = −L_i/2 − Σ_{j≠i} Q_ij/2
//	J_ij   = Q_ij/2                        (i < j)
//	offset = c + Σ L_i/2 + Σ_{i<j} Q_ij/2
func Map(p *qubo.Problem) *CostOperator {
	n := p.NumVariables
	op := &CostOperator{
		NumQubits: n,
		Fields:    make([]float64, n),
		Offset:    p.Offset,
		Scale:     p.Scale,
	}

	for i := 0; i < n; i++ {
		op.Fields[i] -= p.Linear[i] / 2
		op.Offset += p.Linear[i] / 2
	}

	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			q := p.Quadratic.At(i, j)
			if q == 0 {
				continue
			}
			op.Fields[i] -= q / 2
			op.Fields[j] -= q / 2
			op.Offset += q / 2
			op.Couplings = append(op.Couplings, Coupling{I: i, J: j, Value: q / 2})
		}
	}

	return op
}

// Spin converts a bit into its spin value
func Spin(bit byte) float64 {
	if bit != 0 {
		return -1
	}
	return 1
}

// Energy evaluates the operator on a bit vector
func (op *CostOperator) Energy(bits []byte) float64 {
	e := op.Offset
	for i, h := range op.Fields {
		e += h * Spin(bits[i])
	}
	for _, c := range op.Couplings {
		e += c.Value * Spin(bits[c.I]) * Spin(bits[c.J])
	}
	return e
}

// EnergyString evaluates the operator on a '0'/'1' bitstring where character i is qubit i
func (op *CostOperator) EnergyString(s string) float64 {
	e := op.Offset
	for i, h := range op.Fields {
		e += h * spinAt(s, i)
	}
	for _, c := range op.Couplings {
		e += c.Value * spinAt(s, c.I) * spinAt(s, c.J)
	}
	return e
}

func spinAt(s string, i int) float64 {
	if s[i] == '1' {
		return -1
	}
	return 1
}

// Expectation is the count-weighted mean energy of a sample
func (op *CostOperator) Expectation(counts map[string]int) float64 {
	total := 0
	sum := 0.0
	for bitstring, n := range counts {
		if n <= 0 || len(bitstring) != op.NumQubits {
			continue
		}
		sum += float64(n) * op.EnergyString(bitstring)
		total += n
	}
	if total == 0 {
		return math.NaN()
	}
	return sum / float64(total)
}

// TrueValue converts a normalized energy into objective units
func (op *CostOperator) TrueValue(energy float64) float64 {
	return energy * op.Scale
}
