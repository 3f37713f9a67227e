package quantum

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"

	"gonum.org/v1/gonum/stat/distuv"
)

// Counts maps measured bitstrings (character i = qubit i) to occurrences
type Counts map[string]int

// Total returns the number of shots in the sample
func (c Counts) Total() int {
	total := 0
	for _, n := range c {
		total += n
	}
	return total
}

// Simulator is a statevector simulator for circuits whose gates keep
// amplitudes real (RY, CX, X). Memory grows as 8·2^n bytes.
type Simulator struct {
	MaxQubits    int
	ReadoutError float64 // Probability that a measured bit flips
}

// Statevector runs the circuit from |0…0⟩. Qubit q is bit q of the basis index.
func (s *Simulator) Statevector(ctx context.Context, c *Circuit) ([]float64, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if s.MaxQubits > 0 && c.NumQubits > s.MaxQubits {
		return nil, fmt.Errorf("circuit needs %d qubits, simulator holds %d", c.NumQubits, s.MaxQubits)
	}

	state := make([]float64, 1<<c.NumQubits)
	state[0] = 1

	for i, g := range c.Gates {
		if i%64 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		switch g.Name {
		case GateRY:
			applyRY(state, g.Qubits[0], g.Params[0])
		case GateCX:
			applyCX(state, g.Qubits[0], g.Qubits[1])
		case GateX:
			applyX(state, g.Qubits[0])
		}
	}
	return state, nil
}

func applyRY(state []float64, q int, theta float64) {
	c, s := math.Cos(theta/2), math.Sin(theta/2)
	mask := 1 << q
	for i := range state {
		if i&mask != 0 {
			continue
		}
		a0, a1 := state[i], state[i|mask]
		state[i] = c*a0 - s*a1
		state[i|mask] = s*a0 + c*a1
	}
}

func applyCX(state []float64, control, target int) {
	cm, tm := 1<<control, 1<<target
	for i := range state {
		if i&cm != 0 && i&tm == 0 {
			state[i], state[i|tm] = state[i|tm], state[i]
		}
	}
}

func applyX(state []float64, q int) {
	mask := 1 << q
	for i := range state {
		if i&mask == 0 {
			state[i], state[i|mask] = state[i|mask], state[i]
		}
	}
}

// Probabilities squares the amplitudes
func Probabilities(state []float64) []float64 {
	probs := make([]float64, len(state))
	for i, a := range state {
		probs[i] = a * a
	}
	return probs
}

// Sample runs the circuit and draws shots measurement outcomes
func (s *Simulator) Sample(ctx context.Context, c *Circuit, shots int, src rand.Source) (Counts, error) {
	if shots < 1 {
		return nil, fmt.Errorf("shots must be positive, got %d", shots)
	}

	state, err := s.Statevector(ctx, c)
	if err != nil {
		return nil, err
	}

	dist := distuv.NewCategorical(Probabilities(state), src)
	flip := rand.New(src)

	outcomes := make(map[int]int)
	for shot := 0; shot < shots; shot++ {
		if shot%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		outcome := int(dist.Rand())
		if s.ReadoutError > 0 {
			for q := 0; q < c.NumQubits; q++ {
				if flip.Float64() < s.ReadoutError {
					outcome ^= 1 << q
				}
			}
		}
		outcomes[outcome]++
	}

	counts := make(Counts, len(outcomes))
	for outcome, n := range outcomes {
		counts[FormatOutcome(outcome, c.NumQubits)] = n
	}
	return counts, nil
}

// FormatOutcome renders a basis index as a bitstring with qubit 0 first
func FormatOutcome(index, numQubits int) string {
	var sb strings.Builder
	sb.Grow(numQubits)
	for q := 0; q < numQubits; q++ {
		if index&(1<<q) != 0 {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	return sb.String()
}
