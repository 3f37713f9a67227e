// Package quantum prepares variational circuits, simulates them, and turns
// measurement samples into cost-operator expectation values.
package quantum

import (
	"fmt"
	"math"

	"github.com/aristath/quantfolio/internal/domain"
)

// Gate names understood by the simulator and the remote wire format
const (
	GateRY = "ry"
	GateCX = "cx"
	GateX  = "x"
)

// Circuit is a backend-neutral gate list measured on every qubit
type Circuit struct {
	NumQubits int      `json:"num_qubits"`
	Gates     []GateOp `json:"gates"`
}

// GateOp is one gate application
type GateOp struct {
	Name   string    `json:"name"`
	Qubits []int     `json:"qubits"`
	Params []float64 `json:"params,omitempty"`
}

// Validate checks qubit indices and arities
func (c *Circuit) Validate() error {
	if c.NumQubits <= 0 {
		return fmt.Errorf("circuit has %d qubits", c.NumQubits)
	}
	for i, g := range c.Gates {
		want, params := 1, 0
		switch g.Name {
		case GateRY:
			params = 1
		case GateCX:
			want = 2
		case GateX:
		default:
			return fmt.Errorf("gate %d: unsupported gate %q", i, g.Name)
		}
		if len(g.Qubits) != want || len(g.Params) != params {
			return fmt.Errorf("gate %d (%s): got %d qubits and %d params", i, g.Name, len(g.Qubits), len(g.Params))
		}
		for _, q := range g.Qubits {
			if q < 0 || q >= c.NumQubits {
				return fmt.Errorf("gate %d (%s): qubit %d out of range", i, g.Name, q)
			}
		}
		if want == 2 && g.Qubits[0] == g.Qubits[1] {
			return fmt.Errorf("gate %d (%s): control equals target", i, g.Name)
		}
	}
	return nil
}

// Ansatz is a RealAmplitudes-style circuit: Reps blocks of an RY rotation
// layer followed by circular CNOT entanglement, closed by a final RY layer.
type Ansatz struct {
	NumQubits int
	Reps      int
}

// NumParameters returns NumQubits·(Reps+1)
func (a Ansatz) NumParameters() int {
	return a.NumQubits * (a.Reps + 1)
}

// Bounds returns the parameter search interval
func (a Ansatz) Bounds() (lower, upper float64) {
	return 0, 2 * math.Pi
}

// Entangling returns the (control, target) pairs of one entanglement layer:
// (n−1 → 0) then (i → i+1). Two qubits use the single pair (0 → 1).
func (a Ansatz) Entangling() [][2]int {
	n := a.NumQubits
	if n < 2 {
		return nil
	}
	var pairs [][2]int
	if n > 2 {
		pairs = append(pairs, [2]int{n - 1, 0})
	}
	for i := 0; i < n-1; i++ {
		pairs = append(pairs, [2]int{i, i + 1})
	}
	return pairs
}

// Circuit binds params (layer-major: params[layer·n + qubit]) into a circuit
func (a Ansatz) Circuit(params []float64) (*Circuit, error) {
	if len(params) != a.NumParameters() {
		return nil, domain.NewInternalInconsistencyError(fmt.Sprintf("ansatz takes %d parameters, got %d", a.NumParameters(), len(params)))
	}

	n := a.NumQubits
	entangling := a.Entangling()
	gates := make([]GateOp, 0, n*(a.Reps+1)+len(entangling)*a.Reps)

	for layer := 0; layer <= a.Reps; layer++ {
		for q := 0; q < n; q++ {
			gates = append(gates, GateOp{Name: GateRY, Qubits: []int{q}, Params: []float64{params[layer*n+q]}})
		}
		if layer == a.Reps {
			break
		}
		for _, p := range entangling {
			gates = append(gates, GateOp{Name: GateCX, Qubits: []int{p[0], p[1]}})
		}
	}

	return &Circuit{NumQubits: n, Gates: gates}, nil
}
