package backends

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aristath/quantfolio/internal/domain"
	"github.com/aristath/quantfolio/internal/modules/quantum"
)

// Local backend names
const (
	LocalIdeal = "statevector_simulator"
	LocalNoisy = "statevector_simulator_noisy"

	LocalProviderName = "local"
	DefaultMaxQubits  = 24

	noisyGateError    = 0.001
	noisyReadoutError = 0.02
)

// LocalProvider serves in-process statevector simulators
type LocalProvider struct {
	maxQubits int
	slots     int
	seed      uint64

	opened   atomic.Uint64
	mu       sync.Mutex
	inFlight map[string]int
}

// NewLocalProvider creates the local provider. slots is the number of
// concurrent runs a simulator takes before it reports busy.
func NewLocalProvider(maxQubits, slots int, seed uint64) *LocalProvider {
	if maxQubits <= 0 {
		maxQubits = DefaultMaxQubits
	}
	if slots <= 0 {
		slots = 1
	}
	return &LocalProvider{
		maxQubits: maxQubits,
		slots:     slots,
		seed:      seed,
		inFlight:  make(map[string]int),
	}
}

func (p *LocalProvider) Name() string {
	return LocalProviderName
}

// Discover never fails: both simulators live in-process
func (p *LocalProvider) Discover(ctx context.Context) ([]Descriptor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	out := make([]Descriptor, 0, 2)
	for _, name := range []string{LocalIdeal, LocalNoisy} {
		d := Descriptor{
			Name:       name,
			Category:   domain.CategoryLocalSimulator,
			Provider:   LocalProviderName,
			MaxQubits:  p.maxQubits,
			QueueDepth: p.inFlight[name],
			Status:     StatusAvailable,
			CheckedAt:  now,
		}
		if name == LocalNoisy {
			d.GateError = noisyGateError
			d.ReadoutError = noisyReadoutError
		}
		if d.QueueDepth >= p.slots {
			d.Status = StatusBusy
		}
		out = append(out, d)
	}
	return out, nil
}

// Open returns a session on one of the local simulators
func (p *LocalProvider) Open(ctx context.Context, backend string) (quantum.Session, error) {
	if backend != LocalIdeal && backend != LocalNoisy {
		return nil, fmt.Errorf("unknown local backend %q", backend)
	}

	seed := p.seed + p.opened.Add(1)
	session := quantum.NewSimulatorSession(backend, simulatorFor(backend, p.maxQubits), seed)
	session.OnRun = func(start bool) {
		p.mu.Lock()
		defer p.mu.Unlock()
		if start {
			p.inFlight[backend]++
		} else {
			p.inFlight[backend]--
		}
	}
	return session, nil
}

func simulatorFor(backend string, maxQubits int) *quantum.Simulator {
	sim := &quantum.Simulator{MaxQubits: maxQubits}
	if backend == LocalNoisy {
		sim.ReadoutError = noisyReadoutError
	}
	return sim
}
