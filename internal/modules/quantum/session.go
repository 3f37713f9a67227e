package quantum

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
)

// ErrSessionClosed is returned by Run after Close
var ErrSessionClosed = errors.New("session closed")

// Session executes circuits on one backend. A session serves one caller at
// a time; concurrent work takes separate sessions, see backends.SessionPool.
type Session interface {
	Backend() string
	Run(ctx context.Context, c *Circuit, shots int) (Counts, error)
	Close() error
}

// SimulatorSession runs circuits on an in-process Simulator
type SimulatorSession struct {
	name string
	sim  *Simulator

	mu     sync.Mutex
	rng    *rand.Rand // Hands out per-run seeds
	closed bool

	// OnRun, when set, is called around each run (start=true, then start=false)
	OnRun func(start bool)
}

// NewSimulatorSession creates a session seeded for reproducible sampling
func NewSimulatorSession(name string, sim *Simulator, seed uint64) *SimulatorSession {
	return &SimulatorSession{
		name: name,
		sim:  sim,
		rng:  rand.New(rand.NewPCG(seed, 0x9e3779b97f4a7c15)),
	}
}

func (s *SimulatorSession) Backend() string {
	return s.name
}

// Run samples the circuit. Each run draws from its own PCG stream derived
// from the session seed.
func (s *SimulatorSession) Run(ctx context.Context, c *Circuit, shots int) (Counts, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	src := rand.NewPCG(s.rng.Uint64(), s.rng.Uint64())
	s.mu.Unlock()

	if s.OnRun != nil {
		s.OnRun(true)
		defer s.OnRun(false)
	}

	return s.sim.Sample(ctx, c, shots, src)
}

func (s *SimulatorSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
