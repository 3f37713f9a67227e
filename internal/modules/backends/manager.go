package backends

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/aristath/quantfolio/internal/domain"
	"github.com/aristath/quantfolio/internal/metrics"
	"github.com/aristath/quantfolio/internal/modules/quantum"
)

// DefaultTTL is how long discovered descriptors are served from cache
const DefaultTTL = 60 * time.Second

// ManagerConfig wires the providers of a Manager
type ManagerConfig struct {
	Providers []Provider
	// Fallback serves in-process simulators when nothing else qualifies.
	// Nil means the first provider whose backends are local simulators.
	Fallback Provider
	TTL      time.Duration
	Metrics  *metrics.Metrics
}

// Manager caches backend descriptors and picks a backend for each job
type Manager struct {
	providers []Provider
	byName    map[string]Provider
	fallback  Provider
	ttl       time.Duration
	metrics   *metrics.Metrics
	log       zerolog.Logger

	group singleflight.Group

	mu        sync.RWMutex
	cache     []Descriptor
	fetchedAt time.Time
}

// Lease is a chosen backend together with the pool of sessions opened on it
type Lease struct {
	Descriptor   Descriptor
	Sessions     *SessionPool
	FallbackUsed bool
}

// NewManager creates a backend manager
func NewManager(cfg ManagerConfig, log zerolog.Logger) *Manager {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	m := &Manager{
		byName:   make(map[string]Provider),
		fallback: cfg.Fallback,
		ttl:      ttl,
		metrics:  cfg.Metrics,
		log:      log.With().Str("component", "backend_manager").Logger(),
	}
	for _, p := range cfg.Providers {
		if p == nil {
			continue
		}
		m.providers = append(m.providers, p)
		m.byName[p.Name()] = p
	}
	if m.fallback != nil {
		if _, ok := m.byName[m.fallback.Name()]; !ok {
			m.byName[m.fallback.Name()] = m.fallback
		}
	}
	return m
}

// Discover queries every provider, replacing the cache. Concurrent callers
// share one discovery.
func (m *Manager) Discover(ctx context.Context) ([]Descriptor, error) {
	v, err, _ := m.group.Do("discover", func() (interface{}, error) {
		var all []Descriptor
		for _, p := range m.providers {
			found, err := p.Discover(ctx)
			if err != nil {
				m.log.Warn().Err(err).Str("provider", p.Name()).Msg("Backend discovery failed")
			}
			all = append(all, found...)
		}

		sort.Slice(all, func(i, j int) bool {
			if all[i].Provider != all[j].Provider {
				return all[i].Provider < all[j].Provider
			}
			return all[i].Name < all[j].Name
		})

		m.mu.Lock()
		m.cache = all
		m.fetchedAt = time.Now()
		m.mu.Unlock()

		m.metrics.BackendsDiscovered(len(all))
		m.log.Debug().Int("backends", len(all)).Msg("Backend discovery complete")
		return all, nil
	})
	if err != nil {
		return nil, err
	}
	return copyDescriptors(v.([]Descriptor)), nil
}

// List returns cached descriptors, rediscovering once the TTL has passed
func (m *Manager) List(ctx context.Context) ([]Descriptor, error) {
	m.mu.RLock()
	fresh := !m.fetchedAt.IsZero() && time.Since(m.fetchedAt) < m.ttl
	cached := copyDescriptors(m.cache)
	m.mu.RUnlock()

	if fresh {
		return cached, nil
	}
	return m.Discover(ctx)
}

// Invalidate forces the next List to rediscover
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.fetchedAt = time.Time{}
	m.mu.Unlock()
}

// Select returns the best qualifying backend for a circuit of minQubits
func (m *Manager) Select(ctx context.Context, minQubits int, preferHardware bool) (Descriptor, error) {
	all, err := m.List(ctx)
	if err != nil {
		return Descriptor{}, err
	}

	var (
		best      Descriptor
		bestScore float64
		found     bool
	)
	for _, d := range all {
		if !Qualifies(d, minQubits, preferHardware) {
			continue
		}
		score := Score(d, preferHardware) + excessBonus(d, minQubits)
		if !found || score > bestScore {
			best, bestScore, found = d, score, true
		}
	}

	if !found {
		return Descriptor{}, domain.NewNoBackendAvailableError(fmt.Sprintf("no backend qualifies for %d qubits (considered %d)", minQubits, len(all)))
	}
	return best, nil
}

// SelectPreferred honours a named backend when it is known and qualifies,
// otherwise it falls through to Select.
func (m *Manager) SelectPreferred(ctx context.Context, minQubits int, pref domain.BackendPreference) (Descriptor, error) {
	if pref.Name != "" {
		all, err := m.List(ctx)
		if err != nil {
			return Descriptor{}, err
		}
		for _, d := range all {
			if d.Name != pref.Name {
				continue
			}
			if Qualifies(d, minQubits, pref.PreferHardware || d.Category == domain.CategoryHardware) {
				return d, nil
			}
			m.log.Warn().Str("backend", d.Name).Str("status", string(d.Status)).Msg("Requested backend does not qualify, auto-selecting")
		}
	}
	return m.Select(ctx, minQubits, pref.PreferHardware)
}

// Fallback returns the highest-capacity local simulator of the fallback
// provider whatever status it reports.
func (m *Manager) Fallback(ctx context.Context, minQubits int) (Descriptor, error) {
	var candidates []Descriptor
	if m.fallback != nil {
		found, err := m.fallback.Discover(ctx)
		if err != nil {
			m.log.Warn().Err(err).Str("provider", m.fallback.Name()).Msg("Fallback discovery failed")
		}
		candidates = found
	} else {
		all, err := m.List(ctx)
		if err != nil {
			return Descriptor{}, err
		}
		candidates = all
	}

	var (
		best  Descriptor
		found bool
	)
	for _, d := range candidates {
		if d.Category != domain.CategoryLocalSimulator {
			continue
		}
		if !found || d.MaxQubits > best.MaxQubits {
			best, found = d, true
		}
	}

	if !found {
		return Descriptor{}, domain.NewNoBackendAvailableError("no local simulator available for fallback")
	}
	if best.MaxQubits < minQubits {
		return Descriptor{}, domain.NewNoBackendAvailableError(fmt.Sprintf("local simulator holds %d qubits, circuit needs %d", best.MaxQubits, minQubits))
	}
	return best, nil
}

// Handle opens a session on the backend described by d
func (m *Manager) Handle(ctx context.Context, d Descriptor) (quantum.Session, error) {
	p, ok := m.byName[d.Provider]
	if !ok {
		return nil, domain.NewNoBackendAvailableError(fmt.Sprintf("unknown provider %q for backend %s", d.Provider, d.Name))
	}
	return p.Open(ctx, d.Name)
}

// Acquire selects a backend for the preference and opens a pool of up to
// sessions sessions on it, dropping to the local fallback when no backend
// qualifies or the chosen one cannot be opened.
func (m *Manager) Acquire(ctx context.Context, minQubits int, pref domain.BackendPreference, sessions int) (*Lease, error) {
	d, err := m.SelectPreferred(ctx, minQubits, pref)
	if err == nil {
		pool, openErr := m.openPool(ctx, d, sessions)
		if openErr == nil {
			m.metrics.BackendSelected(d.Name, false)
			return &Lease{Descriptor: d, Sessions: pool}, nil
		}
		m.log.Warn().Err(openErr).Str("backend", d.Name).Msg("Failed to open selected backend")
	} else if !domain.IsKind(err, domain.KindNoBackendAvailable) {
		return nil, err
	}

	fb, err := m.Fallback(ctx, minQubits)
	if err != nil {
		return nil, err
	}
	pool, err := m.openPool(ctx, fb, sessions)
	if err != nil {
		return nil, domain.NewError(domain.KindNoBackendAvailable, "fallback simulator could not be opened", err)
	}

	m.log.Info().Str("backend", fb.Name).Int("min_qubits", minQubits).Msg("Using fallback simulator")
	m.metrics.BackendSelected(fb.Name, true)
	return &Lease{Descriptor: fb, Sessions: pool, FallbackUsed: true}, nil
}

// openPool creates a session pool on d and opens its first session so an
// unusable backend is detected before any work is scheduled on it.
func (m *Manager) openPool(ctx context.Context, d Descriptor, size int) (*SessionPool, error) {
	pool := NewSessionPool(size, func(ctx context.Context) (quantum.Session, error) {
		return m.Handle(ctx, d)
	})
	first, err := pool.Get(ctx)
	if err != nil {
		return nil, err
	}
	pool.Put(first)
	return pool, nil
}

func copyDescriptors(in []Descriptor) []Descriptor {
	out := make([]Descriptor, len(in))
	copy(out, in)
	return out
}
