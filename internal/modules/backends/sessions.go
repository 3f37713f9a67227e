package backends

import (
	"context"
	"errors"
	"sync"

	"github.com/aristath/quantfolio/internal/modules/quantum"
)

// OpenFunc opens one session on a fixed backend
type OpenFunc func(ctx context.Context) (quantum.Session, error)

// SessionPool lends sessions on one backend to one caller at a time.
// Sessions are opened lazily up to the pool size and reused afterwards.
type SessionPool struct {
	open  OpenFunc
	idle  chan quantum.Session
	slots chan struct{}

	mu     sync.Mutex
	opened []quantum.Session
	closed bool
}

// NewSessionPool creates a pool holding at most size sessions (minimum 1)
func NewSessionPool(size int, open OpenFunc) *SessionPool {
	if size <= 0 {
		size = 1
	}
	return &SessionPool{
		open:  open,
		idle:  make(chan quantum.Session, size),
		slots: make(chan struct{}, size),
	}
}

// Size returns the maximum number of sessions the pool opens
func (p *SessionPool) Size() int {
	return cap(p.slots)
}

// Opened returns how many sessions have been opened so far
func (p *SessionPool) Opened() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.opened)
}

// Get checks out an idle session, opens a new one while below the size,
// or waits for a session to be returned.
func (p *SessionPool) Get(ctx context.Context) (quantum.Session, error) {
	if p.isClosed() {
		return nil, quantum.ErrSessionClosed
	}

	select {
	case s := <-p.idle:
		return s, nil
	default:
	}

	select {
	case s := <-p.idle:
		return s, nil
	case p.slots <- struct{}{}:
		s, err := p.open(ctx)
		if err != nil {
			<-p.slots
			return nil, err
		}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			_ = s.Close()
			return nil, quantum.ErrSessionClosed
		}
		p.opened = append(p.opened, s)
		p.mu.Unlock()
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Put returns a session obtained from Get
func (p *SessionPool) Put(s quantum.Session) {
	p.idle <- s
}

// Do runs fn with a checked-out session and returns it afterwards
func (p *SessionPool) Do(ctx context.Context, fn func(s quantum.Session) error) error {
	s, err := p.Get(ctx)
	if err != nil {
		return err
	}
	defer p.Put(s)
	return fn(s)
}

// Close closes every session the pool opened. Later Gets fail.
func (p *SessionPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	var errs []error
	for _, s := range p.opened {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *SessionPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
