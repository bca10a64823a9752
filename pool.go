package rpcpool

import (
	"sync"

	"go.uber.org/multierr"
)

// Pool is a bounded LIFO stack of idle wrappers for one endpoint.
// The most recently returned wrapper is reused first, as it is the most likely to still be open.
type Pool struct {
	mu       sync.Mutex
	wrappers []*Wrapper
	capacity int
}

// NewPool creates a pool that holds at most capacity idle wrappers.
func NewPool(capacity int) *Pool {
	if capacity <= 0 {
		capacity = DefaultMaxConnections
	}
	return &Pool{
		wrappers: make([]*Wrapper, 0, capacity),
		capacity: capacity,
	}
}

// Push stores w for reuse. It returns false when the pool is full; the caller must close w.
func (p *Pool) Push(w *Wrapper) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.wrappers) >= p.capacity {
		return false
	}
	p.wrappers = append(p.wrappers, w)
	return true
}

// Pop returns the most recently pushed wrapper.
func (p *Pool) Pop() (*Wrapper, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.wrappers)
	if n == 0 {
		return nil, false
	}
	w := p.wrappers[n-1]
	p.wrappers[n-1] = nil
	p.wrappers = p.wrappers[:n-1]
	return w, true
}

// Len returns the number of idle wrappers.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.wrappers)
}

// Cap returns the maximum number of idle wrappers.
func (p *Pool) Cap() int {
	return p.capacity
}

// Dispose drains the pool and closes every wrapper. Close errors are combined.
func (p *Pool) Dispose() error {
	p.mu.Lock()
	drained := p.wrappers
	p.wrappers = make([]*Wrapper, 0, p.capacity)
	p.mu.Unlock()

	var err error
	for _, w := range drained {
		err = multierr.Append(err, w.close())
	}
	return err
}
