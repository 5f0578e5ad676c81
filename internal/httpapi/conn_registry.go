package httpapi

import (
	"context"
	"sync"
	"sync/atomic"
)

// ConnRegistry tracks open relay connections so shutdown can let them finish.
// Once draining, new connections are refused.
//
// mu makes the draining check and wg.Add in Add atomic, so no Add can slip in
// between StartDraining and Wait.
type ConnRegistry struct {
	mu       sync.Mutex
	draining bool
	wg       sync.WaitGroup
	count    atomic.Int64
}

func NewConnRegistry() *ConnRegistry {
	return &ConnRegistry{}
}

// Add registers a connection. It returns false while draining.
func (cr *ConnRegistry) Add() bool {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	if cr.draining {
		return false
	}
	cr.wg.Add(1)
	cr.count.Add(1)
	return true
}

// Done must be called exactly once per successful Add.
func (cr *ConnRegistry) Done() {
	cr.count.Add(-1)
	cr.wg.Done()
}

func (cr *ConnRegistry) StartDraining() {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	cr.draining = true
}

func (cr *ConnRegistry) IsDraining() bool {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	return cr.draining
}

func (cr *ConnRegistry) ActiveCount() int64 {
	return cr.count.Load()
}

// Wait blocks until every connection is done or ctx ends. It reports whether
// all connections finished.
func (cr *ConnRegistry) Wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		cr.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
