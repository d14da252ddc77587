// RemoteRequest pool (spec §4.2): tracks in-flight HTTP calls per
// replicator so they can all be cancelled together on stop.
package remote

import (
	"context"
	"sync"
)

// Request is one in-flight HTTP call registered with a Pool.
type Request struct {
	Method      string
	Path        string
	NoLog404    bool // opt out of logging 404s, used by fetchRemoteCheckpointDoc
	Authorizer  Authorizer
	cancel      context.CancelFunc
}

// Cancel cancels the request's context. Safe to call multiple times.
func (r *Request) Cancel() {
	if r.cancel != nil {
		r.cancel()
	}
}

// Pool tracks the in-flight requests for one Replicator.
type Pool struct {
	mu       sync.Mutex
	requests map[*Request]struct{}
}

func NewPool() *Pool {
	return &Pool{requests: make(map[*Request]struct{})}
}

// Register adds req to the set of in-flight requests. Callers must call
// the returned deregister func exactly once when the request completes.
func (p *Pool) Register(req *Request) (deregister func()) {
	p.mu.Lock()
	p.requests[req] = struct{}{}
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.requests, req)
			p.mu.Unlock()
		})
	}
}

// Count returns the number of currently in-flight requests.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// StopAll snapshots and clears the in-flight set before cancelling each
// member, so a cancellation callback that tries to deregister itself
// cannot re-enter (and corrupt) the map being iterated (spec §4.2).
func (p *Pool) StopAll() {
	p.mu.Lock()
	snapshot := make([]*Request, 0, len(p.requests))
	for req := range p.requests {
		snapshot = append(snapshot, req)
	}
	p.requests = make(map[*Request]struct{})
	p.mu.Unlock()

	for _, req := range snapshot {
		req.Cancel()
	}
}
