// Package registry correlates asynchronous responses with the callers
// waiting for them.
//
// Each submitted request is registered under its correlation id and gets a
// one-shot completion. Streamed frames are accumulated until the terminal
// frame (More == false) arrives, at which point the caller is released with
// the concatenated results. Every entry completes exactly once: with results,
// a server error, a timeout, a cancellation or a connection failure.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sanonone/graphwire/pkg/errs"
	"github.com/sanonone/graphwire/pkg/wire"
)

// Pending is an in-flight request.
type Pending struct {
	ID        uuid.UUID
	CreatedAt time.Time
	Deadline  time.Time

	results []any
	frames  int

	done chan struct{}
	once sync.Once
	res  []any
	err  error
}

func (p *Pending) complete(res []any, err error) bool {
	fired := false
	p.once.Do(func() {
		p.res, p.err = res, err
		close(p.done)
		fired = true
	})
	return fired
}

// Done is closed once the request is complete.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Result returns the outcome. It is only meaningful after Done is closed.
func (p *Pending) Result() ([]any, error) { return p.res, p.err }

// Frames returns how many response frames were accumulated.
func (p *Pending) Frames() int { return p.frames }

// Wait blocks until the request completes or ctx is done. On ctx expiry the
// entry stays registered; callers are expected to Cancel it.
func (p *Pending) Wait(ctx context.Context) ([]any, error) {
	select {
	case <-p.done:
		return p.res, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Registry tracks pending requests by correlation id. All mutations are
// serialized by a single mutex.
type Registry struct {
	mu      sync.Mutex
	pending map[uuid.UUID]*Pending
	sealed  error
	now     func() time.Time
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		pending: make(map[uuid.UUID]*Pending),
		now:     time.Now,
	}
}

// Register creates a pending entry. A zero deadline never expires.
func (r *Registry) Register(id uuid.UUID, deadline time.Time) (*Pending, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed != nil {
		return nil, r.sealed
	}
	if _, exists := r.pending[id]; exists {
		return nil, errs.Newf(errs.DuplicateCorrelation, "correlation id %s already registered", id)
	}
	p := &Pending{
		ID:        id,
		CreatedAt: r.now(),
		Deadline:  deadline,
		done:      make(chan struct{}),
	}
	r.pending[id] = p
	return p, nil
}

// Resolve applies one response frame. Results are appended in arrival order;
// a terminal frame completes the caller and removes the entry. A frame for an
// unknown or already completed id is an errs.InternalProtocol error.
func (r *Registry) Resolve(id uuid.UUID, resp *wire.Response) error {
	r.mu.Lock()
	p, ok := r.pending[id]
	if !ok {
		r.mu.Unlock()
		return errs.Newf(errs.InternalProtocol, "response for unknown or completed request %s", id)
	}
	p.frames++
	if resp.Status.Success() {
		p.results = append(p.results, resp.Result...)
		if resp.More {
			r.mu.Unlock()
			return nil
		}
	}
	delete(r.pending, id)
	results := p.results
	r.mu.Unlock()

	var err error
	if !resp.Status.Success() {
		results = nil
		err = &errs.ServerError{Code: resp.Status.Code, Message: resp.Status.Message}
	} else if results == nil {
		results = []any{}
	}
	if !p.complete(results, err) {
		return errs.Newf(errs.InternalProtocol, "request %s resolved twice", id)
	}
	return nil
}

// Fail completes one request with err.
func (r *Registry) Fail(id uuid.UUID, err error) bool {
	r.mu.Lock()
	p, ok := r.pending[id]
	delete(r.pending, id)
	r.mu.Unlock()
	return ok && p.complete(nil, err)
}

// Cancel removes a request whose caller stopped waiting. It is local
// bookkeeping only: the server may still run the traversal to completion,
// including its writes.
func (r *Registry) Cancel(id uuid.UUID) bool {
	return r.Fail(id, context.Canceled)
}

// Expire fails every request whose deadline is at or before now with
// errs.Timeout and returns how many were expired.
func (r *Registry) Expire(now time.Time) int {
	r.mu.Lock()
	var expired []*Pending
	for id, p := range r.pending {
		if !p.Deadline.IsZero() && !now.Before(p.Deadline) {
			expired = append(expired, p)
			delete(r.pending, id)
		}
	}
	r.mu.Unlock()

	for _, p := range expired {
		p.complete(nil, errs.Newf(errs.Timeout, "request %s exceeded its deadline after %s", p.ID, p.Deadline.Sub(p.CreatedAt)))
	}
	return len(expired)
}

// FailAll fails every pending request with err and returns how many there were.
func (r *Registry) FailAll(err error) int {
	r.mu.Lock()
	all := r.pending
	r.pending = make(map[uuid.UUID]*Pending)
	r.mu.Unlock()

	for _, p := range all {
		p.complete(nil, err)
	}
	return len(all)
}

// Seal fails every pending request with failErr and refuses new
// registrations with refuseErr until Unseal. Both happen under one lock so no
// request can slip in between.
func (r *Registry) Seal(failErr, refuseErr error) int {
	r.mu.Lock()
	all := r.pending
	r.pending = make(map[uuid.UUID]*Pending)
	r.sealed = refuseErr
	r.mu.Unlock()

	for _, p := range all {
		p.complete(nil, failErr)
	}
	return len(all)
}

// Unseal accepts registrations again.
func (r *Registry) Unseal() {
	r.mu.Lock()
	r.sealed = nil
	r.mu.Unlock()
}

// Len returns the number of pending requests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
