package pipeline

import (
	"context"
	"errors"
	"sync"
)

// Valve is one handler in a pipeline's chain of responsibility. Each valve
// decides whether to forward control to the next link; exactly one valve in
// the chain, normally the basic valve, must produce the response instead of
// only forwarding. A valve that neither forwards nor produces output leaves
// the request hanging, which is a contract violation.
type Valve interface {
	// Invoke processes one unit of work. next is the remainder of the
	// chain snapshot; it is nil for the terminal valve.
	Invoke(ctx context.Context, req *Request, resp *Response, next *Link) error

	// AsyncSupported reports whether the valve supports asynchronous or
	// suspended processing. A pipeline supports it only if every member
	// does.
	AsyncSupported() bool

	// Container returns the pipeline the valve is bound to, or nil.
	Container() *Pipeline

	// SetContainer binds the valve to a pipeline (or unbinds it with
	// nil). A valve already bound to a different pipeline must refuse
	// with ErrValveOwned rather than silently reassociate.
	SetContainer(p *Pipeline) error
}

// ErrValveOwned is returned when a valve is attached to a pipeline while
// already associated with a different one.
var ErrValveOwned = errors.New("pipeline: valve already associated with another pipeline")

// Link is one node of an immutable chain snapshot. Snapshots are rebuilt on
// every pipeline mutation and swapped atomically, so a traversal in progress
// keeps walking the sequence it started on.
type Link struct {
	valve Valve
	next  *Link
}

// Invoke hands the unit of work to this link's valve.
func (l *Link) Invoke(ctx context.Context, req *Request, resp *Response) error {
	return l.valve.Invoke(ctx, req, resp, l.next)
}

// Valve returns the valve held by this link.
func (l *Link) Valve() Valve {
	return l.valve
}

// BaseValve carries the ownership bookkeeping every valve needs. Embed it
// and implement Invoke (and AsyncSupported, when the default of false is
// wrong).
type BaseValve struct {
	mu    sync.Mutex
	owner *Pipeline
}

// AsyncSupported defaults to false; valves that are safe under suspended
// processing override it.
func (v *BaseValve) AsyncSupported() bool { return false }

// Container returns the owning pipeline, or nil.
func (v *BaseValve) Container() *Pipeline {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.owner
}

// SetContainer binds or unbinds the valve, refusing reassociation while
// bound elsewhere.
func (v *BaseValve) SetContainer(p *Pipeline) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if p != nil && v.owner != nil && v.owner != p {
		return ErrValveOwned
	}
	v.owner = p
	return nil
}
