// Package pipeline implements the ordered chain of valves every unit of
// work flows through after protocol framing, ending in one mandatory basic
// valve that produces the response.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrNoBasicValve is returned when a pipeline is invoked before a basic
// valve has been set.
var ErrNoBasicValve = errors.New("pipeline: no basic valve configured")

// Pipeline owns an ordered sequence of valves plus one designated basic
// valve that is always logically last. Mutation happens at configuration
// time and is expected to be rare; each mutation rebuilds an immutable
// chain snapshot that is swapped atomically, so an invocation traverses the
// exact sequence that was current when it entered.
type Pipeline struct {
	mu     sync.Mutex
	valves []Valve
	basic  Valve

	first atomic.Pointer[Link]
}

// New creates an empty pipeline. A basic valve must be set before the
// pipeline is invoked; configuration loading guarantees that before the
// owning protocol handler starts.
func New() *Pipeline {
	return &Pipeline{}
}

// AddValve appends v immediately before the basic valve, associating it
// with this pipeline. It fails with ErrValveOwned if v is bound to a
// different pipeline, or with the valve's own error if it refuses the
// association; in both cases the pipeline is left unchanged.
func (p *Pipeline) AddValve(v Valve) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := v.SetContainer(p); err != nil {
		return err
	}
	p.valves = append(p.valves, v)
	p.rebuild()
	return nil
}

// RemoveValve detaches v if present and clears its association; removing a
// valve that is not in the pipeline is a no-op.
func (p *Pipeline) RemoveValve(v Valve) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, cur := range p.valves {
		if cur == v {
			p.valves = append(p.valves[:i], p.valves[i+1:]...)
			// Unbinding never fails.
			_ = v.SetContainer(nil)
			p.rebuild()
			return
		}
	}
}

// SetBasic replaces the terminal valve under the same ownership rules as
// AddValve. The previous basic valve, if any, is unbound.
func (p *Pipeline) SetBasic(v Valve) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := v.SetContainer(p); err != nil {
		return err
	}
	if p.basic != nil {
		_ = p.basic.SetContainer(nil)
	}
	p.basic = v
	p.rebuild()
	return nil
}

// Basic returns the terminal valve, or nil if none has been set.
func (p *Pipeline) Basic() Valve {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.basic
}

// Valves returns the full effective sequence in registration order with the
// basic valve last.
func (p *Pipeline) Valves() []Valve {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Valve, 0, len(p.valves)+1)
	out = append(out, p.valves...)
	if p.basic != nil {
		out = append(out, p.basic)
	}
	return out
}

// First returns the entry point of the current chain snapshot: the link for
// the first added valve, or the basic valve's link if no other valve is
// registered. It is nil until a basic valve is set.
func (p *Pipeline) First() *Link {
	return p.first.Load()
}

// Invoke runs one unit of work through the current chain snapshot.
func (p *Pipeline) Invoke(ctx context.Context, req *Request, resp *Response) error {
	first := p.first.Load()
	if first == nil {
		return ErrNoBasicValve
	}
	return first.Invoke(ctx, req, resp)
}

// IsAsyncSupported reports whether every valve in the effective chain,
// basic valve included, declares async support.
func (p *Pipeline) IsAsyncSupported() bool {
	for _, v := range p.Valves() {
		if !v.AsyncSupported() {
			return false
		}
	}
	return true
}

// FindNonAsyncValves adds the type identity of every valve lacking async
// support to the caller-supplied set, for diagnostics.
func (p *Pipeline) FindNonAsyncValves(result map[string]struct{}) {
	for _, v := range p.Valves() {
		if !v.AsyncSupported() {
			result[fmt.Sprintf("%T", v)] = struct{}{}
		}
	}
}

// rebuild constructs a fresh chain snapshot from the current configuration
// and publishes it. Callers hold p.mu. The snapshot is nil until a basic
// valve exists: a chain with no terminal handler cannot satisfy the
// invocation contract.
func (p *Pipeline) rebuild() {
	if p.basic == nil {
		p.first.Store(nil)
		return
	}

	chain := &Link{valve: p.basic}
	for i := len(p.valves) - 1; i >= 0; i-- {
		chain = &Link{valve: p.valves[i], next: chain}
	}
	p.first.Store(chain)
}
