// Package container marks units of work executed on container-owned
// workers, so components can apply different safety rules when running
// inside a trusted worker versus arbitrary application code.
//
// The marker rides on the context of the unit of work rather than on
// ambient goroutine state: the executor derives a marked context when a
// worker picks up a unit of work, and code that hands control to
// application callbacks derives an unmarked one. Scoping is therefore
// automatic; there is no clear-on-exit to forget.
package container

import "context"

type markerKey struct{}

// WithContainerContext returns a context marked as executing on a
// container-owned worker.
func WithContainerContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, markerKey{}, true)
}

// WithoutContainerContext returns a context with the container marking
// removed. Used when control passes to application code, including
// callbacks resumed after an asynchronous suspension, that must not be
// treated as container context.
func WithoutContainerContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, markerKey{}, false)
}

// IsContainerContext reports whether ctx belongs to a unit of work being
// processed on a container-owned worker.
func IsContainerContext(ctx context.Context) bool {
	v, ok := ctx.Value(markerKey{}).(bool)
	return ok && v
}
