// Package limiter provides the admission gate that bounds the number of
// concurrent connections a listener will hold open at once.
package limiter

import (
	"context"
	"sync/atomic"
)

// ConnectionLimiter bounds the number of live connections. Acquire reserves a
// slot before an accept attempt and Release frees it when the connection (or
// the failed attempt) is finished.
//
// A maximum of zero or below disables blocking entirely: Acquire always
// succeeds immediately and only the live count is tracked.
//
// The gate is a plain channel semaphore. Release hands a freed slot to
// exactly one blocked Acquire through the channel, so there are no missed
// wake-ups to reason about.
//
// Thread safety:
// All methods are safe for concurrent use from any number of acceptors.
type ConnectionLimiter struct {
	max   int
	sem   chan struct{}
	count atomic.Int64
}

// New creates a ConnectionLimiter admitting at most max concurrent
// connections. max <= 0 means unbounded.
func New(max int) *ConnectionLimiter {
	l := &ConnectionLimiter{max: max}
	if max > 0 {
		l.sem = make(chan struct{}, max)
	}
	return l
}

// Acquire blocks until a connection slot is free, then reserves it.
//
// The wait is interruptible: when ctx is cancelled (typically because the
// owning endpoint is stopping), Acquire returns the context error without
// reserving a slot. This keeps a shutdown from deadlocking behind a full
// gate.
func (l *ConnectionLimiter) Acquire(ctx context.Context) error {
	if l.sem == nil {
		l.count.Add(1)
		return nil
	}

	select {
	case l.sem <- struct{}{}:
		l.count.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a previously acquired slot and wakes one blocked Acquire
// caller, if any. An unmatched Release is ignored rather than driving the
// count negative; a leaked slot permanently shrinks capacity, so callers
// pair every Acquire with exactly one Release on every exit path.
func (l *ConnectionLimiter) Release() {
	if l.sem != nil {
		select {
		case <-l.sem:
		default:
			// Unmatched release, nothing was held.
			return
		}
	}

	for {
		c := l.count.Load()
		if c <= 0 {
			return
		}
		if l.count.CompareAndSwap(c, c-1) {
			return
		}
	}
}

// Count returns the current number of reserved slots.
func (l *ConnectionLimiter) Count() int64 {
	return l.count.Load()
}

// Max returns the configured maximum, or a value <= 0 when unbounded.
func (l *ConnectionLimiter) Max() int {
	return l.max
}
