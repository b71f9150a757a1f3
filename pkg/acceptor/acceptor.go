// Package acceptor runs the accept loop that feeds an endpoint with raw
// connections under admission control.
package acceptor

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/porticonet/portico/internal/logger"
)

// Endpoint is the engine the accept loop drives. It owns the listening
// socket, the admission gate, and the post-accept handoff to protocol
// processing.
type Endpoint interface {
	// Paused reports whether the endpoint has been paused. A paused
	// endpoint keeps its listener open but the acceptor stops pulling
	// connections from it.
	Paused() bool

	// Running reports whether the endpoint is still meant to be serving.
	// Once it returns false the acceptor exits its loop on the next
	// accept failure.
	Running() bool

	// AwaitConnection reserves an admission slot, blocking while the
	// live-connection ceiling is reached. It returns the context error
	// without reserving when ctx is cancelled.
	AwaitConnection(ctx context.Context) error

	// ReleaseConnection frees a slot reserved by AwaitConnection.
	ReleaseConnection()

	// Accept blocks on the listening socket for the next connection.
	Accept() (net.Conn, error)

	// SetSocketOptions configures an accepted connection and hands it off
	// to protocol processing. A false return means the connection was
	// rejected and the caller must close it.
	SetSocketOptions(conn net.Conn) bool

	// CloseSocket closes a rejected connection and releases its
	// admission slot.
	CloseSocket(conn net.Conn)

	// DestroySocket discards a connection accepted concurrently with a
	// stop or pause request, releasing its admission slot.
	DestroySocket(conn net.Conn)
}

const (
	// Error backoff for repeated accept failures. No delay before the
	// first retry, then doubling from initialErrorDelay up to
	// maxErrorDelay. Reset to zero after any successful accept.
	initialErrorDelay = 50 * time.Millisecond
	maxErrorDelay     = 1600 * time.Millisecond

	// Pause-loop sleep escalation. A pause that clears quickly is caught
	// by the tight loop; longer pauses back off to bound CPU burn while
	// keeping resume latency low.
	pauseTightSpin = 1 * time.Millisecond
	pauseShortNap  = 10 * time.Millisecond
)

// State is the acceptor lifecycle state.
type State int32

const (
	StateNew State = iota
	StateRunning
	StatePaused
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateRunning:
		return "RUNNING"
	case StatePaused:
		return "PAUSED"
	case StateEnded:
		return "ENDED"
	default:
		return "UNKNOWN"
	}
}

// Acceptor runs one accept loop against an Endpoint. Its lifecycle is
// NEW -> RUNNING <-> PAUSED -> ENDED; ENDED is terminal and reached exactly
// once, however the loop exits.
//
// The stop request is tracked separately from Endpoint.Running: stop and
// start in quick succession on the endpoint must not leave a stale acceptor
// looping.
type Acceptor struct {
	endpoint Endpoint
	name     string

	stopRequested atomic.Bool
	state         atomic.Int32

	// done is the one-shot completion signal, closed from the loop's
	// single unwind point.
	done     chan struct{}
	doneOnce sync.Once

	// stopCtx interrupts an AwaitConnection blocked on the admission gate.
	stopCtx context.Context
	cancel  context.CancelFunc
}

// New creates an acceptor for the given endpoint. name identifies the
// acceptor in logs (one endpoint may run several).
func New(name string, endpoint Endpoint) *Acceptor {
	ctx, cancel := context.WithCancel(context.Background())
	a := &Acceptor{
		endpoint: endpoint,
		name:     name,
		done:     make(chan struct{}),
		stopCtx:  ctx,
		cancel:   cancel,
	}
	a.state.Store(int32(StateNew))
	return a
}

// Name returns the acceptor's identifier.
func (a *Acceptor) Name() string {
	return a.name
}

// State returns the current lifecycle state.
func (a *Acceptor) State() State {
	return State(a.state.Load())
}

// Done returns a channel closed when the accept loop has fully unwound.
func (a *Acceptor) Done() <-chan struct{} {
	return a.done
}

// Run executes the accept loop until a stop is requested or the endpoint
// stops running. It is meant to be run on its own goroutine.
func (a *Acceptor) Run() {
	errorDelay := time.Duration(0)
	var pauseStart time.Time

	defer func() {
		a.doneOnce.Do(func() { close(a.done) })
		a.state.Store(int32(StateEnded))
	}()

	for !a.stopRequested.Load() {
		// Spin while the endpoint is paused, re-checking the stop flag
		// so a stop during a pause exits promptly instead of waiting
		// for the pause to clear.
		for a.endpoint.Paused() && !a.stopRequested.Load() {
			if a.State() != StatePaused {
				pauseStart = time.Now()
				a.state.Store(int32(StatePaused))
			}
			switch elapsed := time.Since(pauseStart); {
			case elapsed > pauseShortNap:
				time.Sleep(pauseShortNap)
			case elapsed > pauseTightSpin:
				time.Sleep(pauseTightSpin)
			}
		}

		if a.stopRequested.Load() {
			break
		}
		a.state.Store(int32(StateRunning))

		// Reserve an admission slot; this blocks at the connection
		// ceiling until a slot frees or a stop interrupts the wait.
		if err := a.endpoint.AwaitConnection(a.stopCtx); err != nil {
			continue
		}

		// The endpoint may have been paused while we were blocked on
		// the gate. Give the slot back and go round to the pause loop.
		if a.endpoint.Paused() {
			a.endpoint.ReleaseConnection()
			continue
		}

		conn, err := a.endpoint.Accept()
		if err != nil {
			// The slot was reserved before the accept attempt, so it
			// must be freed on the failure path too.
			a.endpoint.ReleaseConnection()
			if !a.endpoint.Running() {
				break
			}
			errorDelay = a.delayRetry(errorDelay)
			logger.Error("acceptor %s: accept failed: %v", a.name, err)
			continue
		}

		// Successful accept, reset the error delay.
		errorDelay = 0

		if !a.stopRequested.Load() && !a.endpoint.Paused() {
			if !a.endpoint.SetSocketOptions(conn) {
				a.endpoint.CloseSocket(conn)
			}
		} else {
			a.endpoint.DestroySocket(conn)
		}
	}
}

// Stop signals the accept loop to terminate. With a positive timeout it
// blocks on the completion signal for up to that long; missing the deadline
// is advisory only, since the loop may be stuck in a blocking accept until
// the listening socket is closed by the outer shutdown sequence.
func (a *Acceptor) Stop(timeout time.Duration) {
	a.stopRequested.Store(true)
	a.cancel()

	if timeout <= 0 {
		return
	}

	select {
	case <-a.done:
	case <-time.After(timeout):
		logger.Warn("acceptor %s: stop did not complete within %v", a.name, timeout)
	}
}

// delayRetry sleeps for the current error delay (none on the first failure)
// and returns the delay to apply on the next consecutive failure. Repeated
// accept failures, such as file-descriptor exhaustion, would otherwise peg
// a core and flood the log.
func (a *Acceptor) delayRetry(current time.Duration) time.Duration {
	if current > 0 {
		time.Sleep(current)
	}
	return nextErrorDelay(current)
}

// nextErrorDelay escalates the accept-failure backoff: 0 -> 50ms, doubling
// up to the 1600ms ceiling.
func nextErrorDelay(current time.Duration) time.Duration {
	switch {
	case current == 0:
		return initialErrorDelay
	case current < maxErrorDelay:
		next := current * 2
		if next > maxErrorDelay {
			return maxErrorDelay
		}
		return next
	default:
		return maxErrorDelay
	}
}
