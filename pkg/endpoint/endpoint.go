// Package endpoint implements the protocol-agnostic engine that owns a
// listening socket and the lifecycle of the connections accepted from it.
package endpoint

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/porticonet/portico/internal/logger"
	"github.com/porticonet/portico/pkg/acceptor"
	"github.com/porticonet/portico/pkg/executor"
	"github.com/porticonet/portico/pkg/limiter"
	"github.com/porticonet/portico/pkg/metrics"
)

// ConnectionHandler processes one accepted connection until it closes. The
// endpoint runs it on the executor; the context carries the container
// marking and is cancelled when the executor shuts down.
type ConnectionHandler interface {
	HandleConnection(ctx context.Context, conn net.Conn)
}

// Config holds the tunables of one listening endpoint.
type Config struct {
	// Name identifies the endpoint in logs, metrics, and acceptor thread
	// names.
	Name string

	// Address is the listen address, e.g. ":8080".
	Address string

	// Native selects the OS-tuned listener backend (address reuse at the
	// socket level); the portable backend is used otherwise.
	Native bool

	// MaxConnections bounds concurrent connections; 0 or below means
	// unbounded.
	MaxConnections int

	// Acceptors is the number of accept loops; defaults to 1.
	Acceptors int

	// AcceptRate throttles accepts per second; 0 disables throttling.
	// AcceptBurst is the token-bucket burst, defaulting to AcceptRate.
	AcceptRate  uint
	AcceptBurst uint

	// NoDelay and KeepAlive are applied to each accepted TCP connection.
	NoDelay   bool
	KeepAlive time.Duration

	// ReadTimeout and WriteTimeout bound single protocol reads and
	// writes; 0 disables the deadline.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// IdleTimeout closes connections idle beyond the limit; swept every
	// IdleSweepInterval. 0 disables the sweep.
	IdleTimeout       time.Duration
	IdleSweepInterval time.Duration

	// AcceptorStopTimeout bounds the advisory wait for each accept loop
	// to unwind during Stop.
	AcceptorStopTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Acceptors <= 0 {
		c.Acceptors = 1
	}
	if c.AcceptRate > 0 && c.AcceptBurst == 0 {
		c.AcceptBurst = c.AcceptRate
	}
	if c.IdleSweepInterval == 0 {
		c.IdleSweepInterval = time.Minute
	}
	if c.AcceptorStopTimeout == 0 {
		c.AcceptorStopTimeout = 10 * time.Second
	}
}

// TCPEndpoint accepts stream connections under admission control and hands
// them to a ConnectionHandler on the executor. It satisfies the
// acceptor.Endpoint contract consumed by the accept loops.
type TCPEndpoint struct {
	cfg     Config
	handler ConnectionHandler
	exec    executor.Executor
	metrics metrics.EndpointMetrics

	gate     *limiter.ConnectionLimiter
	throttle *rate.Limiter

	tlsConfig *tls.Config
	sched     *executor.Scheduler

	mu        sync.Mutex
	ln        net.Listener
	acceptors []*acceptor.Acceptor
	sweep     func()

	running atomic.Bool
	paused  atomic.Bool

	conns     sync.Map // *trackedConn -> struct{}
	connCount atomic.Int64
}

// New creates an endpoint in the stopped state. m may be nil for no
// metrics.
func New(cfg Config, handler ConnectionHandler, exec executor.Executor, m metrics.EndpointMetrics) (*TCPEndpoint, error) {
	if handler == nil {
		return nil, fmt.Errorf("endpoint %s: connection handler cannot be nil", cfg.Name)
	}
	if exec == nil {
		return nil, fmt.Errorf("endpoint %s: executor cannot be nil", cfg.Name)
	}
	cfg.applyDefaults()
	if m == nil {
		m = metrics.NewNoopEndpointMetrics()
	}

	e := &TCPEndpoint{
		cfg:     cfg,
		handler: handler,
		exec:    exec,
		metrics: m,
		gate:    limiter.New(cfg.MaxConnections),
	}
	if cfg.AcceptRate > 0 {
		e.throttle = rate.NewLimiter(rate.Limit(cfg.AcceptRate), int(cfg.AcceptBurst))
	}
	return e, nil
}

// SetTLSConfig arms TLS termination for connections accepted after Start.
// Must be called before Start.
func (e *TCPEndpoint) SetTLSConfig(cfg *tls.Config) {
	e.tlsConfig = cfg
}

// SetScheduler provides the scheduler used for the idle-connection sweep.
// Must be called before Start; without one the sweep is disabled.
func (e *TCPEndpoint) SetScheduler(s *executor.Scheduler) {
	e.sched = s
}

// Config returns the endpoint configuration.
func (e *TCPEndpoint) Config() Config {
	return e.cfg
}

// Addr returns the bound listen address, or nil before Start.
func (e *TCPEndpoint) Addr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ln == nil {
		return nil
	}
	return e.ln.Addr()
}

// Start binds the listening socket and launches the accept loops.
func (e *TCPEndpoint) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running.Load() {
		return fmt.Errorf("endpoint %s: already started", e.cfg.Name)
	}

	ln, err := e.listen()
	if err != nil {
		return fmt.Errorf("endpoint %s: bind %s: %w", e.cfg.Name, e.cfg.Address, err)
	}
	if e.tlsConfig != nil {
		ln = tls.NewListener(ln, e.tlsConfig)
	}
	e.ln = ln
	e.running.Store(true)
	e.paused.Store(false)

	e.acceptors = make([]*acceptor.Acceptor, 0, e.cfg.Acceptors)
	for i := 0; i < e.cfg.Acceptors; i++ {
		a := acceptor.New(fmt.Sprintf("%s-acceptor-%d", e.cfg.Name, i), e)
		e.acceptors = append(e.acceptors, a)
		go a.Run()
	}

	if e.sched != nil && e.cfg.IdleTimeout > 0 {
		e.sweep = e.sched.Schedule(e.cfg.Name+"-idle-sweep", e.cfg.IdleSweepInterval, e.sweepIdle)
	}

	logger.Info("endpoint %s listening on %s (max_connections=%d acceptors=%d)",
		e.cfg.Name, ln.Addr(), e.cfg.MaxConnections, e.cfg.Acceptors)
	return nil
}

func (e *TCPEndpoint) listen() (net.Listener, error) {
	if !e.cfg.Native {
		return net.Listen("tcp", e.cfg.Address)
	}

	// Native backend: allow fast rebinds of the listen address so a
	// restarted connector does not trip over sockets in TIME_WAIT.
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var ctrlErr error
			err := c.Control(func(fd uintptr) {
				ctrlErr = setReuseAddr(fd)
			})
			if err != nil {
				return err
			}
			return ctrlErr
		},
	}
	return lc.Listen(context.Background(), "tcp", e.cfg.Address)
}

// Pause stops the accept loops from pulling new connections while keeping
// the listener and live connections intact.
func (e *TCPEndpoint) Pause() {
	e.paused.Store(true)
	logger.Debug("endpoint %s paused", e.cfg.Name)
}

// Resume clears a pause.
func (e *TCPEndpoint) Resume() {
	e.paused.Store(false)
	logger.Debug("endpoint %s resumed", e.cfg.Name)
}

// CloseServerSocketGraceful closes the listening socket so no further
// connections are accepted, without disturbing live connections or the
// rest of the endpoint.
func (e *TCPEndpoint) CloseServerSocketGraceful() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closeListenerLocked()
}

func (e *TCPEndpoint) closeListenerLocked() {
	if e.ln == nil {
		return
	}
	if err := e.ln.Close(); err != nil {
		logger.Debug("endpoint %s: close listener: %v", e.cfg.Name, err)
	}
	e.ln = nil
}

// AwaitConnectionsClose blocks until every live connection has closed or
// maxWait elapses, returning the unused portion of the budget so callers
// can chain several drain steps against one overall deadline.
func (e *TCPEndpoint) AwaitConnectionsClose(maxWait time.Duration) time.Duration {
	if e.connCount.Load() == 0 {
		return maxWait
	}

	const poll = 20 * time.Millisecond
	deadline := time.Now().Add(maxWait)
	for e.connCount.Load() > 0 {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0
		}
		if remaining < poll {
			time.Sleep(remaining)
		} else {
			time.Sleep(poll)
		}
	}

	if remaining := time.Until(deadline); remaining > 0 {
		return remaining
	}
	return 0
}

// Stop terminates the accept loops and closes the listening socket. Live
// connections are left to drain; Destroy force-closes whatever remains.
//
// The listener is closed before the acceptors are joined: an accept loop
// blocked inside the platform accept call can only be released by closing
// the socket out from under it.
func (e *TCPEndpoint) Stop() {
	e.mu.Lock()
	if !e.running.Load() {
		e.mu.Unlock()
		return
	}
	e.running.Store(false)
	e.closeListenerLocked()
	acceptors := e.acceptors
	e.acceptors = nil
	sweep := e.sweep
	e.sweep = nil
	e.mu.Unlock()

	if sweep != nil {
		sweep()
	}
	for _, a := range acceptors {
		a.Stop(e.cfg.AcceptorStopTimeout)
	}
	logger.Info("endpoint %s stopped", e.cfg.Name)
}

// Destroy force-closes every remaining connection. Forcibly terminating
// live connections is an explicit operation, separate from the bounded
// waits of the drain phase.
func (e *TCPEndpoint) Destroy() {
	closed := 0
	e.conns.Range(func(key, _ any) bool {
		tc := key.(*trackedConn)
		if err := tc.Close(); err == nil {
			closed++
		}
		return true
	})
	if closed > 0 {
		logger.Warn("endpoint %s: force-closed %d connection(s)", e.cfg.Name, closed)
	}
}

// LiveConnections returns the current number of live connections.
func (e *TCPEndpoint) LiveConnections() int64 {
	return e.connCount.Load()
}

// sweepIdle closes connections idle beyond the configured limit.
func (e *TCPEndpoint) sweepIdle() {
	cutoff := time.Now().Add(-e.cfg.IdleTimeout)
	e.conns.Range(func(key, _ any) bool {
		tc := key.(*trackedConn)
		if tc.lastActive().Before(cutoff) {
			logger.Debug("endpoint %s: closing idle connection from %s", e.cfg.Name, tc.RemoteAddr())
			_ = tc.Close()
		}
		return true
	})
}

// ---- acceptor.Endpoint contract ----

// Paused reports whether new accepts are suspended.
func (e *TCPEndpoint) Paused() bool {
	return e.paused.Load()
}

// Running reports whether the endpoint is meant to be serving.
func (e *TCPEndpoint) Running() bool {
	return e.running.Load()
}

// AwaitConnection reserves an admission slot, first passing the optional
// accept-rate throttle.
func (e *TCPEndpoint) AwaitConnection(ctx context.Context) error {
	if e.throttle != nil {
		if err := e.throttle.Wait(ctx); err != nil {
			return err
		}
	}
	return e.gate.Acquire(ctx)
}

// ReleaseConnection frees an admission slot.
func (e *TCPEndpoint) ReleaseConnection() {
	e.gate.Release()
}

// Accept blocks on the listening socket.
func (e *TCPEndpoint) Accept() (net.Conn, error) {
	e.mu.Lock()
	ln := e.ln
	e.mu.Unlock()
	if ln == nil {
		return nil, net.ErrClosed
	}
	conn, err := ln.Accept()
	if err != nil {
		e.metrics.AcceptError()
		return nil, err
	}
	return conn, nil
}

// SetSocketOptions configures an accepted connection and hands it to the
// executor for protocol processing. A false return means the connection
// was rejected and the acceptor must close it.
func (e *TCPEndpoint) SetSocketOptions(conn net.Conn) bool {
	if tcp, ok := conn.(*net.TCPConn); ok {
		if err := tcp.SetNoDelay(e.cfg.NoDelay); err != nil {
			logger.Debug("endpoint %s: set nodelay: %v", e.cfg.Name, err)
			return false
		}
		if e.cfg.KeepAlive > 0 {
			if err := tcp.SetKeepAlive(true); err != nil {
				return false
			}
			if err := tcp.SetKeepAlivePeriod(e.cfg.KeepAlive); err != nil {
				return false
			}
		}
	}

	tc := newTrackedConn(conn)
	e.conns.Store(tc, struct{}{})
	count := e.connCount.Add(1)
	e.metrics.ConnectionAccepted()
	e.metrics.SetActiveConnections(count)
	logger.Debug("endpoint %s: connection accepted from %s (active: %d)",
		e.cfg.Name, conn.RemoteAddr(), count)

	err := e.exec.Execute(func(ctx context.Context) {
		defer e.finishConnection(tc)
		e.handler.HandleConnection(ctx, tc)
	})
	if err != nil {
		// The executor is gone; undo the registration and reject. The
		// acceptor releases the admission slot through CloseSocket.
		e.conns.Delete(tc)
		count := e.connCount.Add(-1)
		e.metrics.SetActiveConnections(count)
		logger.Warn("endpoint %s: dispatch failed: %v", e.cfg.Name, err)
		return false
	}
	return true
}

// finishConnection unwinds one connection's registration exactly once,
// releasing its admission slot.
func (e *TCPEndpoint) finishConnection(tc *trackedConn) {
	_ = tc.Close()
	e.conns.Delete(tc)
	count := e.connCount.Add(-1)
	e.gate.Release()
	e.metrics.ConnectionClosed()
	e.metrics.SetActiveConnections(count)
	logger.Debug("endpoint %s: connection closed from %s (active: %d)",
		e.cfg.Name, tc.RemoteAddr(), count)
}

// CloseSocket closes a rejected connection and releases its admission slot.
func (e *TCPEndpoint) CloseSocket(conn net.Conn) {
	_ = conn.Close()
	e.gate.Release()
	e.metrics.ConnectionRejected()
}

// DestroySocket discards a connection accepted while a stop or pause was
// already requested.
func (e *TCPEndpoint) DestroySocket(conn net.Conn) {
	_ = conn.Close()
	e.gate.Release()
}

// AcceptorStates returns the lifecycle state of each accept loop, for
// diagnostics.
func (e *TCPEndpoint) AcceptorStates() []acceptor.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	states := make([]acceptor.State, len(e.acceptors))
	for i, a := range e.acceptors {
		states[i] = a.State()
	}
	return states
}
