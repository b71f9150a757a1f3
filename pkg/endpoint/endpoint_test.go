package endpoint

import (
	"context"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/porticonet/portico/pkg/executor"
)

type funcHandler func(ctx context.Context, conn net.Conn)

func (f funcHandler) HandleConnection(ctx context.Context, conn net.Conn) { f(ctx, conn) }

// echoHandler copies one line-less byte stream back to the peer until EOF.
var echoHandler = funcHandler(func(_ context.Context, conn net.Conn) {
	_, _ = io.Copy(conn, conn)
})

func startEndpoint(t *testing.T, cfg Config, h ConnectionHandler) *TCPEndpoint {
	t.Helper()

	if cfg.Name == "" {
		cfg.Name = "test"
	}
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:0"
	}

	pool := executor.NewPool(4, 16)
	t.Cleanup(pool.Stop)

	e, err := New(cfg, h, pool, nil)
	require.NoError(t, err)
	require.NoError(t, e.Start())
	t.Cleanup(func() {
		e.Stop()
		e.Destroy()
	})
	return e
}

func dial(t *testing.T, e *TCPEndpoint) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", e.Addr().String(), time.Second)
	require.NoError(t, err)
	return conn
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestEndpointServesConnections(t *testing.T) {
	e := startEndpoint(t, Config{}, echoHandler)

	conn := dial(t, e)
	defer conn.Close()

	_, err := conn.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))

	require.NoError(t, conn.Close())
	waitFor(t, time.Second, func() bool { return e.LiveConnections() == 0 })
}

func TestMaxConnectionsGatesAdmission(t *testing.T) {
	release := make(chan struct{})
	hold := funcHandler(func(_ context.Context, conn net.Conn) {
		<-release
	})

	e := startEndpoint(t, Config{MaxConnections: 1}, hold)

	first := dial(t, e)
	defer first.Close()
	waitFor(t, time.Second, func() bool { return e.LiveConnections() == 1 })

	// The second connection completes the TCP handshake through the
	// backlog but must not be dispatched while the slot is held.
	second := dial(t, e)
	defer second.Close()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(1), e.LiveConnections())

	close(release)
	waitFor(t, time.Second, func() bool { return e.LiveConnections() == 0 })
}

func TestPauseAndResume(t *testing.T) {
	handled := atomic.Int64{}
	h := funcHandler(func(_ context.Context, conn net.Conn) {
		handled.Add(1)
		_, _ = io.Copy(io.Discard, conn)
	})

	e := startEndpoint(t, Config{}, h)

	e.Pause()
	assert.True(t, e.Paused())

	conn := dial(t, e)
	defer conn.Close()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(0), handled.Load())

	e.Resume()
	waitFor(t, time.Second, func() bool { return handled.Load() == 1 })
}

func TestGracefulSocketCloseKeepsLiveConnections(t *testing.T) {
	e := startEndpoint(t, Config{}, echoHandler)
	addr := e.Addr().String()

	conn := dial(t, e)
	defer conn.Close()
	waitFor(t, time.Second, func() bool { return e.LiveConnections() == 1 })

	e.CloseServerSocketGraceful()

	// New connections are refused.
	refused, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
	if err == nil {
		// Some platforms complete the handshake; the connection must
		// then be dead.
		_ = refused.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		_, readErr := refused.Read(make([]byte, 1))
		assert.Error(t, readErr)
		_ = refused.Close()
	}

	// The live connection keeps working.
	_, err = conn.Write([]byte("x"))
	require.NoError(t, err)
	buf := make([]byte, 1)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
}

func TestAwaitConnectionsCloseReturnsFullBudgetWhenIdle(t *testing.T) {
	e := startEndpoint(t, Config{}, echoHandler)

	start := time.Now()
	remaining := e.AwaitConnectionsClose(5 * time.Second)
	assert.Equal(t, 5*time.Second, remaining)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestAwaitConnectionsCloseExhaustsBudget(t *testing.T) {
	release := make(chan struct{})
	hold := funcHandler(func(_ context.Context, _ net.Conn) { <-release })
	defer close(release)

	e := startEndpoint(t, Config{}, hold)

	conn := dial(t, e)
	defer conn.Close()
	waitFor(t, time.Second, func() bool { return e.LiveConnections() == 1 })

	remaining := e.AwaitConnectionsClose(150 * time.Millisecond)
	assert.Equal(t, time.Duration(0), remaining)
	assert.Equal(t, int64(1), e.LiveConnections())
}

func TestAwaitConnectionsCloseReturnsLeftoverBudget(t *testing.T) {
	release := make(chan struct{})
	hold := funcHandler(func(_ context.Context, _ net.Conn) { <-release })

	e := startEndpoint(t, Config{}, hold)

	conn := dial(t, e)
	defer conn.Close()
	waitFor(t, time.Second, func() bool { return e.LiveConnections() == 1 })

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()

	remaining := e.AwaitConnectionsClose(2 * time.Second)
	assert.Greater(t, remaining, time.Duration(0))
	assert.Equal(t, int64(0), e.LiveConnections())
}

func TestDestroyForceClosesConnections(t *testing.T) {
	done := make(chan struct{})
	h := funcHandler(func(_ context.Context, conn net.Conn) {
		_, _ = io.Copy(io.Discard, conn) // unblocks when the conn closes
		close(done)
	})

	e := startEndpoint(t, Config{}, h)

	conn := dial(t, e)
	defer conn.Close()
	waitFor(t, time.Second, func() bool { return e.LiveConnections() == 1 })

	e.Stop()
	e.Destroy()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler still blocked after Destroy")
	}
	waitFor(t, time.Second, func() bool { return e.LiveConnections() == 0 })
}

func TestStopIsIdempotent(t *testing.T) {
	e := startEndpoint(t, Config{}, echoHandler)
	e.Stop()
	e.Stop()
	assert.False(t, e.Running())
}

func TestIdleSweepClosesStaleConnections(t *testing.T) {
	done := make(chan struct{})
	h := funcHandler(func(_ context.Context, conn net.Conn) {
		_, _ = io.Copy(io.Discard, conn)
		close(done)
	})

	sched := executor.NewScheduler()
	defer sched.Stop()

	pool := executor.NewPool(2, 8)
	defer pool.Stop()

	e, err := New(Config{
		Name:              "sweep",
		Address:           "127.0.0.1:0",
		IdleTimeout:       50 * time.Millisecond,
		IdleSweepInterval: 25 * time.Millisecond,
	}, h, pool, nil)
	require.NoError(t, err)
	e.SetScheduler(sched)
	require.NoError(t, e.Start())
	defer func() {
		e.Stop()
		e.Destroy()
	}()

	conn := dial(t, e)
	defer conn.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("idle connection was not swept")
	}
}

func TestTrackedConnCloseIsIdempotent(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	tc := newTrackedConn(server)
	require.NoError(t, tc.Close())
	assert.Equal(t, tc.Close(), tc.Close())
}
