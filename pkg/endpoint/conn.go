package endpoint

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// trackedConn wraps an accepted connection with an activity timestamp for
// the idle sweep and an idempotent Close.
type trackedConn struct {
	net.Conn

	active    atomic.Int64 // unix nanos of last read or write
	closeOnce sync.Once
	closeErr  error
}

func newTrackedConn(conn net.Conn) *trackedConn {
	tc := &trackedConn{Conn: conn}
	tc.touch()
	return tc
}

func (c *trackedConn) touch() {
	c.active.Store(time.Now().UnixNano())
}

func (c *trackedConn) lastActive() time.Time {
	return time.Unix(0, c.active.Load())
}

func (c *trackedConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.touch()
	}
	return n, err
}

func (c *trackedConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if n > 0 {
		c.touch()
	}
	return n, err
}

func (c *trackedConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.Conn.Close()
	})
	return c.closeErr
}
