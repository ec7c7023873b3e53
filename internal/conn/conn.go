// Package conn wraps accepted and dialed connections with the process-wide
// timeout settings and an idempotent Close.
package conn

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed is returned by Read and Write after Close.
var ErrClosed = net.ErrClosed

// Timeouts are the per-connection limits applied to every connection.
// A zero value disables the corresponding limit.
type Timeouts struct {
	// Read bounds each individual Read call.
	Read time.Duration `yaml:"read"`

	// Write bounds each individual Write call.
	Write time.Duration `yaml:"write"`

	// Idle is the TCP keepalive idle time and, on Linux, the
	// TCP_USER_TIMEOUT after which unacknowledged data aborts the socket.
	Idle time.Duration `yaml:"idle"`
}

// Validate rejects negative durations.
func (t Timeouts) Validate() error {
	if t.Read < 0 || t.Write < 0 || t.Idle < 0 {
		return fmt.Errorf("conn: timeouts must not be negative (read=%s write=%s idle=%s)", t.Read, t.Write, t.Idle)
	}
	return nil
}

// Conn is a net.Conn with per-operation deadlines and an idempotent Close.
// It is safe to call Close concurrently with Read or Write; a blocked Read
// returns an error wrapping net.ErrClosed.
type Conn struct {
	net.Conn

	timeouts Timeouts

	once     sync.Once
	closed   atomic.Bool
	closeErr error
}

// Wrap wraps c. Deadlines are refreshed before every Read and Write, so the
// read and write timeouts measure inactivity rather than total lifetime.
func Wrap(c net.Conn, t Timeouts) *Conn {
	if w, ok := c.(*Conn); ok {
		c = w.Conn
	}
	return &Conn{Conn: c, timeouts: t}
}

// Read implements io.Reader.
func (c *Conn) Read(p []byte) (int, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}
	if c.timeouts.Read > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeouts.Read)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(p)
}

// Write implements io.Writer.
func (c *Conn) Write(p []byte) (int, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}
	if c.timeouts.Write > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.timeouts.Write)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(p)
}

// Close closes the underlying connection exactly once. Later calls return nil.
func (c *Conn) Close() error {
	c.once.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.Conn.Close()
		if errors.Is(c.closeErr, net.ErrClosed) {
			c.closeErr = nil
		}
	})
	return c.closeErr
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	return c.closed.Load()
}

// Timeouts returns the limits the connection was wrapped with.
func (c *Conn) Timeouts() Timeouts {
	return c.timeouts
}

// LocalPort returns the local TCP port, or 0 if it is not a TCP address.
func (c *Conn) LocalPort() int {
	if addr, ok := c.LocalAddr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}
