// Package transporttest provides an in-memory transport.Conn for tests.
package transporttest

import (
	"context"
	"sync"

	"github.com/zsiec/volcast/internal/transport"
	"github.com/zsiec/volcast/internal/wire"
)

// Conn is an in-memory connection. Tests push frames and set the status;
// Reconnect marks it Connected.
type Conn struct {
	Config transport.DialConfig

	mu         sync.Mutex
	status     transport.Status
	frames     []wire.Frame
	notify     chan struct{}
	reconnects int
	closed     bool
}

var _ transport.Conn = (*Conn)(nil)

// NewConn returns a connection with the given status.
func NewConn(s transport.Status) *Conn {
	return &Conn{status: s, notify: make(chan struct{}, 1)}
}

// Dialer returns a transport.DialFunc handing out connections with the
// given status. Dialled connections are sent on the returned channel,
// which has room for two.
func Dialer(s transport.Status) (transport.DialFunc, <-chan *Conn) {
	ch := make(chan *Conn, 2)
	dial := func(_ context.Context, cfg transport.DialConfig) (transport.Conn, error) {
		c := NewConn(s)
		c.Config = cfg
		ch <- c
		return c, nil
	}
	return dial, ch
}

// Push queues a frame.
func (c *Conn) Push(f wire.Frame) {
	c.mu.Lock()
	c.frames = append(c.frames, f)
	c.mu.Unlock()
	c.signal()
}

// SetStatus changes the status.
func (c *Conn) SetStatus(s transport.Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
	c.signal()
}

func (c *Conn) signal() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued frames.
func (c *Conn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

// Reconnects returns how often Reconnect was called.
func (c *Conn) Reconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnects
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) Status() transport.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Conn) Frame() (wire.Frame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.frames) == 0 {
		return wire.Frame{}, false
	}
	return c.frames[0], true
}

func (c *Conn) Pop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.frames) > 0 {
		c.frames = c.frames[1:]
	}
}

func (c *Conn) Notify() <-chan struct{} { return c.notify }

func (c *Conn) Reconnect() error {
	c.mu.Lock()
	c.reconnects++
	c.status = transport.StatusConnected
	c.mu.Unlock()
	c.signal()
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.status = transport.StatusHandleInvalid
	c.mu.Unlock()
	c.signal()
	return nil
}
