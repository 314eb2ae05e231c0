package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/volcast/internal/wire"
)

// srtLatencyNs is the SRT receive latency in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

// srtReadBufferSize holds one SRT live mode message.
const srtReadBufferSize = 1500

// srtStreamIDPrefix marks the SRT access control syntax.
const srtStreamIDPrefix = "#!::"

// FormatStreamID encodes the receiver identity in SRT access control
// syntax. The access token travels in the custom "k" key and must not
// contain commas.
func FormatStreamID(h wire.Hello) string {
	var b strings.Builder
	b.WriteString(srtStreamIDPrefix)
	fmt.Fprintf(&b, "r=%s,m=request", roleName(h.Role))
	if h.Username != "" {
		fmt.Fprintf(&b, ",u=%s", h.Username)
	}
	if h.Token != "" {
		fmt.Fprintf(&b, ",k=%s", h.Token)
	}
	fmt.Fprintf(&b, ",v=%d", h.Version)
	return b.String()
}

// ParseStreamID decodes a stream ID written by FormatStreamID.
func ParseStreamID(id string) (wire.Hello, error) {
	rest, ok := strings.CutPrefix(id, srtStreamIDPrefix)
	if !ok {
		return wire.Hello{}, &wire.ParseError{Field: "stream id", Err: wire.ErrUnknownHeader}
	}
	h := wire.Hello{Role: wire.RoleGeometry}
	for _, kv := range strings.Split(rest, ",") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return wire.Hello{}, &wire.ParseError{Field: "stream id", Err: fmt.Errorf("malformed pair %q", kv)}
		}
		switch k {
		case "r":
			if v == "audio" {
				h.Role = wire.RoleAudio
			}
		case "u":
			h.Username = v
		case "k":
			h.Token = v
		case "v":
			if _, err := fmt.Sscanf(v, "%d", &h.Version); err != nil {
				return wire.Hello{}, &wire.ParseError{Field: "stream id version", Err: err}
			}
		}
	}
	return h, nil
}

// SRTConn is a receiving connection over SRT live mode. The sender
// answers the connection with one control message (AUTH_OK or
// AUTH_ERROR), then sends frames split into chunk messages. Frames with a
// lost chunk are dropped.
type SRTConn struct {
	cfg    DialConfig
	log    *slog.Logger
	queue  *frameQueue
	status atomic.Int32

	mu      sync.Mutex
	conn    *srtgo.Conn
	cancel  context.CancelFunc
	closed  bool
	lastErr error
	partial int
	wg      sync.WaitGroup
}

var _ Conn = (*SRTConn)(nil)

// DialSRT starts connecting in the background, like DialQUIC.
func DialSRT(ctx context.Context, cfg DialConfig) (Conn, error) {
	c, err := NewSRTConn(cfg)
	if err != nil {
		return nil, err
	}
	c.start()
	return c, nil
}

// NewSRTConn creates an idle connection. Reconnect starts it.
func NewSRTConn(cfg DialConfig) (*SRTConn, error) {
	if cfg.Address == "" || cfg.Port <= 0 {
		return nil, fmt.Errorf("transport: invalid address %q port %d", cfg.Address, cfg.Port)
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	return &SRTConn{
		cfg:   cfg,
		log:   log.With("component", "srt-conn", "addr", cfg.Addr(), "role", roleName(cfg.Role)),
		queue: newFrameQueue(cfg.QueueSize),
	}, nil
}

func (c *SRTConn) Status() Status            { return Status(c.status.Load()) }
func (c *SRTConn) Frame() (wire.Frame, bool) { return c.queue.front() }
func (c *SRTConn) Pop()                      { c.queue.pop() }
func (c *SRTConn) Notify() <-chan struct{}   { return c.queue.notify }

func (c *SRTConn) setStatus(s Status) {
	if Status(c.status.Swap(int32(s))) != s {
		c.queue.signal()
	}
}

// Err returns the error that ended the last connection attempt.
func (c *SRTConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Reconnect tears down the current attempt and starts a new one.
func (c *SRTConn) Reconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	c.teardown()
	c.queue.clear()
	c.start()
	return nil
}

// Close stops the connection. The status becomes HandleInvalid.
func (c *SRTConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.teardown()
	c.queue.clear()
	c.setStatus(StatusHandleInvalid)
	return nil
}

func (c *SRTConn) teardown() {
	c.mu.Lock()
	cancel, conn := c.cancel, c.conn
	c.cancel, c.conn = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	c.wg.Wait()
}

func (c *SRTConn) start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancel = cancel
	c.lastErr = nil
	c.mu.Unlock()

	c.setStatus(StatusNotYetConnected)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		err := c.run(ctx)
		if ctx.Err() != nil {
			return
		}
		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()
		s := classify(err)
		c.log.Warn("connection ended", "status", s, "error", err)
		c.setStatus(s)
	}()
}

func (c *SRTConn) dial(ctx context.Context) (*srtgo.Conn, error) {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs
	cfg.StreamID = FormatStreamID(wire.Hello{
		Version:  wire.ProtocolVersion,
		Role:     c.cfg.Role,
		Username: c.cfg.Username,
		Token:    c.cfg.AccessToken,
	})

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(c.cfg.Addr(), cfg)
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(c.cfg.DialTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, &dialError{err: res.err}
		}
		return res.conn, nil
	case <-timer.C:
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, &dialError{err: fmt.Errorf("timed out after %s", c.cfg.DialTimeout)}
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func (c *SRTConn) run(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if ctx.Err() != nil {
		c.mu.Unlock()
		conn.Close()
		return ctx.Err()
	}
	c.conn = conn
	c.mu.Unlock()

	buf := make([]byte, srtReadBufferSize)
	n, err := conn.Read(buf)
	if err != nil {
		return fmt.Errorf("read auth response: %w", err)
	}
	if err := readAuthResponse(buf[:n]); err != nil {
		return err
	}
	c.setStatus(StatusConnected)
	c.log.Info("connected")

	var asm wire.Assembler
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("srt stream ended: %w", err)
			}
			return err
		}
		f, ok, err := asm.Push(buf[:n])
		c.mu.Lock()
		c.partial = asm.Dropped()
		c.mu.Unlock()
		switch {
		case errors.Is(err, wire.ErrChunkOutOfOrder):
			continue
		case err != nil:
			return err
		case ok:
			c.queue.push(f)
		}
	}
}

// PartialFrames returns the number of frames discarded because a chunk
// was lost.
func (c *SRTConn) PartialFrames() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.partial
}

func readAuthResponse(msg []byte) error {
	msgType, payload, err := wire.ReadControlMsg(bytes.NewReader(msg))
	if err != nil {
		return fmt.Errorf("read auth response: %w", err)
	}
	switch msgType {
	case wire.MsgAuthOK:
		return nil
	case wire.MsgAuthError:
		rej, err := wire.ParseAuthError(payload)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %w", ErrAuthRejected, rej)
	default:
		return fmt.Errorf("auth response 0x%x: %w", msgType, wire.ErrUnexpectedMsg)
	}
}
