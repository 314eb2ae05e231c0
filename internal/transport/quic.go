package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/zsiec/volcast/internal/certs"
	"github.com/zsiec/volcast/internal/wire"
)

// ALPN is the TLS application protocol negotiated by both sides.
const ALPN = "volcast/1"

// Application error codes used when closing a QUIC connection.
const (
	codeNoError      quic.ApplicationErrorCode = 0x0
	codeAuthFailed   quic.ApplicationErrorCode = 0x1
	codeProtocol     quic.ApplicationErrorCode = 0x2
	codeGoingAway    quic.ApplicationErrorCode = 0x3
	codeSlowConsumer quic.ApplicationErrorCode = 0x4
)

const defaultDialTimeout = 10 * time.Second

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 5 * time.Second,
	}
}

// QUICConn is a receiving connection over QUIC. After the handshake the
// receiver authenticates on a bidirectional control stream; the sender
// then opens a unidirectional stream carrying frames.
type QUICConn struct {
	cfg     DialConfig
	log     *slog.Logger
	tlsConf *tls.Config
	queue   *frameQueue
	status  atomic.Int32

	mu        sync.Mutex
	conn      quic.Connection
	cancel    context.CancelFunc
	closed    bool
	sessionID string
	lastErr   error
	wg        sync.WaitGroup
}

var _ Conn = (*QUICConn)(nil)

// DialQUIC starts connecting in the background and returns immediately with
// the connection in NotYetConnected. Only configuration errors are
// returned.
func DialQUIC(ctx context.Context, cfg DialConfig) (Conn, error) {
	c, err := NewQUICConn(cfg)
	if err != nil {
		return nil, err
	}
	c.start()
	return c, nil
}

// NewQUICConn creates an idle connection. Reconnect starts it.
func NewQUICConn(cfg DialConfig) (*QUICConn, error) {
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
	serverName := cfg.ServerName
	if serverName == "" {
		serverName = cfg.Address
	}
	tlsConf := &tls.Config{
		ServerName: serverName,
		NextProtos: []string{ALPN},
		MinVersion: tls.VersionTLS13,
	}
	if cfg.CertificatePath != "" {
		pool, err := certs.LoadPool(cfg.CertificatePath)
		if err != nil {
			return nil, fmt.Errorf("transport: %w", err)
		}
		tlsConf.RootCAs = pool
	}
	return &QUICConn{
		cfg:     cfg,
		log:     log.With("component", "quic-conn", "addr", cfg.Addr(), "role", roleName(cfg.Role)),
		tlsConf: tlsConf,
		queue:   newFrameQueue(cfg.QueueSize),
	}, nil
}

func roleName(r byte) string {
	if r == wire.RoleAudio {
		return "audio"
	}
	return "geometry"
}

// Status returns the connection state.
func (c *QUICConn) Status() Status { return Status(c.status.Load()) }

func (c *QUICConn) setStatus(s Status) {
	if Status(c.status.Swap(int32(s))) != s {
		c.queue.signal()
	}
}

// Frame returns the oldest queued frame.
func (c *QUICConn) Frame() (wire.Frame, bool) { return c.queue.front() }

// Pop discards the oldest queued frame.
func (c *QUICConn) Pop() { c.queue.pop() }

// Notify is signalled when a frame is queued or the status changes.
func (c *QUICConn) Notify() <-chan struct{} { return c.queue.notify }

// Dropped returns the number of frames dropped because the queue was full.
func (c *QUICConn) Dropped() int64 { return c.queue.dropped.Load() }

// SessionID returns the identifier assigned by the sender, if connected.
func (c *QUICConn) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Err returns the error that ended the last connection attempt.
func (c *QUICConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Reconnect tears down the current attempt and starts a new one. Queued
// frames are discarded.
func (c *QUICConn) Reconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	c.teardown(codeNoError, "reconnecting")
	c.queue.clear()
	c.start()
	return nil
}

// Close stops the connection. The status becomes HandleInvalid.
func (c *QUICConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.teardown(codeNoError, "closing")
	c.queue.clear()
	c.setStatus(StatusHandleInvalid)
	return nil
}

func (c *QUICConn) teardown(code quic.ApplicationErrorCode, reason string) {
	c.mu.Lock()
	cancel, conn := c.cancel, c.conn
	c.cancel, c.conn = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.CloseWithError(code, reason)
	}
	c.wg.Wait()
}

func (c *QUICConn) start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancel = cancel
	c.lastErr = nil
	c.sessionID = ""
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

func (c *QUICConn) run(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	conn, err := quic.DialAddr(dialCtx, c.cfg.Addr(), c.tlsConf, quicConfig())
	cancel()
	if err != nil {
		return &dialError{err: err}
	}
	c.mu.Lock()
	if ctx.Err() != nil {
		c.mu.Unlock()
		conn.CloseWithError(codeNoError, "cancelled")
		return ctx.Err()
	}
	c.conn = conn
	c.mu.Unlock()

	ctrl, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("open control stream: %w", err)
	}
	hello := wire.Hello{
		Version:  wire.ProtocolVersion,
		Role:     c.cfg.Role,
		Username: c.cfg.Username,
		Token:    c.cfg.AccessToken,
	}
	if err := wire.WriteControlMsg(ctrl, wire.MsgHello, wire.SerializeHello(hello)); err != nil {
		return fmt.Errorf("write hello: %w", err)
	}

	ctrlReader := bufio.NewReader(ctrl)
	msgType, payload, err := wire.ReadControlMsg(ctrlReader)
	if err != nil {
		return fmt.Errorf("read auth response: %w", err)
	}
	switch msgType {
	case wire.MsgAuthOK:
		ok, err := wire.ParseAuthOK(payload)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.sessionID = ok.SessionID
		c.mu.Unlock()
	case wire.MsgAuthError:
		rej, err := wire.ParseAuthError(payload)
		if err != nil {
			return err
		}
		conn.CloseWithError(codeAuthFailed, rej.Reason)
		return fmt.Errorf("%w: %w", ErrAuthRejected, rej)
	default:
		return fmt.Errorf("auth response 0x%x: %w", msgType, wire.ErrUnexpectedMsg)
	}

	c.setStatus(StatusConnected)
	c.log.Info("connected", "session", c.SessionID())
	go c.watchControl(ctrlReader)

	stream, err := conn.AcceptUniStream(ctx)
	if err != nil {
		return fmt.Errorf("accept frame stream: %w", err)
	}
	r := bufio.NewReaderSize(stream, 64<<10)
	for {
		f, err := wire.ReadFrame(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("frame stream ended: %w", err)
			}
			return err
		}
		c.queue.push(f)
	}
}

// watchControl logs control messages sent after authentication. It ends
// when the connection closes.
func (c *QUICConn) watchControl(r *bufio.Reader) {
	for {
		msgType, _, err := wire.ReadControlMsg(r)
		if err != nil {
			return
		}
		if msgType == wire.MsgGoAway {
			c.log.Info("sender going away")
		}
	}
}

// dialError marks failures before the QUIC handshake completed.
type dialError struct{ err error }

func (e *dialError) Error() string { return "dial: " + e.err.Error() }
func (e *dialError) Unwrap() error { return e.err }

// classify maps the error that ended a connection to a status.
func classify(err error) Status {
	if err == nil {
		return StatusDisconnected
	}
	if errors.Is(err, ErrAuthRejected) || isCertificateError(err) {
		return StatusFailedToAuthenticate
	}
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) {
		if appErr.Remote {
			switch appErr.ErrorCode {
			case codeAuthFailed:
				return StatusFailedToAuthenticate
			case codeProtocol:
				return StatusProtocolError
			}
		}
		return StatusDisconnected
	}
	var idle *quic.IdleTimeoutError
	if errors.As(err, &idle) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return StatusDisconnected
	}
	var pe *wire.ParseError
	if errors.As(err, &pe) || errors.Is(err, wire.ErrUnexpectedMsg) || errors.Is(err, wire.ErrFrameTooLarge) {
		return StatusProtocolError
	}
	var de *dialError
	if errors.As(err, &de) {
		return StatusFailedToConnect
	}
	return StatusDisconnected
}

func isCertificateError(err error) bool {
	var (
		unknownAuthority x509.UnknownAuthorityError
		invalid          x509.CertificateInvalidError
		hostname         x509.HostnameError
		verification     *tls.CertificateVerificationError
	)
	if errors.As(err, &unknownAuthority) || errors.As(err, &invalid) ||
		errors.As(err, &hostname) || errors.As(err, &verification) {
		return true
	}
	var te *quic.TransportError
	return errors.As(err, &te) && te.ErrorCode.IsCryptoError()
}
