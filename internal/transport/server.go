package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"

	"github.com/zsiec/volcast/internal/certs"
	"github.com/zsiec/volcast/internal/wire"
)

// AuthFunc decides whether a receiver may subscribe. A non-nil error
// rejects the session; its message is sent to the receiver.
type AuthFunc func(h wire.Hello) error

// TokenAuth accepts receivers presenting the given access token.
func TokenAuth(token string) AuthFunc {
	return func(h wire.Hello) error {
		if h.Token != token {
			return errors.New("invalid access token")
		}
		return nil
	}
}

// Publisher is the sending side of one channel.
type Publisher interface {
	Start(ctx context.Context) error
	Publish(f wire.Frame)
	SessionCount() int
	Sessions() []SessionStats
}

var _ Publisher = (*Server)(nil)

// ServerConfig configures the sending side of a channel.
type ServerConfig struct {
	Addr         string
	Cert         *certs.CertInfo
	Authenticate AuthFunc // nil accepts every receiver
	QueueSize    int      // per-session frame queue; 0 uses DefaultQueueSize
	Log          *slog.Logger
}

// Server publishes frames to every authenticated receiver of one channel.
// Each session has a bounded queue drained by its own writer goroutine;
// frames for a session that falls behind are dropped.
type Server struct {
	cfg ServerConfig
	log *slog.Logger

	mu       sync.RWMutex
	ln       *quic.Listener
	sessions map[string]*session
}

type session struct {
	id       string
	username string
	remote   net.Addr
	conn     quic.Connection
	frames   chan wire.Frame
	sent     atomic.Int64
	dropped  atomic.Int64
	streak   atomic.Int64 // consecutive drops
	started  time.Time
}

// slowConsumerFactor times the queue size is the number of consecutive
// drops after which a session is disconnected.
const slowConsumerFactor = 4

// SessionStats describes one connected receiver.
type SessionStats struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Remote   string `json:"remote"`
	Sent     int64  `json:"sent"`
	Dropped  int64  `json:"dropped"`
	UptimeMs int64  `json:"uptimeMs"`
}

// NewServer creates a server. If cfg.Log is nil, slog.Default() is used.
func NewServer(cfg ServerConfig) *Server {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	return &Server{
		cfg:      cfg,
		log:      log.With("component", "quic-server", "addr", cfg.Addr),
		sessions: make(map[string]*session),
	}
}

// Listen binds the UDP socket. It must be called before Serve.
func (s *Server) Listen() error {
	if s.cfg.Cert == nil {
		return errors.New("transport: server certificate is required")
	}
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{s.cfg.Cert.TLSCert},
		NextProtos:   []string{ALPN},
		MinVersion:   tls.VersionTLS13,
	}
	ln, err := quic.ListenAddr(s.cfg.Addr, tlsConf, quicConfig())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.log.Info("listening", "addr", ln.Addr())
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Start listens and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve accepts receivers until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.RLock()
	ln := s.ln
	s.mu.RUnlock()
	if ln == nil {
		return errors.New("transport: Serve called before Listen")
	}

	stop := context.AfterFunc(ctx, func() {
		ln.Close()
	})
	defer stop()

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn quic.Connection) {
	log := s.log.With("remote", conn.RemoteAddr())

	hsCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	ctrl, err := conn.AcceptStream(hsCtx)
	cancel()
	if err != nil {
		log.Debug("no control stream", "error", err)
		conn.CloseWithError(codeProtocol, "control stream required")
		return
	}

	msgType, payload, err := wire.ReadControlMsg(bufio.NewReader(ctrl))
	if err != nil || msgType != wire.MsgHello {
		log.Warn("bad hello", "type", msgType, "error", err)
		conn.CloseWithError(codeProtocol, "expected hello")
		return
	}
	hello, err := wire.ParseHello(payload)
	if err != nil {
		log.Warn("bad hello", "error", err)
		conn.CloseWithError(codeProtocol, "malformed hello")
		return
	}

	if hello.Version != wire.ProtocolVersion {
		s.reject(conn, ctrl, wire.AuthErrVersion, fmt.Sprintf("unsupported version %d", hello.Version))
		return
	}
	if s.cfg.Authenticate != nil {
		if err := s.cfg.Authenticate(hello); err != nil {
			log.Warn("authentication rejected", "username", hello.Username, "error", err)
			s.reject(conn, ctrl, wire.AuthErrInvalidToken, err.Error())
			return
		}
	}

	sess := &session{
		id:       uuid.NewString(),
		username: hello.Username,
		remote:   conn.RemoteAddr(),
		conn:     conn,
		frames:   make(chan wire.Frame, s.cfg.QueueSize),
		started:  time.Now(),
	}
	if err := wire.WriteControlMsg(ctrl, wire.MsgAuthOK, wire.SerializeAuthOK(wire.AuthOK{SessionID: sess.id})); err != nil {
		log.Debug("write auth ok", "error", err)
		conn.CloseWithError(codeProtocol, "handshake failed")
		return
	}

	stream, err := conn.OpenUniStreamSync(ctx)
	if err != nil {
		log.Debug("open frame stream", "error", err)
		conn.CloseWithError(codeProtocol, "frame stream failed")
		return
	}

	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	log.Info("session started", "session", sess.id, "username", hello.Username, "role", roleName(hello.Role))

	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess.id)
		s.mu.Unlock()
		log.Info("session ended", "session", sess.id,
			"sent", sess.sent.Load(), "dropped", sess.dropped.Load())
	}()

	done := conn.Context().Done()
	for {
		select {
		case f := <-sess.frames:
			if err := wire.WriteFrame(stream, f); err != nil {
				log.Debug("write frame", "session", sess.id, "error", err)
				conn.CloseWithError(codeGoingAway, "write failed")
				return
			}
			sess.sent.Add(1)
		case <-done:
			return
		case <-ctx.Done():
			wire.WriteControlMsg(ctrl, wire.MsgGoAway, nil)
			conn.CloseWithError(codeGoingAway, "server shutting down")
			return
		}
	}
}

func (s *Server) reject(conn quic.Connection, ctrl quic.Stream, code uint64, reason string) {
	wire.WriteControlMsg(ctrl, wire.MsgAuthError, wire.SerializeAuthError(wire.AuthError{Code: code, Reason: reason}))
	ctrl.Close()
	// Give the receiver a chance to read the rejection before the close.
	select {
	case <-conn.Context().Done():
	case <-time.After(time.Second):
	}
	conn.CloseWithError(codeAuthFailed, reason)
}

// Publish queues f for every session. Sessions whose queue is full drop
// the frame; a session that keeps dropping is disconnected.
func (s *Server) Publish(f wire.Frame) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		select {
		case sess.frames <- f:
			sess.streak.Store(0)
		default:
			sess.dropped.Add(1)
			if sess.streak.Add(1) == int64(slowConsumerFactor*s.cfg.QueueSize) {
				s.log.Warn("disconnecting slow receiver", "session", sess.id, "dropped", sess.dropped.Load())
				go sess.conn.CloseWithError(codeSlowConsumer, "receiver too slow")
			}
		}
	}
}

// SessionCount returns the number of connected receivers.
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Sessions returns per-session delivery stats.
func (s *Server) Sessions() []SessionStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SessionStats, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, SessionStats{
			ID:       sess.id,
			Username: sess.username,
			Remote:   sess.remote.String(),
			Sent:     sess.sent.Load(),
			Dropped:  sess.dropped.Load(),
			UptimeMs: time.Since(sess.started).Milliseconds(),
		})
	}
	return out
}
