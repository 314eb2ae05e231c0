package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/volcast/internal/wire"
)

// SRTServer publishes frames over SRT to every authenticated receiver of
// one channel. It mirrors Server: authentication happens in band, each
// session has a bounded queue, and lagging sessions drop frames.
type SRTServer struct {
	cfg ServerConfig
	log *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*srtSession
}

var _ Publisher = (*SRTServer)(nil)

type srtSession struct {
	id       string
	username string
	remote   net.Addr
	frames   chan wire.Frame
	sent     atomic.Int64
	dropped  atomic.Int64
	started  time.Time
}

// NewSRTServer creates an SRT server. ServerConfig.Cert is unused.
func NewSRTServer(cfg ServerConfig) *SRTServer {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	return &SRTServer{
		cfg:      cfg,
		log:      log.With("component", "srt-server", "addr", cfg.Addr),
		sessions: make(map[string]*srtSession),
	}
}

// Start accepts receivers until ctx is cancelled.
func (s *SRTServer) Start(ctx context.Context) error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs

	l, err := srtgo.Listen(s.cfg.Addr, cfg)
	if err != nil {
		return fmt.Errorf("SRT listen on %s: %w", s.cfg.Addr, err)
	}
	s.log.Info("listening")

	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if _, err := ParseStreamID(req.StreamID); err != nil {
			return srtgo.RejPeer
		}
		return 0
	})

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("accept error", "error", err)
			continue
		}
		go s.handleConnection(ctx, conn)
	}
}

func (s *SRTServer) handleConnection(ctx context.Context, conn *srtgo.Conn) {
	defer conn.Close()
	log := s.log.With("remote", conn.RemoteAddr())

	hello, err := ParseStreamID(conn.StreamID())
	if err != nil {
		log.Warn("bad stream id", "error", err)
		return
	}
	if err := s.authenticate(hello); err != nil {
		log.Warn("authentication rejected", "username", hello.Username, "error", err)
		rej := wire.SerializeAuthError(wire.AuthError{Code: wire.AuthErrInvalidToken, Reason: err.Error()})
		wire.WriteControlMsg(conn, wire.MsgAuthError, rej)
		// Leave time for the rejection to be delivered before closing.
		time.Sleep(srtLatencyNs * 2)
		return
	}

	sess := &srtSession{
		id:       uuid.NewString(),
		username: hello.Username,
		remote:   conn.RemoteAddr(),
		frames:   make(chan wire.Frame, s.cfg.QueueSize),
		started:  time.Now(),
	}
	if err := wire.WriteControlMsg(conn, wire.MsgAuthOK, wire.SerializeAuthOK(wire.AuthOK{SessionID: sess.id})); err != nil {
		log.Debug("write auth ok", "error", err)
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

	for {
		select {
		case f := <-sess.frames:
			for _, msg := range wire.SplitFrame(f) {
				if _, err := conn.Write(msg); err != nil {
					log.Debug("write chunk", "session", sess.id, "error", err)
					return
				}
			}
			sess.sent.Add(1)
		case <-ctx.Done():
			return
		}
	}
}

func (s *SRTServer) authenticate(h wire.Hello) error {
	if h.Version != wire.ProtocolVersion {
		return fmt.Errorf("unsupported version %d", h.Version)
	}
	if s.cfg.Authenticate == nil {
		return nil
	}
	return s.cfg.Authenticate(h)
}

// Publish queues f for every session, dropping it for sessions whose
// queue is full.
func (s *SRTServer) Publish(f wire.Frame) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		select {
		case sess.frames <- f:
		default:
			sess.dropped.Add(1)
		}
	}
}

// SessionCount returns the number of connected receivers.
func (s *SRTServer) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Sessions returns per-session delivery stats.
func (s *SRTServer) Sessions() []SessionStats {
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
