// Package api serves the local HTTP control and inspection endpoints of
// the play and serve commands.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zsiec/volcast/internal/certs"
	"github.com/zsiec/volcast/internal/player"
	"github.com/zsiec/volcast/internal/transport"
)

// Controller is the player surface exposed over HTTP.
type Controller interface {
	Snapshot() player.Stats
	Pause()
	Resume()
	IsPaused() bool
}

// ServerConfig holds the sources behind each route. Nil sources leave
// their routes unregistered.
type ServerConfig struct {
	Addr     string
	Player   Controller
	Senders  map[string]transport.Publisher // keyed by track name
	Gatherer prometheus.Gatherer
	Cert     *certs.CertInfo
	Log      *slog.Logger
}

// Server is the HTTP API.
type Server struct {
	config ServerConfig
	log    *slog.Logger
	ln     net.Listener
}

// NewServer creates a Server from config.
func NewServer(config ServerConfig) *Server {
	log := config.Log
	if log == nil {
		log = slog.Default()
	}
	return &Server{config: config, log: log.With("component", "api")}
}

func (s *Server) registerAPIRoutes(mux *http.ServeMux) {
	if s.config.Player != nil {
		mux.HandleFunc("GET /api/status", s.handleStatus)
		mux.HandleFunc("POST /api/pause", s.handlePause)
		mux.HandleFunc("POST /api/resume", s.handleResume)
	}
	if len(s.config.Senders) > 0 {
		mux.HandleFunc("GET /api/sessions", s.handleSessions)
	}
	if s.config.Cert != nil {
		mux.HandleFunc("GET /api/cert-hash", s.handleCertHash)
	}
	if s.config.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.config.Gatherer, promhttp.HandlerOpts{}))
	}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerAPIRoutes(mux)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// Listen binds the configured address. Start calls it when needed.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.log.Info("API server listening", "addr", s.ln.Addr().String())

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	defer stop()

	err := srv.Serve(s.ln)
	if errors.Is(err, http.ErrServerClosed) || ctx.Err() != nil {
		return nil
	}
	return err
}

type pauseResponse struct {
	Paused bool `json:"paused"`
}

type trackSessions struct {
	Track    string                   `json:"track"`
	Sessions []transport.SessionStats `json:"sessions"`
}

type certHashResponse struct {
	Hash string `json:"hash"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.config.Player.Snapshot())
}

func (s *Server) handlePause(w http.ResponseWriter, _ *http.Request) {
	s.config.Player.Pause()
	s.log.Info("playback paused")
	writeJSON(w, http.StatusOK, pauseResponse{Paused: s.config.Player.IsPaused()})
}

func (s *Server) handleResume(w http.ResponseWriter, _ *http.Request) {
	s.config.Player.Resume()
	s.log.Info("playback resumed")
	writeJSON(w, http.StatusOK, pauseResponse{Paused: s.config.Player.IsPaused()})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	track := r.URL.Query().Get("track")
	if track != "" {
		pub, ok := s.config.Senders[track]
		if !ok {
			writeError(w, http.StatusNotFound, "unknown track")
			return
		}
		writeJSON(w, http.StatusOK, []trackSessions{{Track: track, Sessions: nonNil(pub.Sessions())}})
		return
	}

	resp := make([]trackSessions, 0, len(s.config.Senders))
	for name, pub := range s.config.Senders {
		resp = append(resp, trackSessions{Track: name, Sessions: nonNil(pub.Sessions())})
	}
	sort.Slice(resp, func(i, j int) bool { return resp[i].Track < resp[j].Track })
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCertHash(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, certHashResponse{Hash: s.config.Cert.FingerprintBase64()})
}

func nonNil(ss []transport.SessionStats) []transport.SessionStats {
	if ss == nil {
		return make([]transport.SessionStats, 0)
	}
	return ss
}
