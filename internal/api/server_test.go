package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/zsiec/volcast/internal/certs"
	"github.com/zsiec/volcast/internal/player"
	"github.com/zsiec/volcast/internal/transport"
	"github.com/zsiec/volcast/internal/wire"
)

type fakePlayer struct {
	paused atomic.Bool
}

func (f *fakePlayer) Snapshot() player.Stats {
	return player.Stats{
		Connected:   true,
		Status:      transport.StatusConnected,
		Paused:      f.paused.Load(),
		ReceiveRate: 30,
		LatestFrame: 42,
	}
}
func (f *fakePlayer) Pause()         { f.paused.Store(true) }
func (f *fakePlayer) Resume()        { f.paused.Store(false) }
func (f *fakePlayer) IsPaused() bool { return f.paused.Load() }

type fakePublisher []transport.SessionStats

func (f fakePublisher) Start(context.Context) error        { return nil }
func (f fakePublisher) Publish(wire.Frame)                 {}
func (f fakePublisher) SessionCount() int                  { return len(f) }
func (f fakePublisher) Sessions() []transport.SessionStats { return f }

func serve(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatus(t *testing.T) {
	t.Parallel()
	h := NewServer(ServerConfig{Player: &fakePlayer{}}).Handler()

	rec := serve(t, h, "GET", "/api/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "Connected" {
		t.Errorf("status field = %v, want Connected", body["status"])
	}
	if body["latestFrame"] != float64(42) {
		t.Errorf("latestFrame = %v, want 42", body["latestFrame"])
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("CORS header = %q", got)
	}
}

func TestPauseResume(t *testing.T) {
	t.Parallel()
	p := &fakePlayer{}
	h := NewServer(ServerConfig{Player: p}).Handler()

	rec := serve(t, h, "POST", "/api/pause")
	if rec.Code != http.StatusOK || !p.IsPaused() {
		t.Fatalf("pause: code %d paused %v", rec.Code, p.IsPaused())
	}
	if !strings.Contains(rec.Body.String(), `"paused":true`) {
		t.Errorf("body = %s", rec.Body.String())
	}

	rec = serve(t, h, "POST", "/api/resume")
	if rec.Code != http.StatusOK || p.IsPaused() {
		t.Fatalf("resume: code %d paused %v", rec.Code, p.IsPaused())
	}

	if rec := serve(t, h, "GET", "/api/pause"); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /api/pause = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}

func TestSessions(t *testing.T) {
	t.Parallel()
	h := NewServer(ServerConfig{Senders: map[string]transport.Publisher{
		"geometry": fakePublisher{{ID: "a", Username: "viewer", Sent: 10}},
		"audio":    fakePublisher(nil),
	}}).Handler()

	rec := serve(t, h, "GET", "/api/sessions")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var all []trackSessions
	if err := json.NewDecoder(rec.Body).Decode(&all); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(all) != 2 || all[0].Track != "audio" || all[1].Track != "geometry" {
		t.Fatalf("tracks = %+v", all)
	}
	if all[0].Sessions == nil || len(all[1].Sessions) != 1 || all[1].Sessions[0].Sent != 10 {
		t.Errorf("sessions = %+v", all)
	}

	if rec := serve(t, h, "GET", "/api/sessions?track=video"); rec.Code != http.StatusNotFound {
		t.Errorf("unknown track = %d, want 404", rec.Code)
	}
}

func TestUnconfiguredRoutes(t *testing.T) {
	t.Parallel()
	h := NewServer(ServerConfig{}).Handler()
	for _, path := range []string{"/api/status", "/api/sessions", "/api/cert-hash", "/metrics"} {
		if rec := serve(t, h, "GET", path); rec.Code != http.StatusNotFound {
			t.Errorf("%s = %d, want 404", path, rec.Code)
		}
	}
}

func TestMetricsAndCertHash(t *testing.T) {
	t.Parallel()
	cert, err := certs.Generate(24 * time.Hour)
	if err != nil {
		t.Fatalf("certs.Generate: %v", err)
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: "volcast_test_value"}, func() float64 { return 7 }))
	h := NewServer(ServerConfig{Gatherer: reg, Cert: cert}).Handler()

	rec := serve(t, h, "GET", "/metrics")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "volcast_test_value 7") {
		t.Fatalf("metrics: %d %s", rec.Code, rec.Body.String())
	}

	rec = serve(t, h, "GET", "/api/cert-hash")
	var resp certHashResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Hash != cert.FingerprintBase64() {
		t.Errorf("hash = %q, want %q", resp.Hash, cert.FingerprintBase64())
	}
}

func TestStartAndShutdown(t *testing.T) {
	t.Parallel()
	srv := NewServer(ServerConfig{Addr: "127.0.0.1:0", Player: &fakePlayer{}})
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	resp, err := http.Get("http://" + srv.Addr().String() + "/api/status")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}
