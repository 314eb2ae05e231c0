package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/zsiec/volcast/internal/certs"
	"github.com/zsiec/volcast/internal/wire"
)

func startServer(t *testing.T, auth AuthFunc) (*Server, string) {
	t.Helper()
	cert, err := certs.Generate(time.Hour)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	dir := t.TempDir()
	certPath := filepath.Join(dir, "cert.pem")
	if err := cert.WritePEM(certPath, filepath.Join(dir, "key.pem")); err != nil {
		t.Fatalf("WritePEM: %v", err)
	}

	srv := NewServer(ServerConfig{Addr: "127.0.0.1:0", Cert: cert, Authenticate: auth})
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return srv, certPath
}

func dialConfig(srv *Server, certPath string) DialConfig {
	return DialConfig{
		Address:         "127.0.0.1",
		Port:            srv.Addr().(*net.UDPAddr).Port,
		Username:        "viewer",
		AccessToken:     "secret",
		CertificatePath: certPath,
		DialTimeout:     2 * time.Second,
	}
}

func waitStatus(t *testing.T, c Conn, want Status) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for c.Status() != want {
		select {
		case <-c.Notify():
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("status: got %s, want %s", c.Status(), want)
		}
	}
}

func TestQUICDeliversFrames(t *testing.T) {
	t.Parallel()
	srv, certPath := startServer(t, TokenAuth("secret"))

	conn, err := NewQUICConn(dialConfig(srv, certPath))
	if err != nil {
		t.Fatalf("NewQUICConn: %v", err)
	}
	defer conn.Close()
	if conn.Status() != StatusNotYetConnected {
		t.Errorf("initial status: got %s", conn.Status())
	}
	if err := conn.Reconnect(); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	waitStatus(t, conn, StatusConnected)
	if conn.SessionID() == "" {
		t.Error("expected a session id")
	}

	deadline := time.Now().Add(5 * time.Second)
	for srv.SessionCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("session never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	for i := range 3 {
		srv.Publish(wire.Frame{
			Number:    uint64(i),
			Timestamp: uint64(i) * 33,
			Data:      []byte(fmt.Sprintf("frame-%d", i)),
		})
	}

	for i := range 3 {
		var f wire.Frame
		for {
			var ok bool
			if f, ok = conn.Frame(); ok {
				break
			}
			select {
			case <-conn.Notify():
			case <-time.After(5 * time.Second):
				t.Fatalf("frame %d not received", i)
			}
		}
		conn.Pop()
		if f.Number != uint64(i) {
			t.Errorf("frame number: got %d, want %d", f.Number, i)
		}
		if want := []byte(fmt.Sprintf("frame-%d", i)); !bytes.Equal(f.Data, want) {
			t.Errorf("frame data: got %q, want %q", f.Data, want)
		}
	}

	stats := srv.Sessions()
	if len(stats) != 1 || stats[0].Username != "viewer" {
		t.Errorf("sessions: got %+v", stats)
	}
}

func TestQUICRejectsBadToken(t *testing.T) {
	t.Parallel()
	srv, certPath := startServer(t, TokenAuth("secret"))

	cfg := dialConfig(srv, certPath)
	cfg.AccessToken = "wrong"
	conn, err := DialQUIC(context.Background(), cfg)
	if err != nil {
		t.Fatalf("DialQUIC: %v", err)
	}
	defer conn.Close()

	waitStatus(t, conn, StatusFailedToAuthenticate)
	if !errors.Is(conn.(*QUICConn).Err(), ErrAuthRejected) {
		t.Errorf("Err: got %v, want ErrAuthRejected", conn.(*QUICConn).Err())
	}
	if srv.SessionCount() != 0 {
		t.Errorf("sessions: got %d, want 0", srv.SessionCount())
	}
}

func TestQUICUntrustedCertificate(t *testing.T) {
	t.Parallel()
	srv, _ := startServer(t, nil)

	cfg := dialConfig(srv, "")
	conn, err := DialQUIC(context.Background(), cfg)
	if err != nil {
		t.Fatalf("DialQUIC: %v", err)
	}
	defer conn.Close()
	waitStatus(t, conn, StatusFailedToAuthenticate)
}

func TestQUICNothingListening(t *testing.T) {
	t.Parallel()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := pc.LocalAddr().(*net.UDPAddr).Port
	pc.Close()

	conn, err := DialQUIC(context.Background(), DialConfig{
		Address:     "127.0.0.1",
		Port:        port,
		DialTimeout: 300 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("DialQUIC: %v", err)
	}
	defer conn.Close()
	waitStatus(t, conn, StatusFailedToConnect)
	if !conn.Status().Retryable() {
		t.Error("FailedToConnect should be retryable")
	}
}

func TestQUICClose(t *testing.T) {
	t.Parallel()
	conn, err := NewQUICConn(DialConfig{Address: "127.0.0.1", Port: 9})
	if err != nil {
		t.Fatalf("NewQUICConn: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if conn.Status() != StatusHandleInvalid {
		t.Errorf("status after close: got %s", conn.Status())
	}
	if err := conn.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := conn.Reconnect(); !errors.Is(err, ErrClosed) {
		t.Errorf("Reconnect after close: got %v, want ErrClosed", err)
	}
}

func TestNewQUICConnInvalid(t *testing.T) {
	t.Parallel()
	if _, err := NewQUICConn(DialConfig{Port: 9000}); err == nil {
		t.Error("expected error for empty address")
	}
	if _, err := NewQUICConn(DialConfig{Address: "localhost"}); err == nil {
		t.Error("expected error for zero port")
	}
	if _, err := NewQUICConn(DialConfig{Address: "localhost", Port: 9000, CertificatePath: "/nonexistent.pem"}); err == nil {
		t.Error("expected error for missing certificate")
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want Status
	}{
		{"nil", nil, StatusDisconnected},
		{"auth rejected", fmt.Errorf("%w: %w", ErrAuthRejected, wire.AuthError{Code: 1, Reason: "no"}), StatusFailedToAuthenticate},
		{"remote auth close", &quic.ApplicationError{Remote: true, ErrorCode: codeAuthFailed}, StatusFailedToAuthenticate},
		{"remote protocol close", &quic.ApplicationError{Remote: true, ErrorCode: codeProtocol}, StatusProtocolError},
		{"remote going away", &quic.ApplicationError{Remote: true, ErrorCode: codeGoingAway}, StatusDisconnected},
		{"parse error", &wire.ParseError{Field: "frame", Err: wire.ErrShortBuffer}, StatusProtocolError},
		{"unexpected message", fmt.Errorf("x: %w", wire.ErrUnexpectedMsg), StatusProtocolError},
		{"dial", &dialError{err: context.DeadlineExceeded}, StatusFailedToConnect},
		{"idle timeout", &quic.IdleTimeoutError{}, StatusDisconnected},
		{"stream reset mid-frame", &wire.ParseError{Field: "data", Err: &quic.ApplicationError{Remote: true, ErrorCode: codeGoingAway}}, StatusDisconnected},
		{"truncated frame", &wire.ParseError{Field: "data", Err: io.ErrUnexpectedEOF}, StatusDisconnected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.err); got != tt.want {
				t.Errorf("classify(%v): got %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}
