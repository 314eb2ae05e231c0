package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/volcast/internal/wire"
)

var (
	ErrClosed       = errors.New("transport: connection closed")
	ErrAuthRejected = errors.New("transport: authentication rejected")
)

// Conn is one receiving connection. Frames are consumed by peeking at the
// head with Frame and discarding it with Pop. Notify is signalled whenever
// a frame is queued or the status changes.
type Conn interface {
	Status() Status
	Frame() (wire.Frame, bool)
	Pop()
	Notify() <-chan struct{}
	Reconnect() error
	Close() error
}

// Pair is the geometry and audio connection of one session.
type Pair struct {
	Geometry Conn
	Audio    Conn
}

// Conns returns both connections, geometry first.
func (p *Pair) Conns() [2]Conn {
	return [2]Conn{p.Geometry, p.Audio}
}

// Status returns Connected only when both connections are. An
// authentication failure on either connection takes precedence; otherwise
// the status of the first connection that is not connected is returned.
func (p *Pair) Status() Status {
	combined := StatusConnected
	for _, c := range p.Conns() {
		s := c.Status()
		if s == StatusFailedToAuthenticate {
			return s
		}
		if s != StatusConnected && combined == StatusConnected {
			combined = s
		}
	}
	return combined
}

// Close closes both connections.
func (p *Pair) Close() error {
	return errors.Join(p.Geometry.Close(), p.Audio.Close())
}

// DialFunc opens one receiving connection.
type DialFunc func(ctx context.Context, cfg DialConfig) (Conn, error)

// DialConfig describes one receiving connection.
type DialConfig struct {
	Address         string
	Port            int
	ServerName      string // TLS server name; defaults to Address
	Username        string
	AccessToken     string
	CertificatePath string // PEM roots; empty uses the system pool
	Role            byte
	QueueSize       int
	DialTimeout     time.Duration
	Log             *slog.Logger
}

// Addr returns the host:port the connection dials.
func (c DialConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Address, c.Port)
}

// DialPair opens the geometry connection on cfg.Port and the audio
// connection on cfg.Port+1 concurrently. Connections are established in
// the background; DialPair only fails on configuration errors.
func DialPair(ctx context.Context, cfg DialConfig, dial DialFunc) (*Pair, error) {
	if dial == nil {
		dial = DialQUIC
	}
	var geometry, audio Conn
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c := cfg
		c.Role = wire.RoleGeometry
		conn, err := dial(gctx, c)
		if err != nil {
			return fmt.Errorf("geometry connection: %w", err)
		}
		geometry = conn
		return nil
	})
	g.Go(func() error {
		c := cfg
		c.Port = cfg.Port + 1
		c.Role = wire.RoleAudio
		conn, err := dial(gctx, c)
		if err != nil {
			return fmt.Errorf("audio connection: %w", err)
		}
		audio = conn
		return nil
	})
	if err := g.Wait(); err != nil {
		for _, c := range []Conn{geometry, audio} {
			if c != nil {
				c.Close()
			}
		}
		return nil, err
	}
	return &Pair{Geometry: geometry, Audio: audio}, nil
}
