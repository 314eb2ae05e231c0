// Package player is the consumer-facing API of a playback session. It owns
// the connections, the receive loop, the audio jitter buffer and the
// synchronization controller, and is driven by two host callbacks: Tick on
// the render cadence and GeneratePCM on the audio device's pull.
package player

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/volcast/internal/audio"
	"github.com/zsiec/volcast/internal/decode"
	"github.com/zsiec/volcast/internal/perf"
	"github.com/zsiec/volcast/internal/receiver"
	"github.com/zsiec/volcast/internal/syncer"
	"github.com/zsiec/volcast/internal/transport"
	"github.com/zsiec/volcast/internal/wire"
)

// DefaultCounterWindow is the window of every instrumentation counter.
const DefaultCounterWindow = 2 * time.Second

const authFailureMessage = "authentication failure, check the access token and certificate"

var ErrAlreadyConnected = errors.New("player: already connected")

// Renderer receives delivered frames on the Tick goroutine. The frame is
// released after Upload returns, so Upload must copy what it keeps.
type Renderer interface {
	Upload(r *decode.Result)
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(r *decode.Result)

func (f RendererFunc) Upload(r *decode.Result) { f(r) }

// Config configures a Player.
type Config struct {
	Dial     transport.DialConfig
	DialFunc transport.DialFunc // nil dials QUIC
	Registry *decode.Registry   // nil uses decode.DefaultRegistry
	Renderer Renderer

	// IgnoreAudio delivers geometry as soon as it is decoded. Audio is
	// still buffered and played.
	IgnoreAudio bool

	// SkipStale delivers only the newest due frame per tick.
	SkipStale bool

	Warmup        time.Duration
	MaxBacklog    int
	RetryDelay    time.Duration
	CounterWindow time.Duration

	// OnConnected is called from Tick once the first geometry frame of a
	// session resolved a decoder.
	OnConnected func()

	// OnFailure is called from Tick once after a fatal connection error.
	OnFailure func(reason string)

	Log *slog.Logger
}

type session struct {
	pair *transport.Pair
	loop *receiver.Loop
}

// Player plays one stream at a time.
type Player struct {
	cfg Config
	log *slog.Logger

	received  *perf.Counter
	decoded   *perf.Counter
	missing   *perf.Counter
	lag       *perf.Counter
	behind    *perf.Counter
	discarded *perf.Counter

	audio *audio.JitterBuffer
	sync  *syncer.Controller

	sess     atomic.Pointer[session]
	paused   atomic.Bool
	uploaded atomic.Int64

	mu              sync.Mutex
	fatal           string
	failureReported bool
	connectReported bool
	lastUploaded    float64
}

// New creates a disconnected player.
func New(cfg Config) *Player {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	if cfg.Registry == nil {
		cfg.Registry = decode.DefaultRegistry()
	}
	window := cfg.CounterWindow
	if window <= 0 {
		window = DefaultCounterWindow
	}

	p := &Player{
		cfg:       cfg,
		log:       log.With("component", "player"),
		received:  perf.NewCounter("data receiving rate", window),
		decoded:   perf.NewCounter("data decoding rate", window),
		missing:   perf.NewCounter("audio frame missing", window),
		lag:       perf.NewCounter("video lagging after compensation", window),
		behind:    perf.NewCounter("video behind audio", window),
		discarded: perf.NewCounter("video discarded", window),
	}
	p.audio = audio.NewJitterBuffer(audio.Config{
		Warmup:          cfg.Warmup,
		Missing:         p.missing,
		OnDiscontinuity: p.onDiscontinuity,
		Log:             log,
	})
	p.sync = syncer.New(syncer.Config{
		MaxBacklog: cfg.MaxBacklog,
		Lag:        p.lag,
		Discarded:  p.discarded,
		SkipStale:  cfg.SkipStale,
		Log:        log,
	})
	return p
}

// Connect dials the geometry and audio connections and starts the receive
// loop. Connections are established in the background; progress is
// visible through Status.
func (p *Player) Connect(ctx context.Context) error {
	if p.sess.Load() != nil {
		return ErrAlreadyConnected
	}

	p.mu.Lock()
	p.fatal = ""
	p.failureReported = false
	p.connectReported = false
	p.mu.Unlock()
	p.audio.Reset()
	p.sync.Reset()
	p.paused.Store(false)

	dial := p.cfg.Dial
	if dial.Log == nil {
		dial.Log = p.cfg.Log
	}
	pair, err := transport.DialPair(ctx, dial, p.cfg.DialFunc)
	if err != nil {
		return fmt.Errorf("connect %s: %w", dial.Addr(), err)
	}
	loop, err := receiver.New(receiver.Config{
		Pair:       pair,
		Registry:   p.cfg.Registry,
		Audio:      p.audio,
		Received:   p.received,
		Decoded:    p.decoded,
		RetryDelay: p.cfg.RetryDelay,
		OnFailure:  p.onFailure,
		Log:        p.cfg.Log,
	})
	if err != nil {
		pair.Close()
		return err
	}

	if !p.sess.CompareAndSwap(nil, &session{pair: pair, loop: loop}) {
		pair.Close()
		return ErrAlreadyConnected
	}
	loop.Start()
	p.log.Info("connecting", "addr", dial.Addr(), "username", dial.Username)
	return nil
}

// Disconnect stops the session and releases every pending frame. It is a
// no-op when not connected.
func (p *Player) Disconnect() {
	s := p.sess.Swap(nil)
	if s == nil {
		return
	}
	s.loop.Stop()
	if err := s.pair.Close(); err != nil {
		p.log.Warn("closing connections", "error", err)
	}
	p.sync.Reset()
	p.audio.Reset()
	p.log.Info("disconnected")
}

// IsConnected reports whether a session is active.
func (p *Player) IsConnected() bool { return p.sess.Load() != nil }

// Pause stops delivering frames to the renderer.
func (p *Player) Pause() { p.paused.Store(true) }

// Resume restarts delivery.
func (p *Player) Resume() { p.paused.Store(false) }

func (p *Player) IsPaused() bool { return p.paused.Load() }

// Status returns the combined connection status.
func (p *Player) Status() transport.Status {
	s := p.sess.Load()
	if s == nil {
		return transport.StatusNotYetConnected
	}
	return s.pair.Status()
}

// IsStatusGood reports whether the session is connected or still
// connecting.
func (p *Player) IsStatusGood() bool {
	switch p.Status() {
	case transport.StatusNotYetConnected, transport.StatusConnected:
		return true
	}
	return false
}

// HasFatalError reports whether the session ended with an error that
// requires an explicit reconnect.
func (p *Player) HasFatalError() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fatal != ""
}

// FatalError returns the message of the fatal error, if any.
func (p *Player) FatalError() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fatal
}

// onFailure runs on the receive loop goroutine.
func (p *Player) onFailure(s transport.Status) {
	p.mu.Lock()
	p.fatal = authFailureMessage
	p.mu.Unlock()
	p.log.Error("session failed", "status", s)
}

// onDiscontinuity runs on the receive loop goroutine after the jitter
// buffer reset itself.
func (p *Player) onDiscontinuity() {
	p.log.Warn("audio discontinuity, restarting timeline")
	p.sync.Reset()
	if s := p.sess.Load(); s != nil {
		s.loop.Restart()
	}
}

// GeneratePCM fills dst for the audio device. See audio.JitterBuffer.
func (p *Player) GeneratePCM(dst []byte) int {
	return p.audio.GeneratePCM(dst)
}

// AudioFormat returns the stream's audio format once the first audio frame
// has been queued.
func (p *Player) AudioFormat() (wire.AudioFormat, bool) {
	return p.audio.Format()
}

// Tick advances playback by dt seconds. It pops the newest decoded frame
// and either uploads it at once (no audio) or queues it behind the audio
// clock and uploads every frame the clock has reached.
func (p *Player) Tick(dt float64) {
	p.fireCallbacks()

	s := p.sess.Load()
	if s == nil {
		return
	}
	w := s.loop.Worker()
	if w == nil {
		return
	}
	p.reportConnected()

	_, hasAudio := p.audio.Format()
	useAudio := hasAudio && !p.cfg.IgnoreAudio
	paused := p.paused.Load()
	audioFed := p.audio.LastFed()

	res := w.Pop()
	delivered := false
	if res.OK {
		if hasAudio {
			p.behind.AddFloat(p.audio.LastReceived() - res.Timestamp)
		}
		switch {
		case useAudio:
			p.audio.Sync(res.Timestamp)
			p.audio.Tick(dt)
			p.audio.SetBufferDelay(p.sync.RecommendedDelay())
			p.sync.Push(res)
		case !paused:
			p.upload(res)
			delivered = true
		default:
			res.Release()
		}
	} else if useAudio {
		p.audio.Tick(dt)
	}

	if !paused && useAudio && !delivered {
		for _, r := range p.sync.Due(audioFed) {
			p.upload(r)
		}
	}
}

func (p *Player) upload(r *decode.Result) {
	if p.cfg.Renderer != nil {
		p.cfg.Renderer.Upload(r)
	}
	r.Release()
	p.uploaded.Add(1)
	p.mu.Lock()
	p.lastUploaded = r.Timestamp
	p.mu.Unlock()
}

func (p *Player) fireCallbacks() {
	p.mu.Lock()
	fire := p.fatal != "" && !p.failureReported
	if fire {
		p.failureReported = true
	}
	reason := p.fatal
	p.mu.Unlock()
	if fire && p.cfg.OnFailure != nil {
		p.cfg.OnFailure(reason)
	}
}

func (p *Player) reportConnected() {
	p.mu.Lock()
	fire := !p.connectReported
	p.connectReported = true
	p.mu.Unlock()
	if fire {
		p.log.Info("stream started")
		if p.cfg.OnConnected != nil {
			p.cfg.OnConnected()
		}
	}
}

// Latest returns a copy of the most recently decoded frame without taking
// it, or a failed result when none is available. The caller must Release
// it.
func (p *Player) Latest() *decode.Result {
	s := p.sess.Load()
	if s == nil {
		return decode.Failed()
	}
	w := s.loop.Worker()
	if w == nil {
		return decode.Failed()
	}
	return w.Peek()
}
