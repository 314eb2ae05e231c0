// Package receiver runs the network side of a playback session: it polls
// the geometry and audio connections, reconnects them, and dispatches
// frames to the decode worker and the audio jitter buffer.
package receiver

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/frostbyte73/core"

	"github.com/zsiec/volcast/internal/decode"
	"github.com/zsiec/volcast/internal/perf"
	"github.com/zsiec/volcast/internal/transport"
	"github.com/zsiec/volcast/internal/wire"
)

// DefaultRetryDelay is the fixed wait between connection checks while the
// pair is not connected.
const DefaultRetryDelay = 200 * time.Millisecond

// AudioSink accepts audio packets. Timestamps are stream-relative seconds.
type AudioSink interface {
	Queue(timestamp float64, frameNum int64, header, pcm []byte) error
}

// Config configures a Loop.
type Config struct {
	Pair     *transport.Pair
	Registry *decode.Registry
	Audio    AudioSink // nil drops audio frames

	// Received gets one sample per frame taken off the geometry
	// connection. Decoded is handed to the resolved decode worker.
	Received *perf.Counter
	Decoded  *perf.Counter

	RetryDelay time.Duration

	// OnFailure is called once, from the loop goroutine, when the pair
	// fails to authenticate. The loop exits afterwards.
	OnFailure func(transport.Status)

	Log *slog.Logger
}

// Loop is the network receive loop of one session.
type Loop struct {
	cfg  Config
	base *slog.Logger
	log  *slog.Logger

	stop core.Fuse
	wg   sync.WaitGroup

	status    atomic.Int32
	malformed atomic.Int64
	dropped   atomic.Int64

	mu       sync.Mutex
	worker   *decode.Worker
	epoch    uint64
	epochSet bool
}

// Stats is a point-in-time view of the loop.
type Stats struct {
	Status    transport.Status    `json:"status"`
	Malformed int64               `json:"malformed"`
	Dropped   int64               `json:"dropped"`
	Worker    *decode.WorkerStats `json:"worker,omitempty"`
}

// New creates a stopped loop.
func New(cfg Config) (*Loop, error) {
	if cfg.Pair == nil {
		return nil, errors.New("receiver: connection pair is required")
	}
	if cfg.Registry == nil {
		cfg.Registry = decode.DefaultRegistry()
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Loop{
		cfg:  cfg,
		base: log,
		log:  log.With("component", "receiver"),
		stop: core.NewFuse(),
	}, nil
}

// Start launches the loop goroutine.
func (l *Loop) Start() {
	l.wg.Add(1)
	go l.run()
}

// Stop ends the loop, waits for it to exit and stops the decode worker.
// The connections are left to the caller.
func (l *Loop) Stop() {
	l.stop.Break()
	l.wg.Wait()

	l.mu.Lock()
	w := l.worker
	l.worker = nil
	l.mu.Unlock()
	if w != nil {
		w.Stop()
	}
}

// Status returns the pair status last seen by the loop.
func (l *Loop) Status() transport.Status { return transport.Status(l.status.Load()) }

// Worker returns the decode worker, or nil until the first geometry frame
// resolved a codec.
func (l *Loop) Worker() *decode.Worker {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.worker
}

// Restart forgets the stream epoch and clears decoded frames. The next
// geometry frame starts a new timeline.
func (l *Loop) Restart() {
	l.mu.Lock()
	l.epoch, l.epochSet = 0, false
	w := l.worker
	l.mu.Unlock()
	if w != nil {
		w.Reset()
	}
	l.log.Info("timeline restarted")
}

// Stats returns the loop counters.
func (l *Loop) Stats() Stats {
	s := Stats{
		Status:    l.Status(),
		Malformed: l.malformed.Load(),
		Dropped:   l.dropped.Load(),
	}
	if w := l.Worker(); w != nil {
		ws := w.Stats()
		s.Worker = &ws
	}
	return s
}

func (l *Loop) run() {
	defer l.wg.Done()
	pair := l.cfg.Pair
	l.log.Info("receive loop started")
	defer l.log.Info("receive loop stopped")

	for !l.stop.IsBroken() {
		status := pair.Status()
		if prev := transport.Status(l.status.Swap(int32(status))); prev != status {
			l.log.Info("status changed", "from", prev, "to", status)
		}

		switch {
		case status == transport.StatusFailedToAuthenticate:
			l.log.Error("authentication failed, check that the access token and server certificate match")
			if l.cfg.OnFailure != nil {
				l.cfg.OnFailure(status)
			}
			return
		case status.Retryable():
			for _, c := range pair.Conns() {
				if s := c.Status(); s.Retryable() {
					l.log.Warn("connection lost, reconnecting", "status", s)
					if err := c.Reconnect(); err != nil {
						l.log.Warn("reconnect failed", "error", err)
					}
				}
			}
			l.wait(l.cfg.RetryDelay)
			continue
		case status != transport.StatusConnected:
			l.wait(l.cfg.RetryDelay)
			continue
		}

		if !l.poll() {
			l.waitFrame()
		}
	}
}

// poll takes at most one frame from each connection. It reports whether
// any frame was handled.
func (l *Loop) poll() bool {
	pair := l.cfg.Pair
	handled := false
	for _, c := range pair.Conns() {
		f, ok := c.Frame()
		if !ok {
			continue
		}
		if c == pair.Geometry && l.cfg.Received != nil {
			l.cfg.Received.Add()
		}
		l.dispatch(f)
		c.Pop()
		handled = true
	}
	return handled
}

func (l *Loop) wait(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-l.stop.Watch():
	}
}

func (l *Loop) waitFrame() {
	t := time.NewTimer(l.cfg.RetryDelay)
	defer t.Stop()
	select {
	case <-l.cfg.Pair.Geometry.Notify():
	case <-l.cfg.Pair.Audio.Notify():
	case <-t.C:
	case <-l.stop.Watch():
	}
}

// relative converts a sender timestamp in microseconds to seconds since
// the epoch. With setEpoch, the first call defines the epoch. ok is false
// while no epoch is known.
func (l *Loop) relative(ts uint64, setEpoch bool) (float64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.epochSet {
		if !setEpoch {
			return 0, false
		}
		l.epoch, l.epochSet = ts, true
	}
	return float64(int64(ts)-int64(l.epoch)) * 1e-6, true
}

func (l *Loop) dispatch(f wire.Frame) {
	switch {
	case len(f.UserData) == 0 && f.TypeAndFlags == wire.FrameTypeGeometry:
		l.dispatchGeometry(f)
	case len(f.UserData) > 0 && f.TypeAndFlags == wire.FrameTypeAudio:
		l.dispatchAudio(f)
	default:
		l.dropped.Add(1)
		l.log.Warn("unknown frame type", "frame", f.Number, "type", f.TypeAndFlags, "user_data", len(f.UserData))
	}
}

func (l *Loop) dispatchGeometry(f wire.Frame) {
	h, err := wire.ParseHeader(f.Data)
	if err != nil || !h.Valid() {
		l.malformed.Add(1)
		l.log.Warn("unknown frame header or version", "frame", f.Number, "type", h.Type, "version", h.Version, "error", err)
		return
	}
	w, err := l.resolve(h.StreamType)
	if err != nil {
		l.dropped.Add(1)
		l.log.Warn("no decoder for stream", "frame", f.Number, "stream_type", h.StreamType, "error", err)
		return
	}
	if got := w.Codec().StreamType(); got != h.StreamType {
		l.dropped.Add(1)
		l.log.Warn("stream type changed mid-session", "frame", f.Number, "stream_type", h.StreamType, "decoder", got)
		return
	}
	ts, _ := l.relative(f.Timestamp, true)
	w.AddEntry(ts, int64(f.Number), f.Data)
}

func (l *Loop) resolve(tag wire.StreamType) (*decode.Worker, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.worker != nil {
		return l.worker, nil
	}
	w, err := l.cfg.Registry.Resolve(tag, l.cfg.Decoded, l.base)
	if err != nil {
		return nil, err
	}
	l.log.Info("decoder resolved", "stream_type", tag, "codec", w.Codec().Name())
	l.worker = w
	return w, nil
}

func (l *Loop) dispatchAudio(f wire.Frame) {
	ts, ok := l.relative(f.Timestamp, false)
	if !ok {
		l.dropped.Add(1)
		l.log.Debug("audio before first geometry frame", "frame", f.Number)
		return
	}
	if l.cfg.Audio == nil {
		l.log.Debug("audio frame without sink", "frame", f.Number)
		return
	}
	if err := l.cfg.Audio.Queue(ts, int64(f.Number), f.UserData, f.Data); err != nil {
		l.malformed.Add(1)
		l.log.Warn("audio packet rejected", "frame", f.Number, "error", err)
	}
}
