// Package syncer aligns decoded geometry frames with the audio-fed clock.
package syncer

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gammazero/deque"

	"github.com/zsiec/volcast/internal/decode"
	"github.com/zsiec/volcast/internal/perf"
)

// DefaultMaxBacklog bounds the backlog when audio stalls. At 30 fps it
// holds four seconds of geometry.
const DefaultMaxBacklog = 120

// DefaultLagWindow is the window of the lag counter feeding
// RecommendedDelay.
const DefaultLagWindow = 2 * time.Second

// Config configures a Controller.
type Config struct {
	MaxBacklog int
	Lag        *perf.Counter // nil creates one with DefaultLagWindow
	Discarded  *perf.Counter // nil creates one with DefaultLagWindow

	// SkipStale makes Due deliver only the newest due frame. Older due
	// frames are released and counted as discarded.
	SkipStale bool

	Log *slog.Logger
}

// Controller holds decoded frames in arrival order until the audio clock
// reaches them. Frames are owned by the controller while queued; Next and
// Due transfer ownership to the caller.
type Controller struct {
	log        *slog.Logger
	maxBacklog int
	skipStale  bool
	lag        *perf.Counter
	discarded  *perf.Counter

	mu      sync.Mutex
	backlog deque.Deque[*decode.Result]
}

// New creates an empty controller.
func New(cfg Config) *Controller {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxBacklog <= 0 {
		cfg.MaxBacklog = DefaultMaxBacklog
	}
	if cfg.Lag == nil {
		cfg.Lag = perf.NewCounter("video lag", DefaultLagWindow)
	}
	if cfg.Discarded == nil {
		cfg.Discarded = perf.NewCounter("video discarded", DefaultLagWindow)
	}
	return &Controller{
		log:        log.With("component", "syncer"),
		maxBacklog: cfg.MaxBacklog,
		skipStale:  cfg.SkipStale,
		lag:        cfg.Lag,
		discarded:  cfg.Discarded,
	}
}

// Push appends a decoded frame to the backlog. When the backlog is full
// the oldest frame is released and counted as discarded.
func (c *Controller) Push(r *decode.Result) {
	if r == nil || !r.OK {
		return
	}
	c.mu.Lock()
	c.backlog.PushBack(r)
	var dropped []*decode.Result
	for c.backlog.Len() > c.maxBacklog {
		dropped = append(dropped, c.backlog.PopFront())
	}
	c.mu.Unlock()

	for _, d := range dropped {
		c.discarded.Add()
		c.log.Debug("backlog full, dropping oldest frame", "frame", d.FrameIndex, "ts", d.Timestamp)
		d.Release()
	}
}

// Next returns the head frame when the audio clock has reached it
// (audioFed - ts >= 0). The difference is recorded as a lag sample either
// way; a frame still ahead of audio stays queued and nil is returned.
func (c *Controller) Next(audioFed float64) *decode.Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.backlog.Len() == 0 {
		return nil
	}
	head := c.backlog.Front()
	diff := audioFed - head.Timestamp
	c.lag.AddFloat(diff)
	if diff < 0 {
		return nil
	}
	return c.backlog.PopFront()
}

// Due pops every head frame the audio clock has reached, oldest first,
// and stops at the first frame still ahead of audio. With SkipStale only
// the newest due frame is returned and its lag recorded; otherwise every
// compared frame records a lag sample.
func (c *Controller) Due(audioFed float64) []*decode.Result {
	c.mu.Lock()
	var due, stale []*decode.Result
	for c.backlog.Len() > 0 {
		diff := audioFed - c.backlog.Front().Timestamp
		if diff < 0 {
			if !c.skipStale || len(due) == 0 {
				c.lag.AddFloat(diff)
			}
			break
		}
		if c.skipStale && len(due) > 0 {
			stale = append(stale, due[0])
			due = due[:0]
		}
		if !c.skipStale {
			c.lag.AddFloat(diff)
		}
		due = append(due, c.backlog.PopFront())
	}
	if c.skipStale && len(due) > 0 {
		c.lag.AddFloat(audioFed - due[0].Timestamp)
	}
	c.mu.Unlock()

	for _, r := range stale {
		c.discarded.Add()
		c.log.Debug("newer frame due, discarding", "frame", r.FrameIndex, "ts", r.Timestamp, "audio", audioFed)
		r.Release()
	}
	return due
}

// RecommendedDelay returns the average recorded lag in seconds, or a
// negative value when no lag has been recorded in the window.
func (c *Controller) RecommendedDelay() float64 {
	return c.lag.AverageFloatOnCount()
}

// Len returns the backlog depth.
func (c *Controller) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backlog.Len()
}

// Lag returns the lag counter.
func (c *Controller) Lag() *perf.Counter { return c.lag }

// Discarded returns the discard counter.
func (c *Controller) Discarded() *perf.Counter { return c.discarded }

// Reset releases every queued frame.
func (c *Controller) Reset() {
	c.mu.Lock()
	pending := make([]*decode.Result, 0, c.backlog.Len())
	for c.backlog.Len() > 0 {
		pending = append(pending, c.backlog.PopFront())
	}
	c.mu.Unlock()

	for _, r := range pending {
		r.Release()
	}
	c.lag.Reset()
}
