// Package audio implements the receive-side audio jitter buffer. It hides
// packet gaps from the audio device by interpolating missing segments and
// exposes the "audio-fed" clock: the stream timestamp of the PCM most
// recently handed to the device.
package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gammazero/deque"

	"github.com/zsiec/volcast/internal/perf"
	"github.com/zsiec/volcast/internal/wire"
)

// DiscontinuityGap is the sequence gap at or beyond which the buffer is
// reset instead of interpolated.
const DiscontinuityGap = 10

// DefaultWarmup is the amount of audio accumulated before playback starts.
const DefaultWarmup = 300 * time.Millisecond

var (
	ErrFormatChanged = errors.New("audio: stream format changed")
	ErrBadPCM        = errors.New("audio: empty or misaligned PCM")
)

// Config configures a JitterBuffer.
type Config struct {
	// Warmup is the minimum amount of audio buffered before the buffer
	// reports ready. Zero selects DefaultWarmup.
	Warmup time.Duration

	// Missing receives the number of frames skipped by each gap.
	Missing *perf.Counter

	// OnDiscontinuity is called after a large sequence gap reset the
	// buffer. It runs on the caller's goroutine, outside the buffer's lock.
	OnDiscontinuity func()

	Log *slog.Logger
}

// JitterBuffer queues audio segments from the network goroutine and serves
// PCM to the audio device goroutine. GeneratePCM only takes the buffer's
// mutex, which other methods hold for bounded work.
type JitterBuffer struct {
	log             *slog.Logger
	missing         *perf.Counter
	onDiscontinuity func()

	mu               sync.Mutex
	prevFrameNum     int64
	lastReceived     Segment
	warmup           float64
	format           wire.AudioFormat
	initialised      bool
	initialTimestamp float64
	segments         deque.Deque[Segment]
	pcm              []byte
	ready            bool
	synced           bool
	bufferDelay      float64
	extrapolated     float64

	// clock stats
	lastDequeued     float64
	lastFed          float64
	lastReceivedTime float64
}

// NewJitterBuffer creates an empty buffer.
func NewJitterBuffer(cfg Config) *JitterBuffer {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	warmup := cfg.Warmup
	if warmup <= 0 {
		warmup = DefaultWarmup
	}
	return &JitterBuffer{
		log:             log.With("component", "jitter-buffer"),
		missing:         cfg.Missing,
		onDiscontinuity: cfg.OnDiscontinuity,
		warmup:          warmup.Seconds(),
		lastReceived:    Segment{FrameNum: -1, Timestamp: -1, Duration: -1},
	}
}

// Queue accepts one audio packet. timestamp is stream-relative seconds,
// header is the packet's format side payload and pcm its interleaved
// 16-bit samples. Rejected packets return an error and leave the buffer
// unchanged.
func (b *JitterBuffer) Queue(timestamp float64, frameNum int64, header, pcm []byte) error {
	f, err := wire.ParseAudioFormat(header)
	if err != nil {
		return err
	}
	if len(pcm) == 0 || len(pcm)%2 != 0 {
		return ErrBadPCM
	}
	seg := Segment{
		FrameNum:  frameNum,
		Timestamp: timestamp,
		Duration:  float64(len(pcm)) / float64(f.BytesPerSecond()),
		PCM:       append([]byte(nil), pcm...),
	}

	b.mu.Lock()
	diff := int64(1)
	if !b.initialised {
		b.format = f
		b.initialTimestamp = timestamp
		b.initialised = true
	} else if f != b.format {
		old := b.format
		b.mu.Unlock()
		return fmt.Errorf("%d ch %d Hz -> %d ch %d Hz: %w",
			old.Channels, old.SampleRate, f.Channels, f.SampleRate, ErrFormatChanged)
	} else {
		diff = frameNum - b.prevFrameNum
	}

	switch {
	case diff < 0:
		prev := b.prevFrameNum
		b.segments.PushBack(seg)
		b.mu.Unlock()
		b.log.Warn("audio packet out of order", "prev", prev, "frame", frameNum)
		return nil
	case diff == 0:
		b.mu.Unlock()
		b.log.Debug("duplicate audio packet dropped", "frame", frameNum)
		return nil
	case diff >= DiscontinuityGap:
		prev := b.prevFrameNum
		b.mu.Unlock()
		b.log.Info("audio discontinuity, resetting", "prev", prev, "frame", frameNum, "gap", diff)
		b.recordMissing(diff)
		b.Reset()
		if b.onDiscontinuity != nil {
			b.onDiscontinuity()
		}
		return nil
	}

	for i := int64(0); i < diff; i++ {
		switch {
		case i == diff-1:
			b.segments.PushBack(seg)
		case b.lastReceived.valid():
			b.segments.PushBack(interpolate(&b.lastReceived, &seg, float64(i+1)/float64(diff)))
		default:
			b.segments.PushBack(seg)
		}
	}
	b.prevFrameNum = frameNum
	b.lastReceived = seg
	b.lastReceivedTime = seg.Timestamp
	b.mu.Unlock()

	b.recordMissing(diff)
	return nil
}

func (b *JitterBuffer) recordMissing(diff int64) {
	if diff > 1 && b.missing != nil {
		b.missing.AddInt(diff - 1)
	}
}

// Pump moves due segments into the accumulation buffer. Until a positive
// buffer delay is set every queued segment is due; afterwards only those
// at or before the extrapolated playback clock.
func (b *JitterBuffer) Pump() {
	b.mu.Lock()
	b.pump()
	b.mu.Unlock()
}

func (b *JitterBuffer) pump() {
	for b.segments.Len() > 0 {
		seg := b.segments.Front()
		if b.bufferDelay > 0 && seg.Timestamp > b.extrapolated {
			break
		}
		b.pcm = append(b.pcm, seg.PCM...)
		b.lastDequeued = seg.Timestamp
		b.segments.PopFront()
	}
}

// GeneratePCM fills dst with interleaved 16-bit PCM for the audio device
// and returns the number of bytes written. It returns 0 while the buffer
// is warming up or waiting for its first Sync; the device should play
// silence. Once synced a shortfall is zero-filled and len(dst) is returned.
func (b *JitterBuffer) GeneratePCM(dst []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.synced {
		if !b.ready && b.initialised {
			b.pump()
			if float64(len(b.pcm)) >= b.warmup*float64(b.format.BytesPerSecond()) {
				b.ready = true
			}
		}
		return 0
	}

	b.pump()
	n := copy(dst, b.pcm)
	n -= n % 2
	if n < len(dst) {
		clear(dst[n:])
	}
	if n == 0 {
		return len(dst)
	}

	b.pcm = b.pcm[n:]
	if len(b.pcm) == 0 {
		b.pcm = nil
	}
	samplesLeft := len(b.pcm) / 2
	b.lastFed = b.lastDequeued - float64(samplesLeft)/float64(int(b.format.Channels)*int(b.format.SampleRate))
	return len(dst)
}

// Sync aligns the buffer to a geometry timestamp. Before the first
// successful sync it discards segments that already ended before ts and
// commits once a playable segment remains; afterwards it only moves the
// extrapolated playback clock.
func (b *JitterBuffer) Sync(ts float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.ready {
		return
	}
	if b.synced {
		b.extrapolated = ts
		return
	}

	for b.segments.Len() > 0 {
		seg := b.segments.Front()
		if ts <= seg.Timestamp+seg.Duration {
			break
		}
		b.log.Debug("discarding late audio during sync", "ts", ts, "segment", seg.Timestamp, "duration", seg.Duration)
		b.segments.PopFront()
	}
	if b.segments.Len() > 0 && ts >= b.initialTimestamp {
		b.synced = true
		b.extrapolated = ts
		b.log.Info("audio synced", "ts", ts)
	}
}

// Tick advances the extrapolated playback clock by dt seconds.
func (b *JitterBuffer) Tick(dt float64) {
	b.mu.Lock()
	if b.ready && b.synced {
		b.extrapolated += dt
	}
	b.mu.Unlock()
}

// SetBufferDelay sets the pump gate delay in seconds. Values <= 0 disable
// the gate.
func (b *JitterBuffer) SetBufferDelay(d float64) {
	b.mu.Lock()
	b.bufferDelay = d
	b.mu.Unlock()
}

// SetWarmup changes the warm-up duration used before the next ready
// transition.
func (b *JitterBuffer) SetWarmup(d time.Duration) {
	b.mu.Lock()
	b.warmup = d.Seconds()
	b.mu.Unlock()
}

// Reset drops all buffered audio and derived clocks. The next packet
// latches the stream format again.
func (b *JitterBuffer) Reset() {
	b.mu.Lock()
	b.initialised = false
	b.initialTimestamp = 0
	b.segments.Clear()
	b.pcm = nil
	b.ready = false
	b.synced = false
	b.bufferDelay = 0
	b.extrapolated = 0
	b.lastDequeued = 0
	b.lastFed = 0
	b.lastReceivedTime = 0
	b.prevFrameNum = 0
	b.lastReceived = Segment{FrameNum: -1, Timestamp: -1, Duration: -1}
	b.mu.Unlock()
}

// LastFed returns the stream timestamp of the audio most recently handed
// to the device.
func (b *JitterBuffer) LastFed() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastFed
}

// LastReceived returns the timestamp of the newest in-order packet.
func (b *JitterBuffer) LastReceived() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastReceivedTime
}

// IsReady reports whether warm-up has completed.
func (b *JitterBuffer) IsReady() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready
}

// IsSynced reports whether the initial sync has committed.
func (b *JitterBuffer) IsSynced() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.synced
}

// Format returns the latched stream format and whether one has been seen.
func (b *JitterBuffer) Format() (wire.AudioFormat, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.format, b.initialised
}

// QueuedSegments returns the number of segments not yet pumped.
func (b *JitterBuffer) QueuedSegments() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.segments.Len()
}

// CachedAudioTime estimates the seconds of audio waiting in the segment
// queue.
func (b *JitterBuffer) CachedAudioTime() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.segments.Len() == 0 {
		return 0
	}
	return b.segments.Front().Duration * float64(b.segments.Len())
}

// SecondaryCachedAudioTime returns the seconds of PCM already pumped into
// the accumulation buffer but not yet consumed by the device.
func (b *JitterBuffer) SecondaryCachedAudioTime() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	bps := b.format.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return float64(len(b.pcm)) / float64(bps)
}
