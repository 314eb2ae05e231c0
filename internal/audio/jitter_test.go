package audio

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/volcast/internal/perf"
	"github.com/zsiec/volcast/internal/wire"
)

const (
	testRate    = 48000
	testSamples = 480 // 10 ms mono
)

var monoHeader = wire.AppendAudioFormat(nil, wire.AudioFormat{
	SampleFormat: wire.SampleFormatS16,
	Channels:     1,
	SampleRate:   testRate,
})

func constPCM(n int, v int16) []byte {
	b := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		b = binary.LittleEndian.AppendUint16(b, uint16(v))
	}
	return b
}

func sampleAt(b []byte, i int) int16 {
	return int16(binary.LittleEndian.Uint16(b[i*2:]))
}

func queue(t *testing.T, jb *JitterBuffer, frame int64, ts float64, v int16) {
	t.Helper()
	require.NoError(t, jb.Queue(ts, frame, monoHeader, constPCM(testSamples, v)))
}

func drainSegments(jb *JitterBuffer) []Segment {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	out := make([]Segment, 0, jb.segments.Len())
	for jb.segments.Len() > 0 {
		out = append(out, jb.segments.PopFront())
	}
	return out
}

func TestQueueFirstPacket(t *testing.T) {
	t.Parallel()
	jb := NewJitterBuffer(Config{})

	queue(t, jb, 100, 1.0, 7)

	f, ok := jb.Format()
	require.True(t, ok)
	assert.Equal(t, uint8(1), f.Channels)
	assert.Equal(t, uint32(testRate), f.SampleRate)
	assert.InDelta(t, 0.01, jb.CachedAudioTime(), 1e-9)
	assert.Equal(t, 1.0, jb.LastReceived())
}

func TestQueueInterpolatesGap(t *testing.T) {
	t.Parallel()
	missing := perf.NewCounter("missing", time.Minute)
	jb := NewJitterBuffer(Config{Missing: missing})

	queue(t, jb, 1, 0.00, 1000)
	queue(t, jb, 4, 0.03, 4000)

	segs := drainSegments(jb)
	require.Len(t, segs, 4)

	want := []struct {
		frame int64
		ts    float64
		value int16
	}{
		{1, 0.00, 1000},
		{2, 0.01, 2000},
		{3, 0.02, 3000},
		{4, 0.03, 4000},
	}
	for i, w := range want {
		assert.Equal(t, w.frame, segs[i].FrameNum, "segment %d frame", i)
		assert.InDelta(t, w.ts, segs[i].Timestamp, 1e-9, "segment %d timestamp", i)
		require.Len(t, segs[i].PCM, testSamples*2, "segment %d length", i)
		assert.InDelta(t, w.value, sampleAt(segs[i].PCM, 0), 1, "segment %d first sample", i)
		assert.InDelta(t, w.value, sampleAt(segs[i].PCM, testSamples-1), 1, "segment %d last sample", i)
	}

	assert.Equal(t, int64(2), missing.SumInt())
}

func TestInterpolateDifferentLengths(t *testing.T) {
	t.Parallel()
	prev := Segment{FrameNum: 1, Duration: 0.01, PCM: constPCM(100, -1000)}
	next := Segment{FrameNum: 3, Duration: 0.02, PCM: constPCM(200, 1000)}

	mid := interpolate(&prev, &next, 0.5)
	assert.Equal(t, int64(2), mid.FrameNum)
	assert.InDelta(t, 0.015, mid.Duration, 1e-9)
	require.Len(t, mid.PCM, 300)
	for i := 0; i < 150; i++ {
		assert.InDelta(t, 0, sampleAt(mid.PCM, i), 1)
	}
}

func TestQueueWithoutPriorRepeatsSegment(t *testing.T) {
	t.Parallel()
	jb := NewJitterBuffer(Config{})

	// The first packet never interpolates.
	queue(t, jb, 5, 0.0, 500)
	segs := drainSegments(jb)
	require.Len(t, segs, 1)
	assert.Equal(t, int64(5), segs[0].FrameNum)
}

func TestQueueDiscontinuityResets(t *testing.T) {
	t.Parallel()
	missing := perf.NewCounter("missing", time.Minute)
	resets := 0
	jb := NewJitterBuffer(Config{Missing: missing, OnDiscontinuity: func() { resets++ }})

	queue(t, jb, 1, 0.00, 1)
	queue(t, jb, 11, 0.10, 1)

	assert.Equal(t, 1, resets)
	assert.Equal(t, 0, jb.QueuedSegments())
	assert.False(t, jb.IsReady())
	assert.False(t, jb.IsSynced())
	_, ok := jb.Format()
	assert.False(t, ok, "format is latched again after a reset")
	assert.Equal(t, int64(9), missing.SumInt())

	// The stream restarts from the next packet.
	queue(t, jb, 12, 0.11, 1)
	assert.Equal(t, 1, jb.QueuedSegments())
}

func TestQueueOutOfOrderIsKept(t *testing.T) {
	t.Parallel()
	jb := NewJitterBuffer(Config{})

	queue(t, jb, 10, 0.10, 1)
	queue(t, jb, 8, 0.08, 2)
	queue(t, jb, 11, 0.11, 3)

	segs := drainSegments(jb)
	require.Len(t, segs, 3)
	assert.Equal(t, []int64{10, 8, 11}, []int64{segs[0].FrameNum, segs[1].FrameNum, segs[2].FrameNum})
	assert.Equal(t, 0.11, jb.LastReceived())
}

func TestQueueDuplicateDropped(t *testing.T) {
	t.Parallel()
	jb := NewJitterBuffer(Config{})

	queue(t, jb, 3, 0.03, 1)
	queue(t, jb, 3, 0.03, 1)
	assert.Equal(t, 1, jb.QueuedSegments())
}

func TestQueueRejectsBadInput(t *testing.T) {
	t.Parallel()
	jb := NewJitterBuffer(Config{})
	queue(t, jb, 1, 0, 1)

	stereo := wire.AppendAudioFormat(nil, wire.AudioFormat{SampleFormat: 16, Channels: 2, SampleRate: testRate})
	assert.ErrorIs(t, jb.Queue(0.01, 2, stereo, constPCM(10, 0)), ErrFormatChanged)
	assert.ErrorIs(t, jb.Queue(0.01, 2, monoHeader, []byte{1, 2, 3}), ErrBadPCM)
	assert.ErrorIs(t, jb.Queue(0.01, 2, monoHeader, nil), ErrBadPCM)
	assert.ErrorIs(t, jb.Queue(0.01, 2, []byte{16, 1}, constPCM(10, 0)), wire.ErrShortBuffer)
	assert.Equal(t, 1, jb.QueuedSegments())
}

func TestWarmupSyncAndGenerate(t *testing.T) {
	t.Parallel()
	jb := NewJitterBuffer(Config{Warmup: 200 * time.Millisecond})
	dst := make([]byte, testSamples*2)

	for i := 0; i < 10; i++ {
		queue(t, jb, int64(i), float64(i)*0.01, int16(i))
	}
	assert.Equal(t, 0, jb.GeneratePCM(dst))
	assert.False(t, jb.IsReady(), "100ms buffered is below the warm-up")

	for i := 10; i < 30; i++ {
		queue(t, jb, int64(i), float64(i)*0.01, int16(i))
	}
	assert.Equal(t, 0, jb.GeneratePCM(dst))
	require.True(t, jb.IsReady())
	assert.InDelta(t, 0.3, jb.SecondaryCachedAudioTime(), 1e-9)

	// Sync needs a queued segment to commit.
	jb.Sync(0.05)
	assert.False(t, jb.IsSynced())

	queue(t, jb, 30, 0.30, 30)
	jb.Sync(0.05)
	require.True(t, jb.IsSynced())

	n := jb.GeneratePCM(dst)
	require.Equal(t, len(dst), n)
	assert.Equal(t, int16(0), sampleAt(dst, 0))
	// 300ms left after consuming the first 10ms; last dequeued segment starts at 0.30.
	assert.InDelta(t, 0.0, jb.LastFed(), 1e-9)

	n = jb.GeneratePCM(dst)
	require.Equal(t, len(dst), n)
	assert.Equal(t, int16(1), sampleAt(dst, 0))
	assert.InDelta(t, 0.01, jb.LastFed(), 1e-9)
}

func TestGenerateZeroFillsShortfall(t *testing.T) {
	t.Parallel()
	jb := NewJitterBuffer(Config{Warmup: 10 * time.Millisecond})

	queue(t, jb, 0, 0.00, 9)
	jb.GeneratePCM(make([]byte, 2))
	require.True(t, jb.IsReady())
	queue(t, jb, 1, 0.01, 9)
	jb.Sync(0.0)
	require.True(t, jb.IsSynced())

	dst := make([]byte, 3*testSamples*2)
	for i := range dst {
		dst[i] = 0xff
	}
	require.Equal(t, len(dst), jb.GeneratePCM(dst))
	assert.Equal(t, int16(9), sampleAt(dst, 2*testSamples-1))
	assert.Equal(t, int16(0), sampleAt(dst, 2*testSamples))
	assert.Equal(t, int16(0), sampleAt(dst, 3*testSamples-1))
	assert.InDelta(t, 0.01, jb.LastFed(), 1e-9)

	// Starved: silence, clock holds.
	require.Equal(t, len(dst), jb.GeneratePCM(dst))
	assert.Equal(t, int16(0), sampleAt(dst, 0))
	assert.InDelta(t, 0.01, jb.LastFed(), 1e-9)
}

func TestSyncDiscardsLateSegments(t *testing.T) {
	t.Parallel()
	jb := NewJitterBuffer(Config{Warmup: 10 * time.Millisecond})

	queue(t, jb, 0, 0.00, 0)
	jb.GeneratePCM(make([]byte, 2))
	require.True(t, jb.IsReady())

	for i := 1; i <= 5; i++ {
		queue(t, jb, int64(i), float64(i)*0.01, int16(i))
	}
	jb.Sync(0.035)
	require.True(t, jb.IsSynced())

	segs := drainSegments(jb)
	require.Len(t, segs, 3)
	assert.Equal(t, int64(3), segs[0].FrameNum)
}

func TestPumpGateAndTick(t *testing.T) {
	t.Parallel()
	jb := NewJitterBuffer(Config{Warmup: 10 * time.Millisecond})

	queue(t, jb, 0, 0.00, 0)
	jb.GeneratePCM(make([]byte, 2))
	for i := 1; i <= 10; i++ {
		queue(t, jb, int64(i), float64(i)*0.01, int16(i))
	}

	jb.Tick(1)
	jb.Sync(0.0)
	require.True(t, jb.IsSynced())

	jb.SetBufferDelay(0.1)
	jb.Sync(0.02)
	jb.Pump()
	assert.Equal(t, 8, jb.QueuedSegments(), "segments up to 0.02 are due")

	jb.Tick(0.055)
	jb.Pump()
	assert.Equal(t, 3, jb.QueuedSegments(), "the clock was extrapolated to 0.075")

	jb.SetBufferDelay(0)
	jb.Pump()
	assert.Equal(t, 0, jb.QueuedSegments())
}

func TestResetClearsState(t *testing.T) {
	t.Parallel()
	jb := NewJitterBuffer(Config{Warmup: 10 * time.Millisecond})
	queue(t, jb, 0, 0.00, 0)
	jb.GeneratePCM(make([]byte, 2))
	queue(t, jb, 1, 0.01, 0)
	jb.Sync(0)
	require.True(t, jb.IsSynced())

	jb.Reset()
	assert.False(t, jb.IsReady())
	assert.False(t, jb.IsSynced())
	assert.Equal(t, 0, jb.QueuedSegments())
	assert.Zero(t, jb.SecondaryCachedAudioTime())
	assert.Zero(t, jb.LastFed())
	assert.Zero(t, jb.LastReceived())
}
