package receiver

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/volcast/internal/decode"
	"github.com/zsiec/volcast/internal/perf"
	"github.com/zsiec/volcast/internal/transport"
	"github.com/zsiec/volcast/internal/transport/transporttest"
	"github.com/zsiec/volcast/internal/wire"
)

type passCodec struct{ tag wire.StreamType }

func (passCodec) Name() string                  { return "pass" }
func (c passCodec) StreamType() wire.StreamType { return c.tag }
func (passCodec) Validate([]byte) error         { return nil }
func (passCodec) Decode(decode.Input, *decode.Result) error {
	return nil
}

type recordingSink struct {
	mu      sync.Mutex
	packets []audioPacket
}

type audioPacket struct {
	ts       float64
	frameNum int64
	header   []byte
	pcm      []byte
}

func (s *recordingSink) Queue(ts float64, frameNum int64, header, pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packets = append(s.packets, audioPacket{ts, frameNum, header, pcm})
	return nil
}

func (s *recordingSink) received() []audioPacket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audioPacket(nil), s.packets...)
}

func geometryFrame(num, tsMicros uint64, tag wire.StreamType) wire.Frame {
	data := wire.AppendHeader(nil, wire.Header{Type: wire.HeaderTypeMesh, Version: 1, StreamType: tag})
	data = append(data, make([]byte, 64)...)
	return wire.Frame{Number: num, Timestamp: tsMicros, TypeAndFlags: wire.FrameTypeGeometry, Data: data}
}

func audioFrame(num, tsMicros uint64) wire.Frame {
	return wire.Frame{
		Number:       num,
		Timestamp:    tsMicros,
		TypeAndFlags: wire.FrameTypeAudio,
		Data:         make([]byte, 960),
		UserData:     wire.AppendAudioFormat(nil, wire.AudioFormat{SampleFormat: wire.SampleFormatS16, Channels: 1, SampleRate: 48000}),
	}
}

type harness struct {
	geometry, audio *transporttest.Conn
	sink            *recordingSink
	received        *perf.Counter
	loop            *Loop
}

func newHarness(t *testing.T, status transport.Status, cfg Config) *harness {
	t.Helper()
	h := &harness{
		geometry: transporttest.NewConn(status),
		audio:    transporttest.NewConn(status),
		sink:     &recordingSink{},
		received: perf.NewCounter("received", time.Minute),
	}
	if cfg.Registry == nil {
		cfg.Registry = decode.NewRegistry()
		cfg.Registry.Register(wire.StreamTypeMesh, func() (decode.Codec, error) {
			return passCodec{tag: wire.StreamTypeMesh}, nil
		})
	}
	cfg.Pair = &transport.Pair{Geometry: h.geometry, Audio: h.audio}
	cfg.Audio = h.sink
	cfg.Received = h.received
	cfg.RetryDelay = 10 * time.Millisecond
	loop, err := New(cfg)
	require.NoError(t, err)
	h.loop = loop
	loop.Start()
	t.Cleanup(loop.Stop)
	return h
}

func TestNewRequiresPair(t *testing.T) {
	t.Parallel()
	_, err := New(Config{})
	require.Error(t, err)
}

func TestStopWithoutStart(t *testing.T) {
	t.Parallel()
	loop, err := New(Config{Pair: &transport.Pair{}})
	require.NoError(t, err)
	require.NotPanics(t, loop.Stop)
	require.NotPanics(t, loop.Stop, "second Stop is a no-op")
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	pair := &transport.Pair{
		Geometry: transporttest.NewConn(transport.StatusNotYetConnected),
		Audio:    transporttest.NewConn(transport.StatusNotYetConnected),
	}
	loop, err := New(Config{Pair: pair, RetryDelay: 10 * time.Millisecond})
	require.NoError(t, err)
	loop.Start()

	done := make(chan struct{})
	go func() {
		loop.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestGeometryDispatchedToWorker(t *testing.T) {
	t.Parallel()
	h := newHarness(t, transport.StatusConnected, Config{})

	h.geometry.Push(geometryFrame(7, 5_000_000, wire.StreamTypeMesh))
	require.Eventually(t, func() bool { return h.loop.Worker() != nil }, time.Second, 5*time.Millisecond)

	var res *decode.Result
	require.Eventually(t, func() bool {
		res = h.loop.Worker().Peek()
		return res.OK
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(7), res.FrameIndex)
	assert.Equal(t, 0.0, res.Timestamp, "first geometry frame defines the epoch")

	h.geometry.Push(geometryFrame(8, 5_033_000, wire.StreamTypeMesh))
	require.Eventually(t, func() bool {
		res = h.loop.Worker().Peek()
		return res.FrameIndex == 8
	}, time.Second, 5*time.Millisecond)
	assert.InDelta(t, 0.033, res.Timestamp, 1e-9)
	assert.Equal(t, 2, h.received.Count())
}

func TestAudioBeforeEpochDropped(t *testing.T) {
	t.Parallel()
	h := newHarness(t, transport.StatusConnected, Config{})

	h.audio.Push(audioFrame(1, 4_990_000))
	require.Eventually(t, func() bool { return h.audio.Pending() == 0 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, h.sink.received())

	h.geometry.Push(geometryFrame(1, 5_000_000, wire.StreamTypeMesh))
	require.Eventually(t, func() bool { return h.geometry.Pending() == 0 }, time.Second, 5*time.Millisecond)

	h.audio.Push(audioFrame(2, 5_010_000))
	require.Eventually(t, func() bool { return len(h.sink.received()) == 1 }, time.Second, 5*time.Millisecond)
	p := h.sink.received()[0]
	assert.InDelta(t, 0.010, p.ts, 1e-9)
	assert.Equal(t, int64(2), p.frameNum)
	assert.Len(t, p.header, wire.AudioFormatSize)
	assert.Len(t, p.pcm, 960)
	assert.Equal(t, 1, h.received.Count(), "audio frames do not count as received geometry")
}

func TestUnknownStreamDropped(t *testing.T) {
	t.Parallel()
	h := newHarness(t, transport.StatusConnected, Config{})

	h.geometry.Push(geometryFrame(1, 1000, wire.StreamTypeVoxel))
	require.Eventually(t, func() bool { return h.geometry.Pending() == 0 }, time.Second, 5*time.Millisecond)
	assert.Nil(t, h.loop.Worker())
	assert.Equal(t, int64(1), h.loop.Stats().Dropped)

	h.geometry.Push(geometryFrame(2, 2000, wire.StreamTypeMesh))
	require.Eventually(t, func() bool { return h.loop.Worker() != nil }, time.Second, 5*time.Millisecond)

	// Once resolved, frames of another stream type are dropped.
	h.geometry.Push(geometryFrame(3, 3000, wire.StreamTypeVoxel))
	require.Eventually(t, func() bool { return h.loop.Stats().Dropped == 2 }, time.Second, 5*time.Millisecond)
}

func TestMalformedFramesDropped(t *testing.T) {
	t.Parallel()
	h := newHarness(t, transport.StatusConnected, Config{})

	h.geometry.Push(wire.Frame{Number: 1, Data: []byte{1, 2, 3}})
	bad := geometryFrame(2, 1000, wire.StreamTypeMesh)
	bad.Data[0], bad.Data[1] = 0x42, 0x42
	h.geometry.Push(bad)
	h.geometry.Push(wire.Frame{Number: 3, TypeAndFlags: 7, Data: make([]byte, 16)})

	require.Eventually(t, func() bool { return h.geometry.Pending() == 0 }, time.Second, 5*time.Millisecond)
	st := h.loop.Stats()
	assert.Equal(t, int64(2), st.Malformed)
	assert.Equal(t, int64(1), st.Dropped)
	assert.Nil(t, h.loop.Worker())
}

func TestAuthFailureReportedOnce(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	calls := 0
	h := newHarness(t, transport.StatusConnected, Config{
		OnFailure: func(s transport.Status) {
			mu.Lock()
			calls++
			mu.Unlock()
		},
	})
	h.audio.SetStatus(transport.StatusFailedToAuthenticate)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
	assert.Equal(t, transport.StatusFailedToAuthenticate, h.loop.Status())
}

func TestDisconnectedConnectionReconnected(t *testing.T) {
	t.Parallel()
	h := newHarness(t, transport.StatusConnected, Config{})
	h.geometry.SetStatus(transport.StatusDisconnected)

	require.Eventually(t, func() bool {
		return h.geometry.Status() == transport.StatusConnected
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, h.geometry.Reconnects())
	assert.Equal(t, 0, h.audio.Reconnects(), "healthy connection left alone")
}

func TestWaitsWhileNotConnected(t *testing.T) {
	t.Parallel()
	h := newHarness(t, transport.StatusNotYetConnected, Config{})
	h.geometry.Push(geometryFrame(1, 1000, wire.StreamTypeMesh))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.geometry.Pending(), "frames are not taken before connecting")
	assert.Equal(t, transport.StatusNotYetConnected, h.loop.Status())

	h.geometry.SetStatus(transport.StatusConnected)
	h.audio.SetStatus(transport.StatusConnected)
	require.Eventually(t, func() bool { return h.geometry.Pending() == 0 }, time.Second, 5*time.Millisecond)
}

func TestRestartRebasesTimeline(t *testing.T) {
	t.Parallel()
	h := newHarness(t, transport.StatusConnected, Config{})

	h.geometry.Push(geometryFrame(1, 1_000_000, wire.StreamTypeMesh))
	require.Eventually(t, func() bool {
		w := h.loop.Worker()
		return w != nil && w.Peek().OK
	}, time.Second, 5*time.Millisecond)

	h.loop.Restart()
	h.geometry.Push(geometryFrame(2, 9_000_000, wire.StreamTypeMesh))
	var res *decode.Result
	require.Eventually(t, func() bool {
		res = h.loop.Worker().Peek()
		return res.FrameIndex == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0.0, res.Timestamp)
}
