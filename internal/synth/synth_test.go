package synth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/volcast/internal/decode"
	"github.com/zsiec/volcast/internal/transport"
	"github.com/zsiec/volcast/internal/wire"
)

func TestMeshFramesDecode(t *testing.T) {
	t.Parallel()
	g, err := New(Config{StreamType: wire.StreamTypeMesh, FPS: 25})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer g.Close()

	codec := decode.NewMeshCodec()
	for i := 0; i < 3; i++ {
		f := g.NextGeometry()
		if f.Number != uint64(i) || f.Timestamp != uint64(i)*40_000 {
			t.Fatalf("frame %d: number %d timestamp %d", i, f.Number, f.Timestamp)
		}
		if err := codec.Validate(f.Data); err != nil {
			t.Fatalf("Validate: %v", err)
		}
		var out decode.Result
		if err := codec.Decode(decode.Input{Data: f.Data}, &out); err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if got := out.Mesh.VertexCount(); got != gridSize*gridSize {
			t.Errorf("vertices = %d, want %d", got, gridSize*gridSize)
		}
		if out.Mesh.Texture == nil {
			t.Error("missing texture")
		}
	}
}

func TestVoxelFramesDecode(t *testing.T) {
	t.Parallel()
	g, err := New(Config{StreamType: wire.StreamTypeVoxel})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer g.Close()

	codec, err := decode.NewVoxelCodec()
	if err != nil {
		t.Fatalf("NewVoxelCodec: %v", err)
	}
	defer codec.Close()

	f := g.NextGeometry()
	var out decode.Result
	if err := codec.Decode(decode.Input{Data: f.Data}, &out); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(out.Voxels) == 0 {
		t.Fatal("no voxels")
	}
	out.Release()
}

func TestAudioContinuity(t *testing.T) {
	t.Parallel()
	g, err := New(Config{StreamType: wire.StreamTypeMesh, SampleRate: 48000, Channels: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	a := g.NextAudio(10 * time.Millisecond)
	b := g.NextAudio(10 * time.Millisecond)
	if a.Number != 1 || b.Number != 2 {
		t.Errorf("numbers = %d, %d; want 1, 2", a.Number, b.Number)
	}
	if a.Timestamp != 0 || b.Timestamp != 10_000 {
		t.Errorf("timestamps = %d, %d; want 0, 10000", a.Timestamp, b.Timestamp)
	}
	if len(a.Data) != 480*2*2 {
		t.Errorf("pcm = %d bytes, want %d", len(a.Data), 480*2*2)
	}
	f, err := wire.ParseAudioFormat(a.UserData)
	if err != nil {
		t.Fatalf("ParseAudioFormat: %v", err)
	}
	if f.Channels != 2 || f.SampleRate != 48000 {
		t.Errorf("format = %+v", f)
	}
}

func TestUnknownStreamType(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{StreamType: 7}); err == nil {
		t.Fatal("expected error")
	}
}

type recorder struct {
	mu     sync.Mutex
	frames []wire.Frame
}

func (r *recorder) Start(context.Context) error { return nil }
func (r *recorder) SessionCount() int           { return 0 }
func (r *recorder) Sessions() []transport.SessionStats {
	return nil
}

func (r *recorder) Publish(f wire.Frame) {
	r.mu.Lock()
	r.frames = append(r.frames, f)
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func TestRunPublishesBothTracks(t *testing.T) {
	t.Parallel()
	g, err := New(Config{StreamType: wire.StreamTypeMesh, FPS: 100})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var geom, audio recorder

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx, &geom, &audio) }()

	deadline := time.Now().Add(2 * time.Second)
	for geom.count() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if geom.count() < 3 || audio.count() != geom.count() {
		t.Fatalf("geometry %d audio %d", geom.count(), audio.count())
	}
	for _, f := range audio.frames {
		if f.TypeAndFlags != wire.FrameTypeAudio {
			t.Errorf("audio track carried type %d", f.TypeAndFlags)
		}
	}
}

func TestParseStreamType(t *testing.T) {
	t.Parallel()
	for name, want := range map[string]wire.StreamType{
		"":      wire.StreamTypeMesh,
		"mesh":  wire.StreamTypeMesh,
		"Voxel": wire.StreamTypeVoxel,
	} {
		got, err := ParseStreamType(name)
		if err != nil || got != want {
			t.Errorf("ParseStreamType(%q) = %v, %v; want %v", name, got, err, want)
		}
	}
	if _, err := ParseStreamType("pointcloud"); err == nil {
		t.Error("expected error for unknown name")
	}
}
