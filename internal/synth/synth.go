// Package synth generates a synthetic volumetric stream: an animated
// geometry track plus a sine tone, timestamped on a shared clock.
package synth

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/zsiec/volcast/internal/decode"
	"github.com/zsiec/volcast/internal/transport"
	"github.com/zsiec/volcast/internal/wire"
)

const (
	gridSize    = 32
	voxelRadius = 24
	toneHz      = 440.0
	toneLevel   = 0.25
)

// Config controls the generated stream.
type Config struct {
	StreamType wire.StreamType // StreamTypeMesh or StreamTypeVoxel
	FPS        int
	SampleRate int
	Channels   int
	Log        *slog.Logger
}

// ParseStreamType maps a configured stream type name to its tag.
func ParseStreamType(name string) (wire.StreamType, error) {
	switch strings.ToLower(name) {
	case "mesh", "":
		return wire.StreamTypeMesh, nil
	case "voxel":
		return wire.StreamTypeVoxel, nil
	}
	return 0, fmt.Errorf("synth: %w: %q", decode.ErrUnknownStream, name)
}

// Generator produces geometry and audio frames. It is not safe for
// concurrent use.
type Generator struct {
	cfg     Config
	log     *slog.Logger
	enc     *zstd.Encoder
	texture []byte

	geomNum  uint64
	audioNum uint64
	samples  uint64
	format   []byte
}

// New validates cfg and prepares the encoders.
func New(cfg Config) (*Generator, error) {
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 48000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.Channels > math.MaxUint8 {
		return nil, fmt.Errorf("synth: %d channels", cfg.Channels)
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	g := &Generator{
		cfg: cfg,
		log: log.With("component", "synth", "stream_type", cfg.StreamType.String()),
		format: wire.AppendAudioFormat(nil, wire.AudioFormat{
			SampleFormat: wire.SampleFormatS16,
			Channels:     uint8(cfg.Channels),
			SampleRate:   uint32(cfg.SampleRate),
		}),
	}
	switch cfg.StreamType {
	case wire.StreamTypeMesh:
		tex, err := checkerTexture(64)
		if err != nil {
			return nil, err
		}
		g.texture = tex
	case wire.StreamTypeVoxel:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return nil, fmt.Errorf("synth: zstd: %w", err)
		}
		g.enc = enc
	default:
		return nil, fmt.Errorf("synth: %w: %s", decode.ErrUnknownStream, cfg.StreamType)
	}
	return g, nil
}

// Close releases the encoders.
func (g *Generator) Close() {
	if g.enc != nil {
		g.enc.Close()
	}
}

func (g *Generator) frameInterval() time.Duration {
	return time.Second / time.Duration(g.cfg.FPS)
}

// NextGeometry returns the next geometry frame. Frame n is stamped
// n/FPS seconds after the stream start.
func (g *Generator) NextGeometry() wire.Frame {
	n := g.geomNum
	g.geomNum++
	ts := n * uint64(time.Second/time.Microsecond) / uint64(g.cfg.FPS)
	phase := float64(n) / float64(g.cfg.FPS)

	var data []byte
	if g.cfg.StreamType == wire.StreamTypeVoxel {
		vs := sphere(phase)
		data = wire.AppendVoxelPacket(nil, int64(n), uint32(len(vs)), decode.EncodeVoxels(g.enc, vs))
	} else {
		data = wire.AppendMeshPacket(nil, int64(n), decode.EncodeMesh(wave(phase)), g.texture)
	}
	return wire.Frame{
		Number:       n,
		Timestamp:    ts,
		TypeAndFlags: wire.FrameTypeGeometry,
		Data:         data,
	}
}

// NextAudio returns the next d of tone. Audio frame numbers start at 1
// and timestamps are continuous with the geometry clock.
func (g *Generator) NextAudio(d time.Duration) wire.Frame {
	count := int(int64(g.cfg.SampleRate) * int64(d) / int64(time.Second))
	if count <= 0 {
		count = 1
	}
	ts := g.samples * uint64(time.Second/time.Microsecond) / uint64(g.cfg.SampleRate)

	pcm := make([]byte, 0, count*g.cfg.Channels*2)
	for i := 0; i < count; i++ {
		t := float64(g.samples+uint64(i)) / float64(g.cfg.SampleRate)
		v := int16(math.Sin(2*math.Pi*toneHz*t) * toneLevel * math.MaxInt16)
		for ch := 0; ch < g.cfg.Channels; ch++ {
			pcm = binary.LittleEndian.AppendUint16(pcm, uint16(v))
		}
	}
	g.samples += uint64(count)
	g.audioNum++

	return wire.Frame{
		Number:       g.audioNum,
		Timestamp:    ts,
		TypeAndFlags: wire.FrameTypeAudio,
		Data:         pcm,
		UserData:     g.format,
	}
}

// Run publishes one geometry frame and one frame interval of audio per
// tick until ctx is cancelled. A nil audio publisher sends geometry only.
func (g *Generator) Run(ctx context.Context, geometry, audio transport.Publisher) error {
	interval := g.frameInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	g.log.Info("publishing synthetic stream", "fps", g.cfg.FPS, "sample_rate", g.cfg.SampleRate)
	for {
		if audio != nil {
			audio.Publish(g.NextAudio(interval))
		}
		geometry.Publish(g.NextGeometry())

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// wave is a square grid whose height ripples with phase.
func wave(phase float64) *decode.Mesh {
	m := &decode.Mesh{
		Positions: make([]float32, 0, gridSize*gridSize*3),
		UVs:       make([]float32, 0, gridSize*gridSize*2),
		Indices:   make([]uint32, 0, (gridSize-1)*(gridSize-1)*6),
	}
	for y := 0; y < gridSize; y++ {
		for x := 0; x < gridSize; x++ {
			u := float64(x) / (gridSize - 1)
			v := float64(y) / (gridSize - 1)
			z := 0.1 * math.Sin(2*math.Pi*(u+v+phase))
			m.Positions = append(m.Positions, float32(u-0.5), float32(v-0.5), float32(z))
			m.UVs = append(m.UVs, float32(u), float32(v))
		}
	}
	for y := 0; y < gridSize-1; y++ {
		for x := 0; x < gridSize-1; x++ {
			i := uint32(y*gridSize + x)
			m.Indices = append(m.Indices, i, i+1, i+gridSize, i+1, i+gridSize+1, i+gridSize)
		}
	}
	return m
}

// sphere is a shell of voxels whose radius breathes with phase.
func sphere(phase float64) []decode.Voxel {
	r := voxelRadius * (0.75 + 0.25*math.Sin(2*math.Pi*phase))
	var vs []decode.Voxel
	for z := 0; z <= 2*voxelRadius; z++ {
		for y := 0; y <= 2*voxelRadius; y++ {
			for x := 0; x <= 2*voxelRadius; x++ {
				dx, dy, dz := float64(x-voxelRadius), float64(y-voxelRadius), float64(z-voxelRadius)
				d := math.Sqrt(dx*dx + dy*dy + dz*dz)
				if math.Abs(d-r) > 0.5 {
					continue
				}
				vs = append(vs, decode.Voxel{
					X: uint16(x), Y: uint16(y), Z: uint16(z),
					R: uint8(x * 255 / (2 * voxelRadius)),
					G: uint8(y * 255 / (2 * voxelRadius)),
					B: uint8(z * 255 / (2 * voxelRadius)),
				})
			}
		}
	}
	return vs
}

func checkerTexture(size int) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			c := color.RGBA{R: 40, G: 40, B: 40, A: 255}
			if (x/8+y/8)%2 == 0 {
				c = color.RGBA{R: 230, G: 120, B: 30, A: 255}
			}
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("synth: texture: %w", err)
	}
	return buf.Bytes(), nil
}
