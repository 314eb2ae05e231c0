// Package decode turns raw geometry payloads into frames a renderer can
// consume. Each active codec runs on its own goroutine behind a Worker
// whose single-slot mailbox and double-buffered output decouple decode
// time from both network arrival and consumer cadence.
package decode

import (
	"image"
	"image/draw"
	"sync/atomic"

	"github.com/zsiec/volcast/internal/wire"
)

// Mesh is a decoded textured triangle mesh.
type Mesh struct {
	Positions []float32 // xyz per vertex
	UVs       []float32 // uv per vertex
	Indices   []uint32
	Texture   image.Image
}

// VertexCount returns the number of vertices.
func (m *Mesh) VertexCount() int { return len(m.Positions) / 3 }

// Voxel is one coloured cell of a voxel volume.
type Voxel struct {
	X, Y, Z uint16
	R, G, B uint8
}

// Result is one decoded geometry frame. A Result has exactly one owner at
// a time; whoever stops referencing it must call Release.
type Result struct {
	OK         bool
	Timestamp  float64 // stream-relative seconds
	FrameIndex int64
	StreamType wire.StreamType
	Mesh       *Mesh
	Voxels     []Voxel

	release  func()
	released atomic.Bool
}

// Failed returns the sentinel handed out when no decoded frame is
// available.
func Failed() *Result {
	return &Result{Timestamp: -1, FrameIndex: -1}
}

// Release returns pooled backing memory and clears the payload. Only the
// first call has any effect.
func (r *Result) Release() {
	if r == nil || !r.released.CompareAndSwap(false, true) {
		return
	}
	if r.release != nil {
		r.release()
		r.release = nil
	}
	r.Mesh = nil
	r.Voxels = nil
}

// Released reports whether Release has been called.
func (r *Result) Released() bool {
	return r.released.Load()
}

// Clone returns a deep copy that owns its memory independently of r.
func (r *Result) Clone() *Result {
	c := &Result{
		OK:         r.OK,
		Timestamp:  r.Timestamp,
		FrameIndex: r.FrameIndex,
		StreamType: r.StreamType,
	}
	if r.Mesh != nil {
		c.Mesh = &Mesh{
			Positions: append([]float32(nil), r.Mesh.Positions...),
			UVs:       append([]float32(nil), r.Mesh.UVs...),
			Indices:   append([]uint32(nil), r.Mesh.Indices...),
			Texture:   cloneImage(r.Mesh.Texture),
		}
	}
	if r.Voxels != nil {
		c.Voxels = append([]Voxel(nil), r.Voxels...)
	}
	return c
}

func cloneImage(src image.Image) image.Image {
	if src == nil {
		return nil
	}
	dst := image.NewRGBA(src.Bounds())
	draw.Draw(dst, dst.Bounds(), src, src.Bounds().Min, draw.Src)
	return dst
}
