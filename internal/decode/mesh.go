package decode

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"

	_ "golang.org/x/image/webp"

	"github.com/zsiec/volcast/internal/wire"
)

// Mesh block layout (little-endian):
// [vertex count u32] [index count u32] [positions f32 x3] [uvs f32 x2] [indices u32].
const meshBlockHeader = 8

// maxMeshVertices bounds allocations driven by untrusted counts.
const maxMeshVertices = 1 << 22

// MeshCodec decodes textured mesh packets (stream type ECM0).
type MeshCodec struct{}

// NewMeshCodec returns a mesh codec.
func NewMeshCodec() *MeshCodec { return &MeshCodec{} }

func (*MeshCodec) Name() string                { return "mesh" }
func (*MeshCodec) StreamType() wire.StreamType { return wire.StreamTypeMesh }

// Validate checks the packet header, sub-payload bounds and the mesh block
// counts against its length.
func (*MeshCodec) Validate(payload []byte) error {
	h, err := wire.ParseMeshHeader(payload)
	if err != nil {
		return err
	}
	if h.StreamType != wire.StreamTypeMesh {
		return fmt.Errorf("%v: %w", h.StreamType, ErrWrongStream)
	}
	_, _, err = meshCounts(h.MeshPayload(payload))
	return err
}

func meshCounts(block []byte) (vertices, indices int, err error) {
	if len(block) < meshBlockHeader {
		return 0, 0, &wire.ParseError{Field: "mesh block", Err: wire.ErrShortBuffer}
	}
	v := binary.LittleEndian.Uint32(block[0:])
	i := binary.LittleEndian.Uint32(block[4:])
	if v == 0 || v > maxMeshVertices || i%3 != 0 {
		return 0, 0, fmt.Errorf("mesh block %d vertices %d indices: %w", v, i, ErrCorrupt)
	}
	want := uint64(meshBlockHeader) + uint64(v)*5*4 + uint64(i)*4
	if uint64(len(block)) != want {
		return 0, 0, fmt.Errorf("mesh block %d bytes, want %d: %w", len(block), want, ErrCorrupt)
	}
	return int(v), int(i), nil
}

// Decode parses the mesh block and decodes the texture image.
func (*MeshCodec) Decode(in Input, out *Result) error {
	h, err := wire.ParseMeshHeader(in.Data)
	if err != nil {
		return err
	}
	block := h.MeshPayload(in.Data)
	nv, ni, err := meshCounts(block)
	if err != nil {
		return err
	}

	m := &Mesh{
		Positions: make([]float32, nv*3),
		UVs:       make([]float32, nv*2),
		Indices:   make([]uint32, ni),
	}
	p := block[meshBlockHeader:]
	for i := range m.Positions {
		m.Positions[i] = math.Float32frombits(binary.LittleEndian.Uint32(p))
		p = p[4:]
	}
	for i := range m.UVs {
		m.UVs[i] = math.Float32frombits(binary.LittleEndian.Uint32(p))
		p = p[4:]
	}
	for i := range m.Indices {
		idx := binary.LittleEndian.Uint32(p)
		if int(idx) >= nv {
			return fmt.Errorf("index %d references vertex %d of %d: %w", i, idx, nv, ErrCorrupt)
		}
		m.Indices[i] = idx
		p = p[4:]
	}

	tex, _, err := image.Decode(bytes.NewReader(h.ImagePayload(in.Data)))
	if err != nil {
		return fmt.Errorf("decode texture: %w", err)
	}
	m.Texture = tex

	out.Mesh = m
	return nil
}

// EncodeMesh serializes the geometry of m into a mesh block. The texture
// is encoded separately.
func EncodeMesh(m *Mesh) []byte {
	nv := m.VertexCount()
	buf := make([]byte, 0, meshBlockHeader+nv*20+len(m.Indices)*4)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(nv))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(m.Indices)))
	for _, f := range m.Positions {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(f))
	}
	for _, f := range m.UVs {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(f))
	}
	for _, i := range m.Indices {
		buf = binary.LittleEndian.AppendUint32(buf, i)
	}
	return buf
}
