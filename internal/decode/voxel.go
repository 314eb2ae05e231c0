package decode

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/zsiec/volcast/internal/wire"
)

// voxelRecordSize is the packed size of one voxel: x, y, z as u16 LE
// followed by r, g, b.
const voxelRecordSize = 9

// maxVoxels bounds allocations driven by untrusted counts.
const maxVoxels = 1 << 24

// VoxelCodec decodes zstd-compressed voxel packets (stream type ECV0).
// Decoded voxel slices are pooled and returned on Result.Release.
type VoxelCodec struct {
	dec     *zstd.Decoder
	scratch []byte
	pool    sync.Pool
}

// NewVoxelCodec returns a voxel codec. The codec is used from a single
// decode goroutine.
func NewVoxelCodec() (*VoxelCodec, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1), zstd.WithDecoderMaxMemory(maxVoxels*voxelRecordSize))
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &VoxelCodec{dec: dec}, nil
}

func (*VoxelCodec) Name() string                { return "voxel" }
func (*VoxelCodec) StreamType() wire.StreamType { return wire.StreamTypeVoxel }

// Validate checks the packet header and compressed block bounds.
func (*VoxelCodec) Validate(payload []byte) error {
	h, err := wire.ParseVoxelHeader(payload)
	if err != nil {
		return err
	}
	if h.StreamType != wire.StreamTypeVoxel {
		return fmt.Errorf("%v: %w", h.StreamType, ErrWrongStream)
	}
	if h.VoxelCount == 0 || h.VoxelCount > maxVoxels {
		return fmt.Errorf("voxel count %d: %w", h.VoxelCount, ErrCorrupt)
	}
	return nil
}

// Decode decompresses the voxel block into a pooled slice.
func (c *VoxelCodec) Decode(in Input, out *Result) error {
	h, err := wire.ParseVoxelHeader(in.Data)
	if err != nil {
		return err
	}
	raw, err := c.dec.DecodeAll(h.Payload(in.Data), c.scratch[:0])
	if err != nil {
		return fmt.Errorf("decompress voxels: %w", err)
	}
	c.scratch = raw

	n := int(h.VoxelCount)
	if len(raw) != n*voxelRecordSize {
		return fmt.Errorf("voxel block %d bytes, want %d: %w", len(raw), n*voxelRecordSize, ErrCorrupt)
	}

	vp := c.get(n)
	vs := *vp
	for i := range vs {
		r := raw[i*voxelRecordSize:]
		vs[i] = Voxel{
			X: binary.LittleEndian.Uint16(r[0:]),
			Y: binary.LittleEndian.Uint16(r[2:]),
			Z: binary.LittleEndian.Uint16(r[4:]),
			R: r[6], G: r[7], B: r[8],
		}
	}
	out.Voxels = vs
	out.release = func() { c.pool.Put(vp) }
	return nil
}

func (c *VoxelCodec) get(n int) *[]Voxel {
	if v, ok := c.pool.Get().(*[]Voxel); ok && cap(*v) >= n {
		*v = (*v)[:n]
		return v
	}
	v := make([]Voxel, n)
	return &v
}

// Close releases the decoder's resources.
func (c *VoxelCodec) Close() {
	c.dec.Close()
}

// EncodeVoxels packs and compresses vs into a voxel block.
func EncodeVoxels(enc *zstd.Encoder, vs []Voxel) []byte {
	raw := make([]byte, 0, len(vs)*voxelRecordSize)
	for _, v := range vs {
		raw = binary.LittleEndian.AppendUint16(raw, v.X)
		raw = binary.LittleEndian.AppendUint16(raw, v.Y)
		raw = binary.LittleEndian.AppendUint16(raw, v.Z)
		raw = append(raw, v.R, v.G, v.B)
	}
	return enc.EncodeAll(raw, nil)
}
