package wire

import (
	"encoding/binary"
	"fmt"
)

// Header types accepted in the fixed geometry header.
const (
	HeaderTypeLegacy uint16 = 0
	HeaderTypeVoxel  uint16 = 1
	HeaderTypeMesh   uint16 = 0x8000
)

// Header sizes in bytes.
const (
	HeaderSize      = 8
	MeshHeaderSize  = 32
	VoxelHeaderSize = 24
)

// StreamType is the four-character codec tag carried in every geometry
// header. It selects the decoder for the whole stream.
type StreamType uint32

// Known stream type tags, stored little-endian so the bytes read "ECM0"
// and "ECV0" on the wire.
const (
	StreamTypeMesh  StreamType = 0x304D4345
	StreamTypeVoxel StreamType = 0x30564345
)

func (s StreamType) String() string {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(s))
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return fmt.Sprintf("0x%08x", uint32(s))
		}
	}
	return string(b[:])
}

// Header is the fixed prefix of every geometry payload.
type Header struct {
	Type       uint16
	Version    uint16
	StreamType StreamType
}

// Valid reports whether the header type is one the receiver understands.
func (h Header) Valid() bool {
	switch h.Type {
	case HeaderTypeLegacy, HeaderTypeVoxel, HeaderTypeMesh:
		return true
	}
	return false
}

// ParseHeader reads the fixed geometry header from the start of b.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, &ParseError{Field: "header", Err: ErrShortBuffer}
	}
	return Header{
		Type:       binary.LittleEndian.Uint16(b[0:]),
		Version:    binary.LittleEndian.Uint16(b[2:]),
		StreamType: StreamType(binary.LittleEndian.Uint32(b[4:])),
	}, nil
}

// AppendHeader appends the packed header to buf.
func AppendHeader(buf []byte, h Header) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, h.Type)
	buf = binary.LittleEndian.AppendUint16(buf, h.Version)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(h.StreamType))
	return buf
}

// MeshHeader is the version 1 mesh packet header. The mesh and image
// sub-payloads are located by absolute offsets into the packet.
type MeshHeader struct {
	Header
	FrameNumber int64
	MeshOffset  uint32
	MeshLength  uint32
	ImageOffset uint32
	ImageLength uint32
}

// ParseMeshHeader reads and validates a mesh packet header. Both
// sub-payloads must be non-empty and lie within b.
func ParseMeshHeader(b []byte) (MeshHeader, error) {
	h, err := ParseHeader(b)
	if err != nil {
		return MeshHeader{}, err
	}
	if h.Type != HeaderTypeMesh || h.Version != 1 {
		return MeshHeader{}, fmt.Errorf("mesh header %d/%d: %w", h.Type, h.Version, ErrUnknownHeader)
	}
	if len(b) < MeshHeaderSize {
		return MeshHeader{}, &ParseError{Field: "mesh header", Err: ErrShortBuffer}
	}
	mh := MeshHeader{
		Header:      h,
		FrameNumber: int64(binary.LittleEndian.Uint64(b[8:])),
		MeshOffset:  binary.LittleEndian.Uint32(b[16:]),
		MeshLength:  binary.LittleEndian.Uint32(b[20:]),
		ImageOffset: binary.LittleEndian.Uint32(b[24:]),
		ImageLength: binary.LittleEndian.Uint32(b[28:]),
	}
	if err := checkBounds("mesh payload", mh.MeshOffset, mh.MeshLength, len(b)); err != nil {
		return MeshHeader{}, err
	}
	if err := checkBounds("image payload", mh.ImageOffset, mh.ImageLength, len(b)); err != nil {
		return MeshHeader{}, err
	}
	return mh, nil
}

func checkBounds(field string, off, length uint32, size int) error {
	if length == 0 || uint64(off)+uint64(length) > uint64(size) {
		return &ParseError{Field: field, Err: ErrPayloadBounds}
	}
	return nil
}

// MeshPayload returns the mesh sub-payload of packet b.
func (h MeshHeader) MeshPayload(b []byte) []byte {
	return b[h.MeshOffset : h.MeshOffset+h.MeshLength]
}

// ImagePayload returns the texture sub-payload of packet b.
func (h MeshHeader) ImagePayload(b []byte) []byte {
	return b[h.ImageOffset : h.ImageOffset+h.ImageLength]
}

// AppendMeshPacket builds a complete mesh packet: header followed by the
// mesh and image sub-payloads.
func AppendMeshPacket(buf []byte, frameNumber int64, mesh, image []byte) []byte {
	buf = AppendHeader(buf, Header{Type: HeaderTypeMesh, Version: 1, StreamType: StreamTypeMesh})
	buf = binary.LittleEndian.AppendUint64(buf, uint64(frameNumber))
	meshOff := uint32(MeshHeaderSize)
	imageOff := meshOff + uint32(len(mesh))
	buf = binary.LittleEndian.AppendUint32(buf, meshOff)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(mesh)))
	buf = binary.LittleEndian.AppendUint32(buf, imageOff)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(image)))
	buf = append(buf, mesh...)
	buf = append(buf, image...)
	return buf
}

// VoxelHeader prefixes a voxel packet. The compressed voxel block follows
// immediately and decompresses to VoxelCount records.
type VoxelHeader struct {
	Header
	FrameNumber      int64
	VoxelCount       uint32
	CompressedLength uint32
}

// ParseVoxelHeader reads and validates a voxel packet header.
func ParseVoxelHeader(b []byte) (VoxelHeader, error) {
	h, err := ParseHeader(b)
	if err != nil {
		return VoxelHeader{}, err
	}
	if h.Type != HeaderTypeVoxel || h.Version != 1 {
		return VoxelHeader{}, fmt.Errorf("voxel header %d/%d: %w", h.Type, h.Version, ErrUnknownHeader)
	}
	if len(b) < VoxelHeaderSize {
		return VoxelHeader{}, &ParseError{Field: "voxel header", Err: ErrShortBuffer}
	}
	vh := VoxelHeader{
		Header:           h,
		FrameNumber:      int64(binary.LittleEndian.Uint64(b[8:])),
		VoxelCount:       binary.LittleEndian.Uint32(b[16:]),
		CompressedLength: binary.LittleEndian.Uint32(b[20:]),
	}
	if err := checkBounds("voxel payload", VoxelHeaderSize, vh.CompressedLength, len(b)); err != nil {
		return VoxelHeader{}, err
	}
	return vh, nil
}

// Payload returns the compressed voxel block of packet b.
func (h VoxelHeader) Payload(b []byte) []byte {
	return b[VoxelHeaderSize : VoxelHeaderSize+h.CompressedLength]
}

// AppendVoxelPacket builds a complete voxel packet around an already
// compressed voxel block.
func AppendVoxelPacket(buf []byte, frameNumber int64, count uint32, compressed []byte) []byte {
	buf = AppendHeader(buf, Header{Type: HeaderTypeVoxel, Version: 1, StreamType: StreamTypeVoxel})
	buf = binary.LittleEndian.AppendUint64(buf, uint64(frameNumber))
	buf = binary.LittleEndian.AppendUint32(buf, count)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(compressed)))
	return append(buf, compressed...)
}
