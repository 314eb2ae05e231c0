package wire

import (
	"github.com/quic-go/quic-go/quicvarint"
)

// ChunkPayloadSize keeps each chunked message inside a single SRT live
// mode payload (1316 bytes) with room for the chunk header.
const ChunkPayloadSize = 1280

// ChunkHeader identifies a piece of an encoded Frame carried in one
// datagram-style message.
// Wire format: [frame number (i)] [chunk index (i)] [chunk count (i)] [payload].
type ChunkHeader struct {
	FrameNumber uint64
	Index       uint64
	Count       uint64
}

// SplitFrame encodes f and splits it into chunk messages no larger than
// ChunkPayloadSize plus the header.
func SplitFrame(f Frame) [][]byte {
	encoded := AppendFrame(nil, f)
	count := (len(encoded) + ChunkPayloadSize - 1) / ChunkPayloadSize
	if count == 0 {
		count = 1
	}
	msgs := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		start := i * ChunkPayloadSize
		end := min(start+ChunkPayloadSize, len(encoded))
		var msg []byte
		msg = quicvarint.Append(msg, f.Number)
		msg = quicvarint.Append(msg, uint64(i))
		msg = quicvarint.Append(msg, uint64(count))
		msg = append(msg, encoded[start:end]...)
		msgs = append(msgs, msg)
	}
	return msgs
}

// ParseChunk splits a chunk message into its header and payload. The
// payload aliases msg.
func ParseChunk(msg []byte) (ChunkHeader, []byte, error) {
	r := newBufReader(msg)
	var h ChunkHeader
	var err error
	if h.FrameNumber, err = r.readVarint(); err != nil {
		return h, nil, &ParseError{Field: "chunk frame number", Err: err}
	}
	if h.Index, err = r.readVarint(); err != nil {
		return h, nil, &ParseError{Field: "chunk index", Err: err}
	}
	if h.Count, err = r.readVarint(); err != nil {
		return h, nil, &ParseError{Field: "chunk count", Err: err}
	}
	if h.Count == 0 || h.Index >= h.Count {
		return h, nil, &ParseError{Field: "chunk index", Err: ErrChunkOutOfOrder}
	}
	return h, msg[r.pos:], nil
}

// Assembler reassembles frames from chunk messages delivered in order.
// A frame missing any chunk is dropped once a chunk of a different frame
// arrives; nothing is retransmitted.
type Assembler struct {
	frame   uint64
	next    uint64
	count   uint64
	active  bool
	buf     []byte
	dropped int
}

// Push feeds one chunk message. It returns the completed frame and true
// when msg was the final chunk of a frame.
func (a *Assembler) Push(msg []byte) (Frame, bool, error) {
	h, payload, err := ParseChunk(msg)
	if err != nil {
		return Frame{}, false, err
	}

	if h.Index == 0 {
		if a.active {
			a.dropped++
		}
		a.frame, a.next, a.count, a.active = h.FrameNumber, 0, h.Count, true
		a.buf = a.buf[:0]
	} else if !a.active || h.FrameNumber != a.frame || h.Index != a.next {
		if a.active {
			a.dropped++
		}
		a.active = false
		return Frame{}, false, ErrChunkOutOfOrder
	}

	a.buf = append(a.buf, payload...)
	a.next++
	if a.next < a.count {
		return Frame{}, false, nil
	}

	a.active = false
	f, err := ParseFrame(a.buf)
	if err != nil {
		return Frame{}, false, err
	}
	// a.buf is reused by the next frame.
	f.Data = append([]byte(nil), f.Data...)
	if f.UserData != nil {
		f.UserData = append([]byte(nil), f.UserData...)
	}
	return f, true, nil
}

// Dropped returns the number of incomplete frames discarded so far.
func (a *Assembler) Dropped() int { return a.dropped }
