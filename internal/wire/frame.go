package wire

import (
	"fmt"
	"io"

	"github.com/quic-go/quic-go/quicvarint"
)

// Frame types carried in Frame.TypeAndFlags.
const (
	FrameTypeGeometry uint64 = 0
	FrameTypeAudio    uint64 = 1
)

// MaxFrameSize bounds the payload and side payload of a single frame.
const MaxFrameSize = 16 << 20

// Frame is one transport message. Data holds the geometry or PCM payload;
// UserData holds the side payload (the audio format header for audio).
// Timestamp is in microseconds on the sender's clock.
type Frame struct {
	Number       uint64
	Timestamp    uint64
	TypeAndFlags uint64
	Data         []byte
	UserData     []byte
}

// AppendFrame appends the encoded frame to buf.
// Wire format: [number (i)] [timestamp (i)] [type (i)] [data length (i)]
// [user data length (i)] [data] [user data].
func AppendFrame(buf []byte, f Frame) []byte {
	buf = quicvarint.Append(buf, f.Number)
	buf = quicvarint.Append(buf, f.Timestamp)
	buf = quicvarint.Append(buf, f.TypeAndFlags)
	buf = quicvarint.Append(buf, uint64(len(f.Data)))
	buf = quicvarint.Append(buf, uint64(len(f.UserData)))
	buf = append(buf, f.Data...)
	buf = append(buf, f.UserData...)
	return buf
}

// WriteFrame writes the encoded frame as a single Write call.
func WriteFrame(w io.Writer, f Frame) error {
	_, err := w.Write(AppendFrame(nil, f))
	return err
}

// ReadFrame reads one frame from a stream. The returned Data and UserData
// share a freshly allocated buffer owned by the caller.
func ReadFrame(r quicvarint.Reader) (Frame, error) {
	var hdr [5]uint64
	for i, field := range frameFields {
		v, err := quicvarint.Read(r)
		if err != nil {
			if i == 0 {
				return Frame{}, err
			}
			return Frame{}, &ParseError{Field: field, Err: err}
		}
		hdr[i] = v
	}
	if hdr[3] > MaxFrameSize || hdr[4] > MaxFrameSize {
		return Frame{}, fmt.Errorf("frame %d: %w", hdr[0], ErrFrameTooLarge)
	}

	body := make([]byte, hdr[3]+hdr[4])
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, &ParseError{Field: "frame body", Err: err}
	}
	f := Frame{
		Number:       hdr[0],
		Timestamp:    hdr[1],
		TypeAndFlags: hdr[2],
		Data:         body[:hdr[3]:hdr[3]],
	}
	if hdr[4] > 0 {
		f.UserData = body[hdr[3]:]
	}
	return f, nil
}

var frameFields = [5]string{"frame number", "timestamp", "type", "data length", "user data length"}

// ParseFrame decodes a complete frame held in b. Data and UserData alias b.
func ParseFrame(b []byte) (Frame, error) {
	r := newBufReader(b)
	var hdr [5]uint64
	for i, field := range frameFields {
		v, err := r.readVarint()
		if err != nil {
			return Frame{}, &ParseError{Field: field, Err: err}
		}
		hdr[i] = v
	}
	if hdr[3] > MaxFrameSize || hdr[4] > MaxFrameSize {
		return Frame{}, fmt.Errorf("frame %d: %w", hdr[0], ErrFrameTooLarge)
	}
	data, err := r.readN(int(hdr[3]))
	if err != nil {
		return Frame{}, &ParseError{Field: "frame data", Err: err}
	}
	f := Frame{Number: hdr[0], Timestamp: hdr[1], TypeAndFlags: hdr[2], Data: data}
	if hdr[4] > 0 {
		if f.UserData, err = r.readN(int(hdr[4])); err != nil {
			return Frame{}, &ParseError{Field: "frame user data", Err: err}
		}
	}
	return f, nil
}
