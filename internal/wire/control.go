package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/quic-go/quic-go/quicvarint"
)

// Control message type IDs exchanged on the session's control stream.
const (
	MsgHello     uint64 = 0x01
	MsgAuthOK    uint64 = 0x02
	MsgAuthError uint64 = 0x03
	MsgGoAway    uint64 = 0x04
)

// ProtocolVersion is the control protocol version sent in HELLO.
const ProtocolVersion uint64 = 1

// Channel roles announced in HELLO.
const (
	RoleGeometry byte = 0x00
	RoleAudio    byte = 0x01
)

// Auth error codes carried in AUTH_ERROR.
const (
	AuthErrInvalidToken uint64 = 0x01
	AuthErrVersion      uint64 = 0x02
	AuthErrInternal     uint64 = 0x03
)

// Hello is the first message sent by a receiver on the control stream.
type Hello struct {
	Version  uint64
	Role     byte
	Username string
	Token    string
}

// AuthOK accepts a session.
type AuthOK struct {
	SessionID string
}

// AuthError rejects a session. The sender closes the connection after
// writing it.
type AuthError struct {
	Code   uint64
	Reason string
}

func (e AuthError) Error() string {
	return fmt.Sprintf("auth rejected (code %d): %s", e.Code, e.Reason)
}

// ReadControlMsg reads a control message.
// Wire format: [message_type (varint)] [message_length (uint16 big-endian)] [payload].
func ReadControlMsg(r quicvarint.Reader) (uint64, []byte, error) {
	msgType, err := quicvarint.Read(r)
	if err != nil {
		return 0, nil, fmt.Errorf("read message type: %w", err)
	}

	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, fmt.Errorf("read message length: %w", err)
	}
	length := binary.BigEndian.Uint16(lenBuf[:])

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, fmt.Errorf("read message payload: %w", err)
		}
	}
	return msgType, payload, nil
}

// WriteControlMsg writes a control message as a single Write call.
func WriteControlMsg(w io.Writer, msgType uint64, payload []byte) error {
	if len(payload) > 0xffff {
		return fmt.Errorf("control message 0x%x: payload %d bytes: %w", msgType, len(payload), ErrFrameTooLarge)
	}
	buf := quicvarint.Append(nil, msgType)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(payload)))
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}

// SerializeHello serializes a HELLO payload.
func SerializeHello(h Hello) []byte {
	var buf []byte
	buf = quicvarint.Append(buf, h.Version)
	buf = append(buf, h.Role)
	buf = appendVarIntBytes(buf, []byte(h.Username))
	buf = appendVarIntBytes(buf, []byte(h.Token))
	return buf
}

// ParseHello parses a HELLO payload.
func ParseHello(data []byte) (Hello, error) {
	r := newBufReader(data)
	var h Hello
	var err error

	if h.Version, err = r.readVarint(); err != nil {
		return h, &ParseError{Field: "version", Err: err}
	}
	if h.Role, err = r.readByte(); err != nil {
		return h, &ParseError{Field: "role", Err: err}
	}
	user, err := r.readVarIntBytes()
	if err != nil {
		return h, &ParseError{Field: "username", Err: err}
	}
	h.Username = string(user)
	token, err := r.readVarIntBytes()
	if err != nil {
		return h, &ParseError{Field: "token", Err: err}
	}
	h.Token = string(token)
	return h, nil
}

// SerializeAuthOK serializes an AUTH_OK payload.
func SerializeAuthOK(ok AuthOK) []byte {
	return appendVarIntBytes(nil, []byte(ok.SessionID))
}

// ParseAuthOK parses an AUTH_OK payload.
func ParseAuthOK(data []byte) (AuthOK, error) {
	id, err := newBufReader(data).readVarIntBytes()
	if err != nil {
		return AuthOK{}, &ParseError{Field: "session id", Err: err}
	}
	return AuthOK{SessionID: string(id)}, nil
}

// SerializeAuthError serializes an AUTH_ERROR payload.
func SerializeAuthError(e AuthError) []byte {
	buf := quicvarint.Append(nil, e.Code)
	return appendVarIntBytes(buf, []byte(e.Reason))
}

// ParseAuthError parses an AUTH_ERROR payload.
func ParseAuthError(data []byte) (AuthError, error) {
	r := newBufReader(data)
	var e AuthError
	var err error
	if e.Code, err = r.readVarint(); err != nil {
		return e, &ParseError{Field: "error code", Err: err}
	}
	reason, err := r.readVarIntBytes()
	if err != nil {
		return e, &ParseError{Field: "reason", Err: err}
	}
	e.Reason = string(reason)
	return e, nil
}

// appendVarIntBytes appends a varint-length-prefixed byte string to buf.
func appendVarIntBytes(buf []byte, data []byte) []byte {
	buf = quicvarint.Append(buf, uint64(len(data)))
	return append(buf, data...)
}

// bufReader wraps a byte slice for sequential varint/byte reading.
type bufReader struct {
	data []byte
	pos  int
}

func newBufReader(data []byte) *bufReader {
	return &bufReader{data: data}
}

func (b *bufReader) readVarint() (uint64, error) {
	if b.pos >= len(b.data) {
		return 0, io.ErrUnexpectedEOF
	}
	val, n, err := quicvarint.Parse(b.data[b.pos:])
	if err != nil {
		return 0, err
	}
	b.pos += n
	return val, nil
}

func (b *bufReader) readByte() (byte, error) {
	if b.pos >= len(b.data) {
		return 0, io.ErrUnexpectedEOF
	}
	v := b.data[b.pos]
	b.pos++
	return v, nil
}

func (b *bufReader) readN(n int) ([]byte, error) {
	end := b.pos + n
	if n < 0 || end > len(b.data) {
		return nil, io.ErrUnexpectedEOF
	}
	val := b.data[b.pos:end:end]
	b.pos = end
	return val, nil
}

func (b *bufReader) readVarIntBytes() ([]byte, error) {
	length, err := b.readVarint()
	if err != nil {
		return nil, err
	}
	if length > uint64(len(b.data)) {
		return nil, io.ErrUnexpectedEOF
	}
	return b.readN(int(length))
}
