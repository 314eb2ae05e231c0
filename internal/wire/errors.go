package wire

import (
	"errors"
	"fmt"
)

// Sentinel errors for payload and frame parsing. Callers distinguish
// failure modes with errors.Is.
var (
	ErrShortBuffer     = errors.New("wire: buffer too short")
	ErrUnknownHeader   = errors.New("wire: unknown header type or version")
	ErrPayloadBounds   = errors.New("wire: sub-payload out of bounds")
	ErrSampleFormat    = errors.New("wire: unsupported sample format")
	ErrFrameTooLarge   = errors.New("wire: frame exceeds maximum size")
	ErrUnexpectedMsg   = errors.New("wire: unexpected control message")
	ErrChunkOutOfOrder = errors.New("wire: chunk out of order")
	ErrVersionMismatch = errors.New("wire: protocol version mismatch")
)

// ParseError indicates a failure to parse a field of a wire structure. It
// records which field was being parsed and wraps the underlying error.
type ParseError struct {
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("wire: parse %s: %v", e.Field, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
