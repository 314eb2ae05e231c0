package decode

import (
	"errors"

	"github.com/zsiec/volcast/internal/wire"
)

var (
	ErrUnknownStream = errors.New("decode: unknown stream type")
	ErrWrongStream   = errors.New("decode: payload belongs to another stream type")
	ErrCorrupt       = errors.New("decode: corrupt payload")
)

// Input is one geometry payload waiting to be decoded.
type Input struct {
	Timestamp  float64
	FrameIndex int64
	Data       []byte
}

// Codec decodes the payloads of a single stream type. Validate performs
// the cheap structural checks run before a payload is handed to Decode.
type Codec interface {
	Name() string
	StreamType() wire.StreamType
	Validate(payload []byte) error
	Decode(in Input, out *Result) error
}
