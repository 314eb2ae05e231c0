package wire

import (
	"encoding/binary"
	"fmt"
)

// AudioFormatSize is the minimum length of the audio format side header.
const AudioFormatSize = 6

// SampleFormatS16 is the only sample format accepted: signed 16-bit
// little-endian interleaved PCM.
const SampleFormatS16 = 16

// AudioFormat describes the PCM carried by an audio frame.
type AudioFormat struct {
	SampleFormat uint8
	Channels     uint8
	SampleRate   uint32
}

// BytesPerSecond returns the PCM byte rate of the format.
func (f AudioFormat) BytesPerSecond() int {
	return int(f.Channels) * int(f.SampleRate) * 2
}

// ParseAudioFormat reads the audio format side header. Only 16-bit samples
// with a non-zero channel count and sample rate are accepted.
func ParseAudioFormat(b []byte) (AudioFormat, error) {
	if len(b) < AudioFormatSize {
		return AudioFormat{}, &ParseError{Field: "audio format", Err: ErrShortBuffer}
	}
	f := AudioFormat{
		SampleFormat: b[0],
		Channels:     b[1],
		SampleRate:   binary.LittleEndian.Uint32(b[2:]),
	}
	if f.SampleFormat != SampleFormatS16 {
		return AudioFormat{}, fmt.Errorf("sample format %d: %w", f.SampleFormat, ErrSampleFormat)
	}
	if f.Channels == 0 || f.SampleRate == 0 {
		return AudioFormat{}, &ParseError{Field: "audio format", Err: ErrSampleFormat}
	}
	return f, nil
}

// AppendAudioFormat appends the packed format header to buf.
func AppendAudioFormat(buf []byte, f AudioFormat) []byte {
	buf = append(buf, f.SampleFormat, f.Channels)
	return binary.LittleEndian.AppendUint32(buf, f.SampleRate)
}
