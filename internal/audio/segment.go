package audio

import (
	"encoding/binary"
	"math"
)

// Segment is one packet's worth of interleaved 16-bit PCM placed on the
// stream-relative timeline.
type Segment struct {
	FrameNum  int64
	Timestamp float64
	Duration  float64
	PCM       []byte
}

// valid reports whether s can serve as the start point of an
// interpolation.
func (s *Segment) valid() bool {
	return s.FrameNum >= 0 && s.Duration > 0 && len(s.PCM) >= 2
}

func lerp(v0, v1, t float64) float64 {
	return (1-t)*v0 + t*v1
}

// interpolate builds the segment at fraction t between prev (t=0) and
// next (t=1). Each output sample index is mapped proportionally into both
// source buffers, so segments of different lengths blend consistently.
func interpolate(prev, next *Segment, t float64) Segment {
	out := Segment{
		FrameNum:  int64(math.Round(lerp(float64(prev.FrameNum), float64(next.FrameNum), t))),
		Timestamp: lerp(prev.Timestamp, next.Timestamp, t),
		Duration:  lerp(prev.Duration, next.Duration, t),
	}

	n := int(math.Round(lerp(float64(len(prev.PCM)), float64(len(next.PCM)), t)))
	n -= n % 2
	if n <= 0 {
		return out
	}

	out.PCM = make([]byte, 0, n)
	for i := 0; i < n; i += 2 {
		i0 := i * len(prev.PCM) / n
		i0 -= i0 % 2
		i1 := i * len(next.PCM) / n
		i1 -= i1 % 2
		if i0+1 >= len(prev.PCM) || i1+1 >= len(next.PCM) {
			continue
		}
		v0 := int16(binary.LittleEndian.Uint16(prev.PCM[i0:]))
		v1 := int16(binary.LittleEndian.Uint16(next.PCM[i1:]))
		v := int16(lerp(float64(v0), float64(v1), t))
		out.PCM = binary.LittleEndian.AppendUint16(out.PCM, uint16(v))
	}
	return out
}
