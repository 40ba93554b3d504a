// Package audio defines the telephony audio frame model and the G.711 μ-law
// codec used by the relay.
//
// Two encodings exist: [CodecPCMU] (160-byte frames) on the call side and
// [CodecL16] (320-byte little-endian PCM16 frames) on the wire. All functions
// in this package are stateless and safe to call from any goroutine, except
// [Converter] which is per-stream.
package audio

import (
	"fmt"
	"strings"
	"time"
)

// SampleRate is the only sample rate carried by the relay. Both supported
// codecs are narrowband telephony audio.
const SampleRate = 8000

// SamplesPerFrame is the number of samples in one 20 ms frame at [SampleRate].
const SamplesPerFrame = 160

// FrameDuration is the playout duration of one frame.
const FrameDuration = 20 * time.Millisecond

// Codec identifies the byte encoding of an [AudioFrame].
type Codec int

const (
	// CodecL16 is 16-bit signed linear PCM, little-endian, mono, 8 kHz.
	// One frame is 320 bytes.
	CodecL16 Codec = iota

	// CodecPCMU is G.711 μ-law, 8-bit, mono, 8 kHz. One frame is 160 bytes.
	CodecPCMU
)

// String returns the lower-case codec name used in configuration and logs.
func (c Codec) String() string {
	switch c {
	case CodecL16:
		return "l16"
	case CodecPCMU:
		return "pcmu"
	default:
		return "unknown"
	}
}

// FrameSize returns the number of bytes in one 20 ms frame of this codec.
func (c Codec) FrameSize() int {
	switch c {
	case CodecPCMU:
		return SamplesPerFrame
	case CodecL16:
		return SamplesPerFrame * 2
	default:
		return 0
	}
}

// ParseCodec maps a codec name to a [Codec]. Accepted names are "l16",
// "pcm16", "pcmu" and "ulaw" (case-insensitive).
func ParseCodec(s string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "l16", "pcm16":
		return CodecL16, nil
	case "pcmu", "ulaw", "mulaw":
		return CodecPCMU, nil
	default:
		return 0, fmt.Errorf("audio: unknown codec %q", s)
	}
}

// AudioFrame is one fixed-length 20 ms block of samples in a single codec.
// Frames are never partial: a frame whose byte count differs from
// Codec.FrameSize() is invalid.
type AudioFrame struct {
	// Codec is the encoding of Data.
	Codec Codec

	// Data holds exactly Codec.FrameSize() bytes for a valid frame.
	Data []byte

	// Timestamp marks when this frame was captured, relative to call start.
	Timestamp time.Duration
}

// MinFrameBytes is the smallest frame the relay forwards. Shorter frames
// produced by telephony hosts are comfort noise or keepalives.
const MinFrameBytes = SamplesPerFrame

// Validate reports an error when the frame length does not match its codec.
func (f AudioFrame) Validate() error {
	want := f.Codec.FrameSize()
	if want == 0 {
		return fmt.Errorf("audio: invalid codec %d", int(f.Codec))
	}
	if len(f.Data) != want {
		return fmt.Errorf("audio: %s frame has %d bytes, want %d", f.Codec, len(f.Data), want)
	}
	return nil
}
