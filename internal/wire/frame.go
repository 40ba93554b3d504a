// Package wire implements the byte-stream protocol spoken between the relay
// and the AI gateway.
//
// A connection starts with a single handshake line identifying the call,
// followed by a stream of frames. Three sub-modes exist, chosen at deployment
// time and never negotiated:
//
//   - [ModeRaw]: bare 320-byte PCM16 audio frames, no control channel.
//   - [ModeTagged]: 0x01 + 320 bytes audio, 0x02 + text + '\n' control.
//   - [ModeLengthPrefixed]: bare 320-byte audio frames interleaved with
//     control messages carrying a 4-byte big-endian length prefix. The two
//     are told apart by peeking at the next four bytes; see [Parse].
//
// [Parse] is the single incremental parser; [Reader] drives it over a stream
// and never returns a partial frame.
package wire

import (
	"errors"
	"fmt"
	"strings"
)

// AudioPayloadSize is the size of one audio frame on the wire: 160 samples
// of 16-bit PCM (20 ms at 8 kHz).
const AudioPayloadSize = 320

const (
	// TagAudio prefixes an audio frame in [ModeTagged].
	TagAudio byte = 0x01

	// TagControl prefixes a control line in [ModeTagged].
	TagControl byte = 0x02
)

const (
	// MaxTaggedControl caps a tagged control line, newline included.
	MaxTaggedControl = 256

	// MaxPrefixedControl is the exclusive upper bound of a length prefix that
	// is recognised as a control message in [ModeLengthPrefixed].
	MaxPrefixedControl = 1024

	lengthPrefixSize = 4
)

// Mode selects the framing sub-mode.
type Mode int

const (
	// ModeRaw carries audio only.
	ModeRaw Mode = iota

	// ModeTagged prefixes every frame with a tag byte.
	ModeTagged

	// ModeLengthPrefixed sends raw audio and length-prefixed control text.
	ModeLengthPrefixed
)

// String returns the configuration name of the mode.
func (m Mode) String() string {
	switch m {
	case ModeRaw:
		return "raw"
	case ModeTagged:
		return "tagged"
	case ModeLengthPrefixed:
		return "length_prefixed"
	default:
		return "unknown"
	}
}

// IsValid reports whether m is a known mode.
func (m Mode) IsValid() bool {
	return m >= ModeRaw && m <= ModeLengthPrefixed
}

// ParseMode maps a configuration name to a [Mode].
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "raw":
		return ModeRaw, nil
	case "tagged":
		return ModeTagged, nil
	case "length_prefixed", "length-prefixed", "prefixed":
		return ModeLengthPrefixed, nil
	default:
		return 0, fmt.Errorf("wire: unknown mode %q", s)
	}
}

// FrameType distinguishes the payload of a [Frame].
type FrameType int

const (
	// FrameAudio carries [AudioPayloadSize] bytes of PCM16.
	FrameAudio FrameType = iota + 1

	// FrameControl carries a short UTF-8 control message.
	FrameControl
)

// String returns the frame type name.
func (t FrameType) String() string {
	switch t {
	case FrameAudio:
		return "audio"
	case FrameControl:
		return "control"
	default:
		return "unknown"
	}
}

// Frame is one decoded unit of the stream.
type Frame struct {
	Type FrameType

	// Audio holds exactly AudioPayloadSize bytes when Type is FrameAudio.
	Audio []byte

	// Text holds the control message without framing or trailing newline
	// when Type is FrameControl.
	Text string
}

// ErrAudioSize is returned when an audio payload is not exactly
// [AudioPayloadSize] bytes.
var ErrAudioSize = errors.New("wire: audio payload must be 320 bytes")

// ErrControlUnsupported is returned when encoding control text in [ModeRaw].
var ErrControlUnsupported = errors.New("wire: raw mode has no control channel")

// AppendAudio appends the wire encoding of one PCM16 frame to dst.
func (m Mode) AppendAudio(dst, pcm []byte) ([]byte, error) {
	if len(pcm) != AudioPayloadSize {
		return dst, fmt.Errorf("%w: got %d", ErrAudioSize, len(pcm))
	}
	switch m {
	case ModeTagged:
		dst = append(dst, TagAudio)
	case ModeRaw, ModeLengthPrefixed:
	default:
		return dst, fmt.Errorf("wire: encode audio: invalid mode %d", int(m))
	}
	return append(dst, pcm...), nil
}

// AppendControl appends the wire encoding of a control message to dst.
//
// Length-prefixed messages of exactly 320 bytes are refused: the receiver
// would read that prefix as the start of an audio frame.
func (m Mode) AppendControl(dst []byte, text string) ([]byte, error) {
	switch m {
	case ModeTagged:
		if strings.ContainsRune(text, '\n') {
			return dst, errors.New("wire: tagged control text must not contain a newline")
		}
		if len(text)+1 > MaxTaggedControl {
			return dst, fmt.Errorf("%w: %d bytes", ErrControlTooLong, len(text)+1)
		}
		dst = append(dst, TagControl)
		dst = append(dst, text...)
		return append(dst, '\n'), nil
	case ModeLengthPrefixed:
		n := len(text)
		if n == 0 || n >= MaxPrefixedControl {
			return dst, fmt.Errorf("%w: %d bytes", ErrControlTooLong, n)
		}
		if n == AudioPayloadSize {
			return dst, errors.New("wire: a 320-byte control message is indistinguishable from audio")
		}
		dst = append(dst, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
		return append(dst, text...), nil
	case ModeRaw:
		return dst, ErrControlUnsupported
	default:
		return dst, fmt.Errorf("wire: encode control: invalid mode %d", int(m))
	}
}
