package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrNeedMoreData is returned by [Parse] when buf holds only part of a frame.
var ErrNeedMoreData = errors.New("wire: need more data")

// Protocol error causes. They arrive wrapped in a [*ProtocolError].
var (
	ErrUnknownTag     = errors.New("wire: unknown frame tag")
	ErrControlTooLong = errors.New("wire: control message too long")
	ErrInvalidText    = errors.New("wire: control text is not valid UTF-8")
)

// ProtocolError reports a recoverable framing problem. The offending bytes
// have already been consumed; the stream stays usable.
type ProtocolError struct {
	// Err is one of ErrUnknownTag, ErrControlTooLong or ErrInvalidText.
	Err error

	// Tag is the offending tag byte for ErrUnknownTag.
	Tag byte

	// Skipped is the number of bytes discarded.
	Skipped int
}

func (e *ProtocolError) Error() string {
	if errors.Is(e.Err, ErrUnknownTag) {
		return fmt.Sprintf("%v 0x%02x", e.Err, e.Tag)
	}
	return fmt.Sprintf("%v (skipped %d bytes)", e.Err, e.Skipped)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Kind returns a short label for metrics and logs.
func (e *ProtocolError) Kind() string {
	switch {
	case errors.Is(e.Err, ErrUnknownTag):
		return "unknown_tag"
	case errors.Is(e.Err, ErrControlTooLong):
		return "control_too_long"
	case errors.Is(e.Err, ErrInvalidText):
		return "invalid_text"
	default:
		return "other"
	}
}

// Parse decodes the first frame in buf. It returns the frame and the number
// of bytes consumed. Audio payloads alias buf.
//
// When buf holds an incomplete frame Parse returns [ErrNeedMoreData] and
// consumes nothing. A [*ProtocolError] comes with a positive consumed count
// so the caller can skip past the bad bytes and continue.
//
// In [ModeLengthPrefixed] the first four bytes are inspected as a big-endian
// length. A value in (0, 1024) other than 320 starts a control message of
// that many bytes; anything else, 320 included, means the next 320 bytes are
// raw audio. A genuine 320-byte control message is therefore always misread
// as audio. The exclusion keeps compatibility with deployed gateways.
func Parse(mode Mode, buf []byte) (Frame, int, error) {
	switch mode {
	case ModeRaw:
		return parseRawAudio(buf)
	case ModeTagged:
		return parseTagged(buf)
	case ModeLengthPrefixed:
		return parseLengthPrefixed(buf)
	default:
		return Frame{}, 0, fmt.Errorf("wire: parse: invalid mode %d", int(mode))
	}
}

func parseRawAudio(buf []byte) (Frame, int, error) {
	if len(buf) < AudioPayloadSize {
		return Frame{}, 0, ErrNeedMoreData
	}
	return Frame{Type: FrameAudio, Audio: buf[:AudioPayloadSize]}, AudioPayloadSize, nil
}

func parseTagged(buf []byte) (Frame, int, error) {
	if len(buf) == 0 {
		return Frame{}, 0, ErrNeedMoreData
	}
	switch tag := buf[0]; tag {
	case TagAudio:
		if len(buf) < 1+AudioPayloadSize {
			return Frame{}, 0, ErrNeedMoreData
		}
		return Frame{Type: FrameAudio, Audio: buf[1 : 1+AudioPayloadSize]}, 1 + AudioPayloadSize, nil

	case TagControl:
		body := buf[1:]
		window := body
		if len(window) > MaxTaggedControl {
			window = window[:MaxTaggedControl]
		}
		i := bytes.IndexByte(window, '\n')
		if i < 0 {
			if len(body) >= MaxTaggedControl {
				return Frame{}, 1 + MaxTaggedControl, &ProtocolError{Err: ErrControlTooLong, Tag: tag, Skipped: 1 + MaxTaggedControl}
			}
			return Frame{}, 0, ErrNeedMoreData
		}
		consumed := 1 + i + 1
		line := bytes.TrimSuffix(body[:i], []byte{'\r'})
		if !utf8.Valid(line) {
			return Frame{}, consumed, &ProtocolError{Err: ErrInvalidText, Tag: tag, Skipped: consumed}
		}
		return Frame{Type: FrameControl, Text: string(line)}, consumed, nil

	default:
		return Frame{}, 1, &ProtocolError{Err: ErrUnknownTag, Tag: tag, Skipped: 1}
	}
}

func parseLengthPrefixed(buf []byte) (Frame, int, error) {
	if len(buf) < lengthPrefixSize {
		return Frame{}, 0, ErrNeedMoreData
	}
	n := binary.BigEndian.Uint32(buf[:lengthPrefixSize])
	if n == 0 || n >= MaxPrefixedControl || n == AudioPayloadSize {
		return parseRawAudio(buf)
	}

	total := lengthPrefixSize + int(n)
	if len(buf) < total {
		return Frame{}, 0, ErrNeedMoreData
	}
	text := buf[lengthPrefixSize:total]
	if !utf8.Valid(text) {
		return Frame{}, total, &ProtocolError{Err: ErrInvalidText, Skipped: total}
	}
	return Frame{Type: FrameControl, Text: string(text)}, total, nil
}
