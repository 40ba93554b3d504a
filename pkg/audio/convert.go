package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
)

// sampleAt reads the i-th little-endian int16 sample from pcm.
func sampleAt(pcm []byte, i int) int16 {
	return int16(binary.LittleEndian.Uint16(pcm[i*2:]))
}

// putSample writes s as little-endian int16 into the first two bytes of dst.
func putSample(dst []byte, s int16) {
	binary.LittleEndian.PutUint16(dst, uint16(s))
}

// SamplesToBytes converts int16 samples to little-endian PCM bytes.
func SamplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		putSample(out[i*2:], s)
	}
	return out
}

// Transcode returns frame re-encoded as codec to. When the frame already uses
// to it is returned unchanged (zero allocation). The frame must be valid.
func Transcode(frame AudioFrame, to Codec) (AudioFrame, error) {
	if err := frame.Validate(); err != nil {
		return AudioFrame{}, err
	}
	if frame.Codec == to {
		return frame, nil
	}
	out := AudioFrame{Codec: to, Data: make([]byte, to.FrameSize()), Timestamp: frame.Timestamp}
	switch {
	case frame.Codec == CodecPCMU && to == CodecL16:
		DecodeULawFrame(out.Data, frame.Data)
	case frame.Codec == CodecL16 && to == CodecPCMU:
		EncodeULawFrame(out.Data, frame.Data)
	default:
		return AudioFrame{}, fmt.Errorf("audio: cannot transcode %s to %s", frame.Codec, to)
	}
	return out, nil
}

// Converter transcodes frames of one stream to a target codec. It logs a
// warning on the first codec mismatch and on the first invalid frame, then
// stays quiet. Create one per stream; not designed for shared use across
// goroutines.
type Converter struct {
	Target         Codec
	warnedMismatch sync.Once
	warnedInvalid  sync.Once
}

// Convert transcodes frame to c.Target. Invalid frames yield ok=false and are
// meant to be dropped by the caller.
func (c *Converter) Convert(frame AudioFrame) (out AudioFrame, ok bool) {
	if err := frame.Validate(); err != nil {
		c.warnedInvalid.Do(func() {
			slog.Warn("audio converter: invalid frame, dropping",
				"codec", frame.Codec.String(),
				"bytes", len(frame.Data),
				"err", err,
			)
		})
		return AudioFrame{}, false
	}
	if frame.Codec == c.Target {
		return frame, true
	}
	c.warnedMismatch.Do(func() {
		slog.Debug("audio converter: transcoding stream",
			"from", frame.Codec.String(),
			"to", c.Target.String(),
		)
	})
	out, err := Transcode(frame, c.Target)
	if err != nil {
		return AudioFrame{}, false
	}
	return out, true
}
