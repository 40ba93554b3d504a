package audio

import "fmt"

const (
	ulawBias = 0x84
	ulawClip = 32635
)

// ulawExpTable is the decoded bias offset for each exponent segment:
// 132·(2^e − 1).
var ulawExpTable = [8]int32{0, 132, 396, 924, 1980, 4092, 8316, 16764}

// ULawToPCM16 expands one G.711 μ-law byte to a 16-bit linear sample.
func ULawToPCM16(u byte) int16 {
	u = ^u
	exponent := (u >> 4) & 0x07
	mantissa := int32(u & 0x0F)
	sample := ulawExpTable[exponent] + mantissa<<(exponent+3)
	if u&0x80 != 0 {
		return int16(-sample)
	}
	return int16(sample)
}

// PCM16ToULaw compresses one 16-bit linear sample to a G.711 μ-law byte.
// Magnitudes above 32635 are clipped.
func PCM16ToULaw(s int16) byte {
	sample := int32(s)
	var sign byte
	if sample < 0 {
		sign = 0x80
		sample = -sample
	}
	if sample > ulawClip {
		sample = ulawClip
	}
	sample += ulawBias

	exponent := byte(7)
	for mask := int32(0x4000); sample&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte(sample>>(exponent+3)) & 0x0F
	return ^(sign | exponent<<4 | mantissa)
}

// DecodeULawFrame expands a 160-byte μ-law frame into dst as 320 bytes of
// little-endian PCM16. It panics if either length is wrong.
func DecodeULawFrame(dst, src []byte) {
	if len(src) != CodecPCMU.FrameSize() || len(dst) != CodecL16.FrameSize() {
		panic(fmt.Sprintf("audio: DecodeULawFrame: got src=%d dst=%d bytes, want %d and %d",
			len(src), len(dst), CodecPCMU.FrameSize(), CodecL16.FrameSize()))
	}
	for i, u := range src {
		putSample(dst[i*2:], ULawToPCM16(u))
	}
}

// EncodeULawFrame compresses 320 bytes of little-endian PCM16 into a 160-byte
// μ-law frame in dst. It panics if either length is wrong.
func EncodeULawFrame(dst, src []byte) {
	if len(src) != CodecL16.FrameSize() || len(dst) != CodecPCMU.FrameSize() {
		panic(fmt.Sprintf("audio: EncodeULawFrame: got src=%d dst=%d bytes, want %d and %d",
			len(src), len(dst), CodecL16.FrameSize(), CodecPCMU.FrameSize()))
	}
	for i := range dst {
		dst[i] = PCM16ToULaw(sampleAt(src, i))
	}
}
