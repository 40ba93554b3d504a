package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"
)

// pattern returns a 320-byte payload with a recognisable byte pattern.
func pattern(seed byte) []byte {
	p := make([]byte, AudioPayloadSize)
	for i := range p {
		p[i] = seed + byte(i)
	}
	return p
}

func prefixed(text string) []byte {
	b := make([]byte, 4, 4+len(text))
	binary.BigEndian.PutUint32(b, uint32(len(text)))
	return append(b, text...)
}

func TestAudioRoundTrip_AllModes(t *testing.T) {
	t.Parallel()
	for _, mode := range []Mode{ModeRaw, ModeTagged, ModeLengthPrefixed} {
		t.Run(mode.String(), func(t *testing.T) {
			payload := pattern(7)
			enc, err := mode.AppendAudio(nil, payload)
			if err != nil {
				t.Fatalf("AppendAudio: %v", err)
			}
			f, n, err := Parse(mode, enc)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if n != len(enc) {
				t.Errorf("consumed %d, want %d", n, len(enc))
			}
			if f.Type != FrameAudio || !bytes.Equal(f.Audio, payload) {
				t.Fatalf("got %s frame, payload equal=%v", f.Type, bytes.Equal(f.Audio, payload))
			}
		})
	}
}

func TestAppendAudio_Encoding(t *testing.T) {
	t.Parallel()
	payload := pattern(0)

	tagged, _ := ModeTagged.AppendAudio(nil, payload)
	if len(tagged) != 321 || tagged[0] != TagAudio {
		t.Errorf("tagged audio: len=%d first=%#x, want 321 and 0x01", len(tagged), tagged[0])
	}
	raw, _ := ModeRaw.AppendAudio(nil, payload)
	if !bytes.Equal(raw, payload) {
		t.Error("raw audio must be the bare payload")
	}
	if _, err := ModeTagged.AppendAudio(nil, payload[:100]); !errors.Is(err, ErrAudioSize) {
		t.Errorf("short payload err = %v, want ErrAudioSize", err)
	}
}

func TestAppendControl(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mode    Mode
		text    string
		want    []byte
		wantErr bool
	}{
		{"tagged", ModeTagged, HangupMessage, append(append([]byte{0x02}, HangupMessage...), '\n'), false},
		{"prefixed", ModeLengthPrefixed, HangupMessage, append([]byte{0, 0, 0, 0x11}, HangupMessage...), false},
		{"raw", ModeRaw, HangupMessage, nil, true},
		{"tagged newline", ModeTagged, "a\nb", nil, true},
		{"tagged too long", ModeTagged, strings.Repeat("x", 256), nil, true},
		{"prefixed empty", ModeLengthPrefixed, "", nil, true},
		{"prefixed 320", ModeLengthPrefixed, strings.Repeat("x", 320), nil, true},
		{"prefixed 1024", ModeLengthPrefixed, strings.Repeat("x", 1024), nil, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.mode.AppendControl(nil, tc.text)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if !tc.wantErr && !bytes.Equal(got, tc.want) {
				t.Errorf("got % x, want % x", got, tc.want)
			}
		})
	}
}

func TestParseTagged(t *testing.T) {
	t.Parallel()

	t.Run("control line", func(t *testing.T) {
		buf := append([]byte{TagControl}, "{\"type\":\"hangup\"}\r\n"...)
		f, n, err := Parse(ModeTagged, buf)
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		if f.Type != FrameControl || f.Text != HangupMessage || n != len(buf) {
			t.Errorf("got %s %q consumed %d", f.Type, f.Text, n)
		}
	})

	t.Run("incomplete audio", func(t *testing.T) {
		buf := append([]byte{TagAudio}, make([]byte, 100)...)
		if _, n, err := Parse(ModeTagged, buf); !errors.Is(err, ErrNeedMoreData) || n != 0 {
			t.Errorf("err = %v consumed %d, want ErrNeedMoreData and 0", err, n)
		}
	})

	t.Run("incomplete control", func(t *testing.T) {
		buf := append([]byte{TagControl}, "{\"type\""...)
		if _, _, err := Parse(ModeTagged, buf); !errors.Is(err, ErrNeedMoreData) {
			t.Errorf("err = %v, want ErrNeedMoreData", err)
		}
	})

	t.Run("unknown tag", func(t *testing.T) {
		_, n, err := Parse(ModeTagged, []byte{0x03, TagAudio})
		var pe *ProtocolError
		if !errors.As(err, &pe) || !errors.Is(err, ErrUnknownTag) {
			t.Fatalf("err = %v, want ProtocolError(ErrUnknownTag)", err)
		}
		if pe.Tag != 0x03 || n != 1 || pe.Kind() != "unknown_tag" {
			t.Errorf("tag=%#x consumed=%d kind=%s", pe.Tag, n, pe.Kind())
		}
	})

	t.Run("control too long", func(t *testing.T) {
		buf := append([]byte{TagControl}, bytes.Repeat([]byte("x"), 300)...)
		_, n, err := Parse(ModeTagged, buf)
		if !errors.Is(err, ErrControlTooLong) {
			t.Fatalf("err = %v, want ErrControlTooLong", err)
		}
		if n != 1+MaxTaggedControl {
			t.Errorf("consumed %d, want %d", n, 1+MaxTaggedControl)
		}
	})

	t.Run("control of exactly 256 bytes", func(t *testing.T) {
		line := strings.Repeat("x", 255) + "\n"
		f, n, err := Parse(ModeTagged, append([]byte{TagControl}, line...))
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		if len(f.Text) != 255 || n != 257 {
			t.Errorf("text len %d consumed %d", len(f.Text), n)
		}
	})

	t.Run("invalid utf-8", func(t *testing.T) {
		_, n, err := Parse(ModeTagged, []byte{TagControl, 0xff, 0xfe, '\n'})
		if !errors.Is(err, ErrInvalidText) || n != 4 {
			t.Errorf("err = %v consumed %d, want ErrInvalidText and 4", err, n)
		}
	})
}

func TestParseLengthPrefixed(t *testing.T) {
	t.Parallel()

	t.Run("control", func(t *testing.T) {
		buf := prefixed(HangupMessage)
		f, n, err := Parse(ModeLengthPrefixed, buf)
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		if f.Type != FrameControl || f.Text != HangupMessage || n != 4+17 {
			t.Errorf("got %s %q consumed %d", f.Type, f.Text, n)
		}
	})

	t.Run("prefix 320 is always audio", func(t *testing.T) {
		buf := prefixed(strings.Repeat("c", 320))
		f, n, err := Parse(ModeLengthPrefixed, buf)
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		if f.Type != FrameAudio || n != AudioPayloadSize {
			t.Fatalf("got %s consumed %d, want audio and 320", f.Type, n)
		}
		if !bytes.Equal(f.Audio[:4], []byte{0, 0, 1, 0x40}) {
			t.Errorf("audio must start with the would-be prefix, got % x", f.Audio[:4])
		}
	})

	boundaries := []struct {
		name      string
		prefix    uint32
		wantAudio bool
	}{
		{"zero", 0, true},
		{"one", 1, false},
		{"319", 319, false},
		{"321", 321, false},
		{"1023", 1023, false},
		{"1024", 1024, true},
		{"huge", 0xFFFFFFFF, true},
	}
	for _, tc := range boundaries {
		t.Run("boundary "+tc.name, func(t *testing.T) {
			buf := make([]byte, 4+1100)
			binary.BigEndian.PutUint32(buf, tc.prefix)
			f, _, err := Parse(ModeLengthPrefixed, buf)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if got := f.Type == FrameAudio; got != tc.wantAudio {
				t.Errorf("prefix %d: audio=%v, want %v", tc.prefix, got, tc.wantAudio)
			}
		})
	}

	t.Run("short peek", func(t *testing.T) {
		if _, _, err := Parse(ModeLengthPrefixed, []byte{0, 0}); !errors.Is(err, ErrNeedMoreData) {
			t.Errorf("err = %v, want ErrNeedMoreData", err)
		}
	})

	t.Run("incomplete control body", func(t *testing.T) {
		buf := prefixed(HangupMessage)[:10]
		if _, n, err := Parse(ModeLengthPrefixed, buf); !errors.Is(err, ErrNeedMoreData) || n != 0 {
			t.Errorf("err = %v consumed %d", err, n)
		}
	})

	t.Run("invalid utf-8 body is skipped", func(t *testing.T) {
		buf := append([]byte{0, 0, 0, 2}, 0xff, 0xfe)
		_, n, err := Parse(ModeLengthPrefixed, buf)
		if !errors.Is(err, ErrInvalidText) || n != 6 {
			t.Errorf("err = %v consumed %d", err, n)
		}
	})
}

func TestReader_MixedStreamOneByteAtATime(t *testing.T) {
	t.Parallel()
	var stream []byte
	stream, _ = ModeTagged.AppendAudio(stream, pattern(1))
	stream = append(stream, 0x03) // unknown tag
	stream, _ = ModeTagged.AppendControl(stream, `{"type":"note"}`)
	stream, _ = ModeTagged.AppendAudio(stream, pattern(2))

	r := NewReader(iotest.OneByteReader(bytes.NewReader(stream)), ModeTagged)

	f, err := r.ReadFrame()
	if err != nil || f.Type != FrameAudio || !bytes.Equal(f.Audio, pattern(1)) {
		t.Fatalf("frame 1: %v %v", f.Type, err)
	}
	if _, err := r.ReadFrame(); !errors.Is(err, ErrUnknownTag) {
		t.Fatalf("frame 2 err = %v, want ErrUnknownTag", err)
	}
	f, err = r.ReadFrame()
	if err != nil || f.Type != FrameControl || f.Text != `{"type":"note"}` {
		t.Fatalf("frame 3: %v %q %v", f.Type, f.Text, err)
	}
	f, err = r.ReadFrame()
	if err != nil || f.Type != FrameAudio || !bytes.Equal(f.Audio, pattern(2)) {
		t.Fatalf("frame 4: %v %v", f.Type, err)
	}
	if _, err := r.ReadFrame(); !errors.Is(err, io.EOF) {
		t.Fatalf("after last frame err = %v, want io.EOF", err)
	}
}

func TestReader_CloseMidFrame(t *testing.T) {
	t.Parallel()
	for _, mode := range []Mode{ModeRaw, ModeTagged, ModeLengthPrefixed} {
		t.Run(mode.String(), func(t *testing.T) {
			enc, _ := mode.AppendAudio(nil, pattern(3))
			r := NewReader(bytes.NewReader(enc[:100]), mode)
			f, err := r.ReadFrame()
			if !errors.Is(err, io.ErrUnexpectedEOF) {
				t.Fatalf("err = %v, want io.ErrUnexpectedEOF", err)
			}
			if f.Audio != nil {
				t.Fatal("a truncated audio frame was returned")
			}
		})
	}
}

func TestReader_AudioIsCopied(t *testing.T) {
	t.Parallel()
	var stream []byte
	stream, _ = ModeRaw.AppendAudio(stream, pattern(1))
	stream, _ = ModeRaw.AppendAudio(stream, pattern(9))
	r := NewReader(bytes.NewReader(stream), ModeRaw)

	first, _ := r.ReadFrame()
	_, _ = r.ReadFrame()
	if !bytes.Equal(first.Audio, pattern(1)) {
		t.Fatal("first frame payload changed after reading the next frame")
	}
}

func TestReader_PropagatesReadError(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	r := NewReader(iotest.ErrReader(boom), ModeRaw)
	if _, err := r.ReadFrame(); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
}

func TestHandshake(t *testing.T) {
	t.Parallel()

	line, err := AppendHandshake(nil, HandshakeLine, Handshake{SessionID: "abc-123", CallerID: "5551234567"})
	if err != nil {
		t.Fatalf("AppendHandshake line: %v", err)
	}
	if got, want := string(line), "NOVA_SESSION:abc-123:CALLER:5551234567\n"; got != want {
		t.Errorf("line handshake = %q, want %q", got, want)
	}

	js, err := AppendHandshake(nil, HandshakeJSON, Handshake{SessionID: "abc-123"})
	if err != nil {
		t.Fatalf("AppendHandshake json: %v", err)
	}
	want := `{"call_uuid":"abc-123","caller":"Unknown","sample_rate":8000,"channels":1,"format":"PCM16"}` + "\n"
	if string(js) != want {
		t.Errorf("json handshake = %q, want %q", js, want)
	}

	for _, tc := range []struct {
		in         string
		wantFormat HandshakeFormat
		want       Handshake
	}{
		{"NOVA_SESSION:abc-123:CALLER:5551234567\n", HandshakeLine, Handshake{"abc-123", "5551234567"}},
		{"NOVA_SESSION:a:b:CALLER:", HandshakeLine, Handshake{"a:b", UnknownCaller}},
		{"NOVA_SESSION:only-id", HandshakeLine, Handshake{"only-id", UnknownCaller}},
		{strings.TrimSpace(want), HandshakeJSON, Handshake{"abc-123", UnknownCaller}},
	} {
		h, f, err := ParseHandshake([]byte(tc.in))
		if err != nil {
			t.Errorf("ParseHandshake(%q): %v", tc.in, err)
			continue
		}
		if h != tc.want || f != tc.wantFormat {
			t.Errorf("ParseHandshake(%q) = %+v/%s, want %+v/%s", tc.in, h, f, tc.want, tc.wantFormat)
		}
	}

	for _, bad := range []string{"HELLO", "NOVA_SESSION:", `{"caller":"x"}`, `{not json`} {
		if _, _, err := ParseHandshake([]byte(bad)); err == nil {
			t.Errorf("ParseHandshake(%q) succeeded, want error", bad)
		}
	}

	if _, err := AppendHandshake(nil, HandshakeLine, Handshake{}); err == nil {
		t.Error("expected error for empty session id")
	}
}

func TestReader_ReadHandshakeThenFrames(t *testing.T) {
	t.Parallel()
	stream, _ := AppendHandshake(nil, HandshakeJSON, Handshake{SessionID: "s1", CallerID: "42"})
	stream, _ = ModeLengthPrefixed.AppendAudio(stream, pattern(5))

	r := NewReader(iotest.HalfReader(bytes.NewReader(stream)), ModeLengthPrefixed)
	h, format, err := r.ReadHandshake()
	if err != nil {
		t.Fatalf("ReadHandshake: %v", err)
	}
	if h.SessionID != "s1" || h.CallerID != "42" || format != HandshakeJSON {
		t.Errorf("handshake = %+v %s", h, format)
	}
	f, err := r.ReadFrame()
	if err != nil || !bytes.Equal(f.Audio, pattern(5)) {
		t.Fatalf("ReadFrame after handshake: %v", err)
	}
}

func TestIsHangup(t *testing.T) {
	t.Parallel()
	tests := []struct {
		mode Mode
		text string
		want bool
	}{
		{ModeTagged, HangupMessage, true},
		{ModeTagged, `{"type":"hangup","reason":"done"}`, true},
		{ModeTagged, "hangup", false},
		{ModeTagged, `{"type":"mute"}`, false},
		{ModeLengthPrefixed, HangupMessage, true},
		{ModeLengthPrefixed, "please hangup now", true},
		{ModeLengthPrefixed, `{"type":"mute"}`, false},
		{ModeRaw, "hangup", true},
	}
	for _, tc := range tests {
		if got := IsHangup(tc.mode, tc.text); got != tc.want {
			t.Errorf("IsHangup(%s, %q) = %v, want %v", tc.mode, tc.text, got, tc.want)
		}
	}
}

func TestParseMode(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]Mode{"raw": ModeRaw, "TAGGED": ModeTagged, "length-prefixed": ModeLengthPrefixed, "length_prefixed": ModeLengthPrefixed} {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Errorf("ParseMode(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseMode("json"); err == nil {
		t.Error("expected error")
	}
}
