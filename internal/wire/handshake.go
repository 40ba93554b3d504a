package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// UnknownCaller is used when the telephony host has no caller identity.
const UnknownCaller = "Unknown"

const (
	lineSessionPrefix = "NOVA_SESSION:"
	lineCallerSep     = ":CALLER:"
)

// HandshakeFormat selects the encoding of the opening handshake.
type HandshakeFormat int

const (
	// HandshakeJSON is a single JSON object line describing the call and the
	// audio format.
	HandshakeJSON HandshakeFormat = iota

	// HandshakeLine is NOVA_SESSION:<session_id>:CALLER:<caller_id>.
	HandshakeLine
)

// String returns the configuration name of the format.
func (f HandshakeFormat) String() string {
	switch f {
	case HandshakeJSON:
		return "json"
	case HandshakeLine:
		return "line"
	default:
		return "unknown"
	}
}

// ParseHandshakeFormat maps a configuration name to a [HandshakeFormat].
func ParseHandshakeFormat(s string) (HandshakeFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json":
		return HandshakeJSON, nil
	case "line", "text":
		return HandshakeLine, nil
	default:
		return 0, fmt.Errorf("wire: unknown handshake format %q", s)
	}
}

// Handshake identifies the call to the gateway. It is sent exactly once,
// immediately after connecting and before any audio.
type Handshake struct {
	SessionID string
	CallerID  string
}

// jsonHandshake is the JSON handshake layout. Field order is part of the
// wire format.
type jsonHandshake struct {
	CallUUID   string `json:"call_uuid"`
	Caller     string `json:"caller"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Format     string `json:"format"`
}

// AppendHandshake appends the newline-terminated handshake to dst. An empty
// CallerID is sent as [UnknownCaller].
func AppendHandshake(dst []byte, format HandshakeFormat, h Handshake) ([]byte, error) {
	if h.SessionID == "" {
		return dst, errors.New("wire: handshake requires a session id")
	}
	if strings.ContainsAny(h.SessionID+h.CallerID, "\r\n") {
		return dst, errors.New("wire: handshake fields must not contain line breaks")
	}
	caller := h.CallerID
	if caller == "" {
		caller = UnknownCaller
	}

	switch format {
	case HandshakeLine:
		dst = append(dst, lineSessionPrefix...)
		dst = append(dst, h.SessionID...)
		dst = append(dst, lineCallerSep...)
		dst = append(dst, caller...)
		return append(dst, '\n'), nil
	case HandshakeJSON:
		b, err := json.Marshal(jsonHandshake{
			CallUUID:   h.SessionID,
			Caller:     caller,
			SampleRate: 8000,
			Channels:   1,
			Format:     "PCM16",
		})
		if err != nil {
			return dst, fmt.Errorf("wire: marshal handshake: %w", err)
		}
		dst = append(dst, b...)
		return append(dst, '\n'), nil
	default:
		return dst, fmt.Errorf("wire: invalid handshake format %d", int(format))
	}
}

// ParseHandshake decodes a handshake line (without or with its trailing
// newline) in either format. A missing caller becomes [UnknownCaller].
func ParseHandshake(line []byte) (Handshake, HandshakeFormat, error) {
	line = bytes.TrimSpace(line)

	if bytes.HasPrefix(line, []byte("{")) {
		var jh jsonHandshake
		if err := json.Unmarshal(line, &jh); err != nil {
			return Handshake{}, HandshakeJSON, fmt.Errorf("wire: parse JSON handshake: %w", err)
		}
		if jh.CallUUID == "" {
			return Handshake{}, HandshakeJSON, errors.New("wire: JSON handshake has no call_uuid")
		}
		if jh.Caller == "" {
			jh.Caller = UnknownCaller
		}
		return Handshake{SessionID: jh.CallUUID, CallerID: jh.Caller}, HandshakeJSON, nil
	}

	rest, ok := strings.CutPrefix(string(line), lineSessionPrefix)
	if !ok {
		return Handshake{}, HandshakeLine, fmt.Errorf("wire: unrecognised handshake %q", truncate(line, 64))
	}
	h := Handshake{CallerID: UnknownCaller}
	if i := strings.LastIndex(rest, lineCallerSep); i >= 0 {
		h.SessionID = rest[:i]
		if c := rest[i+len(lineCallerSep):]; c != "" {
			h.CallerID = c
		}
	} else {
		h.SessionID = rest
	}
	if h.SessionID == "" {
		return Handshake{}, HandshakeLine, errors.New("wire: handshake has no session id")
	}
	return h, HandshakeLine, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "…"
	}
	return string(b)
}
