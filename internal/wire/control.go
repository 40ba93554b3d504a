package wire

import (
	"encoding/json"
	"strings"
)

// ControlHangup is the control type asking the relay to end the call.
const ControlHangup = "hangup"

// HangupMessage is the control payload a gateway sends to end a call.
const HangupMessage = `{"type":"hangup"}`

// Control is the structured form of a JSON control message.
type Control struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

// ParseControl decodes a JSON control message. ok is false when text is not
// a JSON object with a type field.
func ParseControl(text string) (c Control, ok bool) {
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &c); err != nil {
		return Control{}, false
	}
	return c, c.Type != ""
}

// IsHangup reports whether a control message asks to end the call. Tagged
// mode requires a JSON message with type "hangup"; the other modes accept
// any text containing "hangup".
func IsHangup(mode Mode, text string) bool {
	if mode == ModeTagged {
		c, ok := ParseControl(text)
		return ok && c.Type == ControlHangup
	}
	return strings.Contains(text, ControlHangup)
}
