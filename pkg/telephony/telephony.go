// Package telephony defines the contract between the relay and the telephony
// host that owns a call.
//
// The host answers the call, produces caller audio in fixed 20 ms frames,
// plays back whatever the relay hands it, and owns hangup and teardown. The
// relay only sees a [Call].
//
// Implementations live with the host binding. Package mock provides a recording
// double for tests and package synth a paced synthetic call for smoke testing.
//
// This package lives under pkg/ because host bindings outside this module are
// expected to implement [Call].
package telephony

import (
	"context"
	"errors"

	"github.com/MrWong99/novarelay/pkg/audio"
)

// ErrNoData is returned by [Call.ReadFrame] when no caller frame became
// available within the host's bounded wait. Callers simply try again.
var ErrNoData = errors.New("telephony: no data")

// ErrCallEnded is returned by [Call.ReadFrame] and [Call.WriteFrame] once the
// call has been torn down by either party.
var ErrCallEnded = errors.New("telephony: call ended")

// Call is one active telephony call as seen by the relay.
//
// ReadFrame is called only from the relay's telephony loop. WriteFrame is
// called from the same loop. Hangup and Active may be called from any
// goroutine.
type Call interface {
	// ID returns the host's unique identifier for the call. The relay uses it
	// as the session identifier on the wire.
	ID() string

	// CallerID returns the calling party number or name. An empty string means
	// unknown.
	CallerID() string

	// Codec returns the negotiated codec of the call leg.
	Codec() audio.Codec

	// ReadFrame returns the next caller frame. It blocks for at most one frame
	// interval (or until ctx is done) and returns [ErrNoData] when nothing
	// arrived, or [ErrCallEnded] once the call is gone. Returned frames may
	// be shorter than a full frame (comfort noise, keepalives).
	ReadFrame(ctx context.Context) (audio.AudioFrame, error)

	// WriteFrame plays one 20 ms frame encoded in [Call.Codec] to the caller.
	WriteFrame(frame audio.AudioFrame) error

	// Active reports whether the call is still up.
	Active() bool

	// Hangup terminates the call. It is idempotent.
	Hangup() error
}
