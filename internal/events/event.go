// Package events carries relay session lifecycle events to pluggable sinks.
//
// Events describe what happened to a call (connecting, streaming, hung up,
// closed) together with counters and the stop reason. They never contain
// audio. Producers hand events to a [Bus], which delivers them to every
// [Sink] on its own goroutine so the audio path never waits for a database
// or a broker.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Kind names an event type.
type Kind string

const (
	KindConnecting    Kind = "session.connecting"
	KindStreaming     Kind = "session.streaming"
	KindConnectFailed Kind = "session.connect_failed"
	KindHangup        Kind = "session.hangup"
	KindClosed        Kind = "session.closed"

	// KindBreaker reports a gateway circuit breaker transition. It carries
	// no session identifier.
	KindBreaker Kind = "gateway.breaker"
)

// Event is one timeline entry.
type Event struct {
	ID        string         `json:"id"`
	Kind      Kind           `json:"kind"`
	SessionID string         `json:"session_id,omitempty"`
	CallerID  string         `json:"caller_id,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Error     string         `json:"error,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	At        time.Time      `json:"at"`
}

// New returns an event of kind for sessionID with a fresh identifier and the
// current time.
func New(kind Kind, sessionID string) Event {
	return Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		SessionID: sessionID,
		At:        time.Now().UTC(),
	}
}

// Publisher accepts events without blocking.
type Publisher interface {
	Publish(ev Event)
}

// Sink receives events from a [Bus]. Write is called from a single goroutine.
type Sink interface {
	// Name identifies the sink in logs and health checks.
	Name() string

	// Write delivers one event.
	Write(ctx context.Context, ev Event) error

	// Close flushes and releases the sink.
	Close() error
}

// Store is a [Sink] that can read back a session timeline.
type Store interface {
	Sink

	// List returns up to limit events of sessionID, oldest first.
	List(ctx context.Context, sessionID string, limit int) ([]Event, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error
}
