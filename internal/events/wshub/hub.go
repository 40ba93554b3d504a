// Package wshub streams session events to WebSocket clients.
//
// A [Hub] is both an [events.Sink] and an [http.Handler]. Every connected
// client gets its own bounded send queue; a client that cannot keep up loses
// events rather than slowing the bus. Clients may pass ?session_id=<id> to
// receive only one session's events.
package wshub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/novarelay/internal/events"
)

var (
	_ events.Sink  = (*Hub)(nil)
	_ http.Handler = (*Hub)(nil)
)

const (
	clientQueue  = 64
	writeTimeout = 5 * time.Second
)

type client struct {
	sessionID string
	send      chan []byte
}

// Hub fans events out to WebSocket subscribers.
type Hub struct {
	originPatterns []string

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
	done    chan struct{}

	dropped atomic.Int64
}

// New creates a Hub. originPatterns is passed to [websocket.AcceptOptions];
// nil accepts same-origin requests only.
func New(originPatterns ...string) *Hub {
	return &Hub{
		originPatterns: originPatterns,
		clients:        make(map[*client]struct{}),
		done:           make(chan struct{}),
	}
}

// Name implements [events.Sink].
func (h *Hub) Name() string { return "websocket" }

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Dropped returns how many messages were discarded for slow clients.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// Write sends ev to every matching subscriber without blocking.
func (h *Hub) Write(_ context.Context, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("wshub: encode: %w", err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.sessionID != "" && c.sessionID != ev.SessionID {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// ServeHTTP upgrades the request and streams events until the client goes
// away or the hub is closed.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		slog.Debug("websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	c := &client{
		sessionID: r.URL.Query().Get("session_id"),
		send:      make(chan []byte, clientQueue),
	}
	if !h.add(c) {
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	defer h.remove(c)
	slog.Debug("event subscriber connected", "remote", r.RemoteAddr, "session_id", c.sessionID)

	// Subscribers never send; CloseRead handles pings and closes ctx when the
	// peer disconnects.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			conn.Close(websocket.StatusGoingAway, "shutting down")
			return
		case data := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				slog.Debug("event subscriber write failed", "err", err)
				return
			}
		}
	}
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// Close disconnects every subscriber and refuses new ones.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.closed = true
		close(h.done)
	}
	return nil
}
