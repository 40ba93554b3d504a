package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/MrWong99/novarelay/internal/events"
	"github.com/MrWong99/novarelay/internal/observe"
	"github.com/MrWong99/novarelay/pkg/telephony"
)

// ErrShutdown is returned by [Manager.Handle] once [Manager.Shutdown] has
// been called.
var ErrShutdown = errors.New("relay: manager is shutting down")

// ErrDuplicateSession is returned by [Manager.Handle] when a session with the
// same identifier is already active.
var ErrDuplicateSession = errors.New("relay: session already active")

// ManagerConfig holds all dependencies for a [Manager].
type ManagerConfig struct {
	// Session is applied to every session.
	Session Config

	// Dialer opens gateway connections, typically a
	// [resilience.BreakerDialer]. Nil uses a zero [net.Dialer].
	Dialer Dialer

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Events receives session lifecycle events. Nil disables publishing.
	Events events.Publisher
}

// Manager runs concurrent relay sessions, one per call. All exported methods
// are safe for concurrent use.
type Manager struct {
	cfg ManagerConfig

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
	wg       sync.WaitGroup
}

// NewManager creates a Manager with the given dependencies.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Manager{
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
}

// Handle relays call until it ends and returns the error that ended the
// session, if any. A gateway connect failure is returned immediately and
// wraps [ErrConnect]; the call itself is left for the caller to handle. A
// session stopped by [Manager.Stop] or [Manager.Shutdown] before it dialled
// returns [ErrClosed].
func (m *Manager) Handle(ctx context.Context, call telephony.Call) error {
	s, err := NewSession(call, m.cfg.Session,
		WithDialer(m.cfg.Dialer),
		WithMetrics(m.cfg.Metrics),
		WithStateHook(m.onStateChange),
	)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrShutdown
	}
	if _, dup := m.sessions[s.ID()]; dup {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateSession, s.ID())
	}
	m.sessions[s.ID()] = s
	m.wg.Add(1)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.sessions, s.ID())
		m.mu.Unlock()
		m.wg.Done()
	}()

	err = s.Run(ctx)
	switch {
	case errors.Is(err, ErrConnect):
		m.cfg.Metrics.RecordSession(ctx, "connect_failed")
	case errors.Is(err, ErrClosed):
		m.cfg.Metrics.RecordSession(ctx, "cancelled")
	case err != nil:
		m.cfg.Metrics.RecordSession(ctx, "error")
	default:
		m.cfg.Metrics.RecordSession(ctx, "ok")
	}
	return err
}

// Get returns the active session with the given identifier.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Stop closes the active session with the given identifier.
func (m *Manager) Stop(id string) error {
	s, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("relay: no active session %q", id)
	}
	return s.Close()
}

// Count returns the number of active sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Active returns a snapshot of every active session, oldest first.
func (m *Manager) Active() []Info {
	m.mu.Lock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.Unlock()

	out := make([]Info, 0, len(list))
	for _, s := range list {
		out = append(out, s.Info())
	}
	slices.SortFunc(out, func(a, b Info) int { return a.StartedAt.Compare(b.StartedAt) })
	return out
}

// Shutdown refuses new calls, closes every active session and waits for
// their Handle calls to return or ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.Unlock()

	slog.Info("relay manager shutting down", "sessions", len(list))
	var wg sync.WaitGroup
	for _, s := range list {
		wg.Go(func() { _ = s.Close() })
	}
	wg.Wait()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("relay: shutdown: %w", ctx.Err())
	}
}

// onStateChange turns session transitions into lifecycle events.
func (m *Manager) onStateChange(s *Session, from, to State) {
	if m.cfg.Events == nil {
		return
	}
	var ev events.Event
	switch to {
	case StateConnecting:
		ev = events.New(events.KindConnecting, s.ID())
		ev.Detail = map[string]any{"gateway": m.cfg.Session.Addr}
	case StateStreaming:
		ev = events.New(events.KindStreaming, s.ID())
		ev.Detail = map[string]any{"mode": m.cfg.Session.Mode.String()}
	case StateDraining:
		if s.Reason() != ReasonGatewayHangup {
			return
		}
		ev = events.New(events.KindHangup, s.ID())
	case StateClosed:
		kind := events.KindClosed
		if s.Reason() == ReasonConnectFailed {
			kind = events.KindConnectFailed
		}
		ev = events.New(kind, s.ID())
		st := s.Stats()
		ev.Detail = map[string]any{
			"frames_sent":      st.FramesSent,
			"frames_received":  st.FramesReceived,
			"frames_played":    st.FramesPlayed,
			"inbound_dropped":  st.InboundDropped,
			"outbound_dropped": st.OutboundDropped,
			"protocol_errors":  st.ProtocolErrors,
		}
	default:
		return
	}
	ev.CallerID = s.CallerID()
	ev.Reason = string(s.Reason())
	if err := s.Err(); err != nil {
		ev.Error = err.Error()
	}
	m.cfg.Events.Publish(ev)
}
