// Package app wires the relay subsystems into a running process.
//
// The App struct owns the full lifecycle: New builds the gateway dialer,
// the session manager, the event sinks and the ops HTTP server; Serve runs
// the ops server; Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithDialer, WithSink,
// WithMetrics). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/novarelay/internal/config"
	"github.com/MrWong99/novarelay/internal/events"
	"github.com/MrWong99/novarelay/internal/events/natspub"
	"github.com/MrWong99/novarelay/internal/events/postgres"
	"github.com/MrWong99/novarelay/internal/events/sqlite"
	"github.com/MrWong99/novarelay/internal/events/wshub"
	"github.com/MrWong99/novarelay/internal/health"
	"github.com/MrWong99/novarelay/internal/observe"
	"github.com/MrWong99/novarelay/internal/relay"
	"github.com/MrWong99/novarelay/internal/resilience"
	"github.com/MrWong99/novarelay/pkg/telephony"
)

// readHeaderTimeout bounds request header reads on the ops server.
const readHeaderTimeout = 10 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	metrics *observe.Metrics

	// Subsystems, initialised in New and torn down in Shutdown.
	baseDialer resilience.ContextDialer
	breaker    *resilience.CircuitBreaker
	manager    *relay.Manager
	sinks      []events.Sink
	store      events.Store
	hub        *wshub.Hub
	bus        *events.Bus
	handler    http.Handler

	mu  sync.Mutex
	srv *http.Server

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithDialer replaces the network dialer underneath the gateway breaker.
func WithDialer(d resilience.ContextDialer) Option {
	return func(a *App) { a.baseDialer = d }
}

// WithSink adds an event sink in addition to the configured ones. A sink
// that also implements [events.Store] becomes the timeline store when none
// is configured.
func WithSink(s events.Sink) Option {
	return func(a *App) { a.sinks = append(a.sinks, s) }
}

// WithMetrics records into m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Configured event
// stores and the NATS publisher are connected synchronously; any failure
// closes what was already opened.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	sessionCfg, err := relay.ConfigFrom(cfg)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	// ── 1. Event sinks ───────────────────────────────────────────────────
	if err := a.initSinks(ctx); err != nil {
		closeSinks(a.sinks)
		return nil, fmt.Errorf("app: init events: %w", err)
	}
	a.bus = events.NewBus(cfg.Events.QueueSize, a.sinks...)

	// ── 2. Gateway breaker ───────────────────────────────────────────────
	a.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:          "gateway",
		MaxFailures:   cfg.Gateway.Breaker.MaxFailures,
		ResetTimeout:  cfg.Gateway.Breaker.ResetTimeout,
		OnStateChange: a.onBreakerChange,
	})

	// ── 3. Session manager ───────────────────────────────────────────────
	a.manager = relay.NewManager(relay.ManagerConfig{
		Session: sessionCfg,
		Dialer:  resilience.NewBreakerDialer(a.baseDialer, a.breaker),
		Metrics: a.metrics,
		Events:  a.bus,
	})

	// ── 4. Ops HTTP handler ──────────────────────────────────────────────
	a.handler = a.buildHandler()

	slog.Info("relay configured",
		"gateway", sessionCfg.Addr,
		"mode", sessionCfg.Mode.String(),
		"handshake", sessionCfg.Handshake.String(),
		"sinks", len(a.sinks),
	)
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initSinks opens every configured event sink. The websocket hub is always
// present.
func (a *App) initSinks(ctx context.Context) error {
	ev := a.cfg.Events

	if ev.SQLitePath != "" {
		s, err := sqlite.Open(ctx, ev.SQLitePath)
		if err != nil {
			return err
		}
		a.addSink(s)
		slog.Info("event store opened", "kind", "sqlite", "path", ev.SQLitePath)
	}
	if ev.PostgresDSN != "" {
		s, err := postgres.NewStore(ctx, ev.PostgresDSN)
		if err != nil {
			return err
		}
		a.addSink(s)
		slog.Info("event store opened", "kind", "postgres")
	}
	if ev.NATSURL != "" {
		p, err := natspub.Connect(natspub.Config{URL: ev.NATSURL, Subject: ev.NATSSubject})
		if err != nil {
			return err
		}
		a.addSink(p)
	}

	a.hub = wshub.New()
	a.sinks = append(a.sinks, a.hub)

	// Injected sinks may also serve as the store.
	if a.store == nil {
		for _, s := range a.sinks {
			if st, ok := s.(events.Store); ok {
				a.store = st
				break
			}
		}
	}
	return nil
}

func (a *App) addSink(s events.Sink) {
	a.sinks = append(a.sinks, s)
	if st, ok := s.(events.Store); ok && a.store == nil {
		a.store = st
	}
}

func closeSinks(sinks []events.Sink) {
	for _, s := range sinks {
		if err := s.Close(); err != nil {
			slog.Warn("event sink close error", "sink", s.Name(), "err", err)
		}
	}
}

func (a *App) onBreakerChange(name string, from, to resilience.State) {
	ev := events.New(events.KindBreaker, "")
	ev.Reason = to.String()
	ev.Detail = map[string]any{"breaker": name, "from": from.String(), "to": to.String()}
	a.bus.Publish(ev)
}

// buildHandler assembles the ops routes behind the metrics middleware.
func (a *App) buildHandler() http.Handler {
	checkers := []health.Checker{{
		Name: "gateway",
		Check: func(context.Context) error {
			if a.breaker.State() == resilience.StateOpen {
				return resilience.ErrCircuitOpen
			}
			return nil
		},
	}}
	for _, s := range a.sinks {
		if p, ok := s.(health.Pinger); ok {
			checkers = append(checkers, health.PingChecker(s.Name(), p))
		}
	}

	mux := http.NewServeMux()
	health.New(checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /sessions", a.handleSessions)
	mux.HandleFunc("GET /sessions/{id}/events", a.handleSessionEvents)
	mux.Handle("GET /events/ws", a.hub)
	return observe.Middleware(a.metrics)(mux)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Manager returns the session manager.
func (a *App) Manager() *relay.Manager { return a.manager }

// Store returns the timeline store, or nil when none is configured.
func (a *App) Store() events.Store { return a.store }

// Handler returns the ops HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Breaker returns the gateway circuit breaker.
func (a *App) Breaker() *resilience.CircuitBreaker { return a.breaker }

// HandleCall relays call until it ends.
func (a *App) HandleCall(ctx context.Context, call telephony.Call) error {
	return a.manager.Handle(ctx, call)
}

// ─── HTTP handlers ───────────────────────────────────────────────────────────

func (a *App) handleSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.manager.Active())
}

func (a *App) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		http.Error(w, "no event store configured", http.StatusNotFound)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	evs, err := a.store.List(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		observe.Logger(r.Context()).Warn("list session events failed", "err", err)
		http.Error(w, "event store unavailable", http.StatusServiceUnavailable)
		return
	}
	if evs == nil {
		evs = []events.Event{}
	}
	writeJSON(w, http.StatusOK, evs)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ─── Serve ───────────────────────────────────────────────────────────────────

// Serve runs the ops HTTP server on cfg.Server.ListenAddr until ctx is
// cancelled. An empty address disables the server and Serve just waits.
func (a *App) Serve(ctx context.Context) error {
	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		<-ctx.Done()
		return nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", addr, err)
	}
	return a.ServeListener(ctx, ln)
}

// ServeListener serves the ops routes on ln until ctx is cancelled.
func (a *App) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	a.mu.Lock()
	a.srv = srv
	a.mu.Unlock()

	slog.Info("ops server listening", "addr", ln.Addr().String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: ops server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown closes every session, stops the ops server and flushes the event
// sinks, in that order. It respects the context deadline.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sessions", a.manager.Count())

		if err := a.manager.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}

		a.mu.Lock()
		srv := a.srv
		a.mu.Unlock()
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("ops server: %w", err))
			}
		}

		// Closing the bus drains queued events, then closes every sink.
		if err := a.bus.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("events: %w", err))
		}

		slog.Info("shutdown complete")
	})
	return errors.Join(errs...)
}
