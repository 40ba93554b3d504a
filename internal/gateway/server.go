// Package gateway implements the gateway end of the relay protocol: a TCP
// listener that accepts relay connections, reads the handshake and the
// framed audio stream, and plays audio back.
//
// It is a loopback stand-in for the AI gateway. By default it echoes every
// audio frame it receives, paced at one frame per 20 ms so playback behaves
// like real synthesized speech. It can end a call by sending a hangup
// control message after a fixed number of frames or on demand.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/novarelay/internal/wire"
	"github.com/MrWong99/novarelay/pkg/audio"
)

// ErrUnknownSession is returned by [Server.Hangup] for a session that is not
// connected.
var ErrUnknownSession = errors.New("gateway: unknown session")

// echoQueue bounds the frames waiting for paced playback per connection.
const echoQueue = 256

// Config configures a [Server].
type Config struct {
	// ListenAddr is the TCP address to listen on.
	ListenAddr string

	// Mode is the wire sub-mode spoken on every connection.
	Mode wire.Mode

	// NoEcho disables playing received audio back.
	NoEcho bool

	// HangupAfter sends a hangup once this many audio frames have been
	// received. Zero disables it.
	HangupAfter int

	// FramePeriod paces echoed frames. Zero means [audio.FrameDuration].
	FramePeriod time.Duration
}

// SessionInfo describes one connected relay session.
type SessionInfo struct {
	ConnID    string    `json:"conn_id"`
	SessionID string    `json:"session_id"`
	CallerID  string    `json:"caller_id"`
	Handshake string    `json:"handshake"`
	FramesIn  int64     `json:"frames_in"`
	FramesOut int64     `json:"frames_out"`
	ControlIn int64     `json:"control_in"`
	Since     time.Time `json:"since"`
}

// Server accepts relay connections. Create it with [New].
type Server struct {
	cfg Config

	mu       sync.Mutex
	ln       net.Listener
	sessions map[string]*conn
	open     map[net.Conn]struct{}
	wg       sync.WaitGroup
	closed   bool
}

// New returns a server for cfg. Call [Server.Listen] and [Server.Serve], or
// [Server.ListenAndServe].
func New(cfg Config) *Server {
	if cfg.FramePeriod <= 0 {
		cfg.FramePeriod = audio.FrameDuration
	}
	return &Server{
		cfg:      cfg,
		sessions: make(map[string]*conn),
		open:     make(map[net.Conn]struct{}),
	}
}

// Listen binds the listening socket.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("gateway: listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	return nil
}

// Addr returns the bound address, or nil before [Server.Listen].
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// ListenAndServe binds and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve accepts connections until ctx is cancelled, then closes the listener
// and every open connection and waits for their handlers.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("gateway: Serve called before Listen")
	}
	slog.Info("gateway listening",
		"addr", ln.Addr().String(),
		"mode", s.cfg.Mode.String(),
		"echo", !s.cfg.NoEcho,
		"hangup_after", s.cfg.HangupAfter,
	)

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.shutdown()
				return nil
			}
			slog.Warn("gateway accept failed", "err", err)
			continue
		}
		if !s.track(c) {
			_ = c.Close()
			continue
		}
		s.wg.Go(func() { s.handle(ctx, c) })
	}
}

// Close stops accepting and disconnects every session.
func (s *Server) Close() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	s.shutdown()
	return nil
}

func (s *Server) shutdown() {
	s.mu.Lock()
	s.closed = true
	open := make([]net.Conn, 0, len(s.open))
	for nc := range s.open {
		open = append(open, nc)
	}
	s.mu.Unlock()
	for _, nc := range open {
		_ = nc.Close()
	}
	s.wg.Wait()
}

func (s *Server) track(nc net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.open[nc] = struct{}{}
	return true
}

// Sessions returns the connected sessions ordered by connect time.
func (s *Server) Sessions() []SessionInfo {
	s.mu.Lock()
	out := make([]SessionInfo, 0, len(s.sessions))
	for _, c := range s.sessions {
		out = append(out, c.info())
	}
	s.mu.Unlock()
	slices.SortFunc(out, func(a, b SessionInfo) int { return a.Since.Compare(b.Since) })
	return out
}

// Hangup asks the relay to end sessionID. In raw mode, which has no control
// channel, the connection is closed instead.
func (s *Server) Hangup(sessionID string) error {
	s.mu.Lock()
	c, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	c.hangup()
	return nil
}

// ─── per-connection handling ────────────────────────────────────────────────

type conn struct {
	id        string
	nc        net.Conn
	mode      wire.Mode
	hs        wire.Handshake
	hsFormat  wire.HandshakeFormat
	since     time.Time
	log       *slog.Logger
	echo      chan []byte
	hangupReq chan struct{}
	hangOnce  sync.Once

	framesIn  atomic.Int64
	framesOut atomic.Int64
	controlIn atomic.Int64
}

func (c *conn) info() SessionInfo {
	return SessionInfo{
		ConnID:    c.id,
		SessionID: c.hs.SessionID,
		CallerID:  c.hs.CallerID,
		Handshake: c.hsFormat.String(),
		FramesIn:  c.framesIn.Load(),
		FramesOut: c.framesOut.Load(),
		ControlIn: c.controlIn.Load(),
		Since:     c.since,
	}
}

func (c *conn) hangup() {
	c.hangOnce.Do(func() { close(c.hangupReq) })
}

func (s *Server) handle(ctx context.Context, nc net.Conn) {
	defer func() {
		_ = nc.Close()
		s.mu.Lock()
		delete(s.open, nc)
		s.mu.Unlock()
	}()
	c := &conn{
		id:        uuid.NewString(),
		nc:        nc,
		mode:      s.cfg.Mode,
		since:     time.Now(),
		echo:      make(chan []byte, echoQueue),
		hangupReq: make(chan struct{}),
	}
	c.log = slog.Default().With("conn_id", c.id, "remote", nc.RemoteAddr().String())

	r := wire.NewReader(nc, c.mode)
	_ = nc.SetReadDeadline(time.Now().Add(10 * time.Second))
	hs, format, err := r.ReadHandshake()
	if err != nil {
		c.log.Warn("gateway handshake failed", "err", err)
		return
	}
	_ = nc.SetReadDeadline(time.Time{})
	c.hs, c.hsFormat = hs, format
	c.log = c.log.With("session_id", hs.SessionID, "caller", hs.CallerID)

	if !s.register(c) {
		return
	}
	defer s.unregister(c)
	c.log.Info("gateway session started", "handshake", format.String())

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(connCtx, c)
	}()

	s.readLoop(c, r)
	cancel()
	<-writerDone
	st := c.info()
	c.log.Info("gateway session ended", "frames_in", st.FramesIn, "frames_out", st.FramesOut)
}

func (s *Server) register(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if old, dup := s.sessions[c.hs.SessionID]; dup {
		c.log.Warn("replacing duplicate gateway session", "old_conn_id", old.id)
		_ = old.nc.Close()
	}
	s.sessions[c.hs.SessionID] = c
	return true
}

func (s *Server) unregister(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions[c.hs.SessionID] == c {
		delete(s.sessions, c.hs.SessionID)
	}
}

func (s *Server) readLoop(c *conn, r *wire.Reader) {
	for {
		f, err := r.ReadFrame()
		if err != nil {
			var perr *wire.ProtocolError
			if errors.As(err, &perr) {
				c.log.Warn("gateway skipped malformed frame", "kind", perr.Kind())
				continue
			}
			return
		}
		switch f.Type {
		case wire.FrameAudio:
			n := c.framesIn.Add(1)
			if !s.cfg.NoEcho {
				select {
				case c.echo <- f.Audio:
				default:
					c.log.Debug("echo queue full, dropping frame")
				}
			}
			if s.cfg.HangupAfter > 0 && n == int64(s.cfg.HangupAfter) {
				c.log.Info("hangup threshold reached", "frames", n)
				c.hangup()
			}
		case wire.FrameControl:
			c.controlIn.Add(1)
			c.log.Debug("gateway received control", "text", f.Text)
		}
	}
}

// writeLoop is the only writer of the connection. Echoed audio is paced one
// frame per period and never bursts to catch up after a stall.
func (s *Server) writeLoop(ctx context.Context, c *conn) {
	period := s.cfg.FramePeriod
	next := time.Now().Add(period)
	timer := time.NewTimer(period)
	timer.Stop()
	defer timer.Stop()

	hangupReq := c.hangupReq
	var out []byte
	for {
		select {
		case <-ctx.Done():
			return

		case <-hangupReq:
			hangupReq = nil
			if c.mode == wire.ModeRaw {
				c.log.Info("raw mode has no control channel, closing connection to hang up")
				_ = c.nc.Close()
				return
			}
			var err error
			out, err = c.mode.AppendControl(out[:0], wire.HangupMessage)
			if err == nil {
				_, err = c.nc.Write(out)
			}
			if err != nil {
				c.log.Warn("gateway hangup write failed", "err", err)
				return
			}
			c.log.Info("gateway sent hangup")

		case pcm := <-c.echo:
			if wait := time.Until(next); wait > 0 {
				timer.Reset(wait)
				select {
				case <-timer.C:
				case <-ctx.Done():
					return
				}
			}
			var err error
			out, err = c.mode.AppendAudio(out[:0], pcm)
			if err != nil {
				c.log.Warn("gateway encode failed", "err", err)
				continue
			}
			if _, err := c.nc.Write(out); err != nil {
				return
			}
			c.framesOut.Add(1)
			next = next.Add(period)
			if floor := time.Now().Add(period / 2); next.Before(floor) {
				next = floor
			}
		}
	}
}
