// Package relay bridges one telephony call to the AI gateway over TCP.
//
// A [Session] owns one gateway connection and one [buffer.Duplex]. It moves
// through Idle → Connecting → Handshaking → Streaming → Draining → Closed and
// never goes back. While streaming, three goroutines share the buffers:
//
//   - the telephony loop ([Session.Run]) writes caller audio to the inbound
//     buffer and plays one gateway frame per iteration;
//   - the sender is the only writer of the socket;
//   - the receiver is the only reader of the socket.
//
// Any of them may request a stop. [Session.Close] then joins the workers
// with a bounded wait, closes the socket and drains both buffers. A session
// dials exactly once and never reconnects; retry policy belongs to the
// caller. [Manager] runs many sessions side by side.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/novarelay/internal/buffer"
	"github.com/MrWong99/novarelay/internal/observe"
	"github.com/MrWong99/novarelay/internal/wire"
	"github.com/MrWong99/novarelay/pkg/audio"
	"github.com/MrWong99/novarelay/pkg/telephony"
)

// ErrConnect marks errors from the connect and handshake phase. They are
// fatal to the session, which goes straight to [StateClosed].
var ErrConnect = errors.New("relay: gateway connect failed")

// ErrNotIdle is returned by [Session.Start] on a session that was already
// started.
var ErrNotIdle = errors.New("relay: session already started")

// ErrClosed is returned by [Session.Start] and [Session.Run] on a session
// that was closed before it connected.
var ErrClosed = errors.New("relay: session closed")

// dropLogEvery rate-limits drop warnings: the first drop and every 50th after
// it are logged.
const dropLogEvery = 50

// State is the lifecycle state of a [Session]. States only move forward.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateHandshaking
	StateStreaming
	StateDraining
	StateClosed
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// StopReason records why a session left [StateStreaming].
type StopReason string

const (
	ReasonNone          StopReason = ""
	ReasonConnectFailed StopReason = "connect_failed"
	ReasonGatewayHangup StopReason = "gateway_hangup"
	ReasonGatewayClosed StopReason = "gateway_closed"
	ReasonWriteError    StopReason = "write_error"
	ReasonCallEnded     StopReason = "call_ended"
	ReasonCallError     StopReason = "call_error"
	ReasonCancelled     StopReason = "cancelled"
	ReasonClosed        StopReason = "closed"
)

// Dialer opens the gateway connection. [net.Dialer] and
// [resilience.BreakerDialer] satisfy it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Stats is a snapshot of the per-session counters.
type Stats struct {
	// FramesSent counts caller frames written to the gateway.
	FramesSent int64 `json:"frames_sent"`

	// FramesReceived counts audio frames read from the gateway.
	FramesReceived int64 `json:"frames_received"`

	// FramesPlayed counts gateway frames handed to the call.
	FramesPlayed int64 `json:"frames_played"`

	// InboundDropped counts caller frames dropped on a full inbound buffer.
	InboundDropped int64 `json:"inbound_dropped"`

	// OutboundDropped counts gateway frames dropped on a full outbound queue.
	OutboundDropped int64 `json:"outbound_dropped"`

	// Ignored counts caller frames shorter than one frame (keepalives).
	Ignored int64 `json:"ignored"`

	// ProtocolErrors counts malformed gateway frames that were skipped.
	ProtocolErrors int64 `json:"protocol_errors"`
}

// Info describes a session for listings.
type Info struct {
	SessionID string     `json:"session_id"`
	CallerID  string     `json:"caller_id"`
	State     string     `json:"state"`
	Reason    StopReason `json:"reason,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	Stats     Stats      `json:"stats"`
}

// Option customises a [Session].
type Option func(*Session)

// WithDialer sets the gateway dialer. The default is a zero [net.Dialer].
func WithDialer(d Dialer) Option {
	return func(s *Session) { s.dialer = d }
}

// WithMetrics records into m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithTracerProvider records session spans with tp instead of the global
// provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Session) { s.tp = tp }
}

// WithStateHook calls fn after every state transition. fn runs on the
// goroutine that caused the transition and must not block.
func WithStateHook(fn func(s *Session, from, to State)) Option {
	return func(s *Session) { s.onState = fn }
}

// Session relays one call. Create it with [NewSession]; all methods are safe
// for concurrent use.
type Session struct {
	id     string
	caller string
	call   telephony.Call
	cfg    Config

	dialer  Dialer
	metrics *observe.Metrics
	tp      trace.TracerProvider
	onState func(s *Session, from, to State)
	log     *slog.Logger

	state     atomic.Int32
	createdAt time.Time
	streamAt  atomic.Int64 // unix nanos of the Streaming transition

	bufs        *buffer.Duplex
	conn        net.Conn
	workersDone chan struct{}

	stopping atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}

	mu     sync.Mutex
	reason StopReason
	err    error

	closeOnce sync.Once

	framesSent      atomic.Int64
	framesReceived  atomic.Int64
	framesPlayed    atomic.Int64
	inboundDropped  atomic.Int64
	outboundDropped atomic.Int64
	ignored         atomic.Int64
	protocolErrors  atomic.Int64
}

// NewSession creates an idle session for call. The session identifier and
// caller identifier come from the call; an empty caller is sent as
// [wire.UnknownCaller].
func NewSession(call telephony.Call, cfg Config, opts ...Option) (*Session, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if call.ID() == "" {
		return nil, errors.New("relay: call has no id")
	}
	caller := call.CallerID()
	if caller == "" {
		caller = wire.UnknownCaller
	}

	s := &Session{
		id:          call.ID(),
		caller:      caller,
		call:        call,
		cfg:         cfg,
		createdAt:   time.Now(),
		workersDone: make(chan struct{}),
		stopCh:      make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.dialer == nil {
		s.dialer = &net.Dialer{}
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.log = slog.Default().With("session_id", s.id, "caller", s.caller)

	frameSize := call.Codec().FrameSize()
	if frameSize == 0 {
		return nil, fmt.Errorf("relay: call %s has invalid codec %d", s.id, int(call.Codec()))
	}
	s.bufs = buffer.NewDuplex(buffer.Config{
		InboundBytes:   cfg.InboundFrames * frameSize,
		OutboundFrames: cfg.OutboundFrames,
	})
	return s, nil
}

// ID returns the session identifier sent in the handshake.
func (s *Session) ID() string { return s.id }

// CallerID returns the caller identifier sent in the handshake.
func (s *Session) CallerID() string { return s.caller }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed once a stop has been requested.
func (s *Session) Done() <-chan struct{} { return s.stopCh }

// Err returns the error that ended the session, or nil for an orderly stop.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Reason returns why the session stopped, or [ReasonNone] while it runs.
func (s *Session) Reason() StopReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	return Stats{
		FramesSent:      s.framesSent.Load(),
		FramesReceived:  s.framesReceived.Load(),
		FramesPlayed:    s.framesPlayed.Load(),
		InboundDropped:  s.inboundDropped.Load(),
		OutboundDropped: s.outboundDropped.Load(),
		Ignored:         s.ignored.Load(),
		ProtocolErrors:  s.protocolErrors.Load(),
	}
}

// Info returns a listing snapshot.
func (s *Session) Info() Info {
	return Info{
		SessionID: s.id,
		CallerID:  s.caller,
		State:     s.State().String(),
		Reason:    s.Reason(),
		StartedAt: s.createdAt,
		Stats:     s.Stats(),
	}
}

// advance moves the state forward to to. Moves backwards or sideways are
// ignored and reported as false.
func (s *Session) advance(to State) bool {
	for {
		from := State(s.state.Load())
		if from >= to {
			return false
		}
		if s.state.CompareAndSwap(int32(from), int32(to)) {
			s.log.Debug("session state", "from", from.String(), "to", to.String())
			if s.onState != nil {
				s.onState(s, from, to)
			}
			return true
		}
	}
}

// advanceFrom moves the state from from to to only if the session is
// currently in from.
func (s *Session) advanceFrom(from, to State) bool {
	if !s.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	s.log.Debug("session state", "from", from.String(), "to", to.String())
	if s.onState != nil {
		s.onState(s, from, to)
	}
	return true
}

// ─── Connect ────────────────────────────────────────────────────────────────

// Start dials the gateway once, sends the handshake and launches the sender
// and receiver. Any failure is fatal: the session moves to [StateClosed] and
// the returned error wraps [ErrConnect]. A session closed before Start
// returns [ErrClosed].
func (s *Session) Start(ctx context.Context) (err error) {
	if s.stopping.Load() {
		return ErrClosed
	}
	if !s.advanceFrom(StateIdle, StateConnecting) {
		if s.State() == StateClosed {
			return ErrClosed
		}
		return ErrNotIdle
	}
	start := time.Now()
	ctx, span := observe.StartConnectSpan(ctx, s.tp, s.cfg.Addr)
	defer func() { observe.EndConnectSpan(span, err) }()

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()
	// Close during the dial aborts it.
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-dialCtx.Done():
		}
	}()

	conn, err := s.dialer.DialContext(dialCtx, "tcp", s.cfg.Addr)
	if err != nil {
		return s.failConnect(ctx, start, fmt.Errorf("%w: dial %s: %w", ErrConnect, s.cfg.Addr, err))
	}
	s.mu.Lock()
	if s.stopping.Load() {
		s.mu.Unlock()
		_ = conn.Close()
		return s.failConnect(ctx, start, fmt.Errorf("%w: closed while connecting", ErrConnect))
	}
	s.conn = conn
	s.mu.Unlock()

	s.advance(StateHandshaking)
	hs, err := wire.AppendHandshake(nil, s.cfg.Handshake, wire.Handshake{SessionID: s.id, CallerID: s.caller})
	if err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.DialTimeout))
		_, err = conn.Write(hs)
		_ = conn.SetWriteDeadline(time.Time{})
	}
	if err == nil && s.stopping.Load() {
		err = errors.New("closed during handshake")
	}
	if err != nil {
		_ = conn.Close()
		return s.failConnect(ctx, start, fmt.Errorf("%w: handshake: %w", ErrConnect, err))
	}

	s.metrics.RecordConnect(ctx, time.Since(start), "ok")
	s.streamAt.Store(time.Now().UnixNano())
	s.metrics.ActiveSessions.Add(ctx, 1)
	s.advance(StateStreaming)
	if s.stopping.Load() {
		// Stopped between the handshake and the transition above.
		s.advanceFrom(StateStreaming, StateDraining)
	}
	s.log.Info("session streaming",
		"gateway", s.cfg.Addr,
		"mode", s.cfg.Mode.String(),
		"handshake", s.cfg.Handshake.String(),
		"codec", s.call.Codec().String(),
	)

	var g errgroup.Group
	g.Go(s.sender)
	g.Go(s.receiver)
	go func() {
		_ = g.Wait()
		close(s.workersDone)
	}()
	return nil
}

func (s *Session) failConnect(ctx context.Context, start time.Time, err error) error {
	s.metrics.RecordConnect(ctx, time.Since(start), "error")
	s.stop(ReasonConnectFailed, err)
	s.bufs.Close()
	close(s.workersDone)
	s.closeOnce.Do(func() {})
	s.advance(StateClosed)
	s.log.Warn("gateway connect failed", "gateway", s.cfg.Addr, "err", err)
	return err
}

// ─── Stop and teardown ──────────────────────────────────────────────────────

// stop records the first stop request and wakes every party. Only a
// streaming session moves to Draining; earlier states go straight to Closed.
// Later calls are no-ops.
func (s *Session) stop(reason StopReason, err error) {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.err = err
		s.stopping.Store(true)
		conn := s.conn
		s.mu.Unlock()

		close(s.stopCh)
		if conn != nil {
			// Unblock the receiver parked in a socket read.
			_ = conn.SetReadDeadline(time.Now())
		}
		s.advanceFrom(StateStreaming, StateDraining)
		if err != nil {
			s.log.Warn("session stopping", "reason", string(reason), "err", err)
		} else {
			s.log.Info("session stopping", "reason", string(reason))
		}
	})
}

// Close stops the session if it is still running, waits up to the join
// timeout for both workers, closes the socket and drains both buffers. It is
// idempotent and safe to call from any goroutine.
func (s *Session) Close() error {
	s.stop(ReasonClosed, nil)
	s.closeOnce.Do(s.teardown)
	return nil
}

func (s *Session) teardown() {
	if s.advanceFrom(StateIdle, StateClosed) {
		// Never connected: there are no workers and no socket.
		close(s.workersDone)
		s.bufs.Close()
		s.bufs.Drain()
		s.log.Info("session closed before connecting")
		return
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		_ = conn.SetDeadline(time.Now())
	}
	s.bufs.Close()

	timer := time.NewTimer(s.cfg.JoinTimeout)
	select {
	case <-s.workersDone:
	case <-timer.C:
		s.log.Warn("session workers did not exit in time", "timeout", s.cfg.JoinTimeout)
	}
	timer.Stop()

	if conn != nil {
		_ = conn.Close()
	}
	inBytes, outFrames := s.bufs.Drain()

	if at := s.streamAt.Load(); at != 0 {
		ctx := context.Background()
		s.metrics.ActiveSessions.Add(ctx, -1)
		s.metrics.RecordSessionEnd(ctx, time.Since(time.Unix(0, at)), string(s.Reason()))
	}
	s.advance(StateClosed)

	st := s.Stats()
	s.log.Info("session closed",
		"reason", string(s.Reason()),
		"frames_sent", st.FramesSent,
		"frames_received", st.FramesReceived,
		"inbound_dropped", st.InboundDropped,
		"outbound_dropped", st.OutboundDropped,
		"protocol_errors", st.ProtocolErrors,
		"drained_bytes", inBytes,
		"drained_frames", outFrames,
	)
}

// ─── Workers ────────────────────────────────────────────────────────────────

// sender moves whole call-codec frames from the inbound buffer to the socket
// as PCM16 wire frames.
func (s *Session) sender() error {
	codec := s.call.Codec()
	frame := make([]byte, codec.FrameSize())
	pcm := make([]byte, wire.AudioPayloadSize)
	var out []byte

	for !s.stopping.Load() {
		if !s.bufs.Inbound.ReadFull(frame, s.cfg.ReadWait) {
			continue
		}
		payload := frame
		if codec == audio.CodecPCMU {
			audio.DecodeULawFrame(pcm, frame)
			payload = pcm
		}

		var err error
		out, err = s.cfg.Mode.AppendAudio(out[:0], payload)
		if err != nil {
			s.stop(ReasonWriteError, err)
			return err
		}
		if _, err := s.conn.Write(out); err != nil {
			if !s.stopping.Load() {
				s.stop(ReasonWriteError, fmt.Errorf("relay: write to gateway: %w", err))
			}
			return nil
		}
		s.framesSent.Add(1)
		s.metrics.RecordFrameSent(context.Background(), observe.DirectionInbound)
	}
	return nil
}

// receiver decodes gateway frames, queues audio for playback in the call
// codec and acts on hangup control messages.
func (s *Session) receiver() error {
	r := wire.NewReader(s.conn, s.cfg.Mode)
	codec := s.call.Codec()
	ctx := context.Background()

	for {
		f, err := r.ReadFrame()
		if err != nil {
			var perr *wire.ProtocolError
			if errors.As(err, &perr) {
				s.protocolErrors.Add(1)
				s.metrics.RecordProtocolError(ctx, perr.Kind())
				s.log.Warn("skipping malformed gateway frame",
					"kind", perr.Kind(),
					"tag", perr.Tag,
					"skipped", perr.Skipped,
				)
				continue
			}
			if s.stopping.Load() {
				return nil
			}
			if errors.Is(err, io.EOF) {
				s.stop(ReasonGatewayClosed, nil)
			} else {
				s.stop(ReasonGatewayClosed, fmt.Errorf("relay: read from gateway: %w", err))
			}
			return nil
		}

		switch f.Type {
		case wire.FrameAudio:
			s.framesReceived.Add(1)
			s.metrics.RecordFrameReceived(ctx, observe.DirectionOutbound)
			data := f.Audio
			if codec == audio.CodecPCMU {
				data = make([]byte, audio.SamplesPerFrame)
				audio.EncodeULawFrame(data, f.Audio)
			}
			if !s.bufs.Outbound.Push(data) {
				n := s.outboundDropped.Add(1)
				s.metrics.RecordFrameDropped(ctx, observe.DirectionOutbound)
				if n == 1 || n%dropLogEvery == 0 {
					s.log.Warn("outbound queue full, dropping gateway audio",
						"dropped", n, "capacity", s.bufs.Outbound.Cap())
				}
			}

		case wire.FrameControl:
			s.log.Debug("gateway control message", "text", f.Text)
			if wire.IsHangup(s.cfg.Mode, f.Text) {
				s.log.Info("gateway requested hangup")
				// The reason must be recorded before the call observes the hangup.
				s.stop(ReasonGatewayHangup, nil)
				if err := s.call.Hangup(); err != nil {
					s.log.Warn("hangup failed", "err", err)
				}
				return nil
			}
		}
	}
}

// ─── Telephony loop ─────────────────────────────────────────────────────────

// Run drives the call: it starts the session if it is still idle, then
// alternates between forwarding one caller frame to the inbound buffer and
// playing at most one gateway frame, until the call ends, the gateway stops
// the session, or ctx is cancelled. Run closes the session before returning
// and returns the error that ended it, if any.
func (s *Session) Run(ctx context.Context) (err error) {
	ctx, span := observe.StartSessionSpan(ctx, s.tp, observe.SessionSpan{
		SessionID: s.id,
		CallerID:  s.caller,
		Codec:     s.call.Codec().String(),
		Gateway:   s.cfg.Addr,
		Mode:      s.cfg.Mode.String(),
		Handshake: s.cfg.Handshake.String(),
	})
	defer func() {
		observe.EndSessionSpan(span, string(s.Reason()), s.framesSent.Load(), s.framesReceived.Load(), err)
	}()

	switch {
	case s.State() == StateIdle:
		if err := s.Start(ctx); err != nil {
			return err
		}
	case s.State() == StateClosed && s.streamAt.Load() == 0:
		if err := s.Err(); err != nil {
			return err
		}
		return ErrClosed
	}
	defer s.Close()

	codec := s.call.Codec()
	conv := audio.Converter{Target: codec}
	poll := time.NewTimer(s.cfg.PollInterval)
	poll.Stop()
	defer poll.Stop()

	for !s.stopping.Load() {
		if ctx.Err() != nil {
			s.stop(ReasonCancelled, nil)
			break
		}
		if !s.call.Active() {
			s.stop(ReasonCallEnded, nil)
			break
		}

		f, err := s.call.ReadFrame(ctx)
		switch {
		case err == nil:
			s.forward(f, &conv)
		case errors.Is(err, telephony.ErrNoData):
			s.play(codec)
			poll.Reset(s.cfg.PollInterval)
			select {
			case <-poll.C:
			case <-s.stopCh:
			case <-ctx.Done():
			}
			continue
		case errors.Is(err, telephony.ErrCallEnded):
			s.stop(ReasonCallEnded, nil)
			continue
		case ctx.Err() != nil:
			s.stop(ReasonCancelled, nil)
			continue
		default:
			s.stop(ReasonCallError, fmt.Errorf("relay: read caller audio: %w", err))
			continue
		}
		s.play(codec)
	}
	return s.Err()
}

// forward writes one caller frame to the inbound buffer.
func (s *Session) forward(f audio.AudioFrame, conv *audio.Converter) {
	if len(f.Data) < audio.MinFrameBytes {
		s.ignored.Add(1)
		return
	}
	f, ok := conv.Convert(f)
	if !ok {
		return
	}

	err := s.bufs.Inbound.Write(f.Data, s.cfg.InboundWriteTimeout)
	switch {
	case err == nil:
	case errors.Is(err, buffer.ErrFull):
		n := s.inboundDropped.Add(1)
		s.metrics.RecordFrameDropped(context.Background(), observe.DirectionInbound)
		if n == 1 || n%dropLogEvery == 0 {
			s.log.Warn("inbound buffer full, dropping caller audio",
				"dropped", n, "capacity", s.bufs.Inbound.Cap())
		}
	case errors.Is(err, buffer.ErrClosed):
		s.stop(ReasonClosed, nil)
	default:
		s.log.Warn("inbound write failed", "err", err)
	}
}

// play hands at most one queued gateway frame to the call.
func (s *Session) play(codec audio.Codec) {
	data, ok := s.bufs.Outbound.Pop()
	if !ok {
		return
	}
	err := s.call.WriteFrame(audio.AudioFrame{Codec: codec, Data: data})
	switch {
	case err == nil:
		s.framesPlayed.Add(1)
		s.metrics.RecordFrameSent(context.Background(), observe.DirectionOutbound)
	case errors.Is(err, telephony.ErrCallEnded):
		s.stop(ReasonCallEnded, nil)
	default:
		s.stop(ReasonCallError, fmt.Errorf("relay: play to caller: %w", err))
	}
}
