package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the novarelay tracer.
const tracerName = "github.com/MrWong99/novarelay"

// Span names.
const (
	SpanSession = "relay.session"
	SpanConnect = "relay.gateway.connect"
)

// Span attribute keys shared by the relay spans.
const (
	AttrSessionID  = attribute.Key("novarelay.session.id")
	AttrCallerID   = attribute.Key("novarelay.caller.id")
	AttrCodec      = attribute.Key("novarelay.codec")
	AttrGateway    = attribute.Key("novarelay.gateway.addr")
	AttrWireMode   = attribute.Key("novarelay.wire.mode")
	AttrHandshake  = attribute.Key("novarelay.handshake")
	AttrStopReason = attribute.Key("novarelay.session.stop_reason")
	AttrFramesSent = attribute.Key("novarelay.frames.sent")
	AttrFramesRecv = attribute.Key("novarelay.frames.received")
)

// Tracer returns the novarelay tracer of the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

func tracerFrom(tp trace.TracerProvider) trace.Tracer {
	if tp == nil {
		return Tracer()
	}
	return tp.Tracer(tracerName)
}

// StartSpan starts a span on the global provider. The caller must end it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// SessionSpan describes the relayed call a session span covers.
type SessionSpan struct {
	SessionID string
	CallerID  string
	Codec     string
	Gateway   string
	Mode      string
	Handshake string
}

// StartSessionSpan starts the [SpanSession] span for one call. A nil tp
// uses the global provider.
func StartSessionSpan(ctx context.Context, tp trace.TracerProvider, s SessionSpan) (context.Context, trace.Span) {
	return tracerFrom(tp).Start(ctx, SpanSession,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			AttrSessionID.String(s.SessionID),
			AttrCallerID.String(s.CallerID),
			AttrCodec.String(s.Codec),
			AttrGateway.String(s.Gateway),
			AttrWireMode.String(s.Mode),
			AttrHandshake.String(s.Handshake),
		),
	)
}

// EndSessionSpan records how the session stopped and ends span. A non-nil
// err marks the span as failed.
func EndSessionSpan(span trace.Span, reason string, framesSent, framesReceived int64, err error) {
	span.SetAttributes(
		AttrStopReason.String(reason),
		AttrFramesSent.Int64(framesSent),
		AttrFramesRecv.Int64(framesReceived),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// StartConnectSpan starts the [SpanConnect] child span covering the dial and
// the handshake.
func StartConnectSpan(ctx context.Context, tp trace.TracerProvider, gateway string) (context.Context, trace.Span) {
	return tracerFrom(tp).Start(ctx, SpanConnect, trace.WithAttributes(AttrGateway.String(gateway)))
}

// EndConnectSpan ends a connect span, marking it failed when err is non-nil.
func EndConnectSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "gateway connect failed")
	}
	span.End()
}

// CorrelationID extracts the trace ID from the span context in ctx, or ""
// when there is none. It is echoed as the X-Correlation-ID response header
// of the ops server.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger enriched with trace_id and span_id when
// ctx carries a span.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
