package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func newRecorder(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tp, exp
}

func spanNamed(t *testing.T, exp *tracetest.InMemoryExporter, name string) tracetest.SpanStub {
	t.Helper()
	for _, s := range exp.GetSpans() {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("no %q span among %d recorded", name, len(exp.GetSpans()))
	return tracetest.SpanStub{}
}

func attrs(s tracetest.SpanStub) map[attribute.Key]attribute.Value {
	m := make(map[attribute.Key]attribute.Value, len(s.Attributes))
	for _, kv := range s.Attributes {
		m[kv.Key] = kv.Value
	}
	return m
}

func testSession() SessionSpan {
	return SessionSpan{
		SessionID: "abc-123",
		CallerID:  "5551234567",
		Codec:     "PCMU",
		Gateway:   "10.0.0.5:9092",
		Mode:      "tagged",
		Handshake: "json",
	}
}

func TestSessionSpan_Attributes(t *testing.T) {
	t.Parallel()
	tp, exp := newRecorder(t)

	_, span := StartSessionSpan(context.Background(), tp, testSession())
	EndSessionSpan(span, "gateway_hangup", 250, 240, nil)

	got := spanNamed(t, exp, SpanSession)
	if got.SpanKind != trace.SpanKindClient {
		t.Errorf("kind = %v, want client", got.SpanKind)
	}
	a := attrs(got)
	for key, want := range map[attribute.Key]string{
		AttrSessionID:  "abc-123",
		AttrCallerID:   "5551234567",
		AttrCodec:      "PCMU",
		AttrGateway:    "10.0.0.5:9092",
		AttrWireMode:   "tagged",
		AttrHandshake:  "json",
		AttrStopReason: "gateway_hangup",
	} {
		if v := a[key].AsString(); v != want {
			t.Errorf("%s = %q, want %q", key, v, want)
		}
	}
	if n := a[AttrFramesSent].AsInt64(); n != 250 {
		t.Errorf("frames sent = %d, want 250", n)
	}
	if n := a[AttrFramesRecv].AsInt64(); n != 240 {
		t.Errorf("frames received = %d, want 240", n)
	}
	if got.Status.Code != codes.Unset {
		t.Errorf("status = %v, want unset for a clean stop", got.Status.Code)
	}
}

func TestSessionSpan_ErrorStatus(t *testing.T) {
	t.Parallel()
	tp, exp := newRecorder(t)

	_, span := StartSessionSpan(context.Background(), tp, testSession())
	EndSessionSpan(span, "write_error", 3, 0, errors.New("broken pipe"))

	got := spanNamed(t, exp, SpanSession)
	if got.Status.Code != codes.Error {
		t.Fatalf("status = %v, want error", got.Status.Code)
	}
	if got.Status.Description != "broken pipe" {
		t.Errorf("status description = %q", got.Status.Description)
	}
	if v := attrs(got)[AttrStopReason].AsString(); v != "write_error" {
		t.Errorf("stop reason = %q, want write_error", v)
	}
	if len(got.Events) == 0 || got.Events[0].Name != "exception" {
		t.Errorf("error was not recorded as an exception event: %+v", got.Events)
	}
}

func TestConnectSpan_ChildOfSession(t *testing.T) {
	t.Parallel()
	tp, exp := newRecorder(t)

	ctx, session := StartSessionSpan(context.Background(), tp, testSession())
	_, connect := StartConnectSpan(ctx, tp, "10.0.0.5:9092")
	EndConnectSpan(connect, errors.New("connection refused"))
	EndSessionSpan(session, "connect_failed", 0, 0, errors.New("connection refused"))

	parent := spanNamed(t, exp, SpanSession)
	child := spanNamed(t, exp, SpanConnect)
	if child.Parent.SpanID() != parent.SpanContext.SpanID() {
		t.Errorf("connect span parent = %s, want %s", child.Parent.SpanID(), parent.SpanContext.SpanID())
	}
	if child.SpanContext.TraceID() != parent.SpanContext.TraceID() {
		t.Error("connect span is on a different trace")
	}
	if child.Status.Code != codes.Error || child.Status.Description != "gateway connect failed" {
		t.Errorf("connect status = %+v", child.Status)
	}
	if v := attrs(child)[AttrGateway].AsString(); v != "10.0.0.5:9092" {
		t.Errorf("connect gateway = %q", v)
	}
}

func TestConnectSpan_OK(t *testing.T) {
	t.Parallel()
	tp, exp := newRecorder(t)

	_, span := StartConnectSpan(context.Background(), tp, "gw:9092")
	EndConnectSpan(span, nil)

	if got := spanNamed(t, exp, SpanConnect); got.Status.Code != codes.Unset {
		t.Errorf("status = %v, want unset", got.Status.Code)
	}
}

func TestCorrelationID(t *testing.T) {
	t.Parallel()
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}

	tp, _ := newRecorder(t)
	ctx, span := StartSessionSpan(context.Background(), tp, testSession())
	defer span.End()

	cid := CorrelationID(ctx)
	if cid != span.SpanContext().TraceID().String() {
		t.Errorf("CorrelationID = %q, want the session trace ID", cid)
	}
	if len(cid) != 32 {
		t.Errorf("correlation ID length = %d, want 32", len(cid))
	}
}

func TestLogger_CarriesSessionTrace(t *testing.T) {
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })

	Logger(context.Background()).Info("before session")
	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("log without span has trace_id: %s", buf.String())
	}
	buf.Reset()

	tp, _ := newRecorder(t)
	ctx, span := StartSessionSpan(context.Background(), tp, testSession())
	defer span.End()
	Logger(ctx).Info("streaming")

	logged := buf.String()
	if !strings.Contains(logged, "trace_id="+span.SpanContext().TraceID().String()) {
		t.Errorf("log output missing session trace_id: %s", logged)
	}
	if !strings.Contains(logged, "span_id="+span.SpanContext().SpanID().String()) {
		t.Errorf("log output missing session span_id: %s", logged)
	}
}
