// Package observe provides application-wide observability primitives for
// novarelay: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all novarelay metrics.
const meterName = "github.com/MrWong99/novarelay"

// Directions used as the "direction" attribute on frame counters.
const (
	// DirectionInbound is caller audio travelling to the gateway.
	DirectionInbound = "inbound"

	// DirectionOutbound is gateway audio travelling to the caller.
	DirectionOutbound = "outbound"
)

// Metrics holds all OpenTelemetry metric instruments for the relay.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// GatewayConnectDuration tracks dial plus handshake latency. Use with
	// attribute.String("result", ...).
	GatewayConnectDuration metric.Float64Histogram

	// SessionDuration tracks how long relay sessions stay open. Use with
	// attribute.String("reason", ...).
	SessionDuration metric.Float64Histogram

	// --- Counters ---

	// SessionsTotal counts finished session attempts. Use with
	// attribute.String("result", ...).
	SessionsTotal metric.Int64Counter

	// FramesSent counts frames written towards their destination. Use with
	// attribute.String("direction", ...).
	FramesSent metric.Int64Counter

	// FramesReceived counts frames accepted from their source. Use with
	// attribute.String("direction", ...).
	FramesReceived metric.Int64Counter

	// FramesDropped counts frames discarded because a buffer was full. Use
	// with attribute.String("direction", ...).
	FramesDropped metric.Int64Counter

	// --- Error counters ---

	// ProtocolErrors counts malformed gateway frames. Use with
	// attribute.String("kind", ...).
	ProtocolErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live relay sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// connection setup latencies.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// sessionBuckets covers call lengths from a few seconds to an hour.
var sessionBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.GatewayConnectDuration, err = m.Float64Histogram("novarelay.gateway.connect.duration",
		metric.WithDescription("Latency of gateway dial and handshake."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("novarelay.session.duration",
		metric.WithDescription("Lifetime of relay sessions by stop reason."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.SessionsTotal, err = m.Int64Counter("novarelay.sessions.total",
		metric.WithDescription("Total relay sessions by result."),
	); err != nil {
		return nil, err
	}
	if met.FramesSent, err = m.Int64Counter("novarelay.frames.sent",
		metric.WithDescription("Audio frames delivered by direction."),
	); err != nil {
		return nil, err
	}
	if met.FramesReceived, err = m.Int64Counter("novarelay.frames.received",
		metric.WithDescription("Audio frames accepted by direction."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("novarelay.frames.dropped",
		metric.WithDescription("Audio frames dropped on full buffers by direction."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProtocolErrors, err = m.Int64Counter("novarelay.protocol.errors",
		metric.WithDescription("Malformed gateway frames by kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("novarelay.sessions.active",
		metric.WithDescription("Number of live relay sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("novarelay.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordConnect records one gateway connection attempt.
func (m *Metrics) RecordConnect(ctx context.Context, d time.Duration, result string) {
	m.GatewayConnectDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("result", result)),
	)
}

// RecordSessionEnd records the end of a session that reached streaming.
func (m *Metrics) RecordSessionEnd(ctx context.Context, d time.Duration, reason string) {
	m.SessionDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordSession increments the finished session counter.
func (m *Metrics) RecordSession(ctx context.Context, result string) {
	m.SessionsTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("result", result)),
	)
}

// RecordFrameSent increments the delivered frame counter for direction.
func (m *Metrics) RecordFrameSent(ctx context.Context, direction string) {
	m.FramesSent.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", direction)))
}

// RecordFrameReceived increments the accepted frame counter for direction.
func (m *Metrics) RecordFrameReceived(ctx context.Context, direction string) {
	m.FramesReceived.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", direction)))
}

// RecordFrameDropped increments the dropped frame counter for direction.
func (m *Metrics) RecordFrameDropped(ctx context.Context, direction string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", direction)))
}

// RecordProtocolError increments the protocol error counter for kind.
func (m *Metrics) RecordProtocolError(ctx context.Context, kind string) {
	m.ProtocolErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
