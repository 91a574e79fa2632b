// Package observe provides application-wide observability primitives for
// micbridge: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all micbridge metrics.
const meterName = "github.com/MrWong99/micbridge"

// Session outcomes used as the "outcome" attribute of [Metrics.Sessions].
const (
	OutcomeEndOfStream  = "end_of_stream"
	OutcomeStreamError  = "stream_error"
	OutcomeSpawnError   = "spawn_error"
	OutcomeDisconnected = "disconnected"
	OutcomeShutdown     = "shutdown"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Sessions ---

	// ActiveSessions tracks the number of connected clients.
	ActiveSessions metric.Int64UpDownCounter

	// Sessions counts finished sessions. Use with attribute:
	//   attribute.String("outcome", ...)
	Sessions metric.Int64Counter

	// SessionDuration tracks how long sessions stay connected.
	SessionDuration metric.Float64Histogram

	// SpawnErrors counts capture programs that could not be started.
	SpawnErrors metric.Int64Counter

	// --- Audio ---

	// Chunks counts audio-chunk events written to clients.
	Chunks metric.Int64Counter

	// AudioBytes counts raw audio bytes forwarded to clients.
	AudioBytes metric.Int64Counter

	// EventWriteDuration tracks how long a single event write blocks on the
	// client connection.
	EventWriteDuration metric.Float64Histogram

	// InboundEvents counts events received from clients. Use with attribute:
	//   attribute.String("type", ...)
	InboundEvents metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks admin HTTP request processing time. Use with
	// attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// writeBuckets defines histogram bucket boundaries (in seconds) for event
// writes. A healthy client accepts a chunk well below one frame duration.
var writeBuckets = []float64{
	0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5,
}

// sessionBuckets defines histogram bucket boundaries (in seconds) for
// session lifetimes, from failed handshakes to day-long feeds.
var sessionBuckets = []float64{
	0.1, 1, 10, 60, 300, 1800, 3600, 4 * 3600, 24 * 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Sessions.
	if met.ActiveSessions, err = m.Int64UpDownCounter("micbridge.sessions.active",
		metric.WithDescription("Number of connected client sessions."),
	); err != nil {
		return nil, err
	}
	if met.Sessions, err = m.Int64Counter("micbridge.sessions",
		metric.WithDescription("Total finished sessions by outcome."),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("micbridge.session.duration",
		metric.WithDescription("Lifetime of client sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SpawnErrors, err = m.Int64Counter("micbridge.spawn.errors",
		metric.WithDescription("Total capture programs that failed to start."),
	); err != nil {
		return nil, err
	}

	// Audio.
	if met.Chunks, err = m.Int64Counter("micbridge.audio.chunks",
		metric.WithDescription("Total audio-chunk events written to clients."),
	); err != nil {
		return nil, err
	}
	if met.AudioBytes, err = m.Int64Counter("micbridge.audio.bytes",
		metric.WithDescription("Total raw audio bytes forwarded to clients."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.EventWriteDuration, err = m.Float64Histogram("micbridge.event.write.duration",
		metric.WithDescription("Latency of writing one event to a client."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(writeBuckets...),
	); err != nil {
		return nil, err
	}
	if met.InboundEvents, err = m.Int64Counter("micbridge.inbound.events",
		metric.WithDescription("Total events received from clients by type."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("micbridge.http.request.duration",
		metric.WithDescription("Admin HTTP request latency by method and path."),
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

// RecordSessionStart increments the active session gauge.
func (m *Metrics) RecordSessionStart(ctx context.Context) {
	m.ActiveSessions.Add(ctx, 1)
}

// RecordSessionEnd decrements the active session gauge and records the
// session's outcome and lifetime.
func (m *Metrics) RecordSessionEnd(ctx context.Context, outcome string, lifetime time.Duration) {
	m.ActiveSessions.Add(ctx, -1)
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.Sessions.Add(ctx, 1, attrs)
	m.SessionDuration.Record(ctx, lifetime.Seconds(), attrs)
}

// RecordSpawnError increments the spawn error counter.
func (m *Metrics) RecordSpawnError(ctx context.Context) {
	m.SpawnErrors.Add(ctx, 1)
}

// RecordChunk records one written audio-chunk event of n payload bytes that
// took d to write.
func (m *Metrics) RecordChunk(ctx context.Context, n int, d time.Duration) {
	m.Chunks.Add(ctx, 1)
	m.AudioBytes.Add(ctx, int64(n))
	m.EventWriteDuration.Record(ctx, d.Seconds())
}

// RecordInboundEvent increments the inbound event counter for eventType.
func (m *Metrics) RecordInboundEvent(ctx context.Context, eventType string) {
	m.InboundEvents.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", eventType)),
	)
}
