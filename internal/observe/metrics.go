// Package observe provides application-wide observability primitives for
// voxrelay: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxrelay metrics.
const meterName = "github.com/MrWong99/voxrelay"

// Direction attribute values for audio counters.
const (
	DirectionInbound  = "inbound"  // caller → backend
	DirectionOutbound = "outbound" // backend → caller
)

// Link attribute values.
const (
	LinkTelephony = "telephony"
	LinkBackend   = "backend"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Calls ---

	// ActiveCalls tracks the number of calls currently relayed.
	ActiveCalls metric.Int64UpDownCounter

	// CallsEnded counts finished calls. Use with attribute:
	//   attribute.String("reason", ...)
	CallsEnded metric.Int64Counter

	// CallDuration tracks the wall time of a call from socket open to
	// teardown.
	CallDuration metric.Float64Histogram

	// --- Audio ---

	// AudioChunks counts audio messages moved through the relay. Use with
	// attribute: attribute.String("direction", ...)
	AudioChunks metric.Int64Counter

	// AudioBytes counts μ-law bytes moved through the relay. Use with
	// attribute: attribute.String("direction", ...)
	AudioBytes metric.Int64Counter

	// PendingDropped counts caller chunks evicted from the pre-readiness
	// queue.
	PendingDropped metric.Int64Counter

	// BargeIns counts caller interruptions of backend speech.
	BargeIns metric.Int64Counter

	// --- Errors ---

	// MalformedMessages counts frames discarded because they failed to
	// parse. Use with attribute: attribute.String("link", ...)
	MalformedMessages metric.Int64Counter

	// BackendErrors counts backend failures. Use with attribute:
	//   attribute.String("kind", ...)  // dial, event, lost
	BackendErrors metric.Int64Counter

	// --- Backend ---

	// BackendConnectDuration tracks dial-to-ready latency.
	BackendConnectDuration metric.Float64Histogram

	// CircuitTransitions counts backend circuit breaker state changes. Use
	// with attribute: attribute.String("state", ...)
	CircuitTransitions metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// backend connection latency.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10,
}

// callBuckets defines histogram bucket boundaries (in seconds) for call
// duration.
var callBuckets = []float64{
	5, 15, 30, 60, 120, 300, 600, 1800,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Calls.
	if met.ActiveCalls, err = m.Int64UpDownCounter("voxrelay.calls.active",
		metric.WithDescription("Number of calls currently relayed."),
	); err != nil {
		return nil, err
	}
	if met.CallsEnded, err = m.Int64Counter("voxrelay.calls.ended",
		metric.WithDescription("Total finished calls by teardown reason."),
	); err != nil {
		return nil, err
	}
	if met.CallDuration, err = m.Float64Histogram("voxrelay.call.duration",
		metric.WithDescription("Duration of relayed calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callBuckets...),
	); err != nil {
		return nil, err
	}

	// Audio.
	if met.AudioChunks, err = m.Int64Counter("voxrelay.audio.chunks",
		metric.WithDescription("Audio messages relayed by direction."),
	); err != nil {
		return nil, err
	}
	if met.AudioBytes, err = m.Int64Counter("voxrelay.audio.bytes",
		metric.WithDescription("μ-law audio bytes relayed by direction."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.PendingDropped, err = m.Int64Counter("voxrelay.pending.dropped",
		metric.WithDescription("Caller audio chunks dropped from the pre-readiness queue."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("voxrelay.barge_ins",
		metric.WithDescription("Caller interruptions of assistant speech."),
	); err != nil {
		return nil, err
	}

	// Errors.
	if met.MalformedMessages, err = m.Int64Counter("voxrelay.messages.malformed",
		metric.WithDescription("Discarded unparseable messages by link."),
	); err != nil {
		return nil, err
	}
	if met.BackendErrors, err = m.Int64Counter("voxrelay.backend.errors",
		metric.WithDescription("Speech backend errors by kind."),
	); err != nil {
		return nil, err
	}

	// Backend.
	if met.BackendConnectDuration, err = m.Float64Histogram("voxrelay.backend.connect.duration",
		metric.WithDescription("Latency from backend dial to session ready."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CircuitTransitions, err = m.Int64Counter("voxrelay.backend.circuit.transitions",
		metric.WithDescription("Backend circuit breaker state changes by new state."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxrelay.http.request.duration",
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

// RecordAudio records one relayed audio message of n μ-law bytes.
func (m *Metrics) RecordAudio(ctx context.Context, direction string, n int) {
	attrs := metric.WithAttributes(attribute.String("direction", direction))
	m.AudioChunks.Add(ctx, 1, attrs)
	m.AudioBytes.Add(ctx, int64(n), attrs)
}

// RecordMalformed records one discarded message on link.
func (m *Metrics) RecordMalformed(ctx context.Context, link string) {
	m.MalformedMessages.Add(ctx, 1,
		metric.WithAttributes(attribute.String("link", link)),
	)
}

// RecordBackendError records one backend failure of the given kind.
func (m *Metrics) RecordBackendError(ctx context.Context, kind string) {
	m.BackendErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordCallEnded records the end of a call.
func (m *Metrics) RecordCallEnded(ctx context.Context, reason string, seconds float64) {
	m.CallsEnded.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
	m.CallDuration.Record(ctx, seconds)
}

// RecordCircuitTransition records a breaker moving to state.
func (m *Metrics) RecordCircuitTransition(ctx context.Context, state string) {
	m.CircuitTransitions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("state", state)),
	)
}
