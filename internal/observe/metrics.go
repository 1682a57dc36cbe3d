// Package observe provides application-wide observability primitives for the
// bridge: OpenTelemetry metrics and the Prometheus exporter bridge.
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

// meterName is the instrumentation scope name used for all bridge metrics.
const meterName = "github.com/sightline-voice/sightline"

// Metrics holds all OpenTelemetry metric instruments for the bridge.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Gauges ---

	// ActiveSessions tracks the number of live bridge sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- Counters ---

	// AudioForwarded counts inbound audio chunks forwarded upstream.
	AudioForwarded metric.Int64Counter

	// AudioSuppressed counts inbound audio chunks dropped by the echo gate.
	// Exported specifically so the grace period can be tuned from data.
	AudioSuppressed metric.Int64Counter

	// GateRejections counts quality-gate rejections. Use with attribute:
	//   attribute.String("reason", ...)
	GateRejections metric.Int64Counter

	// FastPathHits counts rule-engine fast-path firings. Use with attribute:
	//   attribute.String("rule", ...)
	FastPathHits metric.Int64Counter

	// Interjections counts proactive utterances triggered by the scheduler.
	Interjections metric.Int64Counter

	// BargeIns counts user interruptions of an in-flight response.
	BargeIns metric.Int64Counter

	// UpstreamEvents counts engine events by type. Use with attribute:
	//   attribute.String("event", ...)
	UpstreamEvents metric.Int64Counter

	// --- Histograms ---

	// TurnDuration tracks response lifecycle duration (created → done).
	TurnDuration metric.Float64Histogram

	// FrameWaitDuration tracks how long the injector waited for a fresh frame.
	FrameWaitDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for conversational latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ActiveSessions, err = m.Int64UpDownCounter("sightline.active_sessions",
		metric.WithDescription("Number of live bridge sessions."),
	); err != nil {
		return nil, err
	}
	if met.AudioForwarded, err = m.Int64Counter("sightline.audio.forwarded",
		metric.WithDescription("Inbound audio chunks forwarded to the upstream engine."),
	); err != nil {
		return nil, err
	}
	if met.AudioSuppressed, err = m.Int64Counter("sightline.audio.suppressed",
		metric.WithDescription("Inbound audio chunks dropped by the echo-suppression gate."),
	); err != nil {
		return nil, err
	}
	if met.GateRejections, err = m.Int64Counter("sightline.gate.rejections",
		metric.WithDescription("Quality-gate rejections by reason."),
	); err != nil {
		return nil, err
	}
	if met.FastPathHits, err = m.Int64Counter("sightline.fastpath.hits",
		metric.WithDescription("Rule-engine fast-path firings by rule."),
	); err != nil {
		return nil, err
	}
	if met.Interjections, err = m.Int64Counter("sightline.interjections",
		metric.WithDescription("Proactive utterances triggered by the interjection scheduler."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("sightline.barge_ins",
		metric.WithDescription("User interruptions of an in-flight response."),
	); err != nil {
		return nil, err
	}
	if met.UpstreamEvents, err = m.Int64Counter("sightline.upstream.events",
		metric.WithDescription("Upstream engine events by type."),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("sightline.turn.duration",
		metric.WithDescription("Response lifecycle duration from created to done."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FrameWaitDuration, err = m.Float64Histogram("sightline.frame_wait.duration",
		metric.WithDescription("Time spent waiting for a requested fresh frame."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
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

// RecordGateRejection records a quality-gate rejection with its reason.
func (m *Metrics) RecordGateRejection(ctx context.Context, reason string) {
	m.GateRejections.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordFastPathHit records a rule-engine firing.
func (m *Metrics) RecordFastPathHit(ctx context.Context, rule string) {
	m.FastPathHits.Add(ctx, 1,
		metric.WithAttributes(attribute.String("rule", rule)),
	)
}

// RecordUpstreamEvent records an engine event by type name.
func (m *Metrics) RecordUpstreamEvent(ctx context.Context, event string) {
	m.UpstreamEvents.Add(ctx, 1,
		metric.WithAttributes(attribute.String("event", event)),
	)
}
