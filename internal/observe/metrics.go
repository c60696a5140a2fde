// Package observe provides application-wide observability primitives for
// Lumina: OpenTelemetry metrics and the SDK provider setup with a Prometheus
// exporter bridge.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A package-level
// default [Metrics] instance ([Default]) is provided for convenience; tests
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

// meterName is the instrumentation scope name used for all Lumina metrics.
const meterName = "github.com/cortantse/lumina"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks speech-to-text finalisation latency.
	STTDuration metric.Float64Histogram

	// STDDuration tracks semantic-turn-detection latency (judge + classifier).
	STDDuration metric.Float64Histogram

	// PreReplyDuration tracks pre-reply generation latency.
	PreReplyDuration metric.Float64Histogram

	// LLMDuration tracks main-reply stream latency (first token to done).
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks per-sentence synthesis latency.
	TTSDuration metric.Float64Histogram

	// --- Counters ---

	// Turns counts finalised user turns entering the buffer.
	Turns metric.Int64Counter

	// BargeIns counts partial transcripts that invalidated an epoch with
	// downstream work in flight.
	BargeIns metric.Int64Counter

	// EpochInvalidations counts work items dropped at an emission boundary
	// because their epoch was superseded. Use with
	// attribute.String("stage", "pre_reply"|"sentence"|"commit").
	EpochInvalidations metric.Int64Counter

	// DroppedSentences counts sentences lost to TTS failure.
	DroppedSentences metric.Int64Counter

	// ProviderErrors counts vendor errors. Use with
	// attribute.String("provider", ...), attribute.String("kind", ...).
	ProviderErrors metric.Int64Counter

	// StateTransitions counts conversational-state changes. Use with
	// attribute.String("from", ...), attribute.String("to", ...).
	StateTransitions metric.Int64Counter

	// --- Gauges ---

	// QueuedSentences tracks the TTS dispatcher queue depth.
	QueuedSentences metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&met.STTDuration, "lumina.stt.duration", "Latency of speech-to-text finalisation."},
		{&met.STDDuration, "lumina.std.duration", "Latency of semantic turn detection."},
		{&met.PreReplyDuration, "lumina.pre_reply.duration", "Latency of pre-reply generation."},
		{&met.LLMDuration, "lumina.llm.duration", "Latency of the main reply stream."},
		{&met.TTSDuration, "lumina.tts.duration", "Latency of per-sentence synthesis."},
	}
	for _, h := range histograms {
		if *h.dst, err = m.Float64Histogram(h.name,
			metric.WithDescription(h.desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		); err != nil {
			return nil, err
		}
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.Turns, "lumina.turns", "Finalised user turns entering the buffer."},
		{&met.BargeIns, "lumina.barge_ins", "Partial transcripts that silenced in-flight output."},
		{&met.EpochInvalidations, "lumina.epoch_invalidations", "Work items dropped at an emission boundary."},
		{&met.DroppedSentences, "lumina.dropped_sentences", "Sentences lost to TTS failure."},
		{&met.ProviderErrors, "lumina.provider_errors", "Vendor API errors."},
		{&met.StateTransitions, "lumina.state_transitions", "Conversational state changes."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	if met.QueuedSentences, err = m.Int64UpDownCounter("lumina.queued_sentences",
		metric.WithDescription("Depth of the TTS dispatcher queue."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// Default returns the process-wide [Metrics] instance, creating it lazily
// from the global meter provider.
func Default() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			// Instrument creation only fails on name collisions within the
			// scope; fall back to a no-op-backed instance.
			m, _ = NewMetrics(noopMeterProvider())
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

// RecordStage is a convenience for timing one pipeline stage.
func (m *Metrics) RecordStage(ctx context.Context, h metric.Float64Histogram, seconds float64, attrs ...attribute.KeyValue) {
	if m == nil || h == nil {
		return
	}
	h.Record(ctx, seconds, metric.WithAttributes(attrs...))
}
