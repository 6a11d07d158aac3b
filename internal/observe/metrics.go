// Package observe holds the telemetry plumbing shared by every subsystem.
// It owns the OpenTelemetry metric instruments and tracing helpers, plus an
// HTTP middleware that times requests and stamps responses with a
// correlation ID.
//
// Instruments live on the global meter provider. [InitProvider] backs that
// provider with a Prometheus bridge, so recordings surface on the standard
// /metrics endpoint without per-instrument wiring. Production code records
// through the shared [DefaultMetrics] instance; tests construct their own
// [Metrics] with [NewMetrics] against a private [metric.MeterProvider] so
// readings stay isolated.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName scopes every instrument registered by this package.
const meterName = "github.com/lurkshade/streampulse"

// Metrics bundles the service's metric instruments so subsystems can share a
// single registration. Instruments are concurrency-safe; one instance serves
// the whole process.
type Metrics struct {
	// AnalysisDuration tracks one full analysis pass: context assembly plus
	// the LLM round trip.
	AnalysisDuration metric.Float64Histogram

	// LLMDuration tracks single LLM round trips. Recorded through
	// [Metrics.RecordLLMCall] with kind (analysis, response) and status
	// attributes.
	LLMDuration metric.Float64Histogram

	// RAGDuration tracks end-to-end RAG query latency: routing, retrieval
	// fan-out, enrichment, and the LLM reply.
	RAGDuration metric.Float64Histogram

	// AnalysisRuns counts analysis passes, labelled status=ok|unusable|error.
	AnalysisRuns metric.Int64Counter

	// WindowsSealed counts context windows sealed by persistence outcome.
	WindowsSealed metric.Int64Counter

	// EventsIngested counts inbound events labelled by source stream
	// (transcription, chat, emote, interaction).
	EventsIngested metric.Int64Counter

	// WSReconnects counts successful upstream reconnections per client.
	WSReconnects metric.Int64Counter

	// RAGQueries counts answered questions, labelled status=ok|fallback|error.
	RAGQueries metric.Int64Counter

	// WSConnected holds +1 per upstream connection currently established,
	// moved through [Metrics.RecordWSConnected].
	WSConnected metric.Int64UpDownCounter

	// QueryClients tracks connected question websocket clients.
	QueryClients metric.Int64UpDownCounter

	// HTTPRequestDuration is recorded by the HTTP middleware for every
	// handled request, labelled by method and path.
	HTTPRequestDuration metric.Float64Histogram

	// meter is retained for observable instruments registered after
	// construction (see RegisterBufferStats).
	meter           metric.Meter
	bufferSize      metric.Int64ObservableGauge
	bufferOverflows metric.Int64ObservableCounter
}

// latencyBuckets spaces histogram boundaries (seconds) wide enough at the
// top end for LLM round trips, which routinely take several seconds.
var latencyBuckets = []float64{
	0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics registers every instrument on a meter from mp and returns the
// populated set. The first registration failure aborts construction.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{meter: m}

	if met.AnalysisDuration, err = m.Float64Histogram("streampulse.analysis.duration",
		metric.WithDescription("Latency of one stream analysis pass."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("streampulse.llm.duration",
		metric.WithDescription("Latency of LLM calls by kind and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RAGDuration, err = m.Float64Histogram("streampulse.rag.query.duration",
		metric.WithDescription("End-to-end RAG query latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.AnalysisRuns, err = m.Int64Counter("streampulse.analysis.runs",
		metric.WithDescription("Total analysis passes by outcome."),
	); err != nil {
		return nil, err
	}
	if met.WindowsSealed, err = m.Int64Counter("streampulse.context.windows_sealed",
		metric.WithDescription("Total context windows sealed by persistence outcome."),
	); err != nil {
		return nil, err
	}
	if met.EventsIngested, err = m.Int64Counter("streampulse.ingest.events",
		metric.WithDescription("Total inbound stream events by stream."),
	); err != nil {
		return nil, err
	}
	if met.WSReconnects, err = m.Int64Counter("streampulse.ws.reconnects",
		metric.WithDescription("Total successful upstream websocket reconnections by client."),
	); err != nil {
		return nil, err
	}
	if met.RAGQueries, err = m.Int64Counter("streampulse.rag.queries",
		metric.WithDescription("Total RAG queries by outcome."),
	); err != nil {
		return nil, err
	}

	if met.WSConnected, err = m.Int64UpDownCounter("streampulse.ws.connected",
		metric.WithDescription("Upstream websocket connections currently established."),
	); err != nil {
		return nil, err
	}
	if met.QueryClients, err = m.Int64UpDownCounter("streampulse.rag.clients",
		metric.WithDescription("Connected RAG websocket clients."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("streampulse.http.request.duration",
		metric.WithDescription("Time spent serving an HTTP request, by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Observable instruments, fed by RegisterBufferStats callbacks.
	if met.bufferSize, err = m.Int64ObservableGauge("streampulse.buffer.size",
		metric.WithDescription("Correlator buffer fill level by buffer."),
	); err != nil {
		return nil, err
	}
	if met.bufferOverflows, err = m.Int64ObservableCounter("streampulse.buffer.overflows",
		metric.WithDescription("Total events dropped because a correlator buffer hit its cap."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// BufferStat is one buffer's reading for the observable buffer instruments.
type BufferStat struct {
	Name      string
	Len       int64
	Overflows int64
}

// RegisterBufferStats registers fn to feed the buffer size gauge and
// overflow counter on every metrics collection. The returned registration
// should be unregistered during shutdown.
func (m *Metrics) RegisterBufferStats(fn func() []BufferStat) (metric.Registration, error) {
	return m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for _, s := range fn() {
			attrs := metric.WithAttributes(attribute.String("buffer", s.Name))
			o.ObserveInt64(m.bufferSize, s.Len, attrs)
			o.ObserveInt64(m.bufferOverflows, s.Overflows, attrs)
		}
		return nil
	}, m.bufferSize, m.bufferOverflows)
}

// defaultMetrics backs [DefaultMetrics].
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide [Metrics], building it against the
// global meter provider on first use. Panics if instrument registration
// fails.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordAnalysis records one analysis pass with its outcome and duration.
func (m *Metrics) RecordAnalysis(ctx context.Context, status string, seconds float64) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.AnalysisRuns.Add(ctx, 1, attrs)
	m.AnalysisDuration.Record(ctx, seconds, attrs)
}

// RecordWindowSealed records one sealed context window by persistence outcome.
func (m *Metrics) RecordWindowSealed(ctx context.Context, status string) {
	m.WindowsSealed.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordLLMCall records one LLM round trip.
func (m *Metrics) RecordLLMCall(ctx context.Context, kind, status string, seconds float64) {
	m.LLMDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordRAGQuery records one RAG query with its outcome and duration.
func (m *Metrics) RecordRAGQuery(ctx context.Context, status string, seconds float64) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.RAGQueries.Add(ctx, 1, attrs)
	m.RAGDuration.Record(ctx, seconds, attrs)
}

// RecordIngest counts one inbound event from the named stream.
func (m *Metrics) RecordIngest(ctx context.Context, stream string) {
	m.EventsIngested.Add(ctx, 1,
		metric.WithAttributes(attribute.String("stream", stream)),
	)
}

// RecordWSReconnect counts one successful reconnection of the named client.
func (m *Metrics) RecordWSReconnect(ctx context.Context, client string) {
	m.WSReconnects.Add(ctx, 1,
		metric.WithAttributes(attribute.String("client", client)),
	)
}

// RecordWSConnected moves the connection gauge for the named client: +1 on
// connect, -1 on loss.
func (m *Metrics) RecordWSConnected(ctx context.Context, client string, delta int64) {
	m.WSConnected.Add(ctx, delta,
		metric.WithAttributes(attribute.String("client", client)),
	)
}

// RecordQueryClients moves the connected question-client gauge.
func (m *Metrics) RecordQueryClients(ctx context.Context, delta int64) {
	m.QueryClients.Add(ctx, delta)
}
