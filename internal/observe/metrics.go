// Package observe carries the process-wide telemetry of callscribe: OTel
// metric instruments, trace helpers that follow a job across the queue and
// the completion webhook, trace-aware loggers and the HTTP middleware.
//
// Instruments are created once per [metric.MeterProvider]. [InitProvider]
// installs a Prometheus-backed provider so /metrics can be scraped, and
// [DefaultMetrics] binds to whatever global provider is current. Tests build
// their own with [NewMetrics] and a ManualReader.
package observe

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/callscribe"

// Task outcomes recorded by [Metrics.RecordTaskOutcome].
const (
	OutcomeCompleted    = "completed"
	OutcomeFailed       = "failed"
	OutcomeMissingInput = "missing_input"
	OutcomeSkipped      = "skipped"
)

// Metrics bundles the pipeline's instruments. Attribute keys are noted per
// field; the Record helpers below apply them consistently.
type Metrics struct {
	// StageDuration: stage, outcome.
	StageDuration metric.Float64Histogram

	// ProviderDuration times one transcription or LLM call: provider, kind.
	ProviderDuration metric.Float64Histogram

	// HTTPRequestDuration: method, path (the route pattern), status (class).
	HTTPRequestDuration metric.Float64Histogram

	// TaskOutcomes: stage, outcome.
	TaskOutcomes metric.Int64Counter

	ChunksTranscribed metric.Int64Counter
	ChunkRetries      metric.Int64Counter

	// SweeperRequeues: stage, reason ("failed" or "stalled").
	SweeperRequeues metric.Int64Counter

	// ProviderRequests: provider, kind, status. ProviderErrors: provider, kind.
	ProviderRequests metric.Int64Counter
	ProviderErrors   metric.Int64Counter

	// WebhookFailures: stage.
	WebhookFailures metric.Int64Counter

	ActiveTasks    metric.Int64UpDownCounter
	ActiveWatchers metric.Int64UpDownCounter
}

// Bucket boundaries in seconds. Provider calls and HTTP requests are
// sub-second to seconds; stage transforms run up to tens of minutes.
var (
	latencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	stageBuckets   = []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1200}
)

// NewMetrics creates every instrument on mp. All creation errors are
// reported together.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var errs []error

	seconds := func(name, desc string, buckets []float64) metric.Float64Histogram {
		h, err := m.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(buckets...),
		)
		errs = append(errs, err)
		return h
	}
	counter := func(name, desc string) metric.Int64Counter {
		c, err := m.Int64Counter(name, metric.WithDescription(desc))
		errs = append(errs, err)
		return c
	}
	gauge := func(name, desc string) metric.Int64UpDownCounter {
		g, err := m.Int64UpDownCounter(name, metric.WithDescription(desc))
		errs = append(errs, err)
		return g
	}

	met := &Metrics{
		StageDuration:       seconds("callscribe.stage.duration", "Duration of a stage transform.", stageBuckets),
		ProviderDuration:    seconds("callscribe.provider.duration", "Latency of a single transcription or LLM backend call.", latencyBuckets),
		HTTPRequestDuration: seconds("callscribe.http.request.duration", "Duration of HTTP requests by route.", latencyBuckets),

		TaskOutcomes:      counter("callscribe.task.outcomes", "Processed queue tasks by stage and outcome."),
		ChunksTranscribed: counter("callscribe.chunks.transcribed", "Audio chunks successfully transcribed."),
		ChunkRetries:      counter("callscribe.chunks.retries", "Retried transcription calls."),
		SweeperRequeues:   counter("callscribe.sweeper.requeues", "Tasks re-enqueued by the retry sweeper."),
		ProviderRequests:  counter("callscribe.provider.requests", "Provider API requests by status."),
		ProviderErrors:    counter("callscribe.provider.errors", "Failed provider API requests."),
		WebhookFailures:   counter("callscribe.webhook.failures", "Completion webhooks that could not be delivered."),

		ActiveTasks:    gauge("callscribe.active_tasks", "Tasks currently being processed."),
		ActiveWatchers: gauge("callscribe.active_watchers", "Open job-watch streams."),
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the instruments bound to the global MeterProvider
// at the time of the first call. Call [InitProvider] first.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		if defaultMetrics, err = NewMetrics(otel.GetMeterProvider()); err != nil {
			panic("observe: create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr shortens [attribute.String] at call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

func attrs(kv ...attribute.KeyValue) metric.AddOption {
	return metric.WithAttributes(kv...)
}

// RecordTaskOutcome counts one processed task.
func (m *Metrics) RecordTaskOutcome(ctx context.Context, stage, outcome string) {
	m.TaskOutcomes.Add(ctx, 1, attrs(Attr("stage", stage), Attr("outcome", outcome)))
}

// RecordProviderRequest counts one backend call; status is "ok" or "error".
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1, attrs(Attr("provider", provider), Attr("kind", kind), Attr("status", status)))
}

// RecordProviderError counts one failed backend call.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, attrs(Attr("provider", provider), Attr("kind", kind)))
}

// RecordWebhookFailure counts an undelivered completion webhook.
func (m *Metrics) RecordWebhookFailure(ctx context.Context, stage string) {
	m.WebhookFailures.Add(ctx, 1, attrs(Attr("stage", stage)))
}

// RecordSweeperRequeue counts one sweeper re-drive.
func (m *Metrics) RecordSweeperRequeue(ctx context.Context, stage, reason string) {
	m.SweeperRequeues.Add(ctx, 1, attrs(Attr("stage", stage), Attr("reason", reason)))
}
