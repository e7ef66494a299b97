package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// point returns the int64 sum data point of name whose attributes include
// every pair in attrs, or fails the test.
func point(t *testing.T, rm metricdata.ResourceMetrics, name string, attrs ...attribute.KeyValue) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is %T, want Sum[int64]", name, met.Data)
	}
next:
	for _, dp := range sum.DataPoints {
		for _, kv := range attrs {
			if v, ok := dp.Attributes.Value(kv.Key); !ok || v.Emit() != kv.Value.Emit() {
				continue next
			}
		}
		return dp.Value
	}
	t.Fatalf("metric %q: no data point with %v", name, attrs)
	return 0
}

func TestRecorders(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTaskOutcome(ctx, "conversion", OutcomeCompleted)
	m.RecordTaskOutcome(ctx, "conversion", OutcomeFailed)
	m.RecordTaskOutcome(ctx, "conversion", OutcomeFailed)
	m.RecordTaskOutcome(ctx, "summarization", OutcomeFailed)
	m.RecordProviderRequest(ctx, "openai+whisper", "transcribe", "ok")
	m.RecordProviderRequest(ctx, "openai+whisper", "transcribe", "ok")
	m.RecordProviderRequest(ctx, "openai+whisper", "transcribe", "error")
	m.RecordProviderError(ctx, "anthropic", "summarize")
	m.RecordWebhookFailure(ctx, "transcription")
	m.RecordSweeperRequeue(ctx, "summarization", "stalled")
	m.RecordSweeperRequeue(ctx, "summarization", "failed")
	m.RecordSweeperRequeue(ctx, "summarization", "failed")
	m.ActiveTasks.Add(ctx, 3)
	m.ActiveTasks.Add(ctx, -1)
	m.ActiveWatchers.Add(ctx, 1)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	tests := []struct {
		name  string
		attrs []attribute.KeyValue
		want  int64
	}{
		{"callscribe.task.outcomes", []attribute.KeyValue{Attr("stage", "conversion"), Attr("outcome", OutcomeFailed)}, 2},
		{"callscribe.task.outcomes", []attribute.KeyValue{Attr("stage", "summarization"), Attr("outcome", OutcomeFailed)}, 1},
		{"callscribe.provider.requests", []attribute.KeyValue{Attr("provider", "openai+whisper"), Attr("status", "ok")}, 2},
		{"callscribe.provider.errors", []attribute.KeyValue{Attr("provider", "anthropic"), Attr("kind", "summarize")}, 1},
		{"callscribe.webhook.failures", []attribute.KeyValue{Attr("stage", "transcription")}, 1},
		{"callscribe.sweeper.requeues", []attribute.KeyValue{Attr("reason", "failed")}, 2},
		{"callscribe.active_tasks", nil, 2},
		{"callscribe.active_watchers", nil, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := point(t, rm, tt.name, tt.attrs...); got != tt.want {
				t.Errorf("%s%v = %d, want %d", tt.name, tt.attrs, got, tt.want)
			}
		})
	}
}

func TestHistograms(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.StageDuration.Record(ctx, 12.5)
	m.StageDuration.Record(ctx, 640)
	m.ProviderDuration.Record(ctx, 0.8)
	m.HTTPRequestDuration.Record(ctx, 0.004)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	for name, want := range map[string]uint64{
		"callscribe.stage.duration":        2,
		"callscribe.provider.duration":     1,
		"callscribe.http.request.duration": 1,
	} {
		met := findMetric(rm, name)
		if met == nil {
			t.Errorf("%s not found", name)
			continue
		}
		hist, ok := met.Data.(metricdata.Histogram[float64])
		if !ok || len(hist.DataPoints) != 1 {
			t.Errorf("%s = %+v, want one histogram point", name, met.Data)
			continue
		}
		if got := hist.DataPoints[0].Count; got != want {
			t.Errorf("%s count = %d, want %d", name, got, want)
		}
	}
}

func TestDefaultMetrics_Memoised(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics returned different instances")
	}
}
