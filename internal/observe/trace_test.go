package observe

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"regexp"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

var hexTraceID = regexp.MustCompile(`^[0-9a-f]{32}$`)

// useTestTracing installs an in-memory tracer provider and a W3C
// propagator as the globals for the duration of the test.
func useTestTracing(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))

	prevTP, prevProp := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})
	return exp
}

// captureLogs redirects the default logger into a buffer.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestCorrelationID(t *testing.T) {
	useTestTracing(t)

	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}

	ctx, span := StartSpan(context.Background(), "worker.conversion")
	defer span.End()
	if cid := CorrelationID(ctx); !hexTraceID.MatchString(cid) {
		t.Errorf("CorrelationID = %q, want 32 hex chars", cid)
	}
}

func TestStartSpan_RecordsSpan(t *testing.T) {
	exp := useTestTracing(t)

	_, span := StartSpan(context.Background(), "sweeper.transcription")
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "sweeper.transcription" {
		t.Fatalf("spans = %+v", spans)
	}
}

func TestInjectTrace_TravelsThroughPayload(t *testing.T) {
	useTestTracing(t)

	ctx, span := StartSpan(context.Background(), "gateway.enqueue")
	defer span.End()

	carrier := InjectTrace(ctx)
	if carrier["traceparent"] == "" {
		t.Fatalf("carrier = %v, want traceparent", carrier)
	}

	sc := trace.SpanContextFromContext(ExtractTrace(context.Background(), carrier))
	if !sc.IsRemote() || sc.TraceID() != span.SpanContext().TraceID() {
		t.Errorf("extracted %+v, want remote parent in trace %s", sc, span.SpanContext().TraceID())
	}
}

func TestInjectTrace_NoSpan(t *testing.T) {
	useTestTracing(t)

	if c := InjectTrace(context.Background()); c != nil {
		t.Errorf("InjectTrace(background) = %v, want nil", c)
	}
	ctx := context.Background()
	if got := ExtractTrace(ctx, nil); got != ctx {
		t.Error("ExtractTrace(nil) should return ctx unchanged")
	}
}

func TestInjectHeader(t *testing.T) {
	useTestTracing(t)

	ctx, span := StartSpan(context.Background(), "webhook")
	defer span.End()

	h := http.Header{}
	InjectHeader(ctx, h)
	if h.Get("Traceparent") == "" {
		t.Errorf("headers = %v, want traceparent", h)
	}
}

func TestLogger(t *testing.T) {
	useTestTracing(t)

	tests := []struct {
		name     string
		withSpan bool
	}{
		{"with span", true},
		{"without span", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := captureLogs(t)
			ctx := context.Background()
			if tt.withSpan {
				var span trace.Span
				ctx, span = StartSpan(ctx, "log")
				defer span.End()
			}

			Logger(ctx).Info("stage done")

			out := buf.String()
			if got := bytes.Contains([]byte(out), []byte("trace_id=")); got != tt.withSpan {
				t.Errorf("trace_id present = %v, want %v: %s", got, tt.withSpan, out)
			}
			if got := bytes.Contains([]byte(out), []byte("span_id=")); got != tt.withSpan {
				t.Errorf("span_id present = %v, want %v: %s", got, tt.withSpan, out)
			}
		})
	}
}

func TestInitProvider(t *testing.T) {
	prevTP, prevMP, prevProp := otel.GetTracerProvider(), otel.GetMeterProvider(), otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetMeterProvider(prevMP)
		otel.SetTextMapPropagator(prevProp)
	})

	exp := tracetest.NewInMemoryExporter()
	shutdown, err := InitProvider(context.Background(), ProviderConfig{
		ServiceVersion: "test",
		Roles:          "gateway",
		TraceExporter:  exp,
	})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}

	fields := otel.GetTextMapPropagator().Fields()
	var hasTraceparent, hasBaggage bool
	for _, f := range fields {
		hasTraceparent = hasTraceparent || f == "traceparent"
		hasBaggage = hasBaggage || f == "baggage"
	}
	if !hasTraceparent || !hasBaggage {
		t.Errorf("propagator fields = %v", fields)
	}

	_, span := StartSpan(context.Background(), "init")
	span.End()

	tp, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	if !ok {
		t.Fatalf("global tracer provider is %T", otel.GetTracerProvider())
	}
	if err := tp.ForceFlush(context.Background()); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}
	if spans := exp.GetSpans(); len(spans) != 1 {
		t.Errorf("exported %d spans, want 1", len(spans))
	}

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
