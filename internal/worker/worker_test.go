package worker_test

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/MrWong99/callscribe/internal/observe"
	"github.com/MrWong99/callscribe/internal/segment"
	"github.com/MrWong99/callscribe/internal/summary"
	"github.com/MrWong99/callscribe/internal/worker"
	"github.com/MrWong99/callscribe/pkg/audio"
	"github.com/MrWong99/callscribe/pkg/blob"
	blobmock "github.com/MrWong99/callscribe/pkg/blob/mock"
	"github.com/MrWong99/callscribe/pkg/job"
	jobmock "github.com/MrWong99/callscribe/pkg/job/mock"
	"github.com/MrWong99/callscribe/pkg/provider/llm"
	llmmock "github.com/MrWong99/callscribe/pkg/provider/llm/mock"
	"github.com/MrWong99/callscribe/pkg/provider/transcribe"
	sttmock "github.com/MrWong99/callscribe/pkg/provider/transcribe/mock"
	"github.com/MrWong99/callscribe/pkg/queue"
	"github.com/MrWong99/callscribe/pkg/queue/memqueue"
)

const jobID = "5f0c8a4e-4d6b-4c55-9d8e-2b7b3f1f6d01"

// fakeConverter returns out or err and counts calls.
type fakeConverter struct {
	mu    sync.Mutex
	calls int
	names []string
	out   []byte
	err   error
}

func (f *fakeConverter) Convert(_ context.Context, _ []byte, name string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.names = append(f.names, name)
	return f.out, f.err
}

// recordingNotifier captures webhook calls.
type recordingNotifier struct {
	mu    sync.Mutex
	calls []string
	err   error
	seen  chan struct{}
}

func newNotifier() *recordingNotifier {
	return &recordingNotifier{seen: make(chan struct{}, 16)}
}

func (n *recordingNotifier) Notify(_ context.Context, stage job.Stage, id string) error {
	n.mu.Lock()
	n.calls = append(n.calls, string(stage)+"/"+id)
	n.mu.Unlock()
	n.seen <- struct{}{}
	return n.err
}

func (n *recordingNotifier) Calls() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.calls...)
}

type fixture struct {
	store    *jobmock.Store
	queue    *memqueue.Queue
	blobs    *blobmock.Store
	notifier *recordingNotifier
	reader   *sdkmetric.ManualReader
	metrics  *observe.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	f := &fixture{
		store:    &jobmock.Store{},
		queue:    memqueue.New(),
		blobs:    &blobmock.Store{},
		notifier: newNotifier(),
		reader:   reader,
		metrics:  m,
	}
	j := job.New(jobID, time.Now().UTC())
	j.SourceKey = blob.UploadKey(jobID, ".m4a")
	j.SourceName = "통화.m4a"
	if err := f.store.Create(context.Background(), j); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return f
}

func (f *fixture) worker(h worker.Handler, cfg worker.Config) *worker.Worker {
	return worker.New(h, f.store, f.queue, f.blobs, f.notifier, cfg, worker.WithMetrics(f.metrics))
}

// deliver enqueues a task for stage and receives it back.
func (f *fixture) deliver(t *testing.T, stage job.Stage, input string) queue.Task {
	t.Helper()
	ctx := context.Background()
	if _, err := f.queue.Enqueue(ctx, stage, queue.Payload{JobID: jobID, InputKey: input}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	tasks, err := f.queue.Receive(ctx, stage, 1, time.Second)
	if err != nil || len(tasks) != 1 {
		t.Fatalf("Receive = %v, %v", tasks, err)
	}
	return tasks[0]
}

func (f *fixture) stage(t *testing.T, s job.Stage) job.StageStatus {
	t.Helper()
	j, err := f.store.Get(context.Background(), jobID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return j.Stage(s)
}

func (f *fixture) log(t *testing.T, s job.Stage) job.LogEntry {
	t.Helper()
	e, err := f.store.GetLog(context.Background(), jobID, s)
	if err != nil {
		t.Fatalf("GetLog: %v", err)
	}
	return e
}

func (f *fixture) outcomes(t *testing.T, outcome string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := f.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "callscribe.task.outcomes" {
				continue
			}
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				if v, ok := dp.Attributes.Value("outcome"); ok && v.AsString() == outcome {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestHandle_ConversionCompletes(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	upload := blob.UploadKey(jobID, ".m4a")
	f.blobs.Seed(upload, []byte("m4a bytes"))
	conv := &fakeConverter{out: []byte("RIFF converted")}
	w := f.worker(worker.NewConversionHandler(conv), worker.Config{CleanupInput: true})

	task := f.deliver(t, job.StageConversion, upload)
	if got := w.Handle(context.Background(), task); got != observe.OutcomeCompleted {
		t.Fatalf("outcome = %q, want completed", got)
	}
	w.WaitWebhooks()

	st := f.stage(t, job.StageConversion)
	if st.Status != job.StatusCompleted {
		t.Errorf("status = %q, want completed", st.Status)
	}
	if st.Output != blob.ConvertedKey(jobID) {
		t.Errorf("output = %q", st.Output)
	}
	if st.DownstreamJobID != task.ID {
		t.Errorf("downstream id = %q, want %q", st.DownstreamJobID, task.ID)
	}
	if b, ok := f.blobs.Object(blob.ConvertedKey(jobID)); !ok || string(b) != "RIFF converted" {
		t.Errorf("converted blob = %q, %v", b, ok)
	}
	if _, ok := f.blobs.Object(upload); ok {
		t.Error("upload not removed after conversion")
	}
	if conv.names[0] != "통화.m4a" {
		t.Errorf("converter name hint = %q", conv.names[0])
	}

	e := f.log(t, job.StageConversion)
	if e.Event != job.EventCompleted || e.Status != job.StatusCompleted || e.Attempts != 1 {
		t.Errorf("log = %+v", e)
	}
	if e.InputPath != upload {
		t.Errorf("log input path = %q", e.InputPath)
	}
	if got := f.notifier.Calls(); len(got) != 1 || got[0] != "conversion/"+jobID {
		t.Errorf("webhooks = %v", got)
	}
	if f.queue.Len(job.StageConversion) != 0 {
		t.Error("task not acknowledged")
	}
	if f.outcomes(t, observe.OutcomeCompleted) != 1 {
		t.Error("completed outcome not recorded")
	}
}

func TestHandle_RedeliveryAfterCompletionIsNoop(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	upload := blob.UploadKey(jobID, ".m4a")
	f.blobs.Seed(upload, []byte("m4a"))
	conv := &fakeConverter{out: []byte("wav")}
	w := f.worker(worker.NewConversionHandler(conv), worker.Config{})

	if got := w.Handle(context.Background(), f.deliver(t, job.StageConversion, upload)); got != observe.OutcomeCompleted {
		t.Fatalf("first outcome = %q", got)
	}
	w.WaitWebhooks()
	f.store.Reset()

	// The worker crashed after completing but before the ack landed.
	if got := w.Handle(context.Background(), f.deliver(t, job.StageConversion, upload)); got != observe.OutcomeSkipped {
		t.Fatalf("redelivery outcome = %q, want skipped", got)
	}
	w.WaitWebhooks()

	for _, m := range []string{"UpdateStage", "UpsertLog", "TransitionStage"} {
		if n := f.store.CallCount(m); n != 0 {
			t.Errorf("%s called %d times on redelivery", m, n)
		}
	}
	if conv.calls != 1 {
		t.Errorf("converter ran %d times, want 1", conv.calls)
	}
	if n := len(f.notifier.Calls()); n != 1 {
		t.Errorf("webhook fired %d times, want 1", n)
	}
	if f.queue.Len(job.StageConversion) != 0 {
		t.Error("redelivered task not acknowledged")
	}
}

func TestHandle_MissingInputIsTerminal(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	conv := &fakeConverter{out: []byte("wav")}
	w := f.worker(worker.NewConversionHandler(conv), worker.Config{})

	input := blob.UploadKey(jobID, ".m4a")
	if got := w.Handle(context.Background(), f.deliver(t, job.StageConversion, input)); got != observe.OutcomeMissingInput {
		t.Fatalf("outcome = %q, want missing_input", got)
	}

	st := f.stage(t, job.StageConversion)
	if st.Status != job.StatusFailedMissingInput {
		t.Errorf("status = %q", st.Status)
	}
	if !strings.Contains(st.Error, input) {
		t.Errorf("error %q does not name the key", st.Error)
	}
	if e := f.log(t, job.StageConversion); e.Event != job.EventMissingInput || e.Status != job.StatusFailedMissingInput {
		t.Errorf("log = %+v", e)
	}
	if conv.calls != 0 {
		t.Error("converter ran without input")
	}
	if len(f.notifier.Calls()) != 0 {
		t.Error("webhook fired for a failed stage")
	}
	if f.queue.Len(job.StageConversion) != 0 {
		t.Error("task not acknowledged")
	}

	// A later delivery leaves the terminal state alone.
	f.store.Reset()
	if got := w.Handle(context.Background(), f.deliver(t, job.StageConversion, input)); got != observe.OutcomeSkipped {
		t.Errorf("second outcome = %q, want skipped", got)
	}
	if n := f.store.CallCount("UpdateStage"); n != 0 {
		t.Errorf("UpdateStage called %d times", n)
	}
}

func TestHandle_TransformFailureMarksFailedAndAcks(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	upload := blob.UploadKey(jobID, ".m4a")
	f.blobs.Seed(upload, []byte("m4a"))
	conv := &fakeConverter{err: errors.New("ffmpeg exited with 1")}
	w := f.worker(worker.NewConversionHandler(conv), worker.Config{CleanupInput: true})

	for attempt := 1; attempt <= 2; attempt++ {
		if got := w.Handle(context.Background(), f.deliver(t, job.StageConversion, upload)); got != observe.OutcomeFailed {
			t.Fatalf("attempt %d outcome = %q, want failed", attempt, got)
		}
		st := f.stage(t, job.StageConversion)
		if st.Status != job.StatusFailed || !strings.Contains(st.Error, "ffmpeg exited") {
			t.Errorf("attempt %d stage = %+v", attempt, st)
		}
		e := f.log(t, job.StageConversion)
		if e.Event != job.EventFailed || e.Attempts != attempt {
			t.Errorf("attempt %d log = %+v", attempt, e)
		}
	}

	// A plain failure is retryable, so the job as a whole is still in flight.
	if j, _ := f.store.Get(context.Background(), jobID); j.OverallStatus != job.OverallProcessing {
		t.Errorf("overall = %q, want processing", j.OverallStatus)
	}
	if _, ok := f.blobs.Object(upload); !ok {
		t.Error("input removed after a failure")
	}
	if len(f.notifier.Calls()) != 0 {
		t.Error("webhook fired for a failed stage")
	}
	if f.queue.Len(job.StageConversion) != 0 {
		t.Error("failed task left on the queue")
	}
}

func TestHandle_UnknownJobIsDropped(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	conv := &fakeConverter{}
	w := f.worker(worker.NewConversionHandler(conv), worker.Config{})

	ctx := context.Background()
	if _, err := f.queue.Enqueue(ctx, job.StageConversion, queue.Payload{JobID: "nope", InputKey: "uploads/nope.wav"}); err != nil {
		t.Fatal(err)
	}
	tasks, _ := f.queue.Receive(ctx, job.StageConversion, 1, time.Second)
	if got := w.Handle(ctx, tasks[0]); got != observe.OutcomeSkipped {
		t.Errorf("outcome = %q, want skipped", got)
	}
	if f.queue.Len(job.StageConversion) != 0 {
		t.Error("task not acknowledged")
	}
}

func TestHandle_WebhookFailureKeepsCompletion(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.notifier.err = errors.New("connection refused")
	upload := blob.UploadKey(jobID, ".m4a")
	f.blobs.Seed(upload, []byte("m4a"))
	w := f.worker(worker.NewConversionHandler(&fakeConverter{out: []byte("wav")}), worker.Config{})

	if got := w.Handle(context.Background(), f.deliver(t, job.StageConversion, upload)); got != observe.OutcomeCompleted {
		t.Fatalf("outcome = %q", got)
	}
	w.WaitWebhooks()
	if st := f.stage(t, job.StageConversion); st.Status != job.StatusCompleted {
		t.Errorf("status = %q, want completed", st.Status)
	}
}

func TestHandle_OutputWriteFailureMarksFailed(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	upload := blob.UploadKey(jobID, ".m4a")
	f.blobs.Seed(upload, []byte("m4a"))
	f.blobs.PutErr = errors.New("disk full")
	w := f.worker(worker.NewConversionHandler(&fakeConverter{out: []byte("wav")}), worker.Config{})

	if got := w.Handle(context.Background(), f.deliver(t, job.StageConversion, upload)); got != observe.OutcomeFailed {
		t.Fatalf("outcome = %q, want failed", got)
	}
	st := f.stage(t, job.StageConversion)
	if st.Status != job.StatusFailed || !strings.Contains(st.Error, "disk full") {
		t.Errorf("stage = %+v", st)
	}
}

// toneWAV renders ms of a loud square wave as 16 kHz mono WAV.
func toneWAV(ms int) []byte {
	n := audio.SpeechFormat.SampleRate * ms / 1000
	data := make([]byte, 2*n)
	for i := range n {
		v := int16(8000)
		if (i/20)%2 == 1 {
			v = -8000
		}
		binary.LittleEndian.PutUint16(data[2*i:], uint16(v))
	}
	return audio.EncodeWAV(audio.PCM{Data: data, Format: audio.SpeechFormat})
}

func TestTranscriptionHandler(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	stt := &sttmock.Provider{}
	engine := segment.NewEngine(stt, segment.WithChunkDelay(0), segment.WithMetrics(f.metrics))
	h := worker.NewTranscriptionHandler(engine, transcribe.Options{Language: "ko"})

	out, err := h.Process(context.Background(), worker.Task{
		Payload: queue.Payload{JobID: jobID, Params: map[string]string{worker.ParamPrompt: "청담 자이"}},
		Input:   toneWAV(2000),
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if string(out) != "T1" {
		t.Errorf("transcript = %q, want T1", out)
	}
	if stt.CallCount() != 1 {
		t.Fatalf("provider called %d times", stt.CallCount())
	}
	opts := stt.Calls[0].Opts
	if opts.Language != "ko" || opts.Prompt != "청담 자이" {
		t.Errorf("options = %+v", opts)
	}
	if h.OutputKey(jobID) != blob.TranscriptKey(jobID) {
		t.Errorf("output key = %q", h.OutputKey(jobID))
	}

	_, err = h.Process(context.Background(), worker.Task{Input: []byte("not a wav")})
	var te *job.TransformError
	if !errors.As(err, &te) || te.Stage != job.StageTranscription {
		t.Errorf("error = %v, want TransformError", err)
	}
}

func TestSummarizationHandler(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{
		Content: `{"summary_title":"전세 문의","summary_content":"1. 아파트","extracted_property_info":{"transaction_type":"전세"}}`,
	}}
	h := worker.NewSummarizationHandler(summary.New(p))

	out, err := h.Process(context.Background(), worker.Task{Input: []byte("전세 매물 있나요")})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(out, &doc); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if doc["summary_title"] != "전세 문의" {
		t.Errorf("summary_title = %v", doc["summary_title"])
	}
	info, _ := doc["extracted_property_info"].(map[string]any)
	if info["transaction_type"] != "전세" {
		t.Errorf("transaction_type = %v", info["transaction_type"])
	}
	if _, ok := doc["refined_transcript"]; ok {
		t.Error("refined_transcript present without a refiner")
	}
}

func TestRun_ProcessesUntilCancelled(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	upload := blob.UploadKey(jobID, ".m4a")
	f.blobs.Seed(upload, []byte("m4a"))
	w := f.worker(worker.NewConversionHandler(&fakeConverter{out: []byte("wav")}), worker.Config{
		Concurrency: 2,
		ReceiveWait: 50 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	if _, err := f.queue.Enqueue(context.Background(), job.StageConversion, queue.Payload{JobID: jobID, InputKey: upload}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-f.notifier.seen:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the completion webhook")
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if st := f.stage(t, job.StageConversion); st.Status != job.StatusCompleted {
		t.Errorf("status = %q", st.Status)
	}
}

func TestHTTPNotifier(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		hits []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits = append(hits, r.Method+" "+r.URL.Path)
		mu.Unlock()
		if strings.Contains(r.URL.Path, "bad") {
			http.Error(w, "stage not completed", http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(srv.Close)

	n := &worker.HTTPNotifier{BaseURL: srv.URL + "/", Client: srv.Client()}
	if err := n.Notify(context.Background(), job.StageTranscription, jobID); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	err := n.Notify(context.Background(), job.StageConversion, "bad")
	var we *job.WebhookDeliveryError
	if !errors.As(err, &we) || we.StatusCode != http.StatusConflict {
		t.Fatalf("error = %v, want WebhookDeliveryError with 409", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := "POST /webhook/transcription/" + jobID
	if len(hits) != 2 || hits[0] != want {
		t.Errorf("requests = %v, want first %q", hits, want)
	}
}

func TestHandle_ContinuesEnqueuerTrace(t *testing.T) {
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

	f := newFixture(t)
	upload := blob.UploadKey(jobID, ".m4a")
	f.blobs.Seed(upload, []byte("m4a bytes"))
	w := f.worker(worker.NewConversionHandler(&fakeConverter{out: []byte("RIFF")}), worker.Config{})

	enqCtx, enqSpan := observe.StartSpan(context.Background(), "gateway.advance")
	if _, err := f.queue.Enqueue(enqCtx, job.StageConversion, queue.Payload{
		JobID:        jobID,
		InputKey:     upload,
		TraceContext: observe.InjectTrace(enqCtx),
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	enqSpan.End()

	tasks, err := f.queue.Receive(context.Background(), job.StageConversion, 1, time.Second)
	if err != nil || len(tasks) != 1 {
		t.Fatalf("Receive = %v, %v", tasks, err)
	}
	w.Handle(context.Background(), tasks[0])
	w.WaitWebhooks()

	want := enqSpan.SpanContext().TraceID()
	for _, s := range exp.GetSpans() {
		if s.Name != "worker.conversion" {
			continue
		}
		if s.SpanContext.TraceID() != want || s.Parent.SpanID() != enqSpan.SpanContext().SpanID() {
			t.Errorf("worker span trace %s parent %s, want trace %s parent %s",
				s.SpanContext.TraceID(), s.Parent.SpanID(), want, enqSpan.SpanContext().SpanID())
		}
		return
	}
	t.Fatal("no worker.conversion span recorded")
}
