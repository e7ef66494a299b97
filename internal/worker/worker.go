// Package worker runs the stage workers of the pipeline.
//
// A [Worker] owns one stage. It keeps a pool of receivers long-polling the
// task queue and runs every task through the same protocol:
//
//  1. Extend the task's visibility by the stage's expected duration.
//  2. Re-read the job. Unknown jobs, completed stages and stages that failed
//     for missing input are acknowledged without side effects, which makes
//     redelivery of a finished task a no-op.
//  3. Check that the input blob exists. If not, the stage is marked
//     failed_missing_input for good.
//  4. Mark the stage processing and bump the attempt counter in the log.
//  5. Run the [Handler].
//  6. On success store the output, mark the stage completed, fire the
//     completion webhook asynchronously and acknowledge.
//  7. On failure mark the stage failed and acknowledge. Failed stages are
//     re-driven by the retry sweeper only.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/callscribe/internal/observe"
	"github.com/MrWong99/callscribe/pkg/blob"
	"github.com/MrWong99/callscribe/pkg/job"
	"github.com/MrWong99/callscribe/pkg/queue"
)

// Defaults applied by [New] to a zero [Config].
const (
	DefaultConcurrency      = 1
	DefaultExpectedDuration = 5 * time.Minute
	DefaultReceiveWait      = 20 * time.Second
	DefaultWebhookTimeout   = 10 * time.Second
	receiveErrorBackoff     = 2 * time.Second
)

// Task is what a [Handler] gets to work on.
type Task struct {
	Job     job.Job
	Payload queue.Payload

	// Input holds the contents of Payload.InputKey.
	Input []byte
}

// Handler is one stage transform.
type Handler interface {
	// Stage names the stage the handler serves.
	Stage() job.Stage

	// OutputKey is the blob key the result of jobID is stored under.
	OutputKey(jobID string) string

	// Process transforms t.Input into the stage output. Transient failures
	// should be returned as [*job.TransformError].
	Process(ctx context.Context, t Task) ([]byte, error)
}

// Config tunes a [Worker].
type Config struct {
	// Concurrency is the number of parallel receivers.
	Concurrency int

	// ExpectedDuration is how long a task of this stage is expected to run.
	// The task stays invisible to other receivers for that long and the
	// lease is renewed at half that interval while the handler runs.
	ExpectedDuration time.Duration

	// ReceiveWait is the long-poll duration of each receive call.
	ReceiveWait time.Duration

	// WebhookTimeout bounds the completion webhook.
	WebhookTimeout time.Duration

	// CleanupInput removes the input blob once the stage completed.
	CleanupInput bool
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.ExpectedDuration <= 0 {
		c.ExpectedDuration = DefaultExpectedDuration
	}
	if c.ReceiveWait <= 0 {
		c.ReceiveWait = DefaultReceiveWait
	}
	if c.WebhookTimeout <= 0 {
		c.WebhookTimeout = DefaultWebhookTimeout
	}
	return c
}

// Store is the persistence a worker needs: job records plus stage logs.
type Store interface {
	job.Store
	job.LogStore
}

// Option configures a [Worker].
type Option func(*Worker)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// WithClock sets the time source used for log timestamps.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// Worker processes the tasks of one stage. Create it with [New].
type Worker struct {
	handler  Handler
	stage    job.Stage
	store    Store
	queue    queue.Queue
	blobs    blob.Store
	notifier Notifier
	cfg      Config
	metrics  *observe.Metrics
	now      func() time.Time

	// webhooks tracks in-flight completion notifications.
	webhooks sync.WaitGroup
}

// New returns a Worker running h. notifier may be nil, in which case no
// completion webhook is sent.
func New(h Handler, store Store, q queue.Queue, blobs blob.Store, notifier Notifier, cfg Config, opts ...Option) *Worker {
	w := &Worker{
		handler:  h,
		stage:    h.Stage(),
		store:    store,
		queue:    q,
		blobs:    blobs,
		notifier: notifier,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(w)
	}
	if w.metrics == nil {
		w.metrics = observe.DefaultMetrics()
	}
	return w
}

// Stage returns the stage this worker serves.
func (w *Worker) Stage() job.Stage { return w.stage }

// Run receives and processes tasks until ctx is cancelled. Tasks already
// received are finished even after cancellation, and Run waits for pending
// webhooks before it returns.
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("stage worker started",
		slog.String("stage", string(w.stage)),
		slog.Int("concurrency", w.cfg.Concurrency),
	)

	g, gctx := errgroup.WithContext(ctx)
	for range w.cfg.Concurrency {
		g.Go(func() error { return w.receiveLoop(gctx) })
	}
	err := g.Wait()
	w.webhooks.Wait()

	slog.Info("stage worker stopped", slog.String("stage", string(w.stage)))
	return err
}

func (w *Worker) receiveLoop(ctx context.Context) error {
	for ctx.Err() == nil {
		tasks, err := w.queue.Receive(ctx, w.stage, 1, w.cfg.ReceiveWait)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("receive failed", slog.String("stage", string(w.stage)), slog.Any("err", err))
			if !sleep(ctx, receiveErrorBackoff) {
				return nil
			}
			continue
		}
		for _, t := range tasks {
			w.Handle(context.WithoutCancel(ctx), t)
		}
	}
	return nil
}

// Handle runs one task through the worker protocol and returns the
// outcome: one of the observe.Outcome* constants.
func (w *Worker) Handle(ctx context.Context, t queue.Task) string {
	ctx = observe.ExtractTrace(ctx, t.Payload.TraceContext)
	ctx, span := observe.StartSpan(ctx, "worker."+string(w.stage), trace.WithSpanKind(trace.SpanKindConsumer), trace.WithAttributes(
		attribute.String("job_id", t.Payload.JobID),
		attribute.String("task_id", t.ID),
		attribute.Int("deliveries", t.Deliveries),
	))
	defer span.End()

	w.metrics.ActiveTasks.Add(ctx, 1)
	defer w.metrics.ActiveTasks.Add(ctx, -1)

	log := observe.Logger(ctx).With(
		slog.String("stage", string(w.stage)),
		slog.String("job_id", t.Payload.JobID),
		slog.String("task_id", t.ID),
	)

	outcome, err := w.process(ctx, log, t)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	w.metrics.RecordTaskOutcome(ctx, string(w.stage), outcome)
	w.ack(ctx, log, t)
	return outcome
}

func (w *Worker) process(ctx context.Context, log *slog.Logger, t queue.Task) (string, error) {
	if err := w.queue.ExtendVisibility(ctx, t, w.cfg.ExpectedDuration); err != nil {
		log.Warn("extend visibility failed", slog.Any("err", err))
	}

	j, err := w.store.Get(ctx, t.Payload.JobID)
	if errors.Is(err, job.ErrNotFound) {
		log.Warn("task for unknown job, dropping")
		return observe.OutcomeSkipped, nil
	}
	if err != nil {
		perr := &job.PersistenceError{Op: "get job", Err: err}
		log.Error("cannot load job, leaving it to the sweeper", slog.Any("err", perr))
		return observe.OutcomeFailed, perr
	}

	current := j.Stage(w.stage)
	if current.Status == job.StatusCompleted || current.Status == job.StatusFailedMissingInput {
		log.Info("stage already settled, skipping", slog.String("status", string(current.Status)))
		return observe.OutcomeSkipped, nil
	}

	key := t.Payload.InputKey
	exists, err := w.blobs.Exists(ctx, key)
	if err != nil {
		return observe.OutcomeFailed, w.fail(ctx, log, j, t, 0, &job.PersistenceError{Op: "check input", Err: err})
	}
	if !exists {
		return observe.OutcomeMissingInput, w.missingInput(ctx, log, j, t)
	}

	attempts := w.startAttempt(ctx, log, j, t)
	log = log.With(slog.Int("attempt", attempts))

	input, err := blob.ReadAll(ctx, w.blobs, key)
	if err != nil {
		return observe.OutcomeFailed, w.fail(ctx, log, j, t, attempts, &job.PersistenceError{Op: "read input", Err: err})
	}

	stop := w.keepAlive(ctx, log, t)
	start := time.Now()
	out, err := w.handler.Process(ctx, Task{Job: j, Payload: t.Payload, Input: input})
	elapsed := time.Since(start)
	stop()

	if err != nil {
		w.recordDuration(ctx, elapsed, observe.OutcomeFailed)
		return observe.OutcomeFailed, w.fail(ctx, log, j, t, attempts, err)
	}
	w.recordDuration(ctx, elapsed, observe.OutcomeCompleted)

	if err := w.complete(ctx, log, j, t, attempts, out); err != nil {
		return observe.OutcomeFailed, err
	}
	log.Info("stage completed", slog.Duration("elapsed", elapsed), slog.Int("output_bytes", len(out)))
	return observe.OutcomeCompleted, nil
}

func (w *Worker) recordDuration(ctx context.Context, d time.Duration, outcome string) {
	w.metrics.StageDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		observe.Attr("stage", string(w.stage)),
		observe.Attr("outcome", outcome),
	))
}

// startAttempt marks the stage processing and writes the processing_started
// log with the incremented attempt counter. Write failures are logged only.
func (w *Worker) startAttempt(ctx context.Context, log *slog.Logger, j job.Job, t queue.Task) int {
	attempts := 1
	if prev, err := w.store.GetLog(ctx, j.ID, w.stage); err == nil {
		attempts = prev.Attempts + 1
	} else if !errors.Is(err, job.ErrNotFound) {
		log.Warn("cannot read stage log", slog.Any("err", err))
	}

	st := job.StageStatus{
		Status:          job.StatusProcessing,
		DownstreamJobID: downstreamID(j.Stage(w.stage), t),
	}
	if _, err := w.store.UpdateStage(ctx, j.ID, w.stage, st); err != nil {
		log.Error("cannot mark stage processing", slog.Any("err", &job.PersistenceError{Op: "update stage", Err: err}))
	}
	w.writeLog(ctx, log, j.ID, job.EventProcessingStarted, job.StatusProcessing,
		fmt.Sprintf("%s started", w.stage), t.Payload.InputKey, attempts)
	return attempts
}

func (w *Worker) missingInput(ctx context.Context, log *slog.Logger, j job.Job, t queue.Task) error {
	merr := &job.MissingInputError{Stage: w.stage, Key: t.Payload.InputKey}
	log.Error("required input missing, giving up on stage", slog.String("input_key", t.Payload.InputKey))

	st := job.StageStatus{
		Status:          job.StatusFailedMissingInput,
		DownstreamJobID: downstreamID(j.Stage(w.stage), t),
		Error:           merr.Error(),
	}
	if _, err := w.store.UpdateStage(ctx, j.ID, w.stage, st); err != nil {
		log.Error("cannot mark stage failed", slog.Any("err", &job.PersistenceError{Op: "update stage", Err: err}))
	}
	attempts := 0
	if prev, err := w.store.GetLog(ctx, j.ID, w.stage); err == nil {
		attempts = prev.Attempts
	}
	w.writeLog(ctx, log, j.ID, job.EventMissingInput, job.StatusFailedMissingInput, merr.Error(), t.Payload.InputKey, attempts)
	return merr
}

// fail records cause on the stage and its log. cause is returned unchanged.
func (w *Worker) fail(ctx context.Context, log *slog.Logger, j job.Job, t queue.Task, attempts int, cause error) error {
	log.Error("stage failed", slog.Any("err", cause), slog.Bool("retryable", job.IsRetryable(cause)))

	st := job.StageStatus{
		Status:          job.StatusFailed,
		DownstreamJobID: downstreamID(j.Stage(w.stage), t),
		Error:           cause.Error(),
	}
	if _, err := w.store.UpdateStage(ctx, j.ID, w.stage, st); err != nil {
		log.Error("cannot mark stage failed", slog.Any("err", &job.PersistenceError{Op: "update stage", Err: err}))
	}
	w.writeLog(ctx, log, j.ID, job.EventFailed, job.StatusFailed, cause.Error(), t.Payload.InputKey, attempts)
	return cause
}

func (w *Worker) complete(ctx context.Context, log *slog.Logger, j job.Job, t queue.Task, attempts int, out []byte) error {
	outKey := w.handler.OutputKey(j.ID)
	if err := blob.PutBytes(ctx, w.blobs, outKey, out); err != nil {
		return w.fail(ctx, log, j, t, attempts, &job.PersistenceError{Op: "store output", Err: err})
	}

	st := job.StageStatus{
		Status:          job.StatusCompleted,
		DownstreamJobID: downstreamID(j.Stage(w.stage), t),
		Output:          outKey,
	}
	if _, err := w.store.UpdateStage(ctx, j.ID, w.stage, st); err != nil {
		perr := &job.PersistenceError{Op: "update stage", Err: err}
		log.Error("cannot mark stage completed", slog.Any("err", perr))
		return perr
	}
	w.writeLog(ctx, log, j.ID, job.EventCompleted, job.StatusCompleted,
		fmt.Sprintf("%s completed", w.stage), t.Payload.InputKey, attempts)

	if w.cfg.CleanupInput {
		if err := w.blobs.Remove(ctx, t.Payload.InputKey); err != nil {
			log.Warn("cannot remove consumed input", slog.String("input_key", t.Payload.InputKey), slog.Any("err", err))
		}
	}

	w.notify(ctx, log, j.ID)
	return nil
}

// notify fires the completion webhook without blocking the task.
func (w *Worker) notify(ctx context.Context, log *slog.Logger, jobID string) {
	if w.notifier == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	w.webhooks.Go(func() {
		ctx, cancel := context.WithTimeout(ctx, w.cfg.WebhookTimeout)
		defer cancel()
		if err := w.notifier.Notify(ctx, w.stage, jobID); err != nil {
			w.metrics.RecordWebhookFailure(ctx, string(w.stage))
			log.Warn("completion webhook failed, sweeper will pick the job up", slog.Any("err", err))
		}
	})
}

// WaitWebhooks blocks until every webhook fired so far has finished.
func (w *Worker) WaitWebhooks() { w.webhooks.Wait() }

func (w *Worker) writeLog(ctx context.Context, log *slog.Logger, jobID, event string, status job.Status, msg, input string, attempts int) {
	now := w.now().UTC()
	e := job.LogEntry{
		JobID:     jobID,
		Service:   w.stage,
		Event:     event,
		Status:    status,
		Timestamp: now,
		Message:   msg,
		InputPath: input,
		Attempts:  attempts,
		Metadata:  job.LogMetadata{CreatedAt: now, UpdatedAt: now},
	}
	if err := w.store.UpsertLog(ctx, e); err != nil {
		log.Error("cannot write stage log", slog.String("event", event),
			slog.Any("err", &job.PersistenceError{Op: "upsert log", Err: err}))
	}
}

// keepAlive renews the task lease at half the expected duration until the
// returned stop function is called.
func (w *Worker) keepAlive(ctx context.Context, log *slog.Logger, t queue.Task) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		tick := time.NewTicker(w.cfg.ExpectedDuration / 2)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				if err := w.queue.ExtendVisibility(ctx, t, w.cfg.ExpectedDuration); err != nil && ctx.Err() == nil {
					log.Warn("lease renewal failed", slog.Any("err", err))
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (w *Worker) ack(ctx context.Context, log *slog.Logger, t queue.Task) {
	err := w.queue.Ack(ctx, t)
	switch {
	case err == nil:
	case errors.Is(err, queue.ErrTaskNotFound):
		log.Debug("task lease expired before ack, it will be redelivered")
	default:
		log.Warn("ack failed", slog.Any("err", err))
	}
}

// downstreamID keeps the task id recorded by the gateway and falls back to
// the id of the delivered task.
func downstreamID(st job.StageStatus, t queue.Task) string {
	if st.DownstreamJobID != "" {
		return st.DownstreamJobID
	}
	return t.ID
}

// sleep waits for d and reports false when ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
