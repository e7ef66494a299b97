// Package gateway is the front door of the pipeline. The [Orchestrator]
// owns the stage state machine: it accepts uploads, claims and enqueues the
// first stage, and advances a job to the next stage when a worker reports
// completion through the webhook. [Server] exposes it over HTTP.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/callscribe/internal/observe"
	"github.com/MrWong99/callscribe/pkg/blob"
	"github.com/MrWong99/callscribe/pkg/job"
	"github.com/MrWong99/callscribe/pkg/queue"
)

var (
	// ErrStageNotCompleted is returned by [Orchestrator.Complete] when the
	// reported stage is not recorded as completed.
	ErrStageNotCompleted = errors.New("gateway: stage not completed")

	// ErrEnqueue wraps a failure to hand a task to the queue.
	ErrEnqueue = errors.New("gateway: enqueue failed")
)

// Store is what the orchestrator needs from the job store.
type Store interface {
	Create(ctx context.Context, j job.Job) error
	Get(ctx context.Context, id string) (job.Job, error)
	TransitionStage(ctx context.Context, id string, stage job.Stage, from job.Status, st job.StageStatus) (bool, error)
}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithIDFunc replaces the job id generator. Defaults to random UUIDs.
func WithIDFunc(f func() string) Option {
	return func(o *Orchestrator) { o.newID = f }
}

// WithClock sets the time source for new job records.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithStageParams sets payload parameters attached to every task of stage.
func WithStageParams(stage job.Stage, params map[string]string) Option {
	return func(o *Orchestrator) {
		if len(params) > 0 {
			o.params[stage] = params
		}
	}
}

// Orchestrator drives jobs through the stages.
type Orchestrator struct {
	store  Store
	queue  queue.Queue
	blobs  blob.Store
	params map[job.Stage]map[string]string
	newID  func() string
	now    func() time.Time
}

// NewOrchestrator returns an orchestrator.
func NewOrchestrator(store Store, q queue.Queue, blobs blob.Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:  store,
		queue:  q,
		blobs:  blobs,
		params: make(map[job.Stage]map[string]string),
		newID:  uuid.NewString,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Submit stores an uploaded recording, creates its job and enqueues the
// conversion stage. name is the client-supplied filename.
//
// When the enqueue fails the job is left with conversion pending and an
// error wrapping [ErrEnqueue] is returned; the retry sweeper picks such jobs
// up later.
func (o *Orchestrator) Submit(ctx context.Context, name string, r io.Reader) (job.Job, error) {
	id := o.newID()
	log := observe.Logger(ctx).With(slog.String("job_id", id))

	key := blob.UploadKey(id, uploadExt(name))
	if err := o.blobs.Put(ctx, key, r); err != nil {
		return job.Job{}, &job.PersistenceError{Op: "store upload", Err: err}
	}

	j := job.New(id, o.now().UTC())
	j.SourceKey = key
	j.SourceName = filepath.Base(name)
	if err := o.store.Create(ctx, j); err != nil {
		return job.Job{}, &job.PersistenceError{Op: "create job", Err: err}
	}
	log.Info("job created", slog.String("source_key", key), slog.String("source_name", j.SourceName))

	if _, err := o.advance(ctx, log, j.ID, job.StageConversion, key); err != nil {
		return j, err
	}
	return o.store.Get(ctx, id)
}

// Complete handles the completion webhook of stage for jobID. It claims the
// next stage and enqueues it. Duplicate or racing webhooks see the claim
// taken and succeed without enqueueing again. enqueued reports whether this
// call created a task.
func (o *Orchestrator) Complete(ctx context.Context, stage job.Stage, jobID string) (enqueued bool, err error) {
	log := observe.Logger(ctx).With(slog.String("job_id", jobID), slog.String("stage", string(stage)))

	j, err := o.store.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			return false, err
		}
		return false, &job.PersistenceError{Op: "get job", Err: err}
	}

	st := j.Stage(stage)
	if st.Status != job.StatusCompleted {
		return false, fmt.Errorf("%w: %s is %s", ErrStageNotCompleted, stage, st.Status)
	}

	next, ok := stage.Next()
	if !ok {
		log.Info("pipeline finished", slog.String("overall_status", string(j.OverallStatus)))
		return false, nil
	}

	input := st.Output
	if input == "" {
		input = defaultOutputKey(stage, jobID)
	}
	return o.advance(ctx, log, jobID, next, input)
}

// advance claims stage pending→processing and enqueues it. Only the caller
// winning the claim enqueues.
func (o *Orchestrator) advance(ctx context.Context, log *slog.Logger, jobID string, stage job.Stage, input string) (bool, error) {
	claimed, err := o.store.TransitionStage(ctx, jobID, stage, job.StatusPending, job.StageStatus{Status: job.StatusProcessing})
	if err != nil {
		return false, &job.PersistenceError{Op: "claim stage", Err: err}
	}
	if !claimed {
		log.Debug("stage already claimed", slog.String("next_stage", string(stage)))
		return false, nil
	}

	taskID, err := o.queue.Enqueue(ctx, stage, queue.Payload{
		JobID:        jobID,
		InputKey:     input,
		Params:       o.params[stage],
		TraceContext: observe.InjectTrace(ctx),
	})
	if err != nil {
		log.Error("enqueue failed, releasing claim", slog.String("next_stage", string(stage)), slog.Any("err", err))
		if _, rerr := o.store.TransitionStage(ctx, jobID, stage, job.StatusProcessing, job.StageStatus{Status: job.StatusPending}); rerr != nil {
			log.Error("cannot release claim", slog.Any("err", rerr))
		}
		return false, fmt.Errorf("%w: %s: %w", ErrEnqueue, stage, err)
	}

	// A worker may already have received the task and settled the stage, so
	// the task id is only recorded while the stage is still processing.
	if _, err := o.store.TransitionStage(ctx, jobID, stage, job.StatusProcessing, job.StageStatus{
		Status:          job.StatusProcessing,
		DownstreamJobID: taskID,
	}); err != nil {
		log.Warn("cannot record task id", slog.String("task_id", taskID), slog.Any("err", err))
	}
	log.Info("stage enqueued", slog.String("next_stage", string(stage)), slog.String("task_id", taskID))
	return true, nil
}

// Status returns the job record.
func (o *Orchestrator) Status(ctx context.Context, jobID string) (job.Job, error) {
	return o.store.Get(ctx, jobID)
}

// Output returns the stored result of stage for jobID. It returns
// [ErrStageNotCompleted] until the stage has completed.
func (o *Orchestrator) Output(ctx context.Context, jobID string, stage job.Stage) ([]byte, error) {
	j, err := o.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	st := j.Stage(stage)
	if st.Status != job.StatusCompleted {
		return nil, fmt.Errorf("%w: %s is %s", ErrStageNotCompleted, stage, st.Status)
	}
	key := st.Output
	if key == "" {
		key = defaultOutputKey(stage, jobID)
	}
	return blob.ReadAll(ctx, o.blobs, key)
}

func defaultOutputKey(stage job.Stage, jobID string) string {
	switch stage {
	case job.StageConversion:
		return blob.ConvertedKey(jobID)
	case job.StageTranscription:
		return blob.TranscriptKey(jobID)
	default:
		return blob.SummaryKey(jobID)
	}
}

// uploadExt keeps a short alphanumeric extension of name, lowercased.
func uploadExt(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if len(ext) < 2 || len(ext) > 6 {
		return ""
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}
