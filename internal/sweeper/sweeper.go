// Package sweeper re-drives stage tasks that failed or got lost.
//
// A [Sweeper] serves one stage. Each sweep collects the jobs whose stage log
// says failed and the jobs the store reports as stalled, and re-enqueues
// every one that can still make progress. It takes no locks: stage workers
// skip settled stages, so a requeue that races live traffic is harmless.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/callscribe/internal/observe"
	"github.com/MrWong99/callscribe/pkg/blob"
	"github.com/MrWong99/callscribe/pkg/job"
	"github.com/MrWong99/callscribe/pkg/queue"
)

const (
	// DefaultInterval is the period between sweeps.
	DefaultInterval = 30 * time.Minute

	// DefaultStaleAfter is how long a pending or processing stage may go
	// without an update before it counts as lost.
	DefaultStaleAfter = 15 * time.Minute
)

// Requeue reasons, also used as metric attributes.
const (
	ReasonFailed  = "failed"
	ReasonStalled = "stalled"
)

// PayloadFunc builds the task payload for re-enqueueing stage work on j.
type PayloadFunc func(j job.Job, inputKey string) queue.Payload

// StageSpec describes the stage a sweeper serves.
type StageSpec struct {
	Stage job.Stage

	// Payload builds the task body. Defaults to [DefaultPayload].
	Payload PayloadFunc
}

// DefaultPayload carries only the job id and input key.
func DefaultPayload(j job.Job, inputKey string) queue.Payload {
	return queue.Payload{JobID: j.ID, InputKey: inputKey}
}

// ParamsPayload returns a [PayloadFunc] that attaches params to every task.
func ParamsPayload(params map[string]string) PayloadFunc {
	return func(j job.Job, inputKey string) queue.Payload {
		p := DefaultPayload(j, inputKey)
		if len(params) > 0 {
			p.Params = params
		}
		return p
	}
}

// Store is the persistence a sweeper needs.
type Store interface {
	job.Store
	job.LogStore
}

// Config tunes a [Sweeper].
type Config struct {
	// Interval is the period between sweeps. Defaults to [DefaultInterval].
	Interval time.Duration

	// StaleAfter is the age at which an unfinished stage counts as lost.
	// Defaults to [DefaultStaleAfter].
	StaleAfter time.Duration

	// MaxAttempts stops requeueing once the stage log counts that many
	// attempts. Zero means unlimited.
	MaxAttempts int

	// SkipInitial suppresses the sweep at startup.
	SkipInitial bool
}

// Report summarises one sweep.
type Report struct {
	Candidates   int
	Requeued     int
	MissingInput int
	Skipped      int
}

// Option configures a [Sweeper].
type Option func(*Sweeper)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Sweeper) { s.metrics = m }
}

// Sweeper re-drives one stage. Sweeps never overlap.
type Sweeper struct {
	spec    StageSpec
	store   Store
	queue   queue.Queue
	blobs   blob.Store
	cfg     Config
	now     func() time.Time
	metrics *observe.Metrics

	mu sync.Mutex
}

// New returns a Sweeper for spec.
func New(spec StageSpec, store Store, q queue.Queue, blobs blob.Store, cfg Config, opts ...Option) *Sweeper {
	if spec.Payload == nil {
		spec.Payload = DefaultPayload
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	s := &Sweeper{
		spec:  spec,
		store: store,
		queue: q,
		blobs: blobs,
		cfg:   cfg,
		now:   time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Run sweeps at startup, unless disabled, and then every interval until ctx
// is cancelled. Sweep failures are logged and do not stop the loop.
func (s *Sweeper) Run(ctx context.Context) error {
	slog.Info("retry sweeper started",
		slog.String("stage", string(s.spec.Stage)),
		slog.Duration("interval", s.cfg.Interval),
		slog.Duration("stale_after", s.cfg.StaleAfter),
	)
	if !s.cfg.SkipInitial {
		s.sweepAndLog(ctx)
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sweepAndLog(ctx)
		}
	}
}

func (s *Sweeper) sweepAndLog(ctx context.Context) {
	rep, err := s.Sweep(ctx)
	if err != nil && ctx.Err() == nil {
		slog.Warn("sweep incomplete", slog.String("stage", string(s.spec.Stage)), slog.Any("err", err))
	}
	if rep.Candidates > 0 {
		slog.Info("sweep finished",
			slog.String("stage", string(s.spec.Stage)),
			slog.Int("candidates", rep.Candidates),
			slog.Int("requeued", rep.Requeued),
			slog.Int("missing_input", rep.MissingInput),
			slog.Int("skipped", rep.Skipped),
		)
	}
}

// candidate is one job considered by a sweep.
type candidate struct {
	jobID  string
	reason string
}

// Sweep performs one pass. Errors of individual jobs are joined into the
// returned error; the pass continues past them.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, span := observe.StartSpan(ctx, "sweeper."+string(s.spec.Stage))
	defer span.End()

	now := s.now()
	cutoff := now.Add(-s.cfg.StaleAfter)

	var (
		errs  []error
		cands []candidate
		seen  = make(map[string]bool)
	)
	add := func(id, reason string) {
		if !seen[id] {
			seen[id] = true
			cands = append(cands, candidate{jobID: id, reason: reason})
		}
	}

	failed, err := s.store.ListLogs(ctx, s.spec.Stage, job.StatusFailed)
	if err != nil {
		errs = append(errs, fmt.Errorf("sweeper: list failed logs: %w", err))
	}
	for _, e := range failed {
		add(e.JobID, ReasonFailed)
	}
	stalled, err := s.store.Stalled(ctx, s.spec.Stage, cutoff)
	if err != nil {
		errs = append(errs, fmt.Errorf("sweeper: list stalled jobs: %w", err))
	}
	for _, j := range stalled {
		add(j.ID, ReasonStalled)
	}

	rep := Report{Candidates: len(cands)}
	for _, c := range cands {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		res, err := s.reconcile(ctx, c, cutoff)
		if err != nil {
			errs = append(errs, fmt.Errorf("sweeper: job %s: %w", c.jobID, err))
		}
		switch res {
		case resultRequeued:
			rep.Requeued++
			s.metrics.RecordSweeperRequeue(ctx, string(s.spec.Stage), c.reason)
		case resultMissingInput:
			rep.MissingInput++
		default:
			rep.Skipped++
		}
	}
	return rep, errors.Join(errs...)
}

type result int

const (
	resultSkipped result = iota
	resultRequeued
	resultMissingInput
)

func (s *Sweeper) reconcile(ctx context.Context, c candidate, cutoff time.Time) (result, error) {
	stage := s.spec.Stage
	log := slog.With(slog.String("stage", string(stage)), slog.String("job_id", c.jobID), slog.String("reason", c.reason))

	entry, err := s.store.GetLog(ctx, c.jobID, stage)
	hasLog := err == nil
	if err != nil && !errors.Is(err, job.ErrNotFound) {
		return resultSkipped, &job.PersistenceError{Op: "get log", Err: err}
	}
	if hasLog {
		switch entry.Status {
		case job.StatusCompleted, job.StatusFailedMissingInput:
			return resultSkipped, nil
		case job.StatusPending, job.StatusProcessing:
			if entry.Timestamp.After(cutoff) {
				log.Debug("stage still in flight")
				return resultSkipped, nil
			}
		}
	}

	j, err := s.store.Get(ctx, c.jobID)
	if errors.Is(err, job.ErrNotFound) {
		log.Warn("log entry without job record")
		return resultSkipped, nil
	}
	if err != nil {
		return resultSkipped, &job.PersistenceError{Op: "get job", Err: err}
	}
	current := j.Stage(stage)
	if current.Status == job.StatusCompleted || current.Status == job.StatusFailedMissingInput {
		return resultSkipped, nil
	}

	if s.cfg.MaxAttempts > 0 && hasLog && entry.Attempts >= s.cfg.MaxAttempts {
		log.Warn("retry budget exhausted", slog.Int("attempts", entry.Attempts))
		return resultSkipped, nil
	}

	input := s.inputKey(j, entry)
	exists, err := s.blobs.Exists(ctx, input)
	if err != nil {
		return resultSkipped, &job.PersistenceError{Op: "check input", Err: err}
	}
	if !exists {
		return resultMissingInput, s.markMissing(ctx, log, j, entry, input)
	}

	// A pending stage is claimed so a late upstream webhook cannot enqueue
	// it a second time.
	claimed := false
	if current.Status == job.StatusPending {
		ok, err := s.store.TransitionStage(ctx, j.ID, stage, job.StatusPending, job.StageStatus{Status: job.StatusProcessing})
		if err != nil {
			return resultSkipped, &job.PersistenceError{Op: "claim stage", Err: err}
		}
		if !ok {
			return resultSkipped, nil
		}
		claimed = true
	}

	payload := s.spec.Payload(j, input)
	payload.TraceContext = observe.InjectTrace(ctx)
	taskID, err := s.queue.Enqueue(ctx, stage, payload)
	if err != nil {
		if claimed {
			if _, rerr := s.store.TransitionStage(ctx, j.ID, stage, job.StatusProcessing, job.StageStatus{Status: job.StatusPending}); rerr != nil {
				log.Error("cannot release claim", slog.Any("err", rerr))
			}
		}
		return resultSkipped, fmt.Errorf("enqueue: %w", err)
	}
	if claimed {
		// Only while processing: a fast worker may have settled the stage.
		if _, err := s.store.TransitionStage(ctx, j.ID, stage, job.StatusProcessing, job.StageStatus{Status: job.StatusProcessing, DownstreamJobID: taskID}); err != nil {
			log.Warn("cannot record task id", slog.Any("err", err))
		}
	}

	now := s.now().UTC()
	if err := s.store.UpsertLog(ctx, job.LogEntry{
		JobID:     j.ID,
		Service:   stage,
		Event:     job.EventRequeued,
		Status:    job.StatusPending,
		Timestamp: now,
		Message:   "requeued by sweeper (" + c.reason + ")",
		InputPath: input,
		Attempts:  entry.Attempts,
		Metadata:  job.LogMetadata{CreatedAt: now, UpdatedAt: now},
	}); err != nil {
		log.Warn("cannot write requeue log", slog.Any("err", err))
	}
	log.Info("stage requeued", slog.String("task_id", taskID), slog.String("input_key", input))
	return resultRequeued, nil
}

// inputKey prefers the key the last attempt used, then the upstream stage's
// output, then the uploaded recording.
func (s *Sweeper) inputKey(j job.Job, entry job.LogEntry) string {
	if entry.InputPath != "" {
		return entry.InputPath
	}
	if up, ok := s.spec.Stage.Upstream(); ok {
		if out := j.Stage(up).Output; out != "" {
			return out
		}
	}
	return j.SourceKey
}

func (s *Sweeper) markMissing(ctx context.Context, log *slog.Logger, j job.Job, entry job.LogEntry, input string) error {
	stage := s.spec.Stage
	merr := &job.MissingInputError{Stage: stage, Key: input}
	log.Error("input vanished, giving up on stage", slog.String("input_key", input))

	if _, err := s.store.UpdateStage(ctx, j.ID, stage, job.StageStatus{
		Status:          job.StatusFailedMissingInput,
		DownstreamJobID: j.Stage(stage).DownstreamJobID,
		Error:           merr.Error(),
	}); err != nil {
		return &job.PersistenceError{Op: "update stage", Err: err}
	}
	now := s.now().UTC()
	if err := s.store.UpsertLog(ctx, job.LogEntry{
		JobID:     j.ID,
		Service:   stage,
		Event:     job.EventMissingInput,
		Status:    job.StatusFailedMissingInput,
		Timestamp: now,
		Message:   merr.Error(),
		InputPath: input,
		Attempts:  entry.Attempts,
		Metadata:  job.LogMetadata{CreatedAt: now, UpdatedAt: now},
	}); err != nil {
		return &job.PersistenceError{Op: "upsert log", Err: err}
	}
	return nil
}
