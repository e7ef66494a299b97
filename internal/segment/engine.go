package segment

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/callscribe/internal/observe"
	"github.com/MrWong99/callscribe/pkg/audio"
	"github.com/MrWong99/callscribe/pkg/job"
	"github.com/MrWong99/callscribe/pkg/provider/transcribe"
)

// Engine defaults.
const (
	DefaultChunkDelay     = 500 * time.Millisecond
	DefaultCallTimeout    = 2 * time.Minute
	DefaultMaxAttempts    = 3
	defaultInitialBackoff = time.Second
	defaultMaxBackoff     = 10 * time.Second
)

// Result is the outcome of [Engine.Transcribe].
type Result struct {
	Text string

	// Chunks is the number of clips sent to the provider.
	Chunks int

	// DurationMs is the length of the input recording.
	DurationMs int
}

// Option configures an [Engine].
type Option func(*Engine)

// WithParams overrides the segmentation parameters.
func WithParams(p Params) Option {
	return func(e *Engine) { e.params = p.withDefaults() }
}

// WithChunkDelay sets the pause between consecutive provider calls.
func WithChunkDelay(d time.Duration) Option {
	return func(e *Engine) { e.delay = d }
}

// WithCallTimeout bounds every single provider call.
func WithCallTimeout(d time.Duration) Option {
	return func(e *Engine) { e.callTimeout = d }
}

// WithMaxAttempts sets how often one chunk is tried before the whole
// transcription fails. Values below 1 are treated as 1.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) { e.maxAttempts = max(n, 1) }
}

// WithBackoff sets the initial and maximum retry interval.
func WithBackoff(initial, maxInterval time.Duration) Option {
	return func(e *Engine) {
		e.initialBackoff = initial
		e.maxBackoff = maxInterval
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithProviderName labels provider metrics.
func WithProviderName(name string) Option {
	return func(e *Engine) { e.providerName = name }
}

// Engine transcribes whole recordings chunk by chunk. It is safe for
// concurrent use; each call works on its own chunks.
type Engine struct {
	provider       transcribe.Provider
	providerName   string
	params         Params
	delay          time.Duration
	callTimeout    time.Duration
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	metrics        *observe.Metrics
}

// NewEngine returns an Engine that sends chunks to p.
func NewEngine(p transcribe.Provider, opts ...Option) *Engine {
	e := &Engine{
		provider:       p,
		providerName:   "transcribe",
		params:         DefaultParams(),
		delay:          DefaultChunkDelay,
		callTimeout:    DefaultCallTimeout,
		maxAttempts:    DefaultMaxAttempts,
		initialBackoff: defaultInitialBackoff,
		maxBackoff:     defaultMaxBackoff,
	}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e
}

// Transcribe splits pcm, transcribes every chunk in order and joins the
// texts with single spaces. Chunks that come back empty add nothing. Any
// chunk that still fails after its retries fails the whole call with a
// [*job.TransformError]; partial transcripts are discarded.
func (e *Engine) Transcribe(ctx context.Context, pcm audio.PCM, opts transcribe.Options) (Result, error) {
	chunks := Split(pcm, e.params)
	res := Result{Chunks: len(chunks), DurationMs: pcm.DurationMs()}
	log := observe.Logger(ctx)
	log.Debug("segmented recording",
		slog.Int("duration_ms", res.DurationMs),
		slog.Int("chunks", len(chunks)),
	)

	texts := make([]string, 0, len(chunks))
	for i, c := range chunks {
		if i > 0 && e.delay > 0 {
			if err := sleep(ctx, e.delay); err != nil {
				return Result{}, &job.TransformError{Stage: job.StageTranscription, Err: err}
			}
		}
		text, err := e.transcribeChunk(ctx, c, opts)
		if err != nil {
			return Result{}, &job.TransformError{
				Stage: job.StageTranscription,
				Err:   fmt.Errorf("chunk %d/%d at %dms: %w", c.Index+1, len(chunks), c.StartMs, err),
			}
		}
		e.metrics.ChunksTranscribed.Add(ctx, 1)
		if text = strings.TrimSpace(text); text != "" {
			texts = append(texts, text)
		}
	}
	res.Text = strings.Join(texts, " ")
	return res, nil
}

func (e *Engine) transcribeChunk(ctx context.Context, c Chunk, opts transcribe.Options) (string, error) {
	attrs := metric.WithAttributes(
		observe.Attr("provider", e.providerName),
		observe.Attr("kind", "transcribe"),
	)

	op := func() (string, error) {
		callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
		defer cancel()

		start := time.Now()
		text, err := e.provider.Transcribe(callCtx, c.Audio, opts)
		e.metrics.ProviderDuration.Record(ctx, time.Since(start).Seconds(), attrs)
		if err != nil {
			e.metrics.RecordProviderRequest(ctx, e.providerName, "transcribe", "error")
			e.metrics.RecordProviderError(ctx, e.providerName, "transcribe")
			if ctx.Err() != nil {
				return "", backoff.Permanent(ctx.Err())
			}
			return "", err
		}
		e.metrics.RecordProviderRequest(ctx, e.providerName, "transcribe", "ok")
		return text, nil
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = e.initialBackoff
	exp.MaxInterval = e.maxBackoff
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(e.maxAttempts-1)), ctx)

	notify := func(err error, wait time.Duration) {
		e.metrics.ChunkRetries.Add(ctx, 1)
		observe.Logger(ctx).Warn("chunk transcription failed, retrying",
			slog.Int("chunk", c.Index),
			slog.Duration("backoff", wait),
			slog.Any("err", err),
		)
	}

	return backoff.RetryNotifyWithData(op, policy, notify)
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
