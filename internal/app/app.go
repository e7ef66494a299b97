// Package app wires the callscribe subsystems into a running process.
//
// The App struct owns the full lifecycle: New connects the backends named in
// the config and builds the components of the requested roles, Run serves
// them until the context is cancelled, and Shutdown releases the backends in
// order.
//
// For testing, inject backends via functional options (WithStore, WithQueue,
// WithBlobStore). When an option is not provided, New creates the real
// implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/callscribe/internal/config"
	"github.com/MrWong99/callscribe/internal/convert"
	"github.com/MrWong99/callscribe/internal/gateway"
	"github.com/MrWong99/callscribe/internal/health"
	"github.com/MrWong99/callscribe/internal/observe"
	"github.com/MrWong99/callscribe/internal/segment"
	"github.com/MrWong99/callscribe/internal/summary"
	"github.com/MrWong99/callscribe/internal/sweeper"
	"github.com/MrWong99/callscribe/internal/worker"
	"github.com/MrWong99/callscribe/pkg/blob"
	"github.com/MrWong99/callscribe/pkg/blob/local"
	"github.com/MrWong99/callscribe/pkg/blob/s3"
	"github.com/MrWong99/callscribe/pkg/job"
	"github.com/MrWong99/callscribe/pkg/job/memstore"
	"github.com/MrWong99/callscribe/pkg/job/postgres"
	"github.com/MrWong99/callscribe/pkg/job/redisstore"
	"github.com/MrWong99/callscribe/pkg/provider/llm"
	"github.com/MrWong99/callscribe/pkg/provider/transcribe"
	"github.com/MrWong99/callscribe/pkg/queue"
	"github.com/MrWong99/callscribe/pkg/queue/memqueue"
	"github.com/MrWong99/callscribe/pkg/queue/redisqueue"
)

// Role selects which components a process runs.
type Role string

const (
	RoleGateway Role = "gateway"
	RoleWorker  Role = "worker"
	RoleSweeper Role = "sweeper"
)

// AllRoles is what a single-process deployment runs.
var AllRoles = []Role{RoleGateway, RoleWorker, RoleSweeper}

// ParseRoles parses a comma separated role list. "all" expands to [AllRoles].
func ParseRoles(s string) ([]Role, error) {
	var roles []Role
	for part := range strings.SplitSeq(s, ",") {
		r := Role(strings.TrimSpace(part))
		switch r {
		case "":
			continue
		case "all":
			return slices.Clone(AllRoles), nil
		case RoleGateway, RoleWorker, RoleSweeper:
			if !slices.Contains(roles, r) {
				roles = append(roles, r)
			}
		default:
			return nil, fmt.Errorf("app: unknown role %q; valid roles: gateway, worker, sweeper, all", r)
		}
	}
	if len(roles) == 0 {
		return nil, errors.New("app: no role given")
	}
	return roles, nil
}

// Providers holds the backends the stage workers call. Populated by main.go
// via the config registry. Refiner may be nil.
type Providers struct {
	Transcriber     transcribe.Provider
	TranscriberName string
	LLM             llm.Provider
	LLMName         string
	Refiner         llm.Provider
}

// Store is the persistence every role draws from.
type Store interface {
	job.Store
	job.LogStore
}

// ShutdownTimeout bounds the graceful stop of the HTTP server.
const ShutdownTimeout = 15 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	roles     []Role

	store     Store
	queue     queue.Queue
	blobs     blob.Store
	converter worker.Converter
	metrics   *observe.Metrics
	listener  net.Listener
	redis     *goredis.Client

	handler  http.Handler
	workers  []*worker.Worker
	sweepers []*sweeper.Sweeper

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a job store instead of creating one from config.
func WithStore(s Store) Option {
	return func(a *App) { a.store = s }
}

// WithQueue injects a task queue instead of creating one from config.
func WithQueue(q queue.Queue) Option {
	return func(a *App) { a.queue = q }
}

// WithBlobStore injects a blob store instead of creating one from config.
func WithBlobStore(b blob.Store) Option {
	return func(a *App) { a.blobs = b }
}

// WithConverter replaces the ffmpeg converter of the conversion stage.
func WithConverter(c worker.Converter) Option {
	return func(a *App) { a.converter = c }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithListener serves HTTP on l instead of listening on server.listen_addr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// New connects the configured backends and builds the components of roles.
// Backends opened before a failure are released again.
func New(ctx context.Context, cfg *config.Config, providers *Providers, roles []Role, opts ...Option) (_ *App, err error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{cfg: cfg, providers: providers, roles: roles}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	defer func() {
		if err != nil {
			a.runClosers(context.Background())
		}
	}()

	if err := a.initStore(ctx); err != nil {
		return nil, err
	}
	if err := a.initQueue(); err != nil {
		return nil, err
	}
	if err := a.initBlobs(ctx); err != nil {
		return nil, err
	}
	if a.has(RoleWorker) {
		if err := a.initWorkers(); err != nil {
			return nil, err
		}
	}
	if a.has(RoleSweeper) {
		a.initSweepers()
	}
	a.initHTTP()
	return a, nil
}

func (a *App) has(r Role) bool { return slices.Contains(a.roles, r) }

// redisClient returns the client shared by the redis store and queue.
func (a *App) redisClient() *goredis.Client {
	if a.redis == nil {
		a.redis = goredis.NewClient(&goredis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		a.closers = append(a.closers, a.redis.Close)
	}
	return a.redis
}

func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	switch a.cfg.Store.Backend {
	case config.BackendPostgres:
		s, err := postgres.NewStore(ctx, a.cfg.Store.PostgresDSN)
		if err != nil {
			return fmt.Errorf("app: %w", err)
		}
		a.closers = append(a.closers, func() error {
			s.Close()
			return nil
		})
		a.store = s
	case config.BackendRedis:
		a.store = redisstore.New(a.redisClient(), redisstore.WithPrefix(a.cfg.Redis.Prefix))
	default:
		slog.Warn("using the in-memory job store; records are lost on restart")
		a.store = memstore.New()
	}
	slog.Info("job store ready", "backend", a.cfg.Store.Backend)
	return nil
}

func (a *App) initQueue() error {
	if a.queue != nil {
		return nil
	}
	switch a.cfg.Queue.Backend {
	case config.BackendRedis:
		a.queue = redisqueue.New(a.redisClient(),
			redisqueue.WithPrefix(a.cfg.Redis.Prefix),
			redisqueue.WithVisibility(a.cfg.Queue.Visibility),
			redisqueue.WithPollInterval(a.cfg.Queue.PollInterval),
		)
	default:
		for _, r := range AllRoles {
			if !a.has(r) {
				return errors.New("app: the memory queue only works when one process runs all roles")
			}
		}
		a.queue = memqueue.New(memqueue.WithVisibility(a.cfg.Queue.Visibility))
	}
	slog.Info("task queue ready", "backend", a.cfg.Queue.Backend)
	return nil
}

func (a *App) initBlobs(ctx context.Context) error {
	if a.blobs != nil {
		return nil
	}
	switch a.cfg.Blob.Backend {
	case config.BackendS3:
		c := a.cfg.Blob.S3
		s, err := s3.New(ctx, s3.Config{
			Bucket:         c.Bucket,
			Region:         c.Region,
			Endpoint:       c.Endpoint,
			AccessKey:      c.AccessKey,
			SecretKey:      c.SecretKey,
			ForcePathStyle: c.ForcePathStyle,
			Prefix:         c.Prefix,
		})
		if err != nil {
			return fmt.Errorf("app: %w", err)
		}
		a.blobs = s
	default:
		s, err := local.New(a.cfg.Blob.LocalPath)
		if err != nil {
			return fmt.Errorf("app: %w", err)
		}
		a.blobs = s
	}
	slog.Info("blob store ready", "backend", a.cfg.Blob.Backend)
	return nil
}

func (a *App) initWorkers() error {
	var errs []error
	if a.providers.Transcriber == nil {
		errs = append(errs, errors.New("providers.transcribe.name is required for the worker role"))
	}
	if a.providers.LLM == nil {
		errs = append(errs, errors.New("providers.llm.name is required for the worker role"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("app: %w", err)
	}

	var notifier worker.Notifier
	if a.cfg.Server.PublicURL != "" {
		notifier = &worker.HTTPNotifier{BaseURL: a.cfg.Server.PublicURL, Client: &http.Client{}}
	}

	if a.converter == nil {
		a.converter = a.buildConverter()
	}
	engine := a.buildEngine()
	summarizer, err := a.buildSummarizer()
	if err != nil {
		return err
	}

	w := a.cfg.Workers
	opts := []worker.Option{worker.WithMetrics(a.metrics)}
	a.workers = []*worker.Worker{
		worker.New(worker.NewConversionHandler(a.converter), a.store, a.queue, a.blobs, notifier, workerConfig(w.Conversion), opts...),
		worker.New(worker.NewTranscriptionHandler(engine, transcribe.Options{
			Language: a.cfg.Segment.Language,
			Prompt:   a.cfg.Segment.Prompt,
		}), a.store, a.queue, a.blobs, notifier, workerConfig(w.Transcription), opts...),
		worker.New(worker.NewSummarizationHandler(summarizer), a.store, a.queue, a.blobs, notifier, workerConfig(w.Summarization), opts...),
	}
	return nil
}

func workerConfig(c config.WorkerConfig) worker.Config {
	return worker.Config{
		Concurrency:      c.Concurrency,
		ExpectedDuration: c.ExpectedDuration,
		ReceiveWait:      c.ReceiveWait,
		WebhookTimeout:   c.WebhookTimeout,
		CleanupInput:     c.CleanupInput != nil && *c.CleanupInput,
	}
}

func (a *App) buildConverter() *convert.Converter {
	c := a.cfg.Convert
	var opts []convert.Option
	if c.FFmpegPath != "" {
		opts = append(opts, convert.WithFFmpegPath(c.FFmpegPath))
	}
	if c.Timeout > 0 {
		opts = append(opts, convert.WithTimeout(c.Timeout))
	}
	if c.TempDir != "" {
		opts = append(opts, convert.WithTempDir(c.TempDir))
	}
	return convert.New(opts...)
}

func (a *App) buildEngine() *segment.Engine {
	c := a.cfg.Segment
	opts := []segment.Option{
		segment.WithParams(segment.Params{
			MaxChunkMs:        int(c.MaxChunk.Milliseconds()),
			MinSilenceMs:      int(c.MinSilence.Milliseconds()),
			SilenceThreshDBFS: c.SilenceThreshDBFS,
		}),
		segment.WithMetrics(a.metrics),
	}
	if c.ChunkDelay > 0 {
		opts = append(opts, segment.WithChunkDelay(c.ChunkDelay))
	}
	if c.CallTimeout > 0 {
		opts = append(opts, segment.WithCallTimeout(c.CallTimeout))
	}
	if c.MaxAttempts > 0 {
		opts = append(opts, segment.WithMaxAttempts(c.MaxAttempts))
	}
	if a.providers.TranscriberName != "" {
		opts = append(opts, segment.WithProviderName(a.providers.TranscriberName))
	}
	return segment.NewEngine(a.providers.Transcriber, opts...)
}

func (a *App) buildSummarizer() (*summary.Summarizer, error) {
	c := a.cfg.Summary
	opts := []summary.Option{
		summary.WithKnownProperties(c.KnownProperties),
		summary.WithMetrics(a.metrics),
	}
	if c.PromptFile != "" {
		prompt, err := os.ReadFile(c.PromptFile)
		if err != nil {
			return nil, fmt.Errorf("app: read summary prompt: %w", err)
		}
		opts = append(opts, summary.WithPrompt(string(prompt)))
	}
	if c.Temperature > 0 {
		opts = append(opts, summary.WithTemperature(c.Temperature))
	}
	if c.MinRetention > 0 {
		opts = append(opts, summary.WithMinRetention(c.MinRetention))
	}
	if a.providers.Refiner != nil {
		opts = append(opts, summary.WithRefiner(a.providers.Refiner))
	}
	if a.providers.LLMName != "" {
		opts = append(opts, summary.WithProviderName(a.providers.LLMName))
	}
	return summary.New(a.providers.LLM, opts...), nil
}

func (a *App) initSweepers() {
	w := a.cfg.Workers
	params := map[job.Stage]map[string]string{
		job.StageConversion:    w.Conversion.Params,
		job.StageTranscription: w.Transcription.Params,
		job.StageSummarization: w.Summarization.Params,
	}
	cfg := sweeper.Config{
		Interval:    a.cfg.Sweeper.Interval,
		StaleAfter:  a.cfg.Sweeper.StaleAfter,
		MaxAttempts: a.cfg.Sweeper.MaxAttempts,
	}
	for _, stage := range job.Stages {
		spec := sweeper.StageSpec{Stage: stage, Payload: sweeper.ParamsPayload(params[stage])}
		a.sweepers = append(a.sweepers, sweeper.New(spec, a.store, a.queue, a.blobs, cfg, sweeper.WithMetrics(a.metrics)))
	}
}

// initHTTP builds the handler. Probes and metrics are served by every role
// so that each process can be scraped and health-checked.
func (a *App) initHTTP() {
	mux := http.NewServeMux()
	if a.has(RoleGateway) {
		w := a.cfg.Workers
		orch := gateway.NewOrchestrator(a.store, a.queue, a.blobs,
			gateway.WithStageParams(job.StageConversion, w.Conversion.Params),
			gateway.WithStageParams(job.StageTranscription, w.Transcription.Params),
			gateway.WithStageParams(job.StageSummarization, w.Summarization.Params),
		)
		var sopts []gateway.ServerOption
		if a.cfg.Server.MaxUploadBytes > 0 {
			sopts = append(sopts, gateway.WithMaxUploadBytes(a.cfg.Server.MaxUploadBytes))
		}
		if a.cfg.Server.WatchInterval > 0 {
			sopts = append(sopts, gateway.WithWatchInterval(a.cfg.Server.WatchInterval))
		}
		sopts = append(sopts, gateway.WithServerMetrics(a.metrics))
		gateway.NewServer(orch, sopts...).Register(mux)
	}

	health.New(
		health.Probe("job_store", a.store),
		health.Probe("queue", a.queue),
		health.Probe("blob_store", a.blobs),
	).Register(mux)

	mux.Handle("GET /metrics", promhttp.Handler())
	a.handler = observe.Middleware(a.metrics)(mux)
}

// Handler returns the HTTP handler serving the gateway API (for the gateway
// role), the health probes, and /metrics.
func (a *App) Handler() http.Handler { return a.handler }

// Store returns the job store in use.
func (a *App) Store() Store { return a.store }

// Run serves HTTP and runs the workers and sweepers of the configured roles
// until ctx is cancelled. Workers finish their in-flight tasks and pending
// webhooks before Run returns.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen: %w", err)
		}
	}
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server listening", "addr", ln.Addr().String(), "roles", a.roles)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	for _, w := range a.workers {
		g.Go(func() error { return w.Run(ctx) })
	}
	for _, s := range a.sweepers {
		g.Go(func() error { return s.Run(ctx) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Shutdown releases all backends in the order they were opened. It respects
// the context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		shutdownErr = a.runClosers(ctx)
		if shutdownErr == nil {
			slog.Info("shutdown complete")
		}
	})
	return shutdownErr
}

func (a *App) runClosers(ctx context.Context) error {
	for i, closer := range a.closers {
		select {
		case <-ctx.Done():
			slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
			return ctx.Err()
		default:
		}
		if err := closer(); err != nil {
			slog.Warn("closer error", "index", i, "err", err)
		}
	}
	a.closers = nil
	return nil
}
