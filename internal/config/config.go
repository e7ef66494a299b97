// Package config provides the configuration schema, loader, and provider registry
// for the callscribe recording pipeline.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Backend names accepted by the store, queue, and blob sections.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendLocal    = "local"
	BackendS3       = "s3"
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Queue     QueueConfig     `yaml:"queue"`
	Blob      BlobConfig      `yaml:"blob"`
	Redis     RedisConfig     `yaml:"redis"`
	Providers ProvidersConfig `yaml:"providers"`
	Convert   ConvertConfig   `yaml:"convert"`
	Segment   SegmentConfig   `yaml:"segment"`
	Summary   SummaryConfig   `yaml:"summary"`
	Workers   WorkersConfig   `yaml:"workers"`
	Sweeper   SweeperConfig   `yaml:"sweeper"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// PublicURL is the base URL workers use to reach the gateway's
	// completion webhooks. Empty disables webhooks, leaving stage advancement
	// to the retry sweeper.
	PublicURL string `yaml:"public_url"`

	// MaxUploadBytes caps the size of a submitted recording.
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`

	// WatchInterval is how often a watch stream polls the job record.
	WatchInterval time.Duration `yaml:"watch_interval"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// StoreConfig selects the job record store.
type StoreConfig struct {
	// Backend is one of "memory", "postgres", or "redis".
	Backend string `yaml:"backend"`

	// PostgresDSN is the connection string used by the postgres backend.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// QueueConfig selects the task queue.
type QueueConfig struct {
	// Backend is one of "memory" or "redis".
	Backend string `yaml:"backend"`

	// Visibility is how long a received task stays hidden before it is
	// redelivered.
	Visibility time.Duration `yaml:"visibility"`

	// PollInterval is how often the redis backend polls an empty stage
	// while a receive is waiting.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// BlobConfig selects the blob store holding uploads and stage outputs.
type BlobConfig struct {
	// Backend is one of "local" or "s3".
	Backend string `yaml:"backend"`

	// LocalPath is the root directory of the local backend.
	LocalPath string `yaml:"local_path"`

	S3 S3Config `yaml:"s3"`
}

// S3Config holds the connection settings of an S3 bucket.
type S3Config struct {
	Bucket         string `yaml:"bucket"`
	Region         string `yaml:"region"`
	Endpoint       string `yaml:"endpoint"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	ForcePathStyle bool   `yaml:"force_path_style"`
	Prefix         string `yaml:"prefix"`
}

// RedisConfig is shared by the redis store and queue backends.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// Prefix namespaces every key. Default: "callscribe".
	Prefix string `yaml:"prefix"`
}

// ProvidersConfig declares which backends serve transcription and
// extraction. Each entry selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	Transcribe ProviderEntry `yaml:"transcribe"`

	// TranscribeFallbacks are tried in order when Transcribe fails or its
	// circuit breaker is open.
	TranscribeFallbacks []ProviderEntry `yaml:"transcribe_fallbacks"`

	LLM          ProviderEntry   `yaml:"llm"`
	LLMFallbacks []ProviderEntry `yaml:"llm_fallbacks"`

	// Refiner optionally runs a second LLM pass that cleans up the
	// transcript handed to the extraction. Empty Name disables it.
	Refiner ProviderEntry `yaml:"refiner"`

	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "whisper").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "whisper-1", "gpt-4o-mini").
	Model string `yaml:"model"`

	// Timeout bounds a single request. Zero keeps the provider default.
	Timeout time.Duration `yaml:"timeout"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// CircuitBreakerConfig tunes the breaker placed in front of every provider.
type CircuitBreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// ConvertConfig configures the ffmpeg-backed conversion stage.
type ConvertConfig struct {
	FFmpegPath string        `yaml:"ffmpeg_path"`
	Timeout    time.Duration `yaml:"timeout"`
	TempDir    string        `yaml:"temp_dir"`
}

// SegmentConfig tunes how recordings are cut before transcription.
type SegmentConfig struct {
	MaxChunk          time.Duration `yaml:"max_chunk"`
	MinSilence        time.Duration `yaml:"min_silence"`
	SilenceThreshDBFS float64       `yaml:"silence_thresh_dbfs"`

	// ChunkDelay is the pause between chunk requests.
	ChunkDelay time.Duration `yaml:"chunk_delay"`

	// CallTimeout bounds one transcription call.
	CallTimeout time.Duration `yaml:"call_timeout"`

	// MaxAttempts is the per-chunk attempt budget.
	MaxAttempts int `yaml:"max_attempts"`

	// Language and Prompt are the default recognition hints. Task
	// parameters override them.
	Language string `yaml:"language"`
	Prompt   string `yaml:"prompt"`
}

// SummaryConfig configures the extraction stage.
type SummaryConfig struct {
	// PromptFile replaces the built-in extraction prompt with the contents
	// of a file.
	PromptFile string `yaml:"prompt_file"`

	// KnownProperties are canonical property names extracted names are
	// snapped to when they sound alike.
	KnownProperties []string `yaml:"known_properties"`

	Temperature float64 `yaml:"temperature"`

	// MinRetention is the share of the raw transcript's longest common
	// subsequence a refined transcript must keep to be accepted.
	MinRetention float64 `yaml:"min_retention"`
}

// WorkersConfig holds the per-stage worker settings.
type WorkersConfig struct {
	Conversion    WorkerConfig `yaml:"conversion"`
	Transcription WorkerConfig `yaml:"transcription"`
	Summarization WorkerConfig `yaml:"summarization"`
}

// WorkerConfig tunes the pool serving one stage.
type WorkerConfig struct {
	// Concurrency is the number of tasks processed in parallel.
	Concurrency int `yaml:"concurrency"`

	// ExpectedDuration is the lease taken on a task and renewed while it
	// is processed.
	ExpectedDuration time.Duration `yaml:"expected_duration"`

	// ReceiveWait is the long-poll wait of one receive call.
	ReceiveWait time.Duration `yaml:"receive_wait"`

	// WebhookTimeout bounds one completion webhook.
	WebhookTimeout time.Duration `yaml:"webhook_timeout"`

	// CleanupInput removes the stage input after its output is persisted.
	CleanupInput *bool `yaml:"cleanup_input"`

	// Params are attached to every task of the stage, e.g. a per-deployment
	// "language" for transcription.
	Params map[string]string `yaml:"params"`
}

// SweeperConfig configures the retry sweeper.
type SweeperConfig struct {
	// Interval between sweeps.
	Interval time.Duration `yaml:"interval"`

	// StaleAfter is how long a stage may sit pending or processing without
	// progress before it is re-driven.
	StaleAfter time.Duration `yaml:"stale_after"`

	// MaxAttempts bounds how often a stage is retried. Zero means no limit.
	MaxAttempts int `yaml:"max_attempts"`
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr     = ":8080"
	DefaultMaxUploadBytes = 512 << 20
	DefaultWatchInterval  = time.Second
	DefaultVisibility     = 5 * time.Minute
	DefaultPollInterval   = 250 * time.Millisecond
	DefaultLocalPath      = "data"
	DefaultRedisPrefix    = "callscribe"
	DefaultSweepInterval  = 30 * time.Minute
	DefaultStaleAfter     = 15 * time.Minute
)

// ApplyDefaults fills zero values with the defaults. Settings of the
// stage packages themselves (segmentation, worker timings) are left zero
// so those packages apply their own defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.MaxUploadBytes <= 0 {
		cfg.Server.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if cfg.Server.WatchInterval <= 0 {
		cfg.Server.WatchInterval = DefaultWatchInterval
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = BackendMemory
	}
	if cfg.Queue.Backend == "" {
		cfg.Queue.Backend = BackendMemory
	}
	if cfg.Queue.Visibility <= 0 {
		cfg.Queue.Visibility = DefaultVisibility
	}
	if cfg.Queue.PollInterval <= 0 {
		cfg.Queue.PollInterval = DefaultPollInterval
	}
	if cfg.Blob.Backend == "" {
		cfg.Blob.Backend = BackendLocal
	}
	if cfg.Blob.Backend == BackendLocal && cfg.Blob.LocalPath == "" {
		cfg.Blob.LocalPath = DefaultLocalPath
	}
	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = DefaultRedisPrefix
	}
	if cfg.Sweeper.Interval <= 0 {
		cfg.Sweeper.Interval = DefaultSweepInterval
	}
	if cfg.Sweeper.StaleAfter <= 0 {
		cfg.Sweeper.StaleAfter = DefaultStaleAfter
	}

	// Only the intermediate WAV is consumed by default. The upload is the
	// audit copy and the source for any conversion re-drive; the transcript
	// stays readable through the gateway.
	if cfg.Workers.Conversion.CleanupInput == nil {
		cfg.Workers.Conversion.CleanupInput = ptr(false)
	}
	if cfg.Workers.Transcription.CleanupInput == nil {
		cfg.Workers.Transcription.CleanupInput = ptr(true)
	}
	if cfg.Workers.Summarization.CleanupInput == nil {
		cfg.Workers.Summarization.CleanupInput = ptr(false)
	}
}

func ptr[T any](v T) *T { return &v }
