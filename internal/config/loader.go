package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"transcribe": {"openai", "whisper"},
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. ${VAR} references are expanded from the
// environment before decoding, so secrets can stay out of the file.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := os.Expand(string(raw), func(name string) string {
		// "$$" stays a literal dollar sign.
		if name == "$" {
			return "$"
		}
		return os.Getenv(name)
	})

	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.PublicURL != "" {
		if u, err := url.Parse(cfg.Server.PublicURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("server.public_url %q must be an absolute URL", cfg.Server.PublicURL))
		}
	} else {
		slog.Warn("server.public_url is not set; stages advance only through the retry sweeper")
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Backends
	switch cfg.Store.Backend {
	case "", BackendMemory, BackendRedis:
	case BackendPostgres:
		if cfg.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("store.postgres_dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend %q is invalid; valid values: memory, postgres, redis", cfg.Store.Backend))
	}
	switch cfg.Queue.Backend {
	case "", BackendMemory, BackendRedis:
	default:
		errs = append(errs, fmt.Errorf("queue.backend %q is invalid; valid values: memory, redis", cfg.Queue.Backend))
	}
	if (cfg.Store.Backend == BackendRedis || cfg.Queue.Backend == BackendRedis) && cfg.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required when the store or queue uses redis"))
	}
	switch cfg.Blob.Backend {
	case "", BackendLocal:
	case BackendS3:
		if cfg.Blob.S3.Bucket == "" {
			errs = append(errs, errors.New("blob.s3.bucket is required for the s3 backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("blob.backend %q is invalid; valid values: local, s3", cfg.Blob.Backend))
	}

	// Providers. Whether a primary is required depends on the roles run by
	// the process, which the application checks.
	validateProviderName("transcribe", cfg.Providers.Transcribe.Name)
	for i, fb := range cfg.Providers.TranscribeFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.transcribe_fallbacks[%d].name is required", i))
		}
		validateProviderName("transcribe", fb.Name)
	}
	validateProviderName("llm", cfg.Providers.LLM.Name)
	for i, fb := range cfg.Providers.LLMFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
		}
		validateProviderName("llm", fb.Name)
	}
	validateProviderName("llm", cfg.Providers.Refiner.Name)

	// Segmentation
	if cfg.Segment.MaxChunk < 0 || cfg.Segment.MinSilence < 0 {
		errs = append(errs, errors.New("segment.max_chunk and segment.min_silence must not be negative"))
	}
	if cfg.Segment.MaxChunk > 0 && cfg.Segment.MaxChunk < 10*time.Millisecond {
		errs = append(errs, fmt.Errorf("segment.max_chunk %v is shorter than one analysis frame", cfg.Segment.MaxChunk))
	}
	if cfg.Segment.SilenceThreshDBFS > 0 {
		errs = append(errs, fmt.Errorf("segment.silence_thresh_dbfs %v must not be positive", cfg.Segment.SilenceThreshDBFS))
	}
	if cfg.Segment.MaxAttempts < 0 {
		errs = append(errs, errors.New("segment.max_attempts must not be negative"))
	}

	// Summary
	if r := cfg.Summary.MinRetention; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("summary.min_retention %v must be within [0, 1]", r))
	}
	if cfg.Summary.PromptFile != "" {
		if _, err := os.Stat(cfg.Summary.PromptFile); err != nil {
			errs = append(errs, fmt.Errorf("summary.prompt_file: %w", err))
		}
	}

	// Workers
	for name, w := range map[string]WorkerConfig{
		"conversion":    cfg.Workers.Conversion,
		"transcription": cfg.Workers.Transcription,
		"summarization": cfg.Workers.Summarization,
	} {
		if w.Concurrency < 0 {
			errs = append(errs, fmt.Errorf("workers.%s.concurrency must not be negative", name))
		}
		if w.ExpectedDuration > 0 && w.ExpectedDuration < time.Second {
			errs = append(errs, fmt.Errorf("workers.%s.expected_duration %v is below one second", name, w.ExpectedDuration))
		}
	}

	// Sweeper
	if cfg.Sweeper.MaxAttempts < 0 {
		errs = append(errs, errors.New("sweeper.max_attempts must not be negative"))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is not in the known list for kind.
// An empty name is silently accepted (provider not configured).
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if !slices.Contains(known, name) {
		slog.Warn("unknown provider name; it must be registered before use",
			"kind", kind,
			"name", name,
			"known", known,
		)
	}
}
