// Command callscribe runs the call recording pipeline: the HTTP gateway, the
// stage workers, and the retry sweeper, in one process or split by -role.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/callscribe/internal/app"
	"github.com/MrWong99/callscribe/internal/config"
	"github.com/MrWong99/callscribe/internal/observe"
	"github.com/MrWong99/callscribe/internal/resilience"
	"github.com/MrWong99/callscribe/pkg/provider/llm"
	"github.com/MrWong99/callscribe/pkg/provider/llm/anyllm"
	oaillm "github.com/MrWong99/callscribe/pkg/provider/llm/openai"
	"github.com/MrWong99/callscribe/pkg/provider/transcribe"
	oaistt "github.com/MrWong99/callscribe/pkg/provider/transcribe/openai"
	"github.com/MrWong99/callscribe/pkg/provider/transcribe/whisper"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "callscribe.yaml", "path to the YAML configuration file")
	roleList := flag.String("role", "all", "comma separated roles to run: gateway, worker, sweeper, or all")
	envFile := flag.String("env", ".env", "optional dotenv file loaded before the config is read")
	flag.Parse()

	// ── Environment ───────────────────────────────────────────────────────────
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "callscribe: load %s: %v\n", *envFile, err)
		return 1
	}

	roles, err := app.ParseRoles(*roleList)
	if err != nil {
		fmt.Fprintf(os.Stderr, "callscribe: %v\n", err)
		return 2
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "callscribe: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "callscribe: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("callscribe starting",
		"version", version,
		"config", *configPath,
		"roles", roles,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		Roles:          *roleList,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	var providers *app.Providers
	if slices.Contains(roles, app.RoleWorker) {
		reg := config.NewRegistry()
		registerBuiltinProviders(reg)
		providers, err = buildProviders(cfg, reg)
		if err != nil {
			slog.Error("failed to build providers", "err", err)
			return 1
		}
	}

	application, err := app.New(ctx, cfg, providers, roles)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready; press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.ShutdownTimeout)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Transcription ─────────────────────────────────────────────────────────

	reg.RegisterTranscriber("openai", func(entry config.ProviderEntry) (transcribe.Provider, error) {
		var opts []oaistt.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaistt.WithBaseURL(entry.BaseURL))
		}
		if lang := config.OptString(entry.Options, "language"); lang != "" {
			opts = append(opts, oaistt.WithLanguage(lang))
		}
		if temp := config.OptFloat(entry.Options, "temperature"); temp > 0 {
			opts = append(opts, oaistt.WithTemperature(temp))
		}
		if entry.Timeout > 0 {
			opts = append(opts, oaistt.WithTimeout(entry.Timeout))
		}
		return oaistt.New(entry.APIKey, entry.Model, opts...)
	})

	// whisper is a whisper.cpp HTTP server; it uses BaseURL for the address.
	reg.RegisterTranscriber("whisper", func(entry config.ProviderEntry) (transcribe.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := config.OptString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		if temp := config.OptFloat(entry.Options, "temperature"); temp > 0 {
			opts = append(opts, whisper.WithTemperature(temp))
		}
		if entry.Timeout > 0 {
			opts = append(opts, whisper.WithHTTPClient(&http.Client{Timeout: entry.Timeout}))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	// ── LLM ───────────────────────────────────────────────────────────────────

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		if org := config.OptString(entry.Options, "organization"); org != "" {
			opts = append(opts, oaillm.WithOrganization(org))
		}
		if entry.Timeout > 0 {
			opts = append(opts, oaillm.WithTimeout(entry.Timeout))
		}
		return oaillm.New(entry.APIKey, entry.Model, opts...)
	})

	// Everything else goes through any-llm-go. "openai" keeps the native
	// client registered above because it enforces JSON mode.
	for _, providerName := range anyllm.Backends() {
		if providerName == "openai" {
			continue
		}
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	for _, kind := range []string{"transcribe", "llm"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// buildProviders instantiates the providers named in cfg using the registry.
// Each primary is chained with its fallbacks, every backend behind its own
// circuit breaker.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	p := cfg.Providers
	fb := resilience.FallbackConfig{CircuitBreaker: resilience.CircuitBreakerConfig{
		MaxFailures:  p.CircuitBreaker.MaxFailures,
		ResetTimeout: p.CircuitBreaker.ResetTimeout,
		HalfOpenMax:  p.CircuitBreaker.HalfOpenMax,
	}}
	ps := &app.Providers{}

	if p.Transcribe.Name != "" {
		primary, err := reg.CreateTranscriber(p.Transcribe)
		if err != nil {
			return nil, fmt.Errorf("create transcribe provider %q: %w", p.Transcribe.Name, err)
		}
		t := resilience.NewTranscriber(p.Transcribe.Name, primary, fb)
		for _, e := range p.TranscribeFallbacks {
			alt, err := reg.CreateTranscriber(e)
			if err != nil {
				return nil, fmt.Errorf("create transcribe fallback %q: %w", e.Name, err)
			}
			t.AddFallback(e.Name, alt)
		}
		ps.Transcriber = t
		ps.TranscriberName = providerLabel(t.Group().Names())
		slog.Info("provider created", "kind", "transcribe", "chain", t.Group().Names())
	}

	if p.LLM.Name != "" {
		primary, err := reg.CreateLLM(p.LLM)
		if err != nil {
			return nil, fmt.Errorf("create llm provider %q: %w", p.LLM.Name, err)
		}
		c := resilience.NewCompleter(p.LLM.Name, primary, fb)
		for _, e := range p.LLMFallbacks {
			alt, err := reg.CreateLLM(e)
			if err != nil {
				return nil, fmt.Errorf("create llm fallback %q: %w", e.Name, err)
			}
			c.AddFallback(e.Name, alt)
		}
		ps.LLM = c
		ps.LLMName = providerLabel(c.Group().Names())
		slog.Info("provider created", "kind", "llm", "chain", c.Group().Names())
	}

	if p.Refiner.Name != "" {
		r, err := reg.CreateLLM(p.Refiner)
		if err != nil {
			return nil, fmt.Errorf("create refiner %q: %w", p.Refiner.Name, err)
		}
		ps.Refiner = resilience.NewCompleter(p.Refiner.Name, r, fb)
		slog.Info("provider created", "kind", "refiner", "name", p.Refiner.Name)
	}

	return ps, nil
}

// providerLabel names a fallback chain in metrics, e.g. "openai+whisper".
func providerLabel(names []string) string {
	return strings.Join(names, "+")
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
