// Package summary turns a call transcript into a structured [Extraction]:
// a short title, a five-point summary and the property details the agent
// and the client talked about.
//
// A [Summarizer] optionally runs a refine pass over the raw transcript
// first (see [Summarizer.Refine]), then asks an [llm.Provider] for a JSON
// object and post-processes the reply: Markdown fences are stripped,
// numbers given as strings are parsed, enum fields are clamped to their
// known values, the full address is assembled, contact numbers are
// hyphenated and the property name is snapped to the configured list of
// known complexes.
package summary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/callscribe/internal/observe"
	"github.com/MrWong99/callscribe/internal/summary/phonetic"
	"github.com/MrWong99/callscribe/pkg/job"
	"github.com/MrWong99/callscribe/pkg/provider/llm"
)

const defaultTemperature = 0.1

// Option configures a [Summarizer].
type Option func(*Summarizer)

// WithPrompt replaces [DefaultPrompt]. An empty prompt keeps the default.
func WithPrompt(prompt string) Option {
	return func(s *Summarizer) {
		if prompt != "" {
			s.prompt = prompt
		}
	}
}

// WithKnownProperties sets the canonical property names used by the refine
// pass and by property-name normalization.
func WithKnownProperties(names []string) Option {
	return func(s *Summarizer) { s.known = names }
}

// WithRefiner enables the refine pass using p. Passing nil disables it.
func WithRefiner(p llm.Provider) Option {
	return func(s *Summarizer) { s.refiner = p }
}

// WithMinRetention overrides [DefaultMinRetention].
func WithMinRetention(r float64) Option {
	return func(s *Summarizer) { s.minRetention = r }
}

// WithTemperature sets the sampling temperature for both passes. Default: 0.1.
func WithTemperature(t float64) Option {
	return func(s *Summarizer) { s.temperature = t }
}

// WithMatcher replaces the property-name matcher.
func WithMatcher(m *phonetic.Matcher) Option {
	return func(s *Summarizer) { s.matcher = m }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Summarizer) { s.metrics = m }
}

// WithProviderName labels provider metrics.
func WithProviderName(name string) Option {
	return func(s *Summarizer) { s.providerName = name }
}

// Summarizer is safe for concurrent use.
type Summarizer struct {
	llm          llm.Provider
	refiner      llm.Provider
	providerName string
	prompt       string
	known        []string
	matcher      *phonetic.Matcher
	minRetention float64
	temperature  float64
	metrics      *observe.Metrics
}

// New returns a Summarizer that extracts with p.
func New(p llm.Provider, opts ...Option) *Summarizer {
	s := &Summarizer{
		llm:          p,
		providerName: "llm",
		prompt:       DefaultPrompt,
		minRetention: DefaultMinRetention,
		temperature:  defaultTemperature,
	}
	for _, o := range opts {
		o(s)
	}
	if s.matcher == nil {
		s.matcher = phonetic.New()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Result is the outcome of [Summarizer.Summarize].
type Result struct {
	Extraction Extraction

	// Transcript is the text that was summarised, after refinement.
	Transcript string

	// Refined reports whether the refine pass changed the transcript.
	Refined bool
}

// Summarize refines transcript when a refiner is configured and extracts
// the structured summary. Failures come back as [*job.TransformError].
func (s *Summarizer) Summarize(ctx context.Context, transcript string) (Result, error) {
	res := Result{Transcript: transcript}

	if s.refiner != nil {
		refined, err := s.Refine(ctx, transcript)
		switch {
		case ctx.Err() != nil:
			return Result{}, &job.TransformError{Stage: job.StageSummarization, Err: ctx.Err()}
		case err != nil:
			observe.Logger(ctx).Warn("transcript refinement failed, summarising raw text", slog.Any("err", err))
		default:
			res.Refined = refined != transcript
			res.Transcript = refined
		}
	}

	ext, err := s.Extract(ctx, res.Transcript)
	if err != nil {
		return Result{}, &job.TransformError{Stage: job.StageSummarization, Err: err}
	}
	res.Extraction = ext
	return res, nil
}

// Extract asks the model for the structured summary of text and
// post-processes the reply.
func (s *Summarizer) Extract(ctx context.Context, text string) (Extraction, error) {
	if strings.TrimSpace(text) == "" {
		return Extraction{}, errors.New("summary: empty transcript")
	}

	resp, err := s.complete(ctx, s.llm, "summarize", llm.CompletionRequest{
		SystemPrompt: s.prompt,
		Temperature:  s.temperature,
		JSON:         true,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "통화 녹취록:\n" + text},
		},
	})
	if err != nil {
		return Extraction{}, fmt.Errorf("summary: complete: %w", err)
	}

	ext, err := parseExtraction(resp.Content)
	if err != nil {
		return Extraction{}, err
	}
	s.postProcess(ctx, &ext)
	return ext, nil
}

// complete calls p with metrics around it. A nil response counts as an error.
func (s *Summarizer) complete(ctx context.Context, p llm.Provider, kind string, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	start := time.Now()
	resp, err := p.Complete(ctx, req)
	s.metrics.ProviderDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
		observe.Attr("provider", s.providerName),
		observe.Attr("kind", kind),
	))
	if err == nil && resp == nil {
		err = errors.New("empty response")
	}
	if err != nil {
		s.metrics.RecordProviderRequest(ctx, s.providerName, kind, "error")
		s.metrics.RecordProviderError(ctx, s.providerName, kind)
		return nil, err
	}
	s.metrics.RecordProviderRequest(ctx, s.providerName, kind, "ok")
	return resp, nil
}

// parseExtraction decodes the model reply. A reply that is not a JSON object
// is an error so the stage is retried.
func parseExtraction(content string) (Extraction, error) {
	cleaned := stripFence(content)
	if !strings.HasPrefix(cleaned, "{") {
		return Extraction{}, fmt.Errorf("summary: reply is not a JSON object: %.80q", cleaned)
	}
	var ext Extraction
	if err := json.Unmarshal([]byte(cleaned), &ext); err != nil {
		return Extraction{}, fmt.Errorf("summary: parse reply: %w", err)
	}
	return ext, nil
}

func (s *Summarizer) postProcess(ctx context.Context, ext *Extraction) {
	ext.SummaryTitle = truncateRunes(ext.SummaryTitle, MaxTitleRunes)
	ext.SummaryContent = strings.TrimSpace(ext.SummaryContent)

	p := &ext.Property
	p.TransactionType = enumOrOther(p.TransactionType, transactionTypes)
	p.PropertyType = enumOrOther(p.PropertyType, propertyTypes)
	p.FullAddress = Text(FullAddress(*p))
	p.OwnerInfo.OwnerContact = Text(FormatContact(string(p.OwnerInfo.OwnerContact)))
	p.TenantInfo.TenantContact = Text(FormatContact(string(p.TenantInfo.TenantContact)))

	if name := string(p.PropertyName); name != "" && len(s.known) > 0 {
		if canonical, conf, ok := s.matcher.Match(name, s.known); ok && canonical != name {
			observe.Logger(ctx).Debug("normalised property name",
				slog.String("from", name),
				slog.String("to", canonical),
				slog.Float64("confidence", conf),
			)
			p.PropertyName = Text(canonical)
		}
	}
}

// stripFence removes an optional Markdown code fence (```json ... ```)
// around a model reply.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"```json", "```"} {
		if after, ok := strings.CutPrefix(s, prefix); ok {
			s = after
			break
		}
	}
	if before, ok := strings.CutSuffix(s, "```"); ok {
		s = before
	}
	return strings.TrimSpace(s)
}
