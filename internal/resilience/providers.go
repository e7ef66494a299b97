package resilience

import (
	"context"

	"github.com/MrWong99/callscribe/pkg/audio"
	"github.com/MrWong99/callscribe/pkg/provider/llm"
	"github.com/MrWong99/callscribe/pkg/provider/transcribe"
)

// Compile-time interface checks.
var (
	_ transcribe.Provider = (*Transcriber)(nil)
	_ llm.Provider        = (*Completer)(nil)
)

// Transcriber is a [transcribe.Provider] failing over across backends.
type Transcriber struct {
	group *FallbackGroup[transcribe.Provider]
}

// NewTranscriber returns a Transcriber with primary as preferred backend.
func NewTranscriber(name string, primary transcribe.Provider, cfg FallbackConfig) *Transcriber {
	return &Transcriber{group: NewFallbackGroup(name, primary, cfg)}
}

// AddFallback registers another backend, tried after those added before it.
func (t *Transcriber) AddFallback(name string, p transcribe.Provider) {
	t.group.Add(name, p)
}

// Group exposes the underlying group, e.g. to inspect breaker states.
func (t *Transcriber) Group() *FallbackGroup[transcribe.Provider] { return t.group }

// Transcribe implements [transcribe.Provider].
func (t *Transcriber) Transcribe(ctx context.Context, clip audio.PCM, opts transcribe.Options) (string, error) {
	return Do(ctx, t.group, func(p transcribe.Provider) (string, error) {
		return p.Transcribe(ctx, clip, opts)
	})
}

// Completer is an [llm.Provider] failing over across backends.
type Completer struct {
	group *FallbackGroup[llm.Provider]
}

// NewCompleter returns a Completer with primary as preferred backend.
func NewCompleter(name string, primary llm.Provider, cfg FallbackConfig) *Completer {
	return &Completer{group: NewFallbackGroup(name, primary, cfg)}
}

// AddFallback registers another backend, tried after those added before it.
func (c *Completer) AddFallback(name string, p llm.Provider) {
	c.group.Add(name, p)
}

// Group exposes the underlying group.
func (c *Completer) Group() *FallbackGroup[llm.Provider] { return c.group }

// Complete implements [llm.Provider].
func (c *Completer) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return Do(ctx, c.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}
