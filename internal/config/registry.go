package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/callscribe/pkg/provider/llm"
	"github.com/MrWong99/callscribe/pkg/provider/transcribe"
)

// ErrProviderNotRegistered is returned when a [ProviderEntry] names a
// provider nobody registered a factory for.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Factory builds a provider of type P from its config entry.
type Factory[P any] func(ProviderEntry) (P, error)

// factories is the name → factory table of one provider kind.
type factories[P any] struct {
	kind string
	fns  map[string]Factory[P]
}

func (f *factories[P]) lookup(name string) (Factory[P], error) {
	fn, ok := f.fns[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, f.kind, name)
	}
	return fn, nil
}

// Registry resolves the provider names used in [ProvidersConfig] to
// constructors. Registration normally happens once in main; lookups are safe
// from any goroutine.
type Registry struct {
	mu         sync.RWMutex
	transcribe factories[transcribe.Provider]
	llm        factories[llm.Provider]
}

// NewRegistry returns an empty [Registry].
func NewRegistry() *Registry {
	return &Registry{
		transcribe: factories[transcribe.Provider]{kind: "transcribe", fns: map[string]Factory[transcribe.Provider]{}},
		llm:        factories[llm.Provider]{kind: "llm", fns: map[string]Factory[llm.Provider]{}},
	}
}

// RegisterTranscriber adds or replaces the transcription factory for name.
func (r *Registry) RegisterTranscriber(name string, f Factory[transcribe.Provider]) {
	r.mu.Lock()
	r.transcribe.fns[name] = f
	r.mu.Unlock()
}

// RegisterLLM adds or replaces the chat completion factory for name. The
// factory serves both the summarizer and the optional refiner.
func (r *Registry) RegisterLLM(name string, f Factory[llm.Provider]) {
	r.mu.Lock()
	r.llm.fns[name] = f
	r.mu.Unlock()
}

// CreateTranscriber builds the transcription provider entry names.
func (r *Registry) CreateTranscriber(entry ProviderEntry) (transcribe.Provider, error) {
	r.mu.RLock()
	fn, err := r.transcribe.lookup(entry.Name)
	r.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return fn(entry)
}

// CreateLLM builds the chat completion provider entry names.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	fn, err := r.llm.lookup(entry.Name)
	r.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return fn(entry)
}

// Names lists the registered names of kind ("transcribe" or "llm"), sorted.
// Any other kind yields nil.
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch kind {
	case r.transcribe.kind:
		return slices.Sorted(maps.Keys(r.transcribe.fns))
	case r.llm.kind:
		return slices.Sorted(maps.Keys(r.llm.fns))
	}
	return nil
}

// OptString reads a string from a provider's free-form options. Missing keys
// and non-string values read as "".
func OptString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// OptFloat reads a number from a provider's free-form options. YAML integers
// are accepted; anything else reads as 0.
func OptFloat(opts map[string]any, key string) float64 {
	switch v := opts[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}
