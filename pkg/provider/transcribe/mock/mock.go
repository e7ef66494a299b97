// Package mock provides a test double for the transcribe.Provider interface.
//
// By default each call returns "T{n}" where n is the 1-based call number, so
// ordering mistakes in the caller show up directly in the joined transcript.
// Fn overrides that, and Errs injects a failure sequence.
//
// Example:
//
//	p := &mock.Provider{Errs: []error{errTimeout, nil}}
//	text, err := p.Transcribe(ctx, clip, transcribe.Options{}) // errTimeout
//	text, err = p.Transcribe(ctx, clip, transcribe.Options{})  // "T2", nil
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/callscribe/pkg/audio"
	"github.com/MrWong99/callscribe/pkg/provider/transcribe"
)

var _ transcribe.Provider = (*Provider)(nil)

// TranscribeCall records a single invocation of Transcribe.
type TranscribeCall struct {
	// DurationMs is the clip length.
	DurationMs int
	// Bytes is the PCM payload size.
	Bytes int
	Opts  transcribe.Options
}

// Provider is a mock implementation of transcribe.Provider.
type Provider struct {
	mu sync.Mutex

	// Fn, when set, produces the result for call n (1-based).
	Fn func(n int, clip audio.PCM) (string, error)

	// Errs is consumed one entry per call; a nil entry means success. Once
	// exhausted every call succeeds.
	Errs []error

	// Calls records every invocation in order.
	Calls []TranscribeCall
}

// Transcribe implements transcribe.Provider.
func (p *Provider) Transcribe(ctx context.Context, clip audio.PCM, opts transcribe.Options) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	p.Calls = append(p.Calls, TranscribeCall{DurationMs: clip.DurationMs(), Bytes: len(clip.Data), Opts: opts})
	n := len(p.Calls)
	var err error
	if len(p.Errs) > 0 {
		err, p.Errs = p.Errs[0], p.Errs[1:]
	}
	fn := p.Fn
	p.mu.Unlock()

	if err != nil {
		return "", err
	}
	if fn != nil {
		return fn(n, clip)
	}
	return fmt.Sprintf("T%d", n), nil
}

// CallCount returns the number of Transcribe invocations.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}
