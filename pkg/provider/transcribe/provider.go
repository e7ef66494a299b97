// Package transcribe defines the Provider interface for batch speech-to-text
// backends.
//
// A transcription provider accepts one bounded clip of PCM audio and returns
// its text. Clips are produced by the segmentation engine and never exceed
// the backend's per-request duration limit, so providers do no splitting of
// their own. Providers are stateless between calls and must be safe for
// concurrent use even though the pipeline calls them sequentially.
package transcribe

import (
	"context"

	"github.com/MrWong99/callscribe/pkg/audio"
)

// Options carries optional per-request hints. Backends ignore hints they do
// not understand.
type Options struct {
	// Language is a BCP-47 language code such as "ko" or "en". Empty lets
	// the backend auto-detect.
	Language string

	// Prompt is free text that biases recognition towards domain vocabulary
	// (names, addresses, jargon).
	Prompt string
}

// Provider is the abstraction over any batch transcription backend.
type Provider interface {
	// Transcribe converts clip into text. A clip with no speech yields an
	// empty string and a nil error.
	//
	// Errors are transient by default: the caller retries them with backoff.
	// Implementations should return promptly when ctx is cancelled.
	Transcribe(ctx context.Context, clip audio.PCM, opts Options) (string, error)
}
