// Package llm is the chat completion contract used for call summaries and
// transcript refinement. Backends live in the subpackages.
package llm

import (
	"context"
	"errors"
)

// Content level failures a backend may report. Both are wrapped, test with
// [errors.Is].
var (
	// ErrTruncated means the reply hit the token limit before it finished.
	ErrTruncated = errors.New("llm: reply truncated")

	// ErrRefused means the model declined to answer.
	ErrRefused = errors.New("llm: model refused")
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of the conversation sent to the model.
type Message struct {
	// Role is one of the Role constants.
	Role    string
	Content string
}

// Usage is the token accounting of one call, in the backend's own units.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the LLM needs to produce a response.
// Callers should treat a zero-value request as invalid; at minimum Messages must
// be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation. The last message is typically from
	// the "user" role and drives the response.
	Messages []Message

	// Temperature controls output randomness in the range [0.0, 2.0]. Zero
	// leaves the provider default in place.
	Temperature float64

	// MaxTokens caps the number of completion tokens the model may generate.
	// Zero means use the provider default.
	MaxTokens int

	// SystemPrompt is an optional high-priority instruction sent before the
	// conversation. Providers without a dedicated system field prepend it as a
	// "system"-role message.
	SystemPrompt string

	// JSON asks for a single JSON object. Backends without a response
	// format switch fall back to a prompt instruction, so callers still
	// validate the reply.
	JSON bool
}

// CompletionResponse is returned by Complete.
type CompletionResponse struct {
	// Content is the full text of the assistant's reply.
	Content string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Provider is the abstraction over any LLM backend.
//
// Implementations must be safe for concurrent use from multiple goroutines and
// return promptly when ctx is cancelled.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
