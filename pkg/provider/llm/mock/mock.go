// Package mock provides a test double for the llm.Provider interface.
//
// Errs and Replies are consumed one entry per call, which lets a test script
// a retry sequence such as a broken JSON reply followed by a valid one:
//
//	p := &mock.Provider{Replies: []string{`{"summary_ti`, `{"summary_title":"문의"}`}}
//
// Once both are exhausted every call answers with CompleteResponse and
// CompleteErr, unless CompleteFunc is set.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/callscribe/pkg/provider/llm"
)

var _ llm.Provider = (*Provider)(nil)

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider is a scripted llm.Provider. The zero value answers (nil, nil).
type Provider struct {
	mu sync.Mutex

	// Errs is consumed first; a nil entry falls through to Replies.
	Errs []error

	// Replies is consumed next, each entry becoming the reply content.
	Replies []string

	// CompleteFunc answers once Errs and Replies are empty.
	CompleteFunc func(req llm.CompletionRequest) (*llm.CompletionResponse, error)

	// CompleteResponse and CompleteErr answer when nothing else does.
	CompleteResponse *llm.CompletionResponse
	CompleteErr      error

	// CompleteCalls records every invocation in order.
	CompleteCalls []CompleteCall
}

// Complete implements llm.Provider. A cancelled ctx fails before anything
// is recorded.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})
	if len(p.Errs) > 0 {
		err := p.Errs[0]
		p.Errs = p.Errs[1:]
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
	}
	if len(p.Replies) > 0 {
		content := p.Replies[0]
		p.Replies = p.Replies[1:]
		p.mu.Unlock()
		return &llm.CompletionResponse{Content: content}, nil
	}
	fn, resp, err := p.CompleteFunc, p.CompleteResponse, p.CompleteErr
	p.mu.Unlock()

	if fn != nil {
		return fn(req)
	}
	return resp, err
}

// CallCount returns the number of Complete invocations.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.CompleteCalls)
}

// LastRequest returns the most recent request, or the zero value.
func (p *Provider) LastRequest() llm.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.CompleteCalls) == 0 {
		return llm.CompletionRequest{}
	}
	return p.CompleteCalls[len(p.CompleteCalls)-1].Req
}
