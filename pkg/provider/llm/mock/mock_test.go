package mock_test

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/callscribe/pkg/provider/llm"
	"github.com/MrWong99/callscribe/pkg/provider/llm/mock"
)

func TestProvider_ScriptedSequence(t *testing.T) {
	t.Parallel()

	boom := errors.New("503 from upstream")
	p := &mock.Provider{
		Errs:             []error{boom, nil},
		Replies:          []string{`{"summary_ti`, `{"summary_title":"문의"}`},
		CompleteResponse: &llm.CompletionResponse{Content: "fallback"},
	}

	want := []struct {
		content string
		err     error
	}{
		{"", boom},
		{`{"summary_ti`, nil},
		{`{"summary_title":"문의"}`, nil},
		{"fallback", nil},
	}
	for i, w := range want {
		resp, err := p.Complete(context.Background(), llm.CompletionRequest{MaxTokens: i})
		if !errors.Is(err, w.err) {
			t.Fatalf("call %d: err = %v, want %v", i+1, err, w.err)
		}
		if err == nil && resp.Content != w.content {
			t.Errorf("call %d: content = %q, want %q", i+1, resp.Content, w.content)
		}
	}
	if p.CallCount() != len(want) {
		t.Errorf("CallCount = %d, want %d", p.CallCount(), len(want))
	}
	if p.LastRequest().MaxTokens != len(want)-1 {
		t.Errorf("LastRequest = %+v", p.LastRequest())
	}
}

func TestProvider_CancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := &mock.Provider{}
	if _, err := p.Complete(ctx, llm.CompletionRequest{}); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if p.CallCount() != 0 {
		t.Error("cancelled call was recorded")
	}
	if got := p.LastRequest(); got.MaxTokens != 0 || got.Messages != nil {
		t.Errorf("LastRequest = %+v, want zero", got)
	}
}
