package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/MrWong99/callscribe/pkg/provider/llm"
)

func TestBuildParams_Roles(t *testing.T) {
	t.Parallel()
	tests := []struct {
		role    string
		wantErr bool
	}{
		{llm.RoleSystem, false},
		{llm.RoleUser, false},
		{llm.RoleAssistant, false},
		{"tool", true},
	}
	p := &Provider{model: "gpt-4o-mini"}
	for _, tt := range tests {
		t.Run(tt.role, func(t *testing.T) {
			t.Parallel()
			params, err := p.buildParams(llm.CompletionRequest{Messages: []llm.Message{{Role: tt.role, Content: "x"}}})
			if (err != nil) != tt.wantErr {
				t.Fatalf("buildParams(%q) error = %v, wantErr %v", tt.role, err, tt.wantErr)
			}
			if !tt.wantErr && len(params.Messages) != 1 {
				t.Errorf("messages = %d, want 1", len(params.Messages))
			}
		})
	}
}

func TestNew_MissingAPIKey(t *testing.T) {
	t.Parallel()
	if _, err := New("", "gpt-4o-mini"); err == nil {
		t.Fatal("expected error for empty API key")
	}
}

func TestNew_MissingModel(t *testing.T) {
	t.Parallel()
	if _, err := New("sk-test", ""); err == nil {
		t.Fatal("expected error for empty model")
	}
}

func TestComplete_SendsJSONMode(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		body map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1700000000,
			"model": "gpt-4o-mini",
			"choices": [{"index": 0, "finish_reason": "stop",
				"message": {"role": "assistant", "content": "{\"summary_title\":\"문의\"}"}}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
		}`)
	}))
	t.Cleanup(srv.Close)

	p, err := New("sk-test", "gpt-4o-mini", WithBaseURL(srv.URL+"/v1/"))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := p.Complete(context.Background(), llm.CompletionRequest{
		SystemPrompt: "summarize",
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "통화 내용"}},
		Temperature:  0.2,
		JSON:         true,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != `{"summary_title":"문의"}` {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("total tokens = %d, want 15", resp.Usage.TotalTokens)
	}

	mu.Lock()
	defer mu.Unlock()
	rf, _ := body["response_format"].(map[string]any)
	if rf["type"] != "json_object" {
		t.Errorf("response_format = %v, want json_object", body["response_format"])
	}
	msgs, _ := body["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("sent %d messages, want system + user", len(msgs))
	}
	if first, _ := msgs[0].(map[string]any); first["role"] != "system" {
		t.Errorf("first message role = %v", first["role"])
	}
}

func TestComplete_ContentFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		choice  string
		wantErr error
	}{
		{"truncated", `{"index": 0, "finish_reason": "length", "message": {"role": "assistant", "content": "{\"summary_ti"}}`, llm.ErrTruncated},
		{"refused", `{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": "", "refusal": "I can't help with that."}}`, llm.ErrRefused},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = io.WriteString(w, `{"id": "chatcmpl-2", "object": "chat.completion", "created": 1700000000,
					"model": "gpt-4o-mini", "choices": [`+tt.choice+`],
					"usage": {"prompt_tokens": 10, "completion_tokens": 4096, "total_tokens": 4106}}`)
			}))
			t.Cleanup(srv.Close)

			p, err := New("sk-test", "gpt-4o-mini", WithBaseURL(srv.URL+"/v1/"), WithMaxRetries(0))
			if err != nil {
				t.Fatal(err)
			}
			_, err = p.Complete(context.Background(), llm.CompletionRequest{
				Messages: []llm.Message{{Role: llm.RoleUser, Content: "통화 내용"}},
			})
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Complete error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
