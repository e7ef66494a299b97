package openai

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/MrWong99/callscribe/pkg/audio"
	"github.com/MrWong99/callscribe/pkg/provider/transcribe"
)

func TestNew_EmptyAPIKey(t *testing.T) {
	t.Parallel()
	if _, err := New("", "whisper-1"); err == nil {
		t.Fatal("expected error for empty API key")
	}
}

func TestNew_DefaultModel(t *testing.T) {
	t.Parallel()
	p, err := New("sk-test", "")
	if err != nil {
		t.Fatal(err)
	}
	if p.model != DefaultModel {
		t.Errorf("model = %q, want %q", p.model, DefaultModel)
	}
}

func TestTranscribe_PostsMultipart(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		fields = map[string]string{}
		file   []byte
		path   string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		path = r.URL.Path
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		for k, v := range r.MultipartForm.Value {
			fields[k] = v[0]
		}
		if f, _, err := r.FormFile("file"); err == nil {
			file, _ = io.ReadAll(f)
			f.Close()
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"text":" 매물 문의 드립니다 "}`)
	}))
	t.Cleanup(srv.Close)

	p, err := New("sk-test", "gpt-4o-transcribe", WithBaseURL(srv.URL+"/v1/"), WithLanguage("ko"))
	if err != nil {
		t.Fatal(err)
	}
	clip := audio.PCM{Data: make([]byte, 3200), Format: audio.SpeechFormat}
	text, err := p.Transcribe(context.Background(), clip, transcribe.Options{Prompt: "역삼동"})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "매물 문의 드립니다" {
		t.Errorf("text = %q", text)
	}

	mu.Lock()
	defer mu.Unlock()
	if path != "/v1/audio/transcriptions" {
		t.Errorf("path = %q", path)
	}
	for k, want := range map[string]string{"model": "gpt-4o-transcribe", "language": "ko", "prompt": "역삼동"} {
		if fields[k] != want {
			t.Errorf("field %s = %q, want %q", k, fields[k], want)
		}
	}
	if !audio.IsWAV(file) {
		t.Error("uploaded file is not a WAV")
	}
}

func TestTranscribe_APIError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"message":"rate limited","type":"rate_limit"}}`)
	}))
	t.Cleanup(srv.Close)

	p, _ := New("sk-test", "", WithBaseURL(srv.URL+"/v1/"))
	clip := audio.PCM{Data: make([]byte, 320), Format: audio.SpeechFormat}
	_, err := p.Transcribe(context.Background(), clip, transcribe.Options{})
	if err == nil || !strings.Contains(err.Error(), "openai: transcription") {
		t.Errorf("error = %v", err)
	}
}

func TestParams_Hints(t *testing.T) {
	t.Parallel()

	clip := audio.PCM{Data: make([]byte, 320), Format: audio.SpeechFormat}
	tests := []struct {
		name     string
		opts     []Option
		req      transcribe.Options
		wantLang string
		wantTemp float64
	}{
		{"none", nil, transcribe.Options{}, "", 0},
		{"provider default", []Option{WithLanguage("ko")}, transcribe.Options{}, "ko", 0},
		{"request wins", []Option{WithLanguage("ko")}, transcribe.Options{Language: "en"}, "en", 0},
		{"temperature", []Option{WithTemperature(0.3)}, transcribe.Options{}, "", 0.3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, err := New("sk-test", "", tt.opts...)
			if err != nil {
				t.Fatal(err)
			}
			params := p.params(clip, tt.req)
			if got := params.Language.Value; got != tt.wantLang {
				t.Errorf("language = %q, want %q", got, tt.wantLang)
			}
			if got := params.Temperature.Value; got != tt.wantTemp {
				t.Errorf("temperature = %v, want %v", got, tt.wantTemp)
			}
			if string(params.Model) != DefaultModel {
				t.Errorf("model = %q", params.Model)
			}
		})
	}
}
