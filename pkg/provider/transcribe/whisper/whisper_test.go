package whisper_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/callscribe/pkg/audio"
	"github.com/MrWong99/callscribe/pkg/provider/transcribe"
	"github.com/MrWong99/callscribe/pkg/provider/transcribe/whisper"
)

// received captures what the fake server saw.
type received struct {
	fields map[string]string
	wav    []byte
}

// newMockServer creates a test server that answers POST /inference with
// status and body, recording the multipart form into got.
func newMockServer(t *testing.T, status int, body string, got *received) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/inference" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if got != nil {
			got.fields = map[string]string{}
			for k, v := range r.MultipartForm.Value {
				got.fields[k] = v[0]
			}
			if f, _, err := r.FormFile("file"); err == nil {
				got.wav, _ = io.ReadAll(f)
				f.Close()
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func clip(ms int) audio.PCM {
	return audio.PCM{Data: make([]byte, 32*ms), Format: audio.SpeechFormat}
}

func TestNew_EmptyServerURL_ReturnsError(t *testing.T) {
	t.Parallel()
	if _, err := whisper.New(""); err == nil {
		t.Fatal("expected error for empty serverURL, got nil")
	}
}

func TestTranscribe_SendsWAVAndHints(t *testing.T) {
	t.Parallel()
	var got received
	body, _ := json.Marshal(map[string]string{"text": "  안녕하세요  "})
	srv := newMockServer(t, http.StatusOK, string(body), &got)

	p, err := whisper.New(srv.URL+"/", whisper.WithLanguage("en"), whisper.WithModel("large-v3"), whisper.WithTemperature(0.2))
	if err != nil {
		t.Fatal(err)
	}
	text, err := p.Transcribe(context.Background(), clip(100), transcribe.Options{Language: "ko", Prompt: "부동산"})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "안녕하세요" {
		t.Errorf("text = %q", text)
	}

	want := map[string]string{"language": "ko", "model": "large-v3", "prompt": "부동산", "response_format": "json", "temperature": "0.2"}
	for k, v := range want {
		if got.fields[k] != v {
			t.Errorf("field %s = %q, want %q", k, got.fields[k], v)
		}
	}
	pcm, err := audio.DecodeWAV(got.wav)
	if err != nil {
		t.Fatalf("uploaded file is not WAV: %v", err)
	}
	if pcm.Format != audio.SpeechFormat || len(pcm.Data) != 3200 {
		t.Errorf("uploaded %s with %d bytes", pcm.Format, len(pcm.Data))
	}
}

func TestTranscribe_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"http error", http.StatusServiceUnavailable, "model loading", "HTTP 503: model loading"},
		{"bad json", http.StatusOK, "{", "parse JSON"},
		{"server error field", http.StatusOK, `{"error":"failed to read WAV"}`, "failed to read WAV"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := newMockServer(t, tt.status, tt.body, nil)
			p, _ := whisper.New(srv.URL)
			_, err := p.Transcribe(context.Background(), clip(10), transcribe.Options{})
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestTranscribe_EmptyClipSkipsRequest(t *testing.T) {
	t.Parallel()
	p, _ := whisper.New("http://127.0.0.1:1")
	text, err := p.Transcribe(context.Background(), audio.PCM{Format: audio.SpeechFormat}, transcribe.Options{})
	if err != nil || text != "" {
		t.Errorf("Transcribe(empty) = %q, %v", text, err)
	}
}

func TestTranscribe_OmitsUnsetHints(t *testing.T) {
	t.Parallel()
	var got received
	srv := newMockServer(t, http.StatusOK, `{"text":"네"}`, &got)

	p, err := whisper.New(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Transcribe(context.Background(), clip(10), transcribe.Options{}); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	for _, k := range []string{"language", "model", "prompt", "temperature"} {
		if v, ok := got.fields[k]; ok {
			t.Errorf("field %s sent as %q, want it omitted", k, v)
		}
	}
}
