// Package whisper provides a transcription provider backed by a whisper.cpp
// HTTP server.
//
// It talks to a running whisper-server binary, which exposes a REST API at
// POST /inference. Each clip is wrapped in a WAV container and uploaded as
// multipart/form-data; the server answers with {"text": "..."}.
//
// Usage:
//
//	p, err := whisper.New("http://localhost:8080", whisper.WithLanguage("ko"))
//	text, err := p.Transcribe(ctx, clip, transcribe.Options{})
package whisper

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/callscribe/pkg/audio"
	"github.com/MrWong99/callscribe/pkg/provider/transcribe"
)

var _ transcribe.Provider = (*Provider)(nil)

// maxErrorBody bounds how much of an error response is quoted in errors.
const maxErrorBody = 512

// Option configures a [Provider].
type Option func(*Provider)

// WithModel names the model the server should use ("base", "large-v3").
// Unset, the server keeps the model it was started with.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the fallback language code. [transcribe.Options.Language]
// wins when set.
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithTemperature sets the decoding temperature. Zero keeps the server
// default.
func WithTemperature(t float64) Option {
	return func(p *Provider) { p.temperature = t }
}

// WithHTTPClient replaces the HTTP client. The default times out after two
// minutes, which covers one full-length clip on CPU.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// Provider posts clips to a whisper.cpp server.
type Provider struct {
	endpoint    string
	model       string
	language    string
	temperature float64
	httpClient  *http.Client
}

// New returns a Provider for the server at serverURL, e.g.
// "http://localhost:8080".
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		endpoint:   strings.TrimRight(serverURL, "/") + "/inference",
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Transcribe implements transcribe.Provider.
func (p *Provider) Transcribe(ctx context.Context, clip audio.PCM, opts transcribe.Options) (string, error) {
	if len(clip.Data) == 0 {
		return "", nil
	}

	body, contentType, err := p.form(clip, opts)
	if err != nil {
		return "", fmt.Errorf("whisper: build form: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, body)
	if err != nil {
		return "", fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", fmt.Errorf("whisper: server returned HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	// whisper-server reports decoding failures as 200 with an error field.
	var out struct {
		Text  string `json:"text"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("whisper: decode response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("whisper: server error: %s", out.Error)
	}
	return strings.TrimSpace(out.Text), nil
}

// form encodes clip as a WAV upload plus the non-empty hint fields.
func (p *Provider) form(clip audio.PCM, opts transcribe.Options) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fw, err := mw.CreateFormFile("file", "clip.wav")
	if err != nil {
		return nil, "", err
	}
	if _, err := fw.Write(audio.EncodeWAV(clip)); err != nil {
		return nil, "", err
	}

	lang := cmp.Or(opts.Language, p.language)
	var temp string
	if p.temperature != 0 {
		temp = strconv.FormatFloat(p.temperature, 'f', -1, 64)
	}
	for _, f := range [][2]string{
		{"response_format", "json"},
		{"language", lang},
		{"model", p.model},
		{"prompt", opts.Prompt},
		{"temperature", temp},
	} {
		if f[1] == "" {
			continue
		}
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}
