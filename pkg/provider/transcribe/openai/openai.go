// Package openai provides a transcription provider backed by the OpenAI
// Audio API (whisper-1, gpt-4o-transcribe and compatible servers).
package openai

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/callscribe/pkg/audio"
	"github.com/MrWong99/callscribe/pkg/provider/transcribe"
)

var _ transcribe.Provider = (*Provider)(nil)

// DefaultModel is used when New is given an empty model.
const DefaultModel = "whisper-1"

// Provider sends clips to the audio transcriptions endpoint.
type Provider struct {
	client      oai.Client
	model       string
	language    string
	temperature float64
}

type settings struct {
	req         []option.RequestOption
	language    string
	temperature float64
}

// Option configures a [Provider].
type Option func(*settings)

// WithBaseURL points the client at a compatible server such as a
// faster-whisper or LocalAI deployment.
func WithBaseURL(url string) Option {
	return func(s *settings) { s.req = append(s.req, option.WithBaseURL(url)) }
}

// WithLanguage sets the fallback language hint.
func WithLanguage(lang string) Option {
	return func(s *settings) { s.language = lang }
}

// WithTemperature sets the sampling temperature. Zero keeps the API default.
func WithTemperature(t float64) Option {
	return func(s *settings) { s.temperature = t }
}

// WithTimeout bounds each HTTP request.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) {
		s.req = append(s.req, option.WithHTTPClient(&http.Client{Timeout: d}))
	}
}

// New returns a Provider for model, or [DefaultModel] when model is empty.
// The SDK's own retries are disabled; the segmentation engine retries chunks.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}
	s := settings{req: []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}}
	for _, o := range opts {
		o(&s)
	}
	return &Provider{
		client:      oai.NewClient(s.req...),
		model:       cmp.Or(model, DefaultModel),
		language:    s.language,
		temperature: s.temperature,
	}, nil
}

// Transcribe implements transcribe.Provider.
func (p *Provider) Transcribe(ctx context.Context, clip audio.PCM, opts transcribe.Options) (string, error) {
	if len(clip.Data) == 0 {
		return "", nil
	}
	resp, err := p.client.Audio.Transcriptions.New(ctx, p.params(clip, opts))
	if err != nil {
		return "", fmt.Errorf("openai: transcription: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

func (p *Provider) params(clip audio.PCM, opts transcribe.Options) oai.AudioTranscriptionNewParams {
	params := oai.AudioTranscriptionNewParams{
		Model:          oai.AudioModel(p.model),
		File:           oai.File(bytes.NewReader(audio.EncodeWAV(clip)), "clip.wav", "audio/wav"),
		ResponseFormat: oai.AudioResponseFormatJSON,
	}
	if lang := cmp.Or(opts.Language, p.language); lang != "" {
		params.Language = oai.String(lang)
	}
	if opts.Prompt != "" {
		params.Prompt = oai.String(opts.Prompt)
	}
	if p.temperature != 0 {
		params.Temperature = oai.Float(p.temperature)
	}
	return params
}
