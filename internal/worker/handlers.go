package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/MrWong99/callscribe/internal/segment"
	"github.com/MrWong99/callscribe/internal/summary"
	"github.com/MrWong99/callscribe/pkg/audio"
	"github.com/MrWong99/callscribe/pkg/blob"
	"github.com/MrWong99/callscribe/pkg/job"
	"github.com/MrWong99/callscribe/pkg/provider/transcribe"
)

// Payload parameters understood by the transcription handler.
const (
	ParamLanguage = "language"
	ParamPrompt   = "prompt"
)

// Converter turns an uploaded recording into 16 kHz mono WAV.
type Converter interface {
	Convert(ctx context.Context, in []byte, name string) ([]byte, error)
}

// Compile-time interface checks.
var (
	_ Handler = (*ConversionHandler)(nil)
	_ Handler = (*TranscriptionHandler)(nil)
	_ Handler = (*SummarizationHandler)(nil)
)

// ConversionHandler runs the conversion stage.
type ConversionHandler struct {
	conv Converter
}

// NewConversionHandler returns a conversion stage handler.
func NewConversionHandler(c Converter) *ConversionHandler {
	return &ConversionHandler{conv: c}
}

func (h *ConversionHandler) Stage() job.Stage { return job.StageConversion }

func (h *ConversionHandler) OutputKey(jobID string) string { return blob.ConvertedKey(jobID) }

func (h *ConversionHandler) Process(ctx context.Context, t Task) ([]byte, error) {
	name := t.Job.SourceName
	if name == "" {
		name = t.Payload.InputKey
	}
	out, err := h.conv.Convert(ctx, t.Input, name)
	if err != nil {
		return nil, &job.TransformError{Stage: job.StageConversion, Err: err}
	}
	return out, nil
}

// TranscriptionHandler runs the transcription stage through a segmentation
// engine.
type TranscriptionHandler struct {
	engine *segment.Engine
	opts   transcribe.Options
}

// NewTranscriptionHandler returns a transcription stage handler. opts are
// the defaults; task parameters override them.
func NewTranscriptionHandler(e *segment.Engine, opts transcribe.Options) *TranscriptionHandler {
	return &TranscriptionHandler{engine: e, opts: opts}
}

func (h *TranscriptionHandler) Stage() job.Stage { return job.StageTranscription }

func (h *TranscriptionHandler) OutputKey(jobID string) string { return blob.TranscriptKey(jobID) }

func (h *TranscriptionHandler) Process(ctx context.Context, t Task) ([]byte, error) {
	pcm, err := audio.DecodeWAV(t.Input)
	if err != nil {
		return nil, &job.TransformError{Stage: job.StageTranscription, Err: fmt.Errorf("decode converted audio: %w", err)}
	}

	opts := h.opts
	if v := t.Payload.Params[ParamLanguage]; v != "" {
		opts.Language = v
	}
	if v := t.Payload.Params[ParamPrompt]; v != "" {
		opts.Prompt = v
	}

	res, err := h.engine.Transcribe(ctx, pcm, opts)
	if err != nil {
		return nil, err
	}
	slog.Debug("transcribed recording",
		slog.String("job_id", t.Job.ID),
		slog.Int("chunks", res.Chunks),
		slog.Int("duration_ms", res.DurationMs),
	)
	return []byte(res.Text), nil
}

// SummaryDocument is the JSON object stored as the summarization output.
type SummaryDocument struct {
	summary.Extraction

	// RefinedTranscript is the cleaned transcript the extraction was made
	// from, present only when the refine pass changed it.
	RefinedTranscript string `json:"refined_transcript,omitempty"`
}

// SummarizationHandler runs the summarization stage.
type SummarizationHandler struct {
	summarizer *summary.Summarizer
}

// NewSummarizationHandler returns a summarization stage handler.
func NewSummarizationHandler(s *summary.Summarizer) *SummarizationHandler {
	return &SummarizationHandler{summarizer: s}
}

func (h *SummarizationHandler) Stage() job.Stage { return job.StageSummarization }

func (h *SummarizationHandler) OutputKey(jobID string) string { return blob.SummaryKey(jobID) }

func (h *SummarizationHandler) Process(ctx context.Context, t Task) ([]byte, error) {
	res, err := h.summarizer.Summarize(ctx, string(t.Input))
	if err != nil {
		return nil, err
	}
	doc := SummaryDocument{Extraction: res.Extraction}
	if res.Refined {
		doc.RefinedTranscript = res.Transcript
	}
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, &job.TransformError{Stage: job.StageSummarization, Err: err}
	}
	return out, nil
}
