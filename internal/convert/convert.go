// Package convert normalizes uploaded recordings to the format the
// transcription stage expects: 16 kHz mono PCM16 in a WAV container.
//
// RIFF/WAVE uploads holding integer PCM are decoded, down-mixed and
// resampled in-process. Everything else (MP3, M4A, AMR, OGG …) is handed to
// ffmpeg through a temporary directory, since containers such as MP4 cannot
// be demuxed from a pipe.
package convert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/MrWong99/callscribe/pkg/audio"
)

// DefaultTimeout bounds one ffmpeg invocation.
const DefaultTimeout = 10 * time.Minute

// maxStderr bounds how much ffmpeg output is quoted in errors.
const maxStderr = 1024

// CommandResult is what a [Runner] reports for one process.
type CommandResult struct {
	Stderr   string
	ExitCode int
}

// Runner executes an external command.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (CommandResult, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run implements [Runner].
func (ExecRunner) Run(ctx context.Context, name string, args ...string) (CommandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := CommandResult{Stderr: stderr.String()}
	if err != nil {
		res.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		}
		return res, err
	}
	return res, nil
}

// Option configures a [Converter].
type Option func(*Converter)

// WithFFmpegPath sets the ffmpeg binary. Default: "ffmpeg" from PATH.
func WithFFmpegPath(path string) Option {
	return func(c *Converter) {
		if path != "" {
			c.ffmpegPath = path
		}
	}
}

// WithRunner replaces the process runner.
func WithRunner(r Runner) Option {
	return func(c *Converter) { c.runner = r }
}

// WithTimeout bounds each ffmpeg invocation.
func WithTimeout(d time.Duration) Option {
	return func(c *Converter) { c.timeout = d }
}

// WithTempDir sets the parent directory for ffmpeg scratch files. Default:
// the OS temp dir.
func WithTempDir(dir string) Option {
	return func(c *Converter) { c.tempDir = dir }
}

// Converter is safe for concurrent use.
type Converter struct {
	ffmpegPath string
	runner     Runner
	timeout    time.Duration
	tempDir    string
}

// New returns a Converter.
func New(opts ...Option) *Converter {
	c := &Converter{
		ffmpegPath: "ffmpeg",
		runner:     ExecRunner{},
		timeout:    DefaultTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Convert returns in as a 16 kHz mono PCM16 WAV file. name is the original
// filename and only serves as a format hint for ffmpeg.
func (c *Converter) Convert(ctx context.Context, in []byte, name string) ([]byte, error) {
	if len(in) == 0 {
		return nil, errors.New("convert: empty input")
	}
	if audio.IsWAV(in) {
		pcm, err := audio.DecodeWAV(in)
		if err == nil {
			return normalizeWAV(pcm)
		}
		// Float or compressed WAV payloads fall through to ffmpeg.
	}
	return c.ffmpeg(ctx, in, name)
}

func normalizeWAV(pcm audio.PCM) ([]byte, error) {
	if pcm.Format == audio.SpeechFormat {
		return audio.EncodeWAV(pcm), nil
	}
	out, err := audio.Normalize(pcm, audio.SpeechFormat)
	if err != nil {
		return nil, fmt.Errorf("convert: %w", err)
	}
	return audio.EncodeWAV(out), nil
}

func (c *Converter) ffmpeg(ctx context.Context, in []byte, name string) ([]byte, error) {
	dir, err := os.MkdirTemp(c.tempDir, "callscribe-convert-*")
	if err != nil {
		return nil, fmt.Errorf("convert: create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	src := filepath.Join(dir, "input"+inputExt(name))
	dst := filepath.Join(dir, "output.wav")
	if err := os.WriteFile(src, in, 0o600); err != nil {
		return nil, fmt.Errorf("convert: write input: %w", err)
	}

	runCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	args := []string{
		"-hide_banner", "-nostdin", "-y",
		"-i", src,
		"-vn",
		"-ac", "1",
		"-ar", "16000",
		"-c:a", "pcm_s16le",
		dst,
	}
	res, err := c.runner.Run(runCtx, c.ffmpegPath, args...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("convert: ffmpeg exited with %d: %s: %w", res.ExitCode, tail(res.Stderr, maxStderr), err)
	}

	out, err := os.ReadFile(dst)
	if err != nil {
		return nil, fmt.Errorf("convert: read ffmpeg output: %w", err)
	}
	if !audio.IsWAV(out) {
		return nil, errors.New("convert: ffmpeg produced no WAV output")
	}
	return out, nil
}

// inputExt keeps a short, safe extension from name so ffmpeg can use it as a
// demuxer hint.
func inputExt(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if len(ext) < 2 || len(ext) > 6 {
		return ""
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}

// tail returns the last n bytes of s, trimmed.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		s = s[len(s)-n:]
	}
	return s
}
