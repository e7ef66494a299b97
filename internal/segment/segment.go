// Package segment splits long recordings into bounded, ordered chunks and
// reassembles their transcripts.
//
// [Split] is pure: it detects silence on 10 ms analysis frames, tiles the
// recording into natural segments cut at the middle of each silent gap,
// greedily merges neighbours up to the duration limit and hard-splits any
// segment that is longer on its own. Every sample of the input lands in
// exactly one chunk unless the whole recording is silent, and chunk order is
// input order.
//
// [Engine] drives a [transcribe.Provider] over those chunks one at a time and
// joins the results.
package segment

import (
	"github.com/MrWong99/callscribe/pkg/audio"
)

// Defaults for [Params].
const (
	DefaultMaxChunkMs        = 59999
	DefaultMinSilenceMs      = 1000
	DefaultSilenceThreshDBFS = -40.0
)

// analysisMs is the length of one silence detection frame.
const analysisMs = 10

// Params controls segmentation.
type Params struct {
	// MaxChunkMs is the inclusive upper bound on a chunk's duration.
	MaxChunkMs int

	// MinSilenceMs is the shortest silent run that counts as a gap.
	MinSilenceMs int

	// SilenceThreshDBFS is the level below which an analysis frame is silent.
	SilenceThreshDBFS float64
}

// DefaultParams returns the production segmentation settings.
func DefaultParams() Params {
	return Params{
		MaxChunkMs:        DefaultMaxChunkMs,
		MinSilenceMs:      DefaultMinSilenceMs,
		SilenceThreshDBFS: DefaultSilenceThreshDBFS,
	}
}

// withDefaults fills zero fields.
func (p Params) withDefaults() Params {
	if p.MaxChunkMs <= 0 {
		p.MaxChunkMs = DefaultMaxChunkMs
	}
	if p.MinSilenceMs <= 0 {
		p.MinSilenceMs = DefaultMinSilenceMs
	}
	if p.SilenceThreshDBFS == 0 {
		p.SilenceThreshDBFS = DefaultSilenceThreshDBFS
	}
	return p
}

// Chunk is one bounded slice of the recording.
type Chunk struct {
	// Index is the 0-based position in the recording.
	Index int

	StartMs    int
	DurationMs int

	// Audio shares memory with the input buffer.
	Audio audio.PCM
}

// span is a half-open range of sample frames.
type span struct{ lo, hi int }

func (s span) len() int { return s.hi - s.lo }

// Split cuts pcm into chunks no longer than p.MaxChunkMs. A recording with no
// non-silent audio at all yields no chunks.
func Split(pcm audio.PCM, p Params) []Chunk {
	p = p.withDefaults()
	if pcm.SampleRate <= 0 || pcm.Channels <= 0 {
		return nil
	}
	frameBytes := 2 * pcm.Channels
	total := len(pcm.Data) / frameBytes
	if total == 0 {
		return nil
	}

	segments := naturalSegments(pcm, total, p)
	if len(segments) == 0 {
		return nil
	}

	maxFrames := int(int64(p.MaxChunkMs) * int64(pcm.SampleRate) / 1000)
	if maxFrames <= 0 {
		maxFrames = 1
	}

	var chunks []Chunk
	emit := func(s span) {
		if s.len() <= 0 {
			return
		}
		chunks = append(chunks, Chunk{
			Index:      len(chunks),
			StartMs:    int(int64(s.lo) * 1000 / int64(pcm.SampleRate)),
			DurationMs: int(int64(s.len()) * 1000 / int64(pcm.SampleRate)),
			Audio: audio.PCM{
				Data:   pcm.Data[s.lo*frameBytes : s.hi*frameBytes],
				Format: pcm.Format,
			},
		})
	}

	// buf always ends where the next segment begins, so merging is just
	// extending hi.
	buf := span{}
	for _, seg := range segments {
		switch {
		case buf.len()+seg.len() <= maxFrames:
			if buf.len() == 0 {
				buf = seg
			} else {
				buf.hi = seg.hi
			}
		case seg.len() > maxFrames:
			emit(buf)
			lo := seg.lo
			for n := seg.len() / maxFrames; n > 0; n-- {
				emit(span{lo, lo + maxFrames})
				lo += maxFrames
			}
			buf = span{lo, seg.hi}
		default:
			emit(buf)
			buf = seg
		}
	}
	emit(buf)
	return chunks
}

// naturalSegments tiles [0, total) with one segment per non-silent range,
// placing each boundary at the middle of the silent gap between two ranges.
func naturalSegments(pcm audio.PCM, total int, p Params) []span {
	voiced := nonSilent(pcm, total, p)
	if len(voiced) == 0 {
		return nil
	}
	out := make([]span, len(voiced))
	lo := 0
	for i := range voiced {
		hi := total
		if i+1 < len(voiced) {
			hi = voiced[i].hi + (voiced[i+1].lo-voiced[i].hi)/2
		}
		out[i] = span{lo, hi}
		lo = hi
	}
	return out
}

// nonSilent returns the complement of every silent run of at least
// p.MinSilenceMs, in sample frames.
func nonSilent(pcm audio.PCM, total int, p Params) []span {
	window := pcm.SampleRate * analysisMs / 1000
	if window <= 0 {
		window = 1
	}
	minRun := (p.MinSilenceMs + analysisMs - 1) / analysisMs
	frameBytes := 2 * pcm.Channels

	var (
		silent   []span
		runStart = -1
		runLen   int
	)
	closeRun := func(end int) {
		if runStart >= 0 && runLen >= minRun {
			silent = append(silent, span{runStart, end})
		}
		runStart, runLen = -1, 0
	}
	for lo := 0; lo < total; lo += window {
		hi := min(lo+window, total)
		level := audio.DBFS(pcm.Data[lo*frameBytes : hi*frameBytes])
		if level < p.SilenceThreshDBFS {
			if runStart < 0 {
				runStart = lo
			}
			runLen++
			continue
		}
		closeRun(lo)
	}
	closeRun(total)

	var voiced []span
	prev := 0
	for _, s := range silent {
		if s.lo > prev {
			voiced = append(voiced, span{prev, s.lo})
		}
		prev = s.hi
	}
	if prev < total {
		voiced = append(voiced, span{prev, total})
	}
	return voiced
}
