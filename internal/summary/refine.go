package summary

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/MrWong99/callscribe/internal/observe"
	"github.com/MrWong99/callscribe/pkg/provider/llm"
)

// DefaultMinRetention is the share of original words a refined transcript
// must keep to be accepted.
const DefaultMinRetention = 0.8

// Refine asks the refine model to tidy up a raw transcript: collapse
// recognizer stutter, add punctuation and line breaks, and fix known
// property names.
//
// The model is told to keep the text, but models summarise anyway. The reply
// is therefore accepted only if it retains at least the configured share of
// the original words in order; otherwise text is returned unchanged. An
// empty or unusable reply also yields text unchanged. Only transport errors
// and cancellation are returned.
func (s *Summarizer) Refine(ctx context.Context, text string) (string, error) {
	if s.refiner == nil || strings.TrimSpace(text) == "" {
		return text, nil
	}

	resp, err := s.complete(ctx, s.refiner, "refine", llm.CompletionRequest{
		SystemPrompt: buildRefinePrompt(s.known),
		Temperature:  s.temperature,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: text},
		},
	})
	if err != nil {
		return text, fmt.Errorf("summary: refine: %w", err)
	}

	refined := strings.TrimSpace(stripFence(resp.Content))
	if refined == "" {
		return text, nil
	}
	if r := retention(text, refined); r < s.minRetention {
		observe.Logger(ctx).Warn("refined transcript dropped too much, keeping original",
			slog.Float64("retention", r),
			slog.Float64("min_retention", s.minRetention),
		)
		return text, nil
	}
	return refined, nil
}

// retention returns the fraction of words of original that appear, in order,
// in refined. Punctuation and case are ignored.
func retention(original, refined string) float64 {
	a := words(original)
	if len(a) == 0 {
		return 1
	}
	return float64(lcsLen(a, words(refined))) / float64(len(a))
}

// words splits s into lowercase tokens of letters and digits only.
func words(s string) []string {
	fields := strings.Fields(s)
	out := fields[:0]
	for _, f := range fields {
		w := strings.Map(func(r rune) rune {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				return unicode.ToLower(r)
			}
			return -1
		}, f)
		if w != "" {
			out = append(out, w)
		}
	}
	return out
}

// lcsLen is the length of the longest common subsequence of a and b. It keeps
// two DP rows, so memory stays linear for hour-long transcripts.
func lcsLen(a, b []string) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			switch {
			case a[i-1] == b[j-1]:
				cur[j] = prev[j-1] + 1
			case prev[j] >= cur[j-1]:
				cur[j] = prev[j]
			default:
				cur[j] = cur[j-1]
			}
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}
