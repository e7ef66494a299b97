// Package phonetic maps free-form property names extracted from a call onto
// a list of known canonical names.
//
// Names reach the summarizer as the LLM heard them in the transcript, so
// "청담르엘", "청담 르엘" and "Cheongdam Le-El" may all refer to the same
// complex. The [Matcher] proceeds in three stages:
//
//  1. Normalized equality: both sides are lowercased and stripped of
//     whitespace and punctuation. An exact hit scores 1.0.
//
//  2. Phonetic candidate filtering: Double Metaphone codes are computed for
//     each Latin token of the input and of each known name. Names sharing a
//     code become phonetic candidates, accepted above the phonetic
//     threshold. Hangul tokens produce no codes and skip this stage.
//
//  3. Jaro-Winkler ranking: without a phonetic candidate, the known name
//     with the highest Jaro-Winkler similarity on the normalized strings is
//     accepted when it clears the higher fuzzy threshold.
//
// Scores always compare whole normalized names. Korean complex names share
// words such as a neighbourhood prefix, so a per-word comparison would rank
// "청담 자이" and "청담 삼익" alike.
package phonetic

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically-matched name to be accepted. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when no
// phonetic match is found. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.fuzzyThreshold = threshold
	}
}

// Matcher is read-only after construction and safe for concurrent use.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a [Matcher] configured with the supplied options.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Match finds the entry of known that best matches name.
//
// When matched is false, canonical equals name unchanged and confidence is 0.
func (m *Matcher) Match(name string, known []string) (canonical string, confidence float64, matched bool) {
	input := normalize(name)
	if len(known) == 0 || input == "" {
		return name, 0, false
	}

	inputTokens := strings.Fields(strings.ToLower(name))
	inputCodes := codesForTokens(inputTokens)

	type candidate struct {
		name     string
		score    float64
		phonetic bool
	}
	var best candidate

	for _, k := range known {
		norm := normalize(k)
		if norm == "" {
			continue
		}
		if norm == input {
			return k, 1, true
		}

		knownTokens := strings.Fields(strings.ToLower(k))
		phoneticMatch := codesOverlap(inputCodes, codesForTokens(knownTokens))
		score := matchr.JaroWinkler(input, norm, false)

		if phoneticMatch {
			if score >= m.phoneticThreshold && (!best.phonetic || score > best.score) {
				best = candidate{name: k, score: score, phonetic: true}
			}
		} else if !best.phonetic && score >= m.fuzzyThreshold && score > best.score {
			best = candidate{name: k, score: score}
		}
	}

	if best.name != "" {
		return best.name, best.score, true
	}
	return name, 0, false
}

// normalize lowercases s and drops everything but letters and digits.
func normalize(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// isLatin reports whether every letter of s is ASCII.
func isLatin(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII {
			return false
		}
	}
	return true
}

// codesForTokens returns the union of Double Metaphone codes for the Latin
// tokens. Empty codes are excluded.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		t = normalize(t)
		if t == "" || !isLatin(t) {
			continue
		}
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}
