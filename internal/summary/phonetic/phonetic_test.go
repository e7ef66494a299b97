package phonetic_test

import (
	"testing"

	"github.com/MrWong99/callscribe/internal/summary/phonetic"
)

var known = []string{
	"아크로 삼성",
	"청담 르엘",
	"청담 삼익",
	"엘프론트 청담",
	"삼성 아이파크",
	"청담 자이",
	"래미안 로이뷰",
	"Acro Samsung",
}

func TestMatcher_NormalizedEquality(t *testing.T) {
	t.Parallel()

	m := phonetic.New()
	tests := []string{"청담르엘", "청담 르엘", "청담-르엘", " 래미안로이뷰 ", "ACRO-SAMSUNG"}
	want := []string{"청담 르엘", "청담 르엘", "청담 르엘", "래미안 로이뷰", "Acro Samsung"}
	for i, in := range tests {
		got, conf, ok := m.Match(in, known)
		if !ok || got != want[i] {
			t.Errorf("Match(%q) = %q, %v, want %q", in, got, ok, want[i])
		}
		if conf != 1 {
			t.Errorf("Match(%q) confidence = %f, want 1", in, conf)
		}
	}
}

func TestMatcher_FuzzyHangul(t *testing.T) {
	t.Parallel()

	m := phonetic.New()
	got, conf, ok := m.Match("청담자이아파트", known)
	if !ok {
		t.Fatal("Match: matched=false, want true")
	}
	if got != "청담 자이" {
		t.Errorf("Match = %q, want %q", got, "청담 자이")
	}
	if conf < 0.85 || conf >= 1 {
		t.Errorf("confidence = %f, want in [0.85, 1)", conf)
	}
}

func TestMatcher_PhoneticLatin(t *testing.T) {
	t.Parallel()

	m := phonetic.New()
	got, _, ok := m.Match("Akro Samsung", known)
	if !ok || got != "Acro Samsung" {
		t.Errorf("Match = %q, %v, want Acro Samsung", got, ok)
	}
}

func TestMatcher_NoMatch(t *testing.T) {
	t.Parallel()

	m := phonetic.New()
	tests := []struct {
		name  string
		input string
		known []string
	}{
		{"unrelated", "한남 더힐", known},
		{"empty input", "  ", known},
		{"punctuation only", "--", known},
		{"empty list", "청담 자이", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, conf, ok := m.Match(tt.input, tt.known)
			if ok {
				t.Fatalf("Match(%q) matched %q", tt.input, got)
			}
			if got != tt.input || conf != 0 {
				t.Errorf("Match(%q) = %q, %f, want input unchanged and 0", tt.input, got, conf)
			}
		})
	}
}

func TestMatcher_ThresholdOption(t *testing.T) {
	t.Parallel()

	strict := phonetic.New(phonetic.WithFuzzyThreshold(0.99))
	if got, _, ok := strict.Match("청담자이아파트", known); ok {
		t.Errorf("strict matcher matched %q", got)
	}
}
