package summary

import (
	"slices"
	"strings"
	"unicode"
)

// MaxTitleRunes bounds [Extraction.SummaryTitle].
const MaxTitleRunes = 20

// FormatContact reduces a phone number to its digits and hyphenates it the
// way Korean numbers are written:
//
//	010 mobile, 11 digits     010-1234-5678
//	02 Seoul, 9 or 10 digits  02-123-4567, 02-1234-5678
//	other, 10 or 11 digits    031-123-4567, 031-1234-5678
//
// Anything else yields "".
func FormatContact(raw string) string {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, raw)

	n := len(digits)
	switch {
	case strings.HasPrefix(digits, "010") && n == 11:
		return digits[:3] + "-" + digits[3:7] + "-" + digits[7:]
	case strings.HasPrefix(digits, "02") && (n == 9 || n == 10):
		return "02-" + digits[2:n-4] + "-" + digits[n-4:]
	case n == 10 || n == 11:
		return digits[:3] + "-" + digits[3:n-4] + "-" + digits[n-4:]
	default:
		return ""
	}
}

// FullAddress joins the non-empty address parts with single spaces.
func FullAddress(p Property) string {
	parts := make([]string, 0, 4)
	for _, s := range []Text{p.City, p.District, p.LegalDong, p.DetailAddress} {
		if v := strings.TrimSpace(string(s)); v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, " ")
}

// truncateRunes cuts s to at most n characters.
func truncateRunes(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return strings.TrimRightFunc(string(r[:n]), unicode.IsSpace)
}

// enumOrOther returns v when it is one of allowed, "" when v is empty and
// the trailing "other" member of allowed otherwise.
func enumOrOther(v Text, allowed []string) Text {
	s := strings.TrimSpace(string(v))
	if s == "" {
		return ""
	}
	if slices.Contains(allowed, s) {
		return Text(s)
	}
	return Text(allowed[len(allowed)-1])
}
