// Package redact holds the sanitization primitives spec.md §4.9 and §7
// require for any user-visible string derived from a job record: base64
// blob stripping, mention masking, and control-character removal. Both
// the approval subsystem's notification builder and the DLQ alert
// composer call into this package so the two redaction policies cannot
// drift apart, per SPEC_FULL.md §4.11.
package redact

import (
	"regexp"
	"strings"
)

var (
	// base64BlobRe matches long runs of base64 alphabet characters (>=40)
	// and data URIs, per spec.md §9: "Base64 blobs (sized >=40 chars on
	// the allowed alphabet and any data:...;base64, URI)".
	base64BlobRe = regexp.MustCompile(`data:[a-zA-Z0-9.+-]+/[a-zA-Z0-9.+-]+;base64,[A-Za-z0-9+/=]+|[A-Za-z0-9+/=]{40,}`)

	// mentionRe matches channel/user/role mentions and @everyone/@here.
	mentionRe = regexp.MustCompile(`<@[!&]?\d+>|<#\d+>|@everyone|@here`)

	// codeFenceRe matches triple-backtick code fence delimiters, which the
	// approval notifier must escape so an attacker-controlled task cannot
	// break out of the notification's own code block.
	codeFenceRe = regexp.MustCompile("```")

	// rtlOverrideChars are Unicode bidi control characters that can be used
	// to visually disguise text in a terminal or chat client.
	rtlOverrideChars = []rune{
		'‪', '‫', '‬', '‭', '‮', // LRE/RLE/PDF/LRO/RLO
		'⁦', '⁧', '⁨', '⁩', // LRI/RLI/FSI/PDI
	}
)

// StripControlChars removes null bytes and RTL/LTR bidi override
// characters from s.
func StripControlChars(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")
	for _, r := range rtlOverrideChars {
		s = strings.ReplaceAll(s, string(r), "")
	}
	return s
}

// MaskMentions replaces channel/user/role mention patterns and
// @everyone/@here with a neutral placeholder so redacted output never
// triggers a real notification ping.
func MaskMentions(s string) string {
	return mentionRe.ReplaceAllString(s, "[mention]")
}

// StripBase64 replaces base64 blobs (>=40 chars, or any data:...;base64,
// URI) with a placeholder.
func StripBase64(s string) string {
	return base64BlobRe.ReplaceAllString(s, "[base64]")
}

// EscapeCodeFences neutralizes triple-backtick sequences so embedded text
// cannot escape a surrounding code block in a chat notification.
func EscapeCodeFences(s string) string {
	return codeFenceRe.ReplaceAllString(s, "``​`")
}

// ForNotification applies the full approval-notification sanitization
// pipeline from spec.md §4.9 step 3, in order: strip control characters,
// mask mentions, escape code fences. Truncation to the caller's limit
// happens after this call, per spec.md §4.9 ("truncate after
// sanitization").
func ForNotification(s string) string {
	s = StripControlChars(s)
	s = MaskMentions(s)
	s = EscapeCodeFences(s)
	return s
}

// ForAlert applies the DLQ alert redaction pipeline from spec.md §7: strip
// base64 blobs, mask mentions, strip control characters. Truncation to 200
// chars happens in pkg/dlq after this call.
func ForAlert(s string) string {
	s = StripControlChars(s)
	s = StripBase64(s)
	s = MaskMentions(s)
	return s
}
