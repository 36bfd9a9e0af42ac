// Package filter classifies recognizer output that is noise or boilerplate
// rather than speech.
package filter

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const minTextLength = 3

// markers are matched case-insensitively anywhere in the text. Whisper emits
// the bracketed tags under silence or music and falls back to sign-off
// phrases learned from video captions.
var markers = []string{
	"[blank_audio]",
	"[music]",
	"[noise]",
	"♪",
	"thank you.",
	"thanks for watching.",
	"bye.",
	"goodbye.",
}

// fillers are single short tokens that carry no content on their own.
var fillers = map[string]struct{}{
	"you": {}, "the": {}, "and": {}, "a": {}, "to": {}, "i": {}, "it": {},
	"so": {}, "oh": {}, "uh": {}, "um": {}, "ah": {}, "hmm": {},
}

// IsArtifact reports whether text should be discarded before deduplication.
func IsArtifact(text string) bool {
	lower := strings.ToLower(strings.TrimSpace(text))

	if utf8.RuneCountInString(lower) < minTextLength {
		return true
	}

	if tokens := strings.Fields(lower); len(tokens) == 1 {
		word := strings.TrimFunc(tokens[0], func(r rune) bool {
			return unicode.IsPunct(r) || unicode.IsSymbol(r)
		})
		if utf8.RuneCountInString(word) <= 3 {
			if _, ok := fillers[word]; ok {
				return true
			}
		}
	}

	for _, marker := range markers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
