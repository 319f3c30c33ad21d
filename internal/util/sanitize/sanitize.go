// Package sanitize normalizes user-supplied names before they reach the
// terminal multiplexer or the UI.
package sanitize

import (
	"strings"
	"unicode"
)

// MuxName replaces every character outside [A-Za-z0-9_.-] with "-" so the
// result is safe to use as a tmux session name.
func MuxName(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9',
			r == '_', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}

// Title removes control characters from a display title and limits its length.
func Title(s string, maxLen int) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsControl(r) {
			continue
		}
		if b.Len() >= maxLen {
			break
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}
