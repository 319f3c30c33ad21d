package termparse

import "strings"

// StripANSI removes terminal escape sequences from a line while preserving
// printable Unicode (box drawing, bullets, emoji). Handled forms: CSI
// sequences including SGR colors and cursor motion, OSC sequences terminated
// by BEL or ST (covers OSC 8 hyperlinks), the two-char ESC D/M/7/8 controls,
// and the 8-bit C1 CSI (0x9B). Running it over already-clean text returns the
// text unchanged.
func StripANSI(s string) string {
	if !strings.ContainsAny(s, "\x1b\u009b") {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	runes := []rune(s)
	for i := 0; i < len(runes); {
		r := runes[i]
		switch {
		case r == 0x9b:
			i = skipCSI(runes, i+1)
		case r == 0x1b && i+1 < len(runes):
			switch runes[i+1] {
			case '[':
				i = skipCSI(runes, i+2)
			case ']':
				i = skipOSC(runes, i+2)
			case 'D', 'M', '7', '8':
				i += 2
			default:
				// Unknown escape; drop the ESC and its introducer.
				i += 2
			}
		case r == 0x1b:
			i++
		default:
			b.WriteRune(r)
			i++
		}
	}
	return b.String()
}

// skipCSI consumes parameter and intermediate bytes up to and including the
// final byte (0x40-0x7E).
func skipCSI(runes []rune, i int) int {
	for i < len(runes) {
		r := runes[i]
		i++
		if r >= 0x40 && r <= 0x7e {
			return i
		}
	}
	return i
}

// skipOSC consumes up to and including BEL or ST (ESC \).
func skipOSC(runes []rune, i int) int {
	for i < len(runes) {
		r := runes[i]
		if r == 0x07 {
			return i + 1
		}
		if r == 0x1b && i+1 < len(runes) && runes[i+1] == '\\' {
			return i + 2
		}
		i++
	}
	return i
}
