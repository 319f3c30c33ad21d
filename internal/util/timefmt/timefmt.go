// Package timefmt provides the canonical timestamp serialization used on
// every wire surface (WS frames, SSE data, HTTP JSON).
package timefmt

import "time"

// ISO8601 is the millisecond-precision UTC format used for timestamps.
const ISO8601 = "2006-01-02T15:04:05.000Z"

// Format renders t in the canonical wire representation.
func Format(t time.Time) string {
	return t.UTC().Format(ISO8601)
}

// Parse parses a timestamp previously produced by Format.
func Parse(s string) (time.Time, error) {
	return time.Parse(ISO8601, s)
}
