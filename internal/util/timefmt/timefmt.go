// Package timefmt centralizes timestamp serialization. The store keeps
// epoch milliseconds; API payloads use ISO-8601 with millisecond precision.
package timefmt

import "time"

// ISO8601 is the ISO-8601 format used for timestamp serialization.
const ISO8601 = "2006-01-02T15:04:05.000Z"

// Format formats a time.Time to the standard string representation.
func Format(t time.Time) string {
	return t.UTC().Format(ISO8601)
}

// Millis converts a time.Time to epoch milliseconds.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// FromMillis converts epoch milliseconds back to a UTC time.Time.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// FormatMillis formats epoch milliseconds to the standard string representation.
func FormatMillis(ms int64) string {
	return Format(FromMillis(ms))
}
