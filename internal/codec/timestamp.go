package codec

import (
	"fmt"
	"time"
)

// wireTimeLayout is RFC 3339 with microsecond fractional digits and a
// trailing "Z", matching spec.md §6's "sub-millisecond fractional digits"
// requirement: two operations from the same device within the same
// millisecond must still serialize to distinct, orderable timestamps.
const wireTimeLayout = "2006-01-02T15:04:05.000000Z"

// FormatTimestamp renders t as the wire format used throughout storage
// records: RFC 3339 with microsecond precision and a trailing "Z".
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(wireTimeLayout)
}

// ParseTimestamp parses a wire-format timestamp back into a UTC time.Time.
func ParseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// SnapshotKeyTimestamp formats t using the ISO-8601 basic form used in
// snapshot object keys (spec.md §6): "20240115T120000000Z". No separators,
// milliseconds zero-padded to 3 digits, lexicographically sortable.
func SnapshotKeyTimestamp(t time.Time) string {
	u := t.UTC()
	return fmt.Sprintf("%04d%02d%02dT%02d%02d%02d%03dZ",
		u.Year(), u.Month(), u.Day(), u.Hour(), u.Minute(), u.Second(), u.Nanosecond()/1e6)
}
