package storage

import (
	"fmt"
	"time"
)

// TimeLayout is the canonical TEXT timestamp format. The width is fixed
// (nine fractional digits, always UTC) so lexicographic comparison in
// SQL matches chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// timeLayouts accepted by ParseTime, most specific first. Inputs from
// JSONL files and external callers may carry reduced precision.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// FormatTime renders t in the canonical storage layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a stored or imported timestamp. It accepts the
// canonical layout plus common reduced-precision ISO-8601 forms.
func ParseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("parse timestamp %q: unrecognized format", s)
}
