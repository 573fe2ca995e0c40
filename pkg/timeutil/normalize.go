package timeutil

import (
	"fmt"
	"strings"
	"time"
)

// Layouts accepted for user-supplied publish timestamps. Naive forms are
// interpreted as UTC; offset forms are converted to UTC.
var layouts = []string{
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05-0700",
	"2006-01-02T15:04",
	"2006-01-02T15:04-07:00",
	"2006-01-02T15:04-0700",
	"2006-01-02",
}

// Normalize parses a heterogeneous date/time string into a UTC instant.
// The raw string is left untouched; callers that need it for display must
// persist it separately.
func Normalize(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}

	// Space-separated date/time is the same as the T form.
	if len(s) > 10 && s[10] == ' ' {
		s = s[:10] + "T" + s[11:]
	}

	for _, layout := range layouts {
		t, err := time.ParseInLocation(layout, s, time.UTC)
		if err != nil {
			continue
		}
		return t.UTC(), nil
	}

	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", raw)
}

// NormalizeFuture parses raw and rejects instants at or before now.
func NormalizeFuture(raw string, now time.Time) (time.Time, error) {
	t, err := Normalize(raw)
	if err != nil {
		return time.Time{}, err
	}
	if !t.After(now.UTC()) {
		return time.Time{}, fmt.Errorf("timestamp %q is not in the future", raw)
	}
	return t, nil
}
