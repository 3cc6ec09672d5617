package serialize

import (
	"fmt"
	"time"
)

// TimeLayout is the canonical timestamp format for everything maestro
// persists or emits: UTC ISO-8601 with millisecond precision.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// Time wraps time.Time with the canonical wire encoding. The zero value
// marshals as JSON null so optional timestamps stay optional.
type Time struct {
	time.Time
}

// Now returns the current instant in UTC.
func Now() Time {
	return Time{time.Now().UTC()}
}

// At wraps an arbitrary instant, normalizing to UTC.
func At(t time.Time) Time {
	return Time{t.UTC()}
}

// MarshalJSON encodes the canonical layout, or null for the zero value.
func (t Time) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return []byte(`"` + t.UTC().Format(TimeLayout) + `"`), nil
}

// UnmarshalJSON accepts the canonical layout, falling back to RFC 3339 for
// checkpoints written by hand or by older builds. null yields the zero value.
func (t *Time) UnmarshalJSON(data []byte) error {
	s := string(data)
	if s == "null" || s == `""` {
		t.Time = time.Time{}
		return nil
	}
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return fmt.Errorf("timestamp is not a JSON string: %s", s)
	}
	s = s[1 : len(s)-1]
	parsed, err := time.Parse(TimeLayout, s)
	if err != nil {
		parsed, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("unparseable timestamp %q: %w", s, err)
		}
	}
	t.Time = parsed.UTC()
	return nil
}

// FormatTime renders any instant in the canonical layout. Event frames use
// this directly rather than going through the wrapper.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}
