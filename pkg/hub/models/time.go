package models

import (
	"fmt"
	"strings"
	"time"
)

// WireTimeFormat is how datetimes leave the hub: UTC to microsecond
// precision with a literal Z, matching what hub clients parse.
const WireTimeFormat = "2006-01-02T15:04:05.000000Z"

// WireTime is a time.Time that marshals in the hub wire format.
type WireTime time.Time

// Wire converts t for wire output.
func Wire(t time.Time) WireTime {
	return WireTime(t.UTC())
}

// Time returns the underlying time.
func (t WireTime) Time() time.Time {
	return time.Time(t)
}

// MarshalJSON renders the time as a WireTimeFormat string.
func (t WireTime) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Time(t).UTC().Format(WireTimeFormat) + `"`), nil
}

// UnmarshalJSON accepts the wire format and, for robustness against
// peers, plain RFC 3339.
func (t *WireTime) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*t = WireTime(time.Time{})
		return nil
	}
	parsed, err := time.Parse(WireTimeFormat, s)
	if err != nil {
		parsed, err = time.Parse(time.RFC3339, s)
	}
	if err != nil {
		return fmt.Errorf("invalid wire datetime %q", s)
	}
	*t = WireTime(parsed.UTC())
	return nil
}
