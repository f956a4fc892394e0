package common

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// layouts tried, in order, for string timestamps.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// Timestamp is a completedAt value as the producer sent it. Raw holds the
// original JSON token so an unparsed value survives a round trip; Time is
// set only when the token could be interpreted.
type Timestamp struct {
	Time time.Time
	Raw  json.RawMessage
}

// NewTimestamp wraps a parsed time.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t}
}

func (ts Timestamp) IsZero() bool {
	return ts.Time.IsZero() && len(ts.Raw) == 0
}

// UnmarshalJSON accepts a string in any form or a number of epoch
// milliseconds. It never fails on a well-formed JSON token.
func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	*ts = Timestamp{}
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	ts.Raw = append(json.RawMessage(nil), data...)

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		ts.Time = parseTimestampString(s)
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		if ms, err := strconv.ParseFloat(string(data), 64); err == nil {
			ts.Time = time.UnixMilli(int64(ms)).UTC()
		}
	}
	return nil
}

// MarshalJSON emits the original token when there is one, RFC3339 otherwise.
func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if len(ts.Raw) > 0 {
		return ts.Raw, nil
	}
	if ts.Time.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(ts.Time.UTC().Format(time.RFC3339Nano))
}

// String renders the time in RFC3339 when known, the raw value otherwise.
func (ts Timestamp) String() string {
	if !ts.Time.IsZero() {
		return ts.Time.UTC().Format(time.RFC3339)
	}
	var s string
	if err := json.Unmarshal(ts.Raw, &s); err == nil {
		return s
	}
	return string(ts.Raw)
}

func parseTimestampString(s string) time.Time {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC()
	}
	return time.Time{}
}
