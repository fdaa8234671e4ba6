package db

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Revision is one compile attempt. Successful attempts carry the id of the
// published frame set; failed ones get a fresh id.
type Revision struct {
	ID          string        `json:"id"`
	Input       string        `json:"input"`
	Status      string        `json:"status"`
	PageCount   int           `json:"page_count"`
	Width       int           `json:"width"`
	Height      int           `json:"height"`
	Bytes       int64         `json:"bytes"`
	Duration    time.Duration `json:"duration_ns"`
	Error       string        `json:"error,omitempty"`
	Diagnostics []string      `json:"diagnostics"`
	Viewers     int           `json:"viewers"`
	StartedAt   time.Time     `json:"started_at"`
}

type RevisionFilter struct {
	Status string
	Limit  int
}

func NewID() string {
	return ulid.Make().String()
}

func msToDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

// timestampLayout is fixed width so stored values sort lexically.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTimestamp(ts time.Time) string {
	if ts.IsZero() {
		ts = nowUTC()
	}
	return ts.UTC().Format(timestampLayout)
}

func parseTimestamp(v string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", v, err)
	}
	return ts, nil
}

func encodeStringSlice(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	buf, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("failed to encode string slice: %w", err)
	}
	return string(buf), nil
}

func decodeStringSlice(raw string) ([]string, error) {
	if raw == "" {
		return []string{}, nil
	}
	var values []string
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil, fmt.Errorf("failed to decode string slice: %w", err)
	}
	return values, nil
}
