package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// HistoryEntry is one persisted processing run as reported by GET /history.
type HistoryEntry struct {
	ID             int64           `json:"id"`
	Algorithm      string          `json:"algorithm"`
	Parameters     ParameterValues `json:"parameters"`
	CreatedAt      Timestamp       `json:"created_at"`
	OriginalImage  EncodedImage    `json:"original_image"`
	ProcessedImage EncodedImage    `json:"processed_image"`
}

// Timestamp accepts RFC 3339 as well as the zone-less ISO-8601 form the
// processing service emits; zone-less values are read as UTC.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	for _, layout := range timestampLayouts {
		parsed, err := time.Parse(layout, raw)
		if err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("timestamp: unrecognized format %q", raw)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}
