package connector

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/JakeFAU/realtime-news-ingest/internal/ingest"
)

// RoundRobin is the cursor for connectors that walk a fixed list of
// endpoints (feeds, repositories), one endpoint per page, remembering a
// publish-time watermark for each.
type RoundRobin struct {
	Next  int              `json:"next"`
	Marks map[string]int64 `json:"marks,omitempty"`
}

// DecodeRoundRobin parses a cursor. The empty cursor yields a fresh state.
func DecodeRoundRobin(c ingest.Cursor) (RoundRobin, error) {
	rr := RoundRobin{Marks: map[string]int64{}}
	if c == "" {
		return rr, nil
	}
	if err := json.Unmarshal([]byte(c), &rr); err != nil {
		return RoundRobin{Marks: map[string]int64{}}, fmt.Errorf("decode round-robin cursor: %w", err)
	}
	if rr.Marks == nil {
		rr.Marks = map[string]int64{}
	}
	if rr.Next < 0 {
		rr.Next = 0
	}
	return rr, nil
}

// Encode renders the cursor.
func (rr RoundRobin) Encode() ingest.Cursor {
	data, err := json.Marshal(rr)
	if err != nil {
		return ""
	}
	return ingest.Cursor(data)
}

// Current returns the endpoint index for this page given n endpoints.
func (rr RoundRobin) Current(n int) int {
	if n <= 0 {
		return 0
	}
	return rr.Next % n
}

// Watermark returns the stored watermark for key.
func (rr RoundRobin) Watermark(key string) time.Time {
	sec, ok := rr.Marks[key]
	if !ok {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

// Advance returns the cursor for the page after endpoint idx with key's
// watermark raised to newest. done is true once every endpoint was visited.
func (rr RoundRobin) Advance(n, idx int, key string, newest time.Time) (RoundRobin, bool) {
	next := RoundRobin{Next: idx + 1, Marks: make(map[string]int64, len(rr.Marks)+1)}
	for k, v := range rr.Marks {
		next.Marks[k] = v
	}
	if !newest.IsZero() && newest.Unix() > next.Marks[key] {
		next.Marks[key] = newest.Unix()
	}
	if next.Next >= n {
		next.Next = 0
		return next, true
	}
	return next, false
}

// NewRawItem encodes payload as JSON into a RawItem.
func NewRawItem(source ingest.Source, origin, id string, payload any, fetchedAt time.Time) (ingest.RawItem, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return ingest.RawItem{}, fmt.Errorf("encode %s payload %q: %w", source, id, err)
	}
	return ingest.RawItem{
		Source:    source,
		Origin:    origin,
		ID:        id,
		Payload:   data,
		FetchedAt: fetchedAt,
	}, nil
}
