package dedup

import (
	"time"
)

// Defaults.
const (
	DefaultThreshold    = 0.85
	DefaultTopK         = 5
	DefaultStoreRetries = 3
)

// Options control matching. The zero value of every optional rule disables it.
type Options struct {
	// Threshold is the minimum cosine similarity for a semantic match.
	Threshold float64
	// Overrides replaces Threshold for specific source instances (by Origin).
	Overrides map[string]float64
	TopK      int
	// Location decides calendar days. Nil means UTC.
	Location *time.Location
	// DayWindow widens "same day" to +/- this many days.
	DayWindow int
	// StrongThreshold qualifies a match on any day at or above this score.
	StrongThreshold float64
	// TitleOverlap qualifies a cross-day match above Threshold whose title
	// token Jaccard index reaches this value.
	TitleOverlap float64
	// Lookback limits matches to articles published no earlier than this
	// long before the candidate.
	Lookback     time.Duration
	StoreRetries int
}

func (o Options) withDefaults() Options {
	if o.Threshold <= 0 {
		o.Threshold = DefaultThreshold
	}
	if o.TopK <= 0 {
		o.TopK = DefaultTopK
	}
	if o.Location == nil {
		o.Location = time.UTC
	}
	if o.DayWindow < 0 {
		o.DayWindow = 0
	}
	if o.StoreRetries <= 0 {
		o.StoreRetries = DefaultStoreRetries
	}
	return o
}

// ThresholdFor returns the similarity threshold for a source instance.
func (o Options) ThresholdFor(origin string) float64 {
	if t, ok := o.Overrides[origin]; ok && t > 0 {
		return t
	}
	return o.Threshold
}

// CrossDay reports whether any rule can match across calendar days.
func (o Options) CrossDay() bool {
	return o.StrongThreshold > 0 || o.TitleOverlap > 0
}

// day returns the civil date of t in loc as a UTC midnight.
func day(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// dayDistance returns the absolute number of calendar days between a and b.
func dayDistance(a, b time.Time, loc *time.Location) int {
	diff := int(day(a, loc).Sub(day(b, loc)).Hours() / 24)
	if diff < 0 {
		diff = -diff
	}
	return diff
}

// window returns the publish-time range a same-day match can fall in.
func (o Options) window(published time.Time) (time.Time, time.Time) {
	local := published.In(o.Location)
	y, m, d := local.Date()
	start := time.Date(y, m, d-o.DayWindow, 0, 0, 0, 0, o.Location)
	end := time.Date(y, m, d+o.DayWindow+1, 0, 0, 0, 0, o.Location)
	return start.UTC(), end.UTC()
}
