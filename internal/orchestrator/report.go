package orchestrator

import (
	"time"

	"github.com/JakeFAU/realtime-news-ingest/internal/ingest"
	"github.com/JakeFAU/realtime-news-ingest/internal/progress"
)

// State is the lifecycle state of the orchestrator's current or last cycle.
type State string

// Cycle states. A cycle never ends in a failed state: a source failure only
// makes it partial.
const (
	StateIdle            State = "idle"
	StateRunning         State = "running"
	StateCompleted       State = "completed"
	StatePartiallyFailed State = "partially_failed"
)

// SourceReport summarises one source's run within a cycle.
type SourceReport struct {
	Name       string              `json:"name"`
	Source     ingest.Source       `json:"source"`
	Counts     progress.Counts     `json:"counts"`
	Pages      int                 `json:"pages"`
	Cursor     ingest.Cursor       `json:"cursor,omitempty"`
	Error      string              `json:"error,omitempty"`
	Circuit    ingest.CircuitState `json:"circuit"`
	StartedAt  time.Time           `json:"started_at"`
	DurationMS int64               `json:"duration_ms"`
}

// Success reports whether the source finished without a source-level error.
// Item failures do not count against it.
func (r SourceReport) Success() bool {
	return r.Error == ""
}

// Report is the outcome of one cycle.
type Report struct {
	ID         string          `json:"id"`
	State      State           `json:"state"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	DurationMS int64           `json:"duration_ms"`
	Totals     progress.Counts `json:"totals"`
	Sources    []SourceReport  `json:"sources"`
	// DroppedEvents counts progress events of this cycle lost to a full
	// progress buffer before the cycle finished.
	DroppedEvents int64 `json:"dropped_events,omitempty"`
}

// Failed returns the sources that ended with an error.
func (r Report) Failed() []SourceReport {
	var out []SourceReport
	for _, s := range r.Sources {
		if !s.Success() {
			out = append(out, s)
		}
	}
	return out
}

// ReembedReport summarises a re-embedding pass over degraded articles.
type ReembedReport struct {
	Candidates int   `json:"candidates"`
	Embedded   int   `json:"embedded"`
	Degraded   int   `json:"still_degraded"`
	Unique     int   `json:"unique"`
	Duplicate  int   `json:"duplicate"`
	Failed     int   `json:"failed"`
	DurationMS int64 `json:"duration_ms"`
}
