package sinks

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/realtime-news-ingest/internal/progress"
)

const defaultHistorySize = 50

// CycleProgress is the live or final view of one cycle.
type CycleProgress struct {
	ID         string           `json:"id"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at,omitzero"`
	State      string           `json:"state"`
	Totals     progress.Counts  `json:"totals"`
	Sources    []SourceProgress `json:"sources"`
}

// SourceProgress is the per-source slice of a cycle.
type SourceProgress struct {
	Name       string          `json:"name"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at,omitzero"`
	Pages      int             `json:"pages"`
	Counts     progress.Counts `json:"counts"`
	Error      string          `json:"error,omitempty"`
}

type cycleEntry struct {
	progress CycleProgress
	sources  map[string]*SourceProgress
}

// HistorySink folds events into a bounded, newest-first list of cycles and
// tracks the last known circuit state of every source.
type HistorySink struct {
	mu       sync.RWMutex
	size     int
	order    [][16]byte
	cycles   map[[16]byte]*cycleEntry
	circuits map[string]string
}

// NewHistorySink keeps at most size cycles (default 50).
func NewHistorySink(size int) *HistorySink {
	if size <= 0 {
		size = defaultHistorySize
	}
	return &HistorySink{
		size:     size,
		cycles:   make(map[[16]byte]*cycleEntry),
		circuits: make(map[string]string),
	}
}

// Consume applies the batch in order.
func (s *HistorySink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		s.apply(evt)
	}
	return nil
}

func (s *HistorySink) apply(evt progress.Event) {
	if evt.Stage == progress.StageCircuit {
		s.circuits[evt.Source] = evt.State
		return
	}
	entry := s.entry(evt)
	switch evt.Stage {
	case progress.StageCycleStart:
		entry.progress.StartedAt = evt.TS
		entry.progress.State = "running"
	case progress.StageCycleDone:
		entry.progress.FinishedAt = evt.TS
		entry.progress.State = evt.State
	case progress.StageSourceStart:
		entry.source(evt.Source).StartedAt = evt.TS
	case progress.StagePageDone:
		src := entry.source(evt.Source)
		src.Pages++
		src.Counts.Merge(evt.Counts)
		entry.progress.Totals.Merge(evt.Counts)
	case progress.StageSourceDone:
		src := entry.source(evt.Source)
		src.FinishedAt = evt.TS
		src.Error = evt.Note
	}
}

func (s *HistorySink) entry(evt progress.Event) *cycleEntry {
	if e, ok := s.cycles[evt.CycleID]; ok {
		return e
	}
	e := &cycleEntry{
		progress: CycleProgress{ID: evt.CycleUUID().String(), StartedAt: evt.TS, State: "running"},
		sources:  make(map[string]*SourceProgress),
	}
	s.cycles[evt.CycleID] = e
	s.order = append(s.order, evt.CycleID)
	if len(s.order) > s.size {
		delete(s.cycles, s.order[0])
		s.order = slices.Delete(s.order, 0, 1)
	}
	return e
}

func (e *cycleEntry) source(name string) *SourceProgress {
	src, ok := e.sources[name]
	if !ok {
		src = &SourceProgress{Name: name}
		e.sources[name] = src
	}
	return src
}

func (e *cycleEntry) snapshot() CycleProgress {
	out := e.progress
	out.Sources = make([]SourceProgress, 0, len(e.sources))
	for _, src := range e.sources {
		out.Sources = append(out.Sources, *src)
	}
	slices.SortFunc(out.Sources, func(a, b SourceProgress) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

// List returns up to limit cycles, newest first.
func (s *HistorySink) List(limit int) []CycleProgress {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.order)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]CycleProgress, 0, n)
	for i := len(s.order) - 1; len(out) < n; i-- {
		out = append(out, s.cycles[s.order[i]].snapshot())
	}
	return out
}

// Get returns the cycle with id.
func (s *HistorySink) Get(id uuid.UUID) (CycleProgress, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.cycles[progress.UUIDToBytes(id)]
	if !ok {
		return CycleProgress{}, false
	}
	return e.snapshot(), true
}

// Circuits returns the last reported circuit state per source.
func (s *HistorySink) Circuits() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.circuits))
	for k, v := range s.circuits {
		out[k] = v
	}
	return out
}

// Close implements the Sink interface; it performs no action.
func (s *HistorySink) Close(context.Context) error {
	return nil
}
