package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/realtime-news-ingest/internal/progress"
)

// PrometheusSink exports cycle progress via Prometheus. It owns the
// collectors for cycles, per-source runs, item outcomes and circuit state.
type PrometheusSink struct {
	cyclesStarted   prometheus.Counter
	cyclesCompleted *prometheus.CounterVec
	cyclesRunning   prometheus.Gauge
	cycleDuration   *prometheus.HistogramVec

	sourceRuns     *prometheus.CounterVec
	sourceDuration *prometheus.HistogramVec
	items          *prometheus.CounterVec
	circuitOpen    *prometheus.GaugeVec

	tracker *cycleTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		cyclesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "newsingest_cycles_started_total",
			Help: "Total ingestion cycles started.",
		}),
		cyclesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newsingest_cycles_completed_total",
			Help: "Total ingestion cycles finished, by terminal state.",
		}, []string{"state"}),
		cyclesRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "newsingest_cycles_running",
			Help: "Cycles currently running.",
		}),
		cycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "newsingest_cycle_duration_seconds",
			Help:    "Wall time per finished cycle.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"state"}),
		sourceRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newsingest_source_runs_total",
			Help: "Per-source pipeline runs, by result.",
		}, []string{"source", "result"}),
		sourceDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "newsingest_source_duration_seconds",
			Help:    "Wall time per source pipeline run.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"source"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newsingest_items_total",
			Help: "Fetched items by source and outcome.",
		}, []string{"source", "outcome"}),
		circuitOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "newsingest_circuit_state",
			Help: "Circuit state per source: 0 closed, 1 half-open, 2 open.",
		}, []string{"source"}),
		tracker: newCycleTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.cyclesStarted,
		s.cyclesCompleted,
		s.cyclesRunning,
		s.cycleDuration,
		s.sourceRuns,
		s.sourceDuration,
		s.items,
		s.circuitOpen,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch. It is safe for concurrent
// use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageCycleStart:
		s.cyclesStarted.Inc()
		if s.tracker.start(evt.CycleID) {
			s.cyclesRunning.Inc()
		}
	case progress.StageCycleDone:
		state := evt.State
		if state == "" {
			state = "unknown"
		}
		s.cyclesCompleted.WithLabelValues(state).Inc()
		if evt.Dur > 0 {
			s.cycleDuration.WithLabelValues(state).Observe(evt.Dur.Seconds())
		}
		if s.tracker.complete(evt.CycleID) {
			s.cyclesRunning.Dec()
		}
	case progress.StagePageDone:
		for _, o := range progress.Outcomes {
			if n := evt.Counts.Of(o); n > 0 {
				s.items.WithLabelValues(evt.Source, string(o)).Add(float64(n))
			}
		}
	case progress.StageSourceDone:
		result := "success"
		if evt.Note != "" {
			result = "error"
		}
		s.sourceRuns.WithLabelValues(evt.Source, result).Inc()
		if evt.Dur > 0 {
			s.sourceDuration.WithLabelValues(evt.Source).Observe(evt.Dur.Seconds())
		}
	case progress.StageCircuit:
		s.circuitOpen.WithLabelValues(evt.Source).Set(circuitValue(evt.State))
	}
}

func circuitValue(state string) float64 {
	switch state {
	case "open":
		return 2
	case "half-open":
		return 1
	default:
		return 0
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type cycleTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newCycleTracker() *cycleTracker {
	return &cycleTracker{running: make(map[[16]byte]struct{})}
}

func (t *cycleTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *cycleTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
