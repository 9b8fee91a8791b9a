package progress

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config controls buffering and batching for the Hub. Zero values take the
// defaults below.
type Config struct {
	// BufferSize is how many events may wait for the delivery goroutine
	// before Emit starts dropping.
	BufferSize int
	// MaxBatchEvents delivers a batch as soon as it holds this many events.
	MaxBatchEvents int
	// MaxBatchWait is the longest the first event of a batch waits.
	MaxBatchWait time.Duration
	SinkTimeout  time.Duration
	BaseContext  context.Context
	Logger       *zap.Logger
}

const (
	defaultBufferSize     = 1024
	defaultMaxBatchEvents = 256
	defaultMaxBatchWait   = 250 * time.Millisecond
	defaultSinkTimeout    = 5 * time.Second
	dropLogInterval       = 5 * time.Second
)

// Hub fans cycle progress out to sinks from one background goroutine.
//
// Emit never waits. When the buffer is full the event is dropped and charged
// to its cycle, so the cycle report can say how much of its progress stream
// was lost. Events otherwise reach sinks in batches, except that a
// CYCLE_DONE event is delivered at once together with everything queued
// before it. Sync waits for delivery explicitly.
type Hub struct {
	cfg    Config
	sinks  []Sink
	logger *zap.Logger
	now    func() time.Time

	events chan Event
	syncs  chan chan struct{}
	stop   chan struct{}
	done   chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once
	closeCtx  context.Context

	drops dropLedger
}

// NewHub starts the delivery goroutine for sinks.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:    cfg,
		sinks:  slices.DeleteFunc(slices.Clone(sinks), func(s Sink) bool { return s == nil }),
		logger: logger,
		now:    time.Now,
		events: make(chan Event, cfg.BufferSize),
		syncs:  make(chan chan struct{}),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go h.run()
	return h
}

// Emit queues evt for delivery. A zero TS is stamped with the current UTC
// time and invalid events are discarded. Emit is a no-op after Close.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if evt.TS.IsZero() {
		evt.TS = h.clock().UTC()
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
	default:
		if n := h.drops.add(evt.CycleID, time.Now()); n > 0 {
			h.logger.Warn("progress events dropped, buffer full",
				zap.Int64("dropped", n),
				zap.String("stage", string(evt.Stage)),
			)
		}
	}
}

// Sync returns once every event Emit accepted before the call has been
// handed to the sinks. It returns nil straight away once the hub is closed.
func (h *Hub) Sync(ctx context.Context) error {
	if h == nil || h.closed.Load() {
		return nil
	}
	ack := make(chan struct{})
	select {
	case h.syncs <- ack:
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress sync: %w", ctx.Err())
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress sync: %w", ctx.Err())
	}
}

// TakeDropped returns how many events of cycle were dropped so far and
// forgets the cycle.
func (h *Hub) TakeDropped(cycle [16]byte) int64 {
	if h == nil {
		return 0
	}
	return h.drops.take(cycle)
}

// Dropped returns how many events were dropped since the hub started.
func (h *Hub) Dropped() int64 {
	if h == nil {
		return 0
	}
	return h.drops.sum()
}

// Close delivers what is still queued, closes the sinks and waits for the
// delivery goroutine to exit. Later calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stop)
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) clock() time.Time {
	if h.now == nil {
		return time.Now()
	}
	return h.now()
}

func (h *Hub) run() {
	defer close(h.done)
	pending := make([]Event, 0, h.cfg.MaxBatchEvents)
	timer := time.NewTimer(h.cfg.MaxBatchWait)
	timer.Stop()

	flush := func() {
		timer.Stop()
		if len(pending) > 0 {
			h.deliver(pending)
			pending = pending[:0]
		}
	}
	for {
		select {
		case evt := <-h.events:
			pending = append(pending, evt)
			switch {
			case evt.Stage == StageCycleDone, len(pending) >= h.cfg.MaxBatchEvents:
				flush()
			case len(pending) == 1:
				timer.Reset(h.cfg.MaxBatchWait)
			}
		case <-timer.C:
			flush()
		case ack := <-h.syncs:
			pending = h.takeQueued(pending)
			flush()
			close(ack)
		case <-h.stop:
			pending = h.takeQueued(pending)
			flush()
			h.closeSinks()
			return
		}
	}
}

// takeQueued moves the events already buffered at call time into pending,
// delivering full batches on the way.
func (h *Hub) takeQueued(pending []Event) []Event {
	for n := len(h.events); n > 0; n-- {
		pending = append(pending, <-h.events)
		if len(pending) >= h.cfg.MaxBatchEvents {
			h.deliver(pending)
			pending = pending[:0]
		}
	}
	return pending
}

func (h *Hub) deliver(batch []Event) {
	batch = slices.Clone(batch)
	for _, sink := range h.sinks {
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, batch); err != nil {
			h.logger.Warn("progress sink consume failed", zap.Int("events", len(batch)), zap.Error(err))
		}
		cancel()
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}

// dropLedger counts events lost to a full buffer, per cycle and overall, and
// paces the warning about them. Circuit events outside a cycle are charged
// to the zero cycle.
type dropLedger struct {
	mu       sync.Mutex
	byCycle  map[[16]byte]int64
	total    int64
	unlogged int64
	loggedAt time.Time
}

// add records one drop and returns the number of drops to log now, or zero
// while the last warning is recent.
func (d *dropLedger) add(cycle [16]byte, now time.Time) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.byCycle == nil {
		d.byCycle = make(map[[16]byte]int64)
	}
	d.byCycle[cycle]++
	d.total++
	d.unlogged++
	if !d.loggedAt.IsZero() && now.Sub(d.loggedAt) < dropLogInterval {
		return 0
	}
	d.loggedAt = now
	n := d.unlogged
	d.unlogged = 0
	return n
}

func (d *dropLedger) take(cycle [16]byte) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := d.byCycle[cycle]
	delete(d.byCycle, cycle)
	return n
}

func (d *dropLedger) sum() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.total
}
