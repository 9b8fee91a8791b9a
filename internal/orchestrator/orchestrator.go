// Package orchestrator runs ingestion cycles. A cycle fans out one pipeline
// per source with bounded concurrency; each pipeline pages through its
// connector, normalizes, embeds and deduplicates items in order, and only
// advances the source cursor once a whole page has been handled. Sources
// are isolated: a failing source makes the cycle partial but never cancels
// the others.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/realtime-news-ingest/internal/clock/system"
	"github.com/JakeFAU/realtime-news-ingest/internal/embedding"
	"github.com/JakeFAU/realtime-news-ingest/internal/ingest"
	"github.com/JakeFAU/realtime-news-ingest/internal/progress"
)

// Defaults applied when a Config leaves a field unset.
const (
	DefaultMaxConcurrency = 4
	DefaultMaxPages       = 10
	DefaultMaxItems       = 100
	DefaultCallTimeout    = 30 * time.Second
	DefaultArchivePrefix  = "raw"
	DefaultReportTopic    = "cycle.completed"
)

// Embedder attaches vectors to articles, degrading the ones it cannot embed.
type Embedder interface {
	EmbedArticles(ctx context.Context, articles []*ingest.Article) embedding.Stats
}

// Deduper resolves and stores one candidate atomically.
type Deduper interface {
	Process(ctx context.Context, candidate ingest.Article) (ingest.Article, ingest.DedupDecision, error)
}

// Circuits reports the breaker state of a source.
type Circuits interface {
	CircuitState(source string) ingest.CircuitState
}

// DegradedLister lists stored articles still waiting for a vector.
type DegradedLister interface {
	ListNeedingEmbedding(ctx context.Context, limit int) ([]ingest.Article, error)
}

// Config bounds a cycle.
type Config struct {
	// MaxConcurrency caps the number of sources fetched in parallel.
	MaxConcurrency int
	// MaxPages caps pages per source per cycle.
	MaxPages int
	// MaxItems stops a source once this many items were fetched. A page is
	// never cut short.
	MaxItems int
	// CallTimeout bounds each store, embedding, archive and publish call.
	// Calls in flight when the cycle is cancelled run to completion or to
	// this timeout. Connector fetches are bounded per request by their
	// transport instead, since one page can span many rate-limited requests.
	CallTimeout   time.Duration
	ArchivePrefix string
	ReportTopic   string
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = DefaultMaxConcurrency
	}
	if c.MaxPages <= 0 {
		c.MaxPages = DefaultMaxPages
	}
	if c.MaxItems <= 0 {
		c.MaxItems = DefaultMaxItems
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.ArchivePrefix == "" {
		c.ArchivePrefix = DefaultArchivePrefix
	}
	if c.ReportTopic == "" {
		c.ReportTopic = DefaultReportTopic
	}
	return c
}

// Deps are the collaborators of an Orchestrator. Blobs, Circuits,
// Publisher, Progress and Degraded are optional.
type Deps struct {
	Connectors []ingest.Connector
	Cursors    ingest.CursorStore
	Embedder   Embedder
	Dedup      Deduper
	IDs        ingest.IDGenerator
	Clock      ingest.Clock
	Blobs      ingest.BlobStore
	Circuits   Circuits
	Publisher  ingest.Publisher
	Progress   progress.Emitter
	Degraded   DegradedLister
}

// Orchestrator owns the cycle state machine. It is safe for concurrent use;
// at most one cycle runs at a time.
type Orchestrator struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	state  State
	latest *Report
}

// New validates deps and builds an Orchestrator.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Orchestrator, error) {
	switch {
	case deps.Cursors == nil:
		return nil, errors.New("orchestrator: cursor store is required")
	case deps.Embedder == nil:
		return nil, errors.New("orchestrator: embedder is required")
	case deps.Dedup == nil:
		return nil, errors.New("orchestrator: dedup engine is required")
	case deps.IDs == nil:
		return nil, errors.New("orchestrator: id generator is required")
	}
	seen := make(map[string]struct{}, len(deps.Connectors))
	for _, c := range deps.Connectors {
		if _, dup := seen[c.Name()]; dup {
			return nil, fmt.Errorf("orchestrator: duplicate source name %q", c.Name())
		}
		seen[c.Name()] = struct{}{}
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.Progress == nil {
		deps.Progress = progress.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		deps:   deps,
		cfg:    cfg.withDefaults(),
		logger: logger,
		state:  StateIdle,
	}, nil
}

// State returns the current cycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Latest returns the report of the last finished cycle.
func (o *Orchestrator) Latest() (Report, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.latest == nil {
		return Report{}, false
	}
	return *o.latest, true
}

// Sources lists the configured source names in run order.
func (o *Orchestrator) Sources() []string {
	names := make([]string, len(o.deps.Connectors))
	for i, c := range o.deps.Connectors {
		names[i] = c.Name()
	}
	return names
}

// RunCycle runs every source once and returns the cycle report. It returns
// ingest.ErrCycleInProgress when a cycle is already running. Source
// failures are reported, not returned.
func (o *Orchestrator) RunCycle(ctx context.Context) (Report, error) {
	o.mu.Lock()
	if o.state == StateRunning {
		o.mu.Unlock()
		return Report{}, ingest.ErrCycleInProgress
	}
	prev := o.state
	o.state = StateRunning
	o.mu.Unlock()

	report, err := o.runCycle(ctx)

	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		o.state = prev
		return Report{}, err
	}
	o.state = report.State
	o.latest = &report
	return report, nil
}

func (o *Orchestrator) runCycle(ctx context.Context) (Report, error) {
	rawID, err := o.deps.IDs.NewID()
	if err != nil {
		return Report{}, fmt.Errorf("new cycle id: %w", err)
	}
	cycleID, err := progress.ParseCycleID(rawID)
	if err != nil {
		return Report{}, err
	}
	logger := o.logger.With(zap.String("cycle_id", rawID))
	start := o.deps.Clock.Now()
	o.deps.Progress.Emit(progress.Event{CycleID: cycleID, TS: start, Stage: progress.StageCycleStart})
	logger.Info("cycle started", zap.Int("sources", len(o.deps.Connectors)))

	reports := make([]SourceReport, len(o.deps.Connectors))
	var g errgroup.Group
	g.SetLimit(max(1, min(len(o.deps.Connectors), o.cfg.MaxConcurrency)))
	for i, conn := range o.deps.Connectors {
		g.Go(func() error {
			reports[i] = o.runSource(ctx, cycleID, conn, logger)
			return nil
		})
	}
	_ = g.Wait()

	finished := o.deps.Clock.Now()
	report := Report{
		ID:         rawID,
		State:      StateCompleted,
		StartedAt:  start,
		FinishedAt: finished,
		DurationMS: finished.Sub(start).Milliseconds(),
		Sources:    reports,
	}
	for _, s := range reports {
		report.Totals.Merge(s.Counts)
		if !s.Success() {
			report.State = StatePartiallyFailed
		}
	}

	syncer, canSync := o.deps.Progress.(progress.Syncer)
	if canSync {
		report.DroppedEvents = syncer.TakeDropped(cycleID)
	}
	o.deps.Progress.Emit(progress.Event{
		CycleID: cycleID,
		TS:      finished,
		Stage:   progress.StageCycleDone,
		Counts:  report.Totals,
		State:   string(report.State),
		Dur:     finished.Sub(start),
	})
	if canSync {
		callCtx, cancel := o.callContext(ctx)
		if err := syncer.Sync(callCtx); err != nil {
			logger.Warn("progress sync failed", zap.Error(err))
		}
		cancel()
	}
	o.publish(ctx, report, logger)
	logger.Info("cycle finished",
		zap.String("state", string(report.State)),
		zap.Int64("fetched", report.Totals.Fetched),
		zap.Int64("new", report.Totals.New),
		zap.Int64("duplicate", report.Totals.Duplicate),
		zap.Int64("degraded", report.Totals.Degraded),
		zap.Int64("failed", report.Totals.Failed),
		zap.Int64("dropped_events", report.DroppedEvents),
		zap.Duration("duration", finished.Sub(start)),
	)
	return report, nil
}

func (o *Orchestrator) publish(ctx context.Context, report Report, logger *zap.Logger) {
	if o.deps.Publisher == nil {
		return
	}
	callCtx, cancel := o.callContext(ctx)
	defer cancel()
	if _, err := o.deps.Publisher.Publish(callCtx, o.cfg.ReportTopic, report); err != nil {
		logger.Warn("publish cycle report failed", zap.Error(err))
	}
}

// Reembed embeds up to limit degraded articles and resolves the ones that
// now carry a vector.
func (o *Orchestrator) Reembed(ctx context.Context, limit int) (ReembedReport, error) {
	var report ReembedReport
	if o.deps.Degraded == nil {
		return report, errors.New("reembed: store does not list degraded articles")
	}
	start := o.deps.Clock.Now()
	pending, err := o.deps.Degraded.ListNeedingEmbedding(ctx, limit)
	if err != nil {
		return report, fmt.Errorf("list degraded articles: %w", err)
	}
	report.Candidates = len(pending)
	if len(pending) == 0 {
		return report, nil
	}

	articles := make([]*ingest.Article, len(pending))
	for i := range pending {
		articles[i] = &pending[i]
	}
	stats := o.deps.Embedder.EmbedArticles(ctx, articles)
	report.Embedded, report.Degraded = stats.Embedded, stats.Degraded

	for _, a := range articles {
		if !a.Embedded() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("reembed cancelled: %w", err)
		}
		_, decision, err := o.deps.Dedup.Process(ctx, *a)
		switch {
		case err != nil:
			report.Failed++
			o.logger.Warn("reembed resolve failed", zap.String("key", a.Key().String()), zap.Error(err))
		case decision.IsDuplicate():
			report.Duplicate++
		default:
			report.Unique++
		}
	}
	report.DurationMS = o.deps.Clock.Now().Sub(start).Milliseconds()
	o.logger.Info("reembed finished",
		zap.Int("candidates", report.Candidates),
		zap.Int("embedded", report.Embedded),
		zap.Int("duplicate", report.Duplicate),
		zap.Int("still_degraded", report.Degraded),
	)
	return report, nil
}

// fetchContext detaches a page fetch from cycle cancellation. The page gets no
// overall deadline; each request inside it carries its own.
func fetchContext(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

// callContext detaches outbound calls from cycle cancellation and bounds
// them by the call timeout instead.
func (o *Orchestrator) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), o.cfg.CallTimeout)
}
