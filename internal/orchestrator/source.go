package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-news-ingest/internal/ingest"
	"github.com/JakeFAU/realtime-news-ingest/internal/normalize"
	"github.com/JakeFAU/realtime-news-ingest/internal/progress"
)

// errCancelled marks a source stopped by cycle cancellation.
var errCancelled = errors.New("cycle cancelled")

func (o *Orchestrator) runSource(ctx context.Context, cycleID [16]byte, conn ingest.Connector, logger *zap.Logger) SourceReport {
	name := conn.Name()
	logger = logger.With(zap.String("source", name))
	start := o.deps.Clock.Now()
	report := SourceReport{Name: name, Source: conn.Source(), StartedAt: start}
	o.deps.Progress.Emit(progress.Event{CycleID: cycleID, TS: start, Stage: progress.StageSourceStart, Source: name})

	if err := o.drain(ctx, cycleID, conn, &report, logger); err != nil {
		report.Error = err.Error()
		logger.Warn("source run failed", zap.Int("pages", report.Pages), zap.Error(err))
	}

	finished := o.deps.Clock.Now()
	report.DurationMS = finished.Sub(start).Milliseconds()
	report.Circuit = ingest.CircuitClosed
	if o.deps.Circuits != nil {
		report.Circuit = o.deps.Circuits.CircuitState(name)
	}
	o.deps.Progress.Emit(progress.Event{
		CycleID: cycleID,
		TS:      finished,
		Stage:   progress.StageSourceDone,
		Source:  name,
		Counts:  report.Counts,
		Dur:     finished.Sub(start),
		Note:    report.Error,
	})
	logger.Info("source finished",
		zap.Int("pages", report.Pages),
		zap.Int64("fetched", report.Counts.Fetched),
		zap.Int64("new", report.Counts.New),
		zap.Int64("duplicate", report.Counts.Duplicate),
		zap.String("circuit", string(report.Circuit)),
	)
	return report
}

// drain pages through conn until the connector is done or a cycle bound is
// reached. The cursor is saved after each fully handled page only.
func (o *Orchestrator) drain(ctx context.Context, cycleID [16]byte, conn ingest.Connector, report *SourceReport, logger *zap.Logger) error {
	name := conn.Name()
	callCtx, cancel := o.callContext(ctx)
	cursor, err := o.deps.Cursors.LoadCursor(callCtx, name)
	cancel()
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}
	report.Cursor = cursor

	for report.Pages < o.cfg.MaxPages && report.Counts.Fetched < int64(o.cfg.MaxItems) {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w before page %d: %w", errCancelled, report.Pages+1, err)
		}
		page, err := conn.Fetch(fetchContext(ctx), cursor)
		if err != nil {
			return fmt.Errorf("fetch page %d: %w", report.Pages+1, err)
		}
		report.Pages++

		counts, err := o.handlePage(ctx, cycleID, name, report.Pages, page, logger)
		report.Counts.Merge(counts)
		if err != nil {
			return err
		}
		if page.Next != cursor {
			callCtx, cancel := o.callContext(ctx)
			err := o.deps.Cursors.SaveCursor(callCtx, name, page.Next)
			cancel()
			if err != nil {
				return fmt.Errorf("save cursor: %w", err)
			}
			cursor = page.Next
			report.Cursor = cursor
		}
		o.deps.Progress.Emit(progress.Event{
			CycleID: cycleID,
			Stage:   progress.StagePageDone,
			Source:  name,
			Counts:  counts,
		})
		if page.Done {
			return nil
		}
	}
	return nil
}

// handlePage runs every item of page through normalize, embed and dedup in
// order. It returns an error, leaving the page unfinished, only when the
// cycle is cancelled.
func (o *Orchestrator) handlePage(ctx context.Context, cycleID [16]byte, source string, pageNo int, page ingest.Page, logger *zap.Logger) (progress.Counts, error) {
	var counts progress.Counts
	counts.Fetched = int64(len(page.Items) + len(page.Failures))
	for _, f := range page.Failures {
		counts.Add(progress.OutcomeFailed, 1)
		logger.Warn("item skipped", zap.String("item_id", f.ID), zap.Error(f.Err))
	}
	o.archive(ctx, cycleID, source, pageNo, page.Items, logger)

	articles := make([]*ingest.Article, 0, len(page.Items))
	for _, raw := range page.Items {
		a, err := normalize.Normalize(raw)
		if err != nil {
			counts.Add(progress.OutcomeSkipped, 1)
			logger.Info("item skipped", zap.String("item_id", raw.ID), zap.Error(err))
			continue
		}
		articles = append(articles, &a)
	}
	if len(articles) == 0 {
		return counts, nil
	}
	if err := ctx.Err(); err != nil {
		return counts, fmt.Errorf("%w in page %d: %w", errCancelled, pageNo, err)
	}

	callCtx, cancel := o.callContext(ctx)
	stats := o.deps.Embedder.EmbedArticles(callCtx, articles)
	cancel()
	logger.Debug("page embedded",
		zap.Int("page", pageNo),
		zap.Int("embedded", stats.Embedded),
		zap.Int("cache_hits", stats.CacheHits),
		zap.Int("degraded", stats.Degraded),
	)

	for _, a := range articles {
		if err := ctx.Err(); err != nil {
			return counts, fmt.Errorf("%w in page %d: %w", errCancelled, pageNo, err)
		}
		callCtx, cancel := o.callContext(ctx)
		stored, decision, err := o.deps.Dedup.Process(callCtx, *a)
		cancel()
		if err != nil {
			logger.Warn("item failed", zap.String("key", a.Key().String()), zap.Error(err))
		}
		counts.Add(outcome(stored, decision, err), 1)
	}
	return counts, nil
}

// outcome classifies a processed item. Rows that were already decided
// before this cycle count as skipped.
func outcome(stored ingest.Article, d ingest.DedupDecision, err error) progress.Outcome {
	switch {
	case err != nil:
		return progress.OutcomeFailed
	case d.Reason == ingest.ReasonExisting:
		return progress.OutcomeSkipped
	case d.IsDuplicate():
		return progress.OutcomeDuplicate
	case stored.NeedsEmbedding:
		return progress.OutcomeDegraded
	default:
		return progress.OutcomeNew
	}
}

// archive writes the raw page as JSON lines. Failures are logged and never
// hold up the page.
func (o *Orchestrator) archive(ctx context.Context, cycleID [16]byte, source string, pageNo int, items []ingest.RawItem, logger *zap.Logger) {
	if o.deps.Blobs == nil || len(items) == 0 {
		return
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, item := range items {
		if err := enc.Encode(item); err != nil {
			logger.Warn("archive encode failed", zap.String("item_id", item.ID), zap.Error(err))
			return
		}
	}
	path := fmt.Sprintf("%s/%s/%s/%s-%03d.jsonl",
		o.cfg.ArchivePrefix,
		source,
		items[0].FetchedAt.UTC().Format("2006/01/02"),
		uuid.UUID(cycleID).String(),
		pageNo,
	)
	callCtx, cancel := o.callContext(ctx)
	defer cancel()
	uri, err := o.deps.Blobs.PutObject(callCtx, path, "application/x-ndjson", &buf)
	if err != nil {
		logger.Warn("archive page failed", zap.String("path", path), zap.Error(err))
		return
	}
	logger.Debug("page archived", zap.String("uri", uri), zap.Int("items", len(items)))
}
