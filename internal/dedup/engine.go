// Package dedup decides whether a candidate article is new or a duplicate of
// a stored canonical one, and stores it with that decision in one atomic
// unit.
//
// Rules, in order: a stored row that was already decided keeps its
// decision; an exact URL match always wins; otherwise the nearest embedded
// canonical articles are checked against the similarity threshold and the
// same-day rule, and the earliest published qualifying match becomes the
// canonical. Duplicates always point at a canonical, never at another
// duplicate.
package dedup

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-news-ingest/internal/hash/sha256"
	"github.com/JakeFAU/realtime-news-ingest/internal/ingest"
	"github.com/JakeFAU/realtime-news-ingest/internal/metrics"
)

// Engine resolves and stores candidates. It is safe for concurrent use;
// consistency comes from the store's lock keys.
type Engine struct {
	store  ingest.Store
	ids    ingest.IDGenerator
	opts   Options
	logger *zap.Logger
}

// New builds an Engine.
func New(store ingest.Store, ids ingest.IDGenerator, opts Options, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: store, ids: ids, opts: opts.withDefaults(), logger: logger}
}

// Options returns the effective options.
func (e *Engine) Options() Options { return e.opts }

// LockKeys returns the keys that serialize every candidate that could be
// related to a: its own identity, its URL, and each calendar day a
// semantic match could fall on.
func (e *Engine) LockKeys(a ingest.Article) []string {
	keys := []string{"key:" + a.Key().String()}
	if a.URL != "" {
		keys = append(keys, "url:"+sha256.Short(a.URL, 32))
	}
	if e.opts.CrossDay() {
		return append(keys, "day:*")
	}
	d := day(a.PublishedAt, e.opts.Location)
	for off := -e.opts.DayWindow; off <= e.opts.DayWindow; off++ {
		keys = append(keys, "day:"+d.AddDate(0, 0, off).Format("2006-01-02"))
	}
	return keys
}

// Process resolves candidate and upserts it with the decision. Storage
// conflicts are retried as a fresh read-decide-write.
func (e *Engine) Process(ctx context.Context, candidate ingest.Article) (ingest.Article, ingest.DedupDecision, error) {
	keys := e.LockKeys(candidate)
	var (
		stored   ingest.Article
		decision ingest.DedupDecision
		err      error
	)
	for attempt := 1; attempt <= e.opts.StoreRetries; attempt++ {
		err = e.store.Atomically(ctx, keys, func(ctx context.Context, tx ingest.Tx) error {
			a := candidate
			d, existing, found, rerr := e.resolve(ctx, tx, a)
			if rerr != nil {
				return rerr
			}
			if found {
				a.ID = existing.ID
			} else if a.ID == "" {
				id, idErr := e.ids.NewID()
				if idErr != nil {
					return fmt.Errorf("new article id: %w", idErr)
				}
				a.ID = id
			}
			d.Apply(&a)
			out, uerr := tx.Upsert(ctx, a)
			if uerr != nil {
				return uerr
			}
			stored, decision = out, d
			return nil
		})
		if err == nil {
			return stored, decision, nil
		}
		if !errors.Is(err, ingest.ErrStorageConflict) || ctx.Err() != nil {
			break
		}
		metrics.ObserveStoreConflict()
		e.logger.Debug("storage conflict, retrying",
			zap.String("key", candidate.Key().String()),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	return ingest.Article{}, ingest.DedupDecision{}, fmt.Errorf("dedup %s: %w", candidate.Key(), err)
}

// Resolve decides candidate against the rows visible through tx.
func (e *Engine) Resolve(ctx context.Context, tx ingest.Tx, candidate ingest.Article) (ingest.DedupDecision, error) {
	d, _, _, err := e.resolve(ctx, tx, candidate)
	return d, err
}

func (e *Engine) resolve(ctx context.Context, tx ingest.Tx, c ingest.Article) (ingest.DedupDecision, ingest.Article, bool, error) {
	existing, found, err := tx.GetByKey(ctx, c.Key())
	if err != nil {
		return ingest.DedupDecision{}, ingest.Article{}, false, fmt.Errorf("get %s: %w", c.Key(), err)
	}
	if found {
		if existing.Decided() {
			if existing.IsDuplicate {
				return ingest.DuplicateOf(existing.DuplicateOf, existing.Similarity, ingest.ReasonExisting), existing, true, nil
			}
			d := ingest.Unique()
			d.Reason = ingest.ReasonExisting
			return d, existing, true, nil
		}
		// A degraded canonical that already has duplicates must stay canonical.
		has, err := tx.HasDuplicates(ctx, existing.ID)
		if err != nil {
			return ingest.DedupDecision{}, existing, true, fmt.Errorf("check dependents of %s: %w", existing.ID, err)
		}
		if has {
			return ingest.Unique(), existing, true, nil
		}
	}

	if c.URL != "" {
		match, ok, err := tx.FindByURL(ctx, c.URL, c.Key())
		if err != nil {
			return ingest.DedupDecision{}, existing, found, fmt.Errorf("find by url: %w", err)
		}
		if ok {
			return ingest.DuplicateOf(match.Canonical(), 1.0, ingest.ReasonURL), existing, found, nil
		}
	}

	if !c.Embedded() {
		return ingest.Unique(), existing, found, nil
	}
	best, ok, err := e.semantic(ctx, tx, c, existing.ID)
	if err != nil {
		return ingest.DedupDecision{}, existing, found, err
	}
	if ok {
		return ingest.DuplicateOf(best.Article.ID, best.Similarity, ingest.ReasonSemantic), existing, found, nil
	}
	return ingest.Unique(), existing, found, nil
}

func (e *Engine) semantic(ctx context.Context, tx ingest.Tx, c ingest.Article, selfID string) (ingest.Match, bool, error) {
	q := ingest.NearestQuery{Vector: c.Embedding, K: e.opts.TopK, Exclude: c.Key()}
	if !e.opts.CrossDay() {
		q.PublishedFrom, q.PublishedTo = e.opts.window(c.PublishedAt)
	}
	if e.opts.Lookback > 0 {
		from := c.PublishedAt.Add(-e.opts.Lookback)
		if from.After(q.PublishedFrom) {
			q.PublishedFrom = from
		}
	}
	matches, err := tx.Nearest(ctx, q)
	if err != nil {
		return ingest.Match{}, false, fmt.Errorf("nearest: %w", err)
	}

	threshold := e.opts.ThresholdFor(c.Origin)
	var qualified []ingest.Match
	for _, m := range matches {
		if m.Article.IsDuplicate || (selfID != "" && m.Article.ID == selfID) {
			continue
		}
		if e.qualifies(c, m, threshold) {
			qualified = append(qualified, m)
		}
	}
	if len(qualified) == 0 {
		return ingest.Match{}, false, nil
	}
	slices.SortFunc(qualified, func(a, b ingest.Match) int {
		if c := a.Article.PublishedAt.Compare(b.Article.PublishedAt); c != 0 {
			return c
		}
		if c := cmp.Compare(b.Similarity, a.Similarity); c != 0 {
			return c
		}
		return strings.Compare(a.Article.ID, b.Article.ID)
	})
	return qualified[0], true, nil
}

func (e *Engine) qualifies(c ingest.Article, m ingest.Match, threshold float64) bool {
	if m.Similarity < threshold {
		return false
	}
	if e.opts.Lookback > 0 && m.Article.PublishedAt.Before(c.PublishedAt.Add(-e.opts.Lookback)) {
		return false
	}
	if dayDistance(c.PublishedAt, m.Article.PublishedAt, e.opts.Location) <= e.opts.DayWindow {
		return true
	}
	if e.opts.StrongThreshold > 0 && m.Similarity >= e.opts.StrongThreshold {
		return true
	}
	return e.opts.TitleOverlap > 0 && TitleJaccard(c.Title, m.Article.Title) >= e.opts.TitleOverlap
}
