package memory

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/JakeFAU/realtime-news-ingest/internal/id/uuid"
	"github.com/JakeFAU/realtime-news-ingest/internal/ingest"
	"github.com/JakeFAU/realtime-news-ingest/internal/vector"
)

// ArticleStore is an in-memory ingest.Store. Writes inside Atomically are
// buffered and become visible when fn returns nil.
type ArticleStore struct {
	mu    sync.RWMutex
	rows  map[ingest.Key]ingest.Article
	locks *keyedLocks
	ids   ingest.IDGenerator
}

// NewArticleStore creates an empty store.
func NewArticleStore() *ArticleStore {
	return &ArticleStore{
		rows:  make(map[ingest.Key]ingest.Article),
		locks: newKeyedLocks(),
		ids:   uuid.New(),
	}
}

// Atomically runs fn holding every key.
func (s *ArticleStore) Atomically(ctx context.Context, keys []string, fn func(context.Context, ingest.Tx) error) error {
	release, err := s.locks.lock(ctx, keys)
	if err != nil {
		return err
	}
	defer release()

	tx := &txn{store: s, pending: make(map[ingest.Key]ingest.Article)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	s.mu.Lock()
	for k, a := range tx.pending {
		s.rows[k] = a
	}
	s.mu.Unlock()
	return nil
}

// ListNeedingEmbedding returns degraded articles, oldest first.
func (s *ArticleStore) ListNeedingEmbedding(_ context.Context, limit int) ([]ingest.Article, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ingest.Article
	for _, a := range s.rows {
		if a.NeedsEmbedding {
			out = append(out, clone(a))
		}
	}
	slices.SortFunc(out, byPublished)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Get returns the stored article for key.
func (s *ArticleStore) Get(key ingest.Key) (ingest.Article, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.rows[key]
	return clone(a), ok
}

// All returns every stored article ordered by publish time.
func (s *ArticleStore) All() []ingest.Article {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ingest.Article, 0, len(s.rows))
	for _, a := range s.rows {
		out = append(out, clone(a))
	}
	slices.SortFunc(out, byPublished)
	return out
}

// Ping always succeeds.
func (s *ArticleStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *ArticleStore) Close() error { return nil }

type txn struct {
	store   *ArticleStore
	pending map[ingest.Key]ingest.Article
}

// view returns committed rows overlaid with this transaction's writes.
func (t *txn) view() []ingest.Article {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	out := make([]ingest.Article, 0, len(t.store.rows)+len(t.pending))
	for k, a := range t.store.rows {
		if p, ok := t.pending[k]; ok {
			a = p
		}
		out = append(out, a)
	}
	for k, p := range t.pending {
		if _, ok := t.store.rows[k]; !ok {
			out = append(out, p)
		}
	}
	return out
}

func (t *txn) GetByKey(_ context.Context, key ingest.Key) (ingest.Article, bool, error) {
	if a, ok := t.pending[key]; ok {
		return clone(a), true, nil
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	a, ok := t.store.rows[key]
	return clone(a), ok, nil
}

func (t *txn) FindByURL(_ context.Context, url string, exclude ingest.Key) (ingest.Article, bool, error) {
	var best ingest.Article
	found := false
	for _, a := range t.view() {
		if a.URL != url || a.Key() == exclude {
			continue
		}
		if !found || byPublished(a, best) < 0 {
			best, found = a, true
		}
	}
	return clone(best), found, nil
}

func (t *txn) Nearest(_ context.Context, q ingest.NearestQuery) ([]ingest.Match, error) {
	var out []ingest.Match
	for _, a := range t.view() {
		if a.IsDuplicate || !a.Embedded() || a.Key() == q.Exclude {
			continue
		}
		if !q.PublishedFrom.IsZero() && a.PublishedAt.Before(q.PublishedFrom) {
			continue
		}
		if !q.PublishedTo.IsZero() && !a.PublishedAt.Before(q.PublishedTo) {
			continue
		}
		out = append(out, ingest.Match{Article: clone(a), Similarity: vector.Cosine(q.Vector, a.Embedding)})
	}
	slices.SortFunc(out, func(x, y ingest.Match) int {
		if c := cmp.Compare(y.Similarity, x.Similarity); c != 0 {
			return c
		}
		return strings.Compare(x.Article.ID, y.Article.ID)
	})
	if q.K > 0 && len(out) > q.K {
		out = out[:q.K]
	}
	return out, nil
}

func (t *txn) HasDuplicates(_ context.Context, id string) (bool, error) {
	for _, a := range t.view() {
		if a.IsDuplicate && a.DuplicateOf == id {
			return true, nil
		}
	}
	return false, nil
}

func (t *txn) Upsert(ctx context.Context, in ingest.Article) (ingest.Article, error) {
	existing, ok, _ := t.GetByKey(ctx, in.Key())
	var row ingest.Article
	if ok {
		row = ingest.Merge(existing, in)
	} else {
		row = clone(in)
		if row.ID == "" {
			id, err := t.store.ids.NewID()
			if err != nil {
				return ingest.Article{}, err
			}
			row.ID = id
		}
	}
	t.pending[row.Key()] = row
	return clone(row), nil
}

func clone(a ingest.Article) ingest.Article {
	a.Embedding = slices.Clone(a.Embedding)
	return a
}

func byPublished(a, b ingest.Article) int {
	if c := a.PublishedAt.Compare(b.PublishedAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}
