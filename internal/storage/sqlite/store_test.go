package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-news-ingest/internal/dedup"
	"github.com/JakeFAU/realtime-news-ingest/internal/id/uuid"
	"github.com/JakeFAU/realtime-news-ingest/internal/ingest"
)

var published = time.Date(2024, 6, 10, 9, 0, 0, 0, time.UTC)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "news.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func article(id string, vec ...float32) ingest.Article {
	return ingest.Article{
		Source:      ingest.SourceRSS,
		Origin:      "feeds",
		SourceID:    id,
		URL:         "https://example.com/" + id,
		Title:       "Story " + id,
		Content:     "content " + id,
		PublishedAt: published,
		FetchedAt:   published,
		Embedding:   vec,
	}
}

func upsert(t *testing.T, s *Store, a ingest.Article) ingest.Article {
	t.Helper()
	var out ingest.Article
	err := s.Atomically(context.Background(), nil, func(ctx context.Context, tx ingest.Tx) error {
		var err error
		out, err = tx.Upsert(ctx, a)
		return err
	})
	require.NoError(t, err)
	return out
}

func TestOpenIsRepeatable(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "news.db")
	first, err := Open(context.Background(), Config{Path: path})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := Open(context.Background(), Config{Path: path})
	require.NoError(t, err)
	version, dirty, err := second.Migrate()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)
	require.NoError(t, second.Ping(context.Background()))
	require.NoError(t, second.Close())

	_, err = Open(context.Background(), Config{})
	require.Error(t, err)
}

func TestUpsertRoundTripAndKeepsDecision(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	first := upsert(t, s, article("a", 0.6, 0.8))
	require.NotEmpty(t, first.ID)

	changed := article("a", 1, 0)
	changed.Title = "Edited"
	second := upsert(t, s, changed)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "Edited", second.Title)
	assert.Equal(t, []float32{0.6, 0.8}, second.Embedding)

	_ = s.Atomically(context.Background(), nil, func(ctx context.Context, tx ingest.Tx) error {
		got, ok, err := tx.GetByKey(ctx, changed.Key())
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "Edited", got.Title)
		assert.Equal(t, published, got.PublishedAt)
		assert.Equal(t, []float32{0.6, 0.8}, got.Embedding)
		return nil
	})
}

func TestNearestAndURLLookup(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	canon := upsert(t, s, article("canon", 1, 0))
	upsert(t, s, article("other", 0, 1))
	dup := article("dup", 1, 0)
	dup.URL = canon.URL
	dup.PublishedAt = published.Add(time.Hour)
	dup.IsDuplicate, dup.DuplicateOf, dup.Similarity = true, canon.ID, 1
	upsert(t, s, dup)
	old := article("old", 1, 0)
	old.PublishedAt = published.AddDate(0, 0, -2)
	upsert(t, s, old)

	err := s.Atomically(context.Background(), nil, func(ctx context.Context, tx ingest.Tx) error {
		matches, err := tx.Nearest(ctx, ingest.NearestQuery{
			Vector:        []float32{1, 0},
			K:             5,
			PublishedFrom: published.Add(-time.Hour),
			PublishedTo:   published.Add(24 * time.Hour),
		})
		require.NoError(t, err)
		require.Len(t, matches, 2)
		assert.Equal(t, "canon", matches[0].Article.SourceID)
		assert.InDelta(t, 1.0, matches[0].Similarity, 1e-6)

		byURL, ok, err := tx.FindByURL(ctx, canon.URL, canon.Key())
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "dup", byURL.SourceID)
		assert.True(t, byURL.IsDuplicate)

		has, err := tx.HasDuplicates(ctx, canon.ID)
		require.NoError(t, err)
		assert.True(t, has)
		return nil
	})
	require.NoError(t, err)
}

func TestAtomicallyRollsBack(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	boom := errors.New("boom")
	err := s.Atomically(context.Background(), []string{"k"}, func(ctx context.Context, tx ingest.Tx) error {
		if _, err := tx.Upsert(ctx, article("gone")); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_ = s.Atomically(context.Background(), nil, func(ctx context.Context, tx ingest.Tx) error {
		_, ok, err := tx.GetByKey(ctx, article("gone").Key())
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	})
}

func TestListNeedingEmbeddingAndCursors(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	degraded := article("deg")
	degraded.NeedsEmbedding = true
	upsert(t, s, degraded)
	upsert(t, s, article("ok", 1, 0))

	pending, err := s.ListNeedingEmbedding(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "deg", pending[0].SourceID)

	ctx := context.Background()
	cursor, err := s.LoadCursor(ctx, "feeds")
	require.NoError(t, err)
	assert.Empty(t, cursor)
	require.NoError(t, s.SaveCursor(ctx, "feeds", "one"))
	require.NoError(t, s.SaveCursor(ctx, "feeds", "two"))
	cursor, err = s.LoadCursor(ctx, "feeds")
	require.NoError(t, err)
	assert.Equal(t, ingest.Cursor("two"), cursor)
}

func TestDedupEngineOverSQLite(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	engine := dedup.New(s, uuid.New(), dedup.Options{}, zap.NewNop())
	ctx := context.Background()

	canon, d, err := engine.Process(ctx, article("a", 1, 0))
	require.NoError(t, err)
	require.False(t, d.IsDuplicate())

	dup, d, err := engine.Process(ctx, article("b", 0.9, 0.43588989))
	require.NoError(t, err)
	require.True(t, d.IsDuplicate())
	assert.Equal(t, canon.ID, dup.DuplicateOf)

	far := article("c", 0.9, 0.43588989)
	far.PublishedAt = published.AddDate(0, 0, 10)
	_, d, err = engine.Process(ctx, far)
	require.NoError(t, err)
	assert.False(t, d.IsDuplicate())

	again, d, err := engine.Process(ctx, article("b", 0, 1))
	require.NoError(t, err)
	assert.True(t, d.IsDuplicate())
	assert.Equal(t, dup.ID, again.ID)
}

func TestClassifyBusy(t *testing.T) {
	t.Parallel()

	err := classify(errors.New("database is locked (5) (SQLITE_BUSY)"), []string{"day:*"})
	require.ErrorIs(t, err, ingest.ErrStorageConflict)
	plain := errors.New("no such table")
	assert.Same(t, plain, classify(plain, nil))
}
