package sqlite

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/JakeFAU/realtime-news-ingest/internal/ingest"
	"github.com/JakeFAU/realtime-news-ingest/internal/vector"
)

var columns = []string{
	"id", "source", "origin", "source_id", "url", "title", "content", "author",
	"published_at", "fetched_at", "embedding", "is_duplicate",
	"COALESCE(duplicate_of, '')", "similarity", "needs_embedding",
}

func selectArticles() sq.SelectBuilder {
	return sq.Select(columns...).From("articles")
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryArticles(ctx context.Context, q queryer, query string, args ...any) ([]ingest.Article, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query articles: %w", err)
	}
	defer rows.Close()

	var out []ingest.Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate articles: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanArticle(row scanner) (ingest.Article, error) {
	var (
		a                    ingest.Article
		source               string
		published, fetched   int64
		embedding            []byte
		isDuplicate, pending bool
	)
	err := row.Scan(
		&a.ID, &source, &a.Origin, &a.SourceID, &a.URL, &a.Title, &a.Content, &a.Author,
		&published, &fetched, &embedding, &isDuplicate,
		&a.DuplicateOf, &a.Similarity, &pending,
	)
	if err != nil {
		return ingest.Article{}, err
	}
	a.Source = ingest.Source(source)
	a.PublishedAt = time.Unix(0, published).UTC()
	a.FetchedAt = time.Unix(0, fetched).UTC()
	a.IsDuplicate = isDuplicate
	a.NeedsEmbedding = pending
	if len(embedding) > 0 {
		v, err := vector.Decode(embedding)
		if err != nil {
			return ingest.Article{}, fmt.Errorf("decode embedding of %s: %w", a.ID, err)
		}
		a.Embedding = v
	}
	return a, nil
}

// articleTx implements ingest.Tx over a database/sql transaction.
type articleTx struct {
	tx  *sql.Tx
	ids ingest.IDGenerator
}

func (t *articleTx) one(ctx context.Context, b sq.SelectBuilder) (ingest.Article, bool, error) {
	query, args, err := b.Limit(1).ToSql()
	if err != nil {
		return ingest.Article{}, false, fmt.Errorf("build query: %w", err)
	}
	a, err := scanArticle(t.tx.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ingest.Article{}, false, nil
		}
		return ingest.Article{}, false, err
	}
	return a, true, nil
}

func (t *articleTx) GetByKey(ctx context.Context, key ingest.Key) (ingest.Article, bool, error) {
	a, ok, err := t.one(ctx, selectArticles().Where(sq.Eq{"source": string(key.Source), "source_id": key.SourceID}))
	if err != nil {
		return ingest.Article{}, false, fmt.Errorf("get article %s: %w", key, err)
	}
	return a, ok, nil
}

func (t *articleTx) FindByURL(ctx context.Context, url string, exclude ingest.Key) (ingest.Article, bool, error) {
	b := selectArticles().
		Where(sq.Eq{"url": url}).
		Where("NOT (source = ? AND source_id = ?)", string(exclude.Source), exclude.SourceID).
		OrderBy("published_at", "id")
	a, ok, err := t.one(ctx, b)
	if err != nil {
		return ingest.Article{}, false, fmt.Errorf("find article by url: %w", err)
	}
	return a, ok, nil
}

// Nearest scores every canonical embedded row in the publish window.
func (t *articleTx) Nearest(ctx context.Context, q ingest.NearestQuery) ([]ingest.Match, error) {
	b := selectArticles().
		Where(sq.Eq{"is_duplicate": 0}).
		Where(sq.NotEq{"embedding": nil}).
		Where("NOT (source = ? AND source_id = ?)", string(q.Exclude.Source), q.Exclude.SourceID)
	if !q.PublishedFrom.IsZero() {
		b = b.Where(sq.GtOrEq{"published_at": q.PublishedFrom.UnixNano()})
	}
	if !q.PublishedTo.IsZero() {
		b = b.Where(sq.Lt{"published_at": q.PublishedTo.UnixNano()})
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build nearest query: %w", err)
	}
	candidates, err := queryArticles(ctx, t.tx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("nearest: %w", err)
	}
	out := make([]ingest.Match, 0, len(candidates))
	for _, a := range candidates {
		out = append(out, ingest.Match{Article: a, Similarity: vector.Cosine(q.Vector, a.Embedding)})
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

func (t *articleTx) HasDuplicates(ctx context.Context, id string) (bool, error) {
	var has bool
	err := t.tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM articles WHERE duplicate_of = ?)`, id).Scan(&has)
	if err != nil {
		return false, fmt.Errorf("check duplicates of %s: %w", id, err)
	}
	return has, nil
}

// Upsert merges in onto the stored row, if any, and writes the result.
func (t *articleTx) Upsert(ctx context.Context, in ingest.Article) (ingest.Article, error) {
	row := in
	existing, found, err := t.GetByKey(ctx, in.Key())
	if err != nil {
		return ingest.Article{}, err
	}
	if found {
		row = ingest.Merge(existing, in)
	} else if row.ID == "" {
		id, err := t.ids.NewID()
		if err != nil {
			return ingest.Article{}, fmt.Errorf("new article id: %w", err)
		}
		row.ID = id
	}

	var embedding []byte
	if row.Embedded() {
		embedding = vector.Encode(row.Embedding)
	}
	var duplicateOf any
	if row.DuplicateOf != "" {
		duplicateOf = row.DuplicateOf
	}
	query, args, err := sq.Insert("articles").
		Columns(
			"id", "source", "origin", "source_id", "url", "title", "content", "author",
			"published_at", "fetched_at", "embedding", "is_duplicate", "duplicate_of",
			"similarity", "needs_embedding",
		).
		Values(
			row.ID, string(row.Source), row.Origin, row.SourceID, row.URL, row.Title, row.Content, row.Author,
			row.PublishedAt.UnixNano(), row.FetchedAt.UnixNano(), embedding, row.IsDuplicate, duplicateOf,
			row.Similarity, row.NeedsEmbedding,
		).
		Suffix(`ON CONFLICT(source, source_id) DO UPDATE SET
			origin = excluded.origin, url = excluded.url, title = excluded.title,
			content = excluded.content, author = excluded.author,
			published_at = excluded.published_at, fetched_at = excluded.fetched_at,
			embedding = excluded.embedding, is_duplicate = excluded.is_duplicate,
			duplicate_of = excluded.duplicate_of, similarity = excluded.similarity,
			needs_embedding = excluded.needs_embedding`).
		ToSql()
	if err != nil {
		return ingest.Article{}, fmt.Errorf("build upsert: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return ingest.Article{}, fmt.Errorf("upsert article %s: %w", row.Key(), err)
	}
	row.PublishedAt = row.PublishedAt.UTC()
	row.FetchedAt = row.FetchedAt.UTC()
	row.Embedding = slices.Clone(row.Embedding)
	return row, nil
}
