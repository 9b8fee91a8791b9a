package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/realtime-news-ingest/internal/ingest"
	"github.com/JakeFAU/realtime-news-ingest/internal/vector"
)

const lockSQL = `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`

const articleColumns = `id::text, source, origin, source_id, url, title, content, author,
	published_at, fetched_at, COALESCE(embedding::text, ''), is_duplicate,
	COALESCE(duplicate_of::text, ''), similarity, needs_embedding`

// decided matches ingest.Article.Decided for the stored row.
const decided = `(articles.is_duplicate OR (articles.embedding IS NOT NULL AND NOT articles.needs_embedding))`

var (
	getByKeySQL = `SELECT ` + articleColumns + ` FROM articles WHERE source = $1 AND source_id = $2`

	findByURLSQL = `SELECT ` + articleColumns + ` FROM articles
		WHERE url = $1 AND NOT (source = $2 AND source_id = $3)
		ORDER BY published_at, id
		LIMIT 1`

	nearestSQL = `SELECT ` + articleColumns + `, 1 - (embedding <=> $1::vector) AS score
		FROM articles
		WHERE NOT is_duplicate
		  AND embedding IS NOT NULL
		  AND NOT (source = $2 AND source_id = $3)
		  AND ($4::timestamptz IS NULL OR published_at >= $4)
		  AND ($5::timestamptz IS NULL OR published_at < $5)
		ORDER BY embedding <=> $1::vector, id
		LIMIT $6`

	hasDuplicatesSQL = `SELECT EXISTS (SELECT 1 FROM articles WHERE duplicate_of = $1::uuid)`

	listNeedingEmbeddingSQL = `SELECT ` + articleColumns + ` FROM articles
		WHERE needs_embedding
		ORDER BY published_at, id
		LIMIT $1`

	upsertSQL = fmt.Sprintf(`
		INSERT INTO articles (
			id, source, origin, source_id, url, title, content, author,
			published_at, fetched_at, embedding, is_duplicate, duplicate_of,
			similarity, needs_embedding
		) VALUES (
			$1::uuid, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::vector, $12,
			NULLIF($13, '')::uuid, $14, $15
		)
		ON CONFLICT (source, source_id) DO UPDATE SET
			origin = COALESCE(NULLIF(EXCLUDED.origin, ''), articles.origin),
			url = COALESCE(NULLIF(EXCLUDED.url, ''), articles.url),
			title = COALESCE(NULLIF(EXCLUDED.title, ''), articles.title),
			content = COALESCE(NULLIF(EXCLUDED.content, ''), articles.content),
			author = COALESCE(NULLIF(EXCLUDED.author, ''), articles.author),
			published_at = EXCLUDED.published_at,
			fetched_at = EXCLUDED.fetched_at,
			embedding = CASE WHEN %[1]s THEN articles.embedding ELSE EXCLUDED.embedding END,
			is_duplicate = CASE WHEN %[1]s THEN articles.is_duplicate ELSE EXCLUDED.is_duplicate END,
			similarity = CASE WHEN %[1]s THEN articles.similarity ELSE EXCLUDED.similarity END,
			needs_embedding = CASE WHEN %[1]s THEN articles.needs_embedding ELSE EXCLUDED.needs_embedding END,
			duplicate_of = CASE WHEN %[1]s THEN articles.duplicate_of
				ELSE COALESCE(articles.duplicate_of, EXCLUDED.duplicate_of) END,
			updated_at = NOW()
		RETURNING %[2]s`, decided, articleColumns)
)

// articleTx implements ingest.Tx over a pgx transaction.
type articleTx struct {
	q   querier
	ids ingest.IDGenerator
}

func (t *articleTx) GetByKey(ctx context.Context, key ingest.Key) (ingest.Article, bool, error) {
	a, err := scanArticle(t.q.QueryRow(ctx, getByKeySQL, string(key.Source), key.SourceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ingest.Article{}, false, nil
		}
		return ingest.Article{}, false, fmt.Errorf("get article %s: %w", key, err)
	}
	return a, true, nil
}

func (t *articleTx) FindByURL(ctx context.Context, url string, exclude ingest.Key) (ingest.Article, bool, error) {
	a, err := scanArticle(t.q.QueryRow(ctx, findByURLSQL, url, string(exclude.Source), exclude.SourceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ingest.Article{}, false, nil
		}
		return ingest.Article{}, false, fmt.Errorf("find article by url: %w", err)
	}
	return a, true, nil
}

func (t *articleTx) Nearest(ctx context.Context, q ingest.NearestQuery) ([]ingest.Match, error) {
	rows, err := t.q.Query(ctx, nearestSQL,
		vector.Literal(q.Vector),
		string(q.Exclude.Source),
		q.Exclude.SourceID,
		nullTime(q.PublishedFrom),
		nullTime(q.PublishedTo),
		q.K,
	)
	if err != nil {
		return nil, fmt.Errorf("query nearest: %w", err)
	}
	defer rows.Close()

	var out []ingest.Match
	for rows.Next() {
		var (
			m     ingest.Match
			score float64
		)
		m.Article, err = scanArticle(rows, &score)
		if err != nil {
			return nil, fmt.Errorf("scan nearest: %w", err)
		}
		m.Similarity = score
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nearest: %w", err)
	}
	return out, nil
}

func (t *articleTx) HasDuplicates(ctx context.Context, id string) (bool, error) {
	var has bool
	if err := t.q.QueryRow(ctx, hasDuplicatesSQL, id).Scan(&has); err != nil {
		return false, fmt.Errorf("check duplicates of %s: %w", id, err)
	}
	return has, nil
}

func (t *articleTx) Upsert(ctx context.Context, a ingest.Article) (ingest.Article, error) {
	if a.ID == "" {
		id, err := t.ids.NewID()
		if err != nil {
			return ingest.Article{}, fmt.Errorf("new article id: %w", err)
		}
		a.ID = id
	}
	var embedding any
	if a.Embedded() {
		embedding = vector.Literal(a.Embedding)
	}
	row := t.q.QueryRow(ctx, upsertSQL,
		a.ID,
		string(a.Source),
		a.Origin,
		a.SourceID,
		a.URL,
		a.Title,
		a.Content,
		a.Author,
		a.PublishedAt,
		a.FetchedAt,
		embedding,
		a.IsDuplicate,
		a.DuplicateOf,
		a.Similarity,
		a.NeedsEmbedding,
	)
	stored, err := scanArticle(row)
	if err != nil {
		return ingest.Article{}, fmt.Errorf("upsert article %s: %w", a.Key(), err)
	}
	return stored, nil
}

func scanArticle(row pgx.Row, extra ...any) (ingest.Article, error) {
	var (
		a         ingest.Article
		source    string
		embedding string
	)
	dest := []any{
		&a.ID, &source, &a.Origin, &a.SourceID, &a.URL, &a.Title, &a.Content, &a.Author,
		&a.PublishedAt, &a.FetchedAt, &embedding, &a.IsDuplicate,
		&a.DuplicateOf, &a.Similarity, &a.NeedsEmbedding,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return ingest.Article{}, err
	}
	a.Source = ingest.Source(source)
	a.PublishedAt = a.PublishedAt.UTC()
	a.FetchedAt = a.FetchedAt.UTC()
	if embedding != "" {
		v, err := vector.ParseLiteral(embedding)
		if err != nil {
			return ingest.Article{}, fmt.Errorf("parse embedding: %w", err)
		}
		a.Embedding = v
	}
	return a, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
