// Package postgres stores articles and source cursors in Postgres with the
// pgvector extension.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/realtime-news-ingest/internal/id/uuid"
	"github.com/JakeFAU/realtime-news-ingest/internal/ingest"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// querier is the statement surface shared by the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// pool is satisfied by *pgxpool.Pool and pgxmock.PgxPoolIface.
type pool interface {
	querier
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Store implements ingest.Store and ingest.CursorStore.
type Store struct {
	pool pool
	raw  *pgxpool.Pool
	ids  ingest.IDGenerator
}

// NewStore connects a pool using cfg.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("storage.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: p, raw: p, ids: uuid.New()}, nil
}

// NewStoreWithPool wraps an existing pool (primarily for testing).
func NewStoreWithPool(p pool) (*Store, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	return &Store{pool: p, ids: uuid.New()}, nil
}

// Atomically runs fn inside one transaction after taking a transaction
// scoped advisory lock for each key in sorted order.
func (s *Store) Atomically(ctx context.Context, keys []string, fn func(context.Context, ingest.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := s.run(ctx, tx, keys, fn); err != nil {
		_ = tx.Rollback(context.WithoutCancel(ctx))
		return classify(err, keys)
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(fmt.Errorf("commit: %w", err), keys)
	}
	return nil
}

func (s *Store) run(ctx context.Context, tx pgx.Tx, keys []string, fn func(context.Context, ingest.Tx) error) error {
	sorted := slices.Clone(keys)
	slices.Sort(sorted)
	for _, key := range slices.Compact(sorted) {
		if _, err := tx.Exec(ctx, lockSQL, key); err != nil {
			return fmt.Errorf("advisory lock %s: %w", key, err)
		}
	}
	return fn(ctx, &articleTx{q: tx, ids: s.ids})
}

// ListNeedingEmbedding returns degraded articles, oldest first.
func (s *Store) ListNeedingEmbedding(ctx context.Context, limit int) ([]ingest.Article, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, listNeedingEmbeddingSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list degraded articles: %w", err)
	}
	defer rows.Close()

	var out []ingest.Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan degraded article: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate degraded articles: %w", err)
	}
	return out, nil
}

// LoadCursor returns the saved cursor for source, or "" if none exists.
func (s *Store) LoadCursor(ctx context.Context, source string) (ingest.Cursor, error) {
	var cursor string
	err := s.pool.QueryRow(ctx, `SELECT cursor FROM source_cursors WHERE source = $1`, source).Scan(&cursor)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("load cursor for %s: %w", source, err)
	}
	return ingest.Cursor(cursor), nil
}

// SaveCursor upserts the cursor for source.
func (s *Store) SaveCursor(ctx context.Context, source string, cursor ingest.Cursor) error {
	const query = `
		INSERT INTO source_cursors (source, cursor, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (source) DO UPDATE
		SET cursor = EXCLUDED.cursor, updated_at = EXCLUDED.updated_at;
	`
	if _, err := s.pool.Exec(ctx, query, source, string(cursor)); err != nil {
		return fmt.Errorf("save cursor for %s: %w", source, err)
	}
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// Postgres error codes that mean a concurrent writer won.
const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

func classify(err error, keys []string) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case codeUniqueViolation, codeSerializationFailure, codeDeadlockDetected:
		key := ""
		if len(keys) > 0 {
			key = keys[0]
		}
		return &ingest.StorageConflictError{Key: key, Err: err}
	}
	return err
}
