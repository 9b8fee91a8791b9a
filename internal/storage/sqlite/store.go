// Package sqlite stores articles and source cursors in a single SQLite
// file. There is one writer at a time; nearest-neighbour search is a brute
// force scan of the requested publish window.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite" // register the "sqlite" driver

	"github.com/JakeFAU/realtime-news-ingest/internal/id/uuid"
	"github.com/JakeFAU/realtime-news-ingest/internal/ingest"
)

// Config selects the database file.
type Config struct {
	// Path is a file path or ":memory:".
	Path        string
	BusyTimeout time.Duration
}

// Store implements ingest.Store and ingest.CursorStore.
type Store struct {
	db  *sql.DB
	ids ingest.IDGenerator
}

// Open connects to the database and applies migrations.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("storage.path is required")
	}
	db, err := sql.Open("sqlite", dsn(cfg))
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection makes every transaction the single writer.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	s := &Store{db: db, ids: uuid.New()}
	if _, _, err := s.Migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func dsn(cfg Config) string {
	timeout := cfg.BusyTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", timeout.Milliseconds()))
	q.Add("_pragma", "foreign_keys(1)")
	if cfg.Path != ":memory:" {
		q.Add("_pragma", "journal_mode(WAL)")
	}
	q.Set("_txlock", "immediate")
	return "file:" + cfg.Path + "?" + q.Encode()
}

// Atomically runs fn in one BEGIN IMMEDIATE transaction. Lock keys are not
// needed beyond that: SQLite admits a single writer.
func (s *Store) Atomically(ctx context.Context, keys []string, fn func(context.Context, ingest.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("begin transaction: %w", err), keys)
	}
	if err := fn(ctx, &articleTx{tx: tx, ids: s.ids}); err != nil {
		_ = tx.Rollback()
		return classify(err, keys)
	}
	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("commit: %w", err), keys)
	}
	return nil
}

// ListNeedingEmbedding returns degraded articles, oldest first.
func (s *Store) ListNeedingEmbedding(ctx context.Context, limit int) ([]ingest.Article, error) {
	if limit <= 0 {
		limit = 100
	}
	query, args, err := selectArticles().
		Where(sq.Eq{"needs_embedding": 1}).
		OrderBy("published_at", "id").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build degraded query: %w", err)
	}
	return queryArticles(ctx, s.db, query, args...)
}

// LoadCursor returns the saved cursor for source, or "" if none exists.
func (s *Store) LoadCursor(ctx context.Context, source string) (ingest.Cursor, error) {
	var cursor string
	err := s.db.QueryRowContext(ctx, `SELECT cursor FROM source_cursors WHERE source = ?`, source).Scan(&cursor)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("load cursor for %s: %w", source, err)
	}
	return ingest.Cursor(cursor), nil
}

// SaveCursor upserts the cursor for source.
func (s *Store) SaveCursor(ctx context.Context, source string, cursor ingest.Cursor) error {
	query, args, err := sq.Insert("source_cursors").
		Columns("source", "cursor", "updated_at").
		Values(source, string(cursor), time.Now().UnixNano()).
		Suffix("ON CONFLICT(source) DO UPDATE SET cursor = excluded.cursor, updated_at = excluded.updated_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("build cursor upsert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("save cursor for %s: %w", source, err)
	}
	return nil
}

// Ping checks the database handle.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SQLite result codes that mean another writer got in the way.
const (
	codeBusy             = 5
	codeLocked           = 6
	codeConstraintUnique = 2067
)

func classify(err error, keys []string) error {
	var coder interface{ Code() int }
	conflict := false
	if errors.As(err, &coder) {
		switch coder.Code() {
		case codeBusy, codeLocked, codeConstraintUnique:
			conflict = true
		}
	}
	if msg := err.Error(); strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked") {
		conflict = true
	}
	if !conflict {
		return err
	}
	key := ""
	if len(keys) > 0 {
		key = keys[0]
	}
	return &ingest.StorageConflictError{Key: key, Err: err}
}
