package ingest

import (
	"context"
	"io"
	"time"
)

// Connector wraps exactly one source's network protocol.
type Connector interface {
	// Name is the configured source instance name (rate limiter key).
	Name() string
	Source() Source
	// Fetch returns the page after cursor. Re-invoking with the same cursor
	// must not skip items or corrupt the returned cursor.
	Fetch(ctx context.Context, cursor Cursor) (Page, error)
}

// Tx is the read-decide-write view handed out by Store.Atomically.
type Tx interface {
	GetByKey(ctx context.Context, key Key) (Article, bool, error)
	// FindByURL returns the earliest stored article with the URL, skipping exclude.
	FindByURL(ctx context.Context, url string, exclude Key) (Article, bool, error)
	// Nearest returns up to q.K canonical, embedded articles ordered by similarity.
	Nearest(ctx context.Context, q NearestQuery) ([]Match, error)
	HasDuplicates(ctx context.Context, id string) (bool, error)
	Upsert(ctx context.Context, article Article) (Article, error)
}

// Store is the article store shared by all per-source pipelines.
type Store interface {
	// Atomically runs fn while holding every lock key. Two calls sharing any
	// key never interleave.
	Atomically(ctx context.Context, keys []string, fn func(ctx context.Context, tx Tx) error) error
	ListNeedingEmbedding(ctx context.Context, limit int) ([]Article, error)
	Ping(ctx context.Context) error
	Close() error
}

// CursorStore persists per-source cursors across cycles.
type CursorStore interface {
	LoadCursor(ctx context.Context, source string) (Cursor, error)
	SaveCursor(ctx context.Context, source string, cursor Cursor) error
}

// BlobStore archives raw payloads and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes cycle reports to downstream monitoring.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for cache keys and lock keys.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces article and cycle IDs.
type IDGenerator interface {
	NewID() (string, error)
}
