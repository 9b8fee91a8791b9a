package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/realtime-news-ingest/internal/ingest"
)

// CursorStore keeps per-source cursors in memory.
type CursorStore struct {
	mu      sync.RWMutex
	cursors map[string]ingest.Cursor
}

// NewCursorStore creates an empty CursorStore.
func NewCursorStore() *CursorStore {
	return &CursorStore{cursors: make(map[string]ingest.Cursor)}
}

// LoadCursor returns the saved cursor or "" for an unknown source.
func (s *CursorStore) LoadCursor(_ context.Context, source string) (ingest.Cursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursors[source], nil
}

// SaveCursor records cursor for source.
func (s *CursorStore) SaveCursor(_ context.Context, source string, cursor ingest.Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[source] = cursor
	return nil
}
