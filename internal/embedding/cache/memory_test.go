package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryEvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory(2, time.Hour)
	require.NoError(t, m.Set(ctx, "a", []float32{1}))
	require.NoError(t, m.Set(ctx, "b", []float32{2}))

	_, ok, _ := m.Get(ctx, "a")
	require.True(t, ok)
	require.NoError(t, m.Set(ctx, "c", []float32{3}))

	_, ok, _ = m.Get(ctx, "b")
	assert.False(t, ok, "b was least recently used")
	v, ok, _ := m.Get(ctx, "a")
	assert.True(t, ok)
	assert.Equal(t, []float32{1}, v)
	assert.Equal(t, 2, m.Len())
}

func TestMemoryExpiresEntries(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemory(10, time.Minute)
	m.now = func() time.Time { return now }

	require.NoError(t, m.Set(ctx, "k", []float32{1}))
	now = now.Add(59 * time.Second)
	_, ok, _ := m.Get(ctx, "k")
	assert.True(t, ok)

	now = now.Add(time.Second)
	_, ok, _ = m.Get(ctx, "k")
	assert.False(t, ok)
	assert.Zero(t, m.Len())
}

func TestMemoryOverwriteRefreshes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory(0, 0)
	require.NoError(t, m.Set(ctx, "k", []float32{1}))
	require.NoError(t, m.Set(ctx, "k", []float32{2}))
	v, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []float32{2}, v)
	assert.Equal(t, 1, m.Len())
}
