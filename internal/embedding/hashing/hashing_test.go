package hashing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-news-ingest/internal/vector"
)

func TestEmbedIsDeterministicAndSimilarityOrdered(t *testing.T) {
	t.Parallel()

	p := New(0)
	assert.Equal(t, DefaultDimensions, p.Dimensions())

	vecs, err := p.Embed(context.Background(), []string{
		"OpenAI releases a new open weights language model",
		"OpenAI releases new open weights language model today",
		"Local bakery wins award for sourdough bread",
	})
	require.NoError(t, err)
	again, err := p.Embed(context.Background(), []string{"OpenAI releases a new open weights language model"})
	require.NoError(t, err)
	assert.Equal(t, vecs[0], again[0])

	near := vector.Cosine(vecs[0], vecs[1])
	far := vector.Cosine(vecs[0], vecs[2])
	assert.Greater(t, near, 0.7)
	assert.Less(t, far, 0.3)
}

func TestEmbedHonorsContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(8).Embed(ctx, []string{"x"})
	require.ErrorIs(t, err, context.Canceled)
}
