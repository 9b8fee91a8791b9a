// Package embedding turns article text into unit-length vectors. The
// Generator batches provider calls, consults a cache keyed by the text's
// digest, and rate limits the provider through a ratelimit guard. Articles
// whose batch cannot be embedded are marked degraded rather than dropped.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-news-ingest/internal/hash/sha256"
	"github.com/JakeFAU/realtime-news-ingest/internal/ingest"
	"github.com/JakeFAU/realtime-news-ingest/internal/metrics"
	"github.com/JakeFAU/realtime-news-ingest/internal/normalize"
	"github.com/JakeFAU/realtime-news-ingest/internal/vector"
)

// Defaults.
const (
	DefaultBatchSize   = 100
	MaxBatchSize       = 100
	DefaultMaxAttempts = 3
	DefaultDimensions  = 384
	MaxTextRunes       = 8000
)

// ErrEmptyText is returned for blank input.
var ErrEmptyText = errors.New("embedding: empty text")

// Provider computes raw embeddings for a batch of texts.
type Provider interface {
	Name() string
	Dimensions() int
	// Embed returns one vector per text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Cache stores vectors by key.
type Cache interface {
	Get(ctx context.Context, key string) ([]float32, bool, error)
	Set(ctx context.Context, key string, v []float32) error
}

// Guard is the rate limiter slice the generator needs.
type Guard interface {
	Acquire(ctx context.Context) error
	RecordFailure()
	RecordSuccess()
}

// Config controls batching and retries.
type Config struct {
	BatchSize   int
	MaxAttempts int
}

// Stats summarises one EmbedArticles call.
type Stats struct {
	Embedded  int `json:"embedded"`
	CacheHits int `json:"cache_hits"`
	Degraded  int `json:"degraded"`
}

// Generator is safe for concurrent use.
type Generator struct {
	provider Provider
	cache    Cache
	guard    Guard
	cfg      Config
	logger   *zap.Logger
}

// New builds a Generator. cache and guard may be nil.
func New(provider Provider, cache Cache, guard Guard, cfg Config, logger *zap.Logger) *Generator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	cfg.BatchSize = min(cfg.BatchSize, MaxBatchSize)
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{provider: provider, cache: cache, guard: guard, cfg: cfg, logger: logger}
}

// Provider returns the provider name.
func (g *Generator) Provider() string { return g.provider.Name() }

// ArticleText composes the text embedded for an article. The title is
// repeated to weight it over the body.
func ArticleText(a ingest.Article) string {
	return normalize.Truncate(fmt.Sprintf("%s. %s. %s", a.Title, a.Title, a.Content), MaxTextRunes)
}

// CacheKey is the digest of the trimmed, lower-cased text.
func CacheKey(text string) string {
	return sha256.Sum(strings.ToLower(strings.TrimSpace(text)))
}

// Embed returns unit vectors aligned with texts. Any failed batch fails the
// call.
func (g *Generator) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	misses, _, err := g.fromCache(ctx, texts, out)
	if err != nil {
		return nil, err
	}
	for _, batch := range chunk(misses, g.cfg.BatchSize) {
		if err := g.embedBatch(ctx, texts, batch, out); err != nil {
			return nil, err
		}
	}
	fillDuplicates(texts, out)
	return out, nil
}

// EmbedArticles sets Embedding on each article. Articles in a batch that
// exhausts its retries, or meets an open circuit, get NeedsEmbedding=true
// and no vector.
func (g *Generator) EmbedArticles(ctx context.Context, articles []*ingest.Article) Stats {
	var stats Stats
	if len(articles) == 0 {
		return stats
	}
	texts := make([]string, len(articles))
	for i, a := range articles {
		texts[i] = ArticleText(*a)
	}
	out := make([][]float32, len(texts))
	misses, hits, err := g.fromCache(ctx, texts, out)
	stats.CacheHits = hits
	if err != nil {
		// Only empty text fails here, and normalized articles always carry a title.
		g.logger.Warn("embedding input rejected", zap.Error(err))
	}
	for _, batch := range chunk(misses, g.cfg.BatchSize) {
		if err := g.embedBatch(ctx, texts, batch, out); err != nil {
			g.logger.Warn("embedding batch degraded",
				zap.String("provider", g.provider.Name()),
				zap.Int("size", len(batch)),
				zap.Error(err),
			)
		}
	}
	fillDuplicates(texts, out)
	for i, a := range articles {
		if out[i] == nil {
			a.Embedding = nil
			a.NeedsEmbedding = true
			stats.Degraded++
			continue
		}
		a.Embedding = out[i]
		a.NeedsEmbedding = false
		stats.Embedded++
	}
	return stats
}

// fromCache fills out from the cache and returns the indexes still missing,
// one index per distinct key.
func (g *Generator) fromCache(ctx context.Context, texts []string, out [][]float32) ([]int, int, error) {
	var misses []int
	hits := 0
	first := make(map[string]int, len(texts))
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			return nil, hits, ErrEmptyText
		}
		key := CacheKey(text)
		if _, dup := first[key]; dup {
			continue
		}
		first[key] = i
		if g.cache != nil {
			v, ok, err := g.cache.Get(ctx, key)
			if err != nil {
				g.logger.Debug("embedding cache get", zap.Error(err))
			}
			metrics.ObserveEmbeddingCache(ok)
			if ok && len(v) > 0 {
				out[i] = v
				hits++
				continue
			}
		}
		misses = append(misses, i)
	}
	return misses, hits, nil
}

// fillDuplicates copies each distinct text's vector to its repeats.
func fillDuplicates(texts []string, out [][]float32) {
	seen := make(map[string][]float32, len(texts))
	for i, text := range texts {
		key := CacheKey(text)
		if out[i] != nil {
			if _, ok := seen[key]; !ok {
				seen[key] = out[i]
			}
			continue
		}
		if v, ok := seen[key]; ok {
			out[i] = v
		}
	}
}

func (g *Generator) embedBatch(ctx context.Context, texts []string, idx []int, out [][]float32) error {
	batch := make([]string, len(idx))
	for k, i := range idx {
		batch[k] = texts[i]
	}
	name := g.provider.Name()

	var lastErr error
	for attempt := 1; attempt <= g.cfg.MaxAttempts; attempt++ {
		if g.guard != nil {
			if err := g.guard.Acquire(ctx); err != nil {
				if lastErr == nil {
					lastErr = err
				}
				return &ingest.EmbeddingError{Provider: name, Attempts: attempt - 1, Err: lastErr}
			}
		}
		vecs, err := g.provider.Embed(ctx, batch)
		if err == nil && len(vecs) != len(batch) {
			err = fmt.Errorf("provider returned %d vectors for %d texts", len(vecs), len(batch))
		}
		if err != nil {
			if g.guard != nil {
				g.guard.RecordFailure()
			}
			metrics.ObserveEmbeddingRequest(name, "error")
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if g.guard != nil {
			g.guard.RecordSuccess()
		}
		metrics.ObserveEmbeddingRequest(name, "success")

		for k, i := range idx {
			v := vector.Normalize(vecs[k])
			out[i] = v
			if g.cache != nil {
				if err := g.cache.Set(ctx, CacheKey(batch[k]), v); err != nil {
					g.logger.Debug("embedding cache set", zap.Error(err))
				}
			}
		}
		return nil
	}
	return &ingest.EmbeddingError{Provider: name, Attempts: g.cfg.MaxAttempts, Err: lastErr}
}

func chunk(idx []int, size int) [][]int {
	var out [][]int
	for len(idx) > 0 {
		n := min(size, len(idx))
		out = append(out, idx[:n])
		idx = idx[n:]
	}
	return out
}
