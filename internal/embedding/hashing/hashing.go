// Package hashing is a local embedding provider based on feature hashing of
// word unigrams and bigrams. It needs no network and is deterministic, which
// makes it the default for offline runs and tests. Texts sharing most words
// land close together; paraphrases with different vocabulary do not.
package hashing

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode"
)

// DefaultDimensions matches the stored vector size.
const DefaultDimensions = 384

// Provider implements embedding.Provider.
type Provider struct {
	dims int
}

// New builds a Provider with dims buckets.
func New(dims int) *Provider {
	if dims <= 0 {
		dims = DefaultDimensions
	}
	return &Provider{dims: dims}
}

// Name returns "hashing".
func (p *Provider) Name() string { return "hashing" }

// Dimensions returns the vector size.
func (p *Provider) Dimensions() int { return p.dims }

// Embed hashes each text. Vectors are not normalized here.
func (p *Provider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = p.vector(text)
	}
	return out, nil
}

func (p *Provider) vector(text string) []float32 {
	v := make([]float32, p.dims)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for i, w := range words {
		p.add(v, w, 1)
		if i > 0 {
			p.add(v, words[i-1]+" "+w, 0.5)
		}
	}
	return v
}

func (p *Provider) add(v []float32, feature string, weight float32) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(feature))
	sum := h.Sum64()
	idx := int(sum % uint64(p.dims))
	if sum>>63 == 1 {
		weight = -weight
	}
	v[idx] += weight
}
