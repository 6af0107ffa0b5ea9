package embedder

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/v3ct0r/techrag-go/internal/rag"
)

const (
	defaultCacheSize = 4096
	defaultCacheTTL  = 24 * time.Hour
)

// CachedEmbedder memoizes embeddings by content hash, so re-indexing
// unchanged documents and re-running identical queries skip the embedding
// API entirely. Entries expire so long-running workers pick up model
// upgrades eventually.
type CachedEmbedder struct {
	inner rag.Embedder
	cache *expirable.LRU[string, []float32]
}

// NewCachedEmbedder wraps inner with an expiring LRU cache. Non-positive
// size or ttl fall back to 4096 entries and 24h.
func NewCachedEmbedder(inner rag.Embedder, size int, ttl time.Duration) *CachedEmbedder {
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &CachedEmbedder{
		inner: inner,
		cache: expirable.NewLRU[string, []float32](size, nil, ttl),
	}
}

// Embed serves cached vectors where possible and forwards only the misses
// to the wrapped embedder in a single batch.
func (e *CachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))

	var (
		missIdx   []int
		missTexts []string
	)
	for i, t := range texts {
		if v, ok := e.cache.Get(rag.ChunkID(t)); ok {
			out[i] = v
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, t)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	got, err := e.inner.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(got) != len(missTexts) {
		return nil, fmt.Errorf("embedder: expected %d embeddings, got %d", len(missTexts), len(got))
	}

	for j, i := range missIdx {
		e.cache.Add(rag.ChunkID(texts[i]), got[j])
		out[i] = got[j]
	}
	return out, nil
}

// Len reports how many embeddings are currently cached.
func (e *CachedEmbedder) Len() int {
	return e.cache.Len()
}
