package embedder

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/v3ct0r/techrag-go/internal/rag"
)

// RateLimitedEmbedder throttles calls to the wrapped embedder so bulk
// ingestion stays under provider quotas. One token covers one batch.
type RateLimitedEmbedder struct {
	inner   rag.Embedder
	limiter *rate.Limiter
}

// NewRateLimitedEmbedder wraps inner with a token-bucket limiter of rps
// requests per second and the given burst. Non-positive values fall back
// to 5 rps with a burst of 1.
func NewRateLimitedEmbedder(inner rag.Embedder, rps float64, burst int) *RateLimitedEmbedder {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimitedEmbedder{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Embed waits for limiter capacity, then forwards the batch.
func (e *RateLimitedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return e.inner.Embed(ctx, texts)
}
