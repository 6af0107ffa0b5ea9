package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/v3ct0r/techrag-go/internal/research"
)

const (
	defaultMaxChunks = 5
	defaultMaxChars  = 4000

	// contextOversample is how many times more chunks than requested are
	// fetched before source deduplication, so that dropping same-document
	// hits still leaves enough distinct candidates.
	contextOversample = 3
)

// ContextRequest describes the context to assemble for a research run.
type ContextRequest struct {
	// Query is the retrieval query text.
	Query string

	// Technique narrows the search to chunks tagged with this technique id.
	Technique string

	// Platform narrows the search to chunks tagged with this platform.
	Platform string

	// MaxChunks caps how many distinct-source chunks are included
	// (default: 5).
	MaxChunks int

	// MaxChars caps the assembled text length in bytes (default: 4000).
	MaxChars int
}

// ContextResult is the assembled research context. Text never exceeds the
// requested budget; Sources lists the contributing document ids in
// inclusion order.
type ContextResult struct {
	Text      string
	Sources   []string
	Chunks    int
	Truncated bool
}

// ContextBuilder turns retrieval hits into a bounded context block. An
// unreachable index degrades to an empty context rather than failing the
// research run.
type ContextBuilder struct {
	retriever Retriever
	log       *slog.Logger
}

// NewContextBuilder wires a Retriever into a ContextBuilder. A nil logger
// falls back to slog.Default.
func NewContextBuilder(retriever Retriever, log *slog.Logger) (*ContextBuilder, error) {
	if retriever == nil {
		return nil, fmt.Errorf("rag: retriever must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &ContextBuilder{retriever: retriever, log: log}, nil
}

// Build retrieves, deduplicates, and packs context for the request.
//
// Hits are deduplicated per source document, keeping only the most similar
// chunk of each, then accumulated greedily until MaxChars is reached. The
// last chunk is truncated to fit rather than dropped, so even a single
// over-budget chunk yields partial context. When a technique filter
// matches nothing the search is retried without it, still scoped to the
// platform. An unavailable index logs a warning and returns an empty
// result with no error.
func (b *ContextBuilder) Build(ctx context.Context, req ContextRequest) (ContextResult, error) {
	if strings.TrimSpace(req.Query) == "" {
		return ContextResult{}, &research.ValidationError{Field: "query", Reason: "must not be empty"}
	}
	if req.MaxChunks <= 0 {
		req.MaxChunks = defaultMaxChunks
	}
	if req.MaxChars <= 0 {
		req.MaxChars = defaultMaxChars
	}

	filters := map[string]string{}
	if req.Platform != "" {
		filters[MetaPlatform] = research.NormalizePlatform(req.Platform)
	}
	if req.Technique != "" {
		filters[MetaTechnique] = research.NormalizeTechnique(req.Technique)
	}

	topK := req.MaxChunks * contextOversample
	chunks, err := b.retriever.Retrieve(ctx, req.Query, topK, filters)
	if err == nil && len(chunks) == 0 && filters[MetaTechnique] != "" {
		delete(filters, MetaTechnique)
		chunks, err = b.retriever.Retrieve(ctx, req.Query, topK, filters)
	}
	if err != nil {
		if errors.Is(err, research.ErrIndexUnavailable) {
			b.log.Warn("vector index unavailable, continuing without context", "error", err)
			return ContextResult{}, nil
		}
		return ContextResult{}, err
	}

	res := b.pack(dedupeBySource(chunks), req.MaxChars, req.MaxChunks)
	b.log.Debug("assembled research context",
		"query", req.Query,
		"chunks", res.Chunks,
		"chars", len(res.Text),
		"truncated", res.Truncated)
	return res, nil
}

// pack accumulates chunks into a single text block under the byte budget.
func (b *ContextBuilder) pack(chunks []Chunk, maxChars, maxChunks int) ContextResult {
	var (
		sb  strings.Builder
		res ContextResult
	)
	for _, c := range chunks {
		if res.Chunks >= maxChunks {
			break
		}

		sep := ""
		if sb.Len() > 0 {
			sep = "\n\n"
		}
		header := "[Source: " + sourceID(c) + "]\n"
		remaining := maxChars - sb.Len()

		if len(sep)+len(header)+len(c.Text) <= remaining {
			sb.WriteString(sep)
			sb.WriteString(header)
			sb.WriteString(c.Text)
			res.Sources = append(res.Sources, sourceID(c))
			res.Chunks++
			continue
		}

		if space := remaining - len(sep) - len(header); space > 0 {
			sb.WriteString(sep)
			sb.WriteString(header)
			sb.WriteString(truncateToBytes(c.Text, space))
			res.Sources = append(res.Sources, sourceID(c))
			res.Chunks++
			res.Truncated = true
		} else if sb.Len() == 0 {
			// Even the header does not fit. Clip the whole block so a
			// single oversized chunk still yields partial context.
			sb.WriteString(truncateToBytes(header+c.Text, maxChars))
			res.Sources = append(res.Sources, sourceID(c))
			res.Chunks++
			res.Truncated = true
		}
		break
	}
	res.Text = sb.String()
	return res
}

// dedupeBySource keeps only the best-scoring chunk of each source document.
// Chunks arrive sorted by similarity, so the first hit per document wins.
func dedupeBySource(chunks []Chunk) []Chunk {
	seen := make(map[string]bool, len(chunks))
	out := chunks[:0:0]
	for _, c := range chunks {
		id := sourceID(c)
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, c)
	}
	return out
}

func sourceID(c Chunk) string {
	if c.DocumentID != "" {
		return c.DocumentID
	}
	return c.ID
}

// truncateToBytes clips s to at most n bytes without splitting a rune.
func truncateToBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
