// Package rag provides the vector index and retrieval engine: chunk storage
// with embeddings, filtered cosine similarity search, and bounded context
// assembly for the research pipeline. Concrete backends (SQLite, Qdrant,
// Postgres/pgvector) satisfy the same interface so callers never depend on a
// specific store.
package rag

import (
	"context"
	"crypto/sha256"
	"fmt"
)

// Metadata keys with first-class filter support in every backend.
const (
	MetaPlatform  = "platform"
	MetaTechnique = "technique"
	MetaSource    = "source"
)

// Chunk is a unit of indexed knowledge: a slice of a source document with
// its embedding. Chunks are immutable; the ID is a hash of the text, so
// re-indexing identical content is a no-op and deletion happens per source
// document.
type Chunk struct {
	// ID is the content hash of Text (see ChunkID).
	ID string

	// DocumentID identifies the source document this chunk came from.
	DocumentID string

	// Text is the chunk content.
	Text string

	// Metadata holds key-value pairs (platform, technique, source, etc.).
	Metadata map[string]string

	// Embedding is the dense vector for Text. Required on Upsert, not
	// returned by Search.
	Embedding []float32

	// Score is the cosine similarity assigned during retrieval.
	Score float32

	// Seq is the insertion order assigned by the store, used to break
	// similarity ties deterministically.
	Seq int64
}

// ChunkID returns the content-hash id for a chunk text.
func ChunkID(text string) string {
	h := sha256.Sum256([]byte(text))
	return fmt.Sprintf("%x", h[:16])
}

// VectorStore persists and searches chunk embeddings. Implementations must
// be safe to call from multiple goroutines and must report unreachable
// backends with research.ErrIndexUnavailable in the error chain.
type VectorStore interface {
	// Upsert stores a batch of chunks with their pre-computed embeddings.
	// Chunks whose ID is already indexed are left untouched.
	Upsert(ctx context.Context, chunks []Chunk) error

	// Search returns the topK most similar chunks for the query embedding,
	// descending by similarity with ties broken by insertion order. Filters
	// are exact matches on metadata; empty values are ignored.
	Search(ctx context.Context, queryEmbedding []float32, topK int, filters map[string]string) ([]Chunk, error)

	// DeleteDocument removes every chunk of a source document.
	DeleteDocument(ctx context.Context, documentID string) error

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}

// Embedder is the interface for converting text into dense vector embeddings.
// Implementations must be safe to call from multiple goroutines.
type Embedder interface {
	// Embed converts a batch of texts into their corresponding embeddings.
	// The returned slice is parallel to the input slice.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Retriever fetches relevant chunks for a query. It combines embedding and
// filtered vector search. Implementations must be safe to call from
// multiple goroutines.
type Retriever interface {
	// Retrieve returns the topK most relevant chunks for the query.
	Retrieve(ctx context.Context, query string, topK int, filters map[string]string) ([]Chunk, error)
}
