package server

import (
	"context"

	"github.com/v3ct0r/techrag-go/internal/rag"
)

// pingable is any backend that can report its own reachability.
type pingable interface {
	Ping(ctx context.Context) error
}

// StorePinger probes the output store database. It satisfies the Pinger
// interface and is used by GET /api/ready.
type StorePinger struct {
	store pingable
}

// NewStorePinger constructs a StorePinger for the given store.
func NewStorePinger(s pingable) *StorePinger {
	return &StorePinger{store: s}
}

// Name returns the dependency label used in readiness responses.
func (p *StorePinger) Name() string { return "store" }

// Ping checks that the store database answers.
func (p *StorePinger) Ping(ctx context.Context) error {
	return p.store.Ping(ctx)
}

// IndexPinger probes the vector index through the VectorStore interface, so
// it covers every backend (SQLite, Qdrant, pgvector) the same way.
type IndexPinger struct {
	index rag.VectorStore
}

// NewIndexPinger constructs an IndexPinger for the given vector store.
func NewIndexPinger(index rag.VectorStore) *IndexPinger {
	return &IndexPinger{index: index}
}

// Name returns the dependency label used in readiness responses.
func (p *IndexPinger) Name() string { return "index" }

// Ping checks that the vector index is reachable.
func (p *IndexPinger) Ping(ctx context.Context) error {
	return p.index.Ping(ctx)
}
