package rag

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/qdrant/go-client/qdrant"

	"github.com/v3ct0r/techrag-go/internal/research"
)

// QdrantConfig holds connection parameters for a Qdrant vector store instance.
type QdrantConfig struct {
	// Host is the Qdrant server hostname (default: localhost).
	Host string

	// Port is the Qdrant gRPC port (default: 6334).
	Port int

	// Collection is the Qdrant collection name to use.
	Collection string

	// VectorSize is the dimensionality of the embeddings stored in this
	// collection (default: 768).
	VectorSize uint64

	// APIKey is the optional Qdrant API key for authenticated clusters.
	APIKey string

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool
}

// QdrantStore implements VectorStore backed by a Qdrant instance.
type QdrantStore struct {
	// client is the underlying Qdrant gRPC client.
	client *qdrant.Client

	// cfg holds the resolved configuration for this store.
	cfg *QdrantConfig
}

// NewQdrantStore creates a new QdrantStore, ensuring the target collection
// exists (creating it if necessary), and returns a ready-to-use VectorStore.
func NewQdrantStore(ctx context.Context, cfg *QdrantConfig) (*QdrantStore, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	if cfg.VectorSize == 0 {
		cfg.VectorSize = 768
	}

	clientCfg := &qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	}

	client, err := qdrant.NewClient(clientCfg)
	if err != nil {
		return nil, fmt.Errorf("qdrant: failed to create client: %w", err)
	}

	store := &QdrantStore{client: client, cfg: cfg}
	if err := store.ensureCollection(ctx); err != nil {
		return nil, err
	}

	return store, nil
}

// ensureCollection creates the Qdrant collection if it does not already exist.
func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.cfg.Collection)
	if err != nil {
		return fmt.Errorf("qdrant: failed to check collection existence: %w: %w", research.ErrIndexUnavailable, err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.cfg.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     s.cfg.VectorSize,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("qdrant: failed to create collection %q: %w: %w", s.cfg.Collection, research.ErrIndexUnavailable, err)
	}

	return nil
}

// Upsert stores a batch of chunks with their pre-computed embeddings.
// Chunks already present keep the seq they were first indexed with, so
// re-ingesting a document never disturbs tie-break ordering.
func (s *QdrantStore) Upsert(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	ids := make([]*qdrant.PointId, 0, len(chunks))
	for i := range chunks {
		c := &chunks[i]
		if c.ID == "" {
			c.ID = ChunkID(c.Text)
		}
		if len(c.Embedding) == 0 {
			return &research.ValidationError{Field: "embedding", Reason: "must not be empty"}
		}
		ids = append(ids, qdrant.NewIDUUID(pointUUID(c.ID)))
	}

	prior, err := s.existingSeqs(ctx, ids)
	if err != nil {
		return err
	}

	base := time.Now().UnixNano()
	points := make([]*qdrant.PointStruct, 0, len(chunks))
	for i, c := range chunks {
		seq, ok := prior[c.ID]
		if !ok {
			seq = base + int64(i)
		}
		payload := map[string]interface{}{
			"content":     c.Text,
			"document_id": c.DocumentID,
			"seq":         seq,
		}
		for k, v := range c.Metadata {
			payload[k] = v
		}

		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(pointUUID(c.ID)),
			Vectors: qdrant.NewVectors(c.Embedding...),
			Payload: qdrant.NewValueMap(payload),
		})
	}

	_, err = s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.cfg.Collection,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("qdrant: upsert failed: %w: %w", research.ErrIndexUnavailable, err)
	}

	return nil
}

// existingSeqs fetches the stored seq for ids that are already indexed.
func (s *QdrantStore) existingSeqs(ctx context.Context, ids []*qdrant.PointId) (map[string]int64, error) {
	got, err := s.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: s.cfg.Collection,
		Ids:            ids,
		WithPayload:    qdrant.NewWithPayloadInclude("seq"),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: failed to fetch existing points: %w: %w", research.ErrIndexUnavailable, err)
	}

	prior := make(map[string]int64, len(got))
	for _, p := range got {
		if v, ok := p.Payload["seq"]; ok {
			prior[chunkIDFromUUID(p.Id.GetUuid())] = v.GetIntegerValue()
		}
	}
	return prior, nil
}

// Search performs a cosine similarity search and returns the top-k results.
// Filters become exact-match payload conditions. Results are re-sorted
// client-side so equal scores keep insertion order.
func (s *QdrantStore) Search(ctx context.Context, queryEmbedding []float32, topK int, filters map[string]string) ([]Chunk, error) {
	if topK <= 0 {
		return nil, nil
	}

	var must []*qdrant.Condition
	for k, v := range filters {
		if v == "" {
			continue
		}
		must = append(must, qdrant.NewMatch(k, v))
	}
	var filter *qdrant.Filter
	if len(must) > 0 {
		filter = &qdrant.Filter{Must: must}
	}

	limit := uint64(topK)
	results, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.cfg.Collection,
		Query:          qdrant.NewQuery(queryEmbedding...),
		Filter:         filter,
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: search failed: %w: %w", research.ErrIndexUnavailable, err)
	}

	chunks := make([]Chunk, 0, len(results))
	for _, r := range results {
		c := Chunk{
			ID:       chunkIDFromUUID(r.Id.GetUuid()),
			Score:    r.Score,
			Metadata: make(map[string]string),
		}
		if p := r.Payload; p != nil {
			if v, ok := p["content"]; ok {
				c.Text = v.GetStringValue()
			}
			if v, ok := p["document_id"]; ok {
				c.DocumentID = v.GetStringValue()
			}
			if v, ok := p["seq"]; ok {
				c.Seq = v.GetIntegerValue()
			}
			for k, v := range p {
				if k != "content" && k != "document_id" && k != "seq" {
					c.Metadata[k] = v.GetStringValue()
				}
			}
		}
		chunks = append(chunks, c)
	}

	sort.SliceStable(chunks, func(i, j int) bool {
		if chunks[i].Score != chunks[j].Score {
			return chunks[i].Score > chunks[j].Score
		}
		return chunks[i].Seq < chunks[j].Seq
	})

	return chunks, nil
}

// DeleteDocument removes every chunk of a source document from the collection.
func (s *QdrantStore) DeleteDocument(ctx context.Context, documentID string) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.cfg.Collection,
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch("document_id", documentID)},
		}),
	})
	if err != nil {
		return fmt.Errorf("qdrant: delete failed: %w: %w", research.ErrIndexUnavailable, err)
	}

	return nil
}

// Ping reports whether the Qdrant instance is reachable.
func (s *QdrantStore) Ping(ctx context.Context) error {
	if _, err := s.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("qdrant: health check failed: %w: %w", research.ErrIndexUnavailable, err)
	}
	return nil
}

// Close closes the underlying Qdrant gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// pointUUID renders a 32-char content hash in the dashed UUID form Qdrant
// requires for point ids. Other ids pass through unchanged.
func pointUUID(id string) string {
	if len(id) != 32 {
		return id
	}
	return id[:8] + "-" + id[8:12] + "-" + id[12:16] + "-" + id[16:20] + "-" + id[20:]
}

func chunkIDFromUUID(uuid string) string {
	return strings.ReplaceAll(uuid, "-", "")
}
