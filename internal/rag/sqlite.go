package rag

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver

	"github.com/v3ct0r/techrag-go/internal/research"
)

// SQLiteConfig holds the configuration for the embedded vector index.
type SQLiteConfig struct {
	// Path is the database file path. ":memory:" gives an ephemeral index.
	Path string

	// Dimensions is the expected embedding width. Zero accepts the first
	// upserted width and enforces it afterwards.
	Dimensions int
}

// SQLiteStore is a VectorStore backed by an embedded SQLite database.
// Embeddings are stored as packed little-endian float32 blobs and scored
// in-process, which keeps the index dependency-free for single-node
// deployments. Insertion order is the implicit rowid.
type SQLiteStore struct {
	db *sql.DB

	mu   sync.Mutex // guards dims
	dims int
}

const vectorDDL = `
CREATE TABLE IF NOT EXISTS chunks (
	id          TEXT PRIMARY KEY,
	document_id TEXT NOT NULL,
	content     TEXT NOT NULL,
	platform    TEXT NOT NULL DEFAULT '',
	technique   TEXT NOT NULL DEFAULT '',
	metadata    TEXT NOT NULL DEFAULT '{}',
	embedding   BLOB NOT NULL,
	created_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks (document_id);
CREATE INDEX IF NOT EXISTS idx_chunks_scope ON chunks (platform, technique);
`

// NewSQLiteStore opens (or creates) the vector index at cfg.Path.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", cfg.Path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("rag: open index: %w", err)
	}

	// modernc.org/sqlite returns SQLITE_BUSY under concurrent writers;
	// a single connection serializes access instead.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(vectorDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("rag: migrate index: %w", err)
	}
	return &SQLiteStore{db: db, dims: cfg.Dimensions}, nil
}

// Upsert stores chunks, skipping ids that are already indexed. A skipped
// chunk keeps its original insertion order.
func (s *SQLiteStore) Upsert(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("rag: upsert: %w: %w", research.ErrIndexUnavailable, err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	for _, c := range chunks {
		if err := s.checkChunk(&c); err != nil {
			return err
		}
		meta, err := json.Marshal(c.Metadata)
		if err != nil {
			return fmt.Errorf("rag: marshal metadata: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO chunks (id, document_id, content, platform, technique, metadata, embedding, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO NOTHING`,
			c.ID, c.DocumentID, c.Text,
			c.Metadata[MetaPlatform], c.Metadata[MetaTechnique],
			string(meta), encodeVector(c.Embedding), now)
		if err != nil {
			return fmt.Errorf("rag: upsert chunk %s: %w: %w", c.ID, research.ErrIndexUnavailable, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("rag: upsert: %w: %w", research.ErrIndexUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) checkChunk(c *Chunk) error {
	if c.ID == "" {
		c.ID = ChunkID(c.Text)
	}
	if strings.TrimSpace(c.Text) == "" {
		return &research.ValidationError{Field: "text", Reason: "must not be empty"}
	}
	if len(c.Embedding) == 0 {
		return &research.ValidationError{Field: "embedding", Reason: "must not be empty"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dims == 0 {
		s.dims = len(c.Embedding)
	}
	if len(c.Embedding) != s.dims {
		return &research.ValidationError{
			Field:  "embedding",
			Reason: fmt.Sprintf("want %d dimensions, got %d", s.dims, len(c.Embedding)),
		}
	}
	return nil
}

// Search scores every chunk matching the filters against the query
// embedding and returns the topK best, descending by cosine similarity.
// Equal scores keep insertion order.
func (s *SQLiteStore) Search(ctx context.Context, queryEmbedding []float32, topK int, filters map[string]string) ([]Chunk, error) {
	if len(queryEmbedding) == 0 {
		return nil, &research.ValidationError{Field: "query_embedding", Reason: "must not be empty"}
	}
	if topK <= 0 {
		return nil, nil
	}

	query := `SELECT rowid, id, document_id, content, metadata, embedding FROM chunks`
	var (
		conds []string
		args  []any
	)
	for _, key := range []string{MetaPlatform, MetaTechnique} {
		if v := filters[key]; v != "" {
			conds = append(conds, key+" = ?")
			args = append(args, v)
		}
	}
	for key, v := range filters {
		if key == MetaPlatform || key == MetaTechnique || v == "" {
			continue
		}
		conds = append(conds, "json_extract(metadata, ?) = ?")
		args = append(args, "$."+key, v)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("rag: search: %w: %w", research.ErrIndexUnavailable, err)
	}
	defer rows.Close()

	var hits []Chunk
	for rows.Next() {
		var (
			c    Chunk
			meta string
			blob []byte
		)
		if err := rows.Scan(&c.Seq, &c.ID, &c.DocumentID, &c.Text, &meta, &blob); err != nil {
			return nil, fmt.Errorf("rag: scan chunk: %w", err)
		}
		emb, err := decodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("rag: chunk %s: %w", c.ID, err)
		}
		if len(emb) != len(queryEmbedding) {
			return nil, fmt.Errorf("rag: chunk %s: want %d dimensions, got %d", c.ID, len(queryEmbedding), len(emb))
		}
		if err := json.Unmarshal([]byte(meta), &c.Metadata); err != nil {
			return nil, fmt.Errorf("rag: chunk %s metadata: %w", c.ID, err)
		}
		c.Score = cosine(queryEmbedding, emb)
		hits = append(hits, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rag: search: %w: %w", research.ErrIndexUnavailable, err)
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Seq < hits[j].Seq
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// DeleteDocument removes every chunk belonging to a source document.
func (s *SQLiteStore) DeleteDocument(ctx context.Context, documentID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, documentID); err != nil {
		return fmt.Errorf("rag: delete document %s: %w: %w", documentID, research.ErrIndexUnavailable, err)
	}
	return nil
}

// Count returns the number of indexed chunks.
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("rag: count chunks: %w: %w", research.ErrIndexUnavailable, err)
	}
	return n, nil
}

// Ping reports whether the index is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("rag: ping: %w: %w", research.ErrIndexUnavailable, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// cosine computes cosine similarity with float64 accumulators so long
// vectors do not lose precision. Zero vectors score zero.
func cosine(a, b []float32) float32 {
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("malformed embedding blob of %d bytes", len(buf))
	}
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v, nil
}
