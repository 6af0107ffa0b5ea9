package rag

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/didi/gendry/builder"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // register "postgres" driver
	"github.com/pgvector/pgvector-go"

	"github.com/v3ct0r/techrag-go/internal/research"
)

// PostgresConfig holds connection parameters for a pgvector-backed index.
type PostgresConfig struct {
	// DSN is the lib/pq connection string.
	DSN string

	// Table is the chunk table name (default: chunks).
	Table string

	// Dimensions is the embedding width enforced by the vector column
	// (default: 768).
	Dimensions int
}

// PostgresStore implements VectorStore on Postgres with the pgvector
// extension. Similarity ordering happens server-side with the cosine
// distance operator; seq is a bigserial so insertion order is durable.
type PostgresStore struct {
	db  *sql.DB
	cfg *PostgresConfig
}

// NewPostgresStore connects to Postgres, ensures the vector extension and
// chunk table exist, and returns a ready-to-use VectorStore.
func NewPostgresStore(ctx context.Context, cfg *PostgresConfig) (*PostgresStore, error) {
	if cfg.Table == "" {
		cfg.Table = "chunks"
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = 768
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("pgvector: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pgvector: connect: %w: %w", research.ErrIndexUnavailable, err)
	}

	s := &PostgresStore{db: db, cfg: cfg}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id          text PRIMARY KEY,
			document_id text NOT NULL,
			content     text NOT NULL,
			platform    text NOT NULL DEFAULT '',
			technique   text NOT NULL DEFAULT '',
			metadata    jsonb NOT NULL DEFAULT '{}',
			embedding   vector(%d) NOT NULL,
			seq         bigserial
		)`, s.cfg.Table, s.cfg.Dimensions),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_document ON %s (document_id)`, s.cfg.Table, s.cfg.Table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_scope ON %s (platform, technique)`, s.cfg.Table, s.cfg.Table),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("pgvector: migrate: %w: %w", research.ErrIndexUnavailable, err)
		}
	}
	return nil
}

// Upsert stores chunks, skipping ids that are already indexed. A skipped
// chunk keeps the seq it was first inserted with.
func (s *PostgresStore) Upsert(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pgvector: upsert: %w: %w", research.ErrIndexUnavailable, err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`
		INSERT INTO %s (id, document_id, content, platform, technique, metadata, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`, s.cfg.Table)

	for i := range chunks {
		c := &chunks[i]
		if c.ID == "" {
			c.ID = ChunkID(c.Text)
		}
		if len(c.Embedding) != s.cfg.Dimensions {
			return &research.ValidationError{
				Field:  "embedding",
				Reason: fmt.Sprintf("want %d dimensions, got %d", s.cfg.Dimensions, len(c.Embedding)),
			}
		}
		meta, err := json.Marshal(c.Metadata)
		if err != nil {
			return fmt.Errorf("pgvector: marshal metadata: %w", err)
		}
		_, err = tx.ExecContext(ctx, query,
			c.ID, c.DocumentID, c.Text,
			c.Metadata[MetaPlatform], c.Metadata[MetaTechnique],
			string(meta), pgvector.NewVector(c.Embedding))
		if err != nil {
			return fmt.Errorf("pgvector: upsert chunk %s: %w: %w", c.ID, research.ErrIndexUnavailable, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("pgvector: upsert: %w: %w", research.ErrIndexUnavailable, err)
	}
	return nil
}

// Search runs a cosine similarity query ordered server-side, with seq as
// the tie-break so equal distances keep insertion order.
func (s *PostgresStore) Search(ctx context.Context, queryEmbedding []float32, topK int, filters map[string]string) ([]Chunk, error) {
	if len(queryEmbedding) != s.cfg.Dimensions {
		return nil, &research.ValidationError{
			Field:  "query_embedding",
			Reason: fmt.Sprintf("want %d dimensions, got %d", s.cfg.Dimensions, len(queryEmbedding)),
		}
	}
	if topK <= 0 {
		return nil, nil
	}

	vec := pgvector.NewVector(queryEmbedding)
	query := fmt.Sprintf(`SELECT id, document_id, content, metadata, seq, 1 - (embedding <=> ?) AS score FROM %s`, s.cfg.Table)
	args := []interface{}{vec}

	var conds []string
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
		conds = append(conds, "metadata->>? = ?")
		args = append(args, key, v)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY embedding <=> ?, seq ASC LIMIT ?`
	args = append(args, vec, topK)

	rows, err := s.db.QueryContext(ctx, sqlx.Rebind(sqlx.DOLLAR, query), args...)
	if err != nil {
		return nil, fmt.Errorf("pgvector: search: %w: %w", research.ErrIndexUnavailable, err)
	}
	defer rows.Close()

	var hits []Chunk
	for rows.Next() {
		var (
			c     Chunk
			meta  []byte
			score float64
		)
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Text, &meta, &c.Seq, &score); err != nil {
			return nil, fmt.Errorf("pgvector: scan chunk: %w", err)
		}
		if err := json.Unmarshal(meta, &c.Metadata); err != nil {
			return nil, fmt.Errorf("pgvector: chunk %s metadata: %w", c.ID, err)
		}
		c.Score = float32(score)
		hits = append(hits, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgvector: search: %w: %w", research.ErrIndexUnavailable, err)
	}
	return hits, nil
}

// DeleteDocument removes every chunk belonging to a source document.
func (s *PostgresStore) DeleteDocument(ctx context.Context, documentID string) error {
	query, vals, err := builder.BuildDelete(s.cfg.Table, map[string]interface{}{
		"document_id": documentID,
	})
	if err != nil {
		return fmt.Errorf("pgvector: build delete: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlx.Rebind(sqlx.DOLLAR, query), vals...); err != nil {
		return fmt.Errorf("pgvector: delete document %s: %w: %w", documentID, research.ErrIndexUnavailable, err)
	}
	return nil
}

// Count returns the number of indexed chunks.
func (s *PostgresStore) Count(ctx context.Context) (int64, error) {
	query, vals, err := builder.BuildSelect(s.cfg.Table, nil, []string{"count(*)"})
	if err != nil {
		return 0, fmt.Errorf("pgvector: build count: %w", err)
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, sqlx.Rebind(sqlx.DOLLAR, query), vals...).Scan(&n); err != nil {
		return 0, fmt.Errorf("pgvector: count chunks: %w: %w", research.ErrIndexUnavailable, err)
	}
	return n, nil
}

// Ping reports whether the Postgres backend is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("pgvector: ping: %w: %w", research.ErrIndexUnavailable, err)
	}
	return nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
