package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/v3ct0r/techrag-go/internal/embedder"
	"github.com/v3ct0r/techrag-go/internal/queue"
	"github.com/v3ct0r/techrag-go/internal/rag"
	"github.com/v3ct0r/techrag-go/internal/research"
	"github.com/v3ct0r/techrag-go/internal/store"
)

// openStore opens the research output store. TECHRAG_STORE_DB overrides the
// default path (~/.techrag/research.db).
func openStore() (*store.SQLiteStore, error) {
	path := os.Getenv("TECHRAG_STORE_DB")
	if path == "" {
		var err error
		path, err = store.DefaultDBPath()
		if err != nil {
			return nil, err
		}
	}
	return store.Open(path)
}

// openQueue opens the task queue. TECHRAG_QUEUE_DB overrides the default
// path (~/.techrag/queue.db).
func openQueue() (*queue.SQLiteQueue, error) {
	path := os.Getenv("TECHRAG_QUEUE_DB")
	if path == "" {
		var err error
		path, err = queue.DefaultDBPath()
		if err != nil {
			return nil, err
		}
	}
	return queue.Open(path, research.DefaultRetryPolicy())
}

// buildEmbedder constructs the embedding backend from the environment and
// wraps it with the caching decorator. A rate-limit decorator is added only
// when EMBEDDING_RATE_LIMIT is set, so local backends run unthrottled.
func buildEmbedder(log *slog.Logger) (rag.Embedder, error) {
	if err := embedder.ValidatePreflight(log); err != nil {
		return nil, err
	}
	emb, err := embedder.NewFromEnv()
	if err != nil {
		return nil, err
	}

	if rps := getEnvFloat("EMBEDDING_RATE_LIMIT", 0); rps > 0 {
		burst := getEnvInt("EMBEDDING_RATE_BURST", 1)
		emb = embedder.NewRateLimitedEmbedder(emb, rps, burst)
		log.Info("embedding rate limit enabled", slog.Float64("rps", rps), slog.Int("burst", burst))
	}

	cacheSize := getEnvInt("EMBEDDING_CACHE_SIZE", 0)
	cacheTTL := time.Duration(getEnvInt("EMBEDDING_CACHE_TTL_HOURS", 0)) * time.Hour
	return embedder.NewCachedEmbedder(emb, cacheSize, cacheTTL), nil
}

// buildIndex constructs the vector index selected by INDEX_BACKEND:
// sqlite (default), qdrant, or pgvector.
func buildIndex(ctx context.Context, log *slog.Logger) (rag.VectorStore, error) {
	backend := getEnvOrDefault("INDEX_BACKEND", "sqlite")
	embBackend := getEnvOrDefault("EMBEDDING_PROVIDER", getEnvOrDefault("MODEL_PROVIDER", "ollama"))
	dims := embedder.DefaultDimensions(embBackend)

	switch backend {
	case "sqlite":
		path := os.Getenv("INDEX_PATH")
		if path == "" {
			var err error
			path, err = defaultIndexPath()
			if err != nil {
				return nil, err
			}
		}
		idx, err := rag.NewSQLiteStore(rag.SQLiteConfig{Path: path, Dimensions: dims})
		if err != nil {
			return nil, err
		}
		log.Info("index ready", slog.String("backend", "sqlite"), slog.String("path", path))
		return idx, nil

	case "qdrant":
		host := getEnvOrDefault("QDRANT_HOST", "localhost")
		port := getEnvInt("QDRANT_PORT", 6334)
		collection := getEnvOrDefault("QDRANT_COLLECTION", "techniques")
		idx, err := rag.NewQdrantStore(ctx, &rag.QdrantConfig{
			Host:       host,
			Port:       port,
			Collection: collection,
			VectorSize: uint64(dims), //nolint:gosec // dimensions are bounded
			APIKey:     os.Getenv("QDRANT_API_KEY"),
			UseTLS:     os.Getenv("QDRANT_TLS") == "true",
		})
		if err != nil {
			return nil, fmt.Errorf("connect to qdrant at %s:%d: %w", host, port, err)
		}
		log.Info("index ready", slog.String("backend", "qdrant"),
			slog.String("host", host), slog.Int("port", port), slog.String("collection", collection))
		return idx, nil

	case "pgvector":
		dsn := os.Getenv("PGVECTOR_DSN")
		if dsn == "" {
			return nil, fmt.Errorf("INDEX_BACKEND=pgvector requires PGVECTOR_DSN")
		}
		idx, err := rag.NewPostgresStore(ctx, &rag.PostgresConfig{
			DSN:        dsn,
			Table:      os.Getenv("PGVECTOR_TABLE"),
			Dimensions: dims,
		})
		if err != nil {
			return nil, fmt.Errorf("connect to pgvector: %w", err)
		}
		log.Info("index ready", slog.String("backend", "pgvector"))
		return idx, nil

	default:
		return nil, fmt.Errorf("unknown INDEX_BACKEND %q (want sqlite, qdrant, or pgvector)", backend)
	}
}

// defaultIndexPath returns ~/.techrag/index.db, creating the directory if
// needed.
func defaultIndexPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".techrag")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("could not create %s: %w", dir, err)
	}
	return filepath.Join(dir, "index.db"), nil
}

// getEnvOrDefault returns the value of the named environment variable, or
// the fallback when unset or empty.
func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getEnvInt returns the integer value of the named environment variable, or
// the fallback when unset or unparseable.
func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// getEnvFloat returns the float value of the named environment variable, or
// the fallback when unset or unparseable.
func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
