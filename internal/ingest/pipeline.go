// Package ingest loads local security documentation into the vector index.
// Sources are files, directories, or doublestar globs; the pipeline chunks
// each document, tags chunks with platform/technique metadata extracted from
// the text, embeds them in batches, and upserts them into the store. Chunk
// ids are content hashes, so re-ingesting unchanged material is a no-op.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/v3ct0r/techrag-go/internal/rag"
	"github.com/v3ct0r/techrag-go/internal/research"
)

const defaultBatchSize = 16

// textExtensions are the file types the pipeline will pick up from
// directories and globs. Files named explicitly are ingested regardless.
var textExtensions = map[string]bool{
	".md":       true,
	".markdown": true,
	".txt":      true,
	".rst":      true,
	".adoc":     true,
}

// Config holds the ingestion pipeline settings.
type Config struct {
	// ChunkSize and ChunkOverlap size the chunker. Defaults 1000 and 100.
	// A negative ChunkOverlap disables the overlap entirely.
	ChunkSize    int
	ChunkOverlap int
	// BatchSize is how many chunks are embedded per call. Defaults to 16.
	BatchSize int
	// Platform tags every chunk for filtered retrieval. Optional.
	Platform string
	// Source overrides the per-chunk source label. Defaults to the file path.
	Source string
}

// Pipeline runs the read, chunk, embed, upsert flow.
type Pipeline struct {
	embedder rag.Embedder
	store    rag.VectorStore
	chunker  *Chunker
	cfg      *Config
	log      *slog.Logger
}

// NewPipeline constructs a Pipeline from the provided dependencies.
func NewPipeline(embedder rag.Embedder, store rag.VectorStore, cfg *Config, log *slog.Logger) (*Pipeline, error) {
	if embedder == nil {
		return nil, fmt.Errorf("ingest: embedder must not be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("ingest: store must not be nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if log == nil {
		log = slog.Default()
	}
	overlap := cfg.ChunkOverlap
	if overlap == 0 {
		overlap = defaultChunkOverlap
	}
	return &Pipeline{
		embedder: embedder,
		store:    store,
		chunker:  NewChunker(cfg.ChunkSize, overlap),
		cfg:      cfg,
		log:      log,
	}, nil
}

// Expand resolves files, directories, and doublestar globs into a sorted,
// deduplicated file list. Directories and globs are filtered to known text
// extensions; explicitly named files are taken as given.
func Expand(patterns []string) ([]string, error) {
	seen := map[string]bool{}
	var files []string
	add := func(path string, explicit bool) {
		path = filepath.Clean(path)
		if seen[path] {
			return
		}
		if !explicit && !eligible(path) {
			return
		}
		seen[path] = true
		files = append(files, path)
	}

	for _, pattern := range patterns {
		info, err := os.Stat(pattern)
		switch {
		case err == nil && info.IsDir():
			matches, err := doublestar.FilepathGlob(filepath.Join(pattern, "**", "*"))
			if err != nil {
				return nil, fmt.Errorf("ingest: expand %s: %w", pattern, err)
			}
			for _, m := range matches {
				if isRegular(m) {
					add(m, false)
				}
			}
		case err == nil:
			add(pattern, true)
		default:
			matches, err := doublestar.FilepathGlob(pattern)
			if err != nil {
				return nil, fmt.Errorf("ingest: expand %q: %w", pattern, err)
			}
			if len(matches) == 0 {
				return nil, fmt.Errorf("ingest: %q matched nothing", pattern)
			}
			for _, m := range matches {
				if isRegular(m) {
					add(m, false)
				}
			}
		}
	}
	sort.Strings(files)
	return files, nil
}

// eligible reports whether a path is a non-hidden file with a known text
// extension.
func eligible(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	return textExtensions[strings.ToLower(filepath.Ext(base))]
}

func isRegular(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Summary reports what one Run ingested.
type Summary struct {
	Files  int
	Chunks int
	Failed int
}

// Run ingests every file, invoking progress after each. File failures are
// logged and counted, not fatal; only context cancellation stops the run.
func (p *Pipeline) Run(ctx context.Context, files []string, progress func(path string, chunks int, err error)) (*Summary, error) {
	if progress == nil {
		progress = func(string, int, error) {}
	}
	s := &Summary{}
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return s, err
		}
		n, err := p.File(ctx, path)
		progress(path, n, err)
		if err != nil {
			s.Failed++
			p.log.Warn("ingest failed", "path", path, "error", err)
			continue
		}
		s.Files++
		s.Chunks += n
	}
	return s, nil
}

// File ingests one file, returning the number of chunks indexed.
func (p *Pipeline) File(ctx context.Context, path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("ingest: read %s: %w", path, err)
	}
	return p.index(ctx, docID(path), string(raw), path)
}

// Refresh replaces a document: previously indexed chunks for the file are
// deleted before the current content is ingested, so edits do not leave
// stale chunks behind.
func (p *Pipeline) Refresh(ctx context.Context, path string) (int, error) {
	if err := p.store.DeleteDocument(ctx, docID(path)); err != nil {
		return 0, fmt.Errorf("ingest: refresh %s: %w", path, err)
	}
	return p.File(ctx, path)
}

// Remove deletes every chunk indexed for the file.
func (p *Pipeline) Remove(ctx context.Context, path string) error {
	if err := p.store.DeleteDocument(ctx, docID(path)); err != nil {
		return fmt.Errorf("ingest: remove %s: %w", path, err)
	}
	return nil
}

// index chunks, tags, embeds, and stores one document.
func (p *Pipeline) index(ctx context.Context, documentID, text, path string) (int, error) {
	pieces := p.chunker.Split(text)
	if len(pieces) == 0 {
		return 0, nil
	}

	source := p.cfg.Source
	if source == "" {
		source = docID(path)
	}
	// Document-level technique is the fallback for chunks that do not name
	// one themselves.
	docTechniques := research.ExtractTechniques(text, 1)

	chunks := make([]rag.Chunk, 0, len(pieces))
	for _, piece := range pieces {
		meta := map[string]string{rag.MetaSource: source}
		if p.cfg.Platform != "" {
			meta[rag.MetaPlatform] = research.NormalizePlatform(p.cfg.Platform)
		}
		techniques := research.ExtractTechniques(piece, 1)
		if len(techniques) == 0 {
			techniques = docTechniques
		}
		if len(techniques) > 0 {
			meta[rag.MetaTechnique] = techniques[0]
		}
		if cves := research.ExtractCVEs(piece); len(cves) > 0 {
			meta["cves"] = strings.Join(cves, ",")
		}
		if frameworks := research.ExtractFrameworks(piece); len(frameworks) > 0 {
			meta["frameworks"] = strings.Join(frameworks, ",")
		}
		chunks = append(chunks, rag.Chunk{
			ID:         rag.ChunkID(piece),
			DocumentID: documentID,
			Text:       piece,
			Metadata:   meta,
		})
	}

	for start := 0; start < len(chunks); start += p.cfg.BatchSize {
		end := min(start+p.cfg.BatchSize, len(chunks))
		batch := chunks[start:end]

		texts := make([]string, len(batch))
		for i := range batch {
			texts[i] = batch[i].Text
		}
		embeddings, err := p.embedder.Embed(ctx, texts)
		if err != nil {
			return 0, fmt.Errorf("ingest: embed %s: %w", path, err)
		}
		if len(embeddings) != len(batch) {
			return 0, fmt.Errorf("ingest: embed %s: got %d embeddings for %d chunks", path, len(embeddings), len(batch))
		}
		for i := range batch {
			batch[i].Embedding = embeddings[i]
		}
		if err := p.store.Upsert(ctx, batch); err != nil {
			return 0, fmt.Errorf("ingest: upsert %s: %w", path, err)
		}
	}

	p.log.Debug("document indexed", "path", path, "chunks", len(chunks))
	return len(chunks), nil
}

// docID is the stable per-file document identity used for replace and
// delete. The path doubles as human-readable provenance in search results.
func docID(path string) string {
	return filepath.ToSlash(filepath.Clean(path))
}
