package commands

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/v3ct0r/techrag-go/internal/ingest"
	"github.com/v3ct0r/techrag-go/internal/logging"
)

// NewIngestCmd constructs the `techrag ingest` command, which indexes local
// reference material into the vector store.
func NewIngestCmd() *cobra.Command {
	var platform string
	var source string
	var chunkSize int
	var chunkOverlap int
	var batchSize int
	var watch bool
	var debounce time.Duration

	cmd := &cobra.Command{
		Use:   "ingest [paths...]",
		Short: "Index reference material into the vector store",
		Long: `Index local security documentation into the vector store.

Paths may be files, directories, or doublestar globs. Directories are walked
recursively for text files (.md, .markdown, .txt, .rst, .adoc); files named
explicitly are ingested regardless of extension. Each document is chunked,
tagged with platform and extracted technique/CVE metadata, embedded, and
upserted. Chunk ids are content hashes, so re-running over unchanged
material is a no-op.

The index backend is selected with INDEX_BACKEND (sqlite, qdrant, pgvector)
and the embedding backend with EMBEDDING_PROVIDER. With --watch the command
keeps running and re-indexes files as they change on disk.

Examples:
  techrag ingest ./reports --platform windows
  techrag ingest 'intel/**/*.md' advisories/apt29.txt
  techrag ingest ./reports --watch --platform linux`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logging.New()

			emb, err := buildEmbedder(log)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			index, err := buildIndex(ctx, log)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			defer index.Close()

			pipeline, err := ingest.NewPipeline(emb, index, &ingest.Config{
				Platform:     platform,
				Source:       source,
				ChunkSize:    chunkSize,
				ChunkOverlap: chunkOverlap,
				BatchSize:    batchSize,
			}, log)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}

			files, err := ingest.Expand(args)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			if len(files) == 0 && !watch {
				return fmt.Errorf("ingest: no ingestible files matched %v", args)
			}

			if len(files) > 0 {
				bar := progressbar.Default(int64(len(files)), "indexing")
				summary, err := pipeline.Run(ctx, files, func(path string, chunks int, err error) {
					_ = bar.Add(1)
					if err != nil {
						log.Warn("file failed", slog.String("path", path), slog.Any("error", err))
					}
				})
				if err != nil {
					return fmt.Errorf("ingest: %w", err)
				}
				fmt.Printf("ingested %d files: %d chunks, %d failed\n",
					summary.Files, summary.Chunks, summary.Failed)
			}

			if !watch {
				return nil
			}

			// Watch mode follows directory arguments only; globs and single
			// files have no stable root to watch.
			var roots []string
			for _, arg := range args {
				if info, err := os.Stat(arg); err == nil && info.IsDir() {
					roots = append(roots, arg)
				}
			}
			if len(roots) == 0 {
				return fmt.Errorf("ingest: --watch requires at least one directory argument")
			}

			log.Info("watching for changes", slog.Any("roots", roots))
			watcher := ingest.NewWatcher(pipeline, debounce, log)
			return watcher.Watch(ctx, roots)
		},
	}

	cmd.Flags().StringVarP(&platform, "platform", "p", "", "Platform tag applied to every chunk (windows, linux, macos, cloud, ...)")
	cmd.Flags().StringVar(&source, "source", "", "Source label override (default: file path)")
	cmd.Flags().IntVar(&chunkSize, "chunk-size", 0, "Maximum characters per chunk (default 1000)")
	cmd.Flags().IntVar(&chunkOverlap, "chunk-overlap", 0, "Characters of overlap between chunks (default 100)")
	cmd.Flags().IntVar(&batchSize, "batch", 0, "Chunks embedded per API call (default 16)")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Keep running and re-index files as they change")
	cmd.Flags().DurationVar(&debounce, "debounce", 0, "Quiet period before re-indexing a changed file (default 2s)")

	return cmd
}
