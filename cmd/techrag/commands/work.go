package commands

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/cloudwego/eino/callbacks"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/v3ct0r/techrag-go/internal/generate"
	"github.com/v3ct0r/techrag-go/internal/logging"
	"github.com/v3ct0r/techrag-go/internal/provider"
	"github.com/v3ct0r/techrag-go/internal/rag"
	"github.com/v3ct0r/techrag-go/internal/tracing"
	"github.com/v3ct0r/techrag-go/internal/worker"
)

// NewWorkCmd constructs the `techrag work` command, which runs research
// workers against the task queue until interrupted.
func NewWorkCmd() *cobra.Command {
	var workers int
	var lease time.Duration
	var poll time.Duration

	cmd := &cobra.Command{
		Use:   "work",
		Short: "Run research workers against the task queue",
		Long: `Claim queued research tasks and process them until interrupted.

Each worker claims the oldest pending task, retrieves relevant reference
material from the vector store, prompts the configured LLM for the
six-section research document, and stores the scored result. Claims carry a
lease that is heartbeated while the task runs; tasks whose worker dies are
reclaimed after the lease expires.

Requires a configured model provider (MODEL_PROVIDER) and embedding backend
(EMBEDDING_PROVIDER).

Examples:
  techrag work
  techrag work --workers 4
  MODEL_PROVIDER=openai techrag work --lease 5m`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			// Setup Langfuse tracing — opt-in, no-op if keys are absent.
			handler, flush, ok := tracing.Setup()
			if ok {
				callbacks.AppendGlobalHandlers(handler)
				defer flush()
				log.Info("langfuse tracing enabled")
			} else {
				log.Info("langfuse tracing disabled", slog.String("reason", "LANGFUSE_PUBLIC_KEY not set"))
			}

			chatModel, err := provider.NewFromEnv(ctx)
			if err != nil {
				return fmt.Errorf("work: failed to initialise model provider: %w", err)
			}
			log.Info("provider initialised", slog.String("provider", os.Getenv("MODEL_PROVIDER")))

			gen, err := generate.New(&generate.Config{
				ChatModel:        chatModel,
				MaxContextTokens: getEnvInt("MODEL_CONTEXT_TOKENS", 0),
			})
			if err != nil {
				return fmt.Errorf("work: %w", err)
			}

			emb, err := buildEmbedder(log)
			if err != nil {
				return fmt.Errorf("work: %w", err)
			}
			index, err := buildIndex(ctx, log)
			if err != nil {
				return fmt.Errorf("work: %w", err)
			}
			defer index.Close()

			retriever, err := rag.NewRetriever(emb, index, 0)
			if err != nil {
				return fmt.Errorf("work: %w", err)
			}
			contexts, err := rag.NewContextBuilder(retriever, log)
			if err != nil {
				return fmt.Errorf("work: %w", err)
			}

			st, err := openStore()
			if err != nil {
				return fmt.Errorf("work: %w", err)
			}
			defer st.Close()

			q, err := openQueue()
			if err != nil {
				return fmt.Errorf("work: %w", err)
			}
			defer q.Close()

			host, _ := os.Hostname()
			if host == "" {
				host = "worker"
			}

			var wg sync.WaitGroup
			for i := range workers {
				cfg := worker.Config{
					ID:        fmt.Sprintf("%s-%d-%d", host, os.Getpid(), i),
					Lease:     lease,
					Poll:      poll,
					Queue:     q,
					Store:     st,
					Contexts:  contexts,
					Generator: gen,
					Logger:    log,
					// Per-worker wrap keeps metric names identical while the
					// series stay distinct.
					Registry: prometheus.WrapRegistererWith(
						prometheus.Labels{"worker": strconv.Itoa(i)},
						prometheus.DefaultRegisterer,
					),
				}
				w, err := worker.New(cfg)
				if err != nil {
					return fmt.Errorf("work: %w", err)
				}
				wg.Add(1)
				go func() {
					defer wg.Done()
					_ = w.Run(ctx)
				}()
			}

			wg.Wait()
			log.Info("all workers stopped")
			return nil
		},
	}

	cmd.Flags().IntVarP(&workers, "workers", "n", 1, "Number of concurrent workers")
	cmd.Flags().DurationVar(&lease, "lease", 0, "Claim lease duration (default 2m)")
	cmd.Flags().DurationVar(&poll, "poll", 0, "Idle sleep between claim attempts (default 3s)")

	return cmd
}
