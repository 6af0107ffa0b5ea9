package commands

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/cloudwego/eino/callbacks"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/v3ct0r/techrag-go/internal/generate"
	"github.com/v3ct0r/techrag-go/internal/logging"
	"github.com/v3ct0r/techrag-go/internal/provider"
	"github.com/v3ct0r/techrag-go/internal/rag"
	"github.com/v3ct0r/techrag-go/internal/schedule"
	"github.com/v3ct0r/techrag-go/internal/server"
	"github.com/v3ct0r/techrag-go/internal/tracing"
	"github.com/v3ct0r/techrag-go/internal/worker"
)

// NewServeCmd constructs the `techrag serve` command, which starts the HTTP
// API together with the maintenance scheduler.
func NewServeCmd() *cobra.Command {
	var host string
	var port int
	var workers int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the techrag HTTP API",
		Long: `Start the techrag HTTP server.

The server exposes search, document retrieval, archiving, task submission,
queue statistics, and analytics under /api, plus health and readiness
probes and a Prometheus /metrics endpoint. Maintenance jobs run alongside
it: expired claim leases are reclaimed every minute, queue depth gauges are
refreshed, and stale research is re-queued hourly.

By default the server only serves the API; run 'techrag work' separately to
process tasks. With --workers N the server also runs N research workers
in-process, which requires a configured model provider.

Set TECHRAG_API_KEY to require bearer-token authentication on /api routes.

Examples:
  techrag serve
  techrag serve --port 9090
  techrag serve --workers 2
  TECHRAG_API_KEY=secret techrag serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			log.Info("serve starting", slog.String("index_backend", getEnvOrDefault("INDEX_BACKEND", "sqlite")))

			st, err := openStore()
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer st.Close()

			q, err := openQueue()
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer q.Close()

			index, err := buildIndex(ctx, log)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer index.Close()

			sched := schedule.New(log)
			if err := sched.Add(&schedule.ReaperJob{Queue: q, Log: log}, schedule.DefaultReaperSpec); err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			if err := sched.Add(schedule.NewGaugeJob(q, prometheus.DefaultRegisterer), schedule.DefaultGaugeSpec); err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			if err := sched.Add(&schedule.RefresherJob{Store: st, Queue: q, Log: log}, schedule.DefaultRefresherSpec); err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			sched.Start(ctx)
			defer sched.Stop()

			var wg sync.WaitGroup
			if workers > 0 {
				// Setup Langfuse tracing — opt-in, no-op if keys are absent.
				handler, flush, ok := tracing.Setup()
				if ok {
					callbacks.AppendGlobalHandlers(handler)
					defer flush()
					log.Info("langfuse tracing enabled")
				}

				chatModel, err := provider.NewFromEnv(ctx)
				if err != nil {
					return fmt.Errorf("serve: failed to initialise model provider: %w", err)
				}
				gen, err := generate.New(&generate.Config{
					ChatModel:        chatModel,
					MaxContextTokens: getEnvInt("MODEL_CONTEXT_TOKENS", 0),
				})
				if err != nil {
					return fmt.Errorf("serve: %w", err)
				}

				emb, err := buildEmbedder(log)
				if err != nil {
					return fmt.Errorf("serve: %w", err)
				}
				retriever, err := rag.NewRetriever(emb, index, 0)
				if err != nil {
					return fmt.Errorf("serve: %w", err)
				}
				contexts, err := rag.NewContextBuilder(retriever, log)
				if err != nil {
					return fmt.Errorf("serve: %w", err)
				}

				name, _ := os.Hostname()
				if name == "" {
					name = "serve"
				}
				for i := range workers {
					w, err := worker.New(worker.Config{
						ID:        fmt.Sprintf("%s-%d-%d", name, os.Getpid(), i),
						Queue:     q,
						Store:     st,
						Contexts:  contexts,
						Generator: gen,
						Logger:    log,
						Registry: prometheus.WrapRegistererWith(
							prometheus.Labels{"worker": strconv.Itoa(i)},
							prometheus.DefaultRegisterer,
						),
					})
					if err != nil {
						return fmt.Errorf("serve: %w", err)
					}
					wg.Add(1)
					go func() {
						defer wg.Done()
						_ = w.Run(ctx)
					}()
				}
				log.Info("in-process workers started", slog.Int("workers", workers))
			}

			// Flags win over config; config defaults apply when flags are
			// left untouched.
			if !cmd.Flags().Changed("host") {
				host = getEnvOrDefault("SERVER_HOST", host)
			}
			if !cmd.Flags().Changed("port") {
				port = getEnvInt("SERVER_PORT", port)
			}

			srv, err := server.New(st, q, &server.Config{
				Host:   host,
				Port:   port,
				Logger: log,
				Pingers: []server.Pinger{
					server.NewStorePinger(st),
					server.NewIndexPinger(index),
				},
				APIKey:    os.Getenv("TECHRAG_API_KEY"),
				RateLimit: getEnvFloat("SERVER_RATE_LIMIT", 0),
				RateBurst: getEnvInt("SERVER_RATE_BURST", 0),
			})
			if err != nil {
				return fmt.Errorf("serve: failed to create server: %w", err)
			}

			err = srv.Start(ctx)
			wg.Wait()
			return err
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "Host address to bind to")
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "TCP port to listen on")
	cmd.Flags().IntVar(&workers, "workers", 0, "Research workers to run in-process (0 = API only)")

	return cmd
}
