package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/v3ct0r/techrag-go/internal/queue"
	"github.com/v3ct0r/techrag-go/internal/research"
	"github.com/v3ct0r/techrag-go/internal/store"
)

// Config holds the HTTP server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1).
	Host string
	// Port is the TCP port to listen on (default: 8080).
	Port int
	// ReadTimeout is the maximum duration for reading the request.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration for writing the response.
	WriteTimeout time.Duration
	// ShutdownTimeout is the maximum duration for a graceful shutdown.
	ShutdownTimeout time.Duration
	// Logger is the structured logger used by the server and its handlers.
	// If nil, slog.Default() is used.
	Logger *slog.Logger
	// Pingers is the ordered list of dependency probes run by GET /api/ready.
	// If empty, /api/ready returns 200 with no checks (liveness-only mode).
	Pingers []Pinger
	// RateLimit is the sustained request rate allowed per IP on rate-limited
	// endpoints (requests/second). Defaults to 10 if zero.
	RateLimit float64
	// RateBurst is the maximum instantaneous burst per IP. Defaults to 20 if zero.
	RateBurst int
	// APIKey is the Bearer token required on all protected /api/* routes.
	// If empty, authentication is disabled (development mode).
	APIKey string
	// MetricsRegistry receives the server's own metric registrations.
	// Defaults to prometheus.DefaultRegisterer.
	MetricsRegistry prometheus.Registerer
	// MetricsGatherer backs GET /metrics. Defaults to prometheus.DefaultGatherer.
	MetricsGatherer prometheus.Gatherer
}

// outputStore is the slice of the output store the handlers call.
// *store.SQLiteStore satisfies it; tests may inject a fake.
type outputStore interface {
	Get(ctx context.Context, techniqueID, platform string) (*research.Output, error)
	Search(ctx context.Context, query string, f store.SearchFilters) ([]*research.Output, error)
	Archive(ctx context.Context, techniqueID, platform string) error
	Analytics(ctx context.Context) (*store.Analytics, error)
}

// taskQueue is the slice of the task queue the handlers call.
// *queue.SQLiteQueue satisfies it.
type taskQueue interface {
	Enqueue(ctx context.Context, techniqueID, platform string) (*research.Task, error)
	Stats(ctx context.Context) (*queue.Stats, error)
}

// Server is the HTTP server exposing the research store and task queue.
type Server struct {
	// store serves search, show, archive, and analytics requests.
	store outputStore
	// queue serves task creation and queue statistics.
	queue taskQueue
	// cfg holds the resolved server configuration.
	cfg *Config
	// httpServer is the underlying net/http server.
	httpServer *http.Server
	// log is the structured logger for this server instance.
	log *slog.Logger
	// pingers is the ordered list of dependency probes for GET /api/ready.
	pingers []Pinger
	// stopRL stops the rate limiter's background eviction goroutine on shutdown.
	stopRL func()
	// metrics holds the server's Prometheus instruments.
	metrics *serverMetrics
}

// taskRequest is the JSON body for POST /api/tasks.
type taskRequest struct {
	// TechniqueID is the technique to research (e.g. "T1055").
	TechniqueID string `json:"technique_id"`
	// Platform is the target platform (e.g. "windows").
	Platform string `json:"platform"`
}

// searchResponse is the JSON body for GET /api/search.
type searchResponse struct {
	// Query echoes the full-text query that produced the results.
	Query string `json:"query"`
	// Count is len(Results), kept explicit for quick client checks.
	Count int `json:"count"`
	// Results holds the matching outputs, best first.
	Results []*research.Output `json:"results"`
}

// archiveResponse is the JSON body for POST /api/outputs/{t}/{p}/archive.
type archiveResponse struct {
	TechniqueID string `json:"technique_id"`
	Platform    string `json:"platform"`
	Archived    bool   `json:"archived"`
}

// errorResponse is the JSON error body shared by all handlers.
type errorResponse struct {
	Error string `json:"error"`
}
