package schedule

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/v3ct0r/techrag-go/internal/queue"
	"github.com/v3ct0r/techrag-go/internal/research"
)

// Reaper is the queue surface the lease reaper needs.
type Reaper interface {
	Reap(ctx context.Context) (int, error)
}

// StatsSource is the queue surface the gauge job reads.
type StatsSource interface {
	Stats(ctx context.Context) (*queue.Stats, error)
}

// Enqueuer accepts new research tasks.
type Enqueuer interface {
	Enqueue(ctx context.Context, techniqueID, platform string) (*research.Task, error)
}

// StaleSource lists outputs due for re-research.
type StaleSource interface {
	Stale(ctx context.Context, limit int) ([]*research.Output, error)
}

// ReaperJob sweeps expired claims back to pending, or to terminal failed
// when the lease lapsed on the final attempt. Claim does the same lazily;
// the job keeps the queue honest when no worker is polling.
type ReaperJob struct {
	Queue Reaper
	Log   *slog.Logger
}

func (j *ReaperJob) Name() string { return "lease_reaper" }

func (j *ReaperJob) Run(ctx context.Context) error {
	n, err := j.Queue.Reap(ctx)
	if err != nil {
		return err
	}
	if n > 0 && j.Log != nil {
		j.Log.Info("expired leases reclaimed", "tasks", n)
	}
	return nil
}

// GaugeJob publishes queue depth by status to prometheus.
type GaugeJob struct {
	queue StatsSource
	tasks *prometheus.GaugeVec
}

// NewGaugeJob registers the queue gauge against reg.
func NewGaugeJob(q StatsSource, reg prometheus.Registerer) *GaugeJob {
	return &GaugeJob{
		queue: q,
		tasks: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "techrag",
			Subsystem: "queue",
			Name:      "tasks",
			Help:      "Queue contents by task status.",
		}, []string{"status"}),
	}
}

func (j *GaugeJob) Name() string { return "queue_gauges" }

var gaugedStatuses = []research.Status{
	research.StatusPending,
	research.StatusClaimed,
	research.StatusInProgress,
	research.StatusCompleted,
	research.StatusFailed,
}

func (j *GaugeJob) Run(ctx context.Context) error {
	st, err := j.queue.Stats(ctx)
	if err != nil {
		return err
	}
	// Every status is set each sweep so emptied statuses fall back to zero.
	for _, status := range gaugedStatuses {
		j.tasks.WithLabelValues(string(status)).Set(float64(st.ByStatus[string(status)]))
	}
	return nil
}

// defaultRefreshLimit bounds one refresher sweep so a large stale backlog
// trickles into the queue instead of arriving all at once.
const defaultRefreshLimit = 50

// RefresherJob re-enqueues research for outputs that no longer pass the
// currency check. Enqueue is idempotent, so sweeps that overlap a
// still-active task are harmless.
type RefresherJob struct {
	Store StaleSource
	Queue Enqueuer
	Log   *slog.Logger
	// Limit caps outputs per sweep. Defaults to 50.
	Limit int
}

func (j *RefresherJob) Name() string { return "staleness_refresher" }

func (j *RefresherJob) Run(ctx context.Context) error {
	limit := j.Limit
	if limit <= 0 {
		limit = defaultRefreshLimit
	}
	stale, err := j.Store.Stale(ctx, limit)
	if err != nil {
		return err
	}
	for _, out := range stale {
		if _, err := j.Queue.Enqueue(ctx, out.TechniqueID, out.Platform); err != nil {
			return fmt.Errorf("refresh %s/%s: %w", out.TechniqueID, out.Platform, err)
		}
	}
	if len(stale) > 0 && j.Log != nil {
		j.Log.Info("stale outputs re-enqueued", "outputs", len(stale))
	}
	return nil
}
