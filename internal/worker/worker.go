// Package worker runs research tasks end to end: claim a task from the
// queue, assemble retrieval context, generate the research document, persist
// it, and report the outcome back to the queue. One Worker processes one
// task at a time; run several Workers for parallelism.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/v3ct0r/techrag-go/internal/generate"
	"github.com/v3ct0r/techrag-go/internal/queue"
	"github.com/v3ct0r/techrag-go/internal/rag"
	"github.com/v3ct0r/techrag-go/internal/research"
	"github.com/v3ct0r/techrag-go/internal/store"
)

// ContextBuilder assembles retrieval context for a research query.
// *rag.ContextBuilder satisfies it.
type ContextBuilder interface {
	Build(ctx context.Context, req rag.ContextRequest) (rag.ContextResult, error)
}

// Generator drafts the research document for one technique/platform pair.
// *generate.Generator satisfies it.
type Generator interface {
	Research(ctx context.Context, req generate.Request) (*research.Output, error)
}

const (
	defaultLease = 2 * time.Minute
	defaultPoll  = 3 * time.Second
)

// Config wires a Worker. Queue, Store, Contexts, and Generator are required.
type Config struct {
	// ID identifies this worker in claims and logs. Defaults to
	// hostname-pid.
	ID string
	// Lease is the claim lease duration. Heartbeats fire every Lease/3.
	// Defaults to 2 minutes.
	Lease time.Duration
	// Poll is the idle sleep between claim attempts when the queue is
	// empty. A random jitter of up to Poll/2 is added so a fleet of
	// workers does not poll in lockstep. Defaults to 3 seconds.
	Poll time.Duration
	// Policy governs retries of transient store failures while persisting
	// an output. Defaults to research.DefaultRetryPolicy.
	Policy research.RetryPolicy
	// Registry receives the worker metrics. Defaults to the global
	// prometheus registerer.
	Registry prometheus.Registerer

	Queue     queue.Queue
	Store     store.OutputStore
	Contexts  ContextBuilder
	Generator Generator
	Logger    *slog.Logger
}

// Worker is the claim-process loop around one queue consumer identity.
type Worker struct {
	id       string
	lease    time.Duration
	poll     time.Duration
	policy   research.RetryPolicy
	queue    queue.Queue
	store    store.OutputStore
	contexts ContextBuilder
	gen      Generator
	log      *slog.Logger
	metrics  *workerMetrics
}

// New validates cfg and returns a ready Worker.
func New(cfg Config) (*Worker, error) {
	if cfg.Queue == nil {
		return nil, fmt.Errorf("worker: queue is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("worker: store is required")
	}
	if cfg.Contexts == nil {
		return nil, fmt.Errorf("worker: context builder is required")
	}
	if cfg.Generator == nil {
		return nil, fmt.Errorf("worker: generator is required")
	}
	if cfg.ID == "" {
		cfg.ID = defaultWorkerID()
	}
	if cfg.Lease <= 0 {
		cfg.Lease = defaultLease
	}
	if cfg.Poll <= 0 {
		cfg.Poll = defaultPoll
	}
	if cfg.Policy.MaxAttempts == 0 {
		cfg.Policy = research.DefaultRetryPolicy()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.DefaultRegisterer
	}
	return &Worker{
		id:       cfg.ID,
		lease:    cfg.Lease,
		poll:     cfg.Poll,
		policy:   cfg.Policy,
		queue:    cfg.Queue,
		store:    cfg.Store,
		contexts: cfg.Contexts,
		gen:      cfg.Generator,
		log:      cfg.Logger.With("worker_id", cfg.ID),
		metrics:  newWorkerMetrics(cfg.Registry),
	}, nil
}

// ID returns the worker's claim identity.
func (w *Worker) ID() string { return w.id }

// Run claims and processes tasks until ctx is cancelled. It drains the queue
// without sleeping and idles on the poll interval when nothing is claimable.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker started", "lease", w.lease, "poll", w.poll)
	for {
		processed, err := w.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				w.log.Info("worker stopped")
				return nil
			}
			w.log.Error("claim failed", "error", err)
		}
		if processed {
			continue
		}
		if !w.idle(ctx) {
			w.log.Info("worker stopped")
			return nil
		}
	}
}

// RunOnce claims and processes at most one task, reporting whether a task
// was processed. The task's own failure is not an error here; errors mean
// the claim itself could not be made.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	task, err := w.queue.Claim(ctx, w.id, w.lease)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}
	w.process(ctx, task)
	return true, nil
}

// process runs one claimed task under a heartbeat and records its outcome.
func (w *Worker) process(ctx context.Context, task *research.Task) {
	start := time.Now()
	w.metrics.inFlight.Inc()
	defer w.metrics.inFlight.Dec()

	log := w.log.With(
		"task_id", task.ID,
		"technique", task.TechniqueID,
		"platform", task.Platform,
		"attempt", task.Attempts)

	// The heartbeat cancels the work context the moment the claim is lost,
	// so a slow generation cannot race the task's new owner.
	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var lost atomic.Bool
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		w.heartbeat(workCtx, task.ID, func() {
			lost.Store(true)
			cancel()
		})
	}()

	outcome := w.run(workCtx, log, task, &lost)
	cancel()
	<-hbDone

	w.metrics.tasksTotal.WithLabelValues(outcome).Inc()
	w.metrics.taskDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	log.Info("task finished", "outcome", outcome, "duration", time.Since(start).Round(time.Millisecond))
}

// Task outcomes, the label values of techrag_worker_tasks_total.
const (
	outcomeOK        = "ok"
	outcomeSkipped   = "skipped"
	outcomeError     = "error"
	outcomeCancelled = "cancelled"
	outcomeAbandoned = "abandoned"
)

func (w *Worker) run(ctx context.Context, log *slog.Logger, task *research.Task, lost *atomic.Bool) string {
	if err := w.queue.Start(ctx, task.ID, w.id); err != nil {
		log.Warn("could not start task", "error", err)
		return outcomeAbandoned
	}

	// Fresh, good-enough outputs are not re-researched.
	existing, err := w.store.Get(ctx, task.TechniqueID, task.Platform)
	if err != nil && !errors.Is(err, research.ErrNotFound) {
		return w.fail(ctx, log, task, lost, fmt.Errorf("load existing output: %w", err))
	}
	if existing != nil && existing.Current(time.Now()) {
		if err := w.queue.Complete(ctx, task.ID, w.id); err != nil {
			log.Warn("complete after skip failed", "error", err)
			return outcomeAbandoned
		}
		log.Info("output still current, skipping regeneration",
			"quality", existing.Quality, "updated_at", existing.UpdatedAt)
		return outcomeSkipped
	}

	retrieved, err := w.contexts.Build(ctx, rag.ContextRequest{
		Query:     researchQuery(task),
		Technique: task.TechniqueID,
		Platform:  task.Platform,
	})
	if err != nil {
		return w.fail(ctx, log, task, lost, fmt.Errorf("build context: %w", err))
	}
	if retrieved.Text == "" {
		w.metrics.emptyContext.Inc()
	}

	out, err := w.gen.Research(ctx, generate.Request{
		TechniqueID: task.TechniqueID,
		Platform:    task.Platform,
		Context:     retrieved,
	})
	if err != nil {
		return w.fail(ctx, log, task, lost, fmt.Errorf("generate: %w", err))
	}

	err = research.RetryTransient(ctx, w.policy, func() error {
		_, err := w.store.Upsert(ctx, *out)
		return err
	})
	if err != nil {
		return w.fail(ctx, log, task, lost, fmt.Errorf("store output: %w", err))
	}

	if err := w.queue.Complete(ctx, task.ID, w.id); err != nil {
		log.Warn("complete failed", "error", err)
		return outcomeAbandoned
	}
	log.Info("research stored", "quality", out.Quality, "completeness", out.Completeness,
		"context_chunks", retrieved.Chunks)
	return outcomeOK
}

// fail turns a task error into the right queue transition: abandon when the
// claim is already lost, release on shutdown, otherwise record the failure.
func (w *Worker) fail(ctx context.Context, log *slog.Logger, task *research.Task, lost *atomic.Bool, cause error) string {
	if lost.Load() {
		log.Warn("claim lost mid-task, abandoning", "error", cause)
		return outcomeAbandoned
	}
	if ctx.Err() != nil {
		// Shutdown mid-task. Hand the claim back on a fresh context so the
		// release itself is not cancelled.
		if err := w.queue.Release(context.WithoutCancel(ctx), task.ID, w.id); err != nil {
			log.Warn("release on shutdown failed", "error", err)
		}
		log.Info("task released on shutdown")
		return outcomeCancelled
	}

	log.Error("task failed", "error", cause)
	if err := w.queue.Fail(ctx, task.ID, w.id, cause.Error()); err != nil {
		if errors.Is(err, research.ErrMaxAttempts) {
			log.Error("task terminally failed", "attempts", task.Attempts)
		} else {
			log.Warn("failure not recorded", "error", err)
		}
	}
	return outcomeError
}

// heartbeat extends the claim lease every lease/3 until ctx ends. onLost is
// called once if the queue reports the claim is no longer held.
func (w *Worker) heartbeat(ctx context.Context, taskID string, onLost func()) {
	ticker := time.NewTicker(w.lease / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.queue.Heartbeat(ctx, taskID, w.id, w.lease)
			if err == nil {
				continue
			}
			if errors.Is(err, research.ErrNotOwner) || errors.Is(err, research.ErrNotFound) {
				w.log.Warn("claim lost", "task_id", taskID, "error", err)
				onLost()
				return
			}
			w.log.Warn("heartbeat failed", "task_id", taskID, "error", err)
		}
	}
}

// idle sleeps for the poll interval plus jitter. Reports false when ctx
// ended during the sleep.
func (w *Worker) idle(ctx context.Context) bool {
	jitter := rand.N(w.poll/2 + 1)
	select {
	case <-ctx.Done():
		return false
	case <-time.After(w.poll + jitter):
		return true
	}
}

// researchQuery is the retrieval query for a task. Detection and response
// content is the highest-value index material for every technique.
func researchQuery(t *research.Task) string {
	return fmt.Sprintf("%s %s detection mitigation response", t.TechniqueID, t.Platform)
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "worker-" + uuid.NewString()[:8]
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
