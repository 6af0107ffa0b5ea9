package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/v3ct0r/techrag-go/internal/generate"
	"github.com/v3ct0r/techrag-go/internal/queue"
	"github.com/v3ct0r/techrag-go/internal/rag"
	"github.com/v3ct0r/techrag-go/internal/research"
	"github.com/v3ct0r/techrag-go/internal/store"
)

// stubContexts satisfies ContextBuilder with a canned result.
type stubContexts struct {
	result rag.ContextResult
	err    error
	got    rag.ContextRequest
}

func (c *stubContexts) Build(_ context.Context, req rag.ContextRequest) (rag.ContextResult, error) {
	c.got = req
	return c.result, c.err
}

// stubGenerator satisfies Generator, producing a complete document or a
// canned failure.
type stubGenerator struct {
	calls int
	fail  error
	got   generate.Request
}

func (g *stubGenerator) Research(_ context.Context, req generate.Request) (*research.Output, error) {
	g.calls++
	g.got = req
	if g.fail != nil {
		return nil, g.fail
	}
	now := time.Now().UTC()
	out := &research.Output{
		TechniqueID:     req.TechniqueID,
		Platform:        req.Platform,
		Description:     "Adversaries abuse the platform to keep access.",
		Detection:       "Watch process creation telemetry.",
		Mitigation:      "Restrict the abused primitive.",
		Playbook:        "Contain the host, then investigate.",
		References:      "internal corpus",
		Notes:           "Drafted by the test generator.",
		Confidence:      8,
		Sources:         req.Context.Sources,
		ResearchContext: req.Context.Text,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	out.Rescore()
	return out, nil
}

// openTestWorker wires a Worker over in-memory queue and store instances.
func openTestWorker(t *testing.T, gen Generator, contexts ContextBuilder, policy research.RetryPolicy) (*Worker, *queue.SQLiteQueue, *store.SQLiteStore) {
	t.Helper()
	q, err := queue.Open(":memory:", policy)
	if err != nil {
		t.Fatalf("open in-memory queue: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })

	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	w, err := New(Config{
		ID:        "worker-test",
		Lease:     time.Minute,
		Poll:      10 * time.Millisecond,
		Policy:    policy,
		Registry:  prometheus.NewRegistry(),
		Queue:     q,
		Store:     st,
		Contexts:  contexts,
		Generator: gen,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	return w, q, st
}

func words(n int) string {
	return strings.TrimSpace(strings.Repeat("word ", n))
}

// currentOutput builds an output fresh and scored well enough to skip
// regeneration.
func currentOutput(techniqueID, platform string) research.Output {
	out := research.Output{
		TechniqueID: techniqueID,
		Platform:    platform,
		Description: words(100),
		Detection:   words(75),
		Mitigation:  words(75),
		Playbook:    words(100),
		References:  words(50),
		Notes:       words(50),
		Confidence:  9,
		Sources:     []string{"doc-a", "doc-b", "doc-c"},
	}
	out.Rescore()
	return out
}

func Test_Worker_ProcessesTask(t *testing.T) {
	t.Parallel()

	gen := &stubGenerator{}
	contexts := &stubContexts{result: rag.ContextResult{
		Text:    "[Source: doc-a]\nInjection reference material.",
		Sources: []string{"doc-a"},
		Chunks:  1,
	}}
	w, q, st := openTestWorker(t, gen, contexts, research.DefaultRetryPolicy())
	ctx := context.Background()

	task, err := q.Enqueue(ctx, "t1055", "Windows")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	processed, err := w.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if !processed {
		t.Fatal("want a task processed, got idle")
	}

	if contexts.got.Technique != "T1055" || contexts.got.Platform != "windows" {
		t.Errorf("retrieval scoped to %s/%s, want T1055/windows", contexts.got.Technique, contexts.got.Platform)
	}
	if gen.got.Context.Text != contexts.result.Text {
		t.Errorf("generator got context %q, want the retrieved text", gen.got.Context.Text)
	}

	got, err := q.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != research.StatusCompleted {
		t.Errorf("want task completed, got %s", got.Status)
	}

	out, err := st.Get(ctx, "T1055", "windows")
	if err != nil {
		t.Fatalf("get output: %v", err)
	}
	if out.Description == "" {
		t.Error("want stored description, got empty")
	}
	if len(out.Sources) != 1 || out.Sources[0] != "doc-a" {
		t.Errorf("want retrieval sources persisted, got %v", out.Sources)
	}
}

func Test_Worker_IdleOnEmptyQueue(t *testing.T) {
	t.Parallel()

	w, _, _ := openTestWorker(t, &stubGenerator{}, &stubContexts{}, research.DefaultRetryPolicy())
	processed, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if processed {
		t.Error("want idle on empty queue, got a processed task")
	}
}

func Test_Worker_SkipsCurrentOutput(t *testing.T) {
	t.Parallel()

	gen := &stubGenerator{}
	w, q, st := openTestWorker(t, gen, &stubContexts{}, research.DefaultRetryPolicy())
	ctx := context.Background()

	if _, err := st.Upsert(ctx, currentOutput("T1055", "windows")); err != nil {
		t.Fatalf("seed output: %v", err)
	}
	task, err := q.Enqueue(ctx, "T1055", "windows")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	processed, err := w.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if !processed {
		t.Fatal("want the task consumed, got idle")
	}
	if gen.calls != 0 {
		t.Errorf("want generation skipped for a current output, got %d calls", gen.calls)
	}

	got, err := q.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != research.StatusCompleted {
		t.Errorf("want skipped task completed, got %s", got.Status)
	}
}

func Test_Worker_RegeneratesStaleOutput(t *testing.T) {
	t.Parallel()

	gen := &stubGenerator{}
	w, q, st := openTestWorker(t, gen, &stubContexts{}, research.DefaultRetryPolicy())
	ctx := context.Background()

	// Description alone scores far below the currency thresholds.
	stale := research.Output{TechniqueID: "T1055", Platform: "windows", Description: "thin"}
	if _, err := st.Upsert(ctx, stale); err != nil {
		t.Fatalf("seed output: %v", err)
	}
	if _, err := q.Enqueue(ctx, "T1055", "windows"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if gen.calls != 1 {
		t.Fatalf("want regeneration, got %d generator calls", gen.calls)
	}

	out, err := st.Get(ctx, "T1055", "windows")
	if err != nil {
		t.Fatalf("get output: %v", err)
	}
	if out.Detection == "" {
		t.Error("want regenerated detection section, got empty")
	}
}

func Test_Worker_FailureRequeuesWithBackoff(t *testing.T) {
	t.Parallel()

	gen := &stubGenerator{fail: errors.New("model unreachable")}
	policy := research.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Hour, Multiplier: 2}
	w, q, _ := openTestWorker(t, gen, &stubContexts{}, policy)
	ctx := context.Background()

	task, err := q.Enqueue(ctx, "T1055", "windows")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}

	got, err := q.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != research.StatusPending {
		t.Fatalf("want task requeued, got %s", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("want 1 attempt recorded, got %d", got.Attempts)
	}
	if !strings.Contains(got.LastError, "generate") {
		t.Errorf("want generate failure recorded, got %q", got.LastError)
	}
	if !got.NotBefore.After(time.Now()) {
		t.Errorf("want a future backoff gate, got %v", got.NotBefore)
	}

	// The backoff gate keeps the task out of reach.
	processed, err := w.RunOnce(ctx)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if processed {
		t.Error("want the requeued task gated by backoff, got a claim")
	}
}

func Test_Worker_FailureTerminalAtMaxAttempts(t *testing.T) {
	t.Parallel()

	gen := &stubGenerator{fail: errors.New("model unreachable")}
	policy := research.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, Multiplier: 2}
	w, q, _ := openTestWorker(t, gen, &stubContexts{}, policy)
	ctx := context.Background()

	task, err := q.Enqueue(ctx, "T1055", "windows")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}

	got, err := q.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != research.StatusFailed {
		t.Errorf("want terminal failure after the only attempt, got %s", got.Status)
	}
	if got.LastError == "" {
		t.Error("want failure reason recorded, got empty")
	}
}

func Test_Worker_GeneratesWithoutContext(t *testing.T) {
	t.Parallel()

	gen := &stubGenerator{}
	w, q, st := openTestWorker(t, gen, &stubContexts{}, research.DefaultRetryPolicy())
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "T1562", "linux"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}

	if gen.calls != 1 {
		t.Fatalf("want generation despite empty context, got %d calls", gen.calls)
	}
	if gen.got.Context.Text != "" {
		t.Errorf("want empty context, got %q", gen.got.Context.Text)
	}
	if _, err := st.Get(ctx, "T1562", "linux"); err != nil {
		t.Errorf("want output stored, got %v", err)
	}
}

func Test_Worker_New_Validation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	if err == nil {
		t.Fatal("want error for missing dependencies, got nil")
	}

	q, err := queue.Open(":memory:", research.DefaultRetryPolicy())
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	w, err := New(Config{
		Queue:     q,
		Store:     st,
		Contexts:  &stubContexts{},
		Generator: &stubGenerator{},
		Registry:  prometheus.NewRegistry(),
	})
	if err != nil {
		t.Fatalf("new with defaults: %v", err)
	}
	if w.ID() == "" {
		t.Error("want a default worker id, got empty")
	}
	if w.lease != defaultLease {
		t.Errorf("want default lease %v, got %v", defaultLease, w.lease)
	}
}
