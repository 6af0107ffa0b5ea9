package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/v3ct0r/techrag-go/internal/research"
)

// openTestQueue opens an in-memory SQLiteQueue for use in tests.
func openTestQueue(t *testing.T, policy research.RetryPolicy) *SQLiteQueue {
	t.Helper()
	q, err := Open(":memory:", policy)
	if err != nil {
		t.Fatalf("open in-memory queue: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func testPolicy() research.RetryPolicy {
	return research.RetryPolicy{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, Multiplier: 2}
}

func Test_Queue_EnqueueIsIdempotentForActivePair(t *testing.T) {
	t.Parallel()
	q := openTestQueue(t, testPolicy())
	ctx := context.Background()

	first, err := q.Enqueue(ctx, "T1055", "windows")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if first.Status != research.StatusPending {
		t.Fatalf("want pending, got %s", first.Status)
	}

	again, err := q.Enqueue(ctx, "t1055", "WINDOWS")
	if err != nil {
		t.Fatalf("enqueue again: %v", err)
	}
	if again.ID != first.ID {
		t.Errorf("want existing task %s, got new task %s", first.ID, again.ID)
	}

	other, err := q.Enqueue(ctx, "T1055", "linux")
	if err != nil {
		t.Fatalf("enqueue other platform: %v", err)
	}
	if other.ID == first.ID {
		t.Errorf("different platform should get its own task")
	}
}

func Test_Queue_EnqueueAfterCompletionCreatesNewTask(t *testing.T) {
	t.Parallel()
	q := openTestQueue(t, testPolicy())
	ctx := context.Background()

	first, err := q.Enqueue(ctx, "T1566", "windows")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := q.Claim(ctx, "w1", time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := q.Complete(ctx, claimed.ID, "w1"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	second, err := q.Enqueue(ctx, "T1566", "windows")
	if err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	if second.ID == first.ID {
		t.Errorf("completed pair should accept a fresh task")
	}
}

func Test_Queue_EnqueueValidation(t *testing.T) {
	t.Parallel()
	q := openTestQueue(t, testPolicy())
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "", "windows"); !research.IsValidation(err) {
		t.Errorf("empty technique: got %v, want validation error", err)
	}
	if _, err := q.Enqueue(ctx, "T1055", "  "); !research.IsValidation(err) {
		t.Errorf("blank platform: got %v, want validation error", err)
	}
	if _, err := q.Claim(ctx, "", time.Minute); !research.IsValidation(err) {
		t.Errorf("empty worker id: got %v, want validation error", err)
	}
	if _, err := q.Claim(ctx, "w1", 0); !research.IsValidation(err) {
		t.Errorf("zero lease: got %v, want validation error", err)
	}
}

func Test_Queue_ClaimOldestFirst(t *testing.T) {
	t.Parallel()
	q := openTestQueue(t, testPolicy())
	ctx := context.Background()

	ids := make([]string, 0, 3)
	for _, technique := range []string{"T1001", "T1002", "T1003"} {
		task, err := q.Enqueue(ctx, technique, "linux")
		if err != nil {
			t.Fatalf("enqueue %s: %v", technique, err)
		}
		ids = append(ids, task.ID)
	}

	for i, want := range ids {
		got, err := q.Claim(ctx, "w1", time.Minute)
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if got == nil || got.ID != want {
			t.Fatalf("claim %d: want task %s, got %+v", i, want, got)
		}
		if got.Status != research.StatusClaimed || got.Owner != "w1" || got.Attempts != 1 {
			t.Errorf("claim %d: want claimed/w1/attempts=1, got %s/%s/%d",
				i, got.Status, got.Owner, got.Attempts)
		}
	}

	empty, err := q.Claim(ctx, "w1", time.Minute)
	if err != nil {
		t.Fatalf("claim on drained queue: %v", err)
	}
	if empty != nil {
		t.Errorf("drained queue should return nil, got %+v", empty)
	}
}

func Test_Queue_ConcurrentClaimsAreDisjoint(t *testing.T) {
	t.Parallel()
	q := openTestQueue(t, testPolicy())
	ctx := context.Background()

	const total = 20
	for i := range total {
		if _, err := q.Enqueue(ctx, "T15"+string(rune('0'+i/10))+string(rune('0'+i%10)), "windows"); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	var (
		mu      sync.Mutex
		claimed = map[string]string{}
	)
	var wg sync.WaitGroup
	for w := range 4 {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			name := "w" + string(rune('0'+worker))
			for {
				task, err := q.Claim(ctx, name, time.Minute)
				if err != nil {
					t.Errorf("claim by %s: %v", name, err)
					return
				}
				if task == nil {
					mu.Lock()
					done := len(claimed) == total
					mu.Unlock()
					if done {
						return
					}
					time.Sleep(time.Millisecond)
					continue
				}
				mu.Lock()
				if prev, dup := claimed[task.ID]; dup {
					t.Errorf("task %s claimed by both %s and %s", task.ID, prev, name)
				}
				claimed[task.ID] = name
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	if len(claimed) != total {
		t.Errorf("want %d tasks claimed exactly once, got %d", total, len(claimed))
	}
}

func Test_Queue_HeartbeatOwnership(t *testing.T) {
	t.Parallel()
	q := openTestQueue(t, testPolicy())
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "T1547", "windows"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	task, err := q.Claim(ctx, "w1", time.Minute)
	if err != nil || task == nil {
		t.Fatalf("claim: task=%+v err=%v", task, err)
	}

	if err := q.Heartbeat(ctx, task.ID, "w1", time.Minute); err != nil {
		t.Errorf("heartbeat by owner: %v", err)
	}
	if err := q.Heartbeat(ctx, task.ID, "w2", time.Minute); !errors.Is(err, research.ErrNotOwner) {
		t.Errorf("heartbeat by stranger: got %v, want ErrNotOwner", err)
	}
	if err := q.Heartbeat(ctx, "no-such-task", "w1", time.Minute); !errors.Is(err, research.ErrNotFound) {
		t.Errorf("heartbeat on missing task: got %v, want ErrNotFound", err)
	}
}

func Test_Queue_HeartbeatKeepsLeaseAlive(t *testing.T) {
	t.Parallel()
	q := openTestQueue(t, testPolicy())
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "T1021", "linux"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	task, err := q.Claim(ctx, "w1", 40*time.Millisecond)
	if err != nil || task == nil {
		t.Fatalf("claim: task=%+v err=%v", task, err)
	}
	if err := q.Heartbeat(ctx, task.ID, "w1", time.Hour); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	time.Sleep(80 * time.Millisecond)
	stolen, err := q.Claim(ctx, "w2", time.Minute)
	if err != nil {
		t.Fatalf("claim by w2: %v", err)
	}
	if stolen != nil {
		t.Errorf("extended lease should not be reclaimable, got %+v", stolen)
	}
}

func Test_Queue_LeaseExpiryReclamation(t *testing.T) {
	t.Parallel()
	q := openTestQueue(t, testPolicy())
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "T1078", "cloud"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	task, err := q.Claim(ctx, "w1", 40*time.Millisecond)
	if err != nil || task == nil {
		t.Fatalf("claim: task=%+v err=%v", task, err)
	}

	time.Sleep(80 * time.Millisecond)

	stolen, err := q.Claim(ctx, "w2", time.Minute)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if stolen == nil || stolen.ID != task.ID {
		t.Fatalf("want reclaimed task %s, got %+v", task.ID, stolen)
	}
	if stolen.Owner != "w2" || stolen.Attempts != 2 {
		t.Errorf("want owner w2 attempts 2, got %s/%d", stolen.Owner, stolen.Attempts)
	}

	if err := q.Complete(ctx, task.ID, "w1"); !errors.Is(err, research.ErrNotOwner) {
		t.Errorf("complete by evicted owner: got %v, want ErrNotOwner", err)
	}
	if err := q.Complete(ctx, task.ID, "w2"); err != nil {
		t.Errorf("complete by new owner: %v", err)
	}
}

func Test_Queue_FailRequeuesBehindBackoffGate(t *testing.T) {
	t.Parallel()
	policy := research.RetryPolicy{MaxAttempts: 3, BaseDelay: 150 * time.Millisecond, Multiplier: 2}
	q := openTestQueue(t, policy)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "T1003", "windows"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	task, err := q.Claim(ctx, "w1", time.Minute)
	if err != nil || task == nil {
		t.Fatalf("claim: task=%+v err=%v", task, err)
	}
	if err := q.Fail(ctx, task.ID, "w1", "model timeout"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	got, err := q.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != research.StatusPending || got.LastError != "model timeout" {
		t.Fatalf("want pending with last_error recorded, got %s/%q", got.Status, got.LastError)
	}

	early, err := q.Claim(ctx, "w1", time.Minute)
	if err != nil {
		t.Fatalf("claim during backoff: %v", err)
	}
	if early != nil {
		t.Fatalf("task claimable before its backoff gate, got %+v", early)
	}

	time.Sleep(250 * time.Millisecond)
	late, err := q.Claim(ctx, "w1", time.Minute)
	if err != nil {
		t.Fatalf("claim after backoff: %v", err)
	}
	if late == nil || late.ID != task.ID || late.Attempts != 2 {
		t.Errorf("want task back with attempts 2, got %+v", late)
	}
}

func Test_Queue_FailTerminalAfterMaxAttempts(t *testing.T) {
	t.Parallel()
	policy := research.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, Multiplier: 1}
	q := openTestQueue(t, policy)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "T1486", "windows"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	task, err := q.Claim(ctx, "w1", time.Minute)
	if err != nil || task == nil {
		t.Fatalf("claim 1: task=%+v err=%v", task, err)
	}
	if err := q.Fail(ctx, task.ID, "w1", "first failure"); err != nil {
		t.Fatalf("fail 1: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	task, err = q.Claim(ctx, "w1", time.Minute)
	if err != nil || task == nil {
		t.Fatalf("claim 2: task=%+v err=%v", task, err)
	}
	err = q.Fail(ctx, task.ID, "w1", "second failure")
	if !errors.Is(err, research.ErrMaxAttempts) {
		t.Fatalf("final fail: got %v, want ErrMaxAttempts", err)
	}

	got, err := q.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != research.StatusFailed || got.LastError != "second failure" {
		t.Errorf("want terminal failed with reason, got %s/%q", got.Status, got.LastError)
	}

	if again, err := q.Claim(ctx, "w1", time.Minute); err != nil || again != nil {
		t.Errorf("failed task must not be claimable: task=%+v err=%v", again, err)
	}
}

func Test_Queue_ReleaseReturnsTaskAsCancelled(t *testing.T) {
	t.Parallel()
	q := openTestQueue(t, testPolicy())
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "T1059", "macos"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	task, err := q.Claim(ctx, "w1", time.Minute)
	if err != nil || task == nil {
		t.Fatalf("claim: task=%+v err=%v", task, err)
	}
	if err := q.Release(ctx, task.ID, "w1"); err != nil {
		t.Fatalf("release: %v", err)
	}

	got, err := q.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != research.StatusPending || got.LastError != "cancelled" {
		t.Errorf("want pending/cancelled, got %s/%q", got.Status, got.LastError)
	}
	if got.Owner != "" {
		t.Errorf("released task should have no owner, got %q", got.Owner)
	}
}

func Test_Queue_StartMarksInProgress(t *testing.T) {
	t.Parallel()
	q := openTestQueue(t, testPolicy())
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "T1110", "linux"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	task, err := q.Claim(ctx, "w1", time.Minute)
	if err != nil || task == nil {
		t.Fatalf("claim: task=%+v err=%v", task, err)
	}

	if err := q.Start(ctx, task.ID, "w2"); !errors.Is(err, research.ErrNotOwner) {
		t.Errorf("start by stranger: got %v, want ErrNotOwner", err)
	}
	if err := q.Start(ctx, task.ID, "w1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	got, err := q.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != research.StatusInProgress {
		t.Errorf("want in_progress, got %s", got.Status)
	}
}

func Test_Queue_ReapSweepsExpiredLeases(t *testing.T) {
	t.Parallel()
	policy := research.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, Multiplier: 1}
	q := openTestQueue(t, policy)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "T1547", "windows"); err != nil {
		t.Fatalf("enqueue fresh: %v", err)
	}
	fresh, err := q.Claim(ctx, "w1", 30*time.Millisecond)
	if err != nil || fresh == nil {
		t.Fatalf("claim fresh: task=%+v err=%v", fresh, err)
	}

	if _, err := q.Enqueue(ctx, "T1548", "windows"); err != nil {
		t.Fatalf("enqueue doomed: %v", err)
	}
	doomed, err := q.Claim(ctx, "w1", time.Minute)
	if err != nil || doomed == nil {
		t.Fatalf("claim doomed: task=%+v err=%v", doomed, err)
	}
	if err := q.Fail(ctx, doomed.ID, "w1", "first"); err != nil {
		t.Fatalf("fail doomed: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	doomed, err = q.Claim(ctx, "w1", 30*time.Millisecond)
	if err != nil || doomed == nil {
		t.Fatalf("reclaim doomed: task=%+v err=%v", doomed, err)
	}

	time.Sleep(60 * time.Millisecond)

	moved, err := q.Reap(ctx)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if moved != 2 {
		t.Errorf("want 2 tasks moved, got %d", moved)
	}

	gotFresh, err := q.Get(ctx, fresh.ID)
	if err != nil {
		t.Fatalf("get fresh: %v", err)
	}
	if gotFresh.Status != research.StatusPending {
		t.Errorf("fresh task: want pending after reap, got %s", gotFresh.Status)
	}

	gotDoomed, err := q.Get(ctx, doomed.ID)
	if err != nil {
		t.Fatalf("get doomed: %v", err)
	}
	if gotDoomed.Status != research.StatusFailed {
		t.Errorf("doomed task: want failed after reap, got %s", gotDoomed.Status)
	}
}

func Test_Queue_RetryFailedReopensTasks(t *testing.T) {
	t.Parallel()
	policy := research.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, Multiplier: 1}
	q := openTestQueue(t, policy)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "T1190", "linux"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	task, err := q.Claim(ctx, "w1", time.Minute)
	if err != nil || task == nil {
		t.Fatalf("claim: task=%+v err=%v", task, err)
	}
	if err := q.Fail(ctx, task.ID, "w1", "boom"); !errors.Is(err, research.ErrMaxAttempts) {
		t.Fatalf("fail: got %v, want ErrMaxAttempts", err)
	}

	n, err := q.RetryFailed(ctx)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if n != 1 {
		t.Errorf("want 1 task reopened, got %d", n)
	}

	got, err := q.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != research.StatusPending || got.Attempts != 0 || got.LastError != "" {
		t.Errorf("want clean pending task, got %s attempts=%d err=%q",
			got.Status, got.Attempts, got.LastError)
	}
}

func Test_Queue_RetryFailedSkipsPairsWithActiveReplacement(t *testing.T) {
	t.Parallel()
	policy := research.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, Multiplier: 1}
	q := openTestQueue(t, policy)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "T1556", "macos"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	task, err := q.Claim(ctx, "w1", time.Minute)
	if err != nil || task == nil {
		t.Fatalf("claim: task=%+v err=%v", task, err)
	}
	if err := q.Fail(ctx, task.ID, "w1", "boom"); !errors.Is(err, research.ErrMaxAttempts) {
		t.Fatalf("fail: got %v, want ErrMaxAttempts", err)
	}

	replacement, err := q.Enqueue(ctx, "T1556", "macos")
	if err != nil {
		t.Fatalf("enqueue replacement: %v", err)
	}
	if replacement.ID == task.ID {
		t.Fatalf("replacement should be a new task")
	}

	n, err := q.RetryFailed(ctx)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if n != 0 {
		t.Errorf("pair with active replacement must not reopen, got %d", n)
	}
}

func Test_Queue_StatsAndExport(t *testing.T) {
	t.Parallel()
	q := openTestQueue(t, testPolicy())
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "T1055", "windows"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Enqueue(ctx, "T1059", "windows"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Enqueue(ctx, "T1021", "linux"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	task, err := q.Claim(ctx, "w1", time.Minute)
	if err != nil || task == nil {
		t.Fatalf("claim: task=%+v err=%v", task, err)
	}
	if err := q.Complete(ctx, task.ID, "w1"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("total = %d, want 3", stats.Total)
	}
	if stats.ByStatus["pending"] != 2 || stats.ByStatus["completed"] != 1 {
		t.Errorf("by status = %v, want 2 pending 1 completed", stats.ByStatus)
	}
	if stats.ByPlatform["windows"]+stats.ByPlatform["linux"] != 2 {
		t.Errorf("by platform = %v, want 2 active tasks", stats.ByPlatform)
	}

	var buf bytes.Buffer
	if err := q.Export(ctx, &buf); err != nil {
		t.Fatalf("export: %v", err)
	}
	var tasks []research.Task
	if err := json.Unmarshal(buf.Bytes(), &tasks); err != nil {
		t.Fatalf("export produced invalid JSON: %v", err)
	}
	if len(tasks) != 3 {
		t.Errorf("export len = %d, want 3", len(tasks))
	}
}

func Test_Queue_GetMissingTask(t *testing.T) {
	t.Parallel()
	q := openTestQueue(t, testPolicy())

	_, err := q.Get(context.Background(), "nope")
	if !errors.Is(err, research.ErrNotFound) {
		t.Errorf("get missing: got %v, want ErrNotFound", err)
	}
}
