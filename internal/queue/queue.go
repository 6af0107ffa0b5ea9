// Package queue provides the durable research task queue. Tasks are keyed by
// (technique, platform), claimed by workers under short leases, and retried
// with exponential backoff until a retry policy declares them terminally
// failed. State survives restarts and claims stay exclusive across processes.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // register "sqlite" driver

	"github.com/v3ct0r/techrag-go/internal/research"
)

// Queue hands research tasks to workers. Implementations must be safe for
// concurrent use; two workers must never hold a live claim on the same task.
type Queue interface {
	// Enqueue creates a pending task for the technique/platform pair. It is
	// idempotent: while an active task exists for the pair, the existing
	// task is returned instead of a duplicate.
	Enqueue(ctx context.Context, techniqueID, platform string) (*research.Task, error)
	// Claim atomically hands the oldest runnable task to workerID under the
	// given lease. Returns (nil, nil) when nothing is claimable.
	Claim(ctx context.Context, workerID string, lease time.Duration) (*research.Task, error)
	// Start moves a claimed task to in_progress.
	Start(ctx context.Context, id, workerID string) error
	// Heartbeat extends the caller's lease. Reports research.ErrNotOwner
	// when the claim has been lost to another worker.
	Heartbeat(ctx context.Context, id, workerID string, lease time.Duration) error
	// Complete marks the task done.
	Complete(ctx context.Context, id, workerID string) error
	// Fail records a failed attempt. Below the policy's attempt budget the
	// task returns to pending after a backoff delay; otherwise it becomes
	// terminally failed and research.ErrMaxAttempts is reported.
	Fail(ctx context.Context, id, workerID, reason string) error
	// Release returns a claim without consuming the result, recording the
	// attempt as cancelled.
	Release(ctx context.Context, id, workerID string) error
	// Get returns a task by id.
	Get(ctx context.Context, id string) (*research.Task, error)
	// Reap moves expired claims back to pending, or to failed when the
	// lease lapsed on the final attempt. Returns how many tasks moved.
	Reap(ctx context.Context) (int, error)
	// RetryFailed re-opens terminally failed tasks that have no active
	// replacement. Attempts reset to zero.
	RetryFailed(ctx context.Context) (int, error)
	// Stats summarizes queue contents by status and platform.
	Stats(ctx context.Context) (*Stats, error)
	// Export writes every task as JSON for operator inspection.
	Export(ctx context.Context, w io.Writer) error
	// Close releases any resources held by the queue.
	Close() error
}

// Stats is a point-in-time summary of queue contents.
type Stats struct {
	Total      int            `json:"total"`
	ByStatus   map[string]int `json:"by_status"`
	ByPlatform map[string]int `json:"by_platform"`
}

// claimScanLimit bounds how many contested candidates one Claim call will
// try before telling the caller to poll again.
const claimScanLimit = 8

// SQLiteQueue is a Queue backed by a local SQLite database.
type SQLiteQueue struct {
	db     *sql.DB
	policy research.RetryPolicy
}

// DefaultDBPath returns the default path for the task queue database. It
// resolves to ~/.techrag/queue.db, creating the directory if needed.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("queue: could not determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".techrag")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("queue: could not create %s: %w", dir, err)
	}
	return filepath.Join(dir, "queue.db"), nil
}

// Open opens (or creates) a SQLiteQueue at the given path and runs the schema
// migration. Use ":memory:" for an in-memory database in tests.
func Open(path string, policy research.RetryPolicy) (*SQLiteQueue, error) {
	if policy.MaxAttempts < 1 {
		return nil, &research.ValidationError{Field: "retry_policy.max_attempts", Reason: "must be at least 1"}
	}
	// WAL mode improves concurrent read performance and is safe for single-host use.
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("queue: open %s: %w", path, err)
	}
	// Limit to a single writer connection to avoid SQLITE_BUSY under concurrent writes.
	db.SetMaxOpenConns(1)

	q := &SQLiteQueue{db: db, policy: policy}
	if err := q.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return q, nil
}

// migrate creates the schema if it does not already exist.
func (q *SQLiteQueue) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS tasks (
    id            TEXT    PRIMARY KEY,
    technique_id  TEXT    NOT NULL,
    platform      TEXT    NOT NULL,
    status        TEXT    NOT NULL CHECK(status IN ('pending','claimed','in_progress','completed','failed')),
    owner         TEXT    NOT NULL DEFAULT '',
    attempts      INTEGER NOT NULL DEFAULT 0,
    last_error    TEXT    NOT NULL DEFAULT '',
    lease_expires INTEGER NOT NULL DEFAULT 0,  -- Unix milliseconds, 0 = no lease
    not_before    INTEGER NOT NULL DEFAULT 0,  -- retry backoff gate, Unix milliseconds
    created_at    INTEGER NOT NULL,            -- Unix milliseconds
    updated_at    INTEGER NOT NULL
);
-- One active task per technique/platform pair. Terminal tasks keep their
-- rows for history, so uniqueness only covers active statuses.
CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_active
    ON tasks (technique_id, platform)
    WHERE status IN ('pending','claimed','in_progress');
CREATE INDEX IF NOT EXISTS idx_tasks_claim
    ON tasks (status, not_before, created_at);
`
	if _, err := q.db.Exec(ddl); err != nil {
		return fmt.Errorf("queue: migrate: %w", err)
	}
	return nil
}

// Enqueue creates a pending task, or returns the existing active task for
// the pair. The partial unique index closes the race between two concurrent
// enqueues of the same pair.
func (q *SQLiteQueue) Enqueue(ctx context.Context, techniqueID, platform string) (*research.Task, error) {
	techniqueID = research.NormalizeTechnique(techniqueID)
	platform = research.NormalizePlatform(platform)
	if techniqueID == "" {
		return nil, &research.ValidationError{Field: "technique_id", Reason: "required"}
	}
	if platform == "" {
		return nil, &research.ValidationError{Field: "platform", Reason: "required"}
	}

	if t, err := q.activeTask(ctx, techniqueID, platform); err != nil {
		return nil, err
	} else if t != nil {
		return t, nil
	}

	id := uuid.NewString()
	now := time.Now().UnixMilli()
	const ins = `
INSERT INTO tasks (id, technique_id, platform, status, created_at, updated_at)
VALUES (?, ?, ?, 'pending', ?, ?)
ON CONFLICT DO NOTHING`
	res, err := q.db.ExecContext(ctx, ins, id, techniqueID, platform, now, now)
	if err != nil {
		return nil, research.Transient("queue: enqueue", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("queue: enqueue: %w", err)
	} else if n == 0 {
		// Lost the race to a concurrent enqueue of the same pair.
		if t, err := q.activeTask(ctx, techniqueID, platform); err != nil {
			return nil, err
		} else if t != nil {
			return t, nil
		}
		return nil, fmt.Errorf("queue: enqueue %s/%s: conflict but no active task", techniqueID, platform)
	}
	return q.Get(ctx, id)
}

// activeTask returns the active task for the pair, or nil.
func (q *SQLiteQueue) activeTask(ctx context.Context, techniqueID, platform string) (*research.Task, error) {
	const sel = `
SELECT ` + taskColumns + `
FROM   tasks
WHERE  technique_id = ? AND platform = ?
  AND  status IN ('pending','claimed','in_progress')`
	t, err := scanTask(q.db.QueryRowContext(ctx, sel, techniqueID, platform))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, research.Transient("queue: active task", err)
	}
	return t, nil
}

// Claim hands the oldest runnable task to workerID. Runnable means pending
// with its backoff gate passed, or claimed/in_progress with an expired lease
// (reclamation). The claim itself is a compare-and-swap on the candidate's
// status and lease, so a lost race costs a rescan, never a double claim.
func (q *SQLiteQueue) Claim(ctx context.Context, workerID string, lease time.Duration) (*research.Task, error) {
	if workerID == "" {
		return nil, &research.ValidationError{Field: "worker_id", Reason: "required"}
	}
	if lease <= 0 {
		return nil, &research.ValidationError{Field: "lease", Reason: "must be positive"}
	}

	for range claimScanLimit {
		now := time.Now()
		const cand = `
SELECT id, status, attempts, lease_expires
FROM   tasks
WHERE  (status = 'pending' AND not_before <= ?)
   OR  (status IN ('claimed','in_progress') AND lease_expires <= ?)
ORDER  BY created_at ASC, rowid ASC
LIMIT  1`
		var (
			id       string
			status   string
			attempts int
			oldLease int64
		)
		err := q.db.QueryRowContext(ctx, cand, now.UnixMilli(), now.UnixMilli()).Scan(&id, &status, &attempts, &oldLease)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, research.Transient("queue: claim scan", err)
		}

		// A lease that lapsed on the final attempt will never see a Fail
		// call from its crashed owner; retire it here and keep scanning.
		if status != string(research.StatusPending) && attempts >= q.policy.MaxAttempts {
			const retire = `
UPDATE tasks
SET    status = 'failed', owner = '', last_error = 'lease expired after final attempt', updated_at = ?
WHERE  id = ? AND status = ? AND lease_expires = ?`
			if _, err := q.db.ExecContext(ctx, retire, now.UnixMilli(), id, status, oldLease); err != nil {
				return nil, research.Transient("queue: retire expired", err)
			}
			continue
		}

		const cas = `
UPDATE tasks
SET    status = 'claimed', owner = ?, attempts = attempts + 1,
       lease_expires = ?, updated_at = ?
WHERE  id = ? AND status = ? AND lease_expires = ?`
		res, err := q.db.ExecContext(ctx, cas,
			workerID, now.Add(lease).UnixMilli(), now.UnixMilli(), id, status, oldLease)
		if err != nil {
			return nil, research.Transient("queue: claim", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return nil, fmt.Errorf("queue: claim: %w", err)
		} else if n == 1 {
			return q.Get(ctx, id)
		}
		// Another worker won the candidate; try the next one.
	}
	return nil, nil
}

// Start moves a claimed task to in_progress.
func (q *SQLiteQueue) Start(ctx context.Context, id, workerID string) error {
	const upd = `
UPDATE tasks SET status = 'in_progress', updated_at = ?
WHERE  id = ? AND owner = ? AND status = 'claimed'`
	return q.ownerUpdate(ctx, "start", id, workerID, upd, time.Now().UnixMilli(), id, workerID)
}

// Heartbeat extends the lease. A lapsed lease can still be revived here
// until another worker reclaims the task, at which point the old owner gets
// research.ErrNotOwner and must abandon its work.
func (q *SQLiteQueue) Heartbeat(ctx context.Context, id, workerID string, lease time.Duration) error {
	now := time.Now()
	const upd = `
UPDATE tasks SET lease_expires = ?, updated_at = ?
WHERE  id = ? AND owner = ? AND status IN ('claimed','in_progress')`
	res, err := q.db.ExecContext(ctx, upd, now.Add(lease).UnixMilli(), now.UnixMilli(), id, workerID)
	if err != nil {
		return research.Transient("queue: heartbeat", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("queue: heartbeat: %w", err)
	} else if n == 0 {
		return q.ownerFailure(ctx, "heartbeat", id, workerID)
	}
	return nil
}

// Complete marks the task done. The row is kept for history and stats.
func (q *SQLiteQueue) Complete(ctx context.Context, id, workerID string) error {
	const upd = `
UPDATE tasks SET status = 'completed', lease_expires = 0, updated_at = ?
WHERE  id = ? AND owner = ? AND status IN ('claimed','in_progress')`
	return q.ownerUpdate(ctx, "complete", id, workerID, upd, time.Now().UnixMilli(), id, workerID)
}

// Fail records a failed attempt. Attempts are counted at claim time, so the
// decision here is only which way the task goes: back to pending behind the
// policy's backoff gate, or terminal. Terminal transitions report
// research.ErrMaxAttempts so callers can tell give-up from a queue error.
func (q *SQLiteQueue) Fail(ctx context.Context, id, workerID, reason string) error {
	t, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Owner != workerID || (t.Status != research.StatusClaimed && t.Status != research.StatusInProgress) {
		return fmt.Errorf("queue: fail %s: %w", id, research.ErrNotOwner)
	}

	now := time.Now()
	if t.Attempts >= q.policy.MaxAttempts {
		const upd = `
UPDATE tasks SET status = 'failed', owner = '', last_error = ?, lease_expires = 0, updated_at = ?
WHERE  id = ? AND owner = ? AND status IN ('claimed','in_progress')`
		if err := q.ownerUpdate(ctx, "fail", id, workerID, upd, reason, now.UnixMilli(), id, workerID); err != nil {
			return err
		}
		return fmt.Errorf("queue: task %s failed after %d attempts: %w", id, t.Attempts, research.ErrMaxAttempts)
	}

	notBefore := now.Add(q.policy.Backoff(t.Attempts)).UnixMilli()
	const upd = `
UPDATE tasks SET status = 'pending', owner = '', last_error = ?, lease_expires = 0, not_before = ?, updated_at = ?
WHERE  id = ? AND owner = ? AND status IN ('claimed','in_progress')`
	return q.ownerUpdate(ctx, "fail", id, workerID, upd, reason, notBefore, now.UnixMilli(), id, workerID)
}

// Release returns a claim without consuming the result.
func (q *SQLiteQueue) Release(ctx context.Context, id, workerID string) error {
	return q.Fail(ctx, id, workerID, "cancelled")
}

// Get returns a task by id.
func (q *SQLiteQueue) Get(ctx context.Context, id string) (*research.Task, error) {
	const sel = `SELECT ` + taskColumns + ` FROM tasks WHERE id = ?`
	t, err := scanTask(q.db.QueryRowContext(ctx, sel, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("queue: task %s: %w", id, research.ErrNotFound)
	}
	if err != nil {
		return nil, research.Transient("queue: get", err)
	}
	return t, nil
}

// Reap eagerly sweeps expired claims: back to pending with attempts left,
// terminal otherwise. Claim performs the same reclamation lazily; Reap keeps
// the queue honest when no worker is polling.
func (q *SQLiteQueue) Reap(ctx context.Context) (int, error) {
	now := time.Now().UnixMilli()
	const requeue = `
UPDATE tasks SET status = 'pending', owner = '', lease_expires = 0, updated_at = ?
WHERE  status IN ('claimed','in_progress') AND lease_expires <= ? AND attempts < ?`
	res, err := q.db.ExecContext(ctx, requeue, now, now, q.policy.MaxAttempts)
	if err != nil {
		return 0, research.Transient("queue: reap requeue", err)
	}
	requeued, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("queue: reap: %w", err)
	}

	const retire = `
UPDATE tasks SET status = 'failed', owner = '', last_error = 'lease expired after final attempt', lease_expires = 0, updated_at = ?
WHERE  status IN ('claimed','in_progress') AND lease_expires <= ? AND attempts >= ?`
	res, err = q.db.ExecContext(ctx, retire, now, now, q.policy.MaxAttempts)
	if err != nil {
		return 0, research.Transient("queue: reap retire", err)
	}
	retired, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("queue: reap: %w", err)
	}
	return int(requeued + retired), nil
}

// RetryFailed re-opens terminally failed tasks. Pairs that already have an
// active replacement task are skipped so the uniqueness rule holds.
func (q *SQLiteQueue) RetryFailed(ctx context.Context) (int, error) {
	const upd = `
UPDATE tasks SET status = 'pending', attempts = 0, owner = '', last_error = '', lease_expires = 0, not_before = 0, updated_at = ?
WHERE  status = 'failed'
  AND  NOT EXISTS (
        SELECT 1 FROM tasks live
        WHERE  live.technique_id = tasks.technique_id
          AND  live.platform = tasks.platform
          AND  live.status IN ('pending','claimed','in_progress'))`
	res, err := q.db.ExecContext(ctx, upd, time.Now().UnixMilli())
	if err != nil {
		return 0, research.Transient("queue: retry failed", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("queue: retry failed: %w", err)
	}
	return int(n), nil
}

// Stats summarizes queue contents. ByPlatform counts active tasks only.
func (q *SQLiteQueue) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{ByStatus: map[string]int{}, ByPlatform: map[string]int{}}

	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, research.Transient("queue: stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("queue: stats scan: %w", err)
		}
		st.ByStatus[status] = n
		st.Total += n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: stats rows: %w", err)
	}

	rows, err = q.db.QueryContext(ctx, `
SELECT platform, COUNT(*) FROM tasks
WHERE  status IN ('pending','claimed','in_progress')
GROUP  BY platform`)
	if err != nil {
		return nil, research.Transient("queue: stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var platform string
		var n int
		if err := rows.Scan(&platform, &n); err != nil {
			return nil, fmt.Errorf("queue: stats scan: %w", err)
		}
		st.ByPlatform[platform] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: stats rows: %w", err)
	}
	return st, nil
}

// Export writes every task as indented JSON, oldest first.
func (q *SQLiteQueue) Export(ctx context.Context, w io.Writer) error {
	const sel = `SELECT ` + taskColumns + ` FROM tasks ORDER BY created_at ASC, rowid ASC`
	rows, err := q.db.QueryContext(ctx, sel)
	if err != nil {
		return research.Transient("queue: export", err)
	}
	defer rows.Close()

	tasks := []*research.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return fmt.Errorf("queue: export scan: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("queue: export rows: %w", err)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(tasks); err != nil {
		return fmt.Errorf("queue: export encode: %w", err)
	}
	return nil
}

// Close releases the database connection pool.
func (q *SQLiteQueue) Close() error {
	if err := q.db.Close(); err != nil {
		return fmt.Errorf("queue: close: %w", err)
	}
	return nil
}

// ownerUpdate runs an owner-guarded UPDATE and translates "no rows" into
// ErrNotFound or ErrNotOwner.
func (q *SQLiteQueue) ownerUpdate(ctx context.Context, op, id, workerID, query string, args ...any) error {
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return research.Transient("queue: "+op, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("queue: %s: %w", op, err)
	} else if n == 0 {
		return q.ownerFailure(ctx, op, id, workerID)
	}
	return nil
}

// ownerFailure explains a zero-row owner-guarded update.
func (q *SQLiteQueue) ownerFailure(ctx context.Context, op, id, workerID string) error {
	var exists int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE id = ?`, id).Scan(&exists)
	if err != nil {
		return research.Transient("queue: "+op, err)
	}
	if exists == 0 {
		return fmt.Errorf("queue: %s %s: %w", op, id, research.ErrNotFound)
	}
	return fmt.Errorf("queue: %s %s by %s: %w", op, id, workerID, research.ErrNotOwner)
}

const taskColumns = `id, technique_id, platform, status, owner, attempts, last_error, lease_expires, not_before, created_at, updated_at`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*research.Task, error) {
	var (
		t         research.Task
		status    string
		lease     int64
		notBefore int64
		created   int64
		updated   int64
	)
	if err := row.Scan(&t.ID, &t.TechniqueID, &t.Platform, &status, &t.Owner,
		&t.Attempts, &t.LastError, &lease, &notBefore, &created, &updated); err != nil {
		return nil, err
	}
	t.Status = research.Status(status)
	t.LeaseExpiresAt = milliOrZero(lease)
	t.NotBefore = milliOrZero(notBefore)
	t.CreatedAt = time.UnixMilli(created)
	t.UpdatedAt = time.UnixMilli(updated)
	return &t, nil
}

func milliOrZero(ts int64) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ts)
}
