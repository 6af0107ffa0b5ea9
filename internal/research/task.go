package research

import "time"

// Status of a research task in the queue.
type Status string

const (
	StatusPending    Status = "pending"
	StatusClaimed    Status = "claimed"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Active reports whether a task in this status still occupies its
// (technique, platform) slot. Enqueueing the same pair again while an active
// task exists returns the existing task instead of creating a duplicate.
func (s Status) Active() bool {
	switch s {
	case StatusPending, StatusClaimed, StatusInProgress:
		return true
	}
	return false
}

// Terminal reports whether the task will never run again without operator
// action.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Task is one unit of research work: draft or refresh the document for a
// technique on a platform.
type Task struct {
	ID          string `json:"id"`
	TechniqueID string `json:"technique_id"`
	Platform    string `json:"platform"`
	Status      Status `json:"status"`

	// Owner is the worker id holding the current claim, "" when unclaimed.
	// Attempts counts granted claims, so a worker that crashes without
	// reporting failure still consumes an attempt when the lease expires.
	Owner     string `json:"owner,omitempty"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`

	LeaseExpiresAt time.Time `json:"lease_expires_at,omitempty"`
	NotBefore      time.Time `json:"not_before,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// LeaseExpired reports whether a claimed task's lease has lapsed and the
// task is eligible for reclamation.
func (t *Task) LeaseExpired(now time.Time) bool {
	if t.Status != StatusClaimed && t.Status != StatusInProgress {
		return false
	}
	return !t.LeaseExpiresAt.After(now)
}

// RetryPolicy controls how many times failed work is retried and how the
// delay between attempts grows.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
}

// DefaultRetryPolicy retries three times with a 30s base delay, doubling.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 30 * time.Second, Multiplier: 2}
}

// Backoff returns the delay before the retry that follows the given 1-based
// attempt: BaseDelay x Multiplier^(attempt-1).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
	}
	return time.Duration(d)
}
