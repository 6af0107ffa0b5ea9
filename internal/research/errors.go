package research

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by the queue, store, and index packages.
var (
	// ErrNotFound reports a document or task that does not exist.
	ErrNotFound = errors.New("research: not found")

	// ErrNotOwner reports a queue mutation by a worker that no longer holds
	// the claim. The caller should stop work and re-claim.
	ErrNotOwner = errors.New("research: not claim owner")

	// ErrIndexUnavailable reports an unreachable vector index. Retrieval
	// degrades to an empty context instead of failing the pipeline.
	ErrIndexUnavailable = errors.New("research: vector index unavailable")

	// ErrMaxAttempts reports a task that exhausted its retry budget and is
	// terminally failed. Re-running it requires an operator retry.
	ErrMaxAttempts = errors.New("research: max attempts exceeded")
)

// TransientError marks a backing-store failure worth retrying with backoff.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable failure of op. Returns nil when err is
// nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether any error in the chain is a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// ValidationError rejects a write before it reaches storage.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("research: invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether any error in the chain is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
