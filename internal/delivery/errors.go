package delivery

import (
	"errors"
	"fmt"
)

// ErrStaleTrigger matches every StaleTriggerError.
var ErrStaleTrigger = errors.New("not a qualifying transition")

// ErrAlreadyClaimed is returned when the none -> in_progress claim lost to
// another run, or the newsletter was already delivered.
var ErrAlreadyClaimed = errors.New("delivery already claimed by another run")

// ErrRunLocked is returned when another run holds the newsletter's run lock.
var ErrRunLocked = errors.New("delivery run lock held by another worker")

// StaleTriggerError describes why a write did not qualify. It is a no-op
// signal, not a failure.
type StaleTriggerError struct {
	Reason string
}

func (e *StaleTriggerError) Error() string {
	return "stale trigger: " + e.Reason
}

// Is makes errors.Is(err, ErrStaleTrigger) match.
func (e *StaleTriggerError) Is(target error) bool {
	return target == ErrStaleTrigger
}

// ResolutionError wraps a failed brand or subscriber lookup. Fatal to the run.
type ResolutionError struct {
	CreatorID string
	Err       error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve recipients for creator %s: %v", e.CreatorID, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// RecipientSendError is one recipient's failed send. It is recorded as an
// Outcome and never aborts sibling sends.
type RecipientSendError struct {
	Email    string
	Attempts int
	Err      error
}

func (e *RecipientSendError) Error() string {
	return fmt.Sprintf("send to %s failed after %d attempt(s): %v", RedactEmail(e.Email), e.Attempts, e.Err)
}

func (e *RecipientSendError) Unwrap() error { return e.Err }

// BatchFatalError is a failure outside the per-recipient send calls: chunk
// orchestration, an exhausted run budget or a panic. Chunk is -1 when the
// failure happened outside dispatch. Fatal to the run.
type BatchFatalError struct {
	Chunk int
	Err   error
}

func (e *BatchFatalError) Error() string {
	if e.Chunk < 0 {
		return fmt.Sprintf("delivery run aborted: %v", e.Err)
	}
	return fmt.Sprintf("dispatch aborted at chunk %d: %v", e.Chunk, e.Err)
}

func (e *BatchFatalError) Unwrap() error { return e.Err }

// ClaimError means the run could not take its lock or attempt the claim
// because a store was unavailable. Nothing was dispatched, so redelivering
// the triggering event is safe.
type ClaimError struct {
	Err error
}

func (e *ClaimError) Error() string {
	return fmt.Sprintf("claim delivery: %v", e.Err)
}

func (e *ClaimError) Unwrap() error { return e.Err }

// IsRetryable reports whether the event that produced err may be redelivered.
func IsRetryable(err error) bool {
	var claimErr *ClaimError
	return errors.As(err, &claimErr)
}
