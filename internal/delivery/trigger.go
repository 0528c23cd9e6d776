package delivery

import (
	"context"
	"errors"

	"inkpost/internal/types"
)

// Runner executes one delivery run for a newsletter that just became sent.
type Runner interface {
	Run(ctx context.Context, n *types.Newsletter) (*Result, error)
}

// ShouldFire implements the edge guard: it returns nil only for the write
// where status becomes sent for the first time, and a *StaleTriggerError
// otherwise.
func ShouldFire(prev, curr *types.Newsletter) error {
	switch {
	case curr == nil:
		return &StaleTriggerError{Reason: "document removed"}
	case curr.Status != types.NewsletterStatusSent:
		return &StaleTriggerError{Reason: "status is " + string(curr.Status)}
	case prev != nil && prev.Status == types.NewsletterStatusSent:
		return &StaleTriggerError{Reason: "already sent before this write"}
	}
	return nil
}

// ChangeTrigger observes newsletter writes and starts the pipeline once per
// qualifying transition.
type ChangeTrigger struct {
	runner  Runner
	metrics Metrics
	logger  types.Logger
}

// NewChangeTrigger creates a ChangeTrigger. metrics may be nil.
func NewChangeTrigger(runner Runner, metrics Metrics, logger types.Logger) *ChangeTrigger {
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	return &ChangeTrigger{runner: runner, metrics: metrics, logger: logger}
}

// OnWrite is invoked for every write to the newsletters collection.
//
// Stale writes and runs that lose the claim return nil. Any other failure
// to run is logged and returned so the caller can decide on redelivery
// with IsRetryable; OnWrite itself never retries.
func (t *ChangeTrigger) OnWrite(ctx context.Context, documentID string, prev, curr *types.Newsletter) error {
	log := t.logger.With("newsletter_id", documentID)

	if err := ShouldFire(prev, curr); err != nil {
		var stale *StaleTriggerError
		errors.As(err, &stale)
		log.Info("change ignored", "reason", stale.Reason)
		t.metrics.RecordSkipped(ctx, "stale_trigger")
		return nil
	}

	if curr.ID == "" {
		curr.ID = documentID
	}

	res, err := t.runner.Run(ctx, curr)
	switch {
	case errors.Is(err, ErrAlreadyClaimed):
		log.Info("delivery already claimed; skipping duplicate trigger")
		t.metrics.RecordSkipped(ctx, "already_claimed")
		return nil
	case errors.Is(err, ErrRunLocked):
		log.Info("delivery run in flight elsewhere; skipping duplicate trigger")
		t.metrics.RecordSkipped(ctx, "run_locked")
		return nil
	case err != nil:
		log.Error("failed to run delivery pipeline",
			"error", err,
			"retryable", IsRetryable(err),
		)
		return err
	}

	log.Info("delivery run finished",
		"run_id", res.RunID,
		"delivery_status", string(res.Status),
	)
	return nil
}
