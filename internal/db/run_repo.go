package db

import (
	"context"
	"time"

	"inkpost/internal/types"
)

// ============================================================
// RunLockRepository
// ============================================================

// RunLockRepository provides a lease-based lock via the delivery_locks
// table. It is the fallback run lock when no Redis is configured.
type RunLockRepository struct {
	db  DBTX
	now func() time.Time
}

// NewRunLockRepository creates a RunLockRepository.
func NewRunLockRepository(db DBTX) *RunLockRepository {
	return &RunLockRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Acquire inserts the lock row, or takes over a row whose lease expired.
// Returns false when a live lease is held by another owner.
//
// locked_at and expires_at are computed in Go; "15m0s" is not a valid
// PostgreSQL interval literal.
func (r *RunLockRepository) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	now := r.now()
	tag, err := r.db.Exec(ctx,
		`INSERT INTO delivery_locks (id, owner, locked_at, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE
		   SET owner = EXCLUDED.owner,
		       locked_at = EXCLUDED.locked_at,
		       expires_at = EXCLUDED.expires_at
		   WHERE delivery_locks.expires_at < $3`,
		key,
		owner,
		now,
		now.Add(ttl),
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to acquire run lock", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Release deletes the lock row if owner still holds it.
func (r *RunLockRepository) Release(ctx context.Context, key, owner string) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM delivery_locks WHERE id = $1 AND owner = $2`,
		key,
		owner,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to release run lock", err)
	}
	return nil
}

// ============================================================
// DeliveryRunRepository
// ============================================================

// DeliveryRunRepository records one delivery_runs row per claimed run for
// operational visibility.
type DeliveryRunRepository struct {
	db DBTX
}

// NewDeliveryRunRepository creates a DeliveryRunRepository.
func NewDeliveryRunRepository(db DBTX) *DeliveryRunRepository {
	return &DeliveryRunRepository{db: db}
}

// Start inserts the run with status in_progress.
func (r *DeliveryRunRepository) Start(ctx context.Context, runID, newsletterID string, startedAt time.Time) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO delivery_runs (run_id, newsletter_id, started_at, status)
		 VALUES ($1, $2, $3, 'in_progress')`,
		runID,
		newsletterID,
		startedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to start delivery run entry", err)
	}
	return nil
}

// Finish stores the terminal status and counters of the run.
func (r *DeliveryRunRepository) Finish(ctx context.Context, rec types.RunRecord) error {
	var errMsg *string
	if rec.Error != "" {
		errMsg = &rec.Error
	}
	finishedAt := time.Now().UTC()
	if rec.FinishedAt != nil {
		finishedAt = *rec.FinishedAt
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE delivery_runs
		 SET finished_at = $2, status = $3, attempted = $4,
		     succeeded = $5, failed = $6, error = $7
		 WHERE run_id = $1`,
		rec.RunID,
		finishedAt,
		rec.Status,
		rec.Attempted,
		rec.Succeeded,
		rec.Failed,
		errMsg,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to finish delivery run entry", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "delivery run entry not found", nil)
	}
	return nil
}
