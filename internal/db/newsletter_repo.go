package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"inkpost/internal/types"
)

const newsletterColumns = `id, creator_id, subject, content, status, delivery_status,
	sent_count, partial_failures, error, delivery_run_id,
	created_at, updated_at, sent_at, delivered_at`

// NewsletterRepository owns reads and guarded writes of newsletter documents.
//
// Every state change is a single conditional UPDATE whose WHERE clause
// encodes the allowed source state; RowsAffected tells the caller whether
// the transition happened. This keeps status monotonic and makes the
// none -> in_progress claim a compare-and-swap.
type NewsletterRepository struct {
	db     DBTX
	logger *slog.Logger
}

// NewNewsletterRepository creates a NewsletterRepository.
func NewNewsletterRepository(db DBTX, logger *slog.Logger) *NewsletterRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &NewsletterRepository{db: db, logger: logger}
}

// GetByID loads a newsletter. Returns ErrCodeNotFoundNewsletter when absent.
func (r *NewsletterRepository) GetByID(ctx context.Context, id string) (*types.Newsletter, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+newsletterColumns+` FROM newsletters WHERE id = $1`,
		id,
	)
	n, err := scanNewsletter(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundNewsletter, fmt.Sprintf("newsletter %s not found", id), nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load newsletter", err)
	}
	return n, nil
}

// MarkSent performs the creator's draft -> sent action and returns the
// document as it was before and after the write. A newsletter that is
// already sent is rejected with ErrCodeConflictAlreadySent.
func (r *NewsletterRepository) MarkSent(ctx context.Context, id, creatorID string, at time.Time) (before, after *types.Newsletter, err error) {
	before, err = r.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if before.CreatorID != creatorID {
		return nil, nil, types.NewAppError(types.ErrCodeNotFoundNewsletter, fmt.Sprintf("newsletter %s not found", id), nil)
	}
	if before.Status == types.NewsletterStatusSent {
		return nil, nil, types.NewAppError(types.ErrCodeConflictAlreadySent, "newsletter has already been sent", nil)
	}

	row := r.db.QueryRow(ctx,
		`UPDATE newsletters
		 SET status = 'sent', sent_at = $3, updated_at = $3
		 WHERE id = $1 AND creator_id = $2 AND status = 'draft'
		 RETURNING `+newsletterColumns,
		id,
		creatorID,
		at,
	)
	after, err = scanNewsletter(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Lost a race with another send of the same draft.
			return nil, nil, types.NewAppError(types.ErrCodeConflictAlreadySent, "newsletter has already been sent", nil)
		}
		return nil, nil, types.NewAppError(types.ErrCodeInternalDB, "failed to mark newsletter sent", err)
	}

	return before, after, nil
}

// ClaimDelivery moves delivery_status from none to in_progress for runID.
// Returns false without error when another run already holds (or finished)
// the delivery, or when the newsletter is not sent.
func (r *NewsletterRepository) ClaimDelivery(ctx context.Context, id, runID string, at time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE newsletters
		 SET delivery_status = 'in_progress',
		     delivery_run_id = $2,
		     delivery_started_at = $3,
		     updated_at = $3
		 WHERE id = $1
		   AND status = 'sent'
		   AND delivery_status = 'none'`,
		id,
		runID,
		at,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to claim delivery", err)
	}

	if tag.RowsAffected() == 0 {
		r.logger.Info("delivery claim rejected",
			slog.String("newsletter_id", id),
			slog.String("run_id", runID),
		)
		return false, nil
	}
	return true, nil
}

// CompleteDelivery records a completed run. partial is nil when every
// recipient succeeded.
func (r *NewsletterRepository) CompleteDelivery(ctx context.Context, id, runID string, sentCount int, partial *types.PartialFailures, at time.Time) error {
	var partialArg any
	if partial != nil {
		partialArg = *partial
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE newsletters
		 SET delivery_status = 'completed',
		     sent_count = $3,
		     partial_failures = $4,
		     error = NULL,
		     delivered_at = $5,
		     updated_at = $5
		 WHERE id = $1
		   AND delivery_run_id = $2
		   AND delivery_status = 'in_progress'`,
		id,
		runID,
		sentCount,
		partialArg,
		at,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record completed delivery", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeConflictInvalidTransition,
			fmt.Sprintf("newsletter %s is not in_progress for run %s", id, runID), nil)
	}
	return nil
}

// FailDelivery records a failed run. No stats are written.
func (r *NewsletterRepository) FailDelivery(ctx context.Context, id, runID, message string, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE newsletters
		 SET delivery_status = 'failed',
		     error = $3,
		     updated_at = $4
		 WHERE id = $1
		   AND delivery_run_id = $2
		   AND delivery_status = 'in_progress'`,
		id,
		runID,
		message,
		at,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record failed delivery", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeConflictInvalidTransition,
			fmt.Sprintf("newsletter %s is not in_progress for run %s", id, runID), nil)
	}
	return nil
}

func scanNewsletter(row pgx.Row) (*types.Newsletter, error) {
	var (
		n         types.Newsletter
		sentCount *int
		partial   *types.PartialFailures
		errMsg    *string
		runID     *string
	)
	err := row.Scan(
		&n.ID,
		&n.CreatorID,
		&n.Subject,
		&n.Content,
		&n.Status,
		&n.DeliveryStatus,
		&sentCount,
		&partial,
		&errMsg,
		&runID,
		&n.CreatedAt,
		&n.UpdatedAt,
		&n.SentAt,
		&n.DeliveredAt,
	)
	if err != nil {
		return nil, err
	}

	if sentCount != nil {
		n.Stats = &types.DeliveryStats{SentCount: *sentCount}
	}
	n.PartialFailures = partial
	if errMsg != nil {
		n.Error = *errMsg
	}
	if runID != nil {
		n.DeliveryRunID = *runID
	}
	return &n, nil
}
