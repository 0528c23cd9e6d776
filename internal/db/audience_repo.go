package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"inkpost/internal/types"
)

// BrandRepository reads creator sender identities.
type BrandRepository struct {
	db DBTX
}

// NewBrandRepository creates a BrandRepository.
func NewBrandRepository(db DBTX) *BrandRepository {
	return &BrandRepository{db: db}
}

// GetByCreatorID returns the creator's brand, or nil when none exists.
func (r *BrandRepository) GetByCreatorID(ctx context.Context, creatorID string) (*types.CreatorBrand, error) {
	var b types.CreatorBrand
	err := r.db.QueryRow(ctx,
		`SELECT creator_id, brand_name, email, updated_at
		 FROM creator_brands
		 WHERE creator_id = $1`,
		creatorID,
	).Scan(&b.CreatorID, &b.BrandName, &b.Email, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load creator brand", err)
	}
	return &b, nil
}

// SubscriberRepository reads a creator's audience.
type SubscriberRepository struct {
	db DBTX
}

// NewSubscriberRepository creates a SubscriberRepository.
func NewSubscriberRepository(db DBTX) *SubscriberRepository {
	return &SubscriberRepository{db: db}
}

// ListActiveEmails returns the addresses of the creator's active subscribers
// in insertion order. Returns an empty (non-nil) slice when there are none.
func (r *SubscriberRepository) ListActiveEmails(ctx context.Context, creatorID string) ([]string, error) {
	rows, err := r.db.Query(ctx,
		`SELECT email
		 FROM subscribers
		 WHERE creator_id = $1 AND status = 'active'
		 ORDER BY created_at, id`,
		creatorID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query active subscribers", err)
	}
	defer rows.Close()

	emails := make([]string, 0)
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan subscriber", err)
		}
		emails = append(emails, email)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate subscribers", err)
	}
	return emails, nil
}
