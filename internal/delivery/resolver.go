package delivery

import (
	"context"

	"inkpost/internal/types"
)

// UnknownCreator is the display name used when a creator has no brand.
const UnknownCreator = "Unknown Creator"

// BrandStore looks up a creator's brand. A missing brand is (nil, nil).
type BrandStore interface {
	GetByCreatorID(ctx context.Context, creatorID string) (*types.CreatorBrand, error)
}

// SubscriberStore lists a creator's active subscriber addresses.
type SubscriberStore interface {
	ListActiveEmails(ctx context.Context, creatorID string) ([]string, error)
}

// Audience is the resolved sender identity and recipient snapshot of a run.
type Audience struct {
	DisplayName string
	ReplyTo     string
	Recipients  []string
}

// Resolver resolves a creator's display name and active recipients.
type Resolver struct {
	brands      BrandStore
	subscribers SubscriberStore
}

// NewResolver creates a Resolver.
func NewResolver(brands BrandStore, subscribers SubscriberStore) *Resolver {
	return &Resolver{brands: brands, subscribers: subscribers}
}

// Resolve takes the recipient snapshot for one run. Lookup failures are
// returned as *ResolutionError. Zero recipients is not an error.
func (r *Resolver) Resolve(ctx context.Context, creatorID string) (*Audience, error) {
	brand, err := r.brands.GetByCreatorID(ctx, creatorID)
	if err != nil {
		return nil, &ResolutionError{CreatorID: creatorID, Err: err}
	}

	aud := &Audience{DisplayName: UnknownCreator}
	if brand != nil {
		if brand.BrandName != "" {
			aud.DisplayName = brand.BrandName
		}
		aud.ReplyTo = brand.Email
	}

	recipients, err := r.subscribers.ListActiveEmails(ctx, creatorID)
	if err != nil {
		return nil, &ResolutionError{CreatorID: creatorID, Err: err}
	}
	if recipients == nil {
		recipients = []string{}
	}
	aud.Recipients = recipients

	return aud, nil
}
