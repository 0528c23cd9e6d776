// Package newsletter implements the creator's explicit send action: the
// single draft -> sent transition and the change event that starts delivery.
package newsletter

import (
	"context"
	"fmt"
	"time"

	"inkpost/internal/types"
)

// Store performs the guarded draft -> sent write and returns both snapshots.
type Store interface {
	MarkSent(ctx context.Context, id, creatorID string, at time.Time) (before, after *types.Newsletter, err error)
	GetByID(ctx context.Context, id string) (*types.Newsletter, error)
}

// ChangePublisher emits the change event for a write.
type ChangePublisher interface {
	PublishChange(ctx context.Context, documentID string, before, after *types.Newsletter) (*types.ChangeEvent, error)
}

// Service handles creator actions on newsletters.
type Service struct {
	store     Store
	publisher ChangePublisher
	clock     types.Clock
	logger    types.Logger
}

// NewService creates a Service.
func NewService(store Store, publisher ChangePublisher, clock types.Clock, logger types.Logger) *Service {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &Service{store: store, publisher: publisher, clock: clock, logger: logger}
}

// Send marks a draft as sent and publishes the resulting change event.
//
// If the event cannot be published the newsletter stays sent and the error
// carries ErrCodeUpstreamQueue; the sent snapshot is still returned.
//
// Status never reverts, so a second Send never mails anyone twice. It is
// rejected with ErrCodeConflictAlreadySent once delivery has started. While
// delivery_status is still none the event is published again, which
// recovers a send whose event was lost; the delivery claim discards any
// duplicate.
func (s *Service) Send(ctx context.Context, id, creatorID string) (*types.Newsletter, error) {
	if id == "" || creatorID == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "newsletter id and creator id are required", nil)
	}

	log := s.logger.With("newsletter_id", id, "creator_id", creatorID)

	before, after, err := s.store.MarkSent(ctx, id, creatorID, s.clock.Now())
	if types.CodeOf(err) == types.ErrCodeConflictAlreadySent {
		return s.republish(ctx, id, creatorID, err, log)
	}
	if err != nil {
		log.Warn("send rejected", "code", string(types.CodeOf(err)), "error", err)
		return nil, err
	}

	if err := s.publish(ctx, id, before, after, log); err != nil {
		return after, err
	}
	return after, nil
}

// republish re-emits the draft -> sent event for a sent newsletter whose
// delivery never started. Otherwise conflict is returned unchanged.
func (s *Service) republish(ctx context.Context, id, creatorID string, conflict error, log types.Logger) (*types.Newsletter, error) {
	current, err := s.store.GetByID(ctx, id)
	if err != nil {
		log.Warn("send rejected", "code", string(types.CodeOf(conflict)), "error", conflict)
		return nil, conflict
	}
	if current.CreatorID != creatorID || current.Status != types.NewsletterStatusSent ||
		(current.DeliveryStatus != "" && current.DeliveryStatus != types.DeliveryStatusNone) {
		log.Warn("send rejected",
			"code", string(types.CodeOf(conflict)),
			"delivery_status", string(current.DeliveryStatus),
		)
		return nil, conflict
	}

	prev := *current
	prev.Status = types.NewsletterStatusDraft
	prev.SentAt = nil

	log.Warn("newsletter sent but never delivered, publishing change event again")
	if err := s.publish(ctx, id, &prev, current, log); err != nil {
		return current, err
	}
	return current, nil
}

func (s *Service) publish(ctx context.Context, id string, before, after *types.Newsletter, log types.Logger) error {
	evt, err := s.publisher.PublishChange(ctx, id, before, after)
	if err != nil {
		log.Error("newsletter sent but change event not published", "error", err)
		return types.NewAppErrorWithDetails(
			types.ErrCodeUpstreamQueue,
			fmt.Sprintf("newsletter %s marked sent but delivery was not queued", id),
			err,
			map[string]any{"document_id": id},
		)
	}

	log.Info("newsletter sent", "event_id", evt.EventID)
	return nil
}
