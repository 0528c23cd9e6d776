package types

import "time"

// NewsletterStatus is the authoring status of a newsletter. It only moves
// forward: draft -> sent.
type NewsletterStatus string

const (
	NewsletterStatusDraft NewsletterStatus = "draft"
	NewsletterStatusSent  NewsletterStatus = "sent"
)

// DeliveryStatus tracks the delivery run of a sent newsletter.
type DeliveryStatus string

const (
	DeliveryStatusNone       DeliveryStatus = "none"
	DeliveryStatusInProgress DeliveryStatus = "in_progress"
	DeliveryStatusCompleted  DeliveryStatus = "completed"
	DeliveryStatusFailed     DeliveryStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s DeliveryStatus) IsTerminal() bool {
	return s == DeliveryStatusCompleted || s == DeliveryStatusFailed
}

// SubscriberStatus is the lifecycle state of a subscriber.
// Only active subscribers are eligible recipients.
type SubscriberStatus string

const (
	SubscriberStatusActive       SubscriberStatus = "active"
	SubscriberStatusUnsubscribed SubscriberStatus = "unsubscribed"
	SubscriberStatusBounced      SubscriberStatus = "bounced"
)

// DeliveryStats holds the counters recorded on a completed run.
type DeliveryStats struct {
	SentCount int `json:"sent_count"`
}

// PartialFailures summarises recipients that failed in an otherwise
// completed run. Sample holds at most the configured number of addresses.
type PartialFailures struct {
	Count  int      `json:"count"`
	Sample []string `json:"sample"`
}

// Newsletter is the document whose transition to sent triggers delivery.
// CreatorID is immutable after creation.
type Newsletter struct {
	ID        string           `json:"id"`
	CreatorID string           `json:"creator_id"`
	Subject   string           `json:"subject"`
	Content   string           `json:"content"`
	Status    NewsletterStatus `json:"status"`

	DeliveryStatus  DeliveryStatus   `json:"delivery_status"`
	Stats           *DeliveryStats   `json:"stats,omitempty"`
	PartialFailures *PartialFailures `json:"partial_failures,omitempty"`
	Error           string           `json:"error,omitempty"`
	DeliveryRunID   string           `json:"delivery_run_id,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

// CreatorBrand carries the sender identity of a creator.
type CreatorBrand struct {
	CreatorID string    `json:"creator_id"`
	BrandName string    `json:"brand_name"`
	Email     string    `json:"email"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Subscriber is a recipient belonging to exactly one creator.
type Subscriber struct {
	ID        string           `json:"id"`
	CreatorID string           `json:"creator_id"`
	Email     string           `json:"email"`
	Status    SubscriberStatus `json:"status"`
	CreatedAt time.Time        `json:"created_at"`
}

// SenderIdentity is the visible From of an outgoing message.
type SenderIdentity struct {
	Name    string
	Address string
}

// SendInput is a single outgoing email. HTML is sent verbatim.
type SendInput struct {
	From    SenderIdentity
	ReplyTo string
	To      string
	Subject string
	HTML    string

	// ReferenceID correlates provider events with a delivery run.
	ReferenceID string
}

// RunRecord is the history entry of one delivery run.
type RunRecord struct {
	RunID        string
	NewsletterID string
	Status       DeliveryStatus
	Attempted    int
	Succeeded    int
	Failed       int
	Error        string
	StartedAt    time.Time
	FinishedAt   *time.Time
}
