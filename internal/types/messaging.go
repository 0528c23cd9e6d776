package types

import "time"

// ChangeEvent is the SQS payload describing a single write to a newsletter
// document. Before is nil on create; After is nil on delete.
// JSON tags use snake_case to match the change feed producers.
type ChangeEvent struct {
	EventID    string      `json:"event_id"`
	DocumentID string      `json:"document_id"`
	Before     *Newsletter `json:"before"`
	After      *Newsletter `json:"after"`
	OccurredAt time.Time   `json:"occurred_at"`

	// Observability
	TraceID string `json:"trace_id,omitempty"`
}
