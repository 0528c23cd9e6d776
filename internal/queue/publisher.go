// Package queue publishes newsletter change events to the SQS change feed
// consumed by the delivery worker.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"inkpost/internal/config"
	"inkpost/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// ChangePublisher sends one ChangeEvent per newsletter write.
//
// On a FIFO queue (URL ending in ".fifo") events are grouped by document ID
// so writes to one newsletter are consumed in order, and the event ID is
// the deduplication ID.
type ChangePublisher struct {
	client   SQSSender
	queueURL string
	clock    types.Clock
	logger   *slog.Logger
}

// NewChangePublisher creates a ChangePublisher for awsCfg.ChangeQueue.
func NewChangePublisher(client SQSSender, awsCfg config.AWSConfig, logger *slog.Logger) *ChangePublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChangePublisher{
		client:   client,
		queueURL: awsCfg.ChangeQueue,
		clock:    types.RealClock{},
		logger:   logger,
	}
}

// PublishChange enqueues the before/after snapshots of a newsletter write.
// The event ID and trace ID are generated here.
func (p *ChangePublisher) PublishChange(ctx context.Context, documentID string, before, after *types.Newsletter) (*types.ChangeEvent, error) {
	traceID := types.GetTraceID(ctx)
	if traceID == "" {
		traceID = uuid.NewString()
	}

	evt := &types.ChangeEvent{
		EventID:    uuid.NewString(),
		DocumentID: documentID,
		Before:     before,
		After:      after,
		OccurredAt: p.clock.Now(),
		TraceID:    traceID,
	}

	if err := p.send(ctx, evt); err != nil {
		return nil, err
	}
	return evt, nil
}

func (p *ChangePublisher) send(ctx context.Context, evt *types.ChangeEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal ChangeEvent: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"document_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(evt.DocumentID),
			},
			"status": {
				DataType:    aws.String("String"),
				StringValue: aws.String(statusOf(evt.After)),
			},
		},
	}
	if strings.HasSuffix(p.queueURL, ".fifo") {
		input.MessageGroupId = aws.String(evt.DocumentID)
		input.MessageDeduplicationId = aws.String(evt.EventID)
	}

	start := time.Now()
	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamQueue,
			fmt.Sprintf("failed to send ChangeEvent to %s", p.queueURL), err)
	}

	p.logger.InfoContext(ctx, "change event published",
		"queue_url", p.queueURL,
		"event_id", evt.EventID,
		"document_id", evt.DocumentID,
		"trace_id", evt.TraceID,
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func statusOf(n *types.Newsletter) string {
	if n == nil {
		return "deleted"
	}
	return string(n.Status)
}
