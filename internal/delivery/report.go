package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/zstd"

	"inkpost/internal/types"
)

// Report is the archived record of one run, including every outcome.
type Report struct {
	RunID        string               `json:"run_id"`
	NewsletterID string               `json:"newsletter_id"`
	CreatorID    string               `json:"creator_id"`
	Status       types.DeliveryStatus `json:"status"`
	Error        string               `json:"error,omitempty"`
	StartedAt    time.Time            `json:"started_at"`
	FinishedAt   time.Time            `json:"finished_at"`
	Summary      *Summary             `json:"summary,omitempty"`
}

// ReportArchiver stores run reports. Failures are logged by the caller and
// never change the run outcome.
type ReportArchiver interface {
	Archive(ctx context.Context, report *Report) (key string, err error)
}

// S3API is the subset of the S3 client used by S3ReportArchiver.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ReportKey returns the object key of a run report.
func ReportKey(newsletterID, runID string) string {
	return fmt.Sprintf("reports/%s/%s.json.zst", newsletterID, runID)
}

// S3ReportArchiver writes zstd-compressed JSON reports to S3.
type S3ReportArchiver struct {
	client  S3API
	bucket  string
	encoder *zstd.Encoder
}

// NewS3ReportArchiver creates an archiver for bucket.
func NewS3ReportArchiver(client S3API, bucket string) (*S3ReportArchiver, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	return &S3ReportArchiver{client: client, bucket: bucket, encoder: enc}, nil
}

// Archive uploads report and returns its key. EncodeAll is safe for
// concurrent use.
func (a *S3ReportArchiver) Archive(ctx context.Context, report *Report) (string, error) {
	raw, err := json.Marshal(report)
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal run report", err)
	}

	key := ReportKey(report.NewsletterID, report.RunID)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(a.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(a.encoder.EncodeAll(raw, nil)),
		ContentType:     aws.String("application/json"),
		ContentEncoding: aws.String("zstd"),
		Metadata: map[string]string{
			"newsletter-id": report.NewsletterID,
			"run-id":        report.RunID,
			"status":        string(report.Status),
		},
	})
	if err != nil {
		return "", types.NewAppError(types.ErrCodeUpstreamStorage, fmt.Sprintf("failed to upload run report to s3://%s/%s", a.bucket, key), err)
	}
	return key, nil
}
