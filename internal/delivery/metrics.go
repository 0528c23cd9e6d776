package delivery

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"inkpost/internal/types"
)

// Metrics records delivery telemetry. Implementations must not fail the run.
type Metrics interface {
	RecordRun(ctx context.Context, provider string, status types.DeliveryStatus, latency time.Duration)
	RecordRecipients(ctx context.Context, provider string, summary *Summary)
	RecordSkipped(ctx context.Context, reason string)
}

// NoopMetrics discards everything. Used when ENABLE_METRICS is false.
type NoopMetrics struct{}

func (NoopMetrics) RecordRun(context.Context, string, types.DeliveryStatus, time.Duration) {}
func (NoopMetrics) RecordRecipients(context.Context, string, *Summary)                     {}
func (NoopMetrics) RecordSkipped(context.Context, string)                                  {}

// CloudWatchClient abstracts PutMetricData for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

var _ Metrics = (*CloudWatchMetrics)(nil)

// CloudWatchMetrics emits:
//   - DeliveryRun: Dims {Provider, Result}, one per finished run
//   - DeliveryRunLatency: Dims {Provider}, milliseconds
//   - RecipientsAttempted / RecipientsSucceeded / RecipientsFailed: Dims {Provider}
//   - ChangeEventSkipped: Dims {Reason}
type CloudWatchMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    types.Logger
}

// NewCloudWatchMetrics creates a CloudWatchMetrics. An empty namespace means
// types.MetricNamespace.
func NewCloudWatchMetrics(client CloudWatchClient, namespace string, logger types.Logger) *CloudWatchMetrics {
	if namespace == "" {
		namespace = types.MetricNamespace
	}
	return &CloudWatchMetrics{client: client, namespace: namespace, logger: logger}
}

func (m *CloudWatchMetrics) RecordRun(ctx context.Context, provider string, status types.DeliveryStatus, latency time.Duration) {
	m.put(ctx, "run",
		cwtypes.MetricDatum{
			MetricName: aws.String(types.MetricDeliveryRun),
			Value:      aws.Float64(1),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{
				dim(types.DimProvider, provider),
				dim(types.DimResult, string(status)),
			},
		},
		cwtypes.MetricDatum{
			MetricName: aws.String(types.MetricDeliveryRunLatency),
			Value:      aws.Float64(float64(latency.Milliseconds())),
			Unit:       cwtypes.StandardUnitMilliseconds,
			Dimensions: []cwtypes.Dimension{dim(types.DimProvider, provider)},
		},
	)
}

func (m *CloudWatchMetrics) RecordRecipients(ctx context.Context, provider string, summary *Summary) {
	if summary == nil {
		return
	}
	count := func(name string, v int) cwtypes.MetricDatum {
		return cwtypes.MetricDatum{
			MetricName: aws.String(name),
			Value:      aws.Float64(float64(v)),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{dim(types.DimProvider, provider)},
		}
	}
	m.put(ctx, "recipients",
		count(types.MetricRecipientsAttempted, summary.Attempted),
		count(types.MetricRecipientsSucceeded, summary.Succeeded),
		count(types.MetricRecipientsFailed, summary.Failed),
	)
}

func (m *CloudWatchMetrics) RecordSkipped(ctx context.Context, reason string) {
	m.put(ctx, "skipped", cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricChangeEventSkipped),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{dim(types.DimReason, reason)},
	})
}

func (m *CloudWatchMetrics) put(ctx context.Context, kind string, data ...cwtypes.MetricDatum) {
	_, err := m.client.PutMetricData(context.WithoutCancel(ctx), &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: data,
	})
	if err != nil {
		m.logger.Error("failed to record delivery metric",
			"kind", kind,
			"error", err.Error(),
		)
	}
}

func dim(name, value string) cwtypes.Dimension {
	return cwtypes.Dimension{Name: aws.String(name), Value: aws.String(value)}
}
