package delivery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"inkpost/internal/types"
)

// mockCloudWatchClient records PutMetricData calls for verification.
type mockCloudWatchClient struct {
	calls     []*cloudwatch.PutMetricDataInput
	returnErr error
}

func (m *mockCloudWatchClient) PutMetricData(_ context.Context, params *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	m.calls = append(m.calls, params)
	if m.returnErr != nil {
		return nil, m.returnErr
	}
	return &cloudwatch.PutMetricDataOutput{}, nil
}

func dimValue(d cwtypes.MetricDatum, name string) string {
	for _, dim := range d.Dimensions {
		if aws.ToString(dim.Name) == name {
			return aws.ToString(dim.Value)
		}
	}
	return ""
}

func TestCloudWatchMetrics_RecordRun(t *testing.T) {
	cw := &mockCloudWatchClient{}
	m := NewCloudWatchMetrics(cw, "", &mockLogger{})

	m.RecordRun(context.Background(), "ses", types.DeliveryStatusCompleted, 1500*time.Millisecond)

	if len(cw.calls) != 1 {
		t.Fatalf("expected 1 PutMetricData call, got %d", len(cw.calls))
	}
	input := cw.calls[0]
	if aws.ToString(input.Namespace) != types.MetricNamespace {
		t.Errorf("namespace = %q", aws.ToString(input.Namespace))
	}
	if len(input.MetricData) != 2 {
		t.Fatalf("expected 2 datums, got %d", len(input.MetricData))
	}

	run := input.MetricData[0]
	if aws.ToString(run.MetricName) != types.MetricDeliveryRun || aws.ToFloat64(run.Value) != 1 {
		t.Errorf("unexpected run datum: %+v", run)
	}
	if dimValue(run, types.DimResult) != "completed" || dimValue(run, types.DimProvider) != "ses" {
		t.Errorf("unexpected run dimensions: %+v", run.Dimensions)
	}

	latency := input.MetricData[1]
	if aws.ToString(latency.MetricName) != types.MetricDeliveryRunLatency || aws.ToFloat64(latency.Value) != 1500 {
		t.Errorf("unexpected latency datum: %+v", latency)
	}
	if latency.Unit != cwtypes.StandardUnitMilliseconds {
		t.Errorf("latency unit = %s", latency.Unit)
	}
}

func TestCloudWatchMetrics_RecordRecipients(t *testing.T) {
	cw := &mockCloudWatchClient{}
	m := NewCloudWatchMetrics(cw, "InkpostDev", &mockLogger{})

	m.RecordRecipients(context.Background(), "sendgrid", &Summary{Attempted: 45, Succeeded: 44, Failed: 1})
	m.RecordRecipients(context.Background(), "sendgrid", nil)

	if len(cw.calls) != 1 {
		t.Fatalf("expected 1 call (nil summary skipped), got %d", len(cw.calls))
	}
	if aws.ToString(cw.calls[0].Namespace) != "InkpostDev" {
		t.Errorf("namespace = %q", aws.ToString(cw.calls[0].Namespace))
	}

	want := map[string]float64{
		types.MetricRecipientsAttempted: 45,
		types.MetricRecipientsSucceeded: 44,
		types.MetricRecipientsFailed:    1,
	}
	for _, d := range cw.calls[0].MetricData {
		name := aws.ToString(d.MetricName)
		if want[name] != aws.ToFloat64(d.Value) {
			t.Errorf("%s = %v, want %v", name, aws.ToFloat64(d.Value), want[name])
		}
		delete(want, name)
	}
	if len(want) != 0 {
		t.Errorf("missing metrics: %v", want)
	}
}

func TestCloudWatchMetrics_ErrorIsLoggedNotReturned(t *testing.T) {
	cw := &mockCloudWatchClient{returnErr: errors.New("throttled")}
	logger := &mockLogger{}
	m := NewCloudWatchMetrics(cw, "", logger)

	m.RecordSkipped(context.Background(), "stale_trigger")

	if !logger.has("ERROR: failed to record delivery metric") {
		t.Errorf("expected error log, got %v", logger.msgs)
	}
	if dimValue(cw.calls[0].MetricData[0], types.DimReason) != "stale_trigger" {
		t.Errorf("unexpected dimensions: %+v", cw.calls[0].MetricData[0].Dimensions)
	}
}
