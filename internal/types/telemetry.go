package types

// Telemetry metric names for CloudWatch.
// All components MUST use these constants.
const (
	// Metric Names
	MetricDeliveryRun         = "DeliveryRun"
	MetricDeliveryRunLatency  = "DeliveryRunLatency"
	MetricRecipientsAttempted = "RecipientsAttempted"
	MetricRecipientsSucceeded = "RecipientsSucceeded"
	MetricRecipientsFailed    = "RecipientsFailed"
	MetricChangeEventSkipped  = "ChangeEventSkipped"

	// Dimension Keys
	DimResult   = "Result"
	DimProvider = "Provider"
	DimReason   = "Reason"

	// Default Metric Namespace
	MetricNamespace = "Inkpost"
)
