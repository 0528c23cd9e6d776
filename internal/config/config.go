// Package config defines the configuration of the inkpost delivery services.
// Configuration is loaded once at process initialization (Lambda cold start)
// and is immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// Any missing required value or invalid format fails the load, and the
// caller is expected to exit immediately.
package config

import (
	"time"

	"inkpost/internal/types"
)

// SecretString is an alias for types.SecretString so config consumers do not
// need to import types for credential fields.
type SecretString = types.SecretString

// Email provider identifiers accepted by EMAIL_PROVIDER.
const (
	EmailProviderSES      = "ses"
	EmailProviderSendGrid = "sendgrid"
	EmailProviderStub     = "stub"
)

// Config is the top-level configuration struct.
// Sub-components receive only the config subsets they require.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"OTEL_SERVICE_NAME" default:"inkpost-delivery"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	IsTestMode  bool   `envconfig:"IS_TEST_MODE" default:"false"`

	Database      DatabaseConfig
	AWS           AWSConfig
	Email         EmailConfig
	Dispatch      DispatchConfig
	Lock          LockConfig
	Observability ObservabilityConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required,url"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10" validate:"min=1"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"1" validate:"min=0"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// ChangeQueue receives newsletter change events.
	ChangeQueue string `envconfig:"SQS_NEWSLETTER_CHANGES" validate:"omitempty,url"`
	// ReportBucket stores per-run outcome reports. Archiving is off when empty.
	ReportBucket string `envconfig:"REPORT_BUCKET"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL" validate:"omitempty,url"`
}

// EmailConfig selects the delivery provider and the sender address.
type EmailConfig struct {
	Provider         string       `envconfig:"EMAIL_PROVIDER" default:"ses" validate:"oneof=ses sendgrid stub"`
	SendGridAPIKey   SecretString `envconfig:"SENDGRID_API_KEY" validate:"required_if=Provider sendgrid"`
	FromAddress      string       `envconfig:"EMAIL_FROM_ADDRESS" default:"newsletters@inkpost.io" validate:"required,email"`
	SESConfiguration string       `envconfig:"SES_CONFIGURATION_SET"`
}

// DispatchConfig tunes the dispatch batcher and the run budget.
type DispatchConfig struct {
	ChunkSize         int           `envconfig:"DISPATCH_CHUNK_SIZE" default:"20" validate:"min=1,max=500"`
	RunTimeout        time.Duration `envconfig:"DISPATCH_RUN_TIMEOUT" default:"9m" validate:"min=1s"`
	SendTimeout       time.Duration `envconfig:"DISPATCH_SEND_TIMEOUT" default:"10s" validate:"min=100ms"`
	MaxSendAttempts   int           `envconfig:"DISPATCH_MAX_SEND_ATTEMPTS" default:"3" validate:"min=1,max=10"`
	FailureSampleSize int           `envconfig:"DISPATCH_FAILURE_SAMPLE_SIZE" default:"10" validate:"min=0,max=100"`
}

// LockConfig configures the optional Redis run lock.
type LockConfig struct {
	RedisURL SecretString  `envconfig:"REDIS_URL"`
	TTL      time.Duration `envconfig:"RUN_LOCK_TTL" default:"10m" validate:"min=1s"`
}

// ObservabilityConfig holds telemetry and monitoring settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"Inkpost"`
	EnableMetrics   bool   `envconfig:"ENABLE_METRICS" default:"true"`
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrSSMResolution indicates a failure when fetching secrets from AWS SSM.
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates an environment value could not be parsed into its field type.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
