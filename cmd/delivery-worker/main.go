// Package main is the entrypoint for the Delivery Worker Lambda function.
//
// The Delivery Worker consumes newsletter change events from the change
// queue and hands each one to the delivery ChangeTrigger. A qualifying
// transition (status becoming "sent") runs the delivery pipeline once:
// run lock, claim, recipient resolution, chunked dispatch and the terminal
// delivery status write.
//
// Cold Start (main):
//  1. Initialize structured logger.
//  2. Load configuration (env, .env, SSM).
//  3. Open the database pool and build the repositories.
//  4. Build the email provider, dispatcher and state machine.
//  5. Pick the run lock: Redis when REDIS_URL is set, else the database.
//  6. Wire optional report archiving (S3) and metrics (CloudWatch).
//  7. Register handler and call lambda.Start.
//
// Messages whose processing failed with a retryable error are reported in
// batchItemFailures; everything else is acknowledged.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"inkpost/internal/config"
	"inkpost/internal/db"
	"inkpost/internal/delivery"
	"inkpost/internal/external"
	"inkpost/internal/lock"
	"inkpost/internal/types"
)

// changeTrigger is the part of delivery.ChangeTrigger the handler needs.
type changeTrigger interface {
	OnWrite(ctx context.Context, documentID string, prev, curr *types.Newsletter) error
}

// Handler holds the dependencies for the delivery worker Lambda handler.
type Handler struct {
	trigger changeTrigger
	logger  types.Logger
	now     func() time.Time
}

// Handle processes an SQS event containing one or more change events. Each
// message is processed independently and in order.
func (h *Handler) Handle(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	response := events.SQSEventResponse{}

	for _, record := range sqsEvent.Records {
		if err := h.processMessage(ctx, record); err != nil {
			h.logger.Error("failed to process SQS message",
				"message_id", record.MessageId,
				"error", err.Error(),
			)
			response.BatchItemFailures = append(response.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId},
			)
		}
	}

	return response, nil
}

// processMessage returns an error only when redelivery can help.
func (h *Handler) processMessage(ctx context.Context, record events.SQSMessage) error {
	var evt types.ChangeEvent
	if err := json.Unmarshal([]byte(record.Body), &evt); err != nil {
		// Permanent parse failure; redelivery would fail the same way.
		h.logger.Error("failed to unmarshal change event",
			"message_id", record.MessageId,
			"error", err.Error(),
		)
		return nil
	}

	documentID := evt.DocumentID
	if documentID == "" && evt.After != nil {
		documentID = evt.After.ID
	}
	if documentID == "" {
		h.logger.Warn("change event without document id", "message_id", record.MessageId)
		return nil
	}

	if evt.TraceID != "" {
		ctx = types.WithTraceID(ctx, evt.TraceID)
	}

	logger := h.logger.With(
		"event_id", evt.EventID,
		"newsletter_id", documentID,
		"trace_id", evt.TraceID,
	)

	if sentTimestamp, ok := record.Attributes["SentTimestamp"]; ok {
		if sent, err := parseMillisTimestamp(sentTimestamp); err == nil {
			logger.Info("processing change event", "queue_lag_ms", h.now().Sub(sent).Milliseconds())
		}
	}

	err := h.trigger.OnWrite(ctx, documentID, evt.Before, evt.After)
	if err == nil {
		return nil
	}
	if delivery.IsRetryable(err) {
		return err
	}

	// The run already reached a terminal status or was never claimed;
	// redelivery would be rejected by the claim.
	logger.Warn("change event acknowledged after non-retryable failure", "error", err.Error())
	return nil
}

// parseMillisTimestamp parses a millisecond-epoch string into a time.Time.
func parseMillisTimestamp(ms string) (time.Time, error) {
	var millis int64
	if _, err := fmt.Sscanf(ms, "%d", &millis); err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(millis), nil
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// buildTrigger wires the delivery pipeline from cfg.
func buildTrigger(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*delivery.ChangeTrigger, func(), error) {
	typedLogger := types.NewSlogLogger(logger)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return nil, nil, fmt.Errorf("load AWS SDK config: %w", err)
	}

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("open database pool: %w", err)
	}
	cleanup := []func(){pool.Close}
	closeAll := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}

	newsletters := db.NewNewsletterRepository(pool, logger)
	brands := db.NewBrandRepository(pool)
	subscribers := db.NewSubscriberRepository(pool)

	provider, err := external.NewEmailProvider(cfg, awsCfg, logger)
	if err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("build email provider: %w", err)
	}

	retry := delivery.DefaultSendRetryPolicy
	retry.MaxAttempts = cfg.Dispatch.MaxSendAttempts

	dispatcher := delivery.NewDispatcher(provider, delivery.DispatcherConfig{
		ChunkSize:   cfg.Dispatch.ChunkSize,
		SendTimeout: cfg.Dispatch.SendTimeout,
		Retry:       retry,
	}, typedLogger.With("component", "dispatcher"))

	states := delivery.NewStateMachine(newsletters, types.RealClock{}, delivery.StateMachineConfig{},
		typedLogger.With("component", "state_machine"))

	var runLock delivery.RunLock
	if url := cfg.Lock.RedisURL.Unmask(); url != "" {
		client, err := lock.NewClient(ctx, url)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("connect to redis: %w", err)
		}
		cleanup = append(cleanup, func() { _ = client.Close() })
		runLock = lock.NewRedisLock(client, logger)
		logger.Info("using redis run lock")
	} else {
		runLock = db.NewRunLockRepository(pool)
		logger.Info("using database run lock")
	}

	var metrics delivery.Metrics = delivery.NoopMetrics{}
	if cfg.Observability.EnableMetrics {
		metrics = delivery.NewCloudWatchMetrics(
			cloudwatch.NewFromConfig(awsCfg),
			cfg.Observability.MetricNamespace,
			typedLogger.With("component", "metrics"),
		)
	}

	deps := delivery.PipelineDeps{
		Resolver:   delivery.NewResolver(brands, subscribers),
		Dispatcher: dispatcher,
		States:     states,
		Lock:       runLock,
		History:    db.NewDeliveryRunRepository(pool),
		Metrics:    metrics,
		Logger:     typedLogger,
	}

	if cfg.AWS.ReportBucket != "" {
		s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if cfg.AWS.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
				o.UsePathStyle = true
			}
		})
		archiver, err := delivery.NewS3ReportArchiver(s3Client, cfg.AWS.ReportBucket)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("build report archiver: %w", err)
		}
		deps.Archiver = archiver
	}

	pipeline := delivery.NewPipeline(delivery.PipelineConfig{
		FromAddress:       cfg.Email.FromAddress,
		RunTimeout:        cfg.Dispatch.RunTimeout,
		LockTTL:           cfg.Lock.TTL,
		FailureSampleSize: cfg.Dispatch.FailureSampleSize,
		ProviderName:      external.ProviderName(provider),
	}, deps)

	return delivery.NewChangeTrigger(pipeline, metrics, typedLogger), closeAll, nil
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	logger.Info("Delivery Worker Lambda initializing (cold start)")

	cfg, err := config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION")))
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	})).With("service", cfg.Service, "version", cfg.Build.Version)

	ctx := context.Background()
	trigger, cleanup, err := buildTrigger(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize delivery pipeline", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	handler := &Handler{
		trigger: trigger,
		logger:  types.NewSlogLogger(logger),
		now:     time.Now,
	}

	logger.Info("Delivery Worker Lambda initialized",
		"environment", cfg.Environment,
		"email_provider", cfg.Email.Provider,
		"chunk_size", cfg.Dispatch.ChunkSize,
		"report_bucket", cfg.AWS.ReportBucket,
	)

	// Local mode: read JSON SQS event from stdin instead of starting Lambda runtime.
	// Usage: echo '{"Records":[{"messageId":"1","body":"{...}"}]}' | go run ./cmd/delivery-worker
	if cfg.Environment == "local" {
		if err := runLocal(ctx, handler, os.Stdin, os.Stderr, logger); err != nil {
			logger.Error("Local run failed", "error", err)
			cleanup()
			os.Exit(1)
		}
		return
	}

	lambda.Start(handler.Handle)
}

// runLocal feeds one SQS event read from in through the handler and writes
// any partial failure response to out.
func runLocal(ctx context.Context, handler *Handler, in io.Reader, out io.Writer, logger *slog.Logger) error {
	logger.Info("APP_ENV=local: reading SQS event from stdin")
	payload, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	if len(payload) == 0 {
		return errors.New("no input received on stdin")
	}

	var sqsEvent events.SQSEvent
	if err := json.Unmarshal(payload, &sqsEvent); err != nil {
		return fmt.Errorf("parse stdin as SQS event: %w", err)
	}

	response, err := handler.Handle(ctx, sqsEvent)
	if err != nil {
		return fmt.Errorf("handler execution: %w", err)
	}
	if len(response.BatchItemFailures) > 0 {
		logger.Warn("Handler reported partial failures",
			"failed_count", len(response.BatchItemFailures),
		)
		respJSON, _ := json.MarshalIndent(response, "", "  ")
		fmt.Fprintln(out, string(respJSON))
	}

	logger.Info("Handler execution completed",
		"records_processed", len(sqsEvent.Records),
		"failures", len(response.BatchItemFailures),
	)
	return nil
}
