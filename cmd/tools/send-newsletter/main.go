// Package main implements the send-newsletter CLI tool, the operator path for
// the creator's "send" action.
//
// It performs the guarded draft -> sent write and publishes the resulting
// change event to the change queue, where the delivery worker picks it up.
//
// Usage:
//
//	go run ./cmd/tools/send-newsletter --id=<newsletter-id> --creator=<creator-id>
//
// The sent newsletter is printed to stdout as JSON; logs go to stderr.
// Running it again for a newsletter that is sent but whose delivery never
// started queues the delivery again.
//
// Configuration is loaded the same way as the workers (env, .env, SSM).
// With --secrets=env the *_SSM_PARAM pointers are looked up as environment
// variables instead, for CI jobs that inject parameters by path.
// SQS_NEWSLETTER_CHANGES must be set.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"inkpost/internal/config"
	"inkpost/internal/db"
	"inkpost/internal/newsletter"
	"inkpost/internal/queue"
	"inkpost/internal/types"
)

func main() {
	idFlag := flag.String("id", "", "Newsletter ID to send")
	creatorFlag := flag.String("creator", "", "Creator ID owning the newsletter")
	secretsFlag := flag.String("secrets", "ssm", "Where *_SSM_PARAM pointers resolve: ssm or env")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: send-newsletter --id=<id> --creator=<creator-id>\n\n")
		fmt.Fprintf(os.Stderr, "Mark a draft newsletter as sent and enqueue its delivery.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if *idFlag == "" || *creatorFlag == "" {
		fmt.Fprintf(os.Stderr, "error: --id and --creator are required\n\n")
		flag.Usage()
		os.Exit(1)
	}

	provider, err := secretProvider(*secretsFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n\n", err)
		flag.Usage()
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	svc, cleanup, err := newService(ctx, provider, logger)
	if err != nil {
		logger.Error("setup failed", "error", err)
		os.Exit(1)
	}

	err = send(ctx, svc, *idFlag, *creatorFlag, os.Stdout)
	cleanup()
	if err != nil {
		logger.Error("send failed",
			"newsletter_id", *idFlag,
			"code", string(types.CodeOf(err)),
			"error", err,
		)
		os.Exit(1)
	}
}

// sender is the part of newsletter.Service the CLI drives.
type sender interface {
	Send(ctx context.Context, id, creatorID string) (*types.Newsletter, error)
}

var _ sender = (*newsletter.Service)(nil)

// send performs the send and writes the resulting newsletter to out as
// indented JSON. The snapshot is written even when the send reports an
// error alongside it, so the operator sees the stored state.
func send(ctx context.Context, svc sender, id, creatorID string, out io.Writer) error {
	sent, err := svc.Send(ctx, id, creatorID)
	if sent != nil {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(sent); encErr != nil {
			return errors.Join(err, fmt.Errorf("write result: %w", encErr))
		}
	}
	return err
}

// secretProvider maps the --secrets flag to a config.SecretProvider.
func secretProvider(source string) (config.SecretProvider, error) {
	switch source {
	case "ssm":
		return config.NewSSMProvider(os.Getenv("AWS_REGION")), nil
	case "env":
		return config.NewEnvVarProvider(), nil
	default:
		return nil, fmt.Errorf("--secrets must be ssm or env, got %q", source)
	}
}

// newService wires the newsletter service from configuration. The returned
// func closes the database pool.
func newService(ctx context.Context, provider config.SecretProvider, logger *slog.Logger) (*newsletter.Service, func(), error) {
	cfg, err := config.LoadConfig(provider)
	if err != nil {
		return nil, nil, fmt.Errorf("load configuration: %w", err)
	}
	if cfg.AWS.ChangeQueue == "" {
		return nil, nil, errors.New("SQS_NEWSLETTER_CHANGES is required")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return nil, nil, fmt.Errorf("load AWS SDK config: %w", err)
	}

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("open database pool: %w", err)
	}

	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})

	svc := newsletter.NewService(
		db.NewNewsletterRepository(pool, logger),
		queue.NewChangePublisher(sqsClient, cfg.AWS, logger),
		types.RealClock{},
		types.NewSlogLogger(logger),
	)

	return svc, pool.Close, nil
}
