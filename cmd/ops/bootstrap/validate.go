package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5"

	"inkpost/internal/lock"
)

// ValidationResult is the outcome of one validation check, with a message
// suitable for display in the CLI.
type ValidationResult struct {
	Valid   bool
	Message string
}

// HTTPClient is the interface used by validators that make outbound HTTP calls.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// DatabaseConnector opens and immediately closes a database connection.
type DatabaseConnector interface {
	Connect(ctx context.Context, dsn string) error
}

// PgxConnector is the production DatabaseConnector.
type PgxConnector struct{}

// Connect verifies that dsn is reachable and the credentials are valid.
func (c *PgxConnector) Connect(ctx context.Context, dsn string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	return conn.Close(ctx)
}

// RedisPinger opens and immediately closes a Redis connection.
type RedisPinger interface {
	Ping(ctx context.Context, rawURL string) error
}

// LockClientPinger dials Redis the same way the delivery worker does.
type LockClientPinger struct{}

// Ping connects with lock.NewClient and closes the client.
func (LockClientPinger) Ping(ctx context.Context, rawURL string) error {
	client, err := lock.NewClient(ctx, rawURL)
	if err != nil {
		return err
	}
	return client.Close()
}

// Validator holds the dependencies of the validation functions.
type Validator struct {
	httpClient HTTPClient
	dbConn     DatabaseConnector
	redis      RedisPinger
	fields     *validator.Validate
}

// NewValidator creates a Validator with production dependencies.
func NewValidator() *Validator {
	return NewValidatorWithDeps(&http.Client{Timeout: 10 * time.Second}, &PgxConnector{}, LockClientPinger{})
}

// NewValidatorWithDeps creates a Validator with injected dependencies.
func NewValidatorWithDeps(httpClient HTTPClient, dbConn DatabaseConnector, redis RedisPinger) *Validator {
	return &Validator{
		httpClient: httpClient,
		dbConn:     dbConn,
		redis:      redis,
		fields:     validator.New(),
	}
}

// validateTimeout bounds each active probe, including DNS and TLS.
const validateTimeout = 15 * time.Second

// sendGridScopesURL lists the scopes granted to the calling key.
const sendGridScopesURL = "https://api.sendgrid.com/v3/scopes"

// ---------------------------------------------------------------------------
// ValidateDatabaseURL
// ---------------------------------------------------------------------------

// ValidateDatabaseURL checks the scheme and host of a PostgreSQL connection
// string, then opens a real connection to verify credentials and
// reachability.
func (v *Validator) ValidateDatabaseURL(ctx context.Context, rawURL string) ValidationResult {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ValidationResult{Valid: false, Message: "database URL must not be empty"}
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ValidationResult{Valid: false, Message: fmt.Sprintf("invalid URL format: %v", err)}
	}
	if parsed.Scheme != "postgres" && parsed.Scheme != "postgresql" {
		return ValidationResult{
			Valid:   false,
			Message: fmt.Sprintf("URL scheme must be 'postgres' or 'postgresql', got %q", parsed.Scheme),
		}
	}

	host, port, err := net.SplitHostPort(parsed.Host)
	if err != nil {
		host = parsed.Hostname()
		port = "5432"
	}
	if host == "" {
		return ValidationResult{Valid: false, Message: "database URL is missing a host"}
	}

	connCtx, cancel := context.WithTimeout(ctx, validateTimeout)
	defer cancel()

	if err := v.dbConn.Connect(connCtx, rawURL); err != nil {
		return ValidationResult{
			Valid:   false,
			Message: fmt.Sprintf("database connection failed (host=%s, port=%s): %v", host, port, err),
		}
	}

	return ValidationResult{
		Valid:   true,
		Message: fmt.Sprintf("database connection verified (host=%s, port=%s)", host, port),
	}
}

// ---------------------------------------------------------------------------
// ValidateSendGridKey
// ---------------------------------------------------------------------------

// ValidateSendGridKey confirms the key authenticates against SendGrid and
// carries the mail.send scope needed for delivery.
func (v *Validator) ValidateSendGridKey(ctx context.Context, key string) ValidationResult {
	key = strings.TrimSpace(key)
	if key == "" {
		return ValidationResult{Valid: false, Message: "SendGrid API key must not be empty"}
	}
	if !strings.HasPrefix(key, "SG.") {
		return ValidationResult{Valid: false, Message: "SendGrid API key should start with 'SG.'"}
	}

	probeCtx, cancel := context.WithTimeout(ctx, validateTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, sendGridScopesURL, nil)
	if err != nil {
		return ValidationResult{Valid: false, Message: fmt.Sprintf("failed to create request: %v", err)}
	}
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("User-Agent", "Inkpost-Bootstrap/1.0")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return ValidationResult{Valid: false, Message: fmt.Sprintf("SendGrid API probe failed: %v", err)}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 16384))

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return ValidationResult{
			Valid:   false,
			Message: fmt.Sprintf("SendGrid API returned HTTP %d: key is invalid or lacks permissions", resp.StatusCode),
		}
	}
	if resp.StatusCode != http.StatusOK {
		return ValidationResult{
			Valid:   false,
			Message: fmt.Sprintf("SendGrid API returned HTTP %d: %s", resp.StatusCode, truncateBody(body, 200)),
		}
	}

	var scopes struct {
		Scopes []string `json:"scopes"`
	}
	if err := json.Unmarshal(body, &scopes); err != nil {
		return ValidationResult{Valid: false, Message: fmt.Sprintf("SendGrid API returned unparseable JSON: %v", err)}
	}
	if !slices.Contains(scopes.Scopes, "mail.send") {
		return ValidationResult{Valid: false, Message: "SendGrid API key is missing the mail.send scope"}
	}

	return ValidationResult{
		Valid:   true,
		Message: fmt.Sprintf("SendGrid API key verified (%d scopes, mail.send granted)", len(scopes.Scopes)),
	}
}

// ---------------------------------------------------------------------------
// ValidateRedisURL
// ---------------------------------------------------------------------------

// ValidateRedisURL checks the scheme and pings the server.
func (v *Validator) ValidateRedisURL(ctx context.Context, rawURL string) ValidationResult {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ValidationResult{Valid: false, Message: "Redis URL must not be empty"}
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ValidationResult{Valid: false, Message: fmt.Sprintf("invalid URL format: %v", err)}
	}
	if parsed.Scheme != "redis" && parsed.Scheme != "rediss" {
		return ValidationResult{
			Valid:   false,
			Message: fmt.Sprintf("URL scheme must be 'redis' or 'rediss', got %q", parsed.Scheme),
		}
	}

	pingCtx, cancel := context.WithTimeout(ctx, validateTimeout)
	defer cancel()

	if err := v.redis.Ping(pingCtx, rawURL); err != nil {
		return ValidationResult{
			Valid:   false,
			Message: fmt.Sprintf("Redis connection failed (host=%s): %v", parsed.Host, err),
		}
	}

	return ValidationResult{
		Valid:   true,
		Message: fmt.Sprintf("Redis connection verified (host=%s)", parsed.Host),
	}
}

// ---------------------------------------------------------------------------
// Format validators
// ---------------------------------------------------------------------------

// ValidateSenderAddress checks that input is a bare email address.
func (v *Validator) ValidateSenderAddress(_ context.Context, input string) ValidationResult {
	input = strings.TrimSpace(input)
	if err := v.fields.Var(input, "required,email"); err != nil {
		return ValidationResult{Valid: false, Message: fmt.Sprintf("%q is not a valid email address", input)}
	}
	return ValidationResult{Valid: true, Message: fmt.Sprintf("sender address %s accepted", input)}
}

// ValidateQueueURL checks that input looks like an SQS queue URL:
// https://sqs.{region}.amazonaws.com/{account}/{name}.
func (v *Validator) ValidateQueueURL(_ context.Context, input string) ValidationResult {
	input = strings.TrimSpace(input)
	if err := v.fields.Var(input, "required,url"); err != nil {
		return ValidationResult{Valid: false, Message: fmt.Sprintf("%q is not a valid URL", input)}
	}

	parsed, _ := url.Parse(input)
	segments := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	if !strings.HasPrefix(parsed.Host, "sqs.") || len(segments) != 2 {
		return ValidationResult{
			Valid:   false,
			Message: "queue URL must have the form https://sqs.{region}.amazonaws.com/{account}/{name}",
		}
	}

	kind := "standard"
	if strings.HasSuffix(segments[1], ".fifo") {
		kind = "fifo"
	}
	return ValidationResult{Valid: true, Message: fmt.Sprintf("queue %s accepted (%s)", segments[1], kind)}
}

// ValidateOneOf checks that input is one of the allowed values.
func (v *Validator) ValidateOneOf(_ context.Context, input string, allowed []string, fieldName string) ValidationResult {
	input = strings.TrimSpace(input)
	if !slices.Contains(allowed, input) {
		return ValidationResult{
			Valid:   false,
			Message: fmt.Sprintf("%s must be one of %s", fieldName, strings.Join(allowed, ", ")),
		}
	}
	return ValidationResult{Valid: true, Message: fmt.Sprintf("%s set to %s", fieldName, input)}
}

// ValidateRegex checks input against a regular expression pattern.
func (v *Validator) ValidateRegex(_ context.Context, input, pattern, fieldName string) ValidationResult {
	input = strings.TrimSpace(input)
	if input == "" {
		return ValidationResult{Valid: false, Message: fmt.Sprintf("%s must not be empty", fieldName)}
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return ValidationResult{Valid: false, Message: fmt.Sprintf("internal error: invalid pattern for %s: %v", fieldName, err)}
	}
	if !re.MatchString(input) {
		return ValidationResult{Valid: false, Message: fmt.Sprintf("%s does not match the expected format", fieldName)}
	}

	return ValidationResult{Valid: true, Message: fmt.Sprintf("%s format verified", fieldName)}
}

// truncateBody returns at most n bytes of body as a string, appending "..."
// when truncated.
func truncateBody(body []byte, n int) string {
	if len(body) <= n {
		return string(body)
	}
	return string(body[:n]) + "..."
}
