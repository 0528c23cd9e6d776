package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"

	"inkpost/internal/external"
	"inkpost/internal/types"
)

// DefaultChunkSize bounds the number of simultaneous provider calls.
const DefaultChunkSize = 20

// RetryPolicy defines the exponential backoff for transient send failures.
type RetryPolicy struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultSendRetryPolicy is used when DispatcherConfig.Retry is zero.
var DefaultSendRetryPolicy = RetryPolicy{
	MaxAttempts:   3,
	BaseDelay:     500 * time.Millisecond,
	MaxDelay:      5 * time.Second,
	BackoffFactor: 2.0,
}

// CalculateNextRetry computes the delay before retry number attempt+1:
// delay = min(BaseDelay * BackoffFactor^attempt, MaxDelay).
func CalculateNextRetry(policy RetryPolicy, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(policy.BaseDelay)
	for i := 0; i < attempt; i++ {
		delay *= policy.BackoffFactor
	}

	return min(time.Duration(delay), policy.MaxDelay)
}

// Message is the per-run part of every email; only the recipient varies.
type Message struct {
	From        types.SenderIdentity
	ReplyTo     string
	Subject     string
	HTML        string
	ReferenceID string
}

// Outcome is the typed result of one recipient's send.
type Outcome struct {
	Email        string          `json:"email"`
	OK           bool            `json:"ok"`
	MessageID    string          `json:"message_id,omitempty"`
	Attempts     int             `json:"attempts"`
	ErrorCode    types.ErrorCode `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// Summary aggregates the outcomes of a dispatch. Outcomes keep recipient
// order regardless of completion order inside a chunk.
type Summary struct {
	Attempted int       `json:"attempted"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Outcomes  []Outcome `json:"outcomes"`
}

func (s *Summary) add(o Outcome) {
	s.Outcomes = append(s.Outcomes, o)
	s.Attempted++
	if o.OK {
		s.Succeeded++
	} else {
		s.Failed++
	}
}

// PartialFailures returns the failure record for the newsletter, or nil
// when every recipient succeeded.
func (s *Summary) PartialFailures(sampleSize int) *types.PartialFailures {
	if s == nil || s.Failed == 0 {
		return nil
	}

	pf := &types.PartialFailures{Count: s.Failed, Sample: []string{}}
	for _, o := range s.Outcomes {
		if len(pf.Sample) >= sampleSize {
			break
		}
		if !o.OK {
			pf.Sample = append(pf.Sample, o.Email)
		}
	}
	return pf
}

// Chunk partitions recipients into ordered slices of at most size elements.
func Chunk(recipients []string, size int) [][]string {
	if size <= 0 {
		size = DefaultChunkSize
	}

	chunks := make([][]string, 0, (len(recipients)+size-1)/size)
	for start := 0; start < len(recipients); start += size {
		end := min(start+size, len(recipients))
		chunks = append(chunks, recipients[start:end])
	}
	return chunks
}

// DispatcherConfig tunes a Dispatcher.
type DispatcherConfig struct {
	ChunkSize   int
	SendTimeout time.Duration
	Retry       RetryPolicy
}

// Dispatcher sends a message to a recipient list, one chunk at a time.
type Dispatcher struct {
	provider external.EmailProvider
	cfg      DispatcherConfig
	validate *validator.Validate
	sleep    external.SleepFunc
	logger   types.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatchSleep overrides the wait between send retries.
func WithDispatchSleep(fn external.SleepFunc) DispatcherOption {
	return func(d *Dispatcher) { d.sleep = fn }
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(provider external.EmailProvider, cfg DispatcherConfig, logger types.Logger, opts ...DispatcherOption) *Dispatcher {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultSendRetryPolicy
	}

	d := &Dispatcher{
		provider: provider,
		cfg:      cfg,
		validate: validator.New(),
		sleep:    external.ContextSleep,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch sends msg to every recipient. Chunks run strictly in order and
// the sends of a chunk run concurrently; each chunk waits for all of its
// sends to settle before the next starts.
//
// Per-recipient failures are recorded in the Summary and never returned.
// A *BatchFatalError is returned when ctx ends during dispatch or a send
// panics; the Summary then holds the outcomes gathered so far.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message, recipients []string) (*Summary, error) {
	summary := &Summary{Outcomes: make([]Outcome, 0, len(recipients))}

	for i, chunk := range Chunk(recipients, d.cfg.ChunkSize) {
		if err := ctx.Err(); err != nil {
			return summary, &BatchFatalError{Chunk: i, Err: err}
		}

		outcomes, err := d.sendChunk(ctx, msg, chunk)
		for _, o := range outcomes {
			summary.add(o)
		}
		if err != nil {
			return summary, &BatchFatalError{Chunk: i, Err: err}
		}

		// Results of a chunk cut short by the deadline are indeterminate.
		if err := ctx.Err(); err != nil {
			return summary, &BatchFatalError{Chunk: i, Err: err}
		}

		d.logger.Info("chunk dispatched",
			"chunk", i,
			"size", len(chunk),
			"succeeded_total", summary.Succeeded,
			"failed_total", summary.Failed,
		)
	}

	return summary, nil
}

// sendChunk is the only fan-out/fan-in point. Goroutines return nil for
// recipient failures so siblings are never cancelled; only a panic reaches
// the group.
func (d *Dispatcher) sendChunk(ctx context.Context, msg Message, chunk []string) ([]Outcome, error) {
	outcomes := make([]Outcome, len(chunk))

	var g errgroup.Group
	g.SetLimit(len(chunk))

	for i, email := range chunk {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					outcomes[i] = Outcome{
						Email:        email,
						ErrorCode:    types.ErrCodeInternalUnexpected,
						ErrorMessage: fmt.Sprintf("panic: %v", r),
					}
					err = fmt.Errorf("send to %s panicked: %v", RedactEmail(email), r)
				}
			}()

			outcomes[i] = d.sendOne(ctx, msg, email)
			return nil
		})
	}

	err := g.Wait()
	return outcomes, err
}

func (d *Dispatcher) sendOne(ctx context.Context, msg Message, email string) Outcome {
	if err := d.validate.Var(email, "required,email"); err != nil {
		return d.failed(email, 0, types.NewAppError(types.ErrCodeValidationInvalidEmail, "invalid recipient address", err))
	}

	input := types.SendInput{
		From:        msg.From,
		ReplyTo:     msg.ReplyTo,
		To:          email,
		Subject:     msg.Subject,
		HTML:        msg.HTML,
		ReferenceID: msg.ReferenceID,
	}

	policy := d.cfg.Retry
	for attempt := 0; ; attempt++ {
		msgID, err := d.attempt(ctx, input)
		if err == nil {
			return Outcome{Email: email, OK: true, MessageID: msgID, Attempts: attempt + 1}
		}

		if !types.IsTransient(err) || attempt+1 >= policy.MaxAttempts || ctx.Err() != nil {
			return d.failed(email, attempt+1, err)
		}

		if sleepErr := d.sleep(ctx, CalculateNextRetry(policy, attempt)); sleepErr != nil {
			return d.failed(email, attempt+1, errors.Join(err, sleepErr))
		}
	}
}

func (d *Dispatcher) attempt(ctx context.Context, input types.SendInput) (string, error) {
	if d.cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.SendTimeout)
		defer cancel()
	}
	return d.provider.Send(ctx, input)
}

func (d *Dispatcher) failed(email string, attempts int, err error) Outcome {
	sendErr := &RecipientSendError{Email: email, Attempts: attempts, Err: err}
	code := types.CodeOf(err)
	if code == "" {
		code = types.ErrCodeUpstreamEmailProvider
	}

	d.logger.Warn("recipient send failed",
		"recipient", RedactEmail(email),
		"attempts", attempts,
		"code", string(code),
		"error", sendErr.Error(),
	)

	return Outcome{
		Email:        email,
		Attempts:     attempts,
		ErrorCode:    code,
		ErrorMessage: err.Error(),
	}
}
