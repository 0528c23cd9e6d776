package delivery

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"inkpost/internal/external"
	"inkpost/internal/types"
)

// maxErrorLength bounds the error text stored on a failed newsletter.
const maxErrorLength = 1000

// NewsletterStore performs the guarded delivery writes. Each method is a
// single conditional update on the source state.
type NewsletterStore interface {
	// ClaimDelivery moves none -> in_progress. False means the claim was lost.
	ClaimDelivery(ctx context.Context, id, runID string, at time.Time) (bool, error)
	CompleteDelivery(ctx context.Context, id, runID string, sentCount int, partial *types.PartialFailures, at time.Time) error
	FailDelivery(ctx context.Context, id, runID, message string, at time.Time) error
}

// transitions lists the legal delivery status edges.
var transitions = map[types.DeliveryStatus][]types.DeliveryStatus{
	types.DeliveryStatusNone:       {types.DeliveryStatusInProgress},
	types.DeliveryStatusInProgress: {types.DeliveryStatusCompleted, types.DeliveryStatusFailed},
}

// CanTransition reports whether from -> to is a legal delivery transition.
// Terminal states have no outgoing edges.
func CanTransition(from, to types.DeliveryStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StateMachineConfig tunes the terminal writes.
type StateMachineConfig struct {
	// WriteTimeout bounds each attempt of a terminal write.
	WriteTimeout time.Duration
	// WriteAttempts is the number of tries for a terminal write on a
	// database error.
	WriteAttempts int
	// RetryDelay is the base wait between terminal write attempts.
	RetryDelay time.Duration
}

// StateMachine owns the delivery_status field of newsletters.
type StateMachine struct {
	store  NewsletterStore
	clock  types.Clock
	cfg    StateMachineConfig
	sleep  external.SleepFunc
	logger types.Logger
}

// NewStateMachine creates a StateMachine.
func NewStateMachine(store NewsletterStore, clock types.Clock, cfg StateMachineConfig, logger types.Logger) *StateMachine {
	if clock == nil {
		clock = types.RealClock{}
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.WriteAttempts <= 0 {
		cfg.WriteAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 200 * time.Millisecond
	}
	return &StateMachine{
		store:  store,
		clock:  clock,
		cfg:    cfg,
		sleep:  external.ContextSleep,
		logger: logger,
	}
}

// Claim performs the none -> in_progress compare-and-swap for runID.
// Returns ErrAlreadyClaimed when the swap did not apply, and a *ClaimError
// when the store could not be reached.
func (m *StateMachine) Claim(ctx context.Context, n *types.Newsletter, runID string) error {
	if n.DeliveryStatus != "" && !CanTransition(n.DeliveryStatus, types.DeliveryStatusInProgress) {
		return ErrAlreadyClaimed
	}

	ok, err := m.store.ClaimDelivery(ctx, n.ID, runID, m.clock.Now())
	if err != nil {
		return &ClaimError{Err: err}
	}
	if !ok {
		return ErrAlreadyClaimed
	}
	return nil
}

// Complete records in_progress -> completed with the sent count and the
// partial failure record, if any.
func (m *StateMachine) Complete(ctx context.Context, id, runID string, summary *Summary, sampleSize int) error {
	sent := 0
	if summary != nil {
		sent = summary.Succeeded
	}
	partial := summary.PartialFailures(sampleSize)

	return m.write(ctx, "complete", func(ctx context.Context) error {
		return m.store.CompleteDelivery(ctx, id, runID, sent, partial, m.clock.Now())
	})
}

// Fail records in_progress -> failed with cause's message.
func (m *StateMachine) Fail(ctx context.Context, id, runID string, cause error) error {
	msg := "delivery failed"
	if cause != nil {
		msg = cause.Error()
	}
	msg = truncateMessage(msg, maxErrorLength)

	return m.write(ctx, "fail", func(ctx context.Context) error {
		return m.store.FailDelivery(ctx, id, runID, msg, m.clock.Now())
	})
}

// WriteReserve is the longest a terminal write can take, counting every
// attempt and the waits between them.
func (m *StateMachine) WriteReserve() time.Duration {
	reserve := time.Duration(m.cfg.WriteAttempts) * m.cfg.WriteTimeout
	for attempt := 1; attempt < m.cfg.WriteAttempts; attempt++ {
		reserve += m.cfg.RetryDelay * time.Duration(attempt)
	}
	return reserve
}

// truncateMessage cuts s to at most limit bytes without splitting a rune, so
// the stored text stays valid UTF-8.
func truncateMessage(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// write runs a terminal write detached from ctx cancellation so a run whose
// budget expired still leaves in_progress. Only database errors are retried.
func (m *StateMachine) write(ctx context.Context, op string, fn func(context.Context) error) error {
	ctx = context.WithoutCancel(ctx)

	var err error
	for attempt := 0; attempt < m.cfg.WriteAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, m.cfg.WriteTimeout)
		err = fn(attemptCtx)
		cancel()

		if err == nil {
			return nil
		}
		if types.CodeOf(err) != types.ErrCodeInternalDB && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		m.logger.Warn("terminal delivery write failed",
			"op", op,
			"attempt", attempt+1,
			"error", err,
		)
		if attempt+1 < m.cfg.WriteAttempts {
			_ = m.sleep(ctx, m.cfg.RetryDelay*time.Duration(attempt+1))
		}
	}
	return err
}
