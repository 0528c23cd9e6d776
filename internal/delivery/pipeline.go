// Package delivery implements the newsletter delivery pipeline: the edge
// triggered change guard, recipient resolution, chunked dispatch and the
// delivery status state machine.
//
// Control flow for one qualifying transition:
//
//	ChangeTrigger.OnWrite -> Pipeline.Run
//	  lock -> claim (none -> in_progress)
//	  -> Resolver.Resolve -> Dispatcher.Dispatch
//	  -> StateMachine.Complete | StateMachine.Fail
package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"inkpost/internal/types"
)

// LockKeyPrefix namespaces run lock keys.
const LockKeyPrefix = "lock:newsletter-delivery:"

// LockKey returns the run lock key for a newsletter.
func LockKey(newsletterID string) string {
	return LockKeyPrefix + newsletterID
}

// RunLock is a lease lock keyed by newsletter. Both the Redis lock and the
// delivery_locks table satisfy it.
type RunLock interface {
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, owner string) error
}

// RunHistory records one row per claimed run.
type RunHistory interface {
	Start(ctx context.Context, runID, newsletterID string, startedAt time.Time) error
	Finish(ctx context.Context, rec types.RunRecord) error
}

// PipelineConfig holds the per-deployment settings of a Pipeline.
type PipelineConfig struct {
	FromAddress       string
	RunTimeout        time.Duration
	LockTTL           time.Duration
	FailureSampleSize int
	ProviderName      string
}

// PipelineDeps are the collaborators of a Pipeline. Lock, History, Archiver
// and Metrics are optional.
type PipelineDeps struct {
	Resolver   *Resolver
	Dispatcher *Dispatcher
	States     *StateMachine
	Lock       RunLock
	History    RunHistory
	Archiver   ReportArchiver
	Metrics    Metrics
	Clock      types.Clock
	NewRunID   func() string
	Logger     types.Logger
}

// Result describes a finished run.
type Result struct {
	RunID   string
	Status  types.DeliveryStatus
	Summary *Summary
	// Err is the cause recorded on a failed run.
	Err error
}

// Pipeline runs deliveries. It is safe for concurrent use; concurrent runs
// for the same newsletter are serialized by the lock and the claim.
type Pipeline struct {
	cfg  PipelineConfig
	deps PipelineDeps
}

// NewPipeline creates a Pipeline.
func NewPipeline(cfg PipelineConfig, deps PipelineDeps) *Pipeline {
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 9 * time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = cfg.RunTimeout + time.Minute
	}
	if cfg.FailureSampleSize <= 0 {
		cfg.FailureSampleSize = 10
	}
	if cfg.ProviderName == "" {
		cfg.ProviderName = "unknown"
	}
	if deps.Metrics == nil {
		deps.Metrics = NoopMetrics{}
	}
	if deps.Clock == nil {
		deps.Clock = types.RealClock{}
	}
	if deps.NewRunID == nil {
		deps.NewRunID = func() string { return uuid.NewString() }
	}
	return &Pipeline{cfg: cfg, deps: deps}
}

var _ Runner = (*Pipeline)(nil)

// Run delivers n once.
//
// It returns ErrRunLocked or ErrAlreadyClaimed without dispatching when
// another run owns the newsletter, and a *ClaimError when the lock or claim
// could not be attempted. Once claimed, every path ends in completed or
// failed; the returned error is then non-nil only if that terminal write
// itself could not be stored.
func (p *Pipeline) Run(ctx context.Context, n *types.Newsletter) (*Result, error) {
	runID := p.deps.NewRunID()
	ctx = types.WithRunID(ctx, runID)
	log := p.deps.Logger.With(
		"newsletter_id", n.ID,
		"creator_id", n.CreatorID,
		"run_id", runID,
	)

	if p.deps.Lock != nil {
		release, err := p.lock(ctx, n.ID, runID)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	if err := p.deps.States.Claim(ctx, n, runID); err != nil {
		return nil, err
	}

	startedAt := p.deps.Clock.Now()
	log.Info("delivery claimed")
	if p.deps.History != nil {
		if err := p.deps.History.Start(ctx, runID, n.ID, startedAt); err != nil {
			log.Warn("failed to record run start", "error", err)
		}
	}

	summary, runErr := p.execute(ctx, n, runID, log)

	res := &Result{RunID: runID, Summary: summary}
	var writeErr error
	if runErr != nil {
		res.Status = types.DeliveryStatusFailed
		res.Err = runErr
		log.Error("delivery run failed", "error", runErr)
		writeErr = p.deps.States.Fail(ctx, n.ID, runID, runErr)
	} else {
		res.Status = types.DeliveryStatusCompleted
		writeErr = p.deps.States.Complete(ctx, n.ID, runID, summary, p.cfg.FailureSampleSize)
	}

	finishedAt := p.deps.Clock.Now()
	p.finish(ctx, n, res, startedAt, finishedAt, log)

	if writeErr != nil {
		log.Error("failed to record terminal delivery status",
			"delivery_status", string(res.Status),
			"error", writeErr,
		)
		return res, fmt.Errorf("record %s status: %w", res.Status, writeErr)
	}

	log.Info("delivery run recorded",
		"delivery_status", string(res.Status),
		"duration_ms", finishedAt.Sub(startedAt).Milliseconds(),
	)
	return res, nil
}

// execute wraps resolution and dispatch under the run budget. Panics are
// converted into a *BatchFatalError.
func (p *Pipeline) execute(ctx context.Context, n *types.Newsletter, runID string, log types.Logger) (summary *Summary, err error) {
	budget := p.budget(ctx)
	if budget <= 0 {
		return nil, fmt.Errorf("no time left to deliver before the caller deadline: %w", context.DeadlineExceeded)
	}
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = &BatchFatalError{Chunk: -1, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	aud, err := p.deps.Resolver.Resolve(ctx, n.CreatorID)
	if err != nil {
		return nil, err
	}

	log.Info("recipients resolved",
		"recipients", len(aud.Recipients),
		"display_name", aud.DisplayName,
	)
	if len(aud.Recipients) == 0 {
		return &Summary{Outcomes: []Outcome{}}, nil
	}

	msg := Message{
		From:        types.SenderIdentity{Name: aud.DisplayName, Address: p.cfg.FromAddress},
		ReplyTo:     aud.ReplyTo,
		Subject:     n.Subject,
		HTML:        n.Content,
		ReferenceID: runID,
	}
	return p.deps.Dispatcher.Dispatch(ctx, msg, aud.Recipients)
}

// budget is the time resolution and dispatch may use. It is RunTimeout,
// capped so the terminal write still fits before the caller's deadline.
func (p *Pipeline) budget(ctx context.Context) time.Duration {
	budget := p.cfg.RunTimeout
	if deadline, ok := ctx.Deadline(); ok {
		budget = min(budget, time.Until(deadline)-p.deps.States.WriteReserve())
	}
	return budget
}

// lock takes the run lock and returns its release func.
func (p *Pipeline) lock(ctx context.Context, newsletterID, owner string) (func(), error) {
	key := LockKey(newsletterID)
	ok, err := p.deps.Lock.Acquire(ctx, key, owner, p.cfg.LockTTL)
	if err != nil {
		return nil, &ClaimError{Err: fmt.Errorf("acquire run lock: %w", err)}
	}
	if !ok {
		return nil, ErrRunLocked
	}

	return func() {
		if err := p.deps.Lock.Release(context.WithoutCancel(ctx), key, owner); err != nil {
			p.deps.Logger.Warn("failed to release run lock",
				"key", key,
				"error", err,
			)
		}
	}, nil
}

// finish records history, archive and metrics. None of these affect the
// run outcome.
func (p *Pipeline) finish(ctx context.Context, n *types.Newsletter, res *Result, startedAt, finishedAt time.Time, log types.Logger) {
	ctx = context.WithoutCancel(ctx)

	rec := types.RunRecord{
		RunID:        res.RunID,
		NewsletterID: n.ID,
		Status:       res.Status,
		StartedAt:    startedAt,
		FinishedAt:   &finishedAt,
	}
	if res.Summary != nil {
		rec.Attempted = res.Summary.Attempted
		rec.Succeeded = res.Summary.Succeeded
		rec.Failed = res.Summary.Failed
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}

	if p.deps.History != nil {
		if err := p.deps.History.Finish(ctx, rec); err != nil {
			log.Warn("failed to record run finish", "error", err)
		}
	}

	if p.deps.Archiver != nil {
		key, err := p.deps.Archiver.Archive(ctx, &Report{
			RunID:        res.RunID,
			NewsletterID: n.ID,
			CreatorID:    n.CreatorID,
			Status:       res.Status,
			Error:        rec.Error,
			StartedAt:    startedAt,
			FinishedAt:   finishedAt,
			Summary:      res.Summary,
		})
		if err != nil {
			log.Warn("failed to archive run report", "error", err)
		} else {
			log.Info("run report archived", "key", key)
		}
	}

	p.deps.Metrics.RecordRun(ctx, p.cfg.ProviderName, res.Status, finishedAt.Sub(startedAt))
	p.deps.Metrics.RecordRecipients(ctx, p.cfg.ProviderName, res.Summary)
}
