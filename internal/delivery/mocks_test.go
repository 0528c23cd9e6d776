package delivery

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"inkpost/internal/types"
)

// mockLogger records messages for assertions.
type mockLogger struct {
	mu   sync.Mutex
	msgs []string
}

func (m *mockLogger) record(level, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, level+": "+msg)
}

func (m *mockLogger) Info(msg string, _ ...any)  { m.record("INFO", msg) }
func (m *mockLogger) Error(msg string, _ ...any) { m.record("ERROR", msg) }
func (m *mockLogger) Warn(msg string, _ ...any)  { m.record("WARN", msg) }
func (m *mockLogger) With(_ ...any) types.Logger { return m }

func (m *mockLogger) has(entry string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.msgs {
		if e == entry {
			return true
		}
	}
	return false
}

// fixedClock returns a constant time.
type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var testNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func noopSleep(context.Context, time.Duration) error { return nil }

// memNewsletterStore is an in-memory NewsletterStore with the same guarded
// transitions as the SQL repository.
type memNewsletterStore struct {
	mu          sync.Mutex
	docs        map[string]*types.Newsletter
	claimErr    error
	completeErr []error
	failErr     []error
	claims      int
	writes      int
}

func newMemStore(docs ...*types.Newsletter) *memNewsletterStore {
	s := &memNewsletterStore{docs: make(map[string]*types.Newsletter)}
	for _, d := range docs {
		cp := *d
		s.docs[d.ID] = &cp
	}
	return s
}

func (s *memNewsletterStore) get(id string) types.Newsletter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.docs[id]
}

func (s *memNewsletterStore) ClaimDelivery(_ context.Context, id, runID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claims++
	if s.claimErr != nil {
		return false, s.claimErr
	}
	d, ok := s.docs[id]
	if !ok || d.Status != types.NewsletterStatusSent || d.DeliveryStatus != types.DeliveryStatusNone {
		return false, nil
	}
	d.DeliveryStatus = types.DeliveryStatusInProgress
	d.DeliveryRunID = runID
	d.UpdatedAt = at
	return true, nil
}

func (s *memNewsletterStore) popErr(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (s *memNewsletterStore) CompleteDelivery(_ context.Context, id, runID string, sentCount int, partial *types.PartialFailures, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if err := s.popErr(&s.completeErr); err != nil {
		return err
	}
	d := s.docs[id]
	if d.DeliveryRunID != runID || d.DeliveryStatus != types.DeliveryStatusInProgress {
		return types.NewAppError(types.ErrCodeConflictInvalidTransition, "not in progress", nil)
	}
	d.DeliveryStatus = types.DeliveryStatusCompleted
	d.Stats = &types.DeliveryStats{SentCount: sentCount}
	d.PartialFailures = partial
	d.DeliveredAt = &at
	return nil
}

func (s *memNewsletterStore) FailDelivery(_ context.Context, id, runID, message string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if err := s.popErr(&s.failErr); err != nil {
		return err
	}
	d := s.docs[id]
	if d.DeliveryRunID != runID || d.DeliveryStatus != types.DeliveryStatusInProgress {
		return types.NewAppError(types.ErrCodeConflictInvalidTransition, "not in progress", nil)
	}
	d.DeliveryStatus = types.DeliveryStatusFailed
	d.Error = message
	d.UpdatedAt = at
	return nil
}

// mockBrandStore implements BrandStore.
type mockBrandStore struct {
	brand *types.CreatorBrand
	err   error
}

func (m *mockBrandStore) GetByCreatorID(context.Context, string) (*types.CreatorBrand, error) {
	return m.brand, m.err
}

// mockSubscriberStore implements SubscriberStore.
type mockSubscriberStore struct {
	emails []string
	err    error
	calls  atomic.Int32
}

func (m *mockSubscriberStore) ListActiveEmails(context.Context, string) ([]string, error) {
	m.calls.Add(1)
	return m.emails, m.err
}

// fakeProvider implements external.EmailProvider. sendFunc decides the
// result; it tracks in-flight calls to observe concurrency.
type fakeProvider struct {
	sendFunc func(ctx context.Context, in types.SendInput) (string, error)
	delay    time.Duration

	mu       sync.Mutex
	inputs   []types.SendInput
	inFlight int
	maxSeen  int
	calls    atomic.Int32
}

func (p *fakeProvider) Send(ctx context.Context, in types.SendInput) (string, error) {
	p.calls.Add(1)
	p.mu.Lock()
	p.inputs = append(p.inputs, in)
	p.inFlight++
	p.maxSeen = max(p.maxSeen, p.inFlight)
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.inFlight--
		p.mu.Unlock()
	}()

	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return "", types.NewAppError(types.ErrCodeUpstreamUnavailable, "context done", ctx.Err())
		}
	}
	if p.sendFunc != nil {
		return p.sendFunc(ctx, in)
	}
	return "msg-" + in.To, nil
}

func (p *fakeProvider) Name() string { return "fake" }

func recipients(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("reader%02d@example.com", i)
	}
	return out
}

func sentNewsletter(id string) *types.Newsletter {
	sentAt := testNow.Add(-time.Minute)
	return &types.Newsletter{
		ID:             id,
		CreatorID:      "creator-1",
		Subject:        "Issue #7",
		Content:        "<h1>Issue 7</h1>",
		Status:         types.NewsletterStatusSent,
		DeliveryStatus: types.DeliveryStatusNone,
		CreatedAt:      testNow.Add(-time.Hour),
		UpdatedAt:      sentAt,
		SentAt:         &sentAt,
	}
}
