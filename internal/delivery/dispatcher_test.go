package delivery

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inkpost/internal/external"
	"inkpost/internal/types"
)

func newTestDispatcher(p *fakeProvider, cfg DispatcherConfig) *Dispatcher {
	return NewDispatcher(p, cfg, &mockLogger{}, WithDispatchSleep(noopSleep))
}

func testMessage() Message {
	return Message{
		From:        types.SenderIdentity{Name: "The Daily Crumb", Address: "newsletters@inkpost.io"},
		ReplyTo:     "baker@example.com",
		Subject:     "Issue #7",
		HTML:        "<h1>Issue 7</h1>",
		ReferenceID: "run-1",
	}
}

func TestChunk(t *testing.T) {
	tests := []struct {
		name  string
		n     int
		size  int
		sizes []int
	}{
		{"45 by 20", 45, 20, []int{20, 20, 5}},
		{"exact multiple", 40, 20, []int{20, 20}},
		{"smaller than chunk", 3, 20, []int{3}},
		{"empty", 0, 20, []int{}},
		{"non-positive size uses default", 25, 0, []int{20, 5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := recipients(tt.n)
			chunks := Chunk(in, tt.size)

			got := make([]int, len(chunks))
			var flat []string
			for i, c := range chunks {
				got[i] = len(c)
				flat = append(flat, c...)
			}
			assert.Equal(t, tt.sizes, got)
			if tt.n > 0 {
				assert.Equal(t, in, flat, "chunks must preserve order")
			}
		})
	}
}

func TestCalculateNextRetry(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, BackoffFactor: 3}

	assert.Equal(t, 100*time.Millisecond, CalculateNextRetry(policy, -1))
	assert.Equal(t, 100*time.Millisecond, CalculateNextRetry(policy, 0))
	assert.Equal(t, 300*time.Millisecond, CalculateNextRetry(policy, 1))
	assert.Equal(t, 900*time.Millisecond, CalculateNextRetry(policy, 2))
	assert.Equal(t, time.Second, CalculateNextRetry(policy, 3))
}

func TestDispatch_AllSucceed_ChunksSequentially(t *testing.T) {
	var mu sync.Mutex
	var order []string
	provider := &fakeProvider{delay: 2 * time.Millisecond}
	provider.sendFunc = func(_ context.Context, in types.SendInput) (string, error) {
		mu.Lock()
		order = append(order, in.To)
		mu.Unlock()
		return "msg-" + in.To, nil
	}

	d := newTestDispatcher(provider, DispatcherConfig{ChunkSize: 20})
	list := recipients(45)

	summary, err := d.Dispatch(context.Background(), testMessage(), list)
	require.NoError(t, err)

	assert.Equal(t, 45, summary.Attempted)
	assert.Equal(t, 45, summary.Succeeded)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, int32(45), provider.calls.Load())
	assert.LessOrEqual(t, provider.maxSeen, 20, "concurrency must be bounded by chunk size")

	// Every send of chunk i completes before any send of chunk i+1.
	index := make(map[string]int, len(list))
	for i, e := range list {
		index[e] = i / 20
	}
	for i := 1; i < len(order); i++ {
		assert.LessOrEqual(t, index[order[i-1]], index[order[i]], "chunk order violated at %d", i)
	}

	for i, o := range summary.Outcomes {
		assert.Equal(t, list[i], o.Email, "outcomes keep recipient order")
		assert.True(t, o.OK)
		assert.Equal(t, "msg-"+list[i], o.MessageID)
	}
}

func TestDispatch_PropagatesMessageFields(t *testing.T) {
	provider := &fakeProvider{}
	d := newTestDispatcher(provider, DispatcherConfig{})

	_, err := d.Dispatch(context.Background(), testMessage(), []string{"reader@example.com"})
	require.NoError(t, err)
	require.Len(t, provider.inputs, 1)

	in := provider.inputs[0]
	assert.Equal(t, "reader@example.com", in.To)
	assert.Equal(t, "The Daily Crumb", in.From.Name)
	assert.Equal(t, "newsletters@inkpost.io", in.From.Address)
	assert.Equal(t, "baker@example.com", in.ReplyTo)
	assert.Equal(t, "Issue #7", in.Subject)
	assert.Equal(t, "<h1>Issue 7</h1>", in.HTML)
	assert.Equal(t, "run-1", in.ReferenceID)
}

func TestDispatch_PartialFailureIsolated(t *testing.T) {
	provider := &fakeProvider{
		sendFunc: func(_ context.Context, in types.SendInput) (string, error) {
			if in.To == "bounced@example.com" {
				return "", types.NewAppError(types.ErrCodeEmailBlocked, "suppressed", nil)
			}
			return "ok", nil
		},
	}
	d := newTestDispatcher(provider, DispatcherConfig{})

	list := []string{"a@example.com", "bounced@example.com", "c@example.com"}
	summary, err := d.Dispatch(context.Background(), testMessage(), list)
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Attempted)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)

	failed := summary.Outcomes[1]
	assert.False(t, failed.OK)
	assert.Equal(t, types.ErrCodeEmailBlocked, failed.ErrorCode)
	assert.Equal(t, 1, failed.Attempts, "blocked recipients are not retried")
	assert.NotEmpty(t, failed.ErrorMessage)

	pf := summary.PartialFailures(10)
	require.NotNil(t, pf)
	assert.Equal(t, 1, pf.Count)
	assert.Equal(t, []string{"bounced@example.com"}, pf.Sample)
}

func TestDispatch_RetriesTransientErrors(t *testing.T) {
	var mu sync.Mutex
	attempts := map[string]int{}
	provider := &fakeProvider{
		sendFunc: func(_ context.Context, in types.SendInput) (string, error) {
			mu.Lock()
			defer mu.Unlock()
			attempts[in.To]++
			switch in.To {
			case "flaky@example.com":
				if attempts[in.To] < 3 {
					return "", types.NewAppError(types.ErrCodeUpstreamRateLimited, "slow down", nil)
				}
				return "eventually", nil
			case "down@example.com":
				return "", types.NewAppError(types.ErrCodeUpstreamUnavailable, "503", nil)
			}
			return "ok", nil
		},
	}

	var sleeps []time.Duration
	var sleepMu sync.Mutex
	d := NewDispatcher(provider, DispatcherConfig{
		Retry: RetryPolicy{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second, BackoffFactor: 2},
	}, &mockLogger{}, WithDispatchSleep(func(_ context.Context, d time.Duration) error {
		sleepMu.Lock()
		sleeps = append(sleeps, d)
		sleepMu.Unlock()
		return nil
	}))

	summary, err := d.Dispatch(context.Background(), testMessage(), []string{"flaky@example.com", "down@example.com"})
	require.NoError(t, err)

	assert.True(t, summary.Outcomes[0].OK)
	assert.Equal(t, 3, summary.Outcomes[0].Attempts)
	assert.False(t, summary.Outcomes[1].OK)
	assert.Equal(t, 3, summary.Outcomes[1].Attempts)
	assert.Equal(t, types.ErrCodeUpstreamUnavailable, summary.Outcomes[1].ErrorCode)
	assert.Len(t, sleeps, 4)
	assert.ElementsMatch(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 10 * time.Millisecond, 20 * time.Millisecond}, sleeps)
}

func TestDispatch_SendGridServerErrorsCostOneCallPerAttempt(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	provider := external.NewSendGridClient(server.Client(), external.SendGridClientConfig{
		APIKey:  "SG.test",
		BaseURL: server.URL,
	})
	d := NewDispatcher(provider, DispatcherConfig{
		Retry: RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 2},
	}, &mockLogger{}, WithDispatchSleep(noopSleep))

	summary, err := d.Dispatch(context.Background(), testMessage(), []string{"reader@example.com"})
	require.NoError(t, err)

	require.Len(t, summary.Outcomes, 1)
	assert.False(t, summary.Outcomes[0].OK)
	assert.Equal(t, 3, summary.Outcomes[0].Attempts)
	assert.Equal(t, types.ErrCodeUpstreamUnavailable, summary.Outcomes[0].ErrorCode)
	assert.Equal(t, int32(3), calls.Load(), "each dispatcher attempt must be a single HTTP call")
}

func TestDispatch_InvalidAddressSkipsProvider(t *testing.T) {
	provider := &fakeProvider{}
	d := newTestDispatcher(provider, DispatcherConfig{})

	summary, err := d.Dispatch(context.Background(), testMessage(), []string{"not-an-address", "ok@example.com"})
	require.NoError(t, err)

	assert.Equal(t, int32(1), provider.calls.Load())
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, types.ErrCodeValidationInvalidEmail, summary.Outcomes[0].ErrorCode)
	assert.Equal(t, 0, summary.Outcomes[0].Attempts)
}

func TestDispatch_UntypedProviderErrorGetsProviderCode(t *testing.T) {
	provider := &fakeProvider{
		sendFunc: func(context.Context, types.SendInput) (string, error) {
			return "", errors.New("boom")
		},
	}
	d := newTestDispatcher(provider, DispatcherConfig{})

	summary, err := d.Dispatch(context.Background(), testMessage(), []string{"a@example.com"})
	require.NoError(t, err)
	assert.Equal(t, types.ErrCodeUpstreamEmailProvider, summary.Outcomes[0].ErrorCode)
	assert.Equal(t, "boom", summary.Outcomes[0].ErrorMessage)
}

func TestDispatch_PanicIsBatchFatal(t *testing.T) {
	provider := &fakeProvider{
		sendFunc: func(_ context.Context, in types.SendInput) (string, error) {
			if in.To == "reader03@example.com" {
				panic("provider exploded")
			}
			return "ok", nil
		},
	}
	d := newTestDispatcher(provider, DispatcherConfig{ChunkSize: 5})

	summary, err := d.Dispatch(context.Background(), testMessage(), recipients(12))

	var batchErr *BatchFatalError
	require.ErrorAs(t, err, &batchErr)
	assert.Equal(t, 0, batchErr.Chunk)
	assert.Contains(t, err.Error(), "provider exploded")
	assert.Equal(t, int32(5), provider.calls.Load(), "later chunks must not start")
	assert.Equal(t, 5, summary.Attempted, "siblings in the failing chunk still settle")
	assert.Equal(t, 4, summary.Succeeded)
}

func TestDispatch_ContextDoneIsBatchFatal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	provider := &fakeProvider{
		sendFunc: func(_ context.Context, in types.SendInput) (string, error) {
			if strings.HasPrefix(in.To, "reader01") {
				cancel()
			}
			return "ok", nil
		},
	}
	d := newTestDispatcher(provider, DispatcherConfig{ChunkSize: 2})

	summary, err := d.Dispatch(ctx, testMessage(), recipients(6))

	var batchErr *BatchFatalError
	require.ErrorAs(t, err, &batchErr)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, batchErr.Chunk)
	assert.Equal(t, 2, summary.Attempted)
}

func TestSummary_PartialFailuresSample(t *testing.T) {
	s := &Summary{}
	for i, e := range recipients(15) {
		s.add(Outcome{Email: e, OK: i%3 == 0})
	}

	pf := s.PartialFailures(4)
	require.NotNil(t, pf)
	assert.Equal(t, 10, pf.Count)
	assert.Len(t, pf.Sample, 4)
	assert.Equal(t, "reader01@example.com", pf.Sample[0])

	assert.Nil(t, (&Summary{Attempted: 2, Succeeded: 2}).PartialFailures(4))
	assert.Nil(t, (*Summary)(nil).PartialFailures(4))
}
