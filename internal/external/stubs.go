package external

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"inkpost/internal/types"
)

// StubRejectDomain is the recipient domain the stub provider always rejects,
// so local runs can exercise partial failures.
const StubRejectDomain = "reject.invalid"

// StubEmailProvider implements EmailProvider by logging calls and returning
// a fake message ID. Used for EMAIL_PROVIDER=stub and local development.
type StubEmailProvider struct {
	logger *slog.Logger
	seq    atomic.Int64
}

// NewStubEmailProvider creates a new StubEmailProvider.
func NewStubEmailProvider(logger *slog.Logger) *StubEmailProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &StubEmailProvider{logger: logger}
}

// Name implements Named.
func (s *StubEmailProvider) Name() string { return "stub" }

func (s *StubEmailProvider) Send(ctx context.Context, input types.SendInput) (string, error) {
	if strings.HasSuffix(strings.ToLower(input.To), "@"+StubRejectDomain) {
		return "", types.NewAppError(types.ErrCodeEmailBlocked, "stub: recipient rejected", nil)
	}

	n := s.seq.Add(1)
	s.logger.InfoContext(ctx, "stub: Send called",
		"subject", input.Subject,
		"from", input.From.Address,
		"reference_id", input.ReferenceID,
		"run_id", types.GetRunID(ctx),
		"seq", n,
	)
	return fmt.Sprintf("stub-msg-%d", n), nil
}

var _ EmailProvider = (*StubEmailProvider)(nil)
