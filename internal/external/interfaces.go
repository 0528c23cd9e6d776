package external

import (
	"context"

	"inkpost/internal/types"
)

// EmailProvider transmits one pre-rendered email.
//
// Implementations must be safe for concurrent use. A returned error is
// always a *types.AppError whose code tells the caller whether the
// recipient was rejected (ErrCodeEmailBlocked), the provider is
// temporarily unavailable (ErrCodeUpstreamRateLimited,
// ErrCodeUpstreamUnavailable) or the request failed for another reason.
type EmailProvider interface {
	// Send returns the provider's message ID for tracking and correlation.
	Send(ctx context.Context, input types.SendInput) (providerMsgID string, err error)
}

// Named is implemented by providers that report an identifier for metrics.
type Named interface {
	Name() string
}

// ProviderName returns p's name, or "unknown".
func ProviderName(p EmailProvider) string {
	if n, ok := p.(Named); ok {
		return n.Name()
	}
	return "unknown"
}
