package external

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"

	"inkpost/internal/config"
)

// sendGridTimeout bounds a single SendGrid HTTP exchange.
const sendGridTimeout = 10 * time.Second

// NewEmailProvider builds the provider selected by cfg.Email.Provider.
// Test mode and APP_ENV=local always get the stub so the worker boots
// without credentials.
func NewEmailProvider(cfg *config.Config, awsCfg aws.Config, logger *slog.Logger) (EmailProvider, error) {
	if logger == nil {
		logger = slog.Default()
	}

	provider := cfg.Email.Provider
	if cfg.IsTestMode || cfg.Environment == "local" {
		provider = config.EmailProviderStub
	}

	logger.Info("initializing email provider",
		"provider", provider,
		"environment", cfg.Environment,
	)

	switch provider {
	case config.EmailProviderStub:
		return NewStubEmailProvider(logger.With("mode", "stub")), nil
	case config.EmailProviderSES:
		return NewSESClient(awsCfg, SESClientConfig{
			ConfigSetName: cfg.Email.SESConfiguration,
			Logger:        logger.With("client", "ses"),
		}), nil
	case config.EmailProviderSendGrid:
		if cfg.Email.SendGridAPIKey.Unmask() == "" {
			return nil, fmt.Errorf("sendgrid provider requires SENDGRID_API_KEY")
		}
		return NewSendGridClient(&http.Client{Timeout: sendGridTimeout}, SendGridClientConfig{
			APIKey: cfg.Email.SendGridAPIKey.Unmask(),
			Logger: logger.With("client", "sendgrid"),
		}), nil
	default:
		return nil, fmt.Errorf("unknown email provider %q", provider)
	}
}
