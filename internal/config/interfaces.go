package config

import "context"

// SecretProvider resolves secret values by identifier. SSMProvider serves
// deployed environments and EnvVarProvider serves local development.
type SecretProvider interface {
	// GetParametersBatch returns path -> plaintext for every key it could
	// resolve. Implementations batch requests to stay under API limits.
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}
