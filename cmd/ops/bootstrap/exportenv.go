package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/joho/godotenv"
)

// localDefaults fill keys the exported parameters do not set, so the
// resulting .env boots the worker locally without SSM.
var localDefaults = map[string]string{
	"APP_ENV":        "local",
	"LOG_LEVEL":      "debug",
	"ENABLE_METRICS": "false",
}

// ExportEnvConfig configures ExportEnvFile.
type ExportEnvConfig struct {
	OutputPath  string
	Environment string
	SSM         *SSMManager
	Inventory   []BootstrapStep
	Stderr      io.Writer

	// IncludeLocalDefaults adds localDefaults for keys not exported.
	IncludeLocalDefaults bool
}

// ExportEnvFile reads every inventory parameter back from SSM and writes
// them as a .env file with mode 0600. Missing optional parameters are
// omitted; a missing required parameter fails the export before anything
// is written.
func ExportEnvFile(ctx context.Context, cfg ExportEnvConfig) error {
	if cfg.OutputPath == "" {
		return fmt.Errorf("export path must not be empty")
	}
	if cfg.Stderr == nil {
		cfg.Stderr = io.Discard
	}

	env := make(map[string]string, len(cfg.Inventory)+len(localDefaults))
	var missing []string

	for _, step := range cfg.Inventory {
		path := cfg.SSM.SSMPath(step.SSMCategoryKey)
		value, err := cfg.SSM.GetParameterValue(ctx, path, step.ParamType == ParamSecureString)
		if err != nil {
			var notFound *ssmtypes.ParameterNotFound
			if errors.As(err, &notFound) {
				if !step.Optional {
					missing = append(missing, path)
				}
				continue
			}
			return fmt.Errorf("exporting %s: %w", step.EnvVar, err)
		}
		env[step.EnvVar] = value
	}

	if len(missing) > 0 {
		return fmt.Errorf("required parameters missing in %s: %s", cfg.Environment, strings.Join(missing, ", "))
	}

	if cfg.IncludeLocalDefaults {
		for k, v := range localDefaults {
			if _, ok := env[k]; !ok {
				env[k] = v
			}
		}
	}

	content, err := godotenv.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding .env content: %w", err)
	}

	header := fmt.Sprintf("# Exported from SSM /%s/%s/ by bootstrap. Contains secrets; do not commit.\n",
		cfg.Environment, ssmNamespace)
	if err := os.WriteFile(cfg.OutputPath, []byte(header+content+"\n"), 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", cfg.OutputPath, err)
	}
	// WriteFile keeps the mode of an existing file.
	if err := os.Chmod(cfg.OutputPath, 0o600); err != nil {
		return fmt.Errorf("restricting permissions on %s: %w", cfg.OutputPath, err)
	}

	fmt.Fprintf(cfg.Stderr, "  Exported %d variables to %s\n", len(env), cfg.OutputPath)
	return nil
}
