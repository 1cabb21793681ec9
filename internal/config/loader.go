// loader.go implements the configuration loading lifecycle.
//
// The loading sequence is:
//  1. Enforce UTC timezone so persisted job dates never drift.
//  2. Load .env file via godotenv (non-fatal if absent).
//  3. Resolve *_FILE secret pointers through the SecretProvider and inject the
//     values back into the environment.
//  4. Use envconfig to process struct tags and populate the Config struct.
//  5. Populate BuildInfo from linker-injected variables.
//  6. Validate the struct using go-playground/validator plus cross-field rules.
package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConfigError is a diagnostic error type returned by LoadConfig.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// secretFileSuffix marks environment variables that point at a secret file.
// SLACK_BOT_TOKEN_FILE=/run/secrets/slack resolves into SLACK_BOT_TOKEN.
const secretFileSuffix = "_FILE"

type envLookup func(key string) (string, bool)

type envSet func(key, value string) error

type environ func() []string

// loaderDeps holds the injectable dependencies for the loader so tests do not
// have to mutate global state.
type loaderDeps struct {
	lookupEnv envLookup
	setEnv    envSet
	environ   environ
	dotenv    func() error
}

func defaultDeps() loaderDeps {
	return loaderDeps{
		lookupEnv: os.LookupEnv,
		setEnv:    os.Setenv,
		environ:   os.Environ,
		dotenv:    func() error { return godotenv.Load() },
	}
}

// LoadConfig loads and validates the bot configuration. A nil provider uses
// FileSecretProvider.
func LoadConfig(provider SecretProvider) (*Config, error) {
	return loadConfigWithDeps(provider, defaultDeps())
}

func loadConfigWithDeps(provider SecretProvider, deps loaderDeps) (*Config, error) {
	time.Local = time.UTC

	// godotenv does not override variables already present in the environment.
	if deps.dotenv != nil {
		_ = deps.dotenv()
	}

	if provider == nil {
		provider = NewFileSecretProvider()
	}
	if err := resolveSecretFiles(provider, deps); err != nil {
		return nil, err
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrParsing,
			Message: "failed to process environment configuration",
			Err:     err,
		}
	}

	cfg.Build = NewBuildInfo()

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validateConfig runs struct tag validation followed by rules that span
// several fields.
func validateConfig(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return &ConfigError{
			Type:    ErrValidation,
			Message: "configuration validation failed",
			Err:     err,
		}
	}

	switch cfg.Jobs.Scheme() {
	case "file", "postgres", "postgresql":
	default:
		return &ConfigError{
			Type:    ErrValidation,
			Message: "JOBS_PERSISTENCE_URL must use the file:// or postgres:// scheme",
		}
	}

	if cfg.Jobs.SaveInterval <= 0 {
		return &ConfigError{
			Type:    ErrValidation,
			Message: "JOBS_SAVE_INTERVAL must be positive",
		}
	}

	if (cfg.Airtable.BaseID == "") != cfg.Airtable.APIKey.IsZero() {
		return &ConfigError{
			Type:    ErrMissingEnv,
			Message: "AIRTABLE_API_KEY and AIRTABLE_BASE_ID must be set together",
		}
	}

	return nil
}

// resolveSecretFiles scans the environment for *_FILE pointers, reads them via
// the provider, and injects the values under the stripped name. A target that
// is already set wins over its file pointer.
func resolveSecretFiles(provider SecretProvider, deps loaderDeps) error {
	pathToTarget := make(map[string][]string)
	var paths []string

	for _, entry := range deps.environ() {
		eqIdx := strings.IndexByte(entry, '=')
		if eqIdx < 0 {
			continue
		}
		key := entry[:eqIdx]
		if !strings.HasSuffix(key, secretFileSuffix) || key == secretFileSuffix {
			continue
		}

		target := strings.TrimSuffix(key, secretFileSuffix)
		if _, exists := deps.lookupEnv(target); exists {
			continue
		}

		path := entry[eqIdx+1:]
		if path == "" {
			continue
		}
		if _, seen := pathToTarget[path]; !seen {
			paths = append(paths, path)
		}
		pathToTarget[path] = append(pathToTarget[path], target)
	}

	if len(paths) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resolved, err := provider.Resolve(ctx, paths)
	if err != nil {
		return &ConfigError{
			Type:    ErrSecretResolution,
			Message: fmt.Sprintf("failed to resolve %d secret files", len(paths)),
			Err:     err,
		}
	}

	var missing []string
	for _, path := range paths {
		value, ok := resolved[path]
		if !ok {
			missing = append(missing, pathToTarget[path]...)
			continue
		}
		for _, target := range pathToTarget[path] {
			if err := deps.setEnv(target, value); err != nil {
				return &ConfigError{
					Type:    ErrSecretResolution,
					Message: fmt.Sprintf("failed to set resolved value for %s", target),
					Err:     err,
				}
			}
		}
	}
	if len(missing) > 0 {
		return &ConfigError{
			Type:    ErrSecretResolution,
			Message: fmt.Sprintf("secret files not resolved for: %s", strings.Join(missing, ", ")),
		}
	}

	return nil
}
