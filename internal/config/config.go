// Package config defines the configuration structure for the onboarding bot.
// Configuration is loaded once at process start and is immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> *_FILE secret files (Lowest)
//
// Any missing required value or invalid format is returned as a *ConfigError
// and the process exits before serving traffic.
package config

import (
	"net/url"
	"strings"
	"time"

	"bagbot/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used throughout configuration.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Sub-components receive only
// the config subset they need.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev prod"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server        ServerConfig
	Slack         SlackConfig
	Bag           BagConfig
	Onboarding    OnboardingConfig
	Jobs          JobsConfig
	Auth          AuthConfig
	AWS           AWSConfig
	Database      DatabaseConfig
	Airtable      AirtableConfig
	Observability ObservabilityConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"3000"`
	RequestTimeout  time.Duration `envconfig:"REQUEST_TIMEOUT" default:"15s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// SlackConfig holds the Slack Web API and Events API credentials.
type SlackConfig struct {
	BotToken      SecretString `envconfig:"SLACK_BOT_TOKEN" validate:"required"`
	SigningSecret SecretString `envconfig:"SLACK_SIGNING_SECRET" validate:"required"`
	APIURL        string       `envconfig:"SLACK_API_URL" default:"https://slack.com/api" validate:"url"`
	// CommandPrefix is the first word of the chat command that starts
	// onboarding for another user.
	CommandPrefix string `envconfig:"SLACK_COMMAND_PREFIX" default:"onboard"`
}

// BagConfig holds the inventory/identity service credentials.
type BagConfig struct {
	AppID    int           `envconfig:"BAG_APP_ID" validate:"required,gt=0"`
	AppToken SecretString  `envconfig:"BAG_APP_TOKEN" validate:"required"`
	APIURL   string        `envconfig:"BAG_API_URL" default:"https://bag.hackclub.com/api/v1" validate:"url"`
	Timeout  time.Duration `envconfig:"BAG_TIMEOUT" default:"20s"`
	// CatalogPath is where the item catalog snapshot is kept between runs.
	// A ".zst" suffix stores it zstd-compressed.
	CatalogPath string `envconfig:"ITEM_CATALOG_PATH" default:"data/item-data.json"`
}

// OnboardingConfig holds workflow location and pacing.
type OnboardingConfig struct {
	WorkflowPath  string        `envconfig:"ONBOARDING_WORKFLOW_PATH" default:"bag/onboarding-workflow.json" validate:"required"`
	WelcomeDelay  time.Duration `envconfig:"ONBOARDING_WELCOME_DELAY" default:"10s"`
	StepDelay     time.Duration `envconfig:"ONBOARDING_STEP_DELAY" default:"4s"`
	StarterItems  int           `envconfig:"ONBOARDING_STARTER_ITEMS" default:"3" validate:"gte=0"`
	WatchWorkflow bool          `envconfig:"ONBOARDING_WATCH_WORKFLOW" default:"true"`
}

// JobsConfig holds scheduler persistence settings.
type JobsConfig struct {
	// PersistenceURL selects the job store: file://<path> or postgres://...
	PersistenceURL SecretString  `envconfig:"JOBS_PERSISTENCE_URL" default:"file://data/jobs.json" validate:"required"`
	SaveInterval   time.Duration `envconfig:"JOBS_SAVE_INTERVAL" default:"5m"`
}

// Scheme returns the persistence URL scheme ("file" or "postgres").
func (c JobsConfig) Scheme() string {
	raw := c.PersistenceURL.Unmask()
	if i := strings.Index(raw, "://"); i > 0 {
		return strings.ToLower(raw[:i])
	}
	return ""
}

// FilePath returns the file path of a file:// persistence URL.
func (c JobsConfig) FilePath() string {
	raw := c.PersistenceURL.Unmask()
	if u, err := url.Parse(raw); err == nil && u.Scheme == "file" {
		return u.Host + u.Path
	}
	return strings.TrimPrefix(raw, "file://")
}

// AuthConfig holds credentials guarding the trigger surfaces. Both values are
// bcrypt hashes; the plaintext never reaches this process's configuration.
type AuthConfig struct {
	TriggerTokenHash    SecretString `envconfig:"TRIGGER_API_TOKEN_HASH" validate:"required"`
	CommandPasswordHash SecretString `envconfig:"ONBOARD_COMMAND_PASSWORD_HASH"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region          string `envconfig:"AWS_REGION" default:"us-east-1"`
	TriggerQueueURL string `envconfig:"TRIGGER_QUEUE_URL" validate:"omitempty,url"`
	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// DatabaseConfig holds pool tuning used when jobs persist to Postgres.
type DatabaseConfig struct {
	MaxConns          int32         `envconfig:"DB_MAX_CONNS" default:"5"`
	MinConns          int32         `envconfig:"DB_MIN_CONNS" default:"1"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// AirtableConfig enables the signup poller when both the key and base are set.
type AirtableConfig struct {
	APIKey       SecretString  `envconfig:"AIRTABLE_API_KEY"`
	BaseID       string        `envconfig:"AIRTABLE_BASE_ID"`
	Table        string        `envconfig:"AIRTABLE_TABLE" default:"Users"`
	APIURL       string        `envconfig:"AIRTABLE_API_URL" default:"https://api.airtable.com/v0" validate:"url"`
	PollInterval time.Duration `envconfig:"AIRTABLE_POLL_INTERVAL" default:"5m"`
}

// Enabled reports whether the signup poller should run.
func (c AirtableConfig) Enabled() bool {
	return !c.APIKey.IsZero() && c.BaseID != ""
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"BagOnboarding"`
	EnableMetrics   bool   `envconfig:"ENABLE_METRICS" default:"false"`
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrSecretResolution indicates a *_FILE secret could not be read.
	ErrSecretResolution ConfigErrorType = "SECRET_FAILURE"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
