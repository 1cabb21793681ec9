package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testSecretProvider is a configurable SecretProvider for loader tests.
type testSecretProvider struct {
	values     map[string]string
	err        error
	calledWith []string
}

func (p *testSecretProvider) Resolve(_ context.Context, refs []string) (map[string]string, error) {
	p.calledWith = append(p.calledWith, refs...)
	if p.err != nil {
		return nil, p.err
	}
	out := make(map[string]string)
	for _, r := range refs {
		if v, ok := p.values[r]; ok {
			out[r] = v
		}
	}
	return out, nil
}

// setRequiredEnv sets every variable LoadConfig needs. t.Setenv restores the
// previous values after the test.
func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("APP_ENV", "local")
	t.Setenv("SLACK_BOT_TOKEN", "xoxb-test")
	t.Setenv("SLACK_SIGNING_SECRET", "signing-secret")
	t.Setenv("BAG_APP_ID", "42")
	t.Setenv("BAG_APP_TOKEN", "bag-token")
	t.Setenv("TRIGGER_API_TOKEN_HASH", "$2a$10$abcdefghijklmnopqrstuv")
}

// testDeps routes environment writes through t.Setenv and skips .env loading.
func testDeps(t *testing.T) loaderDeps {
	return loaderDeps{
		lookupEnv: os.LookupEnv,
		setEnv: func(k, v string) error {
			t.Setenv(k, v)
			return nil
		},
		environ: os.Environ,
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := loadConfigWithDeps(&testSecretProvider{}, testDeps(t))
	require.NoError(t, err)

	assert.Equal(t, "local", cfg.Environment)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "3000", cfg.Server.Port)
	assert.Equal(t, 42, cfg.Bag.AppID)
	assert.Equal(t, "bag-token", cfg.Bag.AppToken.Unmask())
	assert.Equal(t, "***REDACTED***", cfg.Bag.AppToken.String())
	assert.Equal(t, "bag/onboarding-workflow.json", cfg.Onboarding.WorkflowPath)
	assert.Equal(t, 10*time.Second, cfg.Onboarding.WelcomeDelay)
	assert.Equal(t, 4*time.Second, cfg.Onboarding.StepDelay)
	assert.Equal(t, 3, cfg.Onboarding.StarterItems)
	assert.Equal(t, 5*time.Minute, cfg.Jobs.SaveInterval)
	assert.Equal(t, "file", cfg.Jobs.Scheme())
	assert.Equal(t, "data/jobs.json", cfg.Jobs.FilePath())
	assert.False(t, cfg.Airtable.Enabled())
	assert.Equal(t, "dev", cfg.Build.Version)
}

func TestLoadConfig_MissingRequired(t *testing.T) {
	setRequiredEnv(t)
	os.Unsetenv("SLACK_BOT_TOKEN")

	_, err := loadConfigWithDeps(&testSecretProvider{}, testDeps(t))
	require.Error(t, err)

	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, ErrValidation, cfgErr.Type)
}

func TestLoadConfig_InvalidDuration(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("ONBOARDING_STEP_DELAY", "soon")

	_, err := loadConfigWithDeps(&testSecretProvider{}, testDeps(t))

	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, ErrParsing, cfgErr.Type)
}

func TestLoadConfig_RejectsUnknownPersistenceScheme(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("JOBS_PERSISTENCE_URL", "redis://localhost:6379/0")

	_, err := loadConfigWithDeps(&testSecretProvider{}, testDeps(t))

	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, ErrValidation, cfgErr.Type)
	assert.Contains(t, cfgErr.Message, "JOBS_PERSISTENCE_URL")
}

func TestLoadConfig_PostgresPersistence(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("JOBS_PERSISTENCE_URL", "postgres://bot:pw@localhost:5432/bot")

	cfg, err := loadConfigWithDeps(&testSecretProvider{}, testDeps(t))
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Jobs.Scheme())
}

func TestLoadConfig_AirtableRequiresBothValues(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("AIRTABLE_API_KEY", "key")

	_, err := loadConfigWithDeps(&testSecretProvider{}, testDeps(t))

	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, ErrMissingEnv, cfgErr.Type)

	t.Setenv("AIRTABLE_BASE_ID", "app123")
	cfg, err := loadConfigWithDeps(&testSecretProvider{}, testDeps(t))
	require.NoError(t, err)
	assert.True(t, cfg.Airtable.Enabled())
}

func TestLoadConfig_ResolvesSecretFiles(t *testing.T) {
	setRequiredEnv(t)
	os.Unsetenv("SLACK_BOT_TOKEN")
	t.Setenv("SLACK_BOT_TOKEN_FILE", "/run/secrets/slack")

	provider := &testSecretProvider{values: map[string]string{"/run/secrets/slack": "xoxb-from-file"}}

	cfg, err := loadConfigWithDeps(provider, testDeps(t))
	require.NoError(t, err)
	assert.Equal(t, "xoxb-from-file", cfg.Slack.BotToken.Unmask())
	assert.Equal(t, []string{"/run/secrets/slack"}, provider.calledWith)
}

func TestLoadConfig_EnvWinsOverSecretFile(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SLACK_BOT_TOKEN_FILE", "/run/secrets/slack")

	provider := &testSecretProvider{values: map[string]string{"/run/secrets/slack": "xoxb-from-file"}}

	cfg, err := loadConfigWithDeps(provider, testDeps(t))
	require.NoError(t, err)
	assert.Equal(t, "xoxb-test", cfg.Slack.BotToken.Unmask())
	assert.Empty(t, provider.calledWith)
}

func TestLoadConfig_SecretProviderFailure(t *testing.T) {
	setRequiredEnv(t)
	os.Unsetenv("BAG_APP_TOKEN")
	t.Setenv("BAG_APP_TOKEN_FILE", "/run/secrets/bag")

	_, err := loadConfigWithDeps(&testSecretProvider{err: errors.New("permission denied")}, testDeps(t))

	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, ErrSecretResolution, cfgErr.Type)
}

func TestFileSecretProvider_Resolve(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token")
	require.NoError(t, os.WriteFile(path, []byte("s3cret\n"), 0o600))

	got, err := NewFileSecretProvider().Resolve(context.Background(), []string{path})
	require.NoError(t, err)
	assert.Equal(t, "s3cret", got[path])

	_, err = NewFileSecretProvider().Resolve(context.Background(), []string{filepath.Join(dir, "missing")})
	assert.Error(t, err)
}
