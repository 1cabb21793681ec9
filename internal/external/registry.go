package external

import (
	"log/slog"
	"net/http"

	"bagbot/internal/config"
)

// ClientRegistry holds every external client the bot uses. With
// APP_ENV=local it is populated with stubs so the bot can run without
// credentials.
type ClientRegistry struct {
	Bag       BagClient
	Messenger Messenger
	// Signups is nil when the Airtable poller is not configured.
	Signups SignupSource
}

// NewClientRegistry initializes all external service clients.
func NewClientRegistry(cfg *config.Config, logger *slog.Logger) (*ClientRegistry, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Environment == "local" {
		logger.Info("initializing external clients in STUB mode",
			"environment", cfg.Environment,
		)
		return newStubRegistry(logger), nil
	}

	logger.Info("initializing external clients in PRODUCTION mode",
		"environment", cfg.Environment,
	)
	return newProductionRegistry(cfg, logger), nil
}

func newStubRegistry(logger *slog.Logger) *ClientRegistry {
	stubLogger := logger.With("mode", "stub")

	return &ClientRegistry{
		Bag:       NewMemoryBag(stubLogger),
		Messenger: NewLogMessenger(stubLogger),
		Signups:   NewStubSignupSource(stubLogger),
	}
}

func newProductionRegistry(cfg *config.Config, logger *slog.Logger) *ClientRegistry {
	reg := &ClientRegistry{}

	bagHTTPClient := &http.Client{Timeout: cfg.Bag.Timeout}
	reg.Bag = NewBagClient(bagHTTPClient, BagClientConfig{
		AppID:    cfg.Bag.AppID,
		AppToken: cfg.Bag.AppToken.Unmask(),
		BaseURL:  cfg.Bag.APIURL,
		Logger:   logger.With("client", "bag"),
	})

	slackHTTPClient := &http.Client{Timeout: defaultSlackTimeout}
	reg.Messenger = NewSlackClient(slackHTTPClient, SlackClientConfig{
		BotToken: cfg.Slack.BotToken.Unmask(),
		BaseURL:  cfg.Slack.APIURL,
		Logger:   logger.With("client", "slack"),
	})

	if cfg.Airtable.Enabled() {
		airtableHTTPClient := &http.Client{Timeout: defaultAirtableTimeout}
		reg.Signups = NewAirtableClient(airtableHTTPClient, AirtableClientConfig{
			APIKey:  cfg.Airtable.APIKey.Unmask(),
			BaseID:  cfg.Airtable.BaseID,
			Table:   cfg.Airtable.Table,
			BaseURL: cfg.Airtable.APIURL,
			Logger:  logger.With("client", "airtable"),
		})
	}

	return reg
}
