package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"bagbot/internal/types"
)

const slackAPIBase = "https://slack.com/api"

// SlackClientConfig holds the configuration for creating a SlackClient.
type SlackClientConfig struct {
	BotToken string
	BaseURL  string // Override for testing; defaults to slackAPIBase
	Logger   *slog.Logger
}

type slackPostMessageRequest struct {
	Channel string `json:"channel"`
	Text    string `json:"text"`
}

// slackResponse is the envelope every Web API method returns. Slack reports
// application errors with HTTP 200 and ok=false.
type slackResponse struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Warning string `json:"warning,omitempty"`
}

// SlackClient posts messages through the Slack Web API.
type SlackClient struct {
	base    *BaseClient
	token   string
	baseURL string
	logger  *slog.Logger
}

// NewSlackClient creates a new SlackClient with the default retry policy.
// Slack answers rate limiting with 429 and a Retry-After header, which
// BaseClient honours.
func NewSlackClient(httpClient *http.Client, cfg SlackClientConfig) *SlackClient {
	base := NewBaseClient(httpClient, "slack", DefaultRetryPolicy(), WithUpstreamCode(types.ErrCodeUpstreamSlack))
	return NewSlackClientWithBase(base, cfg)
}

// NewSlackClientWithBase creates a SlackClient with a pre-configured
// BaseClient.
func NewSlackClientWithBase(base *BaseClient, cfg SlackClientConfig) *SlackClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = slackAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SlackClient{
		base:    base,
		token:   cfg.BotToken,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  logger,
	}
}

// PostMessage sends text to a channel or, when channel is a user ID, to that
// user's direct message conversation.
func (c *SlackClient) PostMessage(ctx context.Context, channel, text string) error {
	if channel == "" {
		return types.NewAppError(types.ErrCodeValidationMissingField, "channel is required", nil)
	}

	bodyBytes, err := json.Marshal(slackPostMessageRequest{Channel: channel, Text: text})
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to serialize Slack message", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat.postMessage", bytes.NewReader(bodyBytes))
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to create Slack request", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.base.Do(req)
	if err != nil {
		return wrapError("Slack", "chat.postMessage", types.ErrCodeUpstreamSlack, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		bodyStr := readErrorBody(resp)
		c.logger.ErrorContext(ctx, "Slack API error",
			"status_code", resp.StatusCode,
			"response_body", bodyStr,
		)
		return types.NewAppError(
			types.ErrCodeUpstreamSlack,
			fmt.Sprintf("Slack error (%d)", resp.StatusCode),
			fmt.Errorf("chat.postMessage returned %d: %s", resp.StatusCode, bodyStr),
		)
	}

	var out slackResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamSlack, "failed to decode Slack response", err)
	}
	if !out.OK {
		c.logger.ErrorContext(ctx, "Slack rejected message",
			"channel", channel,
			"slack_error", out.Error,
		)
		return types.NewAppError(
			types.ErrCodeUpstreamSlack,
			fmt.Sprintf("Slack rejected message: %s", out.Error),
			nil,
		).WithDetails(map[string]any{"slack_error": out.Error})
	}
	if out.Warning != "" {
		c.logger.WarnContext(ctx, "Slack warning", "channel", channel, "slack_warning", out.Warning)
	}
	return nil
}

// Compile-time interface compliance check.
var _ Messenger = (*SlackClient)(nil)
