package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	cli "github.com/urfave/cli/v3"

	"bagbot/internal/api/handlers"
	"bagbot/internal/core"
)

// NewTriggerCommand starts onboarding for a user through POST /v1/onboarding.
func NewTriggerCommand() *cli.Command {
	return &cli.Command{
		Name:      "trigger",
		Aliases:   []string{"t"},
		Usage:     "Start onboarding for a Slack user",
		ArgsUsage: "<slack-user-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "url",
				Usage:   "Base URL of the bot's HTTP API",
				Value:   "http://localhost:3000",
				Sources: cli.EnvVars("BOT_URL"),
			},
			&cli.StringFlag{
				Name:     "token",
				Usage:    "Trigger API bearer token",
				Required: true,
				Sources:  cli.EnvVars("TRIGGER_API_TOKEN"),
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "HTTP request timeout",
				Value: 30 * time.Second,
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			userID := strings.TrimSpace(command.Args().First())
			if userID == "" {
				return fmt.Errorf("%w: slack user id", ErrMissingArgument)
			}

			client := &http.Client{Timeout: command.Duration("timeout")}
			resp, err := triggerOnboarding(ctx, client, command.String("url"), command.String("token"), userID)
			if err != nil {
				return err
			}

			out := command.Root().Writer
			switch {
			case resp.AwaitingEvent && resp.DelayMS > 0:
				fmt.Fprintf(out, "onboarding started for %s: waiting on %s, rechecked in %s\n",
					resp.UserID, resp.NextStep, time.Duration(resp.DelayMS)*time.Millisecond)
			case resp.NextStep != "" && !resp.AwaitingEvent:
				fmt.Fprintf(out, "onboarding started for %s: %s in %s\n",
					resp.UserID, resp.NextStep, time.Duration(resp.DelayMS)*time.Millisecond)
			default:
				fmt.Fprintf(out, "onboarding started for %s\n", resp.UserID)
			}
			return nil
		},
	}
}

func triggerOnboarding(ctx context.Context, client *http.Client, baseURL, token, userID string) (handlers.TriggerOnboardingResponse, error) {
	body, err := json.Marshal(handlers.TriggerOnboardingRequest{UserID: userID})
	if err != nil {
		return handlers.TriggerOnboardingResponse{}, err
	}

	url := strings.TrimRight(baseURL, "/") + "/v1/onboarding"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return handlers.TriggerOnboardingResponse{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := client.Do(req)
	if err != nil {
		return handlers.TriggerOnboardingResponse{}, fmt.Errorf("POST %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr core.APIErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil || apiErr.Error.Code == "" {
			return handlers.TriggerOnboardingResponse{}, fmt.Errorf("POST %s: unexpected status %d", url, resp.StatusCode)
		}
		return handlers.TriggerOnboardingResponse{}, fmt.Errorf("POST %s: %d %s: %s",
			url, resp.StatusCode, apiErr.Error.Code, apiErr.Error.Message)
	}

	var envelope struct {
		Data handlers.TriggerOnboardingResponse `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return handlers.TriggerOnboardingResponse{}, fmt.Errorf("decode response: %w", err)
	}
	return envelope.Data, nil
}
