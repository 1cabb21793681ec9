package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"bagbot/internal/types"
)

const airtableAPIBase = "https://api.airtable.com/v0"

// Airtable field names on the signups table.
const (
	airtableFieldSlackID   = "Slack ID"
	airtableFieldTriggered = "Bag Onboarding Triggered"
)

// pendingSignupsFormula selects users who received the final DM and have not
// been onboarded yet.
const pendingSignupsFormula = "AND({finalDm}, NOT({" + airtableFieldTriggered + "}))"

// maxAirtablePages bounds pagination so a misbehaving offset cannot loop
// forever.
const maxAirtablePages = 50

// AirtableClientConfig holds the configuration for creating an AirtableClient.
type AirtableClientConfig struct {
	APIKey  string
	BaseID  string
	Table   string
	BaseURL string // Override for testing; defaults to airtableAPIBase
	Logger  *slog.Logger
}

type airtableRecord struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

type airtableListResponse struct {
	Records []airtableRecord `json:"records"`
	Offset  string           `json:"offset,omitempty"`
}

type airtableUpdateRequest struct {
	Fields map[string]any `json:"fields"`
}

// AirtableClient reads community signups from an Airtable table.
type AirtableClient struct {
	base     *BaseClient
	apiKey   string
	tableURL string
	logger   *slog.Logger
}

// NewAirtableClient creates a new AirtableClient.
func NewAirtableClient(httpClient *http.Client, cfg AirtableClientConfig) *AirtableClient {
	base := NewBaseClient(httpClient, "airtable", DefaultRetryPolicy(), WithUpstreamCode(types.ErrCodeUpstreamAirtable))
	return NewAirtableClientWithBase(base, cfg)
}

// NewAirtableClientWithBase creates an AirtableClient with a pre-configured
// BaseClient.
func NewAirtableClientWithBase(base *BaseClient, cfg AirtableClientConfig) *AirtableClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = airtableAPIBase
	}
	table := cfg.Table
	if table == "" {
		table = "Users"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &AirtableClient{
		base:     base,
		apiKey:   cfg.APIKey,
		tableURL: strings.TrimSuffix(baseURL, "/") + "/" + url.PathEscape(cfg.BaseID) + "/" + url.PathEscape(table),
		logger:   logger,
	}
}

// ListPendingSignups returns every signup that matches the pending formula
// and carries a Slack ID, following pagination offsets.
func (c *AirtableClient) ListPendingSignups(ctx context.Context) ([]Signup, error) {
	var signups []Signup
	offset := ""

	for page := 0; page < maxAirtablePages; page++ {
		q := url.Values{}
		q.Set("filterByFormula", pendingSignupsFormula)
		q.Add("fields[]", airtableFieldSlackID)
		if offset != "" {
			q.Set("offset", offset)
		}

		var out airtableListResponse
		if err := c.do(ctx, http.MethodGet, c.tableURL+"?"+q.Encode(), nil, "list", &out); err != nil {
			return nil, err
		}

		for _, rec := range out.Records {
			slackID, _ := rec.Fields[airtableFieldSlackID].(string)
			slackID = strings.TrimSpace(slackID)
			if slackID == "" {
				c.logger.WarnContext(ctx, "signup without Slack ID skipped", "record_id", rec.ID)
				continue
			}
			signups = append(signups, Signup{RecordID: rec.ID, SlackID: slackID})
		}

		if out.Offset == "" {
			return signups, nil
		}
		offset = out.Offset
	}

	c.logger.WarnContext(ctx, "Airtable pagination limit reached", "pages", maxAirtablePages)
	return signups, nil
}

// MarkTriggered flags the record so later polls skip it.
func (c *AirtableClient) MarkTriggered(ctx context.Context, recordID string) error {
	if recordID == "" {
		return types.NewAppError(types.ErrCodeValidationMissingField, "record ID is required", nil)
	}
	body := airtableUpdateRequest{Fields: map[string]any{airtableFieldTriggered: true}}
	return c.do(ctx, http.MethodPatch, c.tableURL+"/"+url.PathEscape(recordID), body, "update", nil)
}

func (c *AirtableClient) do(ctx context.Context, method, endpoint string, body any, operation string, out any) error {
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to serialize Airtable request", err)
		}
		reader = bytes.NewReader(b)
	}

	var req *http.Request
	var err error
	if reader != nil {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, reader)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, nil)
	}
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to create Airtable request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.base.Do(req)
	if err != nil {
		return wrapError("Airtable", operation, types.ErrCodeUpstreamAirtable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		bodyStr := readErrorBody(resp)
		c.logger.ErrorContext(ctx, "Airtable API error",
			"operation", operation,
			"status_code", resp.StatusCode,
			"response_body", bodyStr,
		)
		return types.NewAppError(
			types.ErrCodeUpstreamAirtable,
			fmt.Sprintf("Airtable error (%d): %s", resp.StatusCode, operation),
			fmt.Errorf("airtable %s returned %d: %s", operation, resp.StatusCode, bodyStr),
		)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamAirtable, "failed to decode Airtable response", err)
	}
	return nil
}

// Compile-time interface compliance check.
var _ SignupSource = (*AirtableClient)(nil)
