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

// bagAPIBase is the default Bag API base URL.
const bagAPIBase = "https://bag.hackclub.com/api/v1"

// BagClientConfig holds the configuration for creating a BagHTTPClient.
type BagClientConfig struct {
	AppID    int
	AppToken string
	BaseURL  string // Override for testing; defaults to bagAPIBase
	Logger   *slog.Logger
}

// bagAuth is embedded in every Bag request body.
type bagAuth struct {
	AppID int    `json:"appId"`
	Key   string `json:"key"`
}

type bagIdentity struct {
	ID       string          `json:"id"`
	Metadata json.RawMessage `json:"metadata"`
}

type bagIdentityResponse struct {
	Identity bagIdentity `json:"identity"`
}

type bagInstance struct {
	ID       string          `json:"id"`
	ItemID   string          `json:"itemId"`
	Quantity int             `json:"quantity"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

type bagInventoryResponse struct {
	Instances []bagInstance `json:"instances"`
}

type bagItemsResponse struct {
	Items []types.CatalogItem `json:"items"`
}

type bagInstanceSpec struct {
	ItemID   string `json:"itemId"`
	Quantity int    `json:"quantity"`
}

// BagHTTPClient implements BagClient against the Bag JSON API. Reads and
// metadata updates are retried; grants go through a client with retries
// disabled so an ambiguous failure is never replayed.
type BagHTTPClient struct {
	reads   *BaseClient
	grants  *BaseClient
	auth    bagAuth
	baseURL string
	logger  *slog.Logger
}

// NewBagClient creates a new BagHTTPClient. Both underlying clients share one
// circuit breaker.
func NewBagClient(httpClient *http.Client, cfg BagClientConfig) *BagHTTPClient {
	breaker := NewBreaker("bag")
	reads := NewBaseClientWithBreaker(httpClient, breaker, DefaultRetryPolicy(), WithUpstreamCode(types.ErrCodeUpstreamBag))
	grants := NewBaseClientWithBreaker(httpClient, breaker, NoRetryPolicy(), WithUpstreamCode(types.ErrCodeUpstreamBag))
	return NewBagClientWithBase(reads, grants, cfg)
}

// NewBagClientWithBase creates a BagHTTPClient with pre-configured
// BaseClients. This is useful for testing when you want to control retry
// behaviour and sleeping.
func NewBagClientWithBase(reads, grants *BaseClient, cfg BagClientConfig) *BagHTTPClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = bagAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &BagHTTPClient{
		reads:   reads,
		grants:  grants,
		auth:    bagAuth{AppID: cfg.AppID, Key: cfg.AppToken},
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  logger,
	}
}

// GetMetadata fetches the identity and decodes its metadata document. An
// unknown identity returns empty metadata.
func (c *BagHTTPClient) GetMetadata(ctx context.Context, userID string) (types.IdentityMetadata, error) {
	if userID == "" {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidUser, "user ID is required", nil)
	}

	var out bagIdentityResponse
	err := c.call(ctx, c.reads, "getIdentity", map[string]any{"identityId": userID}, &out)
	if types.IsCode(err, types.ErrCodeNotFoundIdentity) {
		return types.IdentityMetadata{}, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeMetadata(out.Identity.Metadata)
}

// UpdateMetadata reads the current metadata, merges partial over it, and
// writes the result back.
func (c *BagHTTPClient) UpdateMetadata(ctx context.Context, userID string, partial types.IdentityMetadata) (types.IdentityMetadata, error) {
	current, err := c.GetMetadata(ctx, userID)
	if err != nil {
		return nil, err
	}

	merged := make(types.IdentityMetadata, len(current)+len(partial))
	for k, v := range current {
		merged[k] = v
	}
	for k, v := range partial {
		merged[k] = v
	}

	// Bag stores metadata as a JSON-encoded string.
	encoded, err := json.Marshal(merged)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode identity metadata", err)
	}

	var out bagIdentityResponse
	if err := c.call(ctx, c.reads, "updateIdentityMetadata", map[string]any{
		"identityId": userID,
		"metadata":   string(encoded),
	}, &out); err != nil {
		return nil, err
	}

	c.logger.InfoContext(ctx, "identity metadata updated", "user_id", userID)

	if len(out.Identity.Metadata) == 0 {
		return merged, nil
	}
	return decodeMetadata(out.Identity.Metadata)
}

// GrantItem creates quantity instances of one item.
func (c *BagHTTPClient) GrantItem(ctx context.Context, userID, itemName string, quantity int) error {
	return c.GrantItems(ctx, userID, []types.ItemGrant{{Name: itemName, Quantity: quantity}}, "")
}

// GrantItems issues all grants in a single call. Duplicate names are summed.
// The grant is not retried.
func (c *BagHTTPClient) GrantItems(ctx context.Context, userID string, grants []types.ItemGrant, note string) error {
	specs := mergeGrants(grants)
	if len(specs) == 0 {
		return nil
	}

	body := map[string]any{
		"identityId": userID,
		"show":       true,
	}
	if note != "" {
		body["note"] = note
	}

	method := "createInstances"
	if len(specs) == 1 {
		method = "createInstance"
		body["itemId"] = specs[0].ItemID
		body["quantity"] = specs[0].Quantity
	} else {
		body["instances"] = specs
	}

	c.logger.InfoContext(ctx, "granting items",
		"user_id", userID,
		"items", len(specs),
	)

	return c.call(ctx, c.grants, method, body, nil)
}

// GetInventory lists the user's item instances. Bag identifies items by name,
// so Name mirrors ItemID.
func (c *BagHTTPClient) GetInventory(ctx context.Context, userID string) ([]types.InventoryItem, error) {
	var out bagInventoryResponse
	if err := c.call(ctx, c.reads, "getInventory", map[string]any{
		"identityId": userID,
		"available":  true,
	}, &out); err != nil {
		return nil, err
	}

	items := make([]types.InventoryItem, 0, len(out.Instances))
	for _, inst := range out.Instances {
		items = append(items, types.InventoryItem{
			ID:       inst.ID,
			ItemID:   inst.ItemID,
			Name:     inst.ItemID,
			Quantity: inst.Quantity,
			Metadata: inst.Metadata,
		})
	}
	return items, nil
}

// ListItems returns the full item catalog.
func (c *BagHTTPClient) ListItems(ctx context.Context) ([]types.CatalogItem, error) {
	var out bagItemsResponse
	if err := c.call(ctx, c.reads, "getItems", map[string]any{"query": "{}"}, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// call POSTs {appId, key, ...params} to /{method} and decodes the response
// into out when out is non-nil.
func (c *BagHTTPClient) call(ctx context.Context, base *BaseClient, method string, params map[string]any, out any) error {
	body := make(map[string]any, len(params)+2)
	for k, v := range params {
		body[k] = v
	}
	body["appId"] = c.auth.AppID
	body["key"] = c.auth.Key

	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to serialize Bag request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method, bytes.NewReader(bodyBytes))
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to create Bag request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := base.Do(req)
	if err != nil {
		return wrapError("Bag", method, types.ErrCodeUpstreamBag, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return c.handleErrorResponse(resp, method)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamBag, fmt.Sprintf("failed to decode Bag %s response", method), err)
	}
	return nil
}

// handleErrorResponse reads and logs the error body from a non-2xx response,
// then returns an appropriate AppError.
func (c *BagHTTPClient) handleErrorResponse(resp *http.Response, method string) *types.AppError {
	bodyStr := readErrorBody(resp)

	c.logger.Error("Bag API error",
		"operation", method,
		"status_code", resp.StatusCode,
		"response_body", bodyStr,
	)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return types.NewAppError(
			types.ErrCodeNotFoundIdentity,
			fmt.Sprintf("Bag resource not found: %s", method),
			fmt.Errorf("bag %s returned 404: %s", method, bodyStr),
		)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return types.NewAppError(
			types.ErrCodeUpstreamBag,
			fmt.Sprintf("Bag authentication failed (%d)", resp.StatusCode),
			fmt.Errorf("bag %s returned %d: %s", method, resp.StatusCode, bodyStr),
		)
	default:
		return types.NewAppError(
			types.ErrCodeUpstreamBag,
			fmt.Sprintf("Bag error (%d): %s", resp.StatusCode, method),
			fmt.Errorf("bag %s returned %d: %s", method, resp.StatusCode, bodyStr),
		)
	}
}

// decodeMetadata accepts metadata either as an object or as a JSON-encoded
// string holding an object.
func decodeMetadata(raw json.RawMessage) (types.IdentityMetadata, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return types.IdentityMetadata{}, nil
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, types.NewAppError(types.ErrCodeUpstreamBag, "malformed identity metadata", err)
		}
		if strings.TrimSpace(s) == "" {
			return types.IdentityMetadata{}, nil
		}
		raw = json.RawMessage(s)
	}

	meta := types.IdentityMetadata{}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamBag, "malformed identity metadata", err)
	}
	return meta, nil
}

// mergeGrants sums quantities per item, keeping first-seen order and dropping
// non-positive entries.
func mergeGrants(grants []types.ItemGrant) []bagInstanceSpec {
	var specs []bagInstanceSpec
	index := make(map[string]int, len(grants))
	for _, g := range grants {
		if g.Name == "" || g.Quantity <= 0 {
			continue
		}
		if i, ok := index[g.Name]; ok {
			specs[i].Quantity += g.Quantity
			continue
		}
		index[g.Name] = len(specs)
		specs = append(specs, bagInstanceSpec{ItemID: g.Name, Quantity: g.Quantity})
	}
	return specs
}

// Compile-time interface compliance check.
var _ BagClient = (*BagHTTPClient)(nil)
