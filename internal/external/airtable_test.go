package external

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bagbot/internal/types"
)

func newTestAirtableClient(t *testing.T, serverURL string) *AirtableClient {
	t.Helper()
	base := NewBaseClient(nil, "airtable-test", fastPolicy(1), WithSleepFunc(noopSleep), WithUpstreamCode(types.ErrCodeUpstreamAirtable))
	return NewAirtableClientWithBase(base, AirtableClientConfig{
		APIKey:  "pat-test",
		BaseID:  "app123",
		BaseURL: serverURL,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestAirtableClient_ListPendingSignupsPaginates(t *testing.T) {
	var offsets []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/app123/Users", r.URL.Path)
		assert.Equal(t, "Bearer pat-test", r.Header.Get("Authorization"))
		assert.Equal(t, pendingSignupsFormula, r.URL.Query().Get("filterByFormula"))

		offset := r.URL.Query().Get("offset")
		offsets = append(offsets, offset)
		if offset == "" {
			w.Write([]byte(`{"records":[{"id":"rec1","fields":{"Slack ID":"U1"}},{"id":"rec2","fields":{}}],"offset":"page2"}`))
			return
		}
		w.Write([]byte(`{"records":[{"id":"rec3","fields":{"Slack ID":" U3 "}}]}`))
	}))
	defer srv.Close()

	signups, err := newTestAirtableClient(t, srv.URL).ListPendingSignups(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"", "page2"}, offsets)
	assert.Equal(t, []Signup{
		{RecordID: "rec1", SlackID: "U1"},
		{RecordID: "rec3", SlackID: "U3"},
	}, signups)
}

func TestAirtableClient_MarkTriggered(t *testing.T) {
	var method, path string
	var body airtableUpdateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Write([]byte(`{"id":"rec1","fields":{}}`))
	}))
	defer srv.Close()

	require.NoError(t, newTestAirtableClient(t, srv.URL).MarkTriggered(context.Background(), "rec1"))
	assert.Equal(t, http.MethodPatch, method)
	assert.Equal(t, "/app123/Users/rec1", path)
	assert.Equal(t, map[string]any{"Bag Onboarding Triggered": true}, body.Fields)
}

func TestAirtableClient_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":{"type":"INVALID_FILTER_BY_FORMULA"}}`))
	}))
	defer srv.Close()

	client := newTestAirtableClient(t, srv.URL)

	_, err := client.ListPendingSignups(context.Background())
	assert.True(t, types.IsCode(err, types.ErrCodeUpstreamAirtable))

	err = client.MarkTriggered(context.Background(), "")
	assert.True(t, types.IsCode(err, types.ErrCodeValidationMissingField))
}
