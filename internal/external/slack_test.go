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

func newTestSlackClient(t *testing.T, serverURL string) *SlackClient {
	t.Helper()
	base := NewBaseClient(nil, "slack-test", fastPolicy(1), WithSleepFunc(noopSleep), WithUpstreamCode(types.ErrCodeUpstreamSlack))
	return NewSlackClientWithBase(base, SlackClientConfig{
		BotToken: "xoxb-test",
		BaseURL:  serverURL,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestSlackClient_PostMessage(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody slackPostMessageRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"ok":true,"channel":"D1","ts":"1.2"}`))
	}))
	defer srv.Close()

	err := newTestSlackClient(t, srv.URL).PostMessage(context.Background(), "U1", "hello")
	require.NoError(t, err)

	assert.Equal(t, "/chat.postMessage", gotPath)
	assert.Equal(t, "Bearer xoxb-test", gotAuth)
	assert.Equal(t, slackPostMessageRequest{Channel: "U1", Text: "hello"}, gotBody)
}

func TestSlackClient_PostMessage_NotOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":false,"error":"channel_not_found"}`))
	}))
	defer srv.Close()

	err := newTestSlackClient(t, srv.URL).PostMessage(context.Background(), "C404", "hello")
	require.Error(t, err)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeUpstreamSlack, appErr.Code)
	assert.Equal(t, "channel_not_found", appErr.Details["slack_error"])
}

func TestSlackClient_PostMessage_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	err := newTestSlackClient(t, srv.URL).PostMessage(context.Background(), "U1", "hello")
	assert.True(t, types.IsCode(err, types.ErrCodeUpstreamSlack))
}

func TestSlackClient_PostMessage_RequiresChannel(t *testing.T) {
	err := newTestSlackClient(t, "http://unused").PostMessage(context.Background(), "", "hello")
	assert.True(t, types.IsCode(err, types.ErrCodeValidationMissingField))
}
