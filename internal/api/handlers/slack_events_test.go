package handlers

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"bagbot/internal/types"
)

const testSigningSecret = "8f742231b10e8888abcd99yyyzzz85a5"

var slackNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingMessenger struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (m *recordingMessenger) PostMessage(_ context.Context, channel, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, channel+": "+text)
	return m.err
}

func (m *recordingMessenger) messages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent...)
}

func newSlackHandler(t *testing.T, o Onboarder, m *recordingMessenger, password string) *SlackEventsHandler {
	t.Helper()
	cfg := SlackEventsConfig{SigningSecret: testSigningSecret}
	if password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
		require.NoError(t, err)
		cfg.CommandPasswordHash = types.SecretString(hash)
	}
	h := NewSlackEventsHandler(o, m, cfg, testLogger())
	h.now = func() time.Time { return slackNow }
	return h
}

func signedRequest(body string, at time.Time, secret string) *http.Request {
	ts := strconv.FormatInt(at.Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/slack/events", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Slack-Request-Timestamp", ts)
	req.Header.Set("X-Slack-Signature", "v0="+computeHMAC("v0:"+ts+":"+body, secret))
	return req
}

func serveSlack(t *testing.T, h *SlackEventsHandler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.Handle(rec, req)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.Wait(ctx))
	return rec
}

func messageEvent(user, text string) string {
	return `{"type":"event_callback","event_id":"Ev1","event":{"type":"message","user":"` + user +
		`","channel":"C1","text":"` + text + `"}}`
}

// =============================================================================
// Signature verification
// =============================================================================

func TestSlackEvents_URLVerification(t *testing.T) {
	h := newSlackHandler(t, &fakeOnboarder{}, &recordingMessenger{}, "")

	body := `{"type":"url_verification","challenge":"3eZbrw1aBm2rZgRNFdxV2595E9CY3gmdALWMmHkvFXO7tYXAYM8P"}`
	rec := serveSlack(t, h, signedRequest(body, slackNow, testSigningSecret))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "3eZbrw1aBm2rZgRNFdxV2595E9CY3gmdALWMmHkvFXO7tYXAYM8P", rec.Body.String())
}

func TestSlackEvents_SignatureFailures(t *testing.T) {
	body := messageEvent("U1", "hi")

	tests := []struct {
		name       string
		req        func() *http.Request
		wantStatus int
	}{
		{
			name:       "wrong secret",
			req:        func() *http.Request { return signedRequest(body, slackNow, "other-secret") },
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "stale timestamp",
			req:        func() *http.Request { return signedRequest(body, slackNow.Add(-6*time.Minute), testSigningSecret) },
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "future timestamp",
			req:        func() *http.Request { return signedRequest(body, slackNow.Add(6*time.Minute), testSigningSecret) },
			wantStatus: http.StatusUnauthorized,
		},
		{
			name: "missing headers",
			req: func() *http.Request {
				return httptest.NewRequest(http.MethodPost, "/slack/events", bytes.NewBufferString(body))
			},
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "tampered body",
			req: func() *http.Request {
				req := signedRequest(body, slackNow, testSigningSecret)
				req.Body = httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(messageEvent("U2", "hi"))).Body
				return req
			},
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			o := &fakeOnboarder{}
			h := newSlackHandler(t, o, &recordingMessenger{}, "")

			rec := serveSlack(t, h, tc.req())

			assert.Equal(t, tc.wantStatus, rec.Code)
			_, events, _ := o.snapshot()
			assert.Empty(t, events)
		})
	}
}

func TestSlackEvents_WithinToleranceAccepted(t *testing.T) {
	o := &fakeOnboarder{}
	h := newSlackHandler(t, o, &recordingMessenger{}, "")

	rec := serveSlack(t, h, signedRequest(messageEvent("U1", "hi"), slackNow.Add(-4*time.Minute), testSigningSecret))

	assert.Equal(t, http.StatusOK, rec.Code)
	_, events, _ := o.snapshot()
	assert.Equal(t, []string{"U1"}, events)
}

// =============================================================================
// Event routing
// =============================================================================

func TestSlackEvents_MessageReentersStep(t *testing.T) {
	o := &fakeOnboarder{}
	h := newSlackHandler(t, o, &recordingMessenger{}, "")

	rec := serveSlack(t, h, signedRequest(messageEvent("U1", "done!"), slackNow, testSigningSecret))

	assert.Equal(t, http.StatusOK, rec.Code)
	welcomed, events, sources := o.snapshot()
	assert.Empty(t, welcomed)
	assert.Equal(t, []string{"U1"}, events)
	assert.Equal(t, []types.TriggerSource{types.TriggerSourceSlack}, sources)
}

func TestSlackEvents_IgnoresBotAndEditedMessages(t *testing.T) {
	bodies := []string{
		`{"type":"event_callback","event":{"type":"message","bot_id":"B1","user":"U1","text":"hi"}}`,
		`{"type":"event_callback","event":{"type":"message","subtype":"message_changed","user":"U1"}}`,
		`{"type":"event_callback","event":{"type":"reaction_added","user":"U1"}}`,
		`{"type":"event_callback","event":{"type":"team_join","user":{"id":"U9","is_bot":true}}}`,
	}
	for _, body := range bodies {
		o := &fakeOnboarder{}
		h := newSlackHandler(t, o, &recordingMessenger{}, "")

		rec := serveSlack(t, h, signedRequest(body, slackNow, testSigningSecret))

		assert.Equal(t, http.StatusOK, rec.Code, body)
		welcomed, events, _ := o.snapshot()
		assert.Empty(t, welcomed, body)
		assert.Empty(t, events, body)
	}
}

func TestSlackEvents_FileShareCounts(t *testing.T) {
	o := &fakeOnboarder{}
	h := newSlackHandler(t, o, &recordingMessenger{}, "")

	body := `{"type":"event_callback","event":{"type":"message","subtype":"file_share","user":"U1","text":""}}`
	serveSlack(t, h, signedRequest(body, slackNow, testSigningSecret))

	_, events, _ := o.snapshot()
	assert.Equal(t, []string{"U1"}, events)
}

func TestSlackEvents_TeamJoinWelcomes(t *testing.T) {
	o := &fakeOnboarder{}
	h := newSlackHandler(t, o, &recordingMessenger{}, "")

	body := `{"type":"event_callback","event":{"type":"team_join","user":{"id":"U77","name":"newbie"}}}`
	rec := serveSlack(t, h, signedRequest(body, slackNow, testSigningSecret))

	assert.Equal(t, http.StatusOK, rec.Code)
	welcomed, _, sources := o.snapshot()
	assert.Equal(t, []string{"U77"}, welcomed)
	assert.Equal(t, []types.TriggerSource{types.TriggerSourceSlack}, sources)
}

func TestSlackEvents_RetryIsAcknowledgedWithoutWork(t *testing.T) {
	o := &fakeOnboarder{}
	h := newSlackHandler(t, o, &recordingMessenger{}, "")

	req := signedRequest(messageEvent("U1", "hi"), slackNow, testSigningSecret)
	req.Header.Set("X-Slack-Retry-Num", "1")
	req.Header.Set("X-Slack-Retry-Reason", "http_timeout")
	rec := serveSlack(t, h, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	_, events, _ := o.snapshot()
	assert.Empty(t, events)
}

func TestSlackEvents_EventErrorStillAcked(t *testing.T) {
	o := &fakeOnboarder{eventErr: errors.New("bag down")}
	h := newSlackHandler(t, o, &recordingMessenger{}, "")

	rec := serveSlack(t, h, signedRequest(messageEvent("U1", "hi"), slackNow, testSigningSecret))

	assert.Equal(t, http.StatusOK, rec.Code)
}

// =============================================================================
// Onboard command
// =============================================================================

func TestSlackEvents_CommandWelcomesTarget(t *testing.T) {
	o := &fakeOnboarder{}
	m := &recordingMessenger{}
	h := newSlackHandler(t, o, m, "hunter2")

	serveSlack(t, h, signedRequest(messageEvent("UADMIN", "onboard hunter2 <@U024BE7LH|alice>"), slackNow, testSigningSecret))

	welcomed, events, sources := o.snapshot()
	assert.Equal(t, []string{"U024BE7LH"}, welcomed)
	assert.Empty(t, events, "the command message must not re-enter the sender's step")
	assert.Equal(t, []types.TriggerSource{types.TriggerSourceCommand}, sources)
	assert.Equal(t, []string{"C1: Onboarding started for <@U024BE7LH>."}, m.messages())
}

func TestSlackEvents_CommandWrongPassword(t *testing.T) {
	o := &fakeOnboarder{}
	m := &recordingMessenger{}
	h := newSlackHandler(t, o, m, "hunter2")

	serveSlack(t, h, signedRequest(messageEvent("UADMIN", "onboard letmein <@U024BE7LH>"), slackNow, testSigningSecret))

	welcomed, _, _ := o.snapshot()
	assert.Empty(t, welcomed)
	assert.Equal(t, []string{"C1: Incorrect password."}, m.messages())
}

func TestSlackEvents_CommandAlreadyStarted(t *testing.T) {
	o := &fakeOnboarder{welcomeErr: types.NewAppError(types.ErrCodeConflictOnboardingStarted, "already started", nil)}
	m := &recordingMessenger{}
	h := newSlackHandler(t, o, m, "hunter2")

	serveSlack(t, h, signedRequest(messageEvent("UADMIN", "ONBOARD hunter2 <@U024BE7LH>"), slackNow, testSigningSecret))

	assert.Equal(t, []string{"C1: <@U024BE7LH> has already started onboarding."}, m.messages())
}

func TestSlackEvents_CommandWelcomeFails(t *testing.T) {
	o := &fakeOnboarder{welcomeErr: types.NewAppError(types.ErrCodeUpstreamBag, "bag down", nil)}
	m := &recordingMessenger{}
	h := newSlackHandler(t, o, m, "hunter2")

	serveSlack(t, h, signedRequest(messageEvent("UADMIN", "onboard hunter2 <@U024BE7LH>"), slackNow, testSigningSecret))

	assert.Equal(t, []string{"C1: Could not start onboarding for <@U024BE7LH>."}, m.messages())
}

func TestSlackEvents_CommandDisabledWithoutHash(t *testing.T) {
	o := &fakeOnboarder{}
	m := &recordingMessenger{}
	h := newSlackHandler(t, o, m, "")

	serveSlack(t, h, signedRequest(messageEvent("UADMIN", "onboard hunter2 <@U024BE7LH>"), slackNow, testSigningSecret))

	welcomed, _, _ := o.snapshot()
	assert.Empty(t, welcomed)
	assert.Empty(t, m.messages())
}

func TestParseCommand(t *testing.T) {
	h := newSlackHandler(t, &fakeOnboarder{}, nil, "")

	tests := []struct {
		text     string
		target   string
		password string
		ok       bool
	}{
		{"onboard pw <@U123ABC>", "U123ABC", "pw", true},
		{"  onboard   pw   <@W123ABC|bob>  ", "W123ABC", "pw", true},
		{"onboard pw U123ABC", "", "", false},
		{"onboard <@U123ABC>", "", "", false},
		{"please onboard pw <@U123ABC>", "", "", false},
		{"onboard pw <#C123ABC>", "", "", false},
	}
	for _, tc := range tests {
		target, password, ok := h.parseCommand(tc.text)
		assert.Equal(t, tc.ok, ok, tc.text)
		assert.Equal(t, tc.target, target, tc.text)
		assert.Equal(t, tc.password, password, tc.text)
	}
}
