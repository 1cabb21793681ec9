package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bagbot/internal/scheduler"
	"bagbot/internal/types"
	"bagbot/internal/workflow"
)

func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &out
	err := app.Run(context.Background(), append([]string{"onboard"}, args...))
	return out.String(), err
}

func TestValidate_ValidFile(t *testing.T) {
	out, err := runApp(t, "validate", filepath.Join("..", "..", "internal", "workflow", "testdata", "valid.json"))
	require.NoError(t, err)
	assert.Contains(t, out, "is valid")
}

func TestValidate_InvalidFileListsProblems(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.json")
	doc := `{"introduction":{"text":"hi","next":"nowhere"},"orphan":{"text":"x","next":"alsoMissing"}}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	out, err := runApp(t, "validate", path)
	require.Error(t, err)
	assert.True(t, workflow.IsValidationError(err))
	assert.Contains(t, out, "is invalid")
	assert.Contains(t, out, "nowhere")
	assert.Contains(t, out, "alsoMissing")
}

func TestValidate_MissingArgument(t *testing.T) {
	_, err := runApp(t, "validate")
	assert.True(t, errors.Is(err, ErrMissingArgument))
}

func TestTrigger_PostsToBot(t *testing.T) {
	var gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/onboarding", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotBody = body["userID"]
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"data":{"userID":"U024BE7LH","nextStep":"introduction","delayMs":10000}}`))
	}))
	defer srv.Close()

	out, err := runApp(t, "trigger", "--url", srv.URL+"/", "--token", "tok", "U024BE7LH")
	require.NoError(t, err)

	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "U024BE7LH", gotBody)
	assert.Equal(t, "onboarding started for U024BE7LH: introduction in 10s\n", out)
}

func TestTrigger_PausedStep(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"data":{"userID":"U024BE7LH","nextStep":"introduction","delayMs":5400000,"awaitingEvent":true}}`))
	}))
	defer srv.Close()

	out, err := runApp(t, "trigger", "--url", srv.URL, "--token", "tok", "U024BE7LH")
	require.NoError(t, err)
	assert.Equal(t, "onboarding started for U024BE7LH: waiting on introduction, rechecked in 1h30m0s\n", out)
}

func TestTrigger_ReportsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"conflict_onboarding_started","message":"user has already started onboarding","request_id":"r1"}}`))
	}))
	defer srv.Close()

	_, err := runApp(t, "trigger", "--url", srv.URL, "--token", "tok", "U024BE7LH")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409 conflict_onboarding_started")
}

func TestTrigger_NonJSONError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := runApp(t, "trigger", "--url", srv.URL, "--token", "tok", "U024BE7LH")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 502")
}

func TestJobs_PrintsRemainingDelay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")
	store := scheduler.NewFileStore(path)
	require.NoError(t, store.Save(context.Background(), []types.JobRecord{
		{Date: time.Now().Add(2 * time.Hour), UserID: "U1"},
		{Date: time.Now().Add(-time.Minute), UserID: "U2"},
	}))

	out, err := runApp(t, "jobs", path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "REMAINING")
	assert.Contains(t, lines[1], "U1")
	assert.Regexp(t, `1h59m5\ds|2h0m0s`, lines[1])
	assert.Contains(t, lines[2], "U2")
	assert.Contains(t, lines[2], "due")
}

func TestJobs_EmptyFile(t *testing.T) {
	out, err := runApp(t, "jobs", filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.Equal(t, "no pending jobs\n", out)
}
