package external

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"

	"bagbot/internal/types"
)

// noopSleep is a sleep function that does nothing, for fast tests.
func noopSleep(time.Duration) {}

func fastPolicy(retries int) RetryPolicy {
	return RetryPolicy{
		MaxRetries: retries,
		MinWait:    time.Millisecond,
		MaxWait:    10 * time.Millisecond,
	}
}

// newTestClient creates a BaseClient with fast retries and no real sleep.
func newTestClient(t *testing.T, policy RetryPolicy, opts ...BaseClientOption) *BaseClient {
	t.Helper()
	opts = append([]BaseClientOption{WithSleepFunc(noopSleep)}, opts...)
	return NewBaseClient(&http.Client{Timeout: 5 * time.Second}, "test-breaker", policy, opts...)
}

func mustRequest(t *testing.T, ctx context.Context, method, url string, body io.Reader) *http.Request {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	return req
}

func TestDo_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	client := newTestClient(t, DefaultRetryPolicy())

	resp, err := client.Do(mustRequest(t, context.Background(), http.MethodGet, server.URL, nil))
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"ok":true}` {
		t.Errorf("unexpected body: %s", body)
	}
}

func TestDo_InjectsHeaders(t *testing.T) {
	var requestID, ua string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID = r.Header.Get("X-Request-ID")
		ua = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := newTestClient(t, DefaultRetryPolicy())

	ctx := types.WithRequestID(context.Background(), "req-abc-123")
	resp, err := client.Do(mustRequest(t, ctx, http.MethodGet, server.URL, nil))
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	resp.Body.Close()

	if requestID != "req-abc-123" {
		t.Errorf("expected request ID 'req-abc-123', got '%s'", requestID)
	}
	if ua != userAgent {
		t.Errorf("expected User-Agent %q, got %q", userAgent, ua)
	}
}

func TestDo_NoRequestIDWhenNotInContext(t *testing.T) {
	var present bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, present = r.Header["X-Request-Id"]
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	resp, err := newTestClient(t, DefaultRetryPolicy()).Do(mustRequest(t, context.Background(), http.MethodGet, server.URL, nil))
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	resp.Body.Close()

	if present {
		t.Error("expected no X-Request-ID header")
	}
}

func TestDo_RetriesOn5xxAnd429(t *testing.T) {
	for _, status := range []int{http.StatusInternalServerError, http.StatusServiceUnavailable, http.StatusTooManyRequests} {
		t.Run(fmt.Sprint(status), func(t *testing.T) {
			var callCount atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if callCount.Add(1) <= 2 {
					w.WriteHeader(status)
					return
				}
				w.WriteHeader(http.StatusOK)
			}))
			defer server.Close()

			resp, err := newTestClient(t, fastPolicy(3)).Do(mustRequest(t, context.Background(), http.MethodGet, server.URL, nil))
			if err != nil {
				t.Fatalf("expected success after retries, got error: %v", err)
			}
			resp.Body.Close()

			if calls := callCount.Load(); calls != 3 {
				t.Errorf("expected 3 calls, got %d", calls)
			}
		})
	}
}

func TestDo_ExhaustedRetriesUsesUpstreamCode(t *testing.T) {
	var callCount atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := newTestClient(t, fastPolicy(2), WithUpstreamCode(types.ErrCodeUpstreamBag))
	resp, err := client.Do(mustRequest(t, context.Background(), http.MethodGet, server.URL, nil))
	if resp != nil {
		resp.Body.Close()
		t.Error("expected nil response after exhausted retries")
	}
	if !types.IsCode(err, types.ErrCodeUpstreamBag) {
		t.Fatalf("expected %s, got %v", types.ErrCodeUpstreamBag, err)
	}
	if calls := callCount.Load(); calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_ExhaustedRetriesOn429ReturnsRateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	_, err := newTestClient(t, fastPolicy(1)).Do(mustRequest(t, context.Background(), http.MethodGet, server.URL, nil))
	if !types.IsCode(err, types.ErrCodeUpstreamRateLimited) {
		t.Fatalf("expected %s, got %v", types.ErrCodeUpstreamRateLimited, err)
	}
}

func TestDo_NoRetryPolicyMakesOneAttempt(t *testing.T) {
	var callCount atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	_, err := newTestClient(t, NoRetryPolicy()).Do(mustRequest(t, context.Background(), http.MethodPost, server.URL, strings.NewReader("{}")))
	if err == nil {
		t.Fatal("expected error")
	}
	if calls := callCount.Load(); calls != 1 {
		t.Errorf("expected exactly 1 call, got %d", calls)
	}
}

func TestDo_4xxNotRetried(t *testing.T) {
	var callCount atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	resp, err := newTestClient(t, fastPolicy(3)).Do(mustRequest(t, context.Background(), http.MethodGet, server.URL, nil))
	if err != nil {
		t.Fatalf("expected no error for 400, got: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", resp.StatusCode)
	}
	if calls := callCount.Load(); calls != 1 {
		t.Errorf("expected exactly 1 call for 4xx, got %d", calls)
	}
}

func TestDo_CircuitBreakerOpensAfterThreshold(t *testing.T) {
	var callCount atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	breaker := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:    "test-open",
		Timeout: time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 3
		},
	})
	client := NewBaseClientWithBreaker(nil, breaker, NoRetryPolicy(),
		WithSleepFunc(noopSleep),
		WithUpstreamCode(types.ErrCodeUpstreamSlack),
	)

	for i := 0; i < 4; i++ {
		_, _ = client.Do(mustRequest(t, context.Background(), http.MethodGet, server.URL, nil))
	}
	before := callCount.Load()

	_, err := client.Do(mustRequest(t, context.Background(), http.MethodGet, server.URL, nil))
	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *types.AppError, got %T: %v", err, err)
	}
	if appErr.Code != types.ErrCodeUpstreamSlack {
		t.Errorf("expected %s, got %s", types.ErrCodeUpstreamSlack, appErr.Code)
	}
	if !strings.Contains(appErr.Message, "circuit breaker") {
		t.Errorf("expected message to mention circuit breaker, got: %s", appErr.Message)
	}
	if after := callCount.Load(); after != before {
		t.Errorf("expected no server calls while open, got %d more", after-before)
	}
}

func TestDo_SharedBreakerTripsBothClients(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	breaker := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:    "shared",
		Timeout: time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 2
		},
	})
	reads := NewBaseClientWithBreaker(nil, breaker, NoRetryPolicy(), WithSleepFunc(noopSleep))
	writes := NewBaseClientWithBreaker(nil, breaker, NoRetryPolicy(), WithSleepFunc(noopSleep))

	_, _ = reads.Do(mustRequest(t, context.Background(), http.MethodGet, server.URL, nil))
	_, _ = reads.Do(mustRequest(t, context.Background(), http.MethodGet, server.URL, nil))

	if breaker.State() != gobreaker.StateOpen {
		t.Fatalf("expected breaker open, got %s", breaker.State())
	}
	_, err := writes.Do(mustRequest(t, context.Background(), http.MethodPost, server.URL, strings.NewReader("{}")))
	if err == nil || !strings.Contains(err.Error(), "circuit breaker") {
		t.Errorf("expected circuit breaker error, got %v", err)
	}
}

func TestDo_RespectsRetryAfterHeader(t *testing.T) {
	var callCount atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if callCount.Add(1) == 1 {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	var sleeps []time.Duration
	client := NewBaseClient(nil, "test-retry-after",
		RetryPolicy{MaxRetries: 1, MinWait: 100 * time.Millisecond, MaxWait: 10 * time.Second},
		WithSleepFunc(func(d time.Duration) { sleeps = append(sleeps, d) }),
	)

	resp, err := client.Do(mustRequest(t, context.Background(), http.MethodGet, server.URL, nil))
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	resp.Body.Close()

	if len(sleeps) != 1 || sleeps[0] != 2*time.Second {
		t.Errorf("expected one 2s sleep, got %v", sleeps)
	}
}

func TestDo_RetryAfterCappedByMaxWait(t *testing.T) {
	var callCount atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if callCount.Add(1) == 1 {
			w.Header().Set("Retry-After", "3600")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	var sleeps []time.Duration
	client := NewBaseClient(nil, "test-retry-cap",
		RetryPolicy{MaxRetries: 1, MinWait: time.Millisecond, MaxWait: 5 * time.Second},
		WithSleepFunc(func(d time.Duration) { sleeps = append(sleeps, d) }),
	)

	resp, err := client.Do(mustRequest(t, context.Background(), http.MethodGet, server.URL, nil))
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	resp.Body.Close()

	if len(sleeps) != 1 || sleeps[0] != 5*time.Second {
		t.Errorf("expected sleep capped at 5s, got %v", sleeps)
	}
}

func TestDo_StopsOnContextCancel(t *testing.T) {
	var callCount atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount.Add(1)
		cancel()
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := newTestClient(t, fastPolicy(5)).Do(mustRequest(t, ctx, http.MethodGet, server.URL, nil))
	if err == nil {
		t.Fatal("expected error")
	}
	if calls := callCount.Load(); calls != 1 {
		t.Errorf("expected retries to stop after cancellation, got %d calls", calls)
	}
}

func TestDo_NetworkErrorMapsToAppError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	serverURL := server.URL
	server.Close()

	_, err := newTestClient(t, fastPolicy(1), WithUpstreamCode(types.ErrCodeUpstreamAirtable)).
		Do(mustRequest(t, context.Background(), http.MethodGet, serverURL, nil))
	if !types.IsCode(err, types.ErrCodeUpstreamAirtable) {
		t.Fatalf("expected %s, got %v", types.ErrCodeUpstreamAirtable, err)
	}
}

func TestDo_PostBodyPreservedAcrossRetries(t *testing.T) {
	var callCount atomic.Int32
	var bodies []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(b))
		if callCount.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	body := `{"key":"value"}`
	resp, err := newTestClient(t, fastPolicy(2)).Do(mustRequest(t, context.Background(), http.MethodPost, server.URL, strings.NewReader(body)))
	if err != nil {
		t.Fatalf("expected success after retry, got error: %v", err)
	}
	resp.Body.Close()

	if len(bodies) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(bodies))
	}
	for i, b := range bodies {
		if b != body {
			t.Errorf("attempt %d: expected body %q, got %q", i, body, b)
		}
	}
}

func TestComputeBackoff_WithinBounds(t *testing.T) {
	client := &BaseClient{retryPolicy: RetryPolicy{
		MaxRetries: 5,
		MinWait:    100 * time.Millisecond,
		MaxWait:    10 * time.Second,
	}}

	for attempt := 0; attempt < 5; attempt++ {
		backoff := client.computeBackoff(attempt, nil)
		if backoff < client.retryPolicy.MinWait || backoff > client.retryPolicy.MaxWait {
			t.Errorf("attempt %d: backoff %v outside [%v, %v]", attempt, backoff,
				client.retryPolicy.MinWait, client.retryPolicy.MaxWait)
		}
	}
}

func TestMapError_DefaultsToUpstreamUnavailable(t *testing.T) {
	client := NewBaseClient(nil, "map", NoRetryPolicy())

	appErr := client.mapError(&http.Response{StatusCode: http.StatusInternalServerError}, fmt.Errorf("upstream returned 500"))
	if appErr.Code != types.ErrCodeUpstreamUnavailable {
		t.Errorf("expected %s, got %s", types.ErrCodeUpstreamUnavailable, appErr.Code)
	}
}

func TestWrapError_KeepsCode(t *testing.T) {
	inner := types.NewAppError(types.ErrCodeUpstreamRateLimited, "upstream rate limit exceeded", nil)

	err := wrapError("Bag", "getIdentity", types.ErrCodeUpstreamBag, inner)
	if !types.IsCode(err, types.ErrCodeUpstreamRateLimited) {
		t.Errorf("expected code preserved, got %v", err)
	}
	if !strings.Contains(err.Error(), "Bag getIdentity") {
		t.Errorf("expected provider prefix, got %v", err)
	}

	err = wrapError("Bag", "getIdentity", types.ErrCodeUpstreamBag, errors.New("boom"))
	if !types.IsCode(err, types.ErrCodeUpstreamBag) {
		t.Errorf("expected fallback code, got %v", err)
	}
}
