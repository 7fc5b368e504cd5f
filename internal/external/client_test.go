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

	"routeready/internal/types"
)

// noopSleep is a sleep function that does nothing, for fast tests.
func noopSleep(time.Duration) {}

// newTestClient creates a Client with a fresh breaker and no real sleep
// between retries.
func newTestClient(t *testing.T, policy RetryPolicy) *Client {
	t.Helper()
	return NewClient(
		&http.Client{Timeout: 5 * time.Second},
		"test-breaker",
		policy,
		"RouteReady-Test/1.0",
		WithSleepFunc(noopSleep),
	)
}

func fastPolicy(maxRetries int) RetryPolicy {
	return RetryPolicy{
		MaxRetries: maxRetries,
		MinWait:    10 * time.Millisecond,
		MaxWait:    100 * time.Millisecond,
	}
}

func TestDo_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer server.Close()

	client := newTestClient(t, DefaultRetryPolicy())

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL+"/test", nil)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}

	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"status":"ok"}` {
		t.Errorf("unexpected body: %s", body)
	}
}

func TestDo_InjectsRequestIDAndUserAgent(t *testing.T) {
	var receivedReqID, receivedUA string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedReqID = r.Header.Get("X-Request-Id")
		receivedUA = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := newTestClient(t, DefaultRetryPolicy())

	ctx := types.WithRequestID(context.Background(), "req_abc_123")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/test", nil)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	resp.Body.Close()

	if receivedReqID != "req_abc_123" {
		t.Errorf("expected request ID 'req_abc_123', got '%s'", receivedReqID)
	}
	if receivedUA != "RouteReady-Test/1.0" {
		t.Errorf("expected User-Agent 'RouteReady-Test/1.0', got '%s'", receivedUA)
	}
}

func TestDo_RetriesOn500(t *testing.T) {
	var callCount atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count := callCount.Add(1)
		if count <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("success"))
	}))
	defer server.Close()

	client := newTestClient(t, fastPolicy(3))

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL+"/test", nil)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("expected success after retries, got error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}

	if calls := callCount.Load(); calls != 3 {
		t.Errorf("expected 3 calls (2 failures + 1 success), got %d", calls)
	}
}

func TestDo_4xxNotRetried(t *testing.T) {
	var callCount atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("bad request"))
	}))
	defer server.Close()

	client := newTestClient(t, fastPolicy(3))

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL+"/test", nil)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("expected no error for 400, got: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", resp.StatusCode)
	}

	// 4xx (except 429) is a caller problem; retrying cannot fix it.
	if calls := callCount.Load(); calls != 1 {
		t.Errorf("expected exactly 1 call for 4xx, got %d", calls)
	}
}

func TestDo_ExhaustedRetriesOn500ReturnsUpstreamUnavailable(t *testing.T) {
	var callCount atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestClient(t, fastPolicy(2))

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL+"/test", nil)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}

	resp, err := client.Do(req)
	if resp != nil {
		t.Error("expected nil response on exhausted retries")
	}
	if err == nil {
		t.Fatal("expected error on exhausted retries, got nil")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *types.AppError, got %T: %v", err, err)
	}
	if appErr.Code != types.ErrCodeUpstreamUnavailable {
		t.Errorf("expected error code %s, got %s", types.ErrCodeUpstreamUnavailable, appErr.Code)
	}

	if calls := callCount.Load(); calls != 3 {
		t.Errorf("expected 3 total attempts (1 + 2 retries), got %d", calls)
	}
}

func TestDo_ExhaustedRetriesOn429ReturnsRateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := newTestClient(t, fastPolicy(1))

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL+"/test", nil)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}

	resp, err := client.Do(req)
	if resp != nil {
		t.Error("expected nil response on exhausted 429 retries")
	}
	if err == nil {
		t.Fatal("expected error on exhausted 429 retries, got nil")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *types.AppError, got %T: %v", err, err)
	}
	if appErr.Code != types.ErrCodeUpstreamRateLimit {
		t.Errorf("expected error code %s, got %s", types.ErrCodeUpstreamRateLimit, appErr.Code)
	}
}

func TestDo_RespectsRetryAfterSeconds(t *testing.T) {
	var callCount atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count := callCount.Add(1)
		if count == 1 {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	var sleeps []time.Duration
	client := NewClient(
		&http.Client{Timeout: 5 * time.Second},
		"test-retry-after-seconds",
		RetryPolicy{MaxRetries: 1, MinWait: 100 * time.Millisecond, MaxWait: 10 * time.Second},
		"RouteReady-Test/1.0",
		WithSleepFunc(func(d time.Duration) { sleeps = append(sleeps, d) }),
	)

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL+"/test", nil)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	resp.Body.Close()

	if len(sleeps) != 1 {
		t.Fatalf("expected 1 sleep call, got %d", len(sleeps))
	}
	if sleeps[0] != 2*time.Second {
		t.Errorf("expected sleep of 2s from Retry-After, got %v", sleeps[0])
	}
}

func TestDo_RespectsRetryAfterDate(t *testing.T) {
	var callCount atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count := callCount.Add(1)
		if count == 1 {
			w.Header().Set("Retry-After", time.Now().Add(3*time.Second).UTC().Format(http.TimeFormat))
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	var sleeps []time.Duration
	client := NewClient(
		&http.Client{Timeout: 5 * time.Second},
		"test-retry-after-date",
		RetryPolicy{MaxRetries: 1, MinWait: 100 * time.Millisecond, MaxWait: 10 * time.Second},
		"RouteReady-Test/1.0",
		WithSleepFunc(func(d time.Duration) { sleeps = append(sleeps, d) }),
	)

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL+"/test", nil)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	resp.Body.Close()

	if len(sleeps) != 1 {
		t.Fatalf("expected 1 sleep call, got %d", len(sleeps))
	}
	// The HTTP-date form has one-second granularity; the computed wait is
	// time.Until(date), so allow for clock progress between response and
	// backoff computation.
	if sleeps[0] <= 1*time.Second || sleeps[0] > 3*time.Second {
		t.Errorf("expected sleep close to 3s from HTTP-date Retry-After, got %v", sleeps[0])
	}
}

func TestDo_RetryAfterDateInPastUsesMinWait(t *testing.T) {
	var callCount atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count := callCount.Add(1)
		if count == 1 {
			w.Header().Set("Retry-After", time.Now().Add(-1*time.Minute).UTC().Format(http.TimeFormat))
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	var sleeps []time.Duration
	client := NewClient(
		&http.Client{Timeout: 5 * time.Second},
		"test-retry-after-past",
		RetryPolicy{MaxRetries: 1, MinWait: 100 * time.Millisecond, MaxWait: 10 * time.Second},
		"RouteReady-Test/1.0",
		WithSleepFunc(func(d time.Duration) { sleeps = append(sleeps, d) }),
	)

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL+"/test", nil)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	resp.Body.Close()

	if len(sleeps) != 1 {
		t.Fatalf("expected 1 sleep call, got %d", len(sleeps))
	}
	if sleeps[0] != 100*time.Millisecond {
		t.Errorf("expected MinWait sleep for a stale Retry-After date, got %v", sleeps[0])
	}
}

func TestDo_RetryAfterCappedByMaxWait(t *testing.T) {
	var callCount atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count := callCount.Add(1)
		if count == 1 {
			w.Header().Set("Retry-After", "3600") // 1 hour
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	var sleeps []time.Duration
	client := NewClient(
		&http.Client{Timeout: 5 * time.Second},
		"test-retry-after-capped",
		RetryPolicy{MaxRetries: 1, MinWait: 100 * time.Millisecond, MaxWait: 5 * time.Second},
		"RouteReady-Test/1.0",
		WithSleepFunc(func(d time.Duration) { sleeps = append(sleeps, d) }),
	)

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL+"/test", nil)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	resp.Body.Close()

	if len(sleeps) != 1 {
		t.Fatalf("expected 1 sleep, got %d", len(sleeps))
	}
	if sleeps[0] != 5*time.Second {
		t.Errorf("expected sleep capped at 5s, got %v", sleeps[0])
	}
}

func TestDo_OpenBreakerShortCircuits(t *testing.T) {
	var callCount atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	// No retries, so each Do() is exactly one attempt. The breaker opens
	// after more than 5 consecutive failures.
	client := newTestClient(t, fastPolicy(0))

	for i := 0; i < 6; i++ {
		req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL+"/test", nil)
		_, _ = client.Do(req)
	}
	serverCallsBefore := callCount.Load()

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL+"/test", nil)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}

	resp, err := client.Do(req)
	if resp != nil {
		resp.Body.Close()
		t.Error("expected nil response when circuit breaker is open")
	}
	if err == nil {
		t.Fatal("expected error when circuit breaker is open, got nil")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *types.AppError, got %T: %v", err, err)
	}
	if appErr.Code != types.ErrCodeUpstreamRateLimit {
		t.Errorf("expected error code %s, got %s", types.ErrCodeUpstreamRateLimit, appErr.Code)
	}

	if serverCallsAfter := callCount.Load(); serverCallsAfter != serverCallsBefore {
		t.Errorf("expected no additional server calls when breaker is open, got %d more",
			serverCallsAfter-serverCallsBefore)
	}
}

func TestDo_PostBodyPreservedAcrossRetries(t *testing.T) {
	var callCount atomic.Int32
	var receivedBodies []string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		receivedBodies = append(receivedBodies, string(body))

		count := callCount.Add(1)
		if count <= 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := newTestClient(t, fastPolicy(2))

	body := `{"origin":"10001","destination":"90210"}`
	req, err := http.NewRequestWithContext(
		context.Background(),
		http.MethodPost,
		server.URL+"/test",
		strings.NewReader(body),
	)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("expected success after retry, got error: %v", err)
	}
	resp.Body.Close()

	if len(receivedBodies) != 2 {
		t.Fatalf("expected 2 requests (1 failure + 1 success), got %d", len(receivedBodies))
	}
	for i, rb := range receivedBodies {
		if rb != body {
			t.Errorf("attempt %d: expected body %q, got %q", i, body, rb)
		}
	}
}

func TestDo_NetworkErrorMapsToAppError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	serverURL := server.URL
	server.Close() // close immediately so connections fail

	client := newTestClient(t, fastPolicy(1))

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, serverURL+"/test", nil)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}

	resp, err := client.Do(req)
	if resp != nil {
		resp.Body.Close()
		t.Error("expected nil response for network error")
	}
	if err == nil {
		t.Fatal("expected error for network error, got nil")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *types.AppError, got %T: %v", err, err)
	}
	if appErr.Code != types.ErrCodeUpstreamUnavailable {
		t.Errorf("expected error code %s, got %s", types.ErrCodeUpstreamUnavailable, appErr.Code)
	}
}

func TestComputeBackoff_StaysWithinPolicyBounds(t *testing.T) {
	client := &Client{
		retryPolicy: RetryPolicy{
			MaxRetries: 5,
			MinWait:    100 * time.Millisecond,
			MaxWait:    10 * time.Second,
		},
	}

	// Jitter makes exact values unpredictable; check bounds only.
	for attempt := 0; attempt < 5; attempt++ {
		backoff := client.computeBackoff(attempt, nil)
		if backoff < client.retryPolicy.MinWait {
			t.Errorf("attempt %d: backoff %v < MinWait %v", attempt, backoff, client.retryPolicy.MinWait)
		}
		if backoff > client.retryPolicy.MaxWait {
			t.Errorf("attempt %d: backoff %v > MaxWait %v", attempt, backoff, client.retryPolicy.MaxWait)
		}
	}
}

func TestMapError_CircuitBreakerStates(t *testing.T) {
	client := &Client{}

	for _, breakerErr := range []error{gobreaker.ErrOpenState, gobreaker.ErrTooManyRequests} {
		appErr := client.mapError(nil, breakerErr)
		if appErr.Code != types.ErrCodeUpstreamRateLimit {
			t.Errorf("%v: expected %s, got %s", breakerErr, types.ErrCodeUpstreamRateLimit, appErr.Code)
		}
	}

	appErr := client.mapError(nil, gobreaker.ErrOpenState)
	if !strings.Contains(appErr.Message, "circuit breaker") {
		t.Errorf("expected message to mention circuit breaker, got: %s", appErr.Message)
	}
}

func TestMapError_500ReturnsUpstreamUnavailable(t *testing.T) {
	client := &Client{}

	resp := &http.Response{StatusCode: http.StatusInternalServerError}
	appErr := client.mapError(resp, fmt.Errorf("upstream returned 500"))
	if appErr.Code != types.ErrCodeUpstreamUnavailable {
		t.Errorf("expected %s, got %s", types.ErrCodeUpstreamUnavailable, appErr.Code)
	}
}
