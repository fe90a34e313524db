package httputil

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type fakeTransport struct {
	handle func(req *http.Request) (*http.Response, error)
}

func (f *fakeTransport) Do(req *http.Request) (*http.Response, error) {
	return f.handle(req)
}

func plainResponse(status int) *http.Response {
	return &http.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader(""))}
}

var fastConfig = RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 1}

func TestDoSucceedsOnFirstAttemptWithoutRetry(t *testing.T) {
	var calls atomic.Int32
	transport := &fakeTransport{handle: func(req *http.Request) (*http.Response, error) {
		calls.Add(1)
		return plainResponse(200), nil
	}}

	resp, err := Do(context.Background(), transport, http.MethodPost, "https://api.test/x", []byte("body"), nil, fastConfig)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestDoRetriesRetryableStatusThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	transport := &fakeTransport{handle: func(req *http.Request) (*http.Response, error) {
		n := calls.Add(1)
		if n < 3 {
			return plainResponse(http.StatusServiceUnavailable), nil
		}
		return plainResponse(200), nil
	}}

	resp, err := Do(context.Background(), transport, http.MethodPost, "https://api.test/x", []byte("body"), nil, fastConfig)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
}

func TestDoReturnsNonRetryableStatusImmediately(t *testing.T) {
	var calls atomic.Int32
	transport := &fakeTransport{handle: func(req *http.Request) (*http.Response, error) {
		calls.Add(1)
		return plainResponse(http.StatusBadRequest), nil
	}}

	resp, err := Do(context.Background(), transport, http.MethodPost, "https://api.test/x", []byte("body"), nil, fastConfig)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1 (400 is not retryable)", calls.Load())
	}
}

func TestDoGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	transport := &fakeTransport{handle: func(req *http.Request) (*http.Response, error) {
		calls.Add(1)
		return plainResponse(http.StatusServiceUnavailable), nil
	}}

	_, err := Do(context.Background(), transport, http.MethodPost, "https://api.test/x", []byte("body"), nil, fastConfig)
	if err == nil {
		t.Fatal("expected an error once retries are exhausted")
	}
	if calls.Load() != int32(fastConfig.MaxRetries+1) {
		t.Fatalf("calls = %d, want %d", calls.Load(), fastConfig.MaxRetries+1)
	}
}

func TestDoHonorsContextCancellationDuringBackoff(t *testing.T) {
	var calls atomic.Int32
	transport := &fakeTransport{handle: func(req *http.Request) (*http.Response, error) {
		calls.Add(1)
		return plainResponse(http.StatusServiceUnavailable), nil
	}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := RetryConfig{MaxRetries: 5, InitialDelay: time.Hour, MaxDelay: time.Hour, BackoffFactor: 1}
	_, err := Do(ctx, transport, http.MethodPost, "https://api.test/x", []byte("body"), nil, cfg)
	if err == nil {
		t.Fatal("expected context cancellation error")
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1 (cancellation must stop before a second attempt)", calls.Load())
	}
}
