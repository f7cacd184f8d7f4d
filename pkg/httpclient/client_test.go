package httpclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gidigo/ride-coordinator/pkg/logger"
	"github.com/gidigo/ride-coordinator/pkg/middleware"
	"github.com/gidigo/ride-coordinator/pkg/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTokens struct {
	token      string
	refreshed  string
	refreshErr error
	refreshes  int
}

func (f *fakeTokens) Token(context.Context) (string, error) {
	return f.token, nil
}

func (f *fakeTokens) Refresh(context.Context) (string, error) {
	f.refreshes++
	if f.refreshErr != nil {
		return "", f.refreshErr
	}
	f.token = f.refreshed
	return f.refreshed, nil
}

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
}

// ---- bearer auth ----

func TestClient_SendsBearerAndCorrelationID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer access-1", r.Header.Get("Authorization"))
		assert.Equal(t, "corr-1", r.Header.Get(middleware.CorrelationIDHeader))
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Second, WithTokenSource(&fakeTokens{token: "access-1"}))
	ctx := logger.ContextWithCorrelationID(context.Background(), "corr-1")

	body, err := client.Get(ctx, "/rides", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(body))
}

func TestClient_RefreshesOnceThenRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tokens := &fakeTokens{token: "stale", refreshed: "fresh"}
	expired := false
	client := NewClient(srv.URL, time.Second,
		WithTokenSource(tokens),
		OnSessionExpired(func(context.Context) { expired = true }),
	)

	_, err := client.Post(context.Background(), "/dispatch/accept", map[string]string{"ride_id": "r1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, tokens.refreshes)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.False(t, expired)
}

func TestClient_SecondUnauthorizedIsReturned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tokens := &fakeTokens{token: "stale", refreshed: "also-stale"}
	client := NewClient(srv.URL, time.Second, WithTokenSource(tokens), WithRetry(fastRetry()))

	_, err := client.Get(context.Background(), "/me", nil)
	require.Error(t, err)

	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusUnauthorized, httpErr.StatusCode)
	assert.Equal(t, 1, tokens.refreshes, "401 is not retried beyond the single refresh")
}

func TestClient_RefreshFailureExpiresSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tokens := &fakeTokens{token: "stale", refreshErr: errors.New("refresh token revoked")}
	expiredCalls := 0
	client := NewClient(srv.URL, time.Second,
		WithTokenSource(tokens),
		WithRetry(fastRetry()),
		OnSessionExpired(func(context.Context) { expiredCalls++ }),
	)

	_, err := client.Get(context.Background(), "/me", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.Equal(t, 1, expiredCalls)
	assert.Equal(t, 1, tokens.refreshes)
}

func TestClient_WithoutTokenSourceUnauthorizedIsPlain(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, time.Second).Get(context.Background(), "/", nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrSessionExpired)
}

// ---- retry ----

func TestClient_RetriesTransientStatus(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("done"))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Second, WithRetry(fastRetry()))
	body, err := client.Get(context.Background(), "/", nil)
	require.NoError(t, err)
	assert.Equal(t, "done", string(body))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestClient_DoesNotRetryClientError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Second, WithRetry(fastRetry()))
	_, err := client.Post(context.Background(), "/", nil, nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestClient_PostWithIdempotencyGeneratesKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("Idempotency-Key"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	headers := map[string]string{"X-Source": "test"}
	_, err := NewClient(srv.URL, time.Second).PostWithIdempotency(context.Background(), "/", struct{}{}, headers, "")
	require.NoError(t, err)
	assert.NotContains(t, headers, "Idempotency-Key")
}

func TestIsHTTPRetryable(t *testing.T) {
	assert.False(t, isHTTPRetryable(nil))
	assert.False(t, isHTTPRetryable(ErrSessionExpired))
	assert.False(t, isHTTPRetryable(&HTTPError{StatusCode: http.StatusBadRequest}))
	assert.True(t, isHTTPRetryable(&HTTPError{StatusCode: http.StatusBadGateway}))
	assert.True(t, isHTTPRetryable(errors.New("connection refused")))
}
