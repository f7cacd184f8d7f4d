package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gidigo/ride-coordinator/pkg/common"
	"github.com/gidigo/ride-coordinator/pkg/logger"
	"github.com/gidigo/ride-coordinator/pkg/middleware"
	"github.com/gidigo/ride-coordinator/pkg/resilience"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrSessionExpired is returned when a 401 could not be recovered by a token
// refresh. The caller's session is over.
var ErrSessionExpired = common.ErrSessionExpired

// TokenSource supplies bearer tokens and renews them after a 401.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// SessionExpiredFunc is invoked once per failed refresh.
type SessionExpiredFunc func(ctx context.Context)

// Client wraps http.Client with convenience methods and retry support
type Client struct {
	httpClient  *http.Client
	baseURL     string
	retryConfig *resilience.RetryConfig
	breaker     *resilience.CircuitBreaker
	tokens      TokenSource
	onExpired   SessionExpiredFunc

	refreshMu sync.Mutex
}

// Option configures the HTTP client
type Option func(*Client)

// WithRetry enables retry logic with the given configuration
func WithRetry(config resilience.RetryConfig) Option {
	if config.RetryableChecker == nil {
		config.RetryableChecker = isHTTPRetryable
	}
	return func(c *Client) {
		c.retryConfig = &config
	}
}

// WithDefaultRetry enables default retry configuration
func WithDefaultRetry() Option {
	return WithRetry(resilience.DefaultRetryConfig())
}

// WithCircuitBreaker routes every request through breaker.
func WithCircuitBreaker(breaker *resilience.CircuitBreaker) Option {
	return func(c *Client) {
		c.breaker = breaker
	}
}

// WithTokenSource adds bearer auth with one refresh-then-retry on 401.
func WithTokenSource(tokens TokenSource) Option {
	return func(c *Client) {
		c.tokens = tokens
	}
}

// OnSessionExpired registers the hook run when a refresh fails.
func OnSessionExpired(fn SessionExpiredFunc) Option {
	return func(c *Client) {
		c.onExpired = fn
	}
}

// NewClient creates a new HTTP client
func NewClient(baseURL string, timeout time.Duration, opts ...Option) *Client {
	client := &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL: baseURL,
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

// Post makes a POST request with JSON body
func (c *Client) Post(ctx context.Context, path string, body interface{}, headers map[string]string) ([]byte, error) {
	return c.Do(ctx, http.MethodPost, path, body, headers)
}

// PostWithIdempotency makes a POST request with an idempotency key for safe retries
func (c *Client) PostWithIdempotency(ctx context.Context, path string, body interface{}, headers map[string]string, idempotencyKey string) ([]byte, error) {
	merged := make(map[string]string, len(headers)+1)
	for k, v := range headers {
		merged[k] = v
	}
	if idempotencyKey == "" {
		idempotencyKey = uuid.New().String()
	}
	merged["Idempotency-Key"] = idempotencyKey

	return c.Post(ctx, path, body, merged)
}

// Get makes a GET request
func (c *Client) Get(ctx context.Context, path string, headers map[string]string) ([]byte, error) {
	return c.Do(ctx, http.MethodGet, path, nil, headers)
}

// Do sends a request, applying retry and circuit breaking when configured.
func (c *Client) Do(ctx context.Context, method, path string, body interface{}, headers map[string]string) ([]byte, error) {
	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		payload = data
	}

	attempt := func(ctx context.Context) ([]byte, error) {
		if c.breaker == nil {
			return c.doAuthorized(ctx, method, path, payload, headers)
		}
		result, err := c.breaker.Execute(ctx, func(ctx context.Context) (interface{}, error) {
			return c.doAuthorized(ctx, method, path, payload, headers)
		})
		if err != nil {
			return nil, err
		}
		data, _ := result.([]byte)
		return data, nil
	}

	if c.retryConfig == nil {
		return attempt(ctx)
	}
	return resilience.Retry(ctx, *c.retryConfig, "http."+method+" "+path, attempt)
}

// doAuthorized performs one request and, on 401, exactly one refresh followed
// by one retry.
func (c *Client) doAuthorized(ctx context.Context, method, path string, payload []byte, headers map[string]string) ([]byte, error) {
	token, err := c.currentToken(ctx)
	if err != nil {
		return nil, resilience.Permanent(err)
	}

	body, err := c.do(ctx, method, path, payload, headers, token)
	if c.tokens == nil || !isUnauthorized(err) {
		return body, err
	}

	token, refreshErr := c.refresh(ctx)
	if refreshErr != nil {
		logger.WarnContext(ctx, "token refresh failed, ending session",
			zap.String("path", path),
			zap.Error(refreshErr),
		)
		if c.onExpired != nil {
			c.onExpired(ctx)
		}
		return nil, resilience.Permanent(fmt.Errorf("%w: %v", ErrSessionExpired, refreshErr))
	}

	return c.do(ctx, method, path, payload, headers, token)
}

func (c *Client) currentToken(ctx context.Context) (string, error) {
	if c.tokens == nil {
		return "", nil
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSessionExpired, err)
	}
	return token, nil
}

// refresh serializes refreshes so concurrent 401s renew the token once each
// in turn rather than racing on the refresh token.
func (c *Client) refresh(ctx context.Context) (string, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	return c.tokens.Refresh(ctx)
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte, headers map[string]string, token string) ([]byte, error) {
	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	injectCorrelationID(ctx, req)
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Body:       string(respBody),
		}
	}

	return respBody, nil
}

// HTTPError represents an HTTP error response
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

func isUnauthorized(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusUnauthorized
}

// isHTTPRetryable determines if an HTTP error is retryable
func isHTTPRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSessionExpired) || errors.Is(err, resilience.ErrCircuitOpen) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return resilience.IsRetryableHTTPStatus(httpErr.StatusCode)
	}

	// network issues and timeouts
	return true
}

func injectCorrelationID(ctx context.Context, req *http.Request) {
	if ctx == nil || req == nil {
		return
	}

	if correlationID := logger.CorrelationIDFromContext(ctx); correlationID != "" {
		req.Header.Set(middleware.CorrelationIDHeader, correlationID)
	}
}
