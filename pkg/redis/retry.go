package redis

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gidigo/ride-coordinator/pkg/resilience"
	"github.com/redis/go-redis/v9"
)

// RetryConfig is the retry policy for single Redis commands.
func RetryConfig() resilience.RetryConfig {
	config := resilience.DefaultRetryConfig()
	config.MaxAttempts = 3
	config.InitialBackoff = 50 * time.Millisecond
	config.MaxBackoff = time.Second
	config.RetryableChecker = IsRetryable
	return config
}

// RetryableOperation executes a Redis operation with retry logic for transient failures
func RetryableOperation[T any](ctx context.Context, operation func(context.Context) (T, error), operationName string) (T, error) {
	return resilience.Retry(ctx, RetryConfig(), operationName, operation)
}

// IsRetryable determines if a Redis error should be retried
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	// A missing key is an answer, not a failure.
	if errors.Is(err, redis.Nil) {
		return false
	}

	errMsg := strings.ToLower(err.Error())

	for _, msg := range []string{
		"wrongtype",
		"err syntax",
		"err invalid",
		"noauth",
		"wrongpass",
		"noperm",
		"err unknown",
	} {
		if strings.Contains(errMsg, msg) {
			return false
		}
	}

	for _, msg := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"i/o timeout",
		"pool timeout",
		"server closed",
		"unexpected eof",
		"loading",
		"busy",
		"tryagain",
	} {
		if strings.Contains(errMsg, msg) {
			return true
		}
	}

	return true
}
