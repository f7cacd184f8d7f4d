package errors

import (
	"context"
	stderrors "errors"
	"net/http"
	"testing"

	"github.com/gidigo/ride-coordinator/pkg/common"
	"github.com/stretchr/testify/assert"
)

func TestInitSentry_RequiresDSN(t *testing.T) {
	err := InitSentry(&SentryConfig{})
	assert.ErrorIs(t, err, ErrSentryDisabled)
}

func TestDefaultSentryConfig(t *testing.T) {
	t.Setenv("SENTRY_DSN", "")
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("SENTRY_SAMPLE_RATE", "0.5")
	t.Setenv("SENTRY_TRACES_SAMPLE_RATE", "")

	cfg := DefaultSentryConfig("coordinator")
	assert.Equal(t, "coordinator", cfg.ServerName)
	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, 0.5, cfg.SampleRate)
	assert.Equal(t, 0.1, cfg.TracesSampleRate)
	assert.True(t, cfg.AttachStacktrace)
}

func TestGetRate_InvalidFallsBack(t *testing.T) {
	t.Setenv("SENTRY_SAMPLE_RATE", "lots")
	assert.Equal(t, 1.0, getRate("SENTRY_SAMPLE_RATE", 1.0))
}

func TestIsBusinessError(t *testing.T) {
	assert.False(t, IsBusinessError(nil))
	assert.True(t, IsBusinessError(common.NewNotFoundError("receipt not found", nil)))
	assert.True(t, IsBusinessError(stderrors.New("Validation failed: status")))
	assert.False(t, IsBusinessError(common.NewInternalServerError("boom")))
	assert.False(t, IsBusinessError(stderrors.New("redis: connection refused")))
}

func TestShouldReportError(t *testing.T) {
	fault := stderrors.New("publish ride-completed: retries exhausted")

	assert.False(t, ShouldReportError(nil, http.StatusInternalServerError))
	assert.True(t, ShouldReportError(fault, http.StatusInternalServerError))
	assert.True(t, ShouldReportError(fault, http.StatusTooManyRequests))
	assert.False(t, ShouldReportError(fault, http.StatusBadRequest))
	assert.False(t, ShouldReportError(common.NewUnauthorizedError("unauthorized"), http.StatusUnauthorized))
}

func TestCaptureErrorWithContext_NilError(t *testing.T) {
	assert.Nil(t, CaptureErrorWithContext(context.Background(), nil, nil))
	assert.Nil(t, CaptureError(nil))
}
