package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gidigo/ride-coordinator/pkg/common"
	"github.com/gidigo/ride-coordinator/pkg/logger"
	"github.com/gin-gonic/gin"
)

// ErrSentryDisabled is returned by InitSentry when no DSN is configured.
var ErrSentryDisabled = stderrors.New("sentry DSN is not configured")

// SentryConfig holds configuration for Sentry integration
type SentryConfig struct {
	DSN              string
	Environment      string
	Release          string
	SampleRate       float64
	TracesSampleRate float64
	Debug            bool
	EnableTracing    bool
	ServerName       string
	AttachStacktrace bool
}

// DefaultSentryConfig returns a Sentry configuration read from the environment
func DefaultSentryConfig(serviceName string) *SentryConfig {
	return &SentryConfig{
		DSN:              os.Getenv("SENTRY_DSN"),
		Environment:      getEnvironment(),
		Release:          os.Getenv("SENTRY_RELEASE"),
		SampleRate:       getRate("SENTRY_SAMPLE_RATE", 1.0),
		TracesSampleRate: getTracesSampleRate(),
		Debug:            os.Getenv("SENTRY_DEBUG") == "true",
		EnableTracing:    os.Getenv("SENTRY_ENABLE_TRACING") != "false", // enabled by default
		ServerName:       serviceName,
		AttachStacktrace: true,
	}
}

// InitSentry initializes the Sentry SDK with the given configuration
func InitSentry(config *SentryConfig) error {
	if config.DSN == "" {
		return ErrSentryDisabled
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              config.DSN,
		Environment:      config.Environment,
		Release:          config.Release,
		SampleRate:       config.SampleRate,
		TracesSampleRate: config.TracesSampleRate,
		Debug:            config.Debug,
		EnableTracing:    config.EnableTracing,
		ServerName:       config.ServerName,
		AttachStacktrace: config.AttachStacktrace,
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			if event.Level == sentry.LevelInfo || event.Level == sentry.LevelDebug {
				return nil
			}
			return event
		},
		BeforeBreadcrumb: func(breadcrumb *sentry.Breadcrumb, _ *sentry.BreadcrumbHint) *sentry.Breadcrumb {
			if breadcrumb.Category == "http" && breadcrumb.Data != nil {
				delete(breadcrumb.Data, "Authorization")
				delete(breadcrumb.Data, "Cookie")
			}
			return breadcrumb
		},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize sentry: %w", err)
	}

	return nil
}

// Flush flushes the Sentry buffer
func Flush(timeout time.Duration) bool {
	return sentry.Flush(timeout)
}

// CaptureError captures an error and sends it to Sentry
func CaptureError(err error) *sentry.EventID {
	if err == nil {
		return nil
	}
	return sentry.CaptureException(err)
}

// CaptureErrorWithContext captures err tagged with the session, ride and
// correlation ids carried by ctx.
func CaptureErrorWithContext(ctx context.Context, err error, extras map[string]interface{}) *sentry.EventID {
	if err == nil {
		return nil
	}

	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub().Clone()
	}

	var eventID *sentry.EventID
	hub.WithScope(func(scope *sentry.Scope) {
		for key, value := range extras {
			scope.SetExtra(key, value)
		}
		if ginCtx, ok := ctx.(*gin.Context); ok {
			addGinContextToScope(scope, ginCtx)
		}
		if id := logger.CorrelationIDFromContext(ctx); id != "" {
			scope.SetTag("correlation_id", id)
		}
		if id := logger.SessionIDFromContext(ctx); id != "" {
			scope.SetTag("session_id", id)
		}
		if id := logger.RideIDFromContext(ctx); id != "" {
			scope.SetTag("ride_id", id)
		}
		eventID = hub.CaptureException(err)
	})
	return eventID
}

// AddBreadcrumbForRequest adds a breadcrumb for HTTP request
func AddBreadcrumbForRequest(method, url string, statusCode int, duration time.Duration) {
	sentry.AddBreadcrumb(&sentry.Breadcrumb{
		Type:      "http",
		Category:  "http.request",
		Level:     sentry.LevelInfo,
		Message:   fmt.Sprintf("%s %s", method, url),
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"method":      method,
			"url":         url,
			"status_code": statusCode,
			"duration_ms": duration.Milliseconds(),
		},
	})
}

// IsBusinessError reports errors that are expected outcomes rather than faults.
func IsBusinessError(err error) bool {
	if err == nil {
		return false
	}

	if appErr, ok := common.AsAppError(err); ok && appErr.Code < http.StatusInternalServerError {
		return true
	}

	businessErrors := []string{
		"validation failed",
		"invalid input",
		"unauthorized",
		"forbidden",
		"not found",
		"conflict",
		"bad request",
	}

	errMsg := strings.ToLower(err.Error())
	for _, businessErr := range businessErrors {
		if strings.Contains(errMsg, businessErr) {
			return true
		}
	}

	return false
}

// ShouldReportError determines if an error should be reported to Sentry
func ShouldReportError(err error, statusCode int) bool {
	if err == nil {
		return false
	}
	if IsBusinessError(err) {
		return false
	}
	// client errors other than rate limiting are not faults
	if statusCode >= 400 && statusCode < 500 && statusCode != http.StatusTooManyRequests {
		return false
	}
	return true
}

func getEnvironment() string {
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = os.Getenv("SENTRY_ENVIRONMENT")
	}
	if env == "" {
		env = "development"
	}
	return env
}

func getRate(key string, fallback float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	var rate float64
	if _, err := fmt.Sscanf(raw, "%f", &rate); err != nil {
		return fallback
	}
	return rate
}

func getTracesSampleRate() float64 {
	fallback := 1.0
	if getEnvironment() == "production" {
		fallback = 0.1
	}
	return getRate("SENTRY_TRACES_SAMPLE_RATE", fallback)
}

func addGinContextToScope(scope *sentry.Scope, c *gin.Context) {
	scope.SetRequest(c.Request)

	if userID, exists := c.Get("user_id"); exists {
		scope.SetUser(sentry.User{
			ID: fmt.Sprintf("%v", userID),
		})
	}

	scope.SetContext("http", map[string]interface{}{
		"method":      c.Request.Method,
		"url":         c.Request.URL.Path,
		"remote_addr": c.ClientIP(),
		"user_agent":  c.Request.UserAgent(),
	})
}
