package middleware

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	sentrygin "github.com/getsentry/sentry-go/gin"
	"github.com/gidigo/ride-coordinator/pkg/errors"
	"github.com/gin-gonic/gin"
)

// SentryMiddleware attaches a Sentry hub to every request and reports panics
// before re-raising them to gin's recovery.
func SentryMiddleware() gin.HandlerFunc {
	return sentrygin.New(sentrygin.Options{
		Repanic:         true,
		WaitForDelivery: false,
		Timeout:         2 * time.Second,
	})
}

// ErrorHandler reports unexpected request errors and 5xx responses to Sentry.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start)
		statusCode := c.Writer.Status()
		errors.AddBreadcrumbForRequest(c.Request.Method, c.Request.URL.Path, statusCode, duration)

		for _, err := range c.Errors {
			if errors.ShouldReportError(err.Err, statusCode) {
				report(c, err.Err, statusCode, duration)
			}
		}
		// 5xx without an attached error still deserves an event
		if statusCode >= 500 && len(c.Errors) == 0 {
			report(c, nil, statusCode, duration)
		}
	}
}

// SentryUser copies the authenticated user onto the request's Sentry scope.
// It belongs after AuthMiddleware.
func SentryUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if hub := sentrygin.GetHubFromContext(c); hub != nil {
			setUser(hub.Scope(), c)
		}
		c.Next()
	}
}

func report(c *gin.Context, err error, statusCode int, duration time.Duration) {
	hub := sentrygin.GetHubFromContext(c)
	if hub == nil {
		hub = sentry.CurrentHub().Clone()
	}

	scope := hub.Scope()
	scope.SetRequest(c.Request)
	scope.SetLevel(sentryLevel(statusCode))
	setUser(scope, c)

	scope.SetTag("http.method", c.Request.Method)
	scope.SetTag("http.status_code", fmt.Sprintf("%d", statusCode))
	scope.SetTag("endpoint", c.FullPath())
	if correlationID := GetCorrelationID(c); correlationID != "" {
		scope.SetTag("correlation_id", correlationID)
	}
	if traceID := c.Writer.Header().Get("X-Trace-ID"); traceID != "" {
		scope.SetTag("trace_id", traceID)
	}
	scope.SetContext("http", map[string]interface{}{
		"method":      c.Request.Method,
		"path":        c.Request.URL.Path,
		"status_code": statusCode,
		"duration_ms": duration.Milliseconds(),
		"handler":     c.HandlerName(),
	})

	if err != nil {
		hub.CaptureException(err)
		return
	}
	hub.CaptureMessage(fmt.Sprintf("HTTP %d: %s %s", statusCode, c.Request.Method, c.Request.URL.Path))
}

func setUser(scope *sentry.Scope, c *gin.Context) {
	userID := c.GetString(UserIDKey)
	if userID == "" {
		return
	}
	scope.SetUser(sentry.User{
		ID:        userID,
		Username:  c.GetString(UserNameKey),
		IPAddress: c.ClientIP(),
	})
	if role := c.GetString(UserRoleKey); role != "" {
		scope.SetTag("user.role", role)
	}
}

func sentryLevel(statusCode int) sentry.Level {
	switch {
	case statusCode >= 500:
		return sentry.LevelError
	case statusCode == 429:
		return sentry.LevelWarning
	default:
		return sentry.LevelInfo
	}
}
