package common

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthResponse represents health check response
type HealthResponse struct {
	Status    string                 `json:"status"`
	Service   string                 `json:"service"`
	Version   string                 `json:"version"`
	Timestamp string                 `json:"timestamp"`
	Uptime    string                 `json:"uptime,omitempty"`
	Checks    map[string]CheckStatus `json:"checks,omitempty"`
}

// CheckStatus represents the status of a single dependency check
type CheckStatus struct {
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`
	Duration string `json:"duration,omitempty"`
}

// Checker probes a single dependency.
type Checker func(ctx context.Context) error

var startTime = time.Now()

// LivenessProbe reports that the process is serving requests.
func LivenessProbe(serviceName, version string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, HealthResponse{
			Status:    "alive",
			Service:   serviceName,
			Version:   version,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Uptime:    time.Since(startTime).String(),
		})
	}
}

// ReadinessProbe runs every checker with a short deadline and returns 503 if any fails.
func ReadinessProbe(serviceName, version string, checks map[string]Checker) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := "ready"
		code := http.StatusOK
		results := make(map[string]CheckStatus, len(checks))

		for name, check := range checks {
			start := time.Now()
			result := CheckStatus{Status: "healthy"}
			if err := check(ctx); err != nil {
				result.Status = "unhealthy"
				result.Message = err.Error()
				status = "not_ready"
				code = http.StatusServiceUnavailable
			}
			result.Duration = time.Since(start).String()
			results[name] = result
		}

		c.JSON(code, HealthResponse{
			Status:    status,
			Service:   serviceName,
			Version:   version,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Checks:    results,
		})
	}
}
