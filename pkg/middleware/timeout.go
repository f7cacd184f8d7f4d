package middleware

import (
	"net/http"
	"time"

	"github.com/gidigo/ride-coordinator/pkg/common"
	"github.com/gidigo/ride-coordinator/pkg/logger"
	"github.com/gin-contrib/timeout"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RequestTimeout answers 504 when a handler runs past d. It buffers the
// response, so it must not wrap the WebSocket upgrade route.
func RequestTimeout(d time.Duration) gin.HandlerFunc {
	if d <= 0 {
		return func(c *gin.Context) { c.Next() }
	}

	return timeout.New(
		timeout.WithTimeout(d),
		timeout.WithResponse(func(c *gin.Context) {
			c.Header("X-Timeout", "true")
			common.ErrorResponse(c, http.StatusGatewayTimeout, "Request timeout")

			logger.WithContext(c.Request.Context()).Warn("Request timeout",
				zap.String("path", c.Request.URL.Path),
				zap.String("method", c.Request.Method),
				zap.Duration("timeout", d),
			)
		}),
	)
}
