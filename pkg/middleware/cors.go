package middleware

import (
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// CORS allows the comma-separated origins. An empty list falls back to the
// local development surface.
func CORS(origins string) gin.HandlerFunc {
	config := cors.DefaultConfig()
	config.AllowOrigins = SplitOrigins(origins)
	config.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	config.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", CorrelationIDHeader}
	config.ExposeHeaders = []string{CorrelationIDHeader, "X-Trace-ID"}
	config.AllowCredentials = true
	config.MaxAge = 24 * time.Hour

	for _, o := range config.AllowOrigins {
		if o == "*" {
			config.AllowOrigins = nil
			config.AllowOriginFunc = func(string) bool { return true }
			break
		}
	}

	return cors.New(config)
}

// SplitOrigins parses a comma-separated origin list.
func SplitOrigins(origins string) []string {
	var out []string
	for _, o := range strings.Split(origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		out = []string{"http://localhost:3000"}
	}
	return out
}
