package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/ledger/backend/internal/infrastructure/telemetry"
)

// Profiling labels CPU samples taken while a request is handled with its
// route pattern and method, so Pyroscope can break profiles down by endpoint.
func Profiling(enabled bool) gin.HandlerFunc {
	if !enabled {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" || route == "/health" {
			c.Next()
			return
		}
		telemetry.WithProfilingLabels(c.Request.Context(),
			telemetry.HTTPRequestLabels(route, c.Request.Method),
			func(ctx context.Context) {
				c.Request = c.Request.WithContext(ctx)
				c.Next()
			})
	}
}
