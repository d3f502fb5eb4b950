package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/deeployd/forge/internal/metrics"
)

// Metrics instruments every request's count and latency into the
// Prometheus vectors exposed at GET /metrics.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		status := strconv.Itoa(c.Writer.Status())
		metrics.ObserveRequest(c.Request.Method, route, status, time.Since(start))
	}
}
