package api

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/memmesh/memmesh/pkg/observability"
)

// requestLogger logs one line per request with latency and status.
func requestLogger(logger observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()

		fields := map[string]interface{}{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"latency": time.Since(started).String(),
		}
		if len(c.Errors) > 0 {
			fields["errors"] = c.Errors.String()
		}
		if c.Writer.Status() >= 500 {
			logger.Error("request failed", fields)
			return
		}
		logger.Info("request", fields)
	}
}

// requestMetrics records per-route request counts and latency.
func requestMetrics(metrics observability.MetricsClient) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.IncrementCounter("http_requests_total", 1, map[string]string{
			"method": c.Request.Method, "route": route,
		})
		metrics.RecordHistogram("http_request_seconds", time.Since(started).Seconds(), map[string]string{
			"method": c.Request.Method, "route": route,
		})
	}
}
