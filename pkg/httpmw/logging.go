package httpmw

import (
	"time"

	"github.com/gin-gonic/gin"

	"replicacore/pkg/logger"
)

// Logging logs each request's route, status, and latency once the handler
// returns, mirroring the access-log line spec's request context calls for.
func Logging() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start)
		status := c.Writer.Status()

		fields := []any{
			"route", c.FullPath(),
			"method", c.Request.Method,
			"status", status,
			"latency_ms", duration.Milliseconds(),
			"request_id", c.GetString("request_id"),
		}

		if status >= 500 {
			logger.Log.Error("request completed", fields...)
		} else {
			logger.Log.Info("request completed", fields...)
		}
	}
}
