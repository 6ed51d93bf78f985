package httpmw

import (
	"time"

	"github.com/gin-gonic/gin"

	"replicacore/pkg/metrics"
)

// Metrics records request duration, in-flight count, and result status for
// every route served by the facade.
func Metrics() gin.HandlerFunc {
	m := metrics.Get()
	return func(c *gin.Context) {
		tracker := metrics.NewRequestTracker(m.RequestsInFlight)
		route := c.FullPath()
		tracker.Start(route)
		start := time.Now()

		c.Next()

		duration := time.Since(start)
		tracker.End(route)
		m.RecordRequest(route, statusClass(c.Writer.Status()), duration)
	}
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
