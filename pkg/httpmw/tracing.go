package httpmw

import (
	"github.com/gin-gonic/gin"

	"replicacore/pkg/telemetry"
)

// Tracing opens a span named after the matched route for the duration of
// the request and records the resulting status code.
func Tracing() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := telemetry.StartSpan(c.Request.Context(), "facade."+c.Request.Method+"."+c.FullPath())
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		telemetry.SetStatusCode(span, c.Writer.Status())
	}
}
