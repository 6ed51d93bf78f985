package httpmw

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"replicacore/pkg/logger"
)

// Recovery converts a panic in a user handler or downstream middleware into
// a 500 response instead of crashing the process.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Log.Error("panic recovered", "route", c.FullPath(), "panic", r)
				c.AbortWithStatus(http.StatusInternalServerError)
			}
		}()
		c.Next()
	}
}
