// Package httpmw provides gin middleware for the replica facade's HTTP
// surface, composed in the same order the gRPC interceptor chain used:
// recovery, tracing, metrics, logging.
package httpmw

import (
	"github.com/gin-gonic/gin"
)

// ServerConfig selects which middleware are active.
type ServerConfig struct {
	EnableTracing bool
	EnableMetrics bool
	EnableLogging bool
}

// Chain builds the ordered middleware stack for a gin engine.
func Chain(cfg ServerConfig) []gin.HandlerFunc {
	mw := []gin.HandlerFunc{Recovery()}

	if cfg.EnableTracing {
		mw = append(mw, Tracing())
	}
	if cfg.EnableMetrics {
		mw = append(mw, Metrics())
	}
	if cfg.EnableLogging {
		mw = append(mw, Logging())
	}

	return mw
}
