// Package reqcontext carries per-request metadata through a replica's call
// stack and retains a bounded tail of access-log lines for operational
// introspection.
package reqcontext

import (
	"context"
	"sync/atomic"
)

type ctxKey struct{}

// RequestContext is the scoped, per-request datum installed before user
// code runs and released on every exit path, including panics and
// cancellations.
type RequestContext struct {
	Route               string
	RequestID           string
	InternalRequestID   string
	AppName             string
	MultiplexedModelID  string

	statusCode atomic.Int64
}

const statusCodeUnset = -1

// New creates a RequestContext with no status code recorded yet.
func New(route, requestID, internalRequestID, appName, multiplexedModelID string) *RequestContext {
	rc := &RequestContext{
		Route:              route,
		RequestID:          requestID,
		InternalRequestID:  internalRequestID,
		AppName:            appName,
		MultiplexedModelID: multiplexedModelID,
	}
	rc.statusCode.Store(statusCodeUnset)
	return rc
}

// StatusCodeCallback returns a callback the plane hands to the HTTP path so
// the handler can report the status code it ultimately wrote, without the
// request context needing to know anything about the transport.
func (rc *RequestContext) StatusCodeCallback() func(int) {
	return func(code int) {
		rc.statusCode.Store(int64(code))
	}
}

// StatusCode returns the recorded status code and whether one was ever set.
func (rc *RequestContext) StatusCode() (int, bool) {
	v := rc.statusCode.Load()
	if v == statusCodeUnset {
		return 0, false
	}
	return int(v), true
}

// WithRequestContext installs rc into ctx and returns both the derived
// context and a release function the caller must invoke via defer on every
// exit path.
func WithRequestContext(ctx context.Context, rc *RequestContext) (context.Context, func()) {
	derived := context.WithValue(ctx, ctxKey{}, rc)
	return derived, func() {}
}

// FromContext retrieves the RequestContext installed by WithRequestContext,
// or nil if none was installed.
func FromContext(ctx context.Context) *RequestContext {
	rc, _ := ctx.Value(ctxKey{}).(*RequestContext)
	return rc
}
