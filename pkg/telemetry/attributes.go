package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Standard attribute keys used across replica spans.
const (
	AttrRoute             = "replica.route"
	AttrRequestID         = "replica.request_id"
	AttrInternalRequestID = "replica.internal_request_id"
	AttrAppName           = "replica.app_name"
	AttrMultiplexedModel  = "replica.multiplexed_model_id"

	AttrOngoingRequests = "replica.ongoing_requests"
	AttrAdmissionResult = "replica.admission_result"

	AttrDispatchKind = "callable.dispatch_kind"
)

// RequestAttributes returns the attributes carried on every request-scoped
// span: route, request identifiers, and owning app name.
func RequestAttributes(route, requestID, internalRequestID, appName string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrRoute, route),
		attribute.String(AttrRequestID, requestID),
		attribute.String(AttrInternalRequestID, internalRequestID),
		attribute.String(AttrAppName, appName),
	}
}

// AdmissionAttributes describes the outcome of an admission decision.
func AdmissionAttributes(ongoing int, accepted bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int(AttrOngoingRequests, ongoing),
		attribute.Bool(AttrAdmissionResult, accepted),
	}
}

// DispatchAttributes describes how the user callable was invoked.
func DispatchAttributes(kind string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrDispatchKind, kind),
	}
}
