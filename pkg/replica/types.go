package replica

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// DeploymentID identifies a deployment within an application.
type DeploymentID struct {
	AppName string `json:"app_name"`
	Name    string `json:"name"`
}

// ReplicaID is the stable identity of one running worker.
type ReplicaID struct {
	DeploymentID DeploymentID `json:"deployment_id"`
	UniqueID     string       `json:"unique_id"`
}

// AutoscalingConfig governs the periodic controller push of load samples.
type AutoscalingConfig struct {
	MetricsIntervalS float64 `json:"metrics_interval_s"`
	LookBackPeriodS  float64 `json:"look_back_period_s"`
}

// LoggingConfig is stored with the deployment config and covered by its
// version digest; Core does not apply it to the logger on reconfigure.
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// DeploymentConfig is the mutable-at-runtime configuration a controller
// assigns to a replica.
type DeploymentConfig struct {
	MaxOngoingRequests     int                `json:"max_ongoing_requests"`
	UserConfig             json.RawMessage    `json:"user_config,omitempty"`
	AutoscalingConfig      *AutoscalingConfig `json:"autoscaling_config,omitempty"`
	GracefulShutdownWaitS  float64            `json:"graceful_shutdown_wait_loop_s"`
	LoggingConfig          LoggingConfig      `json:"logging_config"`
}

// DeploymentVersion is a content-addressed tag paired with a config,
// regenerated every time the config is replaced.
type DeploymentVersion struct {
	Digest string `json:"digest"`
}

// NewDeploymentVersion computes the version tag for cfg: a SHA-256 digest
// of its canonical JSON encoding.
func NewDeploymentVersion(cfg DeploymentConfig) DeploymentVersion {
	encoded, err := json.Marshal(cfg)
	if err != nil {
		return DeploymentVersion{}
	}
	sum := sha256.Sum256(encoded)
	return DeploymentVersion{Digest: hex.EncodeToString(sum[:])}
}

// RequestMetadata accompanies every call into the core. Every field except
// Route and HTTPMethod is immutable once the request is admitted.
type RequestMetadata struct {
	RequestID           string `json:"request_id"`
	InternalRequestID   string `json:"internal_request_id"`
	CallMethod          string `json:"call_method"`
	Route               string `json:"route"`
	MultiplexedModelID  string `json:"multiplexed_model_id,omitempty"`
	IsHTTPRequest       bool   `json:"is_http_request"`
	IsGRPCRequest       bool   `json:"is_grpc_request"`
	IsStreaming         bool   `json:"is_streaming"`
	HTTPMethod          string `json:"http_method,omitempty"`
}

// ReplicaQueueLengthInfo is the system message the rejection protocol
// always delivers as its first chunk.
type ReplicaQueueLengthInfo struct {
	Accepted           bool `json:"accepted"`
	NumOngoingRequests int  `json:"num_ongoing_requests"`
}

// UserMethodInfo describes one discovered, cached method of the user
// callable, surfaced for introspection and error messages.
type UserMethodInfo struct {
	Name              string `json:"name"`
	IsASGIApp         bool   `json:"is_asgi_app"`
	TakesAnyArgs      bool   `json:"takes_any_args"`
	TakesContextKwarg bool   `json:"takes_context_kwarg"`
}

// ReplicaMetadata is returned by initialize_and_get_metadata and by
// reconfigure: the config's content-addressed version paired with the
// deployment's discoverable method catalogue.
type ReplicaMetadata struct {
	Version DeploymentVersion `json:"version"`
	Methods []UserMethodInfo  `json:"methods"`
}

// HealthState is the replica's monotonic three-valued health flag: it only
// toggles between healthy and unhealthy once past unknown.
type HealthState int

const (
	HealthUnknown HealthState = iota
	HealthHealthy
	HealthUnhealthy
)

func (h HealthState) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Outcome classifies how a request finished, for the access log and for
// per-request metrics.
type Outcome string

const (
	OutcomeOK        Outcome = "OK"
	OutcomeCancelled Outcome = "CANCELLED"
	OutcomeError     Outcome = "ERROR"
)

// IsAllocatedInfo answers the controller's allocation probe without
// touching the user callable.
type IsAllocatedInfo struct {
	PID            int    `json:"pid"`
	ActorID        string `json:"actor_id"`
	WorkerID       string `json:"worker_id"`
	NodeID         string `json:"node_id"`
	NodeIP         string `json:"node_ip"`
	NodeInstanceID string `json:"node_instance_id"`
	LogFilePath    string `json:"log_file_path"`
}
