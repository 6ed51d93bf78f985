// Package facade exposes the replica core over a concrete transport: a
// gin HTTP router for the request-serving surface, matched with the
// gRPC health service pkg/server already hosts for liveness/readiness.
package facade

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"replicacore/pkg/apperror"
	"replicacore/pkg/logger"
	"replicacore/pkg/replica"
)

// Actor is the Go-native realization of the replica actor facade: it
// deserializes request metadata and argument blobs from the transport,
// dispatches into a *replica.Core, and serializes results back out.
type Actor struct {
	core *replica.Core
	id   replica.ReplicaID
}

// NewActor wraps core behind the facade's transport-agnostic boundary.
func NewActor(core *replica.Core, id replica.ReplicaID) *Actor {
	return &Actor{core: core, id: id}
}

// IsAllocated answers the controller's allocation probe without touching
// the user callable.
func (a *Actor) IsAllocated() replica.IsAllocatedInfo {
	hostname, _ := os.Hostname()
	return replica.IsAllocatedInfo{
		PID:      os.Getpid(),
		ActorID:  a.id.UniqueID,
		WorkerID: a.id.UniqueID,
		NodeID:   hostname,
		NodeIP:   hostname,
	}
}

// unaryRequest is the wire shape of a unary/streaming/rejectable call.
type unaryRequest struct {
	Metadata replica.RequestMetadata `json:"metadata"`
	Args     json.RawMessage         `json:"args"`
}

// Router builds the gin engine serving §6's facade RPCs.
func Router(actor *Actor, middleware ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(middleware...)

	group := r.Group("/v1/replicas/:id")
	group.POST("/requests", actor.handleUnary)
	group.POST("/requests:stream", actor.handleStreaming)
	group.POST("/requests:rejectable", actor.handleRejectable)
	group.GET("/ongoing-requests", actor.handleNumOngoingRequests)
	group.GET("/allocated", actor.handleIsAllocated)
	group.POST("/initialize", actor.handleInitialize)
	group.POST("/reconfigure", actor.handleReconfigure)
	group.GET("/routing-stats", actor.handleRoutingStats)
	group.POST("/shutdown", actor.handleShutdown)

	return r
}

func (a *Actor) handleNumOngoingRequests(c *gin.Context) {
	// Deliberately does not touch the user callable or dispatch through
	// any user-code path: a concurrency group the user cannot block.
	c.JSON(http.StatusOK, gin.H{"num_ongoing_requests": a.core.NumOngoingRequests()})
}

func (a *Actor) handleIsAllocated(c *gin.Context) {
	c.JSON(http.StatusOK, a.IsAllocated())
}

// handleInitialize serves initialize_and_get_metadata: the controller's
// first call against a freshly started replica, assigning it its config
// and getting back the version tag plus the method catalogue in return.
func (a *Actor) handleInitialize(c *gin.Context) {
	var cfg replica.DeploymentConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if _, err := a.core.Initialize(c.Request.Context(), cfg); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, a.core.Metadata())
}

// handleReconfigure serves reconfigure: the controller's path for pushing
// an updated DeploymentConfig to an already-running replica.
func (a *Actor) handleReconfigure(c *gin.Context) {
	var cfg replica.DeploymentConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if _, err := a.core.Reconfigure(c.Request.Context(), cfg); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, a.core.Metadata())
}

// handleRoutingStats serves record_routing_stats, letting the router pull
// deployment-contributed fields (e.g. shard affinity) for load balancing.
func (a *Actor) handleRoutingStats(c *gin.Context) {
	stats, err := a.core.RecordRoutingStats(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// shutdownRequest is the wire shape of a perform_graceful_shutdown call.
type shutdownRequest struct {
	WaitLoopS float64 `json:"wait_loop_s"`
}

// handleShutdown serves perform_graceful_shutdown: the controller's path
// for telling a replica to drain and stop, distinct from the binary's own
// OS-signal handler which calls the same core method internally.
func (a *Actor) handleShutdown(c *gin.Context) {
	var req shutdownRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength != 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	waitLoop := time.Duration(req.WaitLoopS * float64(time.Second))
	if err := a.core.PerformGracefulShutdown(c.Request.Context(), waitLoop); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (a *Actor) handleUnary(c *gin.Context) {
	var req unaryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	fillRequestIDs(&req.Metadata)

	result, err := a.core.HandleRequest(c.Request.Context(), req.Metadata, req.Args)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", result)
}

func (a *Actor) handleStreaming(c *gin.Context) {
	var req unaryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	fillRequestIDs(&req.Metadata)
	req.Metadata.IsStreaming = true

	c.Status(http.StatusOK)
	c.Writer.Header().Set("Content-Type", "application/x-ndjson")
	flusher, _ := c.Writer.(http.Flusher)

	writer := bufio.NewWriter(c.Writer)
	err := a.core.HandleRequestStreaming(c.Request.Context(), req.Metadata, req.Args, func(chunk json.RawMessage) error {
		if _, writeErr := writer.Write(chunk); writeErr != nil {
			return writeErr
		}
		if writeErr := writer.WriteByte('\n'); writeErr != nil {
			return writeErr
		}
		if flushErr := writer.Flush(); flushErr != nil {
			return flushErr
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})
	if err != nil {
		logger.Log.Warn("streaming request ended with an error", "error", err, "route", req.Metadata.Route)
	}
}

func (a *Actor) handleRejectable(c *gin.Context) {
	var req unaryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	fillRequestIDs(&req.Metadata)

	c.Status(http.StatusOK)
	c.Writer.Header().Set("Content-Type", "application/x-ndjson")
	flusher, _ := c.Writer.(http.Flusher)
	writer := bufio.NewWriter(c.Writer)

	emit := func(chunk replica.RejectionChunk) error {
		encoded, err := json.Marshal(chunk)
		if err != nil {
			return err
		}
		if _, err := writer.Write(encoded); err != nil {
			return err
		}
		if err := writer.WriteByte('\n'); err != nil {
			return err
		}
		if err := writer.Flush(); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}

	if err := a.core.HandleRequestWithRejection(c.Request.Context(), req.Metadata, req.Args, emit); err != nil {
		logger.Log.Warn("rejectable request ended with an error", "error", err, "route", req.Metadata.Route)
	}
}

// fillRequestIDs assigns a fresh request/internal-request id to any field
// the caller left blank, so every admitted request is traceable even when
// the transport above the facade doesn't generate one itself.
func fillRequestIDs(md *replica.RequestMetadata) {
	if md.RequestID == "" {
		md.RequestID = uuid.NewString()
	}
	if md.InternalRequestID == "" {
		md.InternalRequestID = uuid.NewString()
	}
}

func writeError(c *gin.Context, err error) {
	c.JSON(apperror.ToHTTP(err), gin.H{"error": err.Error()})
}

// CheckHealth exposes the core's health check for the gRPC health server's
// periodic probe to call alongside its own serving-status toggle.
func (a *Actor) CheckHealth(ctx context.Context) error {
	return a.core.CheckHealth(ctx)
}
