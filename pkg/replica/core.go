// Package replica implements the orchestrator that admits, dispatches, and
// accounts for requests against a user-provided callable: the core that
// the facade and controller both talk to.
package replica

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"

	"replicacore/pkg/apperror"
	"replicacore/pkg/fleetlimit"
	"replicacore/pkg/logger"
	"replicacore/pkg/metrics"
	"replicacore/pkg/reqcontext"
	"replicacore/pkg/semaphore"
	"replicacore/pkg/usercallable"
)

// Core is the per-replica orchestrator: the single owner of the admission
// gate, the user callable wrapper, and the cancellation registry.
type Core struct {
	id          ReplicaID
	ingress     bool
	routePrefix string

	wrapper        *usercallable.Wrapper
	admission      *semaphore.Admission
	fleetLimiter   fleetlimit.Limiter
	metrics        *metrics.Metrics
	recordOnHandle bool
	log            *slog.Logger
	logTail        *reqcontext.LogBuffer

	mu          sync.Mutex
	initialized bool
	shuttingDown bool
	startedAt   time.Time
	initLatency time.Duration
	config      DeploymentConfig
	version     DeploymentVersion
	health      HealthState

	cancelMu  sync.Mutex
	cancelReg map[string]*cancelEntry
}

// Options configures optional collaborators of a Core.
type Options struct {
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	LogTailSize int
	Ingress     bool
	RoutePrefix string
	// FleetLimiter, if set, is consulted before the local admission
	// semaphore on every entry point. Defaults to an always-admit no-op.
	FleetLimiter fleetlimit.Limiter
	// RecordOnHandle additionally samples the autoscaling metric
	// synchronously on every request completion, rather than relying
	// solely on the periodic sampler task outside this package.
	RecordOnHandle bool
}

// New creates a Core for id, wrapping a user callable built from def.
func New(id ReplicaID, def *usercallable.Definition, opts Options) *Core {
	log := opts.Logger
	if log == nil {
		log = logger.Log
	}
	if log == nil {
		log = slog.Default()
	}

	m := opts.Metrics
	if m == nil {
		m = metrics.Get()
	}

	fl := opts.FleetLimiter
	if fl == nil {
		fl = fleetlimit.NoopLimiter{}
	}

	return &Core{
		id:             id,
		ingress:        opts.Ingress,
		routePrefix:    opts.RoutePrefix,
		wrapper:        usercallable.New(def),
		fleetLimiter:   fl,
		metrics:        m,
		recordOnHandle: opts.RecordOnHandle,
		log:            log,
		logTail:        reqcontext.NewLogBuffer(opts.LogTailSize),
		cancelReg:      make(map[string]*cancelEntry),
	}
}

// Initialize is idempotent under a mutual-exclusion guard. The first call
// constructs the user callable and runs an initial health check;
// subsequent calls only re-apply config and re-check health.
func (c *Core) Initialize(ctx context.Context, cfg DeploymentConfig) (DeploymentVersion, error) {
	c.mu.Lock()
	firstCall := !c.initialized
	c.mu.Unlock()

	if firstCall {
		start := time.Now()
		if err := c.wrapper.Initialize(ctx, cfg.UserConfig); err != nil {
			return DeploymentVersion{}, apperror.Wrap(err, apperror.CodeInitializationFailed, "replica initialization failed")
		}

		c.mu.Lock()
		if !c.initialized {
			c.admission = semaphore.New(cfg.MaxOngoingRequests)
			c.initialized = true
			c.startedAt = start
			c.initLatency = time.Since(start)
		}
		c.mu.Unlock()
	}

	if err := c.applyConfig(ctx, cfg); err != nil {
		return DeploymentVersion{}, err
	}
	if err := c.CheckHealth(ctx); err != nil {
		return c.Version(), err
	}
	return c.Version(), nil
}

// Reconfigure updates the deployment config in place: the user's
// reconfigure hook runs only if user_config changed, but version,
// autoscaling, and the admission ceiling are always refreshed.
func (c *Core) Reconfigure(ctx context.Context, cfg DeploymentConfig) (DeploymentVersion, error) {
	if err := c.applyConfig(ctx, cfg); err != nil {
		return DeploymentVersion{}, err
	}
	return c.Version(), nil
}

func (c *Core) applyConfig(ctx context.Context, cfg DeploymentConfig) error {
	c.mu.Lock()
	old := c.config
	c.mu.Unlock()

	if !bytes.Equal(old.UserConfig, cfg.UserConfig) {
		if err := c.wrapper.Reconfigure(ctx, cfg.UserConfig); err != nil {
			return apperror.Wrap(err, apperror.CodeReconfigureFailed, "replica reconfigure failed")
		}
	}

	c.mu.Lock()
	c.config = cfg
	c.version = NewDeploymentVersion(cfg)
	admission := c.admission
	c.mu.Unlock()

	if admission != nil {
		admission.SetCapacity(cfg.MaxOngoingRequests)
	}
	c.wrapper.Resize(cfg.MaxOngoingRequests)
	return nil
}

// Version returns the current config's content-addressed version tag.
func (c *Core) Version() DeploymentVersion {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// InitLatency reports how long the first Initialize call took.
func (c *Core) InitLatency() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initLatency
}

// MethodInfo reports the deployment's discoverable method catalogue.
func (c *Core) MethodInfo() []UserMethodInfo {
	infos := c.wrapper.MethodInfo()
	out := make([]UserMethodInfo, len(infos))
	for i, info := range infos {
		out[i] = UserMethodInfo{
			Name:              info.Name,
			IsASGIApp:         info.IsASGIApp,
			TakesAnyArgs:      info.TakesAnyArgs,
			TakesContextKwarg: info.TakesContextKwarg,
		}
	}
	return out
}

// Metadata bundles the current version with the method catalogue, the
// shape initialize_and_get_metadata and reconfigure both hand back to the
// controller over the wire.
func (c *Core) Metadata() ReplicaMetadata {
	return ReplicaMetadata{Version: c.Version(), Methods: c.MethodInfo()}
}

// HandleRequest dispatches a unary call, installing request context and
// wrapping the result with error/metrics accounting.
func (c *Core) HandleRequest(ctx context.Context, md RequestMetadata, args json.RawMessage) (json.RawMessage, error) {
	if err := c.checkFleetLimit(ctx); err != nil {
		return nil, err
	}

	ctx, rc, release, start := c.enterRequest(ctx, md)
	defer release()

	if err := c.admission.Acquire(ctx); err != nil {
		c.finishRequest(md, start, rc, nil, err)
		return nil, classifyAdmissionError(err)
	}
	defer c.admission.Release()

	result, err := c.timedDispatchUnary(ctx, md, args, rc)
	c.finishRequest(md, start, rc, result, err)
	return result, err
}

// timedDispatchUnary wraps DispatchUnary with a Timer against
// UserCodeDuration, isolating the user callable's own runtime from the
// admission wait already folded into the request's total latency.
func (c *Core) timedDispatchUnary(ctx context.Context, md RequestMetadata, args json.RawMessage, rc *reqcontext.RequestContext) (json.RawMessage, error) {
	var timer *metrics.Timer
	if c.metrics != nil {
		timer = c.metrics.TimeUserCode(md.CallMethod)
	}
	result, err := c.wrapper.DispatchUnary(ctx, md.CallMethod, args, rc.StatusCodeCallback())
	if timer != nil {
		timer.ObserveDuration()
	}
	return result, err
}

// HandleRequestStreaming dispatches a generator/ASGI call, forwarding each
// item to emit in the order the user code produced it.
func (c *Core) HandleRequestStreaming(ctx context.Context, md RequestMetadata, args json.RawMessage, emit func(json.RawMessage) error) error {
	if err := c.checkFleetLimit(ctx); err != nil {
		return err
	}

	ctx, rc, release, start := c.enterRequest(ctx, md)
	defer release()

	if err := c.admission.Acquire(ctx); err != nil {
		c.finishRequest(md, start, rc, nil, err)
		return classifyAdmissionError(err)
	}
	defer c.admission.Release()

	err := c.timedDispatchStreaming(ctx, md, args, emit, rc)
	c.finishRequest(md, start, rc, nil, err)
	return err
}

// timedDispatchStreaming is DispatchStreaming's analogue of
// timedDispatchUnary, timing the full generator run as one user-code span.
func (c *Core) timedDispatchStreaming(ctx context.Context, md RequestMetadata, args json.RawMessage, emit func(json.RawMessage) error, rc *reqcontext.RequestContext) error {
	var timer *metrics.Timer
	if c.metrics != nil {
		timer = c.metrics.TimeUserCode(md.CallMethod)
	}
	err := c.wrapper.DispatchStreaming(ctx, md.CallMethod, args, emit, rc.StatusCodeCallback())
	if timer != nil {
		timer.ObserveDuration()
	}
	return err
}

// RejectionChunk is one item of the admission-protocol stream: exactly one
// ReplicaQueueLengthInfo, followed (only if accepted) by the call's
// unary result or stream of chunks.
type RejectionChunk struct {
	Info    *ReplicaQueueLengthInfo
	Payload json.RawMessage
}

// HandleRequestWithRejection implements the admission protocol: if the
// gate is already saturated, it yields exactly one rejection message and
// never touches user code; otherwise it yields acceptance first, then the
// call's result.
func (c *Core) HandleRequestWithRejection(ctx context.Context, md RequestMetadata, args json.RawMessage, emit func(RejectionChunk) error) error {
	if c.admission.Locked() {
		return emit(RejectionChunk{Info: &ReplicaQueueLengthInfo{
			Accepted:           false,
			NumOngoingRequests: c.admission.Outstanding(),
		}})
	}
	if err := c.checkFleetLimit(ctx); err != nil {
		return emit(RejectionChunk{Info: &ReplicaQueueLengthInfo{
			Accepted:           false,
			NumOngoingRequests: c.admission.Outstanding(),
		}})
	}

	ctx, rc, release, start := c.enterRequest(ctx, md)
	defer release()

	if err := c.admission.Acquire(ctx); err != nil {
		c.finishRequest(md, start, rc, nil, err)
		return classifyAdmissionError(err)
	}
	defer c.admission.Release()

	if err := emit(RejectionChunk{Info: &ReplicaQueueLengthInfo{
		Accepted:           true,
		NumOngoingRequests: c.admission.Outstanding(),
	}}); err != nil {
		return err
	}

	if md.IsStreaming {
		err := c.timedDispatchStreaming(ctx, md, args, func(chunk json.RawMessage) error {
			return emit(RejectionChunk{Payload: chunk})
		}, rc)
		c.finishRequest(md, start, rc, nil, err)
		return err
	}

	result, err := c.timedDispatchUnary(ctx, md, args, rc)
	c.finishRequest(md, start, rc, result, err)
	if err != nil {
		return err
	}
	return emit(RejectionChunk{Payload: result})
}

// CheckHealth calls the user's health hook if present and toggles the
// monotonic healthy/unhealthy flag; a failure is re-raised to the caller.
func (c *Core) CheckHealth(ctx context.Context) error {
	err := c.wrapper.CheckHealth(ctx)

	c.mu.Lock()
	if err == nil {
		c.health = HealthHealthy
	} else {
		c.health = HealthUnhealthy
	}
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.SetHealth(err == nil)
	}
	return err
}

// Health returns the current monotonic health flag.
func (c *Core) Health() HealthState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.health
}

// RecordRoutingStats calls the user's routing-stats hook if present.
func (c *Core) RecordRoutingStats(ctx context.Context) (map[string]string, error) {
	return c.wrapper.RecordRoutingStats(ctx)
}

// NumOngoingRequests reports the current admitted count without touching
// the user callable, so it can be served from a handler the user code can
// never block.
func (c *Core) NumOngoingRequests() int {
	if c.admission == nil {
		return 0
	}
	return c.admission.Outstanding()
}

// PerformGracefulShutdown marks the replica draining, waits for ongoing
// requests to drain, then runs the destructor and returns. Ongoing requests
// are polled every waitLoop; a non-positive waitLoop polls once a second.
func (c *Core) PerformGracefulShutdown(ctx context.Context, waitLoop time.Duration) error {
	c.mu.Lock()
	c.shuttingDown = true
	wasInitialized := c.initialized
	c.mu.Unlock()

	if wasInitialized {
		if waitLoop <= 0 {
			waitLoop = time.Second
		}
		ticker := time.NewTicker(waitLoop)
		defer ticker.Stop()
		for c.NumOngoingRequests() > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	}

	c.wrapper.Destroy(ctx)
	return nil
}

// IsShuttingDown reports whether graceful shutdown has been initiated.
func (c *Core) IsShuttingDown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shuttingDown
}

// checkFleetLimit consults the deployment-wide limiter before the local
// admission gate. A denial here never touches user code, matching the
// local rejection's own guarantee.
func (c *Core) checkFleetLimit(ctx context.Context) error {
	allowed, err := c.fleetLimiter.Allow(ctx, c.id.DeploymentID.Name)
	if err != nil {
		c.log.Warn("fleet limiter check failed, admitting locally", "error", err)
		return nil
	}
	if !allowed {
		return apperror.New(apperror.CodeAdmissionDenied, "deployment-wide concurrency ceiling reached")
	}
	return nil
}

func (c *Core) enterRequest(ctx context.Context, md RequestMetadata) (context.Context, *reqcontext.RequestContext, func(), time.Time) {
	rc := reqcontext.New(md.Route, md.RequestID, md.InternalRequestID, c.id.DeploymentID.AppName, md.MultiplexedModelID)
	derived, release := reqcontext.WithRequestContext(ctx, rc)
	return derived, rc, release, time.Now()
}

func (c *Core) finishRequest(md RequestMetadata, start time.Time, rc *reqcontext.RequestContext, _ json.RawMessage, err error) {
	latency := time.Since(start)
	outcome := classifyOutcome(err)

	status := string(outcome)
	if code, ok := rc.StatusCode(); ok {
		status = fmt.Sprintf("%d", code)
	}

	line := fmt.Sprintf("method=%s route=%s status=%s latency_ms=%.3f", md.CallMethod, md.Route, status, float64(latency.Microseconds())/1000)
	c.logTail.Append(line)
	c.log.Info("access", "method", md.CallMethod, "route", md.Route, "status", status, "latency_ms", float64(latency.Microseconds())/1000)

	if c.metrics != nil {
		c.metrics.RecordRequest(md.Route, status, latency)
		if c.recordOnHandle {
			c.metrics.RecordAutoscalingSample(c.id.DeploymentID.Name, c.id.UniqueID, c.NumOngoingRequests())
		}
	}
}

func classifyOutcome(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOK
	case apperror.Is(err, apperror.CodeRequestCancelled):
		return OutcomeCancelled
	default:
		return OutcomeError
	}
}

func classifyAdmissionError(err error) error {
	if err == context.Canceled {
		return apperror.Wrap(err, apperror.CodeRequestCancelled, "request cancelled while waiting for admission")
	}
	return apperror.Wrap(err, apperror.CodeAdmissionDenied, "admission failed")
}

// childHandle is an in-flight downstream call this replica opened on a
// request's behalf: cancelling the parent tears both down.
type childHandle struct {
	cancel context.CancelFunc
	conn   *grpc.ClientConn
}

type cancelEntry struct {
	mu               sync.Mutex
	pendingAdmission []context.CancelFunc
	inFlight         []childHandle
}

// RegisterPendingAdmission tracks an admission wait this request issued
// against a downstream replica, so a cancellation can abort it. The
// returned func deregisters it once the wait resolves on its own.
func (c *Core) RegisterPendingAdmission(internalRequestID string, cancel context.CancelFunc) func() {
	entry := c.entryFor(internalRequestID)
	entry.mu.Lock()
	entry.pendingAdmission = append(entry.pendingAdmission, cancel)
	idx := len(entry.pendingAdmission) - 1
	entry.mu.Unlock()

	return func() {
		entry.mu.Lock()
		if idx < len(entry.pendingAdmission) {
			entry.pendingAdmission[idx] = nil
		}
		entry.mu.Unlock()
	}
}

// RegisterChildHandle tracks an in-flight downstream call's cancel func and
// (if any) the gRPC connection it was dialed on.
func (c *Core) RegisterChildHandle(internalRequestID string, cancel context.CancelFunc, conn *grpc.ClientConn) func() {
	entry := c.entryFor(internalRequestID)
	entry.mu.Lock()
	entry.inFlight = append(entry.inFlight, childHandle{cancel: cancel, conn: conn})
	idx := len(entry.inFlight) - 1
	entry.mu.Unlock()

	return func() {
		entry.mu.Lock()
		if idx < len(entry.inFlight) {
			entry.inFlight[idx] = childHandle{}
		}
		entry.mu.Unlock()
	}
}

func (c *Core) entryFor(internalRequestID string) *cancelEntry {
	c.cancelMu.Lock()
	defer c.cancelMu.Unlock()
	entry, ok := c.cancelReg[internalRequestID]
	if !ok {
		entry = &cancelEntry{}
		c.cancelReg[internalRequestID] = entry
	}
	return entry
}

// CancelRequest recursively cancels every pending-assignment admission
// wait and every in-flight child handle registered under
// internalRequestID, then forgets the registration.
func (c *Core) CancelRequest(internalRequestID string) {
	c.cancelMu.Lock()
	entry, ok := c.cancelReg[internalRequestID]
	delete(c.cancelReg, internalRequestID)
	c.cancelMu.Unlock()
	if !ok {
		return
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	for _, cancel := range entry.pendingAdmission {
		if cancel != nil {
			cancel()
		}
	}
	for _, handle := range entry.inFlight {
		if handle.cancel != nil {
			handle.cancel()
		}
		if handle.conn != nil {
			handle.conn.Close()
		}
	}
}
