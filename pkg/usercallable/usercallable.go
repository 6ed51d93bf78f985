// Package usercallable owns the user-provided request handler's lifecycle
// and dispatches unary, generator, and ASGI-style invocations against it,
// isolating blocking user code from the replica's own request plane.
package usercallable

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"

	"replicacore/pkg/apperror"
	"replicacore/pkg/logger"
	"replicacore/pkg/queue"
	"replicacore/pkg/workerpool"
)

// MethodKind classifies how a registered method is dispatched.
type MethodKind int

const (
	KindUnary MethodKind = iota
	KindGenerator
	KindASGI
)

// UnaryHandler handles a single request/response call against the user's
// service instance.
type UnaryHandler func(ctx context.Context, instance any, args json.RawMessage) (json.RawMessage, error)

// GeneratorHandler drives a finite, ordered sequence of results by invoking
// emit once per item, in order. It must not be called concurrently with
// itself for the same invocation.
type GeneratorHandler func(ctx context.Context, instance any, args json.RawMessage, emit func(json.RawMessage) error) error

// Method describes one discoverable entry point on the user's deployment.
type Method struct {
	Name      string
	Kind      MethodKind
	Unary     UnaryHandler
	Generator GeneratorHandler
	ASGI      http.Handler
}

// Initializer is implemented by a user service that wants a hook run once
// construction has completed, before the first health check.
type Initializer interface {
	Initialize(ctx context.Context, initArgs json.RawMessage) error
}

// Reconfigurer is implemented by a user service that accepts in-place
// config updates.
type Reconfigurer interface {
	Reconfigure(ctx context.Context, userConfig json.RawMessage) error
}

// Destroyer is implemented by a user service with cleanup to run exactly
// once, during graceful shutdown.
type Destroyer interface {
	Destroy(ctx context.Context) error
}

// HealthChecker is implemented by a user service with a custom liveness
// probe; its error toggles the replica's healthy flag.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// RoutingStatsReporter is implemented by a user service that wants to
// contribute custom fields to the router's load-balancing decisions.
type RoutingStatsReporter interface {
	RecordRoutingStats(ctx context.Context) (map[string]string, error)
}

// Factory constructs one instance of the user's service.
type Factory func(ctx context.Context, initArgs json.RawMessage) (any, error)

// Definition is the static, once-per-process declaration of a deployment:
// how to construct it and which methods it exposes. Classification of each
// method's dispatch kind happens here, at registration, rather than by
// runtime introspection.
type Definition struct {
	New     Factory
	Methods map[string]Method

	// RunSyncInThreadPool offloads unary/generator dispatch onto a bounded
	// worker pool sized by WorkerPoolSize, so a blocking call cannot starve
	// the plane loop.
	RunSyncInThreadPool bool
	WorkerPoolSize      int

	// RunUserCodeInSeparateLoop selects the two-loop model: a dedicated
	// goroutine hosts every user invocation, isolating it from the plane.
	// When false, dispatch runs inline on the calling goroutine ("shared
	// loop"), which is useful for deterministic tests.
	RunUserCodeInSeparateLoop bool
}

// Mis-use errors, surfaced synchronously at the facade boundary.
var (
	ErrGeneratorButStreamFalse = apperror.New(apperror.CodeUserMisuse, "method returned a generator but stream=false was requested")
	ErrStreamTrueButNotGenerator = apperror.New(apperror.CodeUserMisuse, "stream=true but method did not return a generator")
	ErrNoReconfigureHook        = apperror.New(apperror.CodeUserMisuse, "user_config specified but deployment has no reconfigure method")
)

// methodNotFoundError reports a missing method along with every method
// this deployment does expose, so the caller can self-correct.
func methodNotFoundError(requested string, def *Definition) *apperror.Error {
	names := make([]string, 0, len(def.Methods))
	for name := range def.Methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return apperror.New(apperror.CodeUserMisuse, fmt.Sprintf(
		"requested method does not exist: %q is not one of the discoverable methods %v", requested, names,
	)).WithField(requested)
}

// Wrapper owns the user service instance and mediates every call into it.
type Wrapper struct {
	def *Definition
	log *slog.Logger

	mu          sync.Mutex
	instance    any
	initialized bool

	destroyOnce sync.Once

	loop *userLoop
	pool *workerpool.Pool[json.RawMessage]
}

// New creates a Wrapper around def. The user service is not constructed
// until Initialize is called.
func New(def *Definition) *Wrapper {
	w := &Wrapper{def: def, log: logger.Log}
	if w.log == nil {
		w.log = slog.Default()
	}
	if def.RunUserCodeInSeparateLoop {
		w.loop = newUserLoop()
	}
	if def.RunSyncInThreadPool {
		size := def.WorkerPoolSize
		if size <= 0 {
			size = 1
		}
		w.pool = workerpool.New[json.RawMessage](size)
	}
	return w
}

// Resize updates the synchronous offload pool's concurrency ceiling,
// tracking a reconfigured max_ongoing_requests.
func (w *Wrapper) Resize(size int) {
	if w.pool != nil {
		w.pool.Resize(size)
	}
}

// MethodInfo describes one discoverable entry point, for introspection
// endpoints and error messages.
type MethodInfo struct {
	Name              string
	IsASGIApp         bool
	TakesAnyArgs      bool
	TakesContextKwarg bool
}

// MethodInfo reports every registered method of this deployment. Because
// dispatch here is classified statically at registration rather than by
// runtime reflection (see Definition's doc comment), TakesAnyArgs and
// TakesContextKwarg are structural constants true of every Method rather
// than per-function introspection results: every handler is declared
// against the same (ctx, instance, args) shape regardless of whether the
// user's own code reads either parameter.
func (w *Wrapper) MethodInfo() []MethodInfo {
	names := make([]string, 0, len(w.def.Methods))
	for name := range w.def.Methods {
		names = append(names, name)
	}
	sort.Strings(names)

	infos := make([]MethodInfo, 0, len(names))
	for _, name := range names {
		infos = append(infos, MethodInfo{
			Name:              name,
			IsASGIApp:         w.def.Methods[name].Kind == KindASGI,
			TakesAnyArgs:      true,
			TakesContextKwarg: true,
		})
	}
	return infos
}

// Initialize constructs the user service exactly once. Subsequent calls
// are no-ops; re-applying config on repeat calls is the replica core's
// responsibility, not the wrapper's.
func (w *Wrapper) Initialize(ctx context.Context, initArgs json.RawMessage) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.initialized {
		return nil
	}

	instance, err := w.def.New(ctx, initArgs)
	if err != nil {
		return apperror.Wrap(err, apperror.CodeInitializationFailed, "user service constructor failed")
	}
	w.instance = instance
	w.initialized = true

	if hook, ok := instance.(Initializer); ok {
		run := func() error { return hook.Initialize(ctx, initArgs) }
		if err := w.runOnUserLoop(ctx, run); err != nil {
			return apperror.Wrap(err, apperror.CodeInitializationFailed, "user on_initialized hook failed")
		}
	}
	return nil
}

// Reconfigure invokes the user's reconfigure hook on the user loop. Calling
// it with a non-empty userConfig against a deployment with no reconfigure
// hook is a mis-use error.
func (w *Wrapper) Reconfigure(ctx context.Context, userConfig json.RawMessage) error {
	if len(userConfig) == 0 {
		return nil
	}
	w.mu.Lock()
	instance := w.instance
	w.mu.Unlock()

	hook, ok := instance.(Reconfigurer)
	if !ok {
		return ErrNoReconfigureHook
	}
	return w.runOnUserLoop(ctx, func() error { return hook.Reconfigure(ctx, userConfig) })
}

// CheckHealth calls the user's health hook, if any. A nil return from a
// deployment with no hook means "assumed healthy."
func (w *Wrapper) CheckHealth(ctx context.Context) error {
	w.mu.Lock()
	instance := w.instance
	w.mu.Unlock()

	hook, ok := instance.(HealthChecker)
	if !ok {
		return nil
	}
	return w.runOnUserLoop(ctx, func() error { return hook.CheckHealth(ctx) })
}

// RecordRoutingStats calls the user's routing-stats hook, if any.
func (w *Wrapper) RecordRoutingStats(ctx context.Context) (map[string]string, error) {
	w.mu.Lock()
	instance := w.instance
	w.mu.Unlock()

	hook, ok := instance.(RoutingStatsReporter)
	if !ok {
		return nil, nil
	}

	var stats map[string]string
	err := w.runOnUserLoop(ctx, func() error {
		var hookErr error
		stats, hookErr = hook.RecordRoutingStats(ctx)
		return hookErr
	})
	return stats, err
}

// Destroy invokes the user's destructor exactly once, swallowing any error
// (it is logged, never raised, per the destructor contract).
func (w *Wrapper) Destroy(ctx context.Context) {
	w.destroyOnce.Do(func() {
		w.mu.Lock()
		instance, initialized := w.instance, w.initialized
		w.mu.Unlock()

		if initialized {
			if hook, ok := instance.(Destroyer); ok {
				if err := w.runOnUserLoop(ctx, func() error { return hook.Destroy(ctx) }); err != nil {
					w.log.Error("user destructor failed", "error", err)
				}
			}
		}
		if w.loop != nil {
			w.loop.stop()
		}
	})
}

// DispatchUnary invokes a unary method and returns its single result.
func (w *Wrapper) DispatchUnary(ctx context.Context, methodName string, args json.RawMessage, statusCode func(int)) (json.RawMessage, error) {
	method, err := w.lookup(methodName)
	if err != nil {
		return nil, err
	}

	switch method.Kind {
	case KindGenerator:
		return nil, ErrGeneratorButStreamFalse
	case KindASGI:
		return w.dispatchASGI(ctx, method, args, nil, statusCode)
	default:
		return w.dispatchUnary(ctx, method, args)
	}
}

// DispatchStreaming invokes a generator (or ASGI) method, delivering each
// item to emit in order before returning.
func (w *Wrapper) DispatchStreaming(ctx context.Context, methodName string, args json.RawMessage, emit func(json.RawMessage) error, statusCode func(int)) error {
	method, err := w.lookup(methodName)
	if err != nil {
		return err
	}

	switch method.Kind {
	case KindUnary:
		return ErrStreamTrueButNotGenerator
	case KindASGI:
		_, err := w.dispatchASGI(ctx, method, args, emit, statusCode)
		return err
	default:
		return w.dispatchGenerator(ctx, method, args, emit)
	}
}

func (w *Wrapper) lookup(methodName string) (Method, error) {
	method, ok := w.def.Methods[methodName]
	if !ok {
		return Method{}, methodNotFoundError(methodName, w.def)
	}
	return method, nil
}

func (w *Wrapper) instanceRef() any {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.instance
}

func (w *Wrapper) dispatchUnary(ctx context.Context, method Method, args json.RawMessage) (json.RawMessage, error) {
	instance := w.instanceRef()

	if w.pool != nil {
		out, err := w.pool.Submit(ctx, func() (json.RawMessage, error) {
			return w.runUnaryOnLoop(ctx, method, instance, args)
		})
		if err != nil {
			return nil, err
		}
		select {
		case res := <-out:
			return res.Value, res.Err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return w.runUnaryOnLoop(ctx, method, instance, args)
}

func (w *Wrapper) runUnaryOnLoop(ctx context.Context, method Method, instance any, args json.RawMessage) (json.RawMessage, error) {
	var result json.RawMessage
	err := w.runOnUserLoop(ctx, func() error {
		var callErr error
		result, callErr = method.Unary(ctx, instance, args)
		return callErr
	})
	return result, err
}

func (w *Wrapper) dispatchGenerator(ctx context.Context, method Method, args json.RawMessage, emit func(json.RawMessage) error) error {
	instance := w.instanceRef()

	if w.pool != nil {
		out, err := w.pool.Submit(ctx, func() (json.RawMessage, error) {
			return nil, w.runGeneratorOnLoop(ctx, method, instance, args, emit)
		})
		if err != nil {
			return err
		}
		select {
		case res := <-out:
			return res.Err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return w.runGeneratorOnLoop(ctx, method, instance, args, emit)
}

// runGeneratorOnLoop runs a generator method to completion. When the
// separate-loop model is active, the generator body itself runs on the
// dedicated user goroutine; its emitted chunks cross back to this calling
// goroutine through a queue rather than invoking emit directly from user
// code, so a slow or blocking emit (a stalled HTTP write, a saturated
// downstream) never stalls the user loop's single goroutine.
func (w *Wrapper) runGeneratorOnLoop(ctx context.Context, method Method, instance any, args json.RawMessage, emit func(json.RawMessage) error) error {
	if w.loop == nil {
		return method.Generator(ctx, instance, args, emit)
	}

	chunks := queue.New[json.RawMessage]()
	done := make(chan struct{})

	runErr := make(chan error, 1)
	go func() {
		defer close(done)
		runErr <- w.loop.run(ctx, func() error {
			return method.Generator(ctx, instance, args, func(chunk json.RawMessage) error {
				chunks.PutNowait(chunk)
				return nil
			})
		})
	}()

	for batch := range chunks.FetchBatches(ctx, done) {
		for _, chunk := range batch {
			if err := emit(chunk); err != nil {
				return err
			}
		}
	}

	select {
	case err := <-runErr:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runOnUserLoop places fn on the dedicated user goroutine when the
// separate-loop model is active, or calls it inline otherwise.
func (w *Wrapper) runOnUserLoop(ctx context.Context, fn func() error) error {
	if w.loop == nil {
		return fn()
	}
	return w.loop.run(ctx, fn)
}

// asgiStatusRecorder taps the first WriteHeader call, matching the ASGI
// "http.response.start" tap spec.md 4.C describes for its own transport.
type asgiStatusRecorder struct {
	http.ResponseWriter
	callback    func(int)
	wroteHeader bool
}

func (r *asgiStatusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.wroteHeader = true
		if r.callback != nil {
			r.callback(code)
		}
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *asgiStatusRecorder) Write(p []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.ResponseWriter.Write(p)
}

// asgiRequest is the minimal wire shape the facade encodes ASGI invocations
// with: an HTTP method, path, and raw body.
type asgiRequest struct {
	Method string          `json:"method"`
	Path   string          `json:"path"`
	Body   json.RawMessage `json:"body,omitempty"`
}

func (w *Wrapper) dispatchASGI(ctx context.Context, method Method, args json.RawMessage, emit func(json.RawMessage) error, statusCode func(int)) (json.RawMessage, error) {
	var req asgiRequest
	if len(args) > 0 {
		if err := json.Unmarshal(args, &req); err != nil {
			return nil, apperror.Wrap(err, apperror.CodeInvalidArgument, "malformed ASGI request envelope")
		}
	}
	if req.Method == "" {
		req.Method = http.MethodPost
	}
	if req.Path == "" {
		req.Path = "/"
	}

	body := strings.NewReader(string(req.Body))
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.Path, body)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeInvalidArgument, "could not build ASGI request")
	}

	rec := httptest.NewRecorder()
	tap := &asgiStatusRecorder{ResponseWriter: rec, callback: statusCode}

	runErr := w.runOnUserLoop(ctx, func() error {
		method.ASGI.ServeHTTP(tap, httpReq)
		return nil
	})
	if runErr != nil {
		return nil, runErr
	}

	respBody := rec.Body.Bytes()
	if emit != nil {
		if len(respBody) > 0 {
			if err := emit(json.RawMessage(respBody)); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}
	return json.RawMessage(respBody), nil
}
