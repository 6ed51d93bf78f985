package usercallable

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"replicacore/pkg/apperror"
)

type echoService struct {
	reconfigured  json.RawMessage
	destroyed     int
	healthErr     error
	initializedAt int
}

func (s *echoService) Initialize(ctx context.Context, initArgs json.RawMessage) error {
	s.initializedAt++
	return nil
}

func (s *echoService) Reconfigure(ctx context.Context, userConfig json.RawMessage) error {
	s.reconfigured = userConfig
	return nil
}

func (s *echoService) Destroy(ctx context.Context) error {
	s.destroyed++
	return nil
}

func (s *echoService) CheckHealth(ctx context.Context) error {
	return s.healthErr
}

func (s *echoService) RecordRoutingStats(ctx context.Context) (map[string]string, error) {
	return map[string]string{"shard": "a"}, nil
}

func echoUnary(ctx context.Context, instance any, args json.RawMessage) (json.RawMessage, error) {
	return args, nil
}

func countingGenerator(count int) GeneratorHandler {
	return func(ctx context.Context, instance any, args json.RawMessage, emit func(json.RawMessage) error) error {
		for i := 0; i < count; i++ {
			if err := emit(json.RawMessage(`"item"`)); err != nil {
				return err
			}
		}
		return nil
	}
}

func newTestDefinition() *Definition {
	return &Definition{
		New: func(ctx context.Context, initArgs json.RawMessage) (any, error) {
			return &echoService{}, nil
		},
		Methods: map[string]Method{
			"echo":   {Name: "echo", Kind: KindUnary, Unary: echoUnary},
			"stream": {Name: "stream", Kind: KindGenerator, Generator: countingGenerator(3)},
		},
	}
}

func TestInitialize_ConstructsExactlyOnce(t *testing.T) {
	var constructed int
	def := newTestDefinition()
	def.New = func(ctx context.Context, initArgs json.RawMessage) (any, error) {
		constructed++
		return &echoService{}, nil
	}

	w := New(def)
	if err := w.Initialize(context.Background(), nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := w.Initialize(context.Background(), nil); err != nil {
		t.Fatalf("second Initialize: %v", err)
	}

	if constructed != 1 {
		t.Errorf("constructed = %d, want 1", constructed)
	}
}

func TestDispatchUnary_ReturnsResult(t *testing.T) {
	w := New(newTestDefinition())
	if err := w.Initialize(context.Background(), nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	got, err := w.DispatchUnary(context.Background(), "echo", json.RawMessage(`"hi"`), nil)
	if err != nil {
		t.Fatalf("DispatchUnary: %v", err)
	}
	if string(got) != `"hi"` {
		t.Errorf("got %s, want %q", got, `"hi"`)
	}
}

func TestDispatchUnary_MethodNotFound(t *testing.T) {
	w := New(newTestDefinition())
	if err := w.Initialize(context.Background(), nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	_, err := w.DispatchUnary(context.Background(), "missing", nil, nil)
	if !apperror.Is(err, apperror.CodeUserMisuse) {
		t.Fatalf("expected a mis-use error, got %v", err)
	}
}

func TestDispatchUnary_GeneratorWithStreamFalse(t *testing.T) {
	w := New(newTestDefinition())
	if err := w.Initialize(context.Background(), nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	_, err := w.DispatchUnary(context.Background(), "stream", nil, nil)
	if !errors.Is(err, ErrGeneratorButStreamFalse) {
		t.Fatalf("got %v, want ErrGeneratorButStreamFalse", err)
	}
}

func TestDispatchStreaming_UnaryWithStreamTrue(t *testing.T) {
	w := New(newTestDefinition())
	if err := w.Initialize(context.Background(), nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	err := w.DispatchStreaming(context.Background(), "echo", nil, func(json.RawMessage) error { return nil }, nil)
	if !errors.Is(err, ErrStreamTrueButNotGenerator) {
		t.Fatalf("got %v, want ErrStreamTrueButNotGenerator", err)
	}
}

func TestDispatchStreaming_PreservesOrder(t *testing.T) {
	w := New(newTestDefinition())
	if err := w.Initialize(context.Background(), nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	var got []json.RawMessage
	err := w.DispatchStreaming(context.Background(), "stream", nil, func(chunk json.RawMessage) error {
		got = append(got, chunk)
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("DispatchStreaming: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d chunks, want 3", len(got))
	}
}

func TestReconfigure_NoHookIsMisuse(t *testing.T) {
	def := &Definition{
		New: func(ctx context.Context, initArgs json.RawMessage) (any, error) {
			return struct{}{}, nil
		},
		Methods: map[string]Method{},
	}
	w := New(def)
	if err := w.Initialize(context.Background(), nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	err := w.Reconfigure(context.Background(), json.RawMessage(`{"a":1}`))
	if !errors.Is(err, ErrNoReconfigureHook) {
		t.Fatalf("got %v, want ErrNoReconfigureHook", err)
	}
}

func TestReconfigure_EmptyConfigIsNoop(t *testing.T) {
	w := New(newTestDefinition())
	if err := w.Initialize(context.Background(), nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := w.Reconfigure(context.Background(), nil); err != nil {
		t.Fatalf("Reconfigure with empty config: %v", err)
	}
}

func TestReconfigure_InvokesHook(t *testing.T) {
	w := New(newTestDefinition())
	if err := w.Initialize(context.Background(), nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if err := w.Reconfigure(context.Background(), json.RawMessage(`{"a":1}`)); err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}

	svc := w.instanceRef().(*echoService)
	if string(svc.reconfigured) != `{"a":1}` {
		t.Errorf("reconfigured = %s", svc.reconfigured)
	}
}

func TestCheckHealth_SurfacesFailure(t *testing.T) {
	wantErr := errors.New("down")
	def := newTestDefinition()
	def.New = func(ctx context.Context, initArgs json.RawMessage) (any, error) {
		return &echoService{healthErr: wantErr}, nil
	}
	w := New(def)
	if err := w.Initialize(context.Background(), nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if err := w.CheckHealth(context.Background()); !errors.Is(err, wantErr) {
		t.Fatalf("got %v, want %v", err, wantErr)
	}
}

func TestRecordRoutingStats_ReturnsHookResult(t *testing.T) {
	w := New(newTestDefinition())
	if err := w.Initialize(context.Background(), nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	stats, err := w.RecordRoutingStats(context.Background())
	if err != nil {
		t.Fatalf("RecordRoutingStats: %v", err)
	}
	if stats["shard"] != "a" {
		t.Errorf("stats = %v", stats)
	}
}

func TestDestroy_RunsExactlyOnce(t *testing.T) {
	def := newTestDefinition()
	var instance *echoService
	def.New = func(ctx context.Context, initArgs json.RawMessage) (any, error) {
		instance = &echoService{}
		return instance, nil
	}
	w := New(def)
	if err := w.Initialize(context.Background(), nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	w.Destroy(context.Background())
	w.Destroy(context.Background())

	if instance.destroyed != 1 {
		t.Errorf("destroyed = %d, want 1", instance.destroyed)
	}
}

func TestDestroy_NeverInitializedSkipsHook(t *testing.T) {
	w := New(newTestDefinition())
	w.Destroy(context.Background()) // should not panic; instance was never constructed
}

func TestSeparateLoop_DispatchesOnDedicatedGoroutine(t *testing.T) {
	def := newTestDefinition()
	def.RunUserCodeInSeparateLoop = true
	w := New(def)
	if err := w.Initialize(context.Background(), nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	got, err := w.DispatchUnary(context.Background(), "echo", json.RawMessage(`"hi"`), nil)
	if err != nil {
		t.Fatalf("DispatchUnary: %v", err)
	}
	if string(got) != `"hi"` {
		t.Errorf("got %s", got)
	}
	w.Destroy(context.Background())
}

func TestSeparateLoop_GeneratorChunksCrossQueueInOrder(t *testing.T) {
	def := newTestDefinition()
	def.RunUserCodeInSeparateLoop = true
	w := New(def)
	if err := w.Initialize(context.Background(), nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer w.Destroy(context.Background())

	var got []string
	err := w.DispatchStreaming(context.Background(), "stream", nil, func(chunk json.RawMessage) error {
		got = append(got, string(chunk))
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("DispatchStreaming: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d chunks, want 3: %v", len(got), got)
	}
	for _, chunk := range got {
		if chunk != `"item"` {
			t.Errorf("got chunk %s, want \"item\"", chunk)
		}
	}
}

func TestSyncOffloadPool_BoundsConcurrency(t *testing.T) {
	def := &Definition{
		New: func(ctx context.Context, initArgs json.RawMessage) (any, error) {
			return &echoService{}, nil
		},
		Methods: map[string]Method{
			"slow": {Name: "slow", Kind: KindUnary, Unary: func(ctx context.Context, instance any, args json.RawMessage) (json.RawMessage, error) {
				time.Sleep(20 * time.Millisecond)
				return json.RawMessage(`"ok"`), nil
			}},
		},
		RunSyncInThreadPool: true,
		WorkerPoolSize:      2,
	}
	w := New(def)
	if err := w.Initialize(context.Background(), nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	results := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := w.DispatchUnary(context.Background(), "slow", nil, nil)
			results <- err
		}()
	}
	for i := 0; i < 3; i++ {
		if err := <-results; err != nil {
			t.Errorf("DispatchUnary: %v", err)
		}
	}
}

func TestDispatchASGI_TapsStatusCodeAndBody(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte(`{"ok":true}`))
	})

	def := &Definition{
		New: func(ctx context.Context, initArgs json.RawMessage) (any, error) {
			return &echoService{}, nil
		},
		Methods: map[string]Method{
			"app": {Name: "app", Kind: KindASGI, ASGI: handler},
		},
	}
	w := New(def)
	if err := w.Initialize(context.Background(), nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	var status int
	got, err := w.DispatchUnary(context.Background(), "app", nil, func(code int) { status = code })
	if err != nil {
		t.Fatalf("DispatchUnary: %v", err)
	}
	if status != http.StatusTeapot {
		t.Errorf("status = %d, want %d", status, http.StatusTeapot)
	}
	if string(got) != `{"ok":true}` {
		t.Errorf("got %s", got)
	}
}
