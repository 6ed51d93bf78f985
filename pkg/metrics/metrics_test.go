package metrics

import (
	"runtime"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestInitMetrics(t *testing.T) {
	// Create fresh registry to avoid conflicts
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg

	m := InitMetrics("test", "service")

	if m == nil {
		t.Fatal("InitMetrics returned nil")
	}

	if m.RequestsTotal == nil {
		t.Error("RequestsTotal should not be nil")
	}
	if m.RequestDuration == nil {
		t.Error("RequestDuration should not be nil")
	}
	if m.RequestsInFlight == nil {
		t.Error("RequestsInFlight should not be nil")
	}
}

func TestInitMetrics_IncrementsRestarts(t *testing.T) {
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg

	m := InitMetrics("test", "restart")

	count := testCounterValue(t, m.Restarts)
	if count != 1 {
		t.Errorf("Restarts = %v, want 1", count)
	}
}

func TestInitMetrics_RegistersRuntimeCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg

	InitMetrics("test", "runtime-registration")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "test_runtime-registration_runtime_goroutines" {
			found = true
		}
	}
	if !found {
		t.Error("expected InitMetrics to register RuntimeCollector's goroutine gauge")
	}
}

func TestTimeUserCode_ObservesIntoUserCodeDuration(t *testing.T) {
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg

	m := InitMetrics("test", "usercode")

	timer := m.TimeUserCode("predict")
	time.Sleep(10 * time.Millisecond)
	duration := timer.ObserveDuration()

	if duration < 10*time.Millisecond {
		t.Errorf("duration = %v, expected >= 10ms", duration)
	}
}

func TestGet(t *testing.T) {
	// Reset default metrics
	defaultMetrics = nil

	m := Get()
	if m == nil {
		t.Error("Get() should not return nil")
	}

	// Second call should return same instance
	m2 := Get()
	if m2 != m {
		t.Error("Get() should return same instance")
	}
}

func TestRecordRequest(t *testing.T) {
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg

	m := InitMetrics("test", "requests")

	// Should not panic
	m.RecordRequest("/predict", "2xx", 100*time.Millisecond)
	m.RecordRequest("/predict", "5xx", 50*time.Millisecond)
}

func TestRecordAdmission(t *testing.T) {
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg

	m := InitMetrics("test", "admission")

	m.RecordAdmission(true, 3, 0)
	m.RecordAdmission(false, 10, 4)
}

func TestRecordAutoscalingSample(t *testing.T) {
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg

	m := InitMetrics("test", "autoscaling")

	m.RecordAutoscalingSample("my-app", "replica-1", 7)
}

func TestWindowedAverage_AveragesSamplesInWindow(t *testing.T) {
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg

	m := InitMetrics("test", "windowed")

	m.RecordAutoscalingSample("app", "r1", 2)
	m.RecordAutoscalingSample("app", "r1", 4)
	m.RecordAutoscalingSample("app", "r1", 6)

	got := m.WindowedAverage("app", "r1", time.Minute)
	if got != 4 {
		t.Errorf("WindowedAverage() = %v, want 4", got)
	}
}

func TestWindowedAverage_NoSamplesReturnsZero(t *testing.T) {
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg

	m := InitMetrics("test", "windowed-empty")

	got := m.WindowedAverage("app", "r1", time.Minute)
	if got != 0 {
		t.Errorf("WindowedAverage() = %v, want 0", got)
	}
}

func TestConfigureCaching_EagerRecordsImmediately(t *testing.T) {
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg

	m := InitMetrics("test", "cache-eager")
	m.ConfigureCaching(0)

	m.RecordRequest("/predict", "2xx", 10*time.Millisecond)

	count := testCounterValue(t, m.RequestsTotal.WithLabelValues("/predict", "2xx"))
	if count != 1 {
		t.Errorf("eager RequestsTotal = %v, want 1 immediately after RecordRequest", count)
	}
}

func TestConfigureCaching_BufferedFlushesOnInterval(t *testing.T) {
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg

	m := InitMetrics("test", "cache-buffered")
	m.ConfigureCaching(20 * time.Millisecond)

	m.RecordRequest("/predict", "2xx", 10*time.Millisecond)

	before := testCounterValue(t, m.RequestsTotal.WithLabelValues("/predict", "2xx"))
	if before != 0 {
		t.Errorf("buffered RequestsTotal = %v, want 0 before the next flush tick", before)
	}

	time.Sleep(60 * time.Millisecond)

	after := testCounterValue(t, m.RequestsTotal.WithLabelValues("/predict", "2xx"))
	if after != 1 {
		t.Errorf("buffered RequestsTotal = %v, want 1 after a flush tick", after)
	}
}

func TestSetHealth(t *testing.T) {
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg

	m := InitMetrics("test", "health")

	m.SetHealth(true)
	m.SetHealth(false)
}

func TestSetServiceInfo(t *testing.T) {
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg

	m := InitMetrics("test", "info")

	m.SetServiceInfo("1.0.0", "production")
}

func TestRuntimeCollector(t *testing.T) {
	collector := NewRuntimeCollector("test", "runtime")

	// Test Describe
	descCh := make(chan *prometheus.Desc, 10)
	collector.Describe(descCh)
	close(descCh)

	count := 0
	for range descCh {
		count++
	}
	if count < 5 {
		t.Errorf("expected at least 5 descriptors, got %d", count)
	}

	// Test Collect
	metricCh := make(chan prometheus.Metric, 10)
	collector.Collect(metricCh)
	close(metricCh)

	count = 0
	for range metricCh {
		count++
	}
	if count < 5 {
		t.Errorf("expected at least 5 metrics, got %d", count)
	}
}

func TestRequestTracker(t *testing.T) {
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "test_in_flight",
	})

	tracker := NewRequestTracker(gauge)

	tracker.Start("/method1")
	tracker.Start("/method1")
	tracker.Start("/method2")

	// Check active counts
	if tracker.active["/method1"] != 2 {
		t.Errorf("active[method1] = %d, want 2", tracker.active["/method1"])
	}

	tracker.End("/method1")
	if tracker.active["/method1"] != 1 {
		t.Errorf("active[method1] = %d, want 1", tracker.active["/method1"])
	}

	// End more than started should not go negative
	tracker.End("/method1")
	tracker.End("/method1")
	if tracker.active["/method1"] < 0 {
		t.Error("active count should not go negative")
	}
}

func TestTimer(t *testing.T) {
	histogram := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "test_duration",
			Buckets: []float64{.01, .1, 1},
		},
		[]string{"method"},
	)

	timer := NewTimer(histogram, "test_method")

	time.Sleep(10 * time.Millisecond)

	duration := timer.ObserveDuration()
	if duration < 10*time.Millisecond {
		t.Errorf("duration = %v, expected >= 10ms", duration)
	}
}

func TestHandler(t *testing.T) {
	handler := Handler()
	if handler == nil {
		t.Error("Handler() should not return nil")
	}
}

func TestRuntimeCollector_GCPause(t *testing.T) {
	// Force a GC to ensure we have GC data
	runtime.GC()

	collector := NewRuntimeCollector("test", "gc")
	metricCh := make(chan prometheus.Metric, 10)
	collector.Collect(metricCh)
	close(metricCh)

	// Should have collected GC pause metric
	found := false
	for range metricCh {
		found = true
	}
	if !found {
		t.Error("should have collected at least one metric")
	}
}

func testCounterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		t.Fatalf("failed to read counter value: %v", err)
	}
	return m.GetCounter().GetValue()
}
