package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the global metrics container for a replica process.
type Metrics struct {
	// Request-path metrics.
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Admission metrics.
	AdmissionAccepted prometheus.Counter
	AdmissionRejected prometheus.Counter
	OngoingRequests   prometheus.Gauge
	QueuedRequests    prometheus.Gauge

	// Autoscaling metric samples pushed to the controller.
	AutoscalingOngoingRequests *prometheus.GaugeVec

	// Lifecycle metrics.
	Restarts prometheus.Counter
	HealthOK prometheus.Gauge

	// System metrics.
	MemoryUsage *prometheus.GaugeVec
	Goroutines  prometheus.Gauge

	// UserCodeDuration times only the user callable's own execution,
	// excluding time spent queued on the admission semaphore — distinct
	// from RequestDuration, which covers the whole request lifecycle.
	UserCodeDuration *prometheus.HistogramVec

	ServiceInfo *prometheus.GaugeVec

	// cacheMu guards the two in-memory caches below: the per-route request
	// buffer (eager vs. buffered recording, ExportIntervalMS) and the
	// per-replica autoscaling sample history (the windowed-average store
	// behind RecordAutoscalingMetrics).
	cacheMu          sync.Mutex
	exportInterval   time.Duration
	bufferedRequests map[string][]requestSample
	autoscaleSamples map[string][]autoscaleSample
}

// requestSample is one buffered per-request observation, replayed against
// the real Prometheus collectors on the next flush.
type requestSample struct {
	status   string
	duration time.Duration
}

// autoscaleSample is one timestamped ongoing-request-count reading, kept
// long enough to compute a windowed average over a look-back period.
type autoscaleSample struct {
	at    time.Time
	value float64
}

// autoscaleRetention bounds how long samples are kept regardless of the
// look-back period a caller later asks WindowedAverage for, so a replica
// that goes a long time between pusher ticks doesn't grow this store
// without bound.
const autoscaleRetention = 10 * time.Minute

var defaultMetrics *Metrics

// InitMetrics constructs and registers every metric exposed by a replica
// process under the given namespace/subsystem.
func InitMetrics(namespace, subsystem string) *Metrics {
	m := &Metrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "requests_total",
				Help:      "Total number of requests handled by the replica",
			},
			[]string{"route", "status"},
		),

		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "request_duration_seconds",
				Help:      "Duration of requests handled by the replica",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"route"},
		),

		RequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "requests_in_flight",
				Help:      "Current number of requests being processed",
			},
		),

		AdmissionAccepted: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "admission_accepted_total",
				Help:      "Total number of requests admitted past the concurrency ceiling",
			},
		),

		AdmissionRejected: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "admission_rejected_total",
				Help:      "Total number of requests rejected by the admission semaphore",
			},
		),

		OngoingRequests: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "ongoing_requests",
				Help:      "Number of requests currently admitted and being processed",
			},
		),

		QueuedRequests: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "queued_requests",
				Help:      "Number of requests waiting on the admission semaphore",
			},
		),

		AutoscalingOngoingRequests: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "autoscaling_ongoing_requests",
				Help:      "Ongoing request count sampled for autoscaling, per deployment/replica",
			},
			[]string{"deployment", "replica"},
		),

		Restarts: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "restarts_total",
				Help:      "Incremented once per process start",
			},
		),

		HealthOK: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "health_ok",
				Help:      "1 if the last health check passed, 0 otherwise",
			},
		),

		MemoryUsage: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "memory_usage_bytes",
				Help:      "Current memory usage",
			},
			[]string{"type"},
		),

		Goroutines: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "goroutines",
				Help:      "Current number of goroutines",
			},
		),

		UserCodeDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "user_code_duration_seconds",
				Help:      "Duration of the user callable's own execution, excluding admission queueing",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"method"},
		),

		ServiceInfo: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "service_info",
				Help:      "Service information",
			},
			[]string{"version", "environment"},
		),
	}

	m.Restarts.Inc()
	m.bufferedRequests = make(map[string][]requestSample)
	m.autoscaleSamples = make(map[string][]autoscaleSample)

	prometheus.MustRegister(NewRuntimeCollector(namespace, subsystem))

	defaultMetrics = m
	return m
}

// TimeUserCode starts a Timer against UserCodeDuration for the given
// method; the caller observes it with Timer.ObserveDuration once the
// user callable returns.
func (m *Metrics) TimeUserCode(method string) *Timer {
	return NewTimer(m.UserCodeDuration, method)
}

// ConfigureCaching applies spec 4.B's central caching policy: when
// exportInterval is zero, RecordRequest writes straight through to the
// Prometheus collectors (eager). When it's positive, per-request
// observations are buffered in memory and a background task flushes them
// into the collectors once per interval, so a high-QPS route doesn't pay
// a Prometheus collector update on every single request.
func (m *Metrics) ConfigureCaching(exportInterval time.Duration) *Metrics {
	m.cacheMu.Lock()
	m.exportInterval = exportInterval
	m.cacheMu.Unlock()

	if exportInterval > 0 {
		go m.runFlushLoop(exportInterval)
	}
	return m
}

func (m *Metrics) runFlushLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		m.flushBufferedRequests()
	}
}

func (m *Metrics) flushBufferedRequests() {
	m.cacheMu.Lock()
	buffered := m.bufferedRequests
	m.bufferedRequests = make(map[string][]requestSample)
	m.cacheMu.Unlock()

	for route, samples := range buffered {
		for _, s := range samples {
			m.RequestsTotal.WithLabelValues(route, s.status).Inc()
			m.RequestDuration.WithLabelValues(route).Observe(s.duration.Seconds())
		}
	}
}

// Get returns the global metrics container, lazily initializing it with
// the package defaults if nothing has called InitMetrics yet.
func Get() *Metrics {
	if defaultMetrics == nil {
		return InitMetrics("replica", "")
	}
	return defaultMetrics
}

// RecordRequest records the outcome of a single request on the facade,
// either eagerly or buffered for the next flush, per ConfigureCaching.
func (m *Metrics) RecordRequest(route, status string, duration time.Duration) {
	m.cacheMu.Lock()
	interval := m.exportInterval
	if interval > 0 {
		m.bufferedRequests[route] = append(m.bufferedRequests[route], requestSample{status: status, duration: duration})
		m.cacheMu.Unlock()
		return
	}
	m.cacheMu.Unlock()

	m.RequestsTotal.WithLabelValues(route, status).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordAdmission records an admission-control decision.
func (m *Metrics) RecordAdmission(accepted bool, ongoing, queued int) {
	if accepted {
		m.AdmissionAccepted.Inc()
	} else {
		m.AdmissionRejected.Inc()
	}
	m.OngoingRequests.Set(float64(ongoing))
	m.QueuedRequests.Set(float64(queued))
}

// RecordAutoscalingSample records a timestamped ongoing-request-count
// reading: it updates the Prometheus gauge for direct scraping and appends
// to this deployment/replica's windowed sample history for WindowedAverage
// to later summarize. Called by the periodic sampler task always, and
// additionally on every request completion when record_on_handle is set.
func (m *Metrics) RecordAutoscalingSample(deployment, replica string, ongoing int) {
	m.AutoscalingOngoingRequests.WithLabelValues(deployment, replica).Set(float64(ongoing))

	key := deployment + "/" + replica
	now := time.Now()

	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	samples := append(m.autoscaleSamples[key], autoscaleSample{at: now, value: float64(ongoing)})
	m.autoscaleSamples[key] = pruneAutoscaleSamples(samples, now, autoscaleRetention)
}

// WindowedAverage computes the mean of this deployment/replica's samples
// within [now-lookBack, now], the pusher task's periodic summary for
// record_autoscaling_metrics. Returns 0 if no sample falls in the window.
func (m *Metrics) WindowedAverage(deployment, replica string, lookBack time.Duration) float64 {
	key := deployment + "/" + replica
	now := time.Now()

	m.cacheMu.Lock()
	samples := pruneAutoscaleSamples(m.autoscaleSamples[key], now, lookBack)
	m.autoscaleSamples[key] = samples
	m.cacheMu.Unlock()

	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s.value
	}
	return sum / float64(len(samples))
}

// pruneAutoscaleSamples drops every sample older than now-window, assuming
// samples is already in non-decreasing time order (true of any slice built
// by repeated appends from RecordAutoscalingSample).
func pruneAutoscaleSamples(samples []autoscaleSample, now time.Time, window time.Duration) []autoscaleSample {
	cutoff := now.Add(-window)
	i := 0
	for i < len(samples) && samples[i].at.Before(cutoff) {
		i++
	}
	return samples[i:]
}

// SetHealth records the outcome of the last health check.
func (m *Metrics) SetHealth(ok bool) {
	if ok {
		m.HealthOK.Set(1)
	} else {
		m.HealthOK.Set(0)
	}
}

// SetServiceInfo sets the service version/environment info gauge.
func (m *Metrics) SetServiceInfo(version, environment string) {
	m.ServiceInfo.WithLabelValues(version, environment).Set(1)
}

// Handler returns the HTTP handler serving /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartMetricsServer starts a small HTTP server exposing /metrics and /health.
func StartMetricsServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return server.ListenAndServe()
}
