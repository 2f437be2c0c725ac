package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Execution metrics
	ExecutionsDispatched *prometheus.CounterVec
	ExecutionDuration    *prometheus.HistogramVec
	ExecutionResults     *prometheus.CounterVec
	QueueDepth           *prometheus.GaugeVec

	// Kernel metrics
	ArtifactsWritten      *prometheus.CounterVec
	RejectionsSwallowed   prometheus.Counter
	DependencyParseErrors prometheus.Counter
	Installs              *prometheus.CounterVec

	// Runtime metrics
	RuntimesActive prometheus.Gauge
	RuntimesTotal  *prometheus.CounterVec

	// Watcher metrics
	WatcherEvents      *prometheus.CounterVec
	WatcherParseErrors prometheus.Counter

	// WebSocket metrics
	WSConnections prometheus.Gauge
	WSMessages    *prometheus.CounterVec

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time

	snapshot Snapshot
	mu       sync.RWMutex
	stop     chan struct{}
	once     sync.Once
}

// Snapshot holds running totals for the JSON health endpoint
type Snapshot struct {
	TotalRequests      int64   `json:"totalRequests"`
	TotalErrors        int64   `json:"totalErrors"`
	Executions         int64   `json:"executions"`
	ActiveRuntimes     int64   `json:"activeRuntimes"`
	ActiveConnections  int64   `json:"activeConnections"`
	AverageRequestSecs float64 `json:"averageRequestSeconds"`
	UptimeSeconds      float64 `json:"uptimeSeconds"`

	totalDuration float64
}

// NewMetrics creates collectors registered with the default registerer.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith creates collectors registered with reg. Tests pass a fresh
// registry so repeated construction does not panic on duplicate names.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	durations := []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60}

	m := &Metrics{
		startTime: time.Now(),
		stop:      make(chan struct{}),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kernel_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),

		ExecutionsDispatched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_executions_dispatched_total",
				Help: "Executions written to the workspace",
			},
			[]string{"language", "reason"},
		),
		ExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kernel_execution_duration_seconds",
				Help:    "Time from evaluation start to terminal artifact",
				Buckets: durations,
			},
			[]string{"language"},
		),
		ExecutionResults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_execution_results_total",
				Help: "Terminal execution outcomes by error kind",
			},
			[]string{"language", "outcome"},
		),
		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kernel_queue_depth",
				Help: "Jobs waiting in a work queue",
			},
			[]string{"queue"},
		),

		ArtifactsWritten: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_artifacts_written_total",
				Help: "Result and log artifacts written",
			},
			[]string{"kind"},
		),
		RejectionsSwallowed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kernel_rejections_swallowed_total",
				Help: "Promise rejections inside cells that were never exported",
			},
		),
		DependencyParseErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kernel_dependency_parse_errors_total",
				Help: "Cell sources whose imports could not be parsed",
			},
		),
		Installs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_dependency_installs_total",
				Help: "Dependency installations by installer and status",
			},
			[]string{"installer", "status"},
		),

		RuntimesActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "kernel_runtimes_active",
				Help: "Provisioned runtimes",
			},
		),
		RuntimesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_runtimes_total",
				Help: "Runtimes provisioned by mode",
			},
			[]string{"mode"},
		),

		WatcherEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_watcher_events_total",
				Help: "Artifacts published to subscribers",
			},
			[]string{"variant"},
		),
		WatcherParseErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kernel_watcher_parse_errors_total",
				Help: "Artifacts the watcher could not decode",
			},
		),

		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "kernel_ws_connections",
				Help: "Number of active WebSocket connections",
			},
		),
		WSMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_ws_messages_total",
				Help: "Total number of WebSocket messages",
			},
			[]string{"direction", "type"},
		),

		Uptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "kernel_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
	}

	go m.updateUptime()

	return m
}

// Close stops the uptime updater.
func (m *Metrics) Close() {
	m.once.Do(func() { close(m.stop) })
}

func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Uptime.Set(time.Since(m.startTime).Seconds())
		case <-m.stop:
			return
		}
	}
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())

	m.mu.Lock()
	m.snapshot.TotalRequests++
	m.snapshot.totalDuration += duration.Seconds()
	if status != "" && (status[0] == '4' || status[0] == '5') {
		m.snapshot.TotalErrors++
	}
	m.mu.Unlock()
}

// RecordDispatch counts an execution written to the workspace. reason is
// "requested" for the target cell and "prerequisite" for a re-run stale one.
func (m *Metrics) RecordDispatch(language, reason string) {
	m.ExecutionsDispatched.WithLabelValues(language, reason).Inc()
	m.mu.Lock()
	m.snapshot.Executions++
	m.mu.Unlock()
}

// RecordExecution records the terminal outcome of one evaluation.
func (m *Metrics) RecordExecution(language, outcome string, duration time.Duration) {
	m.ExecutionResults.WithLabelValues(language, outcome).Inc()
	m.ExecutionDuration.WithLabelValues(language).Observe(duration.Seconds())
}

// SetQueueDepth reports how many jobs wait in the named queue.
func (m *Metrics) SetQueueDepth(queue string, depth int) {
	m.QueueDepth.WithLabelValues(queue).Set(float64(depth))
}

// RecordArtifact implements the artifact writer observer.
func (m *Metrics) RecordArtifact(kind string) {
	m.ArtifactsWritten.WithLabelValues(kind).Inc()
}

// IncRejectionsSwallowed counts an unexported promise rejection.
func (m *Metrics) IncRejectionsSwallowed() {
	m.RejectionsSwallowed.Inc()
}

// IncDependencyParseErrors counts a source whose imports failed to parse.
func (m *Metrics) IncDependencyParseErrors() {
	m.DependencyParseErrors.Inc()
}

// RecordInstall counts a dependency installation.
func (m *Metrics) RecordInstall(installer, status string) {
	m.Installs.WithLabelValues(installer, status).Inc()
}

// RuntimeProvisioned records a new runtime.
func (m *Metrics) RuntimeProvisioned(mode string) {
	m.RuntimesTotal.WithLabelValues(mode).Inc()
	m.RuntimesActive.Inc()
	m.mu.Lock()
	m.snapshot.ActiveRuntimes++
	m.mu.Unlock()
}

// RuntimeReleased records a runtime shutdown.
func (m *Metrics) RuntimeReleased() {
	m.RuntimesActive.Dec()
	m.mu.Lock()
	m.snapshot.ActiveRuntimes--
	m.mu.Unlock()
}

// RecordWatcherEvent counts a published artifact by result variant.
func (m *Metrics) RecordWatcherEvent(variant string) {
	m.WatcherEvents.WithLabelValues(variant).Inc()
}

// IncWatcherParseErrors counts an undecodable artifact.
func (m *Metrics) IncWatcherParseErrors() {
	m.WatcherParseErrors.Inc()
}

// RecordWSMessage records a WebSocket message
func (m *Metrics) RecordWSMessage(direction, msgType string) {
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

// IncWSConnections increments WebSocket connections
func (m *Metrics) IncWSConnections() {
	m.WSConnections.Inc()
	m.mu.Lock()
	m.snapshot.ActiveConnections++
	m.mu.Unlock()
}

// DecWSConnections decrements WebSocket connections
func (m *Metrics) DecWSConnections() {
	m.WSConnections.Dec()
	m.mu.Lock()
	m.snapshot.ActiveConnections--
	m.mu.Unlock()
}

// Snapshot returns the current running totals.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := m.snapshot
	if s.TotalRequests > 0 {
		s.AverageRequestSecs = s.totalDuration / float64(s.TotalRequests)
	}
	s.UptimeSeconds = time.Since(m.startTime).Seconds()
	return s
}
