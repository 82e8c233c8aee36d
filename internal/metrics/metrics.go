package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Segment upload results.
const (
	SegmentUploaded = "uploaded"
	SegmentSkipped  = "skipped"
	SegmentFailed   = "failed"
)

// Metrics holds all application metrics. A nil *Metrics records nothing,
// so components can be built without instrumentation.
type Metrics struct {
	gatherer prometheus.Gatherer

	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestBytes     *prometheus.CounterVec
	backendOperations    *prometheus.CounterVec
	backendDuration      *prometheus.HistogramVec
	backendErrors        *prometheus.CounterVec
	transfersTotal       *prometheus.CounterVec
	transferDuration     *prometheus.HistogramVec
	transferBytes        *prometheus.CounterVec
	encryptionOperations *prometheus.CounterVec
	encryptionErrors     *prometheus.CounterVec
	segmentUploads       *prometheus.CounterVec
	segmentBytes         prometheus.Counter
	manifestCommits      *prometheus.CounterVec
	retries              *prometheus.CounterVec
	sizeTranslationFails prometheus.Counter
	vaultUnlocks         *prometheus.CounterVec
	activeConnections    prometheus.Gauge
	goroutines           prometheus.Gauge
	memoryAllocBytes     prometheus.Gauge
	memorySysBytes       prometheus.Gauge
}

// NewMetrics creates a new metrics instance on the default registry.
func NewMetrics() *Metrics {
	return newMetrics(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewMetricsWithRegistry creates a new metrics instance with a custom registry.
func NewMetricsWithRegistry(reg *prometheus.Registry) *Metrics {
	return newMetrics(reg, reg)
}

func newMetrics(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		gatherer: gatherer,
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		httpRequestBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_request_bytes_total",
				Help: "Total bytes transferred in HTTP requests",
			},
			[]string{"method", "path"},
		),
		backendOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backend_operations_total",
				Help: "Total number of storage backend operations",
			},
			[]string{"operation", "container"},
		),
		backendDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "backend_operation_duration_seconds",
				Help:    "Storage backend operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "container"},
		),
		backendErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backend_operation_errors_total",
				Help: "Total number of storage backend errors",
			},
			[]string{"operation", "container", "error_type"},
		),
		transfersTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transfers_total",
				Help: "Total number of transfers by operation and result",
			},
			[]string{"operation", "encrypted", "result"},
		),
		transferDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "transfer_duration_seconds",
				Help:    "Transfer duration in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
			},
			[]string{"operation"},
		),
		transferBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transfer_bytes_total",
				Help: "Total cleartext bytes transferred",
			},
			[]string{"operation"},
		),
		encryptionOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "encryption_operations_total",
				Help: "Total number of encryption/decryption operations",
			},
			[]string{"operation"}, // "encrypt" or "decrypt"
		),
		encryptionErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "encryption_errors_total",
				Help: "Total number of encryption/decryption errors",
			},
			[]string{"operation", "error_type"},
		),
		segmentUploads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "segment_uploads_total",
				Help: "Total number of large-object segments by result",
			},
			[]string{"result"},
		),
		segmentBytes: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "segment_bytes_uploaded_total",
				Help: "Total bytes uploaded as large-object segments",
			},
		),
		manifestCommits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "manifest_commits_total",
				Help: "Total number of large-object manifest commits by result",
			},
			[]string{"result"},
		),
		retries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backend_retries_total",
				Help: "Total number of retried backend operations",
			},
			[]string{"operation"},
		),
		sizeTranslationFails: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "size_translation_failures_total",
				Help: "Total number of ciphertext sizes that could not be translated",
			},
		),
		vaultUnlocks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vault_unlocks_total",
				Help: "Total number of vault unlock attempts by result",
			},
			[]string{"result"},
		),
		activeConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "active_connections",
				Help: "Number of active HTTP connections",
			},
		),
		goroutines: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "goroutines_total",
				Help: "Number of goroutines",
			},
		),
		memoryAllocBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_alloc_bytes",
				Help: "Number of bytes allocated and not yet freed",
			},
		),
		memorySysBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_sys_bytes",
				Help: "Total bytes of memory obtained from OS",
			},
		),
	}
}

// RecordHTTPRequest records an HTTP request metric.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration, bytes int64) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, path, http.StatusText(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, path, http.StatusText(status)).Observe(duration.Seconds())
	m.httpRequestBytes.WithLabelValues(method, path).Add(float64(bytes))
}

// RecordBackendOperation records a storage backend operation.
func (m *Metrics) RecordBackendOperation(operation, container string, duration time.Duration) {
	if m == nil {
		return
	}
	m.backendOperations.WithLabelValues(operation, container).Inc()
	m.backendDuration.WithLabelValues(operation, container).Observe(duration.Seconds())
}

// RecordBackendError records a storage backend error.
func (m *Metrics) RecordBackendError(operation, container, errorType string) {
	if m == nil {
		return
	}
	m.backendErrors.WithLabelValues(operation, container, errorType).Inc()
}

// RecordTransfer records a finished transfer.
func (m *Metrics) RecordTransfer(operation string, encrypted bool, result string, duration time.Duration, bytes int64) {
	if m == nil {
		return
	}
	enc := "false"
	if encrypted {
		enc = "true"
	}
	m.transfersTotal.WithLabelValues(operation, enc, result).Inc()
	m.transferDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if bytes > 0 {
		m.transferBytes.WithLabelValues(operation).Add(float64(bytes))
	}
}

// RecordEncryptionOperation counts an encrypt or decrypt stream.
func (m *Metrics) RecordEncryptionOperation(operation string) {
	if m == nil {
		return
	}
	m.encryptionOperations.WithLabelValues(operation).Inc()
}

// RecordEncryptionError records an encryption operation error.
func (m *Metrics) RecordEncryptionError(operation, errorType string) {
	if m == nil {
		return
	}
	m.encryptionErrors.WithLabelValues(operation, errorType).Inc()
}

// RecordSegment records the outcome of one segment.
func (m *Metrics) RecordSegment(result string, bytes int64) {
	if m == nil {
		return
	}
	m.segmentUploads.WithLabelValues(result).Inc()
	if result == SegmentUploaded {
		m.segmentBytes.Add(float64(bytes))
	}
}

// RecordManifestCommit records a manifest commit outcome.
func (m *Metrics) RecordManifestCommit(success bool) {
	if m == nil {
		return
	}
	m.manifestCommits.WithLabelValues(result(success)).Inc()
}

// RecordRetry counts one retry of operation.
func (m *Metrics) RecordRetry(operation string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(operation).Inc()
}

// RecordSizeTranslationFailure counts a ciphertext size that could not be
// translated to cleartext.
func (m *Metrics) RecordSizeTranslationFailure() {
	if m == nil {
		return
	}
	m.sizeTranslationFails.Inc()
}

// RecordVaultUnlock records a vault unlock attempt.
func (m *Metrics) RecordVaultUnlock(success bool) {
	if m == nil {
		return
	}
	m.vaultUnlocks.WithLabelValues(result(success)).Inc()
}

// TransferCounter returns the transfer counter for the given labels.
func (m *Metrics) TransferCounter(operation string, encrypted bool, result string) prometheus.Counter {
	enc := "false"
	if encrypted {
		enc = "true"
	}
	return m.transfersTotal.WithLabelValues(operation, enc, result)
}

// SegmentCounter returns the segment counter for result.
func (m *Metrics) SegmentCounter(result string) prometheus.Counter {
	return m.segmentUploads.WithLabelValues(result)
}

// RetryCounter returns the retry counter for operation.
func (m *Metrics) RetryCounter(operation string) prometheus.Counter {
	return m.retries.WithLabelValues(operation)
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// UpdateSystemMetrics updates system-level metrics (goroutines, memory).
func (m *Metrics) UpdateSystemMetrics() {
	if m == nil {
		return
	}
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.memoryAllocBytes.Set(float64(memStats.Alloc))
	m.memorySysBytes.Set(float64(memStats.Sys))
}

// IncrementActiveConnections increments the active connections counter.
func (m *Metrics) IncrementActiveConnections() {
	if m == nil {
		return
	}
	m.activeConnections.Inc()
}

// DecrementActiveConnections decrements the active connections counter.
func (m *Metrics) DecrementActiveConnections() {
	if m == nil {
		return
	}
	m.activeConnections.Dec()
}

// StartSystemMetricsCollector periodically updates system metrics until
// stop is closed.
func (m *Metrics) StartSystemMetricsCollector(stop <-chan struct{}) {
	if m == nil {
		return
	}
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.UpdateSystemMetrics()
			case <-stop:
				return
			}
		}
	}()
}

// Handler returns the HTTP handler for metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
