// Package metrics provides Prometheus metrics for the rollcall attendance service.
package metrics

import (
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manager owns every Prometheus collector of the service.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	constLabels      prometheus.Labels
	registry         prometheus.Registerer

	// Capture pipeline
	framesProcessed  *prometheus.CounterVec
	framesSkipped    *prometheus.CounterVec
	detections       prometheus.Counter
	faceOutcomes     *prometheus.CounterVec
	inferenceLatency *prometheus.HistogramVec
	frameLatency     prometheus.Histogram

	// Dedup guard
	claims       *prometheus.CounterVec
	claimWaits   prometheus.Counter
	claimEntries prometheus.Gauge

	// Recorder
	eventsRecorded     *prometheus.CounterVec
	persistenceErrors  prometheus.Counter
	persistenceLatency prometheus.Histogram

	// Gallery
	galleryIdentities prometheus.Gauge
	gallerySamples    prometheus.Gauge

	// Notification queue
	queueSize          prometheus.Gauge
	queueCapacity      prometheus.Gauge
	queueUtilization   prometheus.Gauge
	queueEnqueued      prometheus.Counter
	queueDequeued      prometheus.Counter
	queueEnqueueErrors prometheus.Counter
	notificationsSent  *prometheus.CounterVec

	// Notification workers
	workerCount             prometheus.Gauge
	workerActiveCount       prometheus.Gauge
	workerProcessingLatency prometheus.Histogram
	workerErrors            prometheus.Counter

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	activeStreams       prometheus.Gauge

	errorsByComponent *prometheus.CounterVec

	// System
	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
}

var globalManager *Manager //nolint:gochecknoglobals // singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // metrics registry

func init() { //nolint:gochecknoinits // global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a metrics manager and registers its collectors.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "rollcall",
		subsystem:        "attendance",
		histogramBuckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		registry:         prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initializeMetrics()
	return m
}

func (m *Manager) counter(name, help string) prometheus.Counter {
	return promauto.With(m.registry).NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
	})
}

func (m *Manager) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.With(m.registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
	}, labels)
}

func (m *Manager) gauge(name, help string) prometheus.Gauge {
	return promauto.With(m.registry).NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
	})
}

func (m *Manager) histogram(name, help string) prometheus.Histogram {
	return promauto.With(m.registry).NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help,
		ConstLabels: m.constLabels, Buckets: m.histogramBuckets,
	})
}

func (m *Manager) histogramVec(name, help string, labels ...string) *prometheus.HistogramVec {
	return promauto.With(m.registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help,
		ConstLabels: m.constLabels, Buckets: m.histogramBuckets,
	}, labels)
}

func (m *Manager) initializeMetrics() {
	m.framesProcessed = m.counterVec("frames_processed_total", "Frames that reached detection, by capture mode", "mode")
	m.framesSkipped = m.counterVec("frames_skipped_total", "Frames dropped before detection, by reason", "reason")
	m.detections = m.counter("detections_total", "Faces returned by the detector")
	m.faceOutcomes = m.counterVec("face_outcomes_total", "Per-face pipeline outcomes", "outcome")
	m.inferenceLatency = m.histogramVec("inference_latency_milliseconds", "Detector and extractor call latency", "stage")
	m.frameLatency = m.histogram("frame_latency_milliseconds", "End-to-end frame processing latency")

	m.claims = m.counterVec("claims_total", "Dedup guard claim results", "result")
	m.claimWaits = m.counter("claim_waits_total", "Claims that waited on an in-flight claim for the same key")
	m.claimEntries = m.gauge("claim_entries", "Entries currently held by the daily attendance index")

	m.eventsRecorded = m.counterVec("events_recorded_total", "Attendance events persisted, by status", "status")
	m.persistenceErrors = m.counter("persistence_errors_total", "Record store failures")
	m.persistenceLatency = m.histogram("persistence_latency_milliseconds", "Record store insert latency")

	m.galleryIdentities = m.gauge("gallery_identities", "Enrolled identities in the active gallery snapshot")
	m.gallerySamples = m.gauge("gallery_samples", "Embedding samples in the active gallery snapshot")

	m.queueSize = m.gauge("notify_queue_size", "Pending status-change notifications")
	m.queueCapacity = m.gauge("notify_queue_capacity", "Notification queue capacity")
	m.queueUtilization = m.gauge("notify_queue_utilization", "Notification queue fill ratio (0-1)")
	m.queueEnqueued = m.counter("notify_enqueued_total", "Notifications accepted by the queue")
	m.queueDequeued = m.counter("notify_dequeued_total", "Notifications taken by workers")
	m.queueEnqueueErrors = m.counter("notify_dropped_total", "Notifications dropped because the queue was full or closed")
	m.notificationsSent = m.counterVec("notifications_sent_total", "Notifications delivered to the sink", "sink", "result")

	m.workerCount = m.gauge("notify_worker_count", "Configured notification workers")
	m.workerActiveCount = m.gauge("notify_worker_active", "Notification workers currently delivering")
	m.workerProcessingLatency = m.histogram("notify_worker_latency_milliseconds", "Notification delivery latency")
	m.workerErrors = m.counter("notify_worker_errors_total", "Notification delivery failures")

	m.httpRequests = m.counterVec("http_requests_total", "HTTP requests by endpoint, method and status", "endpoint", "method", "status_code")
	m.httpRequestDuration = m.histogramVec("http_request_duration_milliseconds", "HTTP request duration", "endpoint", "method", "status_code")
	m.activeStreams = m.gauge("capture_streams_active", "Open WebSocket capture streams")

	m.errorsByComponent = m.counterVec("errors_total", "Errors by component and type", "component", "error_type")

	m.systemMemoryUsage = m.gauge("system_memory_usage_bytes", "Heap bytes in use")
	m.systemGoroutineCount = m.gauge("system_goroutine_count", "Number of goroutines")
}

// RecordFrameProcessed counts a frame that reached the detector.
func RecordFrameProcessed(mode string) {
	globalManager.framesProcessed.WithLabelValues(mode).Inc()
}

// RecordFrameSkipped counts a frame dropped by the orchestrator.
func RecordFrameSkipped(reason string) {
	globalManager.framesSkipped.WithLabelValues(reason).Inc()
}

// RecordDetections adds n detected faces.
func RecordDetections(n int) {
	globalManager.detections.Add(float64(n))
}

// RecordFaceOutcome counts a per-face outcome (accepted, duplicate, unknown, ...).
func RecordFaceOutcome(outcome string) {
	globalManager.faceOutcomes.WithLabelValues(outcome).Inc()
}

// RecordInferenceLatency observes a detector ("detect") or extractor ("extract") call.
func RecordInferenceLatency(stage string, latencyMs float64) {
	globalManager.inferenceLatency.WithLabelValues(stage).Observe(latencyMs)
}

// RecordFrameLatency observes end-to-end frame latency.
func RecordFrameLatency(latencyMs float64) {
	globalManager.frameLatency.Observe(latencyMs)
}

// RecordClaim counts a claim result: granted, duplicate, released.
func RecordClaim(result string) {
	globalManager.claims.WithLabelValues(result).Inc()
}

// RecordClaimWait counts a claim that blocked on a pending holder.
func RecordClaimWait() {
	globalManager.claimWaits.Inc()
}

// UpdateClaimEntries sets the size of the claim table.
func UpdateClaimEntries(n int) {
	globalManager.claimEntries.Set(float64(n))
}

// RecordEventRecorded counts a persisted attendance event.
func RecordEventRecorded(status string) {
	globalManager.eventsRecorded.WithLabelValues(status).Inc()
}

// RecordPersistenceError counts a failed store write.
func RecordPersistenceError() {
	globalManager.persistenceErrors.Inc()
}

// RecordPersistenceLatency observes a store insert.
func RecordPersistenceLatency(latencyMs float64) {
	globalManager.persistenceLatency.Observe(latencyMs)
}

// UpdateGallerySize publishes the active gallery snapshot size.
func UpdateGallerySize(identities, samples int) {
	globalManager.galleryIdentities.Set(float64(identities))
	globalManager.gallerySamples.Set(float64(samples))
}

// UpdateQueueSize sets the current queue depth.
func UpdateQueueSize(size int) {
	globalManager.queueSize.Set(float64(size))
}

// UpdateQueueCapacity sets the queue capacity.
func UpdateQueueCapacity(capacity int) {
	globalManager.queueCapacity.Set(float64(capacity))
}

// UpdateQueueUtilization sets the queue fill ratio.
func UpdateQueueUtilization(utilization float64) {
	globalManager.queueUtilization.Set(utilization)
}

// RecordQueueEnqueue increments the enqueue counter.
func RecordQueueEnqueue() {
	globalManager.queueEnqueued.Inc()
}

// RecordQueueDequeue increments the dequeue counter.
func RecordQueueDequeue() {
	globalManager.queueDequeued.Inc()
}

// RecordQueueEnqueueError counts a dropped notification.
func RecordQueueEnqueueError() {
	globalManager.queueEnqueueErrors.Inc()
}

// RecordNotificationSent counts a sink delivery attempt.
func RecordNotificationSent(sink, result string) {
	globalManager.notificationsSent.WithLabelValues(sink, result).Inc()
}

// UpdateWorkerCount sets the configured worker count.
func UpdateWorkerCount(count int) {
	globalManager.workerCount.Set(float64(count))
}

// UpdateWorkerActiveCount sets the number of busy workers.
func UpdateWorkerActiveCount(count int) {
	globalManager.workerActiveCount.Set(float64(count))
}

// RecordWorkerProcessingLatency observes one delivery.
func RecordWorkerProcessingLatency(latencyMs float64) {
	globalManager.workerProcessingLatency.Observe(latencyMs)
}

// RecordWorkerError counts a failed delivery.
func RecordWorkerError() {
	globalManager.workerErrors.Inc()
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration in milliseconds.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
}

// UpdateActiveStreams adjusts the open capture stream gauge by delta.
func UpdateActiveStreams(delta int) {
	globalManager.activeStreams.Add(float64(delta))
}

// RecordErrorByComponent records an error with component and type labels.
func RecordErrorByComponent(component, errorType string) {
	globalManager.errorsByComponent.WithLabelValues(component, errorType).Inc()
}

// UpdateSystemMetrics samples heap usage and goroutine count.
func UpdateSystemMetrics() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	globalManager.systemMemoryUsage.Set(float64(ms.HeapInuse))
	globalManager.systemGoroutineCount.Set(float64(runtime.NumGoroutine()))
}

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
