// Package metrics provides Prometheus metrics for the Muawin file server.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "muawin_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "muawin_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// File transfer metrics
	bytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "muawin_file_bytes_downloaded_total",
			Help: "Total bytes served by the download endpoint",
		},
	)

	bytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "muawin_file_bytes_uploaded_total",
			Help: "Total bytes accepted by the upload endpoint",
		},
	)

	downloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "muawin_file_downloads_total",
			Help: "Total number of file downloads",
		},
		[]string{"status"},
	)

	uploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "muawin_file_uploads_total",
			Help: "Total number of file uploads",
		},
		[]string{"category", "status"},
	)

	deletesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "muawin_file_deletes_total",
			Help: "Total number of file deletes",
		},
		[]string{"category", "status"},
	)

	uploadRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "muawin_upload_rejections_total",
			Help: "Uploads refused by validation",
		},
		[]string{"reason"},
	)

	filesStored = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "muawin_files_stored",
			Help: "Number of file records in the metadata store",
		},
	)

	// Auth metrics
	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "muawin_auth_attempts_total",
			Help: "Total authentication attempts",
		},
		[]string{"result"},
	)

	scopeChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "muawin_scope_checks_total",
			Help: "Zone/branch access checks",
		},
		[]string{"result"},
	)

	// Metadata store metrics
	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "muawin_db_query_duration_seconds",
			Help:    "Metadata query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	dbConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "muawin_db_connections_open",
			Help: "Number of open database connections",
		},
	)

	// SSE metrics
	sseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "muawin_sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	sseEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "muawin_sse_events_total",
			Help: "Total SSE events published",
		},
		[]string{"type"},
	)

	// Rate limiting
	rateLimitHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "muawin_rate_limit_hits_total",
			Help: "Total rate limit rejections (429s)",
		},
	)

	// Object storage metrics
	storageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "muawin_storage_operation_duration_seconds",
			Help:    "Object storage operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	storageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "muawin_storage_operations_total",
			Help: "Total object storage operations",
		},
		[]string{"backend", "operation", "status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordDownload records a file download.
func RecordDownload(bytes int64, success bool) {
	bytesDownloaded.Add(float64(bytes))
	downloadsTotal.WithLabelValues(status(success)).Inc()
}

// RecordUpload records a file upload.
func RecordUpload(category string, bytes int64, success bool) {
	bytesUploaded.Add(float64(bytes))
	uploadsTotal.WithLabelValues(category, status(success)).Inc()
}

// RecordDelete records a file delete.
func RecordDelete(category string, success bool) {
	deletesTotal.WithLabelValues(category, status(success)).Inc()
}

// RecordUploadRejection records an upload refused by validation
// ("size", "type" or "scope").
func RecordUploadRejection(reason string) {
	uploadRejectionsTotal.WithLabelValues(reason).Inc()
}

// SetFilesStored sets the number of stored file records.
func SetFilesStored(count int64) {
	filesStored.Set(float64(count))
}

// RecordAuthAttempt records an authentication attempt.
func RecordAuthAttempt(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	authAttemptsTotal.WithLabelValues(result).Inc()
}

// RecordScopeCheck records a zone/branch access decision.
func RecordScopeCheck(allowed bool) {
	result := "allowed"
	if !allowed {
		result = "denied"
	}
	scopeChecksTotal.WithLabelValues(result).Inc()
}

// RecordDBQuery records a metadata query duration.
func RecordDBQuery(query string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(query).Observe(duration.Seconds())
}

// SetDBConnectionsOpen sets the number of open database connections.
func SetDBConnectionsOpen(count int) {
	dbConnectionsOpen.Set(float64(count))
}

// RecordStorageOperation records an object storage operation.
func RecordStorageOperation(backend, operation string, duration time.Duration, success bool) {
	storageOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
	storageOperationsTotal.WithLabelValues(backend, operation, status(success)).Inc()
}

// SetSSEConnectionsActive sets the number of active SSE connections.
func SetSSEConnectionsActive(count int64) {
	sseConnectionsActive.Set(float64(count))
}

// RecordSSEEvent records an SSE event publication.
func RecordSSEEvent(eventType string) {
	sseEventsTotal.WithLabelValues(eventType).Inc()
}

// RecordRateLimitHit records a rate limit rejection.
func RecordRateLimitHit() {
	rateLimitHitsTotal.Inc()
}

// Route collapses a request path to a bounded label: filenames and scope
// segments are dropped.
func Route(path string) string {
	switch {
	case strings.HasPrefix(path, "/files/download/"):
		return "/files/download"
	case strings.HasPrefix(path, "/files/"):
		if strings.Count(strings.Trim(path, "/"), "/") >= 4 {
			return "/files/item"
		}
		return "/files/scope"
	case path == "/health", path == "/api/v1/events", path == "/metrics":
		return path
	default:
		return "other"
	}
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, Route(r.URL.Path), rw.statusCode, time.Since(start))
	})
}
