// Package metrics provides Prometheus metrics collection.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jobrunner/geoingest/internal/ports/output"
)

// Collector implements the MetricsCollector port using Prometheus.
type Collector struct {
	uploads             *prometheus.CounterVec
	imports             *prometheus.CounterVec
	featuresImported    prometheus.Counter
	rowsSkipped         prometheus.Counter
	importDuration      prometheus.Histogram
	chunksServed        *prometheus.CounterVec
	cacheLookups        *prometheus.CounterVec
	layers              prometheus.Gauge
	storageOperations   *prometheus.CounterVec
	storageDuration     *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

var _ output.MetricsCollector = (*Collector)(nil)

// NewCollector creates a collector registered with reg. A nil reg uses
// the default Prometheus registry.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	if namespace == "" {
		namespace = "geoingest"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		uploads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "uploads_total",
				Help:      "Total number of staged uploads",
			},
			[]string{"file_type", "status"},
		),

		imports: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "imports_total",
				Help:      "Total number of finished imports",
			},
			[]string{"outcome"},
		),

		featuresImported: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "features_imported_total",
				Help:      "Total number of persisted features",
			},
		),

		rowsSkipped: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rows_skipped_total",
				Help:      "Rows dropped because their geometry was missing or invalid",
			},
		),

		importDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "import_duration_seconds",
				Help:      "Import duration in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
			},
		),

		chunksServed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chunks_served_total",
				Help:      "Chunk responses by geometry class",
			},
			[]string{"class"},
		),

		cacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chunk_cache_lookups_total",
				Help:      "Chunk cache lookups by result",
			},
			[]string{"result"},
		),

		layers: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "layers",
				Help:      "Number of known layers",
			},
		),

		storageOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_operations_total",
				Help:      "Total number of upload storage operations",
			},
			[]string{"operation", "status"},
		),

		storageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "storage_duration_seconds",
				Help:      "Upload storage operation duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),

		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
}

func successLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// IncUploads implements MetricsCollector.
func (c *Collector) IncUploads(fileType string, success bool) {
	c.uploads.WithLabelValues(fileType, successLabel(success)).Inc()
}

// IncImports implements MetricsCollector.
func (c *Collector) IncImports(outcome string) {
	c.imports.WithLabelValues(outcome).Inc()
}

// AddFeaturesImported implements MetricsCollector.
func (c *Collector) AddFeaturesImported(n int) {
	c.featuresImported.Add(float64(n))
}

// AddRowsSkipped implements MetricsCollector.
func (c *Collector) AddRowsSkipped(n int) {
	c.rowsSkipped.Add(float64(n))
}

// ObserveImportDuration implements MetricsCollector.
func (c *Collector) ObserveImportDuration(duration time.Duration) {
	c.importDuration.Observe(duration.Seconds())
}

// IncChunksServed implements MetricsCollector.
func (c *Collector) IncChunksServed(class string) {
	c.chunksServed.WithLabelValues(class).Inc()
}

// IncCacheLookup implements MetricsCollector.
func (c *Collector) IncCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.cacheLookups.WithLabelValues(result).Inc()
}

// SetLayers implements MetricsCollector.
func (c *Collector) SetLayers(count int) {
	c.layers.Set(float64(count))
}

// IncStorageOperations increments storage operation counter.
func (c *Collector) IncStorageOperations(operation string, success bool) {
	c.storageOperations.WithLabelValues(operation, successLabel(success)).Inc()
}

// ObserveStorageDuration records storage operation duration.
func (c *Collector) ObserveStorageDuration(operation string, duration time.Duration) {
	c.storageDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// Handler returns the Prometheus HTTP handler for g. A nil g serves the
// default registry.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Middleware returns HTTP middleware for metrics collection.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap response writer to capture status code
		wrapped := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := routeTemplate(r)
		c.httpRequestsTotal.WithLabelValues(r.Method, path, statusToString(wrapped.statusCode)).Inc()
		c.httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// routeTemplate returns the matched route pattern, so layer ids do not
// become label values.
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// statusToString converts HTTP status code to string category.
func statusToString(code int) string {
	if code < 100 || code > 599 {
		return "unknown"
	}
	return strconv.Itoa(code/100) + "xx"
}
