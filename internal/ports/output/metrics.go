package output

import "time"

// MetricsCollector defines the secondary port for metrics collection.
type MetricsCollector interface {
	// IncUploads counts upload attempts by file type.
	IncUploads(fileType string, success bool)

	// IncImports counts finished imports by outcome (complete, failed).
	IncImports(outcome string)

	// AddFeaturesImported adds persisted features.
	AddFeaturesImported(n int)

	// AddRowsSkipped adds rows dropped during decomposition.
	AddRowsSkipped(n int)

	// ObserveImportDuration records import duration.
	ObserveImportDuration(duration time.Duration)

	// IncChunksServed counts chunk responses by geometry class.
	IncChunksServed(class string)

	// IncCacheLookup counts chunk cache lookups.
	IncCacheLookup(hit bool)

	// SetLayers sets the number of known layers.
	SetLayers(count int)

	// IncStorageOperations increments storage operation counter.
	IncStorageOperations(operation string, success bool)

	// ObserveStorageDuration records storage operation duration.
	ObserveStorageDuration(operation string, duration time.Duration)
}

// NoOpMetrics is a no-op implementation of MetricsCollector.
type NoOpMetrics struct{}

// IncUploads implements MetricsCollector.
func (n *NoOpMetrics) IncUploads(_ string, _ bool) {}

// IncImports implements MetricsCollector.
func (n *NoOpMetrics) IncImports(_ string) {}

// AddFeaturesImported implements MetricsCollector.
func (n *NoOpMetrics) AddFeaturesImported(_ int) {}

// AddRowsSkipped implements MetricsCollector.
func (n *NoOpMetrics) AddRowsSkipped(_ int) {}

// ObserveImportDuration implements MetricsCollector.
func (n *NoOpMetrics) ObserveImportDuration(_ time.Duration) {}

// IncChunksServed implements MetricsCollector.
func (n *NoOpMetrics) IncChunksServed(_ string) {}

// IncCacheLookup implements MetricsCollector.
func (n *NoOpMetrics) IncCacheLookup(_ bool) {}

// SetLayers implements MetricsCollector.
func (n *NoOpMetrics) SetLayers(_ int) {}

// IncStorageOperations implements MetricsCollector.
func (n *NoOpMetrics) IncStorageOperations(_ string, _ bool) {}

// ObserveStorageDuration implements MetricsCollector.
func (n *NoOpMetrics) ObserveStorageDuration(_ string, _ time.Duration) {}
