// Package input defines the primary/driving ports of the application.
package input

import (
	"context"
	"io"

	"github.com/jobrunner/geoingest/internal/domain"
)

// UploadService stages uploads and turns them into layers.
type UploadService interface {
	// Upload stages a file and reports its detected type and CRS.
	Upload(ctx context.Context, caller domain.Caller, fileName string, r io.Reader) (*UploadReport, error)

	// Inspect reports type and CRS of a local file without staging it.
	Inspect(ctx context.Context, path string) (*UploadReport, error)

	// CompleteImport creates a layer from a staged upload.
	CompleteImport(ctx context.Context, caller domain.Caller, req domain.ImportRequest) (*domain.ImportResult, error)
}

// UploadReport is the result of the upload step.
type UploadReport struct {
	Upload  domain.StagedUpload
	CRS     domain.CRSInfo
	Options []domain.CRSOption
}

// LayerDataService reads and mutates the features of existing layers.
type LayerDataService interface {
	GetLayer(ctx context.Context, caller domain.Caller, layerID int64) (*domain.Layer, error)

	// ImportGeoJSON appends a FeatureCollection to a layer.
	ImportGeoJSON(ctx context.Context, caller domain.Caller, layerID int64, body []byte) (*GeoJSONImportResult, error)

	// Chunk returns an encoded FeatureCollection for one chunk.
	Chunk(ctx context.Context, caller domain.Caller, layerID int64, chunkID int) ([]byte, error)

	// Collection returns the whole layer as an encoded FeatureCollection.
	Collection(ctx context.Context, caller domain.Caller, layerID int64) ([]byte, error)

	// Page returns one page of features.
	Page(ctx context.Context, caller domain.Caller, layerID int64, page, pageSize int) (*FeaturePage, error)

	// Export writes the whole layer as FlatGeobuf.
	Export(ctx context.Context, caller domain.Caller, layerID int64, w io.Writer) error

	ClearLayer(ctx context.Context, caller domain.Caller, layerID int64) (int64, error)
	CreateFeature(ctx context.Context, caller domain.Caller, layerID int64, body []byte) (*domain.Feature, error)
	DeleteFeature(ctx context.Context, caller domain.Caller, layerID int64, featureID string) error
}

// GeoJSONImportResult reports a direct GeoJSON import.
type GeoJSONImportResult struct {
	FeaturesImported int
	TotalFeatures    int
	Skipped          int
}

// FeaturePage is one page of a layer's features.
type FeaturePage struct {
	Features []domain.Feature
	Total    int64
	Page     int
	PageSize int
	Pages    int
}

// HealthChecker defines the primary port for health checks.
type HealthChecker interface {
	// IsHealthy returns true if the service is healthy.
	IsHealthy(ctx context.Context) bool

	// IsReady returns true if the service is ready to accept requests.
	IsReady(ctx context.Context) bool

	// GetHealthDetails returns detailed health information.
	GetHealthDetails(ctx context.Context) HealthDetails
}

// HealthDetails contains detailed health information.
type HealthDetails struct {
	Healthy    bool              // Overall health status
	Ready      bool              // Ready to accept requests
	Layers     int               // Number of known layers
	Components map[string]string // Component statuses
}
