package output

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jobrunner/geoingest/internal/domain"
)

// LayerRegistry owns groups, layer types and layer metadata.
type LayerRegistry interface {
	GetGroup(ctx context.Context, id int64) (*domain.LayerGroup, error)
	CreateGroup(ctx context.Context, name string) (*domain.LayerGroup, error)
	GetLayerType(ctx context.Context, id int64) (*domain.LayerType, error)
	CreateLayerType(ctx context.Context, name string, style json.RawMessage) (*domain.LayerType, error)

	// CreateLayer inserts the layer and fills in its ID and CreatedAt.
	CreateLayer(ctx context.Context, layer *domain.Layer) error
	GetLayer(ctx context.Context, id int64) (*domain.Layer, error)
	ListLayers(ctx context.Context, groupID int64) ([]domain.Layer, error)

	// UpdateLayerStatus sets the upload status and error text.
	UpdateLayerStatus(ctx context.Context, id int64, status domain.UploadStatus, errText string) error

	// SetGeometryClass records the classifier of a layer created from a file.
	SetGeometryClass(ctx context.Context, id int64, class domain.GeometryClass) error

	// SetOriginalCRS records the CRS the source data was read in.
	SetOriginalCRS(ctx context.Context, id int64, crs string) error

	// LockLayer serializes writers of one layer. The returned func unlocks.
	LockLayer(id int64) (unlock func())
}

// FeatureStore persists features. Every mutation refreshes the owning
// layer's feature_count and last_update in the same transaction.
type FeatureStore interface {
	// BeginImport starts a bulk import into a layer. Rows written through
	// the import stay invisible until Commit.
	BeginImport(ctx context.Context, layerID int64) (ImportTx, error)

	CountFeatures(ctx context.Context, layerID int64) (int64, error)

	// ListFeatures returns features ordered by creation time. A negative
	// limit returns every feature from offset on.
	ListFeatures(ctx context.Context, layerID int64, offset, limit int) ([]domain.Feature, error)

	// WalkFeatures streams every feature of a layer in creation order.
	WalkFeatures(ctx context.Context, layerID int64, fn func(domain.Feature) error) error

	// ClearLayer removes every feature of a layer and returns the count.
	ClearLayer(ctx context.Context, layerID int64) (int64, error)

	CreateFeature(ctx context.Context, f *domain.Feature) error
	DeleteFeature(ctx context.Context, layerID int64, featureID string) error

	Ping(ctx context.Context) error
}

// ImportTx is an open bulk import.
type ImportTx interface {
	// InsertBatch writes one batch of features.
	InsertBatch(ctx context.Context, features []domain.Feature) error

	// SetGeometryClass records the layer classifier as part of the import.
	SetGeometryClass(ctx context.Context, class domain.GeometryClass) error

	// Commit refreshes the layer statistics, marks the layer complete
	// and commits. It returns the layer's resulting feature count.
	Commit(ctx context.Context, now time.Time) (int64, error)

	// Rollback discards every batch written by the import.
	Rollback() error
}
