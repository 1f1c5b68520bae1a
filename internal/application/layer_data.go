package application

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jobrunner/geoingest/internal/domain"
	"github.com/jobrunner/geoingest/internal/ports/input"
	"github.com/jobrunner/geoingest/internal/ports/output"
)

// Paging limits of the paginated data endpoint.
const (
	DefaultPageSize = 1000
	MaxPageSize     = 10000
)

// LayerDataService serves and mutates the features of existing layers.
type LayerDataService struct {
	registry output.LayerRegistry
	store    output.FeatureStore
	importer *BatchImporter
	gate     output.PermissionGate
	cache    output.ChunkCache
	exporter output.LayerExporter
	audit    output.AuditSink
	metrics  output.MetricsCollector
	logger   *slog.Logger
	now      func() time.Time
}

var _ input.LayerDataService = (*LayerDataService)(nil)

// LayerDataDeps groups the optional collaborators of a LayerDataService.
// Nil members fall back to no-op implementations.
type LayerDataDeps struct {
	Gate     output.PermissionGate
	Cache    output.ChunkCache
	Exporter output.LayerExporter
	Audit    output.AuditSink
	Metrics  output.MetricsCollector
}

// NewLayerDataService creates a layer data service.
func NewLayerDataService(
	registry output.LayerRegistry,
	store output.FeatureStore,
	importer *BatchImporter,
	deps LayerDataDeps,
	logger *slog.Logger,
) *LayerDataService {
	if deps.Gate == nil {
		deps.Gate = DefaultGate{}
	}
	if deps.Cache == nil {
		deps.Cache = output.NoOpCache{}
	}
	if deps.Audit == nil {
		deps.Audit = output.NoOpAudit{}
	}
	if deps.Metrics == nil {
		deps.Metrics = &output.NoOpMetrics{}
	}
	return &LayerDataService{
		registry: registry,
		store:    store,
		importer: importer,
		gate:     deps.Gate,
		cache:    deps.Cache,
		exporter: deps.Exporter,
		audit:    deps.Audit,
		metrics:  deps.Metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// GetLayer returns a layer the caller may read.
func (s *LayerDataService) GetLayer(ctx context.Context, caller domain.Caller, layerID int64) (*domain.Layer, error) {
	return s.readable(ctx, caller, layerID)
}

func (s *LayerDataService) readable(ctx context.Context, caller domain.Caller, layerID int64) (*domain.Layer, error) {
	layer, err := s.registry.GetLayer(ctx, layerID)
	if err != nil {
		return nil, err
	}
	if !s.gate.CanRead(ctx, caller, layer) {
		return nil, domain.ErrForbidden
	}
	return layer, nil
}

func (s *LayerDataService) writable(ctx context.Context, caller domain.Caller, layerID int64) (*domain.Layer, error) {
	if !caller.Authenticated {
		return nil, domain.ErrUnauthorized
	}
	layer, err := s.registry.GetLayer(ctx, layerID)
	if err != nil {
		return nil, err
	}
	if !s.gate.CanWrite(ctx, caller, layer) {
		return nil, domain.ErrForbidden
	}
	return layer, nil
}

// lockWritable authorizes a write, takes the layer lock and reloads the
// layer under it. The caller must call unlock when err is nil.
func (s *LayerDataService) lockWritable(ctx context.Context, caller domain.Caller, layerID int64) (*domain.Layer, func(), error) {
	if _, err := s.writable(ctx, caller, layerID); err != nil {
		return nil, nil, err
	}
	unlock := s.registry.LockLayer(layerID)
	layer, err := s.registry.GetLayer(ctx, layerID)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	return layer, unlock, nil
}

// ImportGeoJSON appends a FeatureCollection to a layer. Features with a
// null geometry are skipped; any other undecodable feature rejects the
// whole body before anything is written.
func (s *LayerDataService) ImportGeoJSON(ctx context.Context, caller domain.Caller, layerID int64, body []byte) (*input.GeoJSONImportResult, error) {
	if _, err := s.writable(ctx, caller, layerID); err != nil {
		return nil, err
	}
	decoded, err := DecodeCollection(body, true)
	if err != nil {
		return nil, err
	}

	layer, unlock, err := s.lockWritable(ctx, caller, layerID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := s.now().UTC()
	for i := range decoded.Features {
		f := &decoded.Features[i]
		if f.FeatureID == "" {
			f.FeatureID = uuid.NewString()
		}
		f.CreatedAt = now
	}

	outcome, err := s.importer.Import(ctx, layer, SliceSource(decoded.Features))
	if err != nil {
		return nil, err
	}
	s.metrics.AddRowsSkipped(decoded.Skipped)

	s.audit.Record(ctx, domain.AuditEvent{
		Action:  domain.AuditGeoJSONImported,
		User:    caller.User,
		LayerID: layer.ID,
		GroupID: layer.GroupID,
		Details: map[string]any{
			"features_imported": outcome.Imported,
			"total_features":    decoded.Total,
			"skipped":           decoded.Skipped,
		},
		Timestamp: s.now(),
	})
	return &input.GeoJSONImportResult{
		FeaturesImported: outcome.Imported,
		TotalFeatures:    decoded.Total,
		Skipped:          decoded.Skipped,
	}, nil
}

// Chunk returns one chunk of a layer as an annotated FeatureCollection.
func (s *LayerDataService) Chunk(ctx context.Context, caller domain.Caller, layerID int64, chunkID int) ([]byte, error) {
	if chunkID < 1 {
		return nil, domain.ErrInvalidChunk
	}
	layer, err := s.readable(ctx, caller, layerID)
	if err != nil {
		return nil, err
	}

	size := layer.ChunkSize()
	key := output.ChunkKey{LayerID: layer.ID, Version: layer.Version(), ChunkID: chunkID, Size: size}
	if body, ok := s.cache.Get(ctx, key); ok {
		s.metrics.IncCacheLookup(true)
		s.served(ctx, caller, layer, chunkID, chunkLen(layer.FeatureCount, chunkID, size))
		return body, nil
	}
	s.metrics.IncCacheLookup(false)

	total, err := s.store.CountFeatures(ctx, layer.ID)
	if err != nil {
		return nil, err
	}
	plan, err := domain.PlanChunk(layer.GeometryClass, total, chunkID)
	if err != nil {
		return nil, err
	}
	features, err := s.store.ListFeatures(ctx, layer.ID, plan.Offset, plan.Size)
	if err != nil {
		return nil, err
	}

	body, err := EncodeCollection(features, &ChunkInfo{
		ChunkID:       chunkID,
		FeaturesCount: len(features),
		TotalCount:    total,
		NextChunk:     plan.NextChunk(),
	})
	if err != nil {
		return nil, err
	}
	s.cache.Set(ctx, key, body)
	s.served(ctx, caller, layer, chunkID, len(features))
	return body, nil
}

func (s *LayerDataService) served(ctx context.Context, caller domain.Caller, layer *domain.Layer, chunkID, n int) {
	s.metrics.IncChunksServed(string(layer.GeometryClass))
	if n <= domain.AuditAccessThreshold {
		return
	}
	s.audit.Record(ctx, domain.AuditEvent{
		Action:  domain.AuditLayerDataAccess,
		User:    caller.User,
		LayerID: layer.ID,
		GroupID: layer.GroupID,
		Details: map[string]any{
			"chunk_id":       chunkID,
			"features_count": n,
		},
		Timestamp: s.now(),
	})
}

// chunkLen returns the number of features in a chunk of a layer holding
// total features.
func chunkLen(total int64, chunkID, size int) int {
	rest := total - int64(chunkID-1)*int64(size)
	switch {
	case rest <= 0:
		return 0
	case rest < int64(size):
		return int(rest)
	default:
		return size
	}
}

// Collection returns the whole layer as one FeatureCollection.
func (s *LayerDataService) Collection(ctx context.Context, caller domain.Caller, layerID int64) ([]byte, error) {
	layer, err := s.readable(ctx, caller, layerID)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteString(`{"type":"FeatureCollection","features":[`)
	n := 0
	err = s.store.WalkFeatures(ctx, layer.ID, func(f domain.Feature) error {
		if n > 0 {
			buf.WriteByte(',')
		}
		n++
		return EncodeFeature(&buf, f)
	})
	if err != nil {
		return nil, err
	}
	buf.WriteString("]}")
	return buf.Bytes(), nil
}

// Page returns one page of features. Out of range paging parameters are
// clamped.
func (s *LayerDataService) Page(ctx context.Context, caller domain.Caller, layerID int64, page, pageSize int) (*input.FeaturePage, error) {
	if page < 1 {
		page = 1
	}
	switch {
	case pageSize < 1:
		pageSize = DefaultPageSize
	case pageSize > MaxPageSize:
		pageSize = MaxPageSize
	}

	layer, err := s.readable(ctx, caller, layerID)
	if err != nil {
		return nil, err
	}
	total, err := s.store.CountFeatures(ctx, layer.ID)
	if err != nil {
		return nil, err
	}
	features, err := s.store.ListFeatures(ctx, layer.ID, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, err
	}
	return &input.FeaturePage{
		Features: features,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
		Pages:    domain.TotalChunks(total, pageSize),
	}, nil
}

// Export writes the whole layer through the configured exporter.
func (s *LayerDataService) Export(ctx context.Context, caller domain.Caller, layerID int64, w io.Writer) error {
	if s.exporter == nil {
		return fmt.Errorf("layer export: %w", domain.ErrUnsupported)
	}
	layer, err := s.readable(ctx, caller, layerID)
	if err != nil {
		return err
	}
	features, err := s.store.ListFeatures(ctx, layer.ID, 0, -1)
	if err != nil {
		return err
	}
	return s.exporter.Export(ctx, layer, features, w)
}

// ExportContentType returns the media type written by Export.
func (s *LayerDataService) ExportContentType() string {
	if s.exporter == nil {
		return "application/octet-stream"
	}
	return s.exporter.ContentType()
}

// ClearLayer removes every feature of a layer.
func (s *LayerDataService) ClearLayer(ctx context.Context, caller domain.Caller, layerID int64) (int64, error) {
	layer, unlock, err := s.lockWritable(ctx, caller, layerID)
	if err != nil {
		return 0, err
	}
	defer unlock()

	removed, err := s.store.ClearLayer(ctx, layer.ID)
	if err != nil {
		return 0, err
	}
	s.logger.Info("layer cleared", "layer", layer.ID, "removed", removed)
	s.audit.Record(ctx, domain.AuditEvent{
		Action:    domain.AuditLayerCleared,
		User:      caller.User,
		LayerID:   layer.ID,
		GroupID:   layer.GroupID,
		Details:   map[string]any{"features_removed": removed},
		Timestamp: s.now(),
	})
	return removed, nil
}

// CreateFeature adds one GeoJSON Feature to a layer.
func (s *LayerDataService) CreateFeature(ctx context.Context, caller domain.Caller, layerID int64, body []byte) (*domain.Feature, error) {
	if _, err := s.writable(ctx, caller, layerID); err != nil {
		return nil, err
	}
	f, err := DecodeFeature(body)
	if err != nil {
		return nil, err
	}

	layer, unlock, err := s.lockWritable(ctx, caller, layerID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	f.LayerID = layer.ID
	if f.FeatureID == "" {
		f.FeatureID = uuid.NewString()
	}
	f.CreatedAt = s.now().UTC()
	f.EnsureBBox()
	if err := s.store.CreateFeature(ctx, &f); err != nil {
		return nil, err
	}

	if layer.GeometryClass == domain.ClassUnknown || layer.GeometryClass == "" {
		if class := domain.TypeOf(f.Geometry).Class(); class != domain.ClassUnknown {
			if err := s.registry.SetGeometryClass(ctx, layer.ID, class); err != nil {
				s.logger.Warn("failed to set geometry class", "layer", layer.ID, "error", err)
			}
		}
	}

	s.audit.Record(ctx, domain.AuditEvent{
		Action:    domain.AuditFeatureCreated,
		User:      caller.User,
		LayerID:   layer.ID,
		GroupID:   layer.GroupID,
		Details:   map[string]any{"feature_id": f.FeatureID},
		Timestamp: s.now(),
	})
	return &f, nil
}

// DeleteFeature removes one feature by its external identifier.
func (s *LayerDataService) DeleteFeature(ctx context.Context, caller domain.Caller, layerID int64, featureID string) error {
	layer, unlock, err := s.lockWritable(ctx, caller, layerID)
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.store.DeleteFeature(ctx, layer.ID, featureID); err != nil {
		return err
	}
	s.audit.Record(ctx, domain.AuditEvent{
		Action:    domain.AuditFeatureDeleted,
		User:      caller.User,
		LayerID:   layer.ID,
		GroupID:   layer.GroupID,
		Details:   map[string]any{"feature_id": featureID},
		Timestamp: s.now(),
	})
	return nil
}
