package application

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jobrunner/geoingest/internal/domain"
	"github.com/jobrunner/geoingest/internal/ports/output"
)

// DefaultBatchSize is the number of features written per batch.
const DefaultBatchSize = 1000

// ImportOutcome reports a committed import.
type ImportOutcome struct {
	Imported     int   // Features written by this import
	FeatureCount int64 // Layer feature count after the commit
}

// BatchImporter persists features in fixed-size batches. All batches of
// one import share a transaction: a failing batch rolls back the whole
// import and leaves the layer failed.
type BatchImporter struct {
	store     output.FeatureStore
	registry  output.LayerRegistry
	metrics   output.MetricsCollector
	logger    *slog.Logger
	batchSize int
	now       func() time.Time
}

// NewBatchImporter creates an importer. A batch size below 1 uses
// DefaultBatchSize.
func NewBatchImporter(
	store output.FeatureStore,
	registry output.LayerRegistry,
	metrics output.MetricsCollector,
	batchSize int,
	logger *slog.Logger,
) *BatchImporter {
	if batchSize < 1 {
		batchSize = DefaultBatchSize
	}
	if metrics == nil {
		metrics = &output.NoOpMetrics{}
	}
	return &BatchImporter{
		store:     store,
		registry:  registry,
		metrics:   metrics,
		logger:    logger,
		batchSize: batchSize,
		now:       time.Now,
	}
}

// BatchSize returns the configured batch size.
func (b *BatchImporter) BatchSize() int {
	return b.batchSize
}

// Import writes every feature of src into layer. The caller must hold the
// layer lock. A layer without a geometry class takes the class of the
// first imported geometry.
func (b *BatchImporter) Import(ctx context.Context, layer *domain.Layer, src FeatureSource) (*ImportOutcome, error) {
	if layer.Status != domain.UploadImporting && !layer.Status.CanTransition(domain.UploadImporting) {
		return nil, &domain.ValidationError{
			Field:      "upload_status",
			Value:      layer.Status,
			Constraint: "transition to importing",
			Message:    "layer cannot start an import",
		}
	}

	start := b.now()
	if err := b.registry.UpdateLayerStatus(ctx, layer.ID, domain.UploadImporting, ""); err != nil {
		return nil, fmt.Errorf("marking layer %d importing: %w", layer.ID, err)
	}
	layer.Status = domain.UploadImporting

	outcome, err := b.run(ctx, layer, src)
	b.metrics.ObserveImportDuration(time.Since(start))
	if err != nil {
		b.fail(ctx, layer, err)
		return nil, err
	}

	layer.Status = domain.UploadComplete
	layer.UploadError = ""
	layer.FeatureCount = outcome.FeatureCount
	b.metrics.IncImports(string(domain.UploadComplete))
	b.metrics.AddFeaturesImported(outcome.Imported)
	b.logger.Info("import committed",
		"layer", layer.ID,
		"imported", outcome.Imported,
		"feature_count", outcome.FeatureCount,
		"duration", time.Since(start),
	)
	return outcome, nil
}

func (b *BatchImporter) run(ctx context.Context, layer *domain.Layer, src FeatureSource) (*ImportOutcome, error) {
	tx, err := b.store.BeginImport(ctx, layer.ID)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(); rbErr != nil {
				b.logger.Error("rollback failed", "layer", layer.ID, "error", rbErr)
			}
		}
	}()

	var (
		batch    = make([]domain.Feature, 0, b.batchSize)
		batchNo  int
		reached  int
		imported int
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		batchNo++
		reached += len(batch)
		if err := tx.InsertBatch(ctx, batch); err != nil {
			return &domain.BatchError{Batch: batchNo, Reached: reached, Err: err}
		}
		imported += len(batch)
		b.logger.Debug("batch written", "layer", layer.ID, "batch", batchNo, "rows", len(batch))
		batch = batch[:0]
		return nil
	}

	err = src(func(f domain.Feature) error {
		if layer.GeometryClass == domain.ClassUnknown || layer.GeometryClass == "" {
			if class := domain.TypeOf(f.Geometry).Class(); class != domain.ClassUnknown {
				if err := tx.SetGeometryClass(ctx, class); err != nil {
					return err
				}
				layer.GeometryClass = class
			}
		}
		f.EnsureBBox()
		batch = append(batch, f)
		if len(batch) >= b.batchSize {
			return flush()
		}
		return nil
	})
	if err == nil {
		err = flush()
	}
	if err != nil {
		return nil, err
	}

	count, err := tx.Commit(ctx, b.now())
	if err != nil {
		return nil, err
	}
	committed = true
	return &ImportOutcome{Imported: imported, FeatureCount: count}, nil
}

// fail records the terminal error on the layer. The status write must
// survive a cancelled request.
func (b *BatchImporter) fail(ctx context.Context, layer *domain.Layer, cause error) {
	b.metrics.IncImports(string(domain.UploadFailed))
	b.logger.Error("import failed", "layer", layer.ID, "error", cause)

	layer.Status = domain.UploadFailed
	layer.UploadError = cause.Error()
	if err := b.registry.UpdateLayerStatus(context.WithoutCancel(ctx), layer.ID, domain.UploadFailed, cause.Error()); err != nil {
		b.logger.Error("failed to record import failure", "layer", layer.ID, "error", err)
	}
}
