package application

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/jobrunner/geoingest/internal/domain"
	"github.com/jobrunner/geoingest/internal/ports/output"
)

// FeatureSource produces features one by one. Returning an error from
// yield stops the source, which returns that error.
type FeatureSource func(yield func(domain.Feature) error) error

// SliceSource serves already decoded features.
func SliceSource(features []domain.Feature) FeatureSource {
	return func(yield func(domain.Feature) error) error {
		for _, f := range features {
			if err := yield(f); err != nil {
				return err
			}
		}
		return nil
	}
}

// Decomposer turns dataset rows into feature records.
type Decomposer struct {
	reprojector output.Reprojector
	logger      *slog.Logger
}

// NewDecomposer creates a decomposer.
func NewDecomposer(reprojector output.Reprojector, logger *slog.Logger) *Decomposer {
	return &Decomposer{reprojector: reprojector, logger: logger}
}

// Source walks ds and yields one feature per decodable row. Rows whose
// geometry is missing or undecodable are skipped and counted in
// ictx.Skipped. A failed reprojection aborts the walk.
func (d *Decomposer) Source(ctx context.Context, ds output.Dataset, ictx *domain.ImportContext) FeatureSource {
	return func(yield func(domain.Feature) error) error {
		for ds.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			row := ds.Row()
			f, ok, err := d.feature(ctx, row, ictx)
			if err != nil {
				return err
			}
			if !ok {
				ictx.Skipped++
				continue
			}
			ictx.Decoded++
			if err := yield(f); err != nil {
				return err
			}
		}
		return ds.Err()
	}
}

func (d *Decomposer) feature(ctx context.Context, row output.Row, ictx *domain.ImportContext) (domain.Feature, bool, error) {
	if row.GeometryErr != nil || row.Geometry == nil {
		reason := "no geometry"
		if row.GeometryErr != nil {
			reason = row.GeometryErr.Error()
		}
		d.logger.Warn("skipping row", "row", row.Index, "reason", reason)
		return domain.Feature{}, false, nil
	}

	geom := row.Geometry
	if ictx.SourceCRS != nil && !ictx.SourceCRS.Equal(ictx.TargetCRS) {
		var err error
		geom, err = d.reprojector.Reproject(ctx, geom, *ictx.SourceCRS, ictx.TargetCRS)
		if err != nil {
			var rerr *domain.ReprojectionError
			if !errors.As(err, &rerr) {
				err = &domain.ReprojectionError{Source: ictx.SourceCRS.String(), Target: ictx.TargetCRS.String(), Err: err}
			}
			return domain.Feature{}, false, err
		}
	}

	props := make(domain.Properties, 0, len(row.Attributes))
	for _, a := range row.Attributes {
		props.Set(a.Name, domain.ClassifyValue(a.Value))
	}

	f := domain.Feature{
		FeatureID:  row.FeatureID,
		Geometry:   geom,
		Properties: props,
		CreatedAt:  ictx.StartedAt,
	}
	if f.FeatureID == "" {
		f.FeatureID = uuid.NewString()
	}
	f.EnsureBBox()
	return f, true, nil
}
