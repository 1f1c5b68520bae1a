// Package dataset reads vector datasets (shapefiles, KML and spatial
// sqlite files) row by row.
package dataset

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/jobrunner/geoingest/internal/domain"
	"github.com/jobrunner/geoingest/internal/ports/output"
)

// Opener implements output.DatasetOpener.
type Opener struct {
	logger *slog.Logger
}

// NewOpener creates a dataset opener.
func NewOpener(logger *slog.Logger) *Opener {
	return &Opener{logger: logger}
}

// Open opens path as fileType. A shapefile is opened from its .shp member;
// archives must already be extracted.
func (o *Opener) Open(ctx context.Context, path string, fileType domain.FileType) (output.Dataset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	o.logger.Debug("opening dataset", "path", filepath.Base(path), "type", fileType)

	var (
		ds  output.Dataset
		err error
	)
	switch fileType {
	case domain.FileTypeShapefile:
		ds, err = asDataset(openShapefile(path))
	case domain.FileTypeKML:
		ds, err = asDataset(openKML(path))
	case domain.FileTypeSpatialite:
		ds, err = asDataset(openSpatialSQLite(ctx, path))
	default:
		return nil, fmt.Errorf("%s: %w", fileType, domain.ErrUnsupportedFormat)
	}
	if err != nil {
		o.logger.Warn("dataset open failed", "path", filepath.Base(path), "type", fileType, "error", err)
		return nil, err
	}
	return ds, nil
}

// asDataset keeps a failed open from leaking a typed nil into the interface.
func asDataset[D output.Dataset](d D, err error) (output.Dataset, error) {
	if err != nil {
		return nil, err
	}
	return d, nil
}
