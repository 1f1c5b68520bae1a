package output

import (
	"context"

	"github.com/paulmach/orb"

	"github.com/jobrunner/geoingest/internal/domain"
)

// DatasetOpener opens vector datasets of the supported file types.
type DatasetOpener interface {
	// Open opens the dataset at path. Open failures are DatasetErrors.
	Open(ctx context.Context, path string, fileType domain.FileType) (Dataset, error)
}

// Dataset is an open vector dataset read row by row.
type Dataset interface {
	// CRS returns the declared coordinate reference system.
	CRS() (domain.CRSInfo, error)

	// Next advances to the next row.
	Next() bool

	// Row returns the current row.
	Row() Row

	// Err returns the first dataset-level error encountered by Next.
	Err() error

	// Close releases the dataset.
	Close() error
}

// Row is one record of a dataset. GeometryErr is set when the geometry
// could not be decoded; Geometry is nil for rows without geometry.
type Row struct {
	Index       int
	FeatureID   string
	Geometry    orb.Geometry
	GeometryErr error
	Attributes  []Attribute
}

// Attribute is a raw, unconverted column value.
type Attribute struct {
	Name  string
	Value any
}

// Extractor unpacks compressed containers.
type Extractor interface {
	// WithExtracted unpacks archivePath into a scratch directory, locates
	// the single file with suffix primaryExt and calls fn with its path.
	// The scratch directory is removed before WithExtracted returns.
	WithExtracted(ctx context.Context, archivePath, primaryExt string, fn func(primaryPath string) error) error
}

// Reprojector transforms geometries between coordinate reference systems.
type Reprojector interface {
	// Reproject returns g expressed in target. Equal CRS return g unchanged.
	Reproject(ctx context.Context, g orb.Geometry, source, target domain.CRS) (orb.Geometry, error)

	// IsSupported checks if a transformation is supported.
	IsSupported(source, target domain.CRS) bool
}
