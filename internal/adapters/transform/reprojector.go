// Package transform reprojects geometries between coordinate reference
// systems.
package transform

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/paulmach/orb/project"

	"github.com/jobrunner/geoingest/internal/domain"
)

// ErrNoTransformation is returned for CRS pairs that neither the built-in
// projections nor SpatiaLite can serve.
var ErrNoTransformation = errors.New("no transformation available")

// Reprojector implements output.Reprojector. WGS 84 and Web Mercator are
// converted in Go; every other EPSG pair goes through SpatiaLite's
// ST_Transform in a private in-memory database when the extension loads.
type Reprojector struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewReprojector creates a reprojector. A SpatiaLite module that cannot be
// loaded only limits the supported pairs to the built-in ones.
func NewReprojector(ctx context.Context, library string, logger *slog.Logger) *Reprojector {
	r := &Reprojector{logger: logger}

	library = findSpatiaLite(library)
	db, err := sql.Open(spatialiteDriver(library), ":memory:")
	if err != nil {
		logger.Warn("SpatiaLite unavailable, only EPSG:4326 and EPSG:3857 can be reprojected", "error", err)
		return r
	}
	// Each connection of an in-memory database is a separate database.
	db.SetMaxOpenConns(1)

	var version string
	if err := db.QueryRowContext(ctx, "SELECT spatialite_version()").Scan(&version); err != nil {
		_ = db.Close()
		logger.Warn("SpatiaLite unavailable, only EPSG:4326 and EPSG:3857 can be reprojected",
			"library", library, "error", err)
		return r
	}
	// spatial_ref_sys with the full EPSG definitions is required by ST_Transform.
	if _, err := db.ExecContext(ctx, "SELECT InitSpatialMetaDataFull(1)"); err != nil {
		_ = db.Close()
		logger.Warn("initializing SpatiaLite metadata failed", "error", err)
		return r
	}

	logger.Info("SpatiaLite loaded for reprojection", "version", version)
	r.db = db
	return r
}

// Available reports whether SpatiaLite transformations are enabled.
func (r *Reprojector) Available() bool {
	return r.db != nil
}

// Reproject implements output.Reprojector.
func (r *Reprojector) Reproject(ctx context.Context, g orb.Geometry, source, target domain.CRS) (orb.Geometry, error) {
	if g == nil || source.Equal(target) {
		return g, nil
	}
	if !source.IsEPSG() || source.Code <= 0 {
		return nil, r.fail(source, target, fmt.Errorf("unknown source CRS: %w", domain.ErrInvalidCRS))
	}
	if !target.IsEPSG() || target.Code <= 0 {
		return nil, r.fail(source, target, fmt.Errorf("unknown target CRS: %w", domain.ErrInvalidCRS))
	}

	if proj := builtin(source, target); proj != nil {
		return project.Geometry(orb.Clone(g), proj), nil
	}
	if r.db == nil {
		return nil, r.fail(source, target, ErrNoTransformation)
	}

	out, err := r.transform(ctx, g, source.Code, target.Code)
	if err != nil {
		return nil, r.fail(source, target, err)
	}
	return out, nil
}

// IsSupported implements output.Reprojector.
func (r *Reprojector) IsSupported(source, target domain.CRS) bool {
	if source.Equal(target) {
		return true
	}
	if builtin(source, target) != nil {
		return true
	}
	if r.db == nil || !source.IsEPSG() || !target.IsEPSG() {
		return false
	}

	var count int
	err := r.db.QueryRow(
		`SELECT COUNT(*) FROM spatial_ref_sys WHERE auth_name = 'epsg' AND auth_srid IN (?, ?)`,
		source.Code, target.Code,
	).Scan(&count)
	return err == nil && count == 2
}

// Close closes the in-memory database.
func (r *Reprojector) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

func (r *Reprojector) transform(ctx context.Context, g orb.Geometry, sourceSRID, targetSRID int) (orb.Geometry, error) {
	in, err := wkb.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("encoding geometry: %w", err)
	}

	var out []byte
	err = r.db.QueryRowContext(ctx,
		`SELECT AsBinary(ST_Transform(GeomFromWKB(?, ?), ?))`,
		in, sourceSRID, targetSRID,
	).Scan(&out)
	if err != nil {
		return nil, fmt.Errorf("ST_Transform: %w", err)
	}
	if out == nil {
		return nil, ErrNoTransformation
	}

	res, err := wkb.Unmarshal(out)
	if err != nil {
		return nil, fmt.Errorf("decoding transformed geometry: %w", err)
	}
	return res, nil
}

func (r *Reprojector) fail(source, target domain.CRS, err error) error {
	rerr := &domain.ReprojectionError{Source: source.String(), Target: target.String(), Err: err}
	r.logger.Debug("reprojection failed", "error", rerr)
	return rerr
}

// builtin returns the pure-Go projection for the WGS 84 / Web Mercator pair.
func builtin(source, target domain.CRS) orb.Projection {
	switch {
	case !source.IsEPSG() || !target.IsEPSG():
		return nil
	case source.Code == domain.SRIDWGS84 && target.Code == domain.SRIDWebMercator:
		return project.WGS84.ToMercator
	case source.Code == domain.SRIDWebMercator && target.Code == domain.SRIDWGS84:
		return project.Mercator.ToWGS84
	default:
		return nil
	}
}
