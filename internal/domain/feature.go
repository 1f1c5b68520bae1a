package domain

import (
	"time"

	"github.com/paulmach/orb"
)

// Feature is one geographic record owned by a layer.
type Feature struct {
	ID         int64        // Storage row id (0 until persisted)
	LayerID    int64        // Owning layer
	FeatureID  string       // Externally stable identifier
	Geometry   orb.Geometry // Geometry in the layer's target CRS
	Properties Properties   // Ordered property bag
	BBox       *orb.Bound   // Envelope; nil until computed or supplied
	CreatedAt  time.Time    // Creation timestamp
}

// EnsureBBox computes the envelope unless one was supplied.
func (f *Feature) EnsureBBox() {
	if f.BBox != nil || f.Geometry == nil {
		return
	}
	b := Envelope(f.Geometry)
	f.BBox = &b
}

// GeometryType represents the type of a geometry.
type GeometryType string

// Geometry type constants.
const (
	GeomPoint              GeometryType = "POINT"
	GeomLineString         GeometryType = "LINESTRING"
	GeomPolygon            GeometryType = "POLYGON"
	GeomMultiPoint         GeometryType = "MULTIPOINT"
	GeomMultiLineString    GeometryType = "MULTILINESTRING"
	GeomMultiPolygon       GeometryType = "MULTIPOLYGON"
	GeomGeometryCollection GeometryType = "GEOMETRYCOLLECTION"
	GeomUnknown            GeometryType = "UNKNOWN"
)

// TypeOf returns the geometry type of an orb geometry.
func TypeOf(g orb.Geometry) GeometryType {
	switch g.(type) {
	case orb.Point:
		return GeomPoint
	case orb.MultiPoint:
		return GeomMultiPoint
	case orb.LineString:
		return GeomLineString
	case orb.MultiLineString:
		return GeomMultiLineString
	case orb.Polygon, orb.Ring, orb.Bound:
		return GeomPolygon
	case orb.MultiPolygon:
		return GeomMultiPolygon
	case orb.Collection:
		return GeomGeometryCollection
	default:
		return GeomUnknown
	}
}

// Class returns the layer classifier for the geometry type.
func (t GeometryType) Class() GeometryClass {
	switch t {
	case GeomPoint, GeomMultiPoint:
		return ClassPoint
	case GeomLineString, GeomMultiLineString:
		return ClassLine
	case GeomPolygon, GeomMultiPolygon:
		return ClassPolygon
	default:
		return ClassUnknown
	}
}
