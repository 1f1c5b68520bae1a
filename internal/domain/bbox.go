package domain

import "github.com/paulmach/orb"

// PointHalfWidth is the half-width, in CRS units, of the synthetic box
// placed around point geometries.
const PointHalfWidth = 0.0001

// Envelope returns the bounding rectangle of a geometry. Points get a
// small square centered on them so the rectangle is never degenerate.
func Envelope(g orb.Geometry) orb.Bound {
	if p, ok := g.(orb.Point); ok {
		return orb.Bound{
			Min: orb.Point{p[0] - PointHalfWidth, p[1] - PointHalfWidth},
			Max: orb.Point{p[0] + PointHalfWidth, p[1] + PointHalfWidth},
		}
	}
	return g.Bound()
}

// BBoxPolygon renders an envelope as a closed four-corner ring starting
// at the lower-left corner and running up the west edge.
func BBoxPolygon(b orb.Bound) orb.Polygon {
	return orb.Polygon{orb.Ring{
		{b.Min[0], b.Min[1]},
		{b.Min[0], b.Max[1]},
		{b.Max[0], b.Max[1]},
		{b.Max[0], b.Min[1]},
		{b.Min[0], b.Min[1]},
	}}
}

// Covers reports whether every vertex of g lies within b.
func Covers(b orb.Bound, g orb.Geometry) bool {
	ok := true
	eachPoint(g, func(p orb.Point) {
		if !b.Contains(p) {
			ok = false
		}
	})
	return ok
}

func eachPoint(g orb.Geometry, fn func(orb.Point)) {
	switch v := g.(type) {
	case orb.Point:
		fn(v)
	case orb.MultiPoint:
		for _, p := range v {
			fn(p)
		}
	case orb.LineString:
		for _, p := range v {
			fn(p)
		}
	case orb.Ring:
		for _, p := range v {
			fn(p)
		}
	case orb.MultiLineString:
		for _, ls := range v {
			eachPoint(ls, fn)
		}
	case orb.Polygon:
		for _, r := range v {
			eachPoint(r, fn)
		}
	case orb.MultiPolygon:
		for _, p := range v {
			eachPoint(p, fn)
		}
	case orb.Collection:
		for _, c := range v {
			eachPoint(c, fn)
		}
	case orb.Bound:
		fn(v.Min)
		fn(v.Max)
	}
}
