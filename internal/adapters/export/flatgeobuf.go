// Package export writes layers in binary interchange formats.
package export

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strconv"

	"github.com/flatgeobuf/flatgeobuf/src/go/flattypes"
	"github.com/flatgeobuf/flatgeobuf/src/go/writer"
	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/paulmach/orb"

	"github.com/jobrunner/geoingest/internal/domain"
	"github.com/jobrunner/geoingest/internal/ports/output"
)

// ContentType is the media type of FlatGeobuf files.
const ContentType = "application/flatgeobuf"

// FlatGeobuf writes layers as FlatGeobuf with a packed Hilbert R-tree.
type FlatGeobuf struct {
	logger *slog.Logger
}

var _ output.LayerExporter = (*FlatGeobuf)(nil)

// NewFlatGeobuf creates a FlatGeobuf exporter.
func NewFlatGeobuf(logger *slog.Logger) *FlatGeobuf {
	return &FlatGeobuf{logger: logger.With("component", "export")}
}

// ContentType implements output.LayerExporter.
func (e *FlatGeobuf) ContentType() string {
	return ContentType
}

// Export writes features as one FlatGeobuf file. Features without a
// geometry are left out. The spatial index is omitted for an empty layer.
func (e *FlatGeobuf) Export(ctx context.Context, layer *domain.Layer, features []domain.Feature, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cols := inferSchema(features)

	builder := flatbuffers.NewBuilder(4096)
	header := writer.NewHeader(builder)
	header.SetName(layer.Name)
	if layer.Description != "" {
		header.SetDescription(layer.Description)
	}
	header.SetGeometryType(layerGeometryType(features))
	if crs := headerCRS(builder, layer.TargetCRS); crs != nil {
		header.SetCrs(crs)
	}
	if len(cols.names) > 0 {
		header.SetColumns(cols.columns(builder))
	}

	gen := &featureGenerator{ctx: ctx, features: features, schema: cols}
	indexed := hasGeometry(features)
	if _, err := writer.NewWriter(header, indexed, gen, nil).Write(w); err != nil {
		return fmt.Errorf("writing flatgeobuf for layer %d: %w", layer.ID, err)
	}
	if gen.err != nil {
		return gen.err
	}

	e.logger.Debug("layer exported", "layer", layer.ID, "features", gen.written, "skipped", gen.skipped)
	return nil
}

// featureGenerator feeds the writer one feature at a time.
type featureGenerator struct {
	ctx      context.Context
	features []domain.Feature
	schema   schema
	next     int
	written  int
	skipped  int
	err      error
}

// Generate implements writer.FeatureGenerator. It returns nil when the
// features are exhausted or the context is done.
func (g *featureGenerator) Generate() *writer.Feature {
	for g.next < len(g.features) {
		if err := g.ctx.Err(); err != nil {
			g.err = err
			return nil
		}
		f := g.features[g.next]
		g.next++

		b := flatbuffers.NewBuilder(1024)
		geom := encodeGeometry(b, f.Geometry)
		if geom == nil {
			g.skipped++
			continue
		}
		feature := writer.NewFeature(b)
		feature.SetGeometry(geom)
		if props := g.schema.encode(f.Properties); len(props) > 0 {
			feature.SetProperties(props)
		}
		g.written++
		return feature
	}
	return nil
}

func hasGeometry(features []domain.Feature) bool {
	for _, f := range features {
		if f.Geometry != nil {
			return true
		}
	}
	return false
}

// headerCRS describes an EPSG target CRS. Other authorities are not
// representable by code and are left out.
func headerCRS(b *flatbuffers.Builder, target string) *writer.Crs {
	parsed, err := domain.ParseCRS(target)
	if err != nil || !parsed.IsEPSG() {
		return nil
	}
	crs := writer.NewCrs(b)
	crs.SetOrg("EPSG")
	crs.SetCode(int32(parsed.Code))
	if name, ok := domain.LookupCRSName(parsed.String()); ok {
		crs.SetName(name)
	}
	return crs
}

func geometryType(g orb.Geometry) flattypes.GeometryType {
	switch g.(type) {
	case orb.Point:
		return flattypes.GeometryTypePoint
	case orb.MultiPoint:
		return flattypes.GeometryTypeMultiPoint
	case orb.LineString:
		return flattypes.GeometryTypeLineString
	case orb.MultiLineString:
		return flattypes.GeometryTypeMultiLineString
	case orb.Polygon, orb.Ring, orb.Bound:
		return flattypes.GeometryTypePolygon
	case orb.MultiPolygon:
		return flattypes.GeometryTypeMultiPolygon
	case orb.Collection:
		return flattypes.GeometryTypeGeometryCollection
	default:
		return flattypes.GeometryTypeUnknown
	}
}

// layerGeometryType returns the common geometry type, or Unknown when
// the layer mixes types.
func layerGeometryType(features []domain.Feature) flattypes.GeometryType {
	common := flattypes.GeometryTypeUnknown
	seen := false
	for _, f := range features {
		if f.Geometry == nil {
			continue
		}
		t := geometryType(f.Geometry)
		if !seen {
			common, seen = t, true
			continue
		}
		if t != common {
			return flattypes.GeometryTypeUnknown
		}
	}
	return common
}

func encodeGeometry(b *flatbuffers.Builder, geom orb.Geometry) *writer.Geometry {
	g := writer.NewGeometry(b)
	switch v := geom.(type) {
	case orb.Point:
		g.SetType(flattypes.GeometryTypePoint)
		g.SetXY([]float64{v[0], v[1]})
	case orb.MultiPoint:
		g.SetType(flattypes.GeometryTypeMultiPoint)
		g.SetXY(flatten(v))
	case orb.LineString:
		g.SetType(flattypes.GeometryTypeLineString)
		g.SetXY(flatten(v))
	case orb.MultiLineString:
		g.SetType(flattypes.GeometryTypeMultiLineString)
		xy, ends := flattenParts(len(v), func(i int) []orb.Point { return v[i] })
		g.SetXY(xy)
		g.SetEnds(ends)
	case orb.Ring:
		return encodeGeometry(b, orb.Polygon{v})
	case orb.Bound:
		return encodeGeometry(b, v.ToPolygon())
	case orb.Polygon:
		g.SetType(flattypes.GeometryTypePolygon)
		xy, ends := flattenParts(len(v), func(i int) []orb.Point { return v[i] })
		g.SetXY(xy)
		g.SetEnds(ends)
	case orb.MultiPolygon:
		g.SetType(flattypes.GeometryTypeMultiPolygon)
		parts := make([]writer.Geometry, 0, len(v))
		for _, poly := range v {
			if part := encodeGeometry(b, poly); part != nil {
				parts = append(parts, *part)
			}
		}
		g.SetParts(parts)
	case orb.Collection:
		g.SetType(flattypes.GeometryTypeGeometryCollection)
		parts := make([]writer.Geometry, 0, len(v))
		for _, child := range v {
			if part := encodeGeometry(b, child); part != nil {
				parts = append(parts, *part)
			}
		}
		g.SetParts(parts)
	default:
		return nil
	}
	return g
}

func flatten[P ~[]orb.Point](points P) []float64 {
	xy := make([]float64, 0, len(points)*2)
	for _, p := range points {
		xy = append(xy, p[0], p[1])
	}
	return xy
}

// flattenParts concatenates n point sequences and records the cumulative
// end offset of each.
func flattenParts(n int, part func(int) []orb.Point) ([]float64, []uint32) {
	var xy []float64
	ends := make([]uint32, 0, n)
	for i := 0; i < n; i++ {
		xy = append(xy, flatten(part(i))...)
		ends = append(ends, uint32(len(xy)/2))
	}
	return xy, ends
}

// schema is the column layout derived from the features' properties.
type schema struct {
	names []string
	types []flattypes.ColumnType
	typed []bool // A non-null value has fixed the column type
	index map[string]int
}

// inferSchema orders columns by first appearance. Integer and float values
// under one key share a double column; any other mix becomes a string
// column. A key that is always null is a string column.
func inferSchema(features []domain.Feature) schema {
	s := schema{index: make(map[string]int)}
	for _, f := range features {
		for _, p := range f.Properties {
			i, ok := s.index[p.Key]
			if !ok {
				i = s.add(p.Key)
			}
			if p.Value.IsNull() {
				continue
			}

			t := columnType(p.Value.Kind)
			switch {
			case !s.typed[i]:
				s.types[i], s.typed[i] = t, true
			case s.types[i] == t:
			case isNumeric(s.types[i]) && isNumeric(t):
				s.types[i] = flattypes.ColumnTypeDouble
			default:
				s.types[i] = flattypes.ColumnTypeString
			}
		}
	}
	return s
}

func (s *schema) add(name string) int {
	s.index[name] = len(s.names)
	s.names = append(s.names, name)
	s.types = append(s.types, flattypes.ColumnTypeString)
	s.typed = append(s.typed, false)
	return len(s.names) - 1
}

func (s schema) columns(b *flatbuffers.Builder) []*writer.Column {
	cols := make([]*writer.Column, len(s.names))
	for i, name := range s.names {
		col := writer.NewColumn(b)
		col.SetName(name)
		col.SetTitle(name)
		col.SetType(s.types[i])
		col.SetNullable(true)
		cols[i] = col
	}
	return cols
}

func columnType(k domain.ValueKind) flattypes.ColumnType {
	switch k {
	case domain.KindBool:
		return flattypes.ColumnTypeBool
	case domain.KindInt:
		return flattypes.ColumnTypeLong
	case domain.KindFloat:
		return flattypes.ColumnTypeDouble
	default:
		return flattypes.ColumnTypeString
	}
}

func isNumeric(t flattypes.ColumnType) bool {
	return t == flattypes.ColumnTypeLong || t == flattypes.ColumnTypeDouble
}

// encode writes the property buffer: for every non-null value a
// little-endian uint16 column index followed by the value. Strings are
// prefixed with their uint32 byte length.
func (s schema) encode(props domain.Properties) []byte {
	var buf bytes.Buffer
	var scratch [8]byte
	for _, p := range props {
		if p.Value.IsNull() {
			continue
		}
		i, ok := s.index[p.Key]
		if !ok {
			continue
		}
		binary.LittleEndian.PutUint16(scratch[:2], uint16(i))
		buf.Write(scratch[:2])

		v := p.Value
		switch s.types[i] {
		case flattypes.ColumnTypeBool:
			if v.B {
				buf.WriteByte(1)
			} else {
				buf.WriteByte(0)
			}
		case flattypes.ColumnTypeLong:
			binary.LittleEndian.PutUint64(scratch[:], uint64(v.I))
			buf.Write(scratch[:])
		case flattypes.ColumnTypeDouble:
			f := v.F
			if v.Kind == domain.KindInt {
				f = float64(v.I)
			}
			binary.LittleEndian.PutUint64(scratch[:], math.Float64bits(f))
			buf.Write(scratch[:])
		default:
			str := valueString(v)
			binary.LittleEndian.PutUint32(scratch[:4], uint32(len(str)))
			buf.Write(scratch[:4])
			buf.WriteString(str)
		}
	}
	return buf.Bytes()
}

func valueString(v domain.Value) string {
	switch v.Kind {
	case domain.KindBool:
		return strconv.FormatBool(v.B)
	case domain.KindInt:
		return strconv.FormatInt(v.I, 10)
	case domain.KindFloat:
		return strconv.FormatFloat(v.F, 'g', -1, 64)
	default:
		return v.S
	}
}
