package dataset

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/ianaindex"

	"github.com/jobrunner/geoingest/internal/domain"
	"github.com/jobrunner/geoingest/internal/ports/output"
)

const shpFileCode = 9994

// shapefileDataset reads a .shp with its .dbf, .prj and .cpg sidecars.
type shapefileDataset struct {
	path    string
	reader  *shp.Reader
	fields  []shp.Field
	decoder *encoding.Decoder
	row     output.Row
	index   int
	err     error
}

func openShapefile(path string) (*shapefileDataset, error) {
	if err := checkShpHeader(path); err != nil {
		return nil, &domain.DatasetError{Path: filepath.Base(path), Op: "open", Err: err}
	}

	r, err := shp.Open(path)
	if err != nil {
		return nil, &domain.DatasetError{Path: filepath.Base(path), Op: "open", Err: err}
	}

	ds := &shapefileDataset{path: path, reader: r}
	if _, err := os.Stat(sidecar(path, ".dbf")); err == nil {
		ds.fields = r.Fields()
	}
	ds.decoder = charsetDecoder(sidecar(path, ".cpg"))
	return ds, nil
}

func checkShpHeader(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	var code int32
	if err := binary.Read(f, binary.BigEndian, &code); err != nil {
		return fmt.Errorf("reading header: %w", err)
	}
	if code != shpFileCode {
		return fmt.Errorf("not a shapefile (file code %d)", code)
	}
	return nil
}

// sidecar returns the path of a companion file, matching the case of
// the extension as found on disk.
func sidecar(shpPath, ext string) string {
	base := strings.TrimSuffix(shpPath, filepath.Ext(shpPath))
	for _, candidate := range []string{base + ext, base + strings.ToUpper(ext)} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return base + ext
}

// CRS implements output.Dataset.
func (d *shapefileDataset) CRS() (domain.CRSInfo, error) {
	data, err := os.ReadFile(sidecar(d.path, ".prj"))
	if errors.Is(err, os.ErrNotExist) {
		return domain.NoCRS(), nil
	}
	if err != nil {
		return domain.CRSInfo{}, &domain.DatasetError{Path: filepath.Base(d.path), Op: "crs", Err: err}
	}
	info, err := crsFromWKT(string(data))
	if err != nil {
		return domain.CRSInfo{}, &domain.DatasetError{Path: filepath.Base(d.path), Op: "crs", Err: err}
	}
	return info, nil
}

// Next implements output.Dataset.
func (d *shapefileDataset) Next() bool {
	if d.err != nil || !d.reader.Next() {
		if err := d.reader.Err(); err != nil && d.err == nil {
			d.err = &domain.DatasetError{Path: filepath.Base(d.path), Op: "read", Err: err}
		}
		return false
	}

	n, shape := d.reader.Shape()
	geom, geomErr := shapeToGeometry(shape)
	d.row = output.Row{
		Index:       d.index,
		Geometry:    geom,
		GeometryErr: geomErr,
		Attributes:  d.attributes(n),
	}
	d.index++
	return true
}

// Row implements output.Dataset.
func (d *shapefileDataset) Row() output.Row { return d.row }

// Err implements output.Dataset.
func (d *shapefileDataset) Err() error { return d.err }

// Close implements output.Dataset.
func (d *shapefileDataset) Close() error {
	d.reader.Close()
	return nil
}

func (d *shapefileDataset) attributes(n int) []output.Attribute {
	attrs := make([]output.Attribute, 0, len(d.fields))
	for k, f := range d.fields {
		raw := strings.Trim(d.reader.ReadAttribute(n, k), " \x00")
		attrs = append(attrs, output.Attribute{
			Name:  d.decode(f.String()),
			Value: d.convert(raw, f),
		})
	}
	return attrs
}

func (d *shapefileDataset) convert(raw string, f shp.Field) any {
	switch f.Fieldtype {
	case 'N', 'F':
		if raw == "" || strings.Trim(raw, "*") == "" {
			return nil
		}
		if f.Fieldtype == 'N' && f.Precision == 0 {
			if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
				return i
			}
		}
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			return v
		}
		return raw
	case 'L':
		switch strings.ToUpper(raw) {
		case "T", "Y":
			return true
		case "F", "N":
			return false
		default:
			return nil
		}
	case 'D':
		if len(raw) == 8 {
			return raw[0:4] + "-" + raw[4:6] + "-" + raw[6:8]
		}
		if raw == "" {
			return nil
		}
		return raw
	default:
		if raw == "" {
			return nil
		}
		return d.decode(raw)
	}
}

func (d *shapefileDataset) decode(s string) string {
	if d.decoder != nil {
		if out, err := d.decoder.String(s); err == nil {
			return out
		}
	}
	if !utf8.ValidString(s) {
		if out, err := charmap.ISO8859_1.NewDecoder().String(s); err == nil {
			return out
		}
	}
	return s
}

// charsetDecoder returns a decoder for the charset named in a .cpg file,
// or nil when the attributes are UTF-8 or no charset is declared.
func charsetDecoder(cpgPath string) *encoding.Decoder {
	data, err := os.ReadFile(cpgPath)
	if err != nil {
		return nil
	}
	name := strings.TrimSpace(string(data))
	switch strings.ToUpper(name) {
	case "", "UTF-8", "UTF8", "65001":
		return nil
	case "1250", "1251", "1252", "1253", "1254", "1255", "1256", "1257", "1258":
		name = "windows-" + name
	case "936":
		name = "GBK"
	case "950":
		name = "Big5"
	case "932":
		name = "Shift_JIS"
	}
	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil || enc == nil {
		return nil
	}
	return enc.NewDecoder()
}

func shapeToGeometry(s shp.Shape) (orb.Geometry, error) {
	switch v := s.(type) {
	case *shp.Null:
		return nil, nil
	case *shp.Point:
		return orb.Point{v.X, v.Y}, nil
	case *shp.PointZ:
		return orb.Point{v.X, v.Y}, nil
	case *shp.PointM:
		return orb.Point{v.X, v.Y}, nil
	case *shp.MultiPoint:
		return multiPoint(v.Points), nil
	case *shp.MultiPointZ:
		return multiPoint(v.Points), nil
	case *shp.MultiPointM:
		return multiPoint(v.Points), nil
	case *shp.PolyLine:
		return lines(v.Parts, v.Points)
	case *shp.PolyLineZ:
		return lines(v.Parts, v.Points)
	case *shp.PolyLineM:
		return lines(v.Parts, v.Points)
	case *shp.Polygon:
		return polygons(v.Parts, v.Points)
	case *shp.PolygonZ:
		return polygons(v.Parts, v.Points)
	case *shp.PolygonM:
		return polygons(v.Parts, v.Points)
	default:
		return nil, fmt.Errorf("unsupported shape type %T: %w", s, domain.ErrRowDecode)
	}
}

func multiPoint(pts []shp.Point) orb.MultiPoint {
	mp := make(orb.MultiPoint, len(pts))
	for i, p := range pts {
		mp[i] = orb.Point{p.X, p.Y}
	}
	return mp
}

// splitParts cuts the flat point list at the part offsets.
func splitParts(parts []int32, pts []shp.Point) ([][]orb.Point, error) {
	out := make([][]orb.Point, 0, len(parts))
	for i, start := range parts {
		end := int32(len(pts))
		if i+1 < len(parts) {
			end = parts[i+1]
		}
		if start < 0 || end > int32(len(pts)) || start > end {
			return nil, fmt.Errorf("part %d out of range: %w", i, domain.ErrRowDecode)
		}
		seg := make([]orb.Point, 0, end-start)
		for _, p := range pts[start:end] {
			seg = append(seg, orb.Point{p.X, p.Y})
		}
		out = append(out, seg)
	}
	return out, nil
}

func lines(parts []int32, pts []shp.Point) (orb.Geometry, error) {
	segs, err := splitParts(parts, pts)
	if err != nil {
		return nil, err
	}
	if len(segs) == 0 {
		return nil, fmt.Errorf("polyline without parts: %w", domain.ErrRowDecode)
	}
	if len(segs) == 1 {
		return orb.LineString(segs[0]), nil
	}
	mls := make(orb.MultiLineString, len(segs))
	for i, s := range segs {
		mls[i] = orb.LineString(s)
	}
	return mls, nil
}

// polygons groups rings into polygons: clockwise rings start a new
// polygon, counter-clockwise rings are holes of the preceding one.
func polygons(parts []int32, pts []shp.Point) (orb.Geometry, error) {
	segs, err := splitParts(parts, pts)
	if err != nil {
		return nil, err
	}

	var mp orb.MultiPolygon
	for _, s := range segs {
		ring := orb.Ring(s)
		if len(ring) < 4 {
			return nil, fmt.Errorf("ring with %d points: %w", len(ring), domain.ErrRowDecode)
		}
		if ring.Orientation() == orb.CW || len(mp) == 0 {
			mp = append(mp, orb.Polygon{ring})
			continue
		}
		last := len(mp) - 1
		mp[last] = append(mp[last], ring)
	}

	switch len(mp) {
	case 0:
		return nil, fmt.Errorf("polygon without rings: %w", domain.ErrRowDecode)
	case 1:
		return mp[0], nil
	default:
		return mp, nil
	}
}
