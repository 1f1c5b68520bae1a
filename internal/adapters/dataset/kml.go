package dataset

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"golang.org/x/net/html/charset"

	"github.com/jobrunner/geoingest/internal/domain"
	"github.com/jobrunner/geoingest/internal/ports/output"
)

// kmlContainer collects the placemarks of a kml, Document or Folder
// element and of every container nested in it, in document order.
type kmlContainer struct {
	Placemarks []kmlPlacemark
}

// UnmarshalXML implements xml.Unmarshaler.
func (c *kmlContainer) UnmarshalXML(d *xml.Decoder, _ xml.StartElement) error {
	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "Placemark":
				var pm kmlPlacemark
				if err := d.DecodeElement(&pm, &t); err != nil {
					return err
				}
				c.Placemarks = append(c.Placemarks, pm)
			case "Document", "Folder":
				var sub kmlContainer
				if err := d.DecodeElement(&sub, &t); err != nil {
					return err
				}
				c.Placemarks = append(c.Placemarks, sub.Placemarks...)
			default:
				if err := d.Skip(); err != nil {
					return err
				}
			}
		case xml.EndElement:
			return nil
		}
	}
}

type kmlPlacemark struct {
	ID            string            `xml:"id,attr"`
	Name          *string           `xml:"name"`
	Description   *string           `xml:"description"`
	ExtendedData  *kmlExtendedData  `xml:"ExtendedData"`
	Point         *kmlCoords        `xml:"Point"`
	LineString    *kmlCoords        `xml:"LineString"`
	Polygon       *kmlPolygon       `xml:"Polygon"`
	MultiGeometry *kmlMultiGeometry `xml:"MultiGeometry"`
}

type kmlCoords struct {
	Coordinates string `xml:"coordinates"`
}

type kmlPolygon struct {
	Outer kmlBoundary   `xml:"outerBoundaryIs"`
	Inner []kmlBoundary `xml:"innerBoundaryIs"`
}

type kmlBoundary struct {
	Ring kmlCoords `xml:"LinearRing"`
}

type kmlMultiGeometry struct {
	Points   []kmlCoords        `xml:"Point"`
	Lines    []kmlCoords        `xml:"LineString"`
	Polygons []kmlPolygon       `xml:"Polygon"`
	Nested   []kmlMultiGeometry `xml:"MultiGeometry"`
}

type kmlExtendedData struct {
	Data       []kmlData       `xml:"Data"`
	SchemaData []kmlSchemaData `xml:"SchemaData"`
}

type kmlData struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value"`
}

type kmlSchemaData struct {
	SimpleData []kmlSimpleData `xml:"SimpleData"`
}

type kmlSimpleData struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

// kmlDataset serves the placemarks of a KML file. KML coordinates are
// always WGS 84 longitude/latitude.
type kmlDataset struct {
	path       string
	placemarks []kmlPlacemark
	pos        int
	row        output.Row
}

func openKML(path string) (*kmlDataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &domain.DatasetError{Path: filepath.Base(path), Op: "open", Err: err}
	}
	defer func() { _ = f.Close() }()

	dec := xml.NewDecoder(f)
	dec.CharsetReader = charset.NewReaderLabel
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, &domain.DatasetError{Path: filepath.Base(path), Op: "open", Err: fmt.Errorf("no kml root element: %w", err)}
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if start.Name.Local != "kml" {
			return nil, &domain.DatasetError{Path: filepath.Base(path), Op: "open", Err: fmt.Errorf("root element is %s, not kml", start.Name.Local)}
		}
		var root kmlContainer
		if err := dec.DecodeElement(&root, &start); err != nil {
			return nil, &domain.DatasetError{Path: filepath.Base(path), Op: "open", Err: err}
		}
		return &kmlDataset{path: path, placemarks: root.Placemarks, pos: -1}, nil
	}
}

// CRS implements output.Dataset.
func (d *kmlDataset) CRS() (domain.CRSInfo, error) {
	return domain.KnownCRS(domain.DefaultTargetCRS, "WGS 84"), nil
}

// Next implements output.Dataset.
func (d *kmlDataset) Next() bool {
	d.pos++
	if d.pos >= len(d.placemarks) {
		return false
	}
	pm := d.placemarks[d.pos]
	geom, err := pm.geometry()
	d.row = output.Row{
		Index:       d.pos,
		FeatureID:   pm.ID,
		Geometry:    geom,
		GeometryErr: err,
		Attributes:  pm.attributes(),
	}
	return true
}

// Row implements output.Dataset.
func (d *kmlDataset) Row() output.Row { return d.row }

// Err implements output.Dataset.
func (d *kmlDataset) Err() error { return nil }

// Close implements output.Dataset.
func (d *kmlDataset) Close() error { return nil }

func (pm kmlPlacemark) attributes() []output.Attribute {
	var attrs []output.Attribute
	if pm.Name != nil {
		attrs = append(attrs, output.Attribute{Name: "Name", Value: strings.TrimSpace(*pm.Name)})
	}
	if pm.Description != nil {
		attrs = append(attrs, output.Attribute{Name: "Description", Value: strings.TrimSpace(*pm.Description)})
	}
	if pm.ExtendedData == nil {
		return attrs
	}
	for _, data := range pm.ExtendedData.Data {
		attrs = append(attrs, output.Attribute{Name: data.Name, Value: strings.TrimSpace(data.Value)})
	}
	for _, sd := range pm.ExtendedData.SchemaData {
		for _, simple := range sd.SimpleData {
			attrs = append(attrs, output.Attribute{Name: simple.Name, Value: strings.TrimSpace(simple.Value)})
		}
	}
	return attrs
}

func (pm kmlPlacemark) geometry() (orb.Geometry, error) {
	switch {
	case pm.Point != nil:
		return kmlPoint(*pm.Point)
	case pm.LineString != nil:
		return kmlLine(*pm.LineString)
	case pm.Polygon != nil:
		return kmlPoly(*pm.Polygon)
	case pm.MultiGeometry != nil:
		return kmlMulti(*pm.MultiGeometry)
	default:
		return nil, nil
	}
}

func parseCoordinates(s string) ([]orb.Point, error) {
	fields := strings.Fields(s)
	pts := make([]orb.Point, 0, len(fields))
	for _, tuple := range fields {
		parts := strings.Split(tuple, ",")
		if len(parts) < 2 {
			return nil, fmt.Errorf("coordinate %q: %w", tuple, domain.ErrRowDecode)
		}
		lon, err := strconv.ParseFloat(parts[0], 64)
		if err != nil {
			return nil, fmt.Errorf("longitude %q: %w", parts[0], domain.ErrRowDecode)
		}
		lat, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return nil, fmt.Errorf("latitude %q: %w", parts[1], domain.ErrRowDecode)
		}
		pts = append(pts, orb.Point{lon, lat})
	}
	return pts, nil
}

func kmlPoint(c kmlCoords) (orb.Geometry, error) {
	pts, err := parseCoordinates(c.Coordinates)
	if err != nil {
		return nil, err
	}
	if len(pts) != 1 {
		return nil, fmt.Errorf("point with %d coordinates: %w", len(pts), domain.ErrRowDecode)
	}
	return pts[0], nil
}

func kmlLine(c kmlCoords) (orb.Geometry, error) {
	pts, err := parseCoordinates(c.Coordinates)
	if err != nil {
		return nil, err
	}
	if len(pts) < 2 {
		return nil, fmt.Errorf("linestring with %d coordinates: %w", len(pts), domain.ErrRowDecode)
	}
	return orb.LineString(pts), nil
}

func kmlRing(c kmlCoords) (orb.Ring, error) {
	pts, err := parseCoordinates(c.Coordinates)
	if err != nil {
		return nil, err
	}
	if len(pts) < 3 {
		return nil, fmt.Errorf("ring with %d coordinates: %w", len(pts), domain.ErrRowDecode)
	}
	ring := orb.Ring(pts)
	if !ring.Closed() {
		ring = append(ring, ring[0])
	}
	return ring, nil
}

func kmlPoly(p kmlPolygon) (orb.Geometry, error) {
	outer, err := kmlRing(p.Outer.Ring)
	if err != nil {
		return nil, err
	}
	poly := orb.Polygon{outer}
	for _, inner := range p.Inner {
		ring, err := kmlRing(inner.Ring)
		if err != nil {
			return nil, err
		}
		poly = append(poly, ring)
	}
	return poly, nil
}

// kmlMulti flattens a MultiGeometry into the narrowest orb type.
func kmlMulti(m kmlMultiGeometry) (orb.Geometry, error) {
	var parts []orb.Geometry
	if err := m.flatten(&parts); err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty MultiGeometry: %w", domain.ErrRowDecode)
	}
	if len(parts) == 1 {
		return parts[0], nil
	}

	switch parts[0].(type) {
	case orb.Point:
		mp := orb.MultiPoint{}
		for _, g := range parts {
			p, ok := g.(orb.Point)
			if !ok {
				return orb.Collection(parts), nil
			}
			mp = append(mp, p)
		}
		return mp, nil
	case orb.LineString:
		mls := orb.MultiLineString{}
		for _, g := range parts {
			ls, ok := g.(orb.LineString)
			if !ok {
				return orb.Collection(parts), nil
			}
			mls = append(mls, ls)
		}
		return mls, nil
	case orb.Polygon:
		mpoly := orb.MultiPolygon{}
		for _, g := range parts {
			p, ok := g.(orb.Polygon)
			if !ok {
				return orb.Collection(parts), nil
			}
			mpoly = append(mpoly, p)
		}
		return mpoly, nil
	}
	return orb.Collection(parts), nil
}

func (m kmlMultiGeometry) flatten(out *[]orb.Geometry) error {
	for _, c := range m.Points {
		g, err := kmlPoint(c)
		if err != nil {
			return err
		}
		*out = append(*out, g)
	}
	for _, c := range m.Lines {
		g, err := kmlLine(c)
		if err != nil {
			return err
		}
		*out = append(*out, g)
	}
	for _, p := range m.Polygons {
		g, err := kmlPoly(p)
		if err != nil {
			return err
		}
		*out = append(*out, g)
	}
	for _, n := range m.Nested {
		if err := n.flatten(out); err != nil {
			return err
		}
	}
	return nil
}
