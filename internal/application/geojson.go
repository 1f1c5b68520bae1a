package application

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/jobrunner/geoingest/internal/domain"
)

// ChunkInfo annotates a chunked FeatureCollection.
type ChunkInfo struct {
	ChunkID       int   `json:"chunk_id"`
	FeaturesCount int   `json:"features_count"`
	TotalCount    int64 `json:"total_count"`
	NextChunk     int   `json:"next_chunk,omitempty"`
}

// EncodeFeature writes one feature as a GeoJSON Feature object.
func EncodeFeature(buf *bytes.Buffer, f domain.Feature) error {
	buf.WriteString(`{"type":"Feature"`)
	if f.FeatureID != "" {
		id, err := json.Marshal(f.FeatureID)
		if err != nil {
			return err
		}
		buf.WriteString(`,"id":`)
		buf.Write(id)
	}

	buf.WriteString(`,"geometry":`)
	if f.Geometry == nil {
		buf.WriteString("null")
	} else {
		geom, err := geojson.NewGeometry(f.Geometry).MarshalJSON()
		if err != nil {
			return fmt.Errorf("encoding geometry of %q: %w", f.FeatureID, err)
		}
		buf.Write(geom)
	}

	props, err := f.Properties.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encoding properties of %q: %w", f.FeatureID, err)
	}
	buf.WriteString(`,"properties":`)
	buf.Write(props)
	buf.WriteByte('}')
	return nil
}

// EncodeCollection renders features as a FeatureCollection, annotated
// with chunk metadata when info is set.
func EncodeCollection(features []domain.Feature, info *ChunkInfo) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"type":"FeatureCollection","features":[`)
	for i, f := range features {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := EncodeFeature(&buf, f); err != nil {
			return nil, err
		}
	}
	buf.WriteByte(']')

	if info != nil {
		ci, err := json.Marshal(info)
		if err != nil {
			return nil, err
		}
		buf.WriteString(`,"chunk_info":`)
		buf.Write(ci)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// DecodeResult is the outcome of decoding a FeatureCollection.
type DecodeResult struct {
	Features []domain.Feature
	Skipped  int                          // Features with a null geometry
	Failures []*domain.FeatureDecodeError // Features whose geometry could not be parsed
	Total    int                          // Length of the features array
}

type rawCollection struct {
	Type     string            `json:"type"`
	Features []json.RawMessage `json:"features"`
}

type rawFeature struct {
	Type       string            `json:"type"`
	ID         json.RawMessage   `json:"id"`
	Geometry   json.RawMessage   `json:"geometry"`
	Properties domain.Properties `json:"properties"`
	BBox       []float64         `json:"bbox"`
}

// DecodeCollection parses a FeatureCollection. Features with a null
// geometry are skipped and counted. Any other undecodable feature is
// recorded in Failures, or fails the whole body when allOrNothing is set.
func DecodeCollection(body []byte, allOrNothing bool) (*DecodeResult, error) {
	var coll rawCollection
	if err := json.Unmarshal(body, &coll); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidGeoJSON, err)
	}
	if coll.Type != "FeatureCollection" {
		return nil, fmt.Errorf("%w: type must be FeatureCollection, got %q", domain.ErrInvalidGeoJSON, coll.Type)
	}

	res := &DecodeResult{Total: len(coll.Features)}
	for i, raw := range coll.Features {
		f, err := decodeFeature(i, raw)
		switch {
		case err != nil && allOrNothing:
			return nil, err
		case err != nil:
			res.Failures = append(res.Failures, err)
		case f.Geometry == nil:
			res.Skipped++
		default:
			res.Features = append(res.Features, f)
		}
	}
	return res, nil
}

// DecodeFeature parses a single GeoJSON Feature. The geometry is required.
func DecodeFeature(body []byte) (domain.Feature, error) {
	f, err := decodeFeature(0, body)
	if err != nil {
		return domain.Feature{}, err
	}
	if f.Geometry == nil {
		return domain.Feature{}, &domain.FeatureDecodeError{Index: 0, Reason: "geometry is required"}
	}
	return f, nil
}

// decodeFeature returns a feature without geometry for a null geometry.
func decodeFeature(index int, raw json.RawMessage) (domain.Feature, *domain.FeatureDecodeError) {
	fail := func(format string, args ...any) *domain.FeatureDecodeError {
		return &domain.FeatureDecodeError{Index: index, Reason: fmt.Sprintf(format, args...)}
	}

	var rf rawFeature
	if err := json.Unmarshal(raw, &rf); err != nil {
		return domain.Feature{}, fail("%v", err)
	}
	if rf.Type != "Feature" {
		return domain.Feature{}, fail("type must be Feature, got %q", rf.Type)
	}

	f := domain.Feature{Properties: rf.Properties}
	if f.Properties == nil {
		f.Properties = domain.Properties{}
	}

	id, err := featureID(rf.ID)
	if err != nil {
		return domain.Feature{}, fail("id: %v", err)
	}
	if id == "" {
		if v, ok := f.Properties.Get("id"); ok && !v.IsNull() {
			id = valueString(v)
		}
	}
	f.FeatureID = id

	if len(rf.Geometry) > 0 && !bytes.Equal(bytes.TrimSpace(rf.Geometry), []byte("null")) {
		g, err := geojson.UnmarshalGeometry(rf.Geometry)
		if err != nil {
			return domain.Feature{}, fail("geometry: %v", err)
		}
		if g.Coordinates == nil {
			return domain.Feature{}, fail("geometry of type %q has no coordinates", g.Type)
		}
		f.Geometry = g.Coordinates
	}

	switch len(rf.BBox) {
	case 0:
	case 4:
		f.BBox = &orb.Bound{
			Min: orb.Point{rf.BBox[0], rf.BBox[1]},
			Max: orb.Point{rf.BBox[2], rf.BBox[3]},
		}
	default:
		return domain.Feature{}, fail("bbox must have 4 numbers, got %d", len(rf.BBox))
	}
	return f, nil
}

// featureID reads a GeoJSON id, which may be a string or a number.
func featureID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		err := json.Unmarshal(raw, &s)
		return s, err
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("must be a string or number")
	}
	return n.String(), nil
}

func valueString(v domain.Value) string {
	switch v.Kind {
	case domain.KindString:
		return v.S
	case domain.KindInt:
		return strconv.FormatInt(v.I, 10)
	case domain.KindFloat:
		return strconv.FormatFloat(v.F, 'f', -1, 64)
	case domain.KindBool:
		return strconv.FormatBool(v.B)
	default:
		return ""
	}
}
