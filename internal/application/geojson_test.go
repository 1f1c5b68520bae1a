package application

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/paulmach/orb"

	"github.com/jobrunner/geoingest/internal/domain"
)

func TestEncodeFeature(t *testing.T) {
	f := domain.Feature{
		FeatureID: "a-1",
		Geometry:  orb.Point{8.5, 47.4},
		Properties: domain.Properties{
			{Key: "name", Value: domain.String("Zürich")},
			{Key: "pop", Value: domain.Int(421878)},
			{Key: "area", Value: domain.Null()},
		},
	}

	var buf bytes.Buffer
	if err := EncodeFeature(&buf, f); err != nil {
		t.Fatalf("EncodeFeature() error = %v", err)
	}
	want := `{"type":"Feature","id":"a-1","geometry":{"type":"Point","coordinates":[8.5,47.4]},"properties":{"name":"Zürich","pop":421878,"area":null}}`
	if buf.String() != want {
		t.Errorf("EncodeFeature() =\n%s\nwant\n%s", buf.String(), want)
	}

	buf.Reset()
	if err := EncodeFeature(&buf, domain.Feature{}); err != nil {
		t.Fatalf("EncodeFeature(empty) error = %v", err)
	}
	if got := buf.String(); got != `{"type":"Feature","geometry":null,"properties":{}}` {
		t.Errorf("EncodeFeature(empty) = %s", got)
	}
}

func TestEncodeCollectionChunkInfo(t *testing.T) {
	features := []domain.Feature{
		{FeatureID: "1", Geometry: orb.Point{1, 2}},
		{FeatureID: "2", Geometry: orb.Point{3, 4}},
	}

	tests := []struct {
		name     string
		info     *ChunkInfo
		wantInfo bool
		wantNext bool
	}{
		{"plain", nil, false, false},
		{"with next", &ChunkInfo{ChunkID: 1, FeaturesCount: 2, TotalCount: 5, NextChunk: 2}, true, true},
		{"last chunk", &ChunkInfo{ChunkID: 3, FeaturesCount: 1, TotalCount: 5}, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, err := EncodeCollection(features, tt.info)
			if err != nil {
				t.Fatalf("EncodeCollection() error = %v", err)
			}
			var doc map[string]json.RawMessage
			if err := json.Unmarshal(body, &doc); err != nil {
				t.Fatalf("invalid JSON %s: %v", body, err)
			}
			if string(doc["type"]) != `"FeatureCollection"` {
				t.Errorf("type = %s", doc["type"])
			}
			raw, ok := doc["chunk_info"]
			if ok != tt.wantInfo {
				t.Fatalf("chunk_info present = %v, want %v", ok, tt.wantInfo)
			}
			if !ok {
				return
			}
			var info map[string]any
			if err := json.Unmarshal(raw, &info); err != nil {
				t.Fatal(err)
			}
			if _, ok := info["next_chunk"]; ok != tt.wantNext {
				t.Errorf("next_chunk present = %v, want %v (%s)", ok, tt.wantNext, raw)
			}
			for _, k := range []string{"chunk_id", "features_count", "total_count"} {
				if _, ok := info[k]; !ok {
					t.Errorf("chunk_info lacks %s", k)
				}
			}
		})
	}
}

func TestDecodeCollection(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		wantErr     error
		wantCount   int
		wantSkipped int
	}{
		{
			name:    "not json",
			body:    `{"type":`,
			wantErr: domain.ErrInvalidGeoJSON,
		},
		{
			name:    "wrong top level type",
			body:    `{"type":"Feature","geometry":null,"properties":{}}`,
			wantErr: domain.ErrInvalidGeoJSON,
		},
		{
			name:      "empty collection",
			body:      `{"type":"FeatureCollection","features":[]}`,
			wantCount: 0,
		},
		{
			name: "null geometry is skipped",
			body: `{"type":"FeatureCollection","features":[
				{"type":"Feature","geometry":{"type":"Point","coordinates":[1,2]},"properties":{"a":1}},
				{"type":"Feature","geometry":{"type":"LineString","coordinates":[[0,0],[1,1]]},"properties":{}},
				{"type":"Feature","geometry":{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,0]]]}},
				{"type":"Feature","geometry":null,"properties":{"a":4}}
			]}`,
			wantCount:   3,
			wantSkipped: 1,
		},
		{
			name: "unknown geometry type",
			body: `{"type":"FeatureCollection","features":[
				{"type":"Feature","geometry":{"type":"Circle","coordinates":[1,2]},"properties":{}}
			]}`,
			wantErr: domain.ErrInvalidGeoJSON,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := DecodeCollection([]byte(tt.body), true)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("DecodeCollection() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeCollection() error = %v", err)
			}
			if len(res.Features) != tt.wantCount || res.Skipped != tt.wantSkipped {
				t.Errorf("DecodeCollection() = %d features, %d skipped; want %d, %d",
					len(res.Features), res.Skipped, tt.wantCount, tt.wantSkipped)
			}
		})
	}
}

func TestDecodeCollectionPerFeatureFailures(t *testing.T) {
	body := `{"type":"FeatureCollection","features":[
		{"type":"Feature","geometry":{"type":"Point","coordinates":[1,2]},"properties":{}},
		{"type":"Feature","geometry":{"type":"Point","coordinates":"oops"},"properties":{}},
		{"type":"Feature","geometry":{"type":"Point","coordinates":[3,4]},"properties":{}}
	]}`

	if _, err := DecodeCollection([]byte(body), true); err == nil {
		t.Fatal("all-or-nothing decode should fail")
	} else {
		var fe *domain.FeatureDecodeError
		if !errors.As(err, &fe) || fe.Index != 1 {
			t.Errorf("error = %v, want FeatureDecodeError for feature 1", err)
		}
	}

	res, err := DecodeCollection([]byte(body), false)
	if err != nil {
		t.Fatalf("DecodeCollection() error = %v", err)
	}
	if len(res.Features) != 2 || len(res.Failures) != 1 || res.Failures[0].Index != 1 || res.Total != 3 {
		t.Errorf("DecodeCollection() = %d features, failures %v, total %d", len(res.Features), res.Failures, res.Total)
	}
}

func TestDecodeFeatureIdentifier(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"string id", `{"type":"Feature","id":"x","geometry":{"type":"Point","coordinates":[0,0]},"properties":{"id":"y"}}`, "x"},
		{"numeric id", `{"type":"Feature","id":42,"geometry":{"type":"Point","coordinates":[0,0]}}`, "42"},
		{"properties id", `{"type":"Feature","geometry":{"type":"Point","coordinates":[0,0]},"properties":{"id":7}}`, "7"},
		{"no id", `{"type":"Feature","geometry":{"type":"Point","coordinates":[0,0]},"properties":{}}`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := DecodeFeature([]byte(tt.body))
			if err != nil {
				t.Fatalf("DecodeFeature() error = %v", err)
			}
			if f.FeatureID != tt.want {
				t.Errorf("FeatureID = %q, want %q", f.FeatureID, tt.want)
			}
			if f.Properties == nil {
				t.Error("Properties should default to an empty bag")
			}
		})
	}
}

func TestDecodeFeatureBBox(t *testing.T) {
	f, err := DecodeFeature([]byte(`{"type":"Feature","bbox":[-1,-2,3,4],"geometry":{"type":"Point","coordinates":[0,0]}}`))
	if err != nil {
		t.Fatalf("DecodeFeature() error = %v", err)
	}
	want := orb.Bound{Min: orb.Point{-1, -2}, Max: orb.Point{3, 4}}
	if f.BBox == nil || *f.BBox != want {
		t.Errorf("BBox = %v, want %v", f.BBox, want)
	}

	_, err = DecodeFeature([]byte(`{"type":"Feature","bbox":[1,2],"geometry":{"type":"Point","coordinates":[0,0]}}`))
	if !errors.Is(err, domain.ErrInvalidGeoJSON) {
		t.Errorf("short bbox error = %v", err)
	}

	_, err = DecodeFeature([]byte(`{"type":"Feature","geometry":null}`))
	if err == nil || !strings.Contains(err.Error(), "geometry is required") {
		t.Errorf("missing geometry error = %v", err)
	}
}

func TestGeoJSONRoundTrip(t *testing.T) {
	geoms := []orb.Geometry{
		orb.Point{1, 2},
		orb.MultiPoint{{1, 2}, {3, 4}},
		orb.LineString{{0, 0}, {1, 1}},
		orb.MultiLineString{{{0, 0}, {1, 1}}, {{2, 2}, {3, 3}}},
		orb.Polygon{{{0, 0}, {1, 0}, {1, 1}, {0, 0}}},
		orb.MultiPolygon{{{{0, 0}, {1, 0}, {1, 1}, {0, 0}}}},
	}
	props := domain.Properties{
		{Key: "s", Value: domain.String("v")},
		{Key: "i", Value: domain.Int(3)},
		{Key: "f", Value: domain.Float(2.5)},
		{Key: "b", Value: domain.Bool(true)},
		{Key: "n", Value: domain.Null()},
	}

	for _, g := range geoms {
		t.Run(g.GeoJSONType(), func(t *testing.T) {
			in := []domain.Feature{{FeatureID: "id", Geometry: g, Properties: props}}
			body, err := EncodeCollection(in, nil)
			if err != nil {
				t.Fatal(err)
			}
			res, err := DecodeCollection(body, true)
			if err != nil {
				t.Fatalf("DecodeCollection() error = %v", err)
			}
			out := res.Features[0]
			if domain.TypeOf(out.Geometry) != domain.TypeOf(g) {
				t.Errorf("geometry type = %s, want %s", domain.TypeOf(out.Geometry), domain.TypeOf(g))
			}
			if out.FeatureID != "id" {
				t.Errorf("FeatureID = %q", out.FeatureID)
			}
			if len(out.Properties) != len(props) {
				t.Fatalf("properties = %v", out.Properties)
			}
			for i, kv := range props {
				if out.Properties[i] != kv {
					t.Errorf("property %d = %+v, want %+v", i, out.Properties[i], kv)
				}
			}
		})
	}
}

func TestNestedPropertiesFlattenToJSONText(t *testing.T) {
	body := `{"type":"FeatureCollection","features":[{"type":"Feature",
		"geometry":{"type":"Point","coordinates":[1,2]},
		"properties":{"tags":{"b":[1,"x"],"a":1},"list":[true,null],"name":"well"}}]}`

	res, err := DecodeCollection([]byte(body), true)
	if err != nil {
		t.Fatalf("DecodeCollection() error = %v", err)
	}
	props := res.Features[0].Properties

	tests := []struct {
		key  string
		want domain.Value
	}{
		{"tags", domain.String(`{"a":1,"b":[1,"x"]}`)},
		{"list", domain.String(`[true,null]`)},
		{"name", domain.String("well")},
	}
	for _, tt := range tests {
		if got, _ := props.Get(tt.key); got != tt.want {
			t.Errorf("%s = %+v, want %+v", tt.key, got, tt.want)
		}
	}

	out, err := EncodeCollection(res.Features, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(out), `"tags":"{\"a\":1,\"b\":[1,\"x\"]}"`) {
		t.Errorf("encoded = %s, want tags as a JSON string", out)
	}
}
