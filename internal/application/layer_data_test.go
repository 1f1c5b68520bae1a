package application

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/paulmach/orb"

	"github.com/jobrunner/geoingest/internal/domain"
)

type dataFixture struct {
	svc     *LayerDataService
	store   *memStore
	cache   *memCache
	audit   *recordingAudit
	metrics *countingMetrics
	group   *domain.LayerGroup
}

func newDataFixture(t *testing.T, deps LayerDataDeps) *dataFixture {
	t.Helper()
	f := &dataFixture{
		store:   newMemStore(),
		cache:   newMemCache(),
		audit:   &recordingAudit{},
		metrics: newCountingMetrics(),
	}
	f.group, _ = f.store.CreateGroup(context.Background(), "project")
	if deps.Cache == nil {
		deps.Cache = f.cache
	}
	deps.Audit = f.audit
	deps.Metrics = f.metrics
	importer := NewBatchImporter(f.store, f.store, f.metrics, 100, testLogger())
	f.svc = NewLayerDataService(f.store, f.store, importer, deps, testLogger())
	return f
}

func (f *dataFixture) layer(t *testing.T, class domain.GeometryClass, public bool) *domain.Layer {
	t.Helper()
	l := &domain.Layer{
		GroupID:       f.group.ID,
		Name:          "layer",
		GeometryClass: class,
		IsPublic:      public,
		Status:        domain.UploadComplete,
	}
	if err := f.store.CreateLayer(context.Background(), l); err != nil {
		t.Fatal(err)
	}
	return l
}

var square = orb.Polygon{{{0, 0}, {1, 0}, {1, 1}, {0, 1}, {0, 0}}}

type chunkDoc struct {
	Type     string `json:"type"`
	Features []struct {
		ID string `json:"id"`
	} `json:"features"`
	ChunkInfo map[string]json.RawMessage `json:"chunk_info"`
}

func decodeChunk(t *testing.T, body []byte) chunkDoc {
	t.Helper()
	var doc chunkDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		t.Fatalf("invalid chunk %s: %v", body, err)
	}
	return doc
}

func TestImportGeoJSONSkipsNullGeometry(t *testing.T) {
	f := newDataFixture(t, LayerDataDeps{})
	layer := f.layer(t, domain.ClassUnknown, false)
	body := `{"type":"FeatureCollection","features":[
		{"type":"Feature","id":"a","geometry":{"type":"Point","coordinates":[1,2]},"properties":{"n":1}},
		{"type":"Feature","geometry":{"type":"Point","coordinates":[3,4]},"properties":{"id":"b"}},
		{"type":"Feature","geometry":{"type":"Point","coordinates":[5,6]}},
		{"type":"Feature","geometry":null,"properties":{"n":4}}
	]}`

	res, err := f.svc.ImportGeoJSON(context.Background(), editor, layer.ID, []byte(body))
	if err != nil {
		t.Fatalf("ImportGeoJSON() error = %v", err)
	}
	if res.FeaturesImported != 3 || res.TotalFeatures != 4 || res.Skipped != 1 {
		t.Errorf("result = %+v", res)
	}

	got := f.store.layer(layer.ID)
	if got.FeatureCount != 3 || got.Status != domain.UploadComplete || got.GeometryClass != domain.ClassPoint {
		t.Errorf("layer = %+v", got)
	}
	stored := f.store.features[layer.ID]
	if stored[0].FeatureID != "a" || stored[1].FeatureID != "b" || stored[2].FeatureID == "" {
		t.Errorf("feature ids = %q %q %q", stored[0].FeatureID, stored[1].FeatureID, stored[2].FeatureID)
	}
	if f.audit.last().Action != domain.AuditGeoJSONImported {
		t.Errorf("last audit = %s", f.audit.last().Action)
	}
}

func TestImportGeoJSONRejections(t *testing.T) {
	f := newDataFixture(t, LayerDataDeps{})
	layer := f.layer(t, domain.ClassUnknown, true)
	valid := `{"type":"FeatureCollection","features":[]}`

	tests := []struct {
		name    string
		caller  domain.Caller
		layerID int64
		body    string
		wantErr error
	}{
		{"anonymous", anon, layer.ID, valid, domain.ErrUnauthorized},
		{"missing layer", editor, 999, valid, domain.ErrLayerNotFound},
		{"not a collection", editor, layer.ID, `{"type":"Feature"}`, domain.ErrInvalidGeoJSON},
		{"bad geometry", editor, layer.ID, `{"type":"FeatureCollection","features":[
			{"type":"Feature","geometry":{"type":"Point","coordinates":[1,2]}},
			{"type":"Feature","geometry":{"type":"Point"}}]}`, domain.ErrInvalidGeoJSON},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.ImportGeoJSON(context.Background(), tt.caller, tt.layerID, []byte(tt.body))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ImportGeoJSON() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
	if got := f.store.layer(layer.ID); got.FeatureCount != 0 || len(f.store.statuses) != 0 {
		t.Errorf("rejected imports changed the layer: %+v, statuses %v", got, f.store.statuses)
	}
}

type denyGate struct{}

func (denyGate) CanRead(context.Context, domain.Caller, *domain.Layer) bool  { return false }
func (denyGate) CanWrite(context.Context, domain.Caller, *domain.Layer) bool { return false }

func TestWriteForbiddenByGate(t *testing.T) {
	f := newDataFixture(t, LayerDataDeps{Gate: denyGate{}})
	layer := f.layer(t, domain.ClassPoint, true)

	if _, err := f.svc.ClearLayer(context.Background(), editor, layer.ID); !errors.Is(err, domain.ErrForbidden) {
		t.Errorf("ClearLayer() error = %v, want ErrForbidden", err)
	}
	if _, err := f.svc.Chunk(context.Background(), editor, layer.ID, 1); !errors.Is(err, domain.ErrForbidden) {
		t.Errorf("Chunk() error = %v, want ErrForbidden", err)
	}
}

func TestChunkPolygonLayer(t *testing.T) {
	f := newDataFixture(t, LayerDataDeps{})
	layer := f.layer(t, domain.ClassPolygon, true)
	f.store.seed(layer.ID, 1200, square)
	ctx := context.Background()

	tests := []struct {
		chunk    int
		wantLen  int
		wantNext string
	}{
		{1, 500, "2"},
		{2, 500, "3"},
		{3, 200, ""},
		{4, 0, ""},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("chunk %d", tt.chunk), func(t *testing.T) {
			body, err := f.svc.Chunk(ctx, anon, layer.ID, tt.chunk)
			if err != nil {
				t.Fatalf("Chunk() error = %v", err)
			}
			doc := decodeChunk(t, body)
			if len(doc.Features) != tt.wantLen {
				t.Errorf("features = %d, want %d", len(doc.Features), tt.wantLen)
			}
			next, ok := doc.ChunkInfo["next_chunk"]
			if tt.wantNext == "" && ok {
				t.Errorf("next_chunk = %s, want absent", next)
			}
			if tt.wantNext != "" && string(next) != tt.wantNext {
				t.Errorf("next_chunk = %s, want %s", next, tt.wantNext)
			}
			if string(doc.ChunkInfo["total_count"]) != "1200" || string(doc.ChunkInfo["chunk_id"]) != fmt.Sprint(tt.chunk) {
				t.Errorf("chunk_info = %v", doc.ChunkInfo)
			}
		})
	}
}

func TestChunkRejectsInvalidIDWithoutStorageAccess(t *testing.T) {
	f := newDataFixture(t, LayerDataDeps{})
	layer := f.layer(t, domain.ClassPolygon, true)
	before := f.store.callCount()

	for _, id := range []int{0, -1} {
		if _, err := f.svc.Chunk(context.Background(), editor, layer.ID, id); !errors.Is(err, domain.ErrInvalidChunk) {
			t.Errorf("Chunk(%d) error = %v, want ErrInvalidChunk", id, err)
		}
	}
	if after := f.store.callCount(); after != before {
		t.Errorf("storage calls = %d, want none", after-before)
	}
}

func TestChunksCoverLayer(t *testing.T) {
	f := newDataFixture(t, LayerDataDeps{})
	layer := f.layer(t, domain.ClassLine, true)
	f.store.seed(layer.ID, 4500, orb.LineString{{0, 0}, {1, 1}})

	var ids []string
	for chunk := 1; ; chunk++ {
		body, err := f.svc.Chunk(context.Background(), anon, layer.ID, chunk)
		if err != nil {
			t.Fatal(err)
		}
		doc := decodeChunk(t, body)
		for _, feat := range doc.Features {
			ids = append(ids, feat.ID)
		}
		if _, ok := doc.ChunkInfo["next_chunk"]; !ok {
			if chunk != 3 {
				t.Errorf("last chunk = %d, want 3", chunk)
			}
			break
		}
	}

	if len(ids) != 4500 {
		t.Fatalf("chunks delivered %d features, want 4500", len(ids))
	}
	for i, id := range ids {
		if id != "f"+itoa(i) {
			t.Fatalf("feature %d = %s, want f%d", i, id, i)
		}
	}
}

func TestChunkCacheAndAudit(t *testing.T) {
	f := newDataFixture(t, LayerDataDeps{})
	layer := f.layer(t, domain.ClassPolygon, false)
	f.store.seed(layer.ID, 150, square)
	ctx := context.Background()

	first, err := f.svc.Chunk(ctx, editor, layer.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	calls := f.store.callCount()
	second, err := f.svc.Chunk(ctx, editor, layer.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, second) {
		t.Error("cached chunk differs")
	}
	if f.metrics.hits != 1 || f.metrics.misses != 1 {
		t.Errorf("cache hits/misses = %d/%d", f.metrics.hits, f.metrics.misses)
	}
	if got := f.store.callCount() - calls; got != 1 {
		t.Errorf("cached chunk made %d storage calls, want only the layer lookup", got)
	}

	accessed := 0
	for _, e := range f.audit.events {
		if e.Action == domain.AuditLayerDataAccess {
			accessed++
			if e.Details["features_count"] != 150 {
				t.Errorf("audited features_count = %v", e.Details["features_count"])
			}
		}
	}
	if accessed != 2 {
		t.Errorf("data access audits = %d, want 2", accessed)
	}

	// A mutation bumps the layer version.
	if _, err := f.svc.CreateFeature(ctx, editor, layer.ID, []byte(`{"type":"Feature","geometry":{"type":"Point","coordinates":[0,0]}}`)); err != nil {
		t.Fatal(err)
	}
	third, err := f.svc.Chunk(ctx, editor, layer.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if doc := decodeChunk(t, third); len(doc.Features) != 151 {
		t.Errorf("chunk after mutation has %d features, want 151", len(doc.Features))
	}
}

func TestSmallChunkNotAudited(t *testing.T) {
	f := newDataFixture(t, LayerDataDeps{})
	layer := f.layer(t, domain.ClassPoint, true)
	f.store.seed(layer.ID, 100, orb.Point{1, 1})

	if _, err := f.svc.Chunk(context.Background(), anon, layer.ID, 1); err != nil {
		t.Fatal(err)
	}
	if n := len(f.audit.events); n != 0 {
		t.Errorf("audit events = %d, want none at the threshold", n)
	}
}

func TestReadPermissions(t *testing.T) {
	f := newDataFixture(t, LayerDataDeps{})
	public := f.layer(t, domain.ClassPoint, true)
	private := f.layer(t, domain.ClassPoint, false)
	ctx := context.Background()

	tests := []struct {
		name    string
		caller  domain.Caller
		layerID int64
		wantErr error
	}{
		{"anonymous public", anon, public.ID, nil},
		{"anonymous private", anon, private.ID, domain.ErrForbidden},
		{"authenticated private", editor, private.ID, nil},
		{"missing", editor, 999, domain.ErrLayerNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.GetLayer(ctx, tt.caller, tt.layerID)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("GetLayer() error = %v, want %v", err, tt.wantErr)
			}
			_, err = f.svc.Chunk(ctx, tt.caller, tt.layerID, 1)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Chunk() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestCollection(t *testing.T) {
	f := newDataFixture(t, LayerDataDeps{})
	layer := f.layer(t, domain.ClassPoint, true)
	f.store.seed(layer.ID, 3, orb.Point{1, 2})

	body, err := f.svc.Collection(context.Background(), anon, layer.ID)
	if err != nil {
		t.Fatalf("Collection() error = %v", err)
	}
	doc := decodeChunk(t, body)
	if doc.Type != "FeatureCollection" || len(doc.Features) != 3 || doc.ChunkInfo != nil {
		t.Errorf("collection = %s", body)
	}

	empty := f.layer(t, domain.ClassPoint, true)
	body, err = f.svc.Collection(context.Background(), anon, empty.ID)
	if err != nil || string(body) != `{"type":"FeatureCollection","features":[]}` {
		t.Errorf("empty collection = %s, %v", body, err)
	}
}

func TestPage(t *testing.T) {
	f := newDataFixture(t, LayerDataDeps{})
	layer := f.layer(t, domain.ClassPoint, true)
	f.store.seed(layer.ID, 5, orb.Point{1, 2})

	tests := []struct {
		name         string
		page, size   int
		wantPage     int
		wantSize     int
		wantFeatures int
		wantPages    int
	}{
		{"second page", 2, 2, 2, 2, 2, 3},
		{"last page", 3, 2, 3, 2, 1, 3},
		{"defaults", 0, 0, 1, DefaultPageSize, 5, 1},
		{"clamped size", 1, 20000, 1, MaxPageSize, 5, 1},
		{"beyond end", 9, 2, 9, 2, 0, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := f.svc.Page(context.Background(), anon, layer.ID, tt.page, tt.size)
			if err != nil {
				t.Fatalf("Page() error = %v", err)
			}
			if p.Page != tt.wantPage || p.PageSize != tt.wantSize || len(p.Features) != tt.wantFeatures || p.Pages != tt.wantPages || p.Total != 5 {
				t.Errorf("Page() = page %d size %d features %d pages %d total %d",
					p.Page, p.PageSize, len(p.Features), p.Pages, p.Total)
			}
		})
	}
}

func TestExport(t *testing.T) {
	f := newDataFixture(t, LayerDataDeps{Exporter: fakeExporter{}})
	layer := f.layer(t, domain.ClassPoint, true)
	f.store.seed(layer.ID, 2, orb.Point{1, 2})

	var buf bytes.Buffer
	if err := f.svc.Export(context.Background(), anon, layer.ID, &buf); err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if buf.String() != "f0\nf1" || f.svc.ExportContentType() != "text/plain" {
		t.Errorf("Export() = %q", buf.String())
	}

	bare := newDataFixture(t, LayerDataDeps{})
	if err := bare.svc.Export(context.Background(), anon, layer.ID, &buf); !errors.Is(err, domain.ErrUnsupported) {
		t.Errorf("Export() without exporter error = %v", err)
	}
}

func TestFeatureMutations(t *testing.T) {
	f := newDataFixture(t, LayerDataDeps{})
	layer := f.layer(t, domain.ClassUnknown, false)
	ctx := context.Background()

	created, err := f.svc.CreateFeature(ctx, editor, layer.ID,
		[]byte(`{"type":"Feature","id":"road-1","geometry":{"type":"LineString","coordinates":[[0,0],[2,3]]},"properties":{"lanes":2}}`))
	if err != nil {
		t.Fatalf("CreateFeature() error = %v", err)
	}
	if created.FeatureID != "road-1" || created.BBox == nil || created.BBox.Max != (orb.Point{2, 3}) {
		t.Errorf("created = %+v", created)
	}
	got := f.store.layer(layer.ID)
	if got.FeatureCount != 1 || got.GeometryClass != domain.ClassLine {
		t.Errorf("layer after create = %+v", got)
	}

	if _, err := f.svc.CreateFeature(ctx, editor, layer.ID, []byte(`{"type":"Feature","geometry":null}`)); !errors.Is(err, domain.ErrInvalidGeoJSON) {
		t.Errorf("CreateFeature(no geometry) error = %v", err)
	}
	if _, err := f.svc.CreateFeature(ctx, anon, layer.ID, []byte(`{}`)); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("CreateFeature(anonymous) error = %v", err)
	}

	if err := f.svc.DeleteFeature(ctx, editor, layer.ID, "road-1"); err != nil {
		t.Fatalf("DeleteFeature() error = %v", err)
	}
	if err := f.svc.DeleteFeature(ctx, editor, layer.ID, "road-1"); !errors.Is(err, domain.ErrFeatureNotFound) {
		t.Errorf("second DeleteFeature() error = %v", err)
	}
	if got := f.store.layer(layer.ID).FeatureCount; got != 0 {
		t.Errorf("FeatureCount after delete = %d", got)
	}

	f.store.seed(layer.ID, 4, orb.Point{1, 1})
	removed, err := f.svc.ClearLayer(ctx, editor, layer.ID)
	if err != nil || removed != 4 {
		t.Fatalf("ClearLayer() = %d, %v", removed, err)
	}
	if got := f.store.layer(layer.ID).FeatureCount; got != 0 {
		t.Errorf("FeatureCount after clear = %d", got)
	}

	want := []string{domain.AuditFeatureCreated, domain.AuditFeatureDeleted, domain.AuditLayerCleared}
	if got := f.audit.actions(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("audit actions = %v, want %v", got, want)
	}
}

func TestConcurrentImportsIntoOneLayer(t *testing.T) {
	f := newDataFixture(t, LayerDataDeps{})
	layer := f.layer(t, domain.ClassPoint, false)
	body := []byte(`{"type":"FeatureCollection","features":[
		{"type":"Feature","geometry":{"type":"Point","coordinates":[1,2]}},
		{"type":"Feature","geometry":{"type":"Point","coordinates":[3,4]}}]}`)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.ImportGeoJSON(context.Background(), editor, layer.ID, body)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("ImportGeoJSON() error = %v", err)
		}
	}
	if got := f.store.layer(layer.ID).FeatureCount; got != 20 {
		t.Errorf("FeatureCount = %d, want 20", got)
	}
}
