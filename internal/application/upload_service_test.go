package application

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jobrunner/geoingest/internal/domain"
	"github.com/jobrunner/geoingest/internal/ports/input"
)

type uploadFixture struct {
	svc       *UploadService
	store     *memStore
	uploads   *memUploads
	opener    *fakeOpener
	extractor *passExtractor
	reproj    *fakeReprojector
	audit     *recordingAudit
	metrics   *countingMetrics
	scratch   string
	group     *domain.LayerGroup
}

func newUploadFixture(t *testing.T) *uploadFixture {
	t.Helper()
	f := &uploadFixture{
		store:     newMemStore(),
		uploads:   newMemUploads(),
		opener:    &fakeOpener{},
		extractor: &passExtractor{},
		reproj:    &fakeReprojector{},
		audit:     &recordingAudit{},
		metrics:   newCountingMetrics(),
		scratch:   t.TempDir(),
	}
	f.group, _ = f.store.CreateGroup(context.Background(), "project")
	importer := NewBatchImporter(f.store, f.store, f.metrics, 500, testLogger())
	f.svc = NewUploadService(f.uploads, f.opener, f.extractor, f.reproj, f.store, importer,
		f.audit, f.metrics, UploadServiceConfig{ScratchDir: f.scratch}, testLogger())
	return f
}

func (f *uploadFixture) upload(t *testing.T, name string) *input.UploadReport {
	t.Helper()
	report, err := f.svc.Upload(context.Background(), editor, name, strings.NewReader("payload"))
	if err != nil {
		t.Fatalf("Upload(%s) error = %v", name, err)
	}
	return report
}

func (f *uploadFixture) assertScratchEmpty(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(f.scratch)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("scratch directory holds %d entries, want none", len(entries))
	}
}

func TestUploadAndImportWithoutDeclaredCRS(t *testing.T) {
	f := newUploadFixture(t)
	f.opener.crs = domain.NoCRS()
	f.opener.rows = pointRows(1200)
	ctx := context.Background()

	report := f.upload(t, "points.zip")
	if report.CRS.HasCRS {
		t.Error("HasCRS = true, want false")
	}
	if report.Upload.FileType != domain.FileTypeShapefile || report.Upload.Size != int64(len("payload")) {
		t.Errorf("Upload = %+v", report.Upload)
	}
	if len(report.Options) == 0 {
		t.Error("CRS options should be offered")
	}
	if f.extractor.calls != 1 {
		t.Errorf("extractor calls = %d, want 1", f.extractor.calls)
	}
	if keys := f.uploads.keys(); len(keys) != 1 || keys[0] != report.Upload.Key() {
		t.Errorf("staged keys = %v", keys)
	}
	f.assertScratchEmpty(t)

	res, err := f.svc.CompleteImport(ctx, editor, domain.ImportRequest{
		FileID:    report.Upload.FileID,
		FileName:  report.Upload.FileName,
		GroupID:   f.group.ID,
		LayerName: "Points",
		SourceCRS: "EPSG:4326",
		IsVisible: true,
	})
	if err != nil {
		t.Fatalf("CompleteImport() error = %v", err)
	}
	if res.FeatureCount != 1200 || res.LayerName != "Points" {
		t.Errorf("result = %+v", res)
	}

	layer := f.store.layer(res.LayerID)
	if layer.Status != domain.UploadComplete || layer.FeatureCount != 1200 {
		t.Errorf("layer = %+v", layer)
	}
	if layer.GeometryClass != domain.ClassPoint || layer.OriginalCRS != "EPSG:4326" || layer.TargetCRS != "EPSG:4326" {
		t.Errorf("layer metadata = %+v", layer)
	}
	if f.reproj.calls != 0 {
		t.Errorf("reprojector calls = %d, want none for an identity import", f.reproj.calls)
	}
	if keys := f.uploads.keys(); len(keys) != 0 {
		t.Errorf("staged file kept after import: %v", keys)
	}
	f.assertScratchEmpty(t)

	actions := f.audit.actions()
	if len(actions) != 2 || actions[0] != domain.AuditFileUploaded || actions[1] != domain.AuditLayerCreated {
		t.Errorf("audit actions = %v", actions)
	}
}

func TestCompleteImportMissingGroup(t *testing.T) {
	f := newUploadFixture(t)
	f.opener.crs = domain.KnownCRS("EPSG:4326", "WGS 84")
	report := f.upload(t, "roads.kml")

	_, err := f.svc.CompleteImport(context.Background(), editor, domain.ImportRequest{
		FileID:    report.Upload.FileID,
		GroupID:   999,
		LayerName: "Roads",
	})
	if !errors.Is(err, domain.ErrGroupNotFound) {
		t.Fatalf("CompleteImport() error = %v, want ErrGroupNotFound", err)
	}
	if layers, _ := f.store.ListLayers(context.Background(), 0); len(layers) != 0 {
		t.Errorf("%d layers created, want none", len(layers))
	}
	if len(f.uploads.keys()) != 1 {
		t.Error("staged file should survive a rejected request")
	}
}

func TestCompleteImportLookupFailures(t *testing.T) {
	f := newUploadFixture(t)
	f.opener.crs = domain.KnownCRS("EPSG:4326", "WGS 84")
	report := f.upload(t, "roads.kml")
	missingType := int64(404)

	tests := []struct {
		name    string
		caller  domain.Caller
		req     domain.ImportRequest
		wantErr error
	}{
		{
			name:    "anonymous",
			caller:  anon,
			req:     domain.ImportRequest{FileID: report.Upload.FileID, GroupID: f.group.ID, LayerName: "x"},
			wantErr: domain.ErrUnauthorized,
		},
		{
			name:    "no file handle",
			caller:  editor,
			req:     domain.ImportRequest{GroupID: f.group.ID, LayerName: "x"},
			wantErr: domain.ErrInvalidInput,
		},
		{
			name:    "no layer name",
			caller:  editor,
			req:     domain.ImportRequest{FileID: report.Upload.FileID, GroupID: f.group.ID},
			wantErr: domain.ErrInvalidInput,
		},
		{
			name:    "unknown handle",
			caller:  editor,
			req:     domain.ImportRequest{FileID: "nope", GroupID: f.group.ID, LayerName: "x"},
			wantErr: domain.ErrUploadExpired,
		},
		{
			name:    "unknown handle with file name",
			caller:  editor,
			req:     domain.ImportRequest{FileID: "nope", FileName: "roads.kml", GroupID: f.group.ID, LayerName: "x"},
			wantErr: domain.ErrUploadExpired,
		},
		{
			name:    "unknown layer type",
			caller:  editor,
			req:     domain.ImportRequest{FileID: report.Upload.FileID, GroupID: f.group.ID, LayerName: "x", LayerTypeID: &missingType},
			wantErr: domain.ErrLayerTypeNotFound,
		},
		{
			name:    "bad target crs",
			caller:  editor,
			req:     domain.ImportRequest{FileID: report.Upload.FileID, GroupID: f.group.ID, LayerName: "x", TargetCRS: "EPSG:abc"},
			wantErr: domain.ErrInvalidCRS,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CompleteImport(context.Background(), tt.caller, tt.req)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("CompleteImport() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
	if layers, _ := f.store.ListLayers(context.Background(), 0); len(layers) != 0 {
		t.Errorf("%d layers created, want none", len(layers))
	}
}

func TestCompleteImportWaitsForSourceCRS(t *testing.T) {
	f := newUploadFixture(t)
	f.opener.crs = domain.UnresolvedCRS("Lambert_Custom")
	f.opener.rows = pointRows(3)
	ctx := context.Background()
	report := f.upload(t, "sites.sqlite")

	_, err := f.svc.CompleteImport(ctx, editor, domain.ImportRequest{
		FileID:    report.Upload.FileID,
		GroupID:   f.group.ID,
		LayerName: "Sites",
	})
	var needed *domain.CRSNeededError
	if !errors.As(err, &needed) || !errors.Is(err, domain.ErrCRSMissing) {
		t.Fatalf("CompleteImport() error = %v, want CRSNeededError", err)
	}
	if needed.Detail != "Lambert_Custom" {
		t.Errorf("Detail = %q", needed.Detail)
	}
	if got := f.store.layer(needed.LayerID); got.Status != domain.UploadCRSNeeded {
		t.Errorf("layer status = %s, want crs_needed", got.Status)
	}
	if len(f.uploads.keys()) != 1 {
		t.Fatal("staged file should be kept while the CRS is missing")
	}
	f.assertScratchEmpty(t)

	res, err := f.svc.CompleteImport(ctx, editor, domain.ImportRequest{
		LayerID:   needed.LayerID,
		FileID:    report.Upload.FileID,
		SourceCRS: "EPSG:3857",
	})
	if err != nil {
		t.Fatalf("resumed CompleteImport() error = %v", err)
	}
	if res.LayerID != needed.LayerID || res.FeatureCount != 3 {
		t.Errorf("result = %+v", res)
	}
	layer := f.store.layer(res.LayerID)
	if layer.Status != domain.UploadComplete || layer.OriginalCRS != "EPSG:3857" {
		t.Errorf("layer = %+v", layer)
	}
	if f.reproj.calls != 3 {
		t.Errorf("reprojector calls = %d, want 3", f.reproj.calls)
	}
	if len(f.uploads.keys()) != 0 {
		t.Error("staged file should be removed after the import")
	}

	// A finished layer cannot be resumed.
	_, err = f.svc.CompleteImport(ctx, editor, domain.ImportRequest{LayerID: res.LayerID, FileID: "x"})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("resume of complete layer error = %v", err)
	}
}

func TestCompleteImportDeclaredCRSWins(t *testing.T) {
	f := newUploadFixture(t)
	f.opener.crs = domain.KnownCRS("EPSG:4326", "WGS 84")
	f.opener.rows = pointRows(2)
	report := f.upload(t, "a.kml")

	res, err := f.svc.CompleteImport(context.Background(), editor, domain.ImportRequest{
		FileID:    report.Upload.FileID,
		GroupID:   f.group.ID,
		LayerName: "A",
		SourceCRS: "EPSG:3857",
	})
	if err != nil {
		t.Fatalf("CompleteImport() error = %v", err)
	}
	if got := f.store.layer(res.LayerID).OriginalCRS; got != "EPSG:4326" {
		t.Errorf("OriginalCRS = %s, want the declared EPSG:4326", got)
	}
	if f.reproj.calls != 0 {
		t.Errorf("reprojector calls = %d, want 0", f.reproj.calls)
	}
}

func TestCompleteImportWithLayerType(t *testing.T) {
	f := newUploadFixture(t)
	f.opener.crs = domain.KnownCRS("EPSG:4326", "WGS 84")
	f.opener.rows = pointRows(1)
	lt, _ := f.store.CreateLayerType(context.Background(), "MultiPolygon", nil)
	report := f.upload(t, "a.kml")

	res, err := f.svc.CompleteImport(context.Background(), editor, domain.ImportRequest{
		FileID:      report.Upload.FileID,
		GroupID:     f.group.ID,
		LayerName:   "A",
		LayerTypeID: &lt.ID,
	})
	if err != nil {
		t.Fatalf("CompleteImport() error = %v", err)
	}
	if got := f.store.layer(res.LayerID).GeometryClass; got != domain.ClassPolygon {
		t.Errorf("GeometryClass = %s, want the type's polygon class", got)
	}
}

func TestCompleteImportUnsupportedTransformation(t *testing.T) {
	f := newUploadFixture(t)
	f.opener.crs = domain.KnownCRS("EPSG:25832", "ETRS89 / UTM zone 32N")
	f.opener.rows = pointRows(2)
	f.reproj.unsupported = true
	report := f.upload(t, "parcels.zip")

	_, err := f.svc.CompleteImport(context.Background(), editor, domain.ImportRequest{
		FileID:    report.Upload.FileID,
		GroupID:   f.group.ID,
		LayerName: "Parcels",
	})
	if !errors.Is(err, domain.ErrReprojection) {
		t.Fatalf("CompleteImport() error = %v, want ErrReprojection", err)
	}

	layers, _ := f.store.ListLayers(context.Background(), f.group.ID)
	if len(layers) != 1 || layers[0].Status != domain.UploadFailed || !strings.Contains(layers[0].UploadError, "EPSG:25832") {
		t.Fatalf("layers = %+v", layers)
	}
	if f.audit.last().Action != domain.AuditImportFailed {
		t.Errorf("last audit = %s", f.audit.last().Action)
	}
	if f.metrics.imports["failed"] != 1 {
		t.Errorf("failed imports = %d", f.metrics.imports["failed"])
	}
	if len(f.uploads.keys()) != 0 {
		t.Error("staged file should be removed after a failed import")
	}
	f.assertScratchEmpty(t)
}

func TestCompleteImportStorageFailure(t *testing.T) {
	f := newUploadFixture(t)
	f.opener.crs = domain.KnownCRS("EPSG:4326", "WGS 84")
	f.opener.rows = pointRows(1200)
	f.store.failBatch = 2
	report := f.upload(t, "a.kml")

	_, err := f.svc.CompleteImport(context.Background(), editor, domain.ImportRequest{
		FileID:    report.Upload.FileID,
		GroupID:   f.group.ID,
		LayerName: "A",
	})
	if !errors.Is(err, domain.ErrStorageBatch) {
		t.Fatalf("CompleteImport() error = %v, want ErrStorageBatch", err)
	}
	layers, _ := f.store.ListLayers(context.Background(), f.group.ID)
	if layers[0].Status != domain.UploadFailed || layers[0].FeatureCount != 0 {
		t.Errorf("layer = %+v", layers[0])
	}
	if f.metrics.imports["failed"] != 1 {
		t.Errorf("failed imports = %d, want exactly one", f.metrics.imports["failed"])
	}
}

func TestUploadRejections(t *testing.T) {
	f := newUploadFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Upload(ctx, editor, "track.gpx", strings.NewReader("x")); !errors.Is(err, domain.ErrUnsupportedFormat) {
		t.Errorf("Upload(gpx) error = %v", err)
	}
	if _, err := f.svc.Upload(ctx, anon, "a.kml", strings.NewReader("x")); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("Upload(anonymous) error = %v", err)
	}

	f.opener.openErr = &domain.DatasetError{Path: "a.kml", Op: "open", Err: errors.New("not xml")}
	if _, err := f.svc.Upload(ctx, editor, "a.kml", strings.NewReader("x")); !errors.Is(err, domain.ErrDatasetRead) {
		t.Errorf("Upload(corrupt) error = %v", err)
	}

	if keys := f.uploads.keys(); len(keys) != 0 {
		t.Errorf("staged keys = %v, want none", keys)
	}
	if f.metrics.uploads[false] != 2 {
		t.Errorf("failed uploads = %d, want 2", f.metrics.uploads[false])
	}
	f.assertScratchEmpty(t)
}

func TestUploadStripsDirectories(t *testing.T) {
	f := newUploadFixture(t)
	report := f.upload(t, "../../etc/passwd.kml")
	if report.Upload.FileName != "passwd.kml" {
		t.Errorf("FileName = %q", report.Upload.FileName)
	}
}

func TestInspect(t *testing.T) {
	f := newUploadFixture(t)
	f.opener.crs = domain.KnownCRS("EPSG:4326", "WGS 84")

	path := filepath.Join(t.TempDir(), "a.kml")
	if err := os.WriteFile(path, []byte("<kml/>"), 0o600); err != nil {
		t.Fatal(err)
	}
	report, err := f.svc.Inspect(context.Background(), path)
	if err != nil {
		t.Fatalf("Inspect() error = %v", err)
	}
	if report.Upload.FileType != domain.FileTypeKML || report.Upload.Size != 6 || !report.CRS.HasCRS {
		t.Errorf("report = %+v", report)
	}
	if len(f.uploads.keys()) != 0 {
		t.Error("Inspect must not stage the file")
	}

	if _, err := f.svc.Inspect(context.Background(), filepath.Join(t.TempDir(), "missing.kml")); err == nil {
		t.Error("Inspect(missing) should fail")
	}
}
