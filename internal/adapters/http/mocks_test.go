package http

import (
	"context"
	"io"

	"github.com/jobrunner/geoingest/internal/application"
	"github.com/jobrunner/geoingest/internal/domain"
	"github.com/jobrunner/geoingest/internal/ports/input"
)

// mockUploads implements input.UploadService.
type mockUploads struct {
	report   *input.UploadReport
	result   *domain.ImportResult
	err      error
	caller   domain.Caller
	fileName string
	content  string
	request  domain.ImportRequest
}

func (m *mockUploads) Upload(_ context.Context, caller domain.Caller, fileName string, r io.Reader) (*input.UploadReport, error) {
	m.caller = caller
	m.fileName = fileName
	b, _ := io.ReadAll(r)
	m.content = string(b)
	return m.report, m.err
}

func (m *mockUploads) Inspect(_ context.Context, _ string) (*input.UploadReport, error) {
	return m.report, m.err
}

func (m *mockUploads) CompleteImport(_ context.Context, caller domain.Caller, req domain.ImportRequest) (*domain.ImportResult, error) {
	m.caller = caller
	m.request = req
	return m.result, m.err
}

// mockData implements input.LayerDataService. Every call records the
// caller and arguments and returns the configured values.
type mockData struct {
	layer    *domain.Layer
	body     []byte
	page     *input.FeaturePage
	imported *input.GeoJSONImportResult
	feature  *domain.Feature
	removed  int64
	export   []byte
	err      error

	caller    domain.Caller
	layerID   int64
	chunkID   int
	pageArgs  [2]int
	payload   string
	featureID string
}

func (m *mockData) record(caller domain.Caller, layerID int64) {
	m.caller = caller
	m.layerID = layerID
}

func (m *mockData) GetLayer(_ context.Context, caller domain.Caller, layerID int64) (*domain.Layer, error) {
	m.record(caller, layerID)
	return m.layer, m.err
}

func (m *mockData) ImportGeoJSON(_ context.Context, caller domain.Caller, layerID int64, body []byte) (*input.GeoJSONImportResult, error) {
	m.record(caller, layerID)
	m.payload = string(body)
	return m.imported, m.err
}

func (m *mockData) Chunk(_ context.Context, caller domain.Caller, layerID int64, chunkID int) ([]byte, error) {
	m.record(caller, layerID)
	m.chunkID = chunkID
	return m.body, m.err
}

func (m *mockData) Collection(_ context.Context, caller domain.Caller, layerID int64) ([]byte, error) {
	m.record(caller, layerID)
	return m.body, m.err
}

func (m *mockData) Page(_ context.Context, caller domain.Caller, layerID int64, page, pageSize int) (*input.FeaturePage, error) {
	m.record(caller, layerID)
	m.pageArgs = [2]int{page, pageSize}
	return m.page, m.err
}

func (m *mockData) Export(_ context.Context, caller domain.Caller, layerID int64, w io.Writer) error {
	m.record(caller, layerID)
	if m.err != nil {
		return m.err
	}
	_, err := w.Write(m.export)
	return err
}

func (m *mockData) ClearLayer(_ context.Context, caller domain.Caller, layerID int64) (int64, error) {
	m.record(caller, layerID)
	return m.removed, m.err
}

func (m *mockData) CreateFeature(_ context.Context, caller domain.Caller, layerID int64, body []byte) (*domain.Feature, error) {
	m.record(caller, layerID)
	m.payload = string(body)
	return m.feature, m.err
}

func (m *mockData) DeleteFeature(_ context.Context, caller domain.Caller, layerID int64, featureID string) error {
	m.record(caller, layerID)
	m.featureID = featureID
	return m.err
}

// mockHealth implements input.HealthChecker.
type mockHealth struct {
	healthy bool
	ready   bool
}

func (m *mockHealth) IsHealthy(_ context.Context) bool { return m.healthy }

func (m *mockHealth) IsReady(_ context.Context) bool { return m.ready }

func (m *mockHealth) GetHealthDetails(_ context.Context) input.HealthDetails {
	return input.HealthDetails{
		Healthy:    m.healthy,
		Ready:      m.ready,
		Layers:     3,
		Components: map[string]string{"feature_store": "ok"},
	}
}

// mockPurger implements Purger.
type mockPurger struct {
	result application.PurgeResult
	err    error
	calls  int
}

func (m *mockPurger) TriggerPurge(_ context.Context) (application.PurgeResult, error) {
	m.calls++
	return m.result, m.err
}
