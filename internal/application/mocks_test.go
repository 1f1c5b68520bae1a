package application

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/paulmach/orb"

	"github.com/jobrunner/geoingest/internal/domain"
	"github.com/jobrunner/geoingest/internal/ports/output"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

var (
	editor = domain.Caller{User: "alice", Authenticated: true}
	anon   = domain.Anonymous
)

// memStore implements output.LayerRegistry and output.FeatureStore.
type memStore struct {
	mu       sync.Mutex
	nextID   int64
	groups   map[int64]*domain.LayerGroup
	types    map[int64]*domain.LayerType
	layers   map[int64]*domain.Layer
	features map[int64][]domain.Feature

	locksMu sync.Mutex
	locks   map[int64]*sync.Mutex

	failBatch int   // 1-based InsertBatch call that fails
	pingErr   error // returned by Ping
	calls     int   // every registry and store call
	statuses  []domain.UploadStatus
}

func newMemStore() *memStore {
	return &memStore{
		groups:   make(map[int64]*domain.LayerGroup),
		types:    make(map[int64]*domain.LayerType),
		layers:   make(map[int64]*domain.Layer),
		features: make(map[int64][]domain.Feature),
		locks:    make(map[int64]*sync.Mutex),
	}
}

func (m *memStore) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *memStore) GetGroup(_ context.Context, id int64) (*domain.LayerGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	g, ok := m.groups[id]
	if !ok {
		return nil, domain.ErrGroupNotFound
	}
	return g, nil
}

func (m *memStore) CreateGroup(_ context.Context, name string) (*domain.LayerGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g := &domain.LayerGroup{ID: m.id(), Name: name, CreatedAt: time.Now()}
	m.groups[g.ID] = g
	return g, nil
}

func (m *memStore) GetLayerType(_ context.Context, id int64) (*domain.LayerType, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	lt, ok := m.types[id]
	if !ok {
		return nil, domain.ErrLayerTypeNotFound
	}
	return lt, nil
}

func (m *memStore) CreateLayerType(_ context.Context, name string, style json.RawMessage) (*domain.LayerType, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lt := &domain.LayerType{ID: m.id(), Name: name, DefaultStyle: style}
	m.types[lt.ID] = lt
	return lt, nil
}

func (m *memStore) CreateLayer(_ context.Context, l *domain.Layer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	l.ID = m.id()
	l.CreatedAt = time.Now()
	if l.Status == "" {
		l.Status = domain.UploadPending
	}
	if l.GeometryClass == "" {
		l.GeometryClass = domain.ClassUnknown
	}
	cp := *l
	m.layers[l.ID] = &cp
	return nil
}

func (m *memStore) GetLayer(_ context.Context, id int64) (*domain.Layer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	l, ok := m.layers[id]
	if !ok {
		return nil, domain.ErrLayerNotFound
	}
	cp := *l
	return &cp, nil
}

func (m *memStore) ListLayers(_ context.Context, groupID int64) ([]domain.Layer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	var out []domain.Layer
	for _, l := range m.layers {
		if groupID == 0 || l.GroupID == groupID {
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) UpdateLayerStatus(_ context.Context, id int64, status domain.UploadStatus, errText string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	l, ok := m.layers[id]
	if !ok {
		return domain.ErrLayerNotFound
	}
	l.Status = status
	l.UploadError = errText
	m.statuses = append(m.statuses, status)
	return nil
}

func (m *memStore) SetGeometryClass(_ context.Context, id int64, class domain.GeometryClass) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	l, ok := m.layers[id]
	if !ok {
		return domain.ErrLayerNotFound
	}
	l.GeometryClass = class
	return nil
}

func (m *memStore) SetOriginalCRS(_ context.Context, id int64, crs string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	l, ok := m.layers[id]
	if !ok {
		return domain.ErrLayerNotFound
	}
	l.OriginalCRS = crs
	return nil
}

func (m *memStore) LockLayer(id int64) func() {
	m.locksMu.Lock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	m.locksMu.Unlock()
	l.Lock()
	return l.Unlock
}

// refresh must be called with mu held.
func (m *memStore) refresh(layerID int64, now time.Time) {
	l := m.layers[layerID]
	l.FeatureCount = int64(len(m.features[layerID]))
	l.LastUpdate = now
}

func (m *memStore) BeginImport(_ context.Context, layerID int64) (output.ImportTx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if _, ok := m.layers[layerID]; !ok {
		return nil, domain.ErrLayerNotFound
	}
	return &memTx{store: m, layerID: layerID}, nil
}

func (m *memStore) CountFeatures(_ context.Context, layerID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return int64(len(m.features[layerID])), nil
}

func (m *memStore) ListFeatures(_ context.Context, layerID int64, offset, limit int) ([]domain.Feature, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	all := m.features[layerID]
	if offset >= len(all) {
		return nil, nil
	}
	end := len(all)
	if limit >= 0 && offset+limit < end {
		end = offset + limit
	}
	return append([]domain.Feature(nil), all[offset:end]...), nil
}

func (m *memStore) WalkFeatures(ctx context.Context, layerID int64, fn func(domain.Feature) error) error {
	features, _ := m.ListFeatures(ctx, layerID, 0, -1)
	for _, f := range features {
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func (m *memStore) ClearLayer(_ context.Context, layerID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if _, ok := m.layers[layerID]; !ok {
		return 0, domain.ErrLayerNotFound
	}
	n := int64(len(m.features[layerID]))
	delete(m.features, layerID)
	m.refresh(layerID, time.Now())
	return n, nil
}

func (m *memStore) CreateFeature(_ context.Context, f *domain.Feature) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if _, ok := m.layers[f.LayerID]; !ok {
		return domain.ErrLayerNotFound
	}
	f.ID = m.id()
	m.features[f.LayerID] = append(m.features[f.LayerID], *f)
	m.refresh(f.LayerID, time.Now())
	return nil
}

func (m *memStore) DeleteFeature(_ context.Context, layerID int64, featureID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	all := m.features[layerID]
	for i, f := range all {
		if f.FeatureID == featureID {
			m.features[layerID] = append(all[:i:i], all[i+1:]...)
			m.refresh(layerID, time.Now())
			return nil
		}
	}
	return domain.ErrFeatureNotFound
}

func (m *memStore) Ping(_ context.Context) error {
	return m.pingErr
}

// seed stores n features of geometry g directly.
func (m *memStore) seed(layerID int64, n int, g orb.Geometry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		f := domain.Feature{
			ID:         m.id(),
			LayerID:    layerID,
			FeatureID:  "f" + itoa(i),
			Geometry:   g,
			Properties: domain.Properties{{Key: "n", Value: domain.Int(int64(i))}},
			CreatedAt:  base,
		}
		f.EnsureBBox()
		m.features[layerID] = append(m.features[layerID], f)
	}
	m.refresh(layerID, base.Add(time.Hour))
}

func (m *memStore) layer(id int64) domain.Layer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.layers[id]
}

func (m *memStore) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type memTx struct {
	store   *memStore
	layerID int64
	pending []domain.Feature
	class   domain.GeometryClass
	batches int
	done    bool
}

func (t *memTx) InsertBatch(_ context.Context, features []domain.Feature) error {
	t.batches++
	if t.store.failBatch > 0 && t.batches == t.store.failBatch {
		return errors.New("disk full")
	}
	for _, f := range features {
		f.LayerID = t.layerID
		t.pending = append(t.pending, f)
	}
	return nil
}

func (t *memTx) SetGeometryClass(_ context.Context, class domain.GeometryClass) error {
	t.class = class
	return nil
}

func (t *memTx) Commit(_ context.Context, now time.Time) (int64, error) {
	m := t.store
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range t.pending {
		t.pending[i].ID = m.id()
	}
	m.features[t.layerID] = append(m.features[t.layerID], t.pending...)
	l := m.layers[t.layerID]
	if t.class != "" {
		l.GeometryClass = t.class
	}
	l.Status = domain.UploadComplete
	l.UploadError = ""
	m.statuses = append(m.statuses, domain.UploadComplete)
	m.refresh(t.layerID, now)
	t.done = true
	return l.FeatureCount, nil
}

func (t *memTx) Rollback() error {
	t.pending = nil
	return nil
}

// memUploads implements output.UploadStore.
type memUploads struct {
	mu       sync.Mutex
	objects  map[string][]byte
	modified map[string]time.Time
	existErr error
}

func newMemUploads() *memUploads {
	return &memUploads{objects: make(map[string][]byte), modified: make(map[string]time.Time)}
}

func (m *memUploads) Put(_ context.Context, key string, r io.Reader) (int64, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = b
	m.modified[key] = time.Now()
	return int64(len(b)), nil
}

func (m *memUploads) Download(_ context.Context, key, dest string) error {
	m.mu.Lock()
	b, ok := m.objects[key]
	m.mu.Unlock()
	if !ok {
		return domain.ErrUploadExpired
	}
	return os.WriteFile(dest, b, 0o600)
}

func (m *memUploads) GetReader(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[key]
	if !ok {
		return nil, domain.ErrUploadExpired
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memUploads) Exists(_ context.Context, key string) (bool, error) {
	if m.existErr != nil {
		return false, m.existErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *memUploads) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	delete(m.modified, key)
	return nil
}

func (m *memUploads) List(_ context.Context) ([]output.StorageObject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []output.StorageObject
	for k, b := range m.objects {
		out = append(out, output.StorageObject{Key: k, Size: int64(len(b)), LastModified: m.modified[k].Unix()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *memUploads) keys() []string {
	objs, _ := m.List(context.Background())
	keys := make([]string, len(objs))
	for i, o := range objs {
		keys[i] = o.Key
	}
	return keys
}

// fakeOpener serves one canned dataset for every path.
type fakeOpener struct {
	crs     domain.CRSInfo
	crsErr  error
	rows    []output.Row
	openErr error
	opened  []string
}

func (o *fakeOpener) Open(_ context.Context, path string, _ domain.FileType) (output.Dataset, error) {
	o.opened = append(o.opened, path)
	if o.openErr != nil {
		return nil, o.openErr
	}
	return &fakeDataset{crs: o.crs, crsErr: o.crsErr, rows: o.rows, pos: -1}, nil
}

type fakeDataset struct {
	crs    domain.CRSInfo
	crsErr error
	rows   []output.Row
	pos    int
	closed bool
}

func (d *fakeDataset) CRS() (domain.CRSInfo, error) { return d.crs, d.crsErr }

func (d *fakeDataset) Next() bool {
	d.pos++
	return d.pos < len(d.rows)
}

func (d *fakeDataset) Row() output.Row { return d.rows[d.pos] }

func (d *fakeDataset) Err() error { return nil }

func (d *fakeDataset) Close() error {
	d.closed = true
	return nil
}

// pointRows builds n point rows with a NAME and a VALUE attribute.
func pointRows(n int) []output.Row {
	rows := make([]output.Row, n)
	for i := range rows {
		rows[i] = output.Row{
			Index:    i,
			Geometry: orb.Point{float64(i%360) - 180, float64(i%180) - 90},
			Attributes: []output.Attribute{
				{Name: "NAME", Value: "p" + itoa(i)},
				{Name: "VALUE", Value: float64(i)},
			},
		}
	}
	return rows
}

// passExtractor hands the archive path through as the primary file.
type passExtractor struct {
	calls int
}

func (e *passExtractor) WithExtracted(_ context.Context, archivePath, _ string, fn func(string) error) error {
	e.calls++
	return fn(archivePath)
}

// fakeReprojector shifts x by one degree for any non-identity pair.
type fakeReprojector struct {
	unsupported bool
	failAfter   int // fail from the n-th call on when > 0
	calls       int
}

func (r *fakeReprojector) Reproject(_ context.Context, g orb.Geometry, source, target domain.CRS) (orb.Geometry, error) {
	if source.Equal(target) {
		return g, nil
	}
	r.calls++
	if r.failAfter > 0 && r.calls >= r.failAfter {
		return nil, &domain.ReprojectionError{Source: source.String(), Target: target.String(), Err: errors.New("no grid")}
	}
	if p, ok := g.(orb.Point); ok {
		return orb.Point{p[0] + 1, p[1]}, nil
	}
	return g, nil
}

func (r *fakeReprojector) IsSupported(source, target domain.CRS) bool {
	return source.Equal(target) || !r.unsupported
}

// recordingAudit keeps every event.
type recordingAudit struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

func (a *recordingAudit) Record(_ context.Context, e domain.AuditEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
}

func (a *recordingAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.events))
	for i, e := range a.events {
		out[i] = e.Action
	}
	return out
}

func (a *recordingAudit) last() domain.AuditEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.events) == 0 {
		return domain.AuditEvent{}
	}
	return a.events[len(a.events)-1]
}

// memCache implements output.ChunkCache.
type memCache struct {
	mu      sync.Mutex
	entries map[output.ChunkKey][]byte
}

func newMemCache() *memCache {
	return &memCache{entries: make(map[output.ChunkKey][]byte)}
}

func (c *memCache) Get(_ context.Context, key output.ChunkKey) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.entries[key]
	return b, ok
}

func (c *memCache) Set(_ context.Context, key output.ChunkKey, body []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = body
}

// countingMetrics records the counters the services touch.
type countingMetrics struct {
	output.NoOpMetrics
	mu       sync.Mutex
	imports  map[string]int
	imported int
	skipped  int
	hits     int
	misses   int
	uploads  map[bool]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{imports: make(map[string]int), uploads: make(map[bool]int)}
}

func (m *countingMetrics) IncImports(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.imports[outcome]++
}

func (m *countingMetrics) AddFeaturesImported(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.imported += n
}

func (m *countingMetrics) AddRowsSkipped(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.skipped += n
}

func (m *countingMetrics) IncCacheLookup(hit bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if hit {
		m.hits++
	} else {
		m.misses++
	}
}

func (m *countingMetrics) IncUploads(_ string, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploads[success]++
}

// fakeExporter writes the feature ids one per line.
type fakeExporter struct{}

func (fakeExporter) ContentType() string { return "text/plain" }

func (fakeExporter) Export(_ context.Context, _ *domain.Layer, features []domain.Feature, w io.Writer) error {
	ids := make([]string, len(features))
	for i, f := range features {
		ids[i] = f.FeatureID
	}
	_, err := io.WriteString(w, strings.Join(ids, "\n"))
	return err
}

func itoa(i int) string {
	return strconv.Itoa(i)
}
