package output

import (
	"context"
	"io"

	"github.com/jobrunner/geoingest/internal/domain"
)

// AuditSink receives structured events after significant operations.
type AuditSink interface {
	Record(ctx context.Context, event domain.AuditEvent)
}

// NoOpAudit discards events.
type NoOpAudit struct{}

// Record implements AuditSink.
func (NoOpAudit) Record(_ context.Context, _ domain.AuditEvent) {}

// PermissionGate decides whether a caller may touch a layer.
type PermissionGate interface {
	CanRead(ctx context.Context, caller domain.Caller, layer *domain.Layer) bool
	CanWrite(ctx context.Context, caller domain.Caller, layer *domain.Layer) bool
}

// ChunkKey identifies one encoded chunk of one layer version.
type ChunkKey struct {
	LayerID int64
	Version int64
	ChunkID int
	Size    int
}

// ChunkCache caches encoded chunk responses.
type ChunkCache interface {
	Get(ctx context.Context, key ChunkKey) ([]byte, bool)
	Set(ctx context.Context, key ChunkKey, body []byte)
}

// NoOpCache never stores anything.
type NoOpCache struct{}

// Get implements ChunkCache.
func (NoOpCache) Get(_ context.Context, _ ChunkKey) ([]byte, bool) { return nil, false }

// Set implements ChunkCache.
func (NoOpCache) Set(_ context.Context, _ ChunkKey, _ []byte) {}

// LayerExporter writes a layer's features in a binary interchange format.
type LayerExporter interface {
	// ContentType returns the media type of the written format.
	ContentType() string

	Export(ctx context.Context, layer *domain.Layer, features []domain.Feature, w io.Writer) error
}
