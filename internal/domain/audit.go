package domain

import "time"

// Audit actions.
const (
	AuditFileUploaded    = "File uploaded"
	AuditLayerCreated    = "Layer created from file"
	AuditImportFailed    = "Layer import failed"
	AuditGeoJSONImported = "GeoJSON imported"
	AuditLayerCleared    = "Layer data cleared"
	AuditFeatureCreated  = "Feature created"
	AuditFeatureDeleted  = "Feature deleted"
	AuditLayerDataAccess = "Layer data accessed"
)

// AuditAccessThreshold is the chunk size above which reads are audited.
const AuditAccessThreshold = 100

// AuditEvent is a structured record of a significant operation.
type AuditEvent struct {
	Action    string         `json:"action"`
	User      string         `json:"user,omitempty"`
	LayerID   int64          `json:"layer_id,omitempty"`
	GroupID   int64          `json:"group_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
