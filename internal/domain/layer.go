package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// GeometryClass is the coarse geometry classifier of a layer.
type GeometryClass string

// Geometry classes.
const (
	ClassPoint   GeometryClass = "point"
	ClassLine    GeometryClass = "line"
	ClassPolygon GeometryClass = "polygon"
	ClassUnknown GeometryClass = "unknown"
)

// ParseGeometryClass maps a free-form layer type name onto a class.
// Names such as "multipolygon" or "LineString" are accepted.
func ParseGeometryClass(s string) GeometryClass {
	s = strings.ToLower(strings.TrimSpace(s))
	switch {
	case strings.Contains(s, "polygon"):
		return ClassPolygon
	case strings.Contains(s, "line"):
		return ClassLine
	case strings.Contains(s, "point"):
		return ClassPoint
	default:
		return ClassUnknown
	}
}

// UploadStatus is the lifecycle state of a layer's data import.
type UploadStatus string

// Upload lifecycle states.
const (
	UploadPending    UploadStatus = "pending"
	UploadProcessing UploadStatus = "processing"
	UploadCRSNeeded  UploadStatus = "crs_needed"
	UploadImporting  UploadStatus = "importing"
	UploadComplete   UploadStatus = "complete"
	UploadFailed     UploadStatus = "failed"
)

var uploadTransitions = map[UploadStatus][]UploadStatus{
	UploadPending:    {UploadProcessing, UploadImporting, UploadFailed},
	UploadProcessing: {UploadCRSNeeded, UploadImporting, UploadFailed},
	UploadCRSNeeded:  {UploadImporting, UploadFailed},
	UploadImporting:  {UploadComplete, UploadFailed},
	UploadComplete:   {UploadImporting},
	UploadFailed:     {UploadImporting},
}

// CanTransition reports whether moving from s to next is allowed.
// Finished layers may be re-imported.
func (s UploadStatus) CanTransition(next UploadStatus) bool {
	for _, n := range uploadTransitions[s] {
		if n == next {
			return true
		}
	}
	return false
}

// LayerGroup is the project group a layer belongs to.
type LayerGroup struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// LayerType names a geometry classifier and default style.
type LayerType struct {
	ID           int64           `json:"id"`
	Name         string          `json:"name"`
	DefaultStyle json.RawMessage `json:"default_style,omitempty"`
}

// Class returns the geometry class implied by the type name.
func (t *LayerType) Class() GeometryClass {
	return ParseGeometryClass(t.Name)
}

// Layer is a named vector dataset inside a group.
type Layer struct {
	ID            int64           `json:"id"`
	GroupID       int64           `json:"group_id"`
	Name          string          `json:"name"`
	Description   string          `json:"description"`
	LayerTypeID   *int64          `json:"layer_type_id,omitempty"`
	GeometryClass GeometryClass   `json:"geometry_class"`
	Style         json.RawMessage `json:"style,omitempty"`
	IsVisible     bool            `json:"is_visible"`
	IsPublic      bool            `json:"is_public"`
	MinZoom       int             `json:"min_zoom"`
	MaxZoom       int             `json:"max_zoom"`
	FeatureCount  int64           `json:"feature_count"`
	LastUpdate    time.Time       `json:"last_data_update"`
	Status        UploadStatus    `json:"upload_status"`
	UploadError   string          `json:"upload_error,omitempty"`
	OriginalCRS   string          `json:"original_crs,omitempty"`
	TargetCRS     string          `json:"target_crs"`
	FileType      FileType        `json:"original_file_type,omitempty"`
	FileName      string          `json:"original_file_name,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// ChunkSize returns the number of features delivered per chunk.
func (l *Layer) ChunkSize() int {
	return ChunkSizeFor(l.GeometryClass)
}

// Version identifies the layer's current data state.
func (l *Layer) Version() int64 {
	return l.LastUpdate.UnixNano()
}
