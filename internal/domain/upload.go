package domain

import (
	"path"
	"time"
)

// StagedUpload describes a file accepted by the upload step and held
// until the import is completed.
type StagedUpload struct {
	FileID   string    `json:"file_id"`
	FileName string    `json:"file_name"`
	FileType FileType  `json:"file_type"`
	Size     int64     `json:"file_size"`
	StoredAt time.Time `json:"stored_at"`
}

// Key returns the storage key of the staged file.
func (u StagedUpload) Key() string {
	return StagedKey(u.FileID, u.FileName)
}

// StagedKey builds the storage key for a handle and file name.
func StagedKey(fileID, fileName string) string {
	return path.Join(fileID, path.Base(fileName))
}

// Caller identifies who invokes an operation.
type Caller struct {
	User          string
	Authenticated bool
}

// Anonymous is the unauthenticated caller.
var Anonymous = Caller{}

// ImportRequest carries the complete-import parameters. A non-zero
// LayerID resumes a layer that is waiting for its source CRS.
type ImportRequest struct {
	LayerID     int64
	FileID      string
	FileName    string
	FileType    FileType
	GroupID     int64
	LayerName   string
	LayerTypeID *int64
	SourceCRS   string
	TargetCRS   string
	Description string
	IsVisible   bool
	IsPublic    bool
}

// ImportResult reports a completed import.
type ImportResult struct {
	LayerID      int64
	LayerName    string
	FeatureCount int64
	Skipped      int
}

// ImportContext is the working state of one upload-to-import cycle. It
// is created per call and never shared.
type ImportContext struct {
	Caller      Caller
	FileType    FileType
	WorkPath    string
	SourceCRS   *CRS
	TargetCRS   CRS
	Decoded     int
	Skipped     int
	Imported    int64
	StartedAt   time.Time
	TerminalErr error
}
