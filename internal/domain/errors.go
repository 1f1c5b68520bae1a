package domain

import (
	"errors"
	"fmt"
)

// Base error types (sentinel errors).
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnsupported  = errors.New("unsupported operation")
	ErrUnavailable  = errors.New("service unavailable")
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("authentication required")
)

// Specific errors.
var (
	ErrLayerNotFound      = fmt.Errorf("layer: %w", ErrNotFound)
	ErrGroupNotFound      = fmt.Errorf("layer group: %w", ErrNotFound)
	ErrLayerTypeNotFound  = fmt.Errorf("layer type: %w", ErrNotFound)
	ErrFeatureNotFound    = fmt.Errorf("feature: %w", ErrNotFound)
	ErrUploadExpired      = fmt.Errorf("uploaded file not found or expired: %w", ErrNotFound)
	ErrUnsupportedFormat  = fmt.Errorf("unsupported file type: %w", ErrInvalidInput)
	ErrInvalidChunk       = fmt.Errorf("chunk_id must be a positive integer: %w", ErrInvalidInput)
	ErrInvalidGeoJSON     = fmt.Errorf("invalid GeoJSON: %w", ErrInvalidInput)
	ErrInvalidCRS         = fmt.Errorf("crs: %w", ErrInvalidInput)
	ErrCRSMissing         = errors.New("source CRS not declared by dataset and not supplied")
	ErrExtraction         = errors.New("archive extraction failed")
	ErrMissingPrimaryFile = errors.New("no primary data file found in archive")
	ErrDatasetRead        = errors.New("dataset could not be read")
	ErrReprojection       = errors.New("reprojection failed")
	ErrRowDecode          = errors.New("row could not be decoded")
	ErrStorageBatch       = errors.New("storage batch failed")
	ErrNotReady           = fmt.Errorf("service not ready: %w", ErrUnavailable)
	ErrStorageUnavailable = fmt.Errorf("storage: %w", ErrUnavailable)
)

// ValidationError represents a detailed validation error.
type ValidationError struct {
	Field      string      // Field that failed validation
	Value      interface{} // The invalid value
	Constraint string      // The constraint that was violated
	Message    string      // Human-readable message
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for %s: %s (value: %v, constraint: %s)",
		e.Field, e.Message, e.Value, e.Constraint)
}

// Unwrap returns the underlying error type.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// DatasetError reports a failure to open or read a vector dataset.
type DatasetError struct {
	Path string // Dataset path
	Op   string // open, crs, read
	Err  error  // Underlying error
}

// Error implements the error interface.
func (e *DatasetError) Error() string {
	return fmt.Sprintf("reading dataset %s (%s): %v", e.Path, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *DatasetError) Unwrap() []error {
	return []error{ErrDatasetRead, e.Err}
}

// ExtractionError reports an archive that could not be unpacked.
type ExtractionError struct {
	Archive string
	Err     error
}

// Error implements the error interface.
func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extracting %s: %v", e.Archive, e.Err)
}

// Unwrap returns the underlying error.
func (e *ExtractionError) Unwrap() []error {
	return []error{ErrExtraction, e.Err}
}

// ReprojectionError reports a failed coordinate transformation.
type ReprojectionError struct {
	Source string
	Target string
	Err    error
}

// Error implements the error interface.
func (e *ReprojectionError) Error() string {
	return fmt.Sprintf("reprojecting from %q to %q: %v", e.Source, e.Target, e.Err)
}

// Unwrap returns the underlying error.
func (e *ReprojectionError) Unwrap() []error {
	return []error{ErrReprojection, e.Err}
}

// BatchError reports a storage failure while persisting one import batch.
type BatchError struct {
	Batch   int   // 1-based batch number
	Reached int   // Rows handed to storage before the failure, including the failed batch
	Err     error // Underlying error
}

// Error implements the error interface.
func (e *BatchError) Error() string {
	return fmt.Sprintf("batch %d failed after %d rows: %v", e.Batch, e.Reached, e.Err)
}

// Unwrap returns the underlying error.
func (e *BatchError) Unwrap() []error {
	return []error{ErrStorageBatch, e.Err}
}

// FeatureDecodeError describes one inbound feature that could not be decoded.
type FeatureDecodeError struct {
	Index  int    // Position in the features array
	Reason string // What was wrong
}

// Error implements the error interface.
func (e *FeatureDecodeError) Error() string {
	return fmt.Sprintf("feature %d: %s", e.Index, e.Reason)
}

// Unwrap returns the underlying error.
func (e *FeatureDecodeError) Unwrap() error {
	return ErrInvalidGeoJSON
}

// CRSNeededError reports an import that cannot proceed until the caller
// names the source CRS. The layer waits in crs_needed status.
type CRSNeededError struct {
	LayerID int64
	Detail  string // Declared descriptor, empty when none was found
}

// Error implements the error interface.
func (e *CRSNeededError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("layer %d: %v (dataset declares %q)", e.LayerID, ErrCRSMissing, e.Detail)
	}
	return fmt.Sprintf("layer %d: %v", e.LayerID, ErrCRSMissing)
}

// Unwrap returns the underlying error.
func (e *CRSNeededError) Unwrap() error {
	return ErrCRSMissing
}

// StorageError represents an error during storage operations.
type StorageError struct {
	Operation string // Operation that failed (put, fetch, list, etc.)
	Key       string // Object key
	Err       error  // Underlying error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("storage error during %s for %s: %v",
			e.Operation, e.Key, e.Err)
	}
	return fmt.Sprintf("storage error during %s: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// ConfigError represents a configuration error.
type ConfigError struct {
	Field   string // Configuration field
	Message string // Error message
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error for %s: %s", e.Field, e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return ErrInvalidInput
}
