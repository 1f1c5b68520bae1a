package domain

import (
	"errors"
	"strings"
	"testing"
)

func TestValidationError(t *testing.T) {
	err := &ValidationError{
		Field:      "batch_size",
		Value:      0,
		Constraint: ">= 1",
		Message:    "batch size must be positive",
	}

	if err.Error() == "" {
		t.Error("Error() should not return empty string")
	}
	if !errors.Is(err, ErrInvalidInput) {
		t.Error("ValidationError should unwrap to ErrInvalidInput")
	}
}

func TestWrappedPipelineErrors(t *testing.T) {
	cause := errors.New("boom")

	tests := []struct {
		name     string
		err      error
		sentinel error
		contains string
	}{
		{"dataset", &DatasetError{Path: "a.shp", Op: "open", Err: cause}, ErrDatasetRead, "a.shp"},
		{"extraction", &ExtractionError{Archive: "a.zip", Err: cause}, ErrExtraction, "a.zip"},
		{"reprojection", &ReprojectionError{Source: "EPSG:1", Target: "EPSG:4326", Err: cause}, ErrReprojection, "EPSG:1"},
		{"batch", &BatchError{Batch: 3, Reached: 3000, Err: cause}, ErrStorageBatch, "batch 3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.sentinel) {
				t.Errorf("%v should match sentinel %v", tt.err, tt.sentinel)
			}
			if !errors.Is(tt.err, cause) {
				t.Errorf("%v should match cause", tt.err)
			}
			if !strings.Contains(tt.err.Error(), tt.contains) {
				t.Errorf("Error() = %q, want it to contain %q", tt.err.Error(), tt.contains)
			}
			if !strings.Contains(tt.err.Error(), "boom") {
				t.Errorf("Error() = %q should carry the underlying cause", tt.err.Error())
			}
		})
	}
}

func TestFeatureDecodeError(t *testing.T) {
	err := &FeatureDecodeError{Index: 2, Reason: "unknown geometry type"}
	if !errors.Is(err, ErrInvalidGeoJSON) || !errors.Is(err, ErrInvalidInput) {
		t.Error("FeatureDecodeError should unwrap to ErrInvalidGeoJSON")
	}
	if !strings.Contains(err.Error(), "feature 2") {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestStorageError(t *testing.T) {
	tests := []struct {
		name string
		err  *StorageError
	}{
		{
			name: "with key",
			err: &StorageError{
				Operation: "fetch",
				Key:       "abc/file.zip",
				Err:       errors.New("network error"),
			},
		},
		{
			name: "without key",
			err: &StorageError{
				Operation: "list",
				Err:       errors.New("access denied"),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Error() == "" {
				t.Error("Error() should not return empty string")
			}
			if !errors.Is(tt.err, tt.err.Err) {
				t.Error("Unwrap should return the underlying error")
			}
		})
	}
}

func TestConfigError(t *testing.T) {
	err := &ConfigError{
		Field:   "uploads.local_path",
		Message: "path is required",
	}

	if err.Error() == "" {
		t.Error("Error() should not return empty string")
	}
	if !errors.Is(err, ErrInvalidInput) {
		t.Error("ConfigError should unwrap to ErrInvalidInput")
	}
}

func TestSentinelErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr error
	}{
		{"ErrLayerNotFound", ErrLayerNotFound, ErrNotFound},
		{"ErrGroupNotFound", ErrGroupNotFound, ErrNotFound},
		{"ErrLayerTypeNotFound", ErrLayerTypeNotFound, ErrNotFound},
		{"ErrFeatureNotFound", ErrFeatureNotFound, ErrNotFound},
		{"ErrUploadExpired", ErrUploadExpired, ErrNotFound},
		{"ErrUnsupportedFormat", ErrUnsupportedFormat, ErrInvalidInput},
		{"ErrInvalidChunk", ErrInvalidChunk, ErrInvalidInput},
		{"ErrInvalidGeoJSON", ErrInvalidGeoJSON, ErrInvalidInput},
		{"ErrInvalidCRS", ErrInvalidCRS, ErrInvalidInput},
		{"ErrNotReady", ErrNotReady, ErrUnavailable},
		{"ErrStorageUnavailable", ErrStorageUnavailable, ErrUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.wantErr) {
				t.Errorf("%s should wrap %v", tt.name, tt.wantErr)
			}
		})
	}
}

func TestCRSNeededError(t *testing.T) {
	err := &CRSNeededError{LayerID: 7}
	if !errors.Is(err, ErrCRSMissing) {
		t.Error("CRSNeededError should unwrap to ErrCRSMissing")
	}
	if !strings.Contains(err.Error(), "layer 7") {
		t.Errorf("Error() = %q", err.Error())
	}
}
