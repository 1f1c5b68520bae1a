// Package output defines the secondary/driven ports of the application.
package output

import (
	"context"
	"io"
)

// UploadStore defines the secondary port for staged upload storage.
type UploadStore interface {
	// Put stores the content under key and returns the bytes written.
	Put(ctx context.Context, key string, r io.Reader) (int64, error)

	// Download copies an object to a local file.
	Download(ctx context.Context, key string, dest string) error

	// GetReader returns a reader for the given object.
	GetReader(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists checks if an object exists.
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes an object. Missing objects are not an error.
	Delete(ctx context.Context, key string) error

	// List returns all stored objects.
	List(ctx context.Context) ([]StorageObject, error)
}

// StorageObject represents a file in object storage.
type StorageObject struct {
	Key          string // Object key/path
	Size         int64  // Size in bytes
	LastModified int64  // Unix timestamp
	ETag         string // Content hash
}
