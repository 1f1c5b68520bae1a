// Package storage provides staged upload storage adapters.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/jobrunner/geoingest/internal/domain"
	"github.com/jobrunner/geoingest/internal/ports/output"
)

// LocalStorage implements UploadStore on the local filesystem.
type LocalStorage struct {
	basePath string
}

var _ output.UploadStore = (*LocalStorage)(nil)

// NewLocalStorage creates a new local storage adapter.
func NewLocalStorage(basePath string) *LocalStorage {
	return &LocalStorage{basePath: basePath}
}

// resolve maps a key onto a path below the base directory.
func (s *LocalStorage) resolve(key string) (string, error) {
	if !filepath.IsLocal(filepath.FromSlash(key)) {
		return "", &domain.StorageError{Operation: "resolve", Key: key, Err: domain.ErrInvalidInput}
	}
	return filepath.Join(s.basePath, filepath.FromSlash(key)), nil
}

// Put writes r to key. The object appears atomically.
func (s *LocalStorage) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	path, err := s.resolve(key)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return 0, &domain.StorageError{Operation: "put", Key: key, Err: err}
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return 0, &domain.StorageError{Operation: "put", Key: key, Err: err}
	}
	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = ctx.Err()
	}
	if err == nil {
		err = os.Rename(tmp.Name(), path)
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return 0, &domain.StorageError{Operation: "put", Key: key, Err: err}
	}
	return n, nil
}

// List returns every stored object. Keys use forward slashes.
func (s *LocalStorage) List(ctx context.Context) ([]output.StorageObject, error) {
	var objects []output.StorageObject

	err := filepath.WalkDir(s.basePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(s.basePath, path)
		if err != nil {
			return err
		}

		objects = append(objects, output.StorageObject{
			Key:          filepath.ToSlash(relPath),
			Size:         info.Size(),
			LastModified: info.ModTime().Unix(),
		})
		return nil
	})
	if err != nil {
		return nil, &domain.StorageError{Operation: "list", Err: err}
	}

	return objects, nil
}

// Download copies an object to dest.
func (s *LocalStorage) Download(ctx context.Context, key string, dest string) error {
	srcPath, err := s.resolve(key)
	if err != nil {
		return err
	}

	// If source and dest are the same, nothing to do
	if srcPath == dest {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return err
	}

	src, err := os.Open(srcPath) //#nosec G304 -- resolved below the base path
	if err != nil {
		return notFound("download", key, err)
	}
	defer func() { _ = src.Close() }()

	dst, err := os.Create(dest) //#nosec G304 -- dest is a controlled local path
	if err != nil {
		return err
	}
	defer func() { _ = dst.Close() }()

	_, err = io.Copy(dst, src)
	return err
}

// GetReader returns a reader for the given object.
func (s *LocalStorage) GetReader(ctx context.Context, key string) (io.ReadCloser, error) {
	path, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path) //#nosec G304 -- resolved below the base path
	if err != nil {
		return nil, notFound("get", key, err)
	}
	return f, nil
}

// Exists checks if a file exists.
func (s *LocalStorage) Exists(ctx context.Context, key string) (bool, error) {
	path, err := s.resolve(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		// A missing base directory means the store is misconfigured.
		if _, berr := os.Stat(s.basePath); berr != nil {
			return false, &domain.StorageError{Operation: "exists", Key: key, Err: berr}
		}
		return false, nil
	}
	return false, err
}

// Delete removes an object and prunes its directory when it became empty.
func (s *LocalStorage) Delete(ctx context.Context, key string) error {
	path, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &domain.StorageError{Operation: "delete", Key: key, Err: err}
	}
	if dir := filepath.Dir(path); dir != filepath.Clean(s.basePath) {
		_ = os.Remove(dir) // fails while other objects remain
	}
	return nil
}

func notFound(op, key string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return &domain.StorageError{Operation: op, Key: key, Err: fmt.Errorf("%w: %v", domain.ErrUploadExpired, err)}
	}
	return &domain.StorageError{Operation: op, Key: key, Err: err}
}
