package storage

import (
	"context"
	"io"
	"time"

	"github.com/jobrunner/geoingest/internal/ports/output"
)

// Instrumented records operation counts and durations of an UploadStore.
type Instrumented struct {
	next    output.UploadStore
	metrics output.MetricsCollector
}

var _ output.UploadStore = (*Instrumented)(nil)

// NewInstrumented wraps next.
func NewInstrumented(next output.UploadStore, metrics output.MetricsCollector) *Instrumented {
	return &Instrumented{next: next, metrics: metrics}
}

func (s *Instrumented) observe(op string, start time.Time, err error) {
	s.metrics.IncStorageOperations(op, err == nil)
	s.metrics.ObserveStorageDuration(op, time.Since(start))
}

// Put implements UploadStore.
func (s *Instrumented) Put(ctx context.Context, key string, r io.Reader) (n int64, err error) {
	defer func(start time.Time) { s.observe("put", start, err) }(time.Now())
	return s.next.Put(ctx, key, r)
}

// Download implements UploadStore.
func (s *Instrumented) Download(ctx context.Context, key, dest string) (err error) {
	defer func(start time.Time) { s.observe("download", start, err) }(time.Now())
	return s.next.Download(ctx, key, dest)
}

// GetReader implements UploadStore.
func (s *Instrumented) GetReader(ctx context.Context, key string) (rc io.ReadCloser, err error) {
	defer func(start time.Time) { s.observe("get", start, err) }(time.Now())
	return s.next.GetReader(ctx, key)
}

// Exists implements UploadStore.
func (s *Instrumented) Exists(ctx context.Context, key string) (ok bool, err error) {
	defer func(start time.Time) { s.observe("exists", start, err) }(time.Now())
	return s.next.Exists(ctx, key)
}

// Delete implements UploadStore.
func (s *Instrumented) Delete(ctx context.Context, key string) (err error) {
	defer func(start time.Time) { s.observe("delete", start, err) }(time.Now())
	return s.next.Delete(ctx, key)
}

// List implements UploadStore.
func (s *Instrumented) List(ctx context.Context) (objs []output.StorageObject, err error) {
	defer func(start time.Time) { s.observe("list", start, err) }(time.Now())
	return s.next.List(ctx)
}
