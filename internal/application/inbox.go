package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jobrunner/geoingest/internal/domain"
)

// InboxUser is the audit user of files staged from the drop folder.
const InboxUser = "inbox"

// Inbox stages files dropped into a watched directory.
type Inbox struct {
	uploads *UploadService
	logger  *slog.Logger
}

// NewInbox creates an inbox that stages through uploads.
func NewInbox(uploads *UploadService, logger *slog.Logger) *Inbox {
	return &Inbox{uploads: uploads, logger: logger}
}

// Accepts reports whether a file in the inbox can be staged on its own.
// A bare .shp is refused because its sidecar files arrive separately;
// shapefiles are dropped as zip archives.
func Accepts(name string) bool {
	if strings.EqualFold(filepath.Ext(name), ".shp") {
		return false
	}
	return domain.DetectFileType(name).IsSupported()
}

// Ingest stages the file at path and removes it from the inbox.
// Files Accepts refuses are left in place.
func (i *Inbox) Ingest(ctx context.Context, path string) error {
	name := filepath.Base(path)
	if !Accepts(name) {
		i.logger.Warn("ignoring inbox file", "file", name)
		return nil
	}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	report, err := i.uploads.upload(ctx, domain.Caller{User: InboxUser, Authenticated: true}, name, f, "inbox")
	f.Close()
	if err != nil {
		return fmt.Errorf("staging %s: %w", name, err)
	}

	if err := os.Remove(path); err != nil {
		i.logger.Warn("failed to remove inbox file", "file", name, "error", err)
	}
	code, _ := report.CRS.Resolved()
	i.logger.Info("inbox file staged",
		"file", name,
		"file_id", report.Upload.FileID,
		"file_type", report.Upload.FileType,
		"has_crs", report.CRS.HasCRS,
		"crs", code,
		"crs_name", report.CRS.Name,
	)
	return nil
}
