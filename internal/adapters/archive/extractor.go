// Package archive unpacks compressed vector containers into scratch
// directories that never outlive the call that created them.
package archive

import (
	"archive/zip"
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mholt/archiver/v3"

	"github.com/jobrunner/geoingest/internal/domain"
)

// Extractor unpacks zip archives below a scratch root.
type Extractor struct {
	scratchRoot string
	logger      *slog.Logger
}

// NewExtractor creates an extractor. An empty root uses the system temp dir.
func NewExtractor(scratchRoot string, logger *slog.Logger) *Extractor {
	if scratchRoot == "" {
		scratchRoot = os.TempDir()
	}
	return &Extractor{scratchRoot: scratchRoot, logger: logger}
}

// WithExtracted implements output.Extractor.
func (e *Extractor) WithExtracted(ctx context.Context, archivePath, primaryExt string, fn func(string) error) error {
	if err := os.MkdirAll(e.scratchRoot, 0o755); err != nil {
		return &domain.ExtractionError{Archive: archivePath, Err: err}
	}
	dir, err := os.MkdirTemp(e.scratchRoot, "extract-*")
	if err != nil {
		return &domain.ExtractionError{Archive: archivePath, Err: err}
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			e.logger.Warn("failed to remove scratch directory", "path", dir, "error", err)
		}
	}()

	if err := ctx.Err(); err != nil {
		return err
	}

	if err := e.unpack(archivePath, dir); err != nil {
		return &domain.ExtractionError{Archive: filepath.Base(archivePath), Err: err}
	}

	primary, ignored, err := findPrimary(dir, primaryExt)
	if err != nil {
		return err
	}
	if len(ignored) > 0 {
		names := make([]string, len(ignored))
		for i, p := range ignored {
			names[i] = relName(dir, p)
		}
		e.logger.Warn("archive holds several primary files, importing the first",
			"archive", filepath.Base(archivePath),
			"primary", relName(dir, primary),
			"ignored", names,
		)
	}

	e.logger.Debug("archive extracted", "archive", filepath.Base(archivePath), "primary", filepath.Base(primary))
	return fn(primary)
}

func (e *Extractor) unpack(src, dest string) error {
	z := archiver.NewZip()
	z.OverwriteExisting = true
	z.MkdirAll = true

	// Member names are checked before anything is written.
	err := z.Walk(src, func(f archiver.File) error {
		hdr, ok := f.Header.(zip.FileHeader)
		if !ok {
			return nil
		}
		target := filepath.Join(dest, hdr.Name)
		if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) {
			return fmt.Errorf("%s: illegal file path", hdr.Name)
		}
		return nil
	})
	if err != nil {
		return err
	}

	return z.Unarchive(src, dest)
}

// findPrimary returns the first member with ext in path order, plus the
// other candidates.
func findPrimary(dir, ext string) (string, []string, error) {
	var found []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == "__MACOSX" {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.EqualFold(filepath.Ext(d.Name()), ext) && !strings.HasPrefix(d.Name(), "._") {
			found = append(found, path)
		}
		return nil
	})
	if err != nil {
		return "", nil, &domain.ExtractionError{Archive: dir, Err: err}
	}
	if len(found) == 0 {
		return "", nil, fmt.Errorf("expected a %s member: %w", ext, domain.ErrMissingPrimaryFile)
	}
	sort.Strings(found)
	return found[0], found[1:], nil
}

func relName(dir, path string) string {
	if rel, err := filepath.Rel(dir, path); err == nil {
		return filepath.ToSlash(rel)
	}
	return filepath.Base(path)
}
