package application

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jobrunner/geoingest/internal/domain"
	"github.com/jobrunner/geoingest/internal/ports/input"
	"github.com/jobrunner/geoingest/internal/ports/output"
)

// UploadServiceConfig holds the upload service settings.
type UploadServiceConfig struct {
	ScratchDir       string // Working directory for downloads and inspection
	DefaultTargetCRS string // Target CRS when a request names none
}

// UploadService stages uploaded files and imports them into new layers.
type UploadService struct {
	store       output.UploadStore
	opener      output.DatasetOpener
	extractor   output.Extractor
	reprojector output.Reprojector
	registry    output.LayerRegistry
	importer    *BatchImporter
	decomposer  *Decomposer
	audit       output.AuditSink
	metrics     output.MetricsCollector
	cfg         UploadServiceConfig
	logger      *slog.Logger
	now         func() time.Time
}

var _ input.UploadService = (*UploadService)(nil)

// NewUploadService creates an upload service.
func NewUploadService(
	store output.UploadStore,
	opener output.DatasetOpener,
	extractor output.Extractor,
	reprojector output.Reprojector,
	registry output.LayerRegistry,
	importer *BatchImporter,
	audit output.AuditSink,
	metrics output.MetricsCollector,
	cfg UploadServiceConfig,
	logger *slog.Logger,
) *UploadService {
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = os.TempDir()
	}
	if cfg.DefaultTargetCRS == "" {
		cfg.DefaultTargetCRS = domain.DefaultTargetCRS
	}
	if audit == nil {
		audit = output.NoOpAudit{}
	}
	if metrics == nil {
		metrics = &output.NoOpMetrics{}
	}
	return &UploadService{
		store:       store,
		opener:      opener,
		extractor:   extractor,
		reprojector: reprojector,
		registry:    registry,
		importer:    importer,
		decomposer:  NewDecomposer(reprojector, logger),
		audit:       audit,
		metrics:     metrics,
		cfg:         cfg,
		logger:      logger,
		now:         time.Now,
	}
}

// Upload stages a file under a fresh handle and reports its CRS.
func (s *UploadService) Upload(ctx context.Context, caller domain.Caller, fileName string, r io.Reader) (*input.UploadReport, error) {
	return s.upload(ctx, caller, fileName, r, "http")
}

func (s *UploadService) upload(ctx context.Context, caller domain.Caller, fileName string, r io.Reader, source string) (*input.UploadReport, error) {
	if !caller.Authenticated {
		return nil, domain.ErrUnauthorized
	}
	fileName = path.Base(filepath.ToSlash(fileName))
	fileType := domain.DetectFileType(fileName)
	if !fileType.IsSupported() {
		s.metrics.IncUploads(string(fileType), false)
		return nil, fmt.Errorf("%q: %w", fileName, domain.ErrUnsupportedFormat)
	}

	report, err := s.stage(ctx, fileName, fileType, r)
	s.metrics.IncUploads(string(fileType), err == nil)
	if err != nil {
		return nil, err
	}

	s.audit.Record(ctx, domain.AuditEvent{
		Action: domain.AuditFileUploaded,
		User:   caller.User,
		Details: map[string]any{
			"file_name":    report.Upload.FileName,
			"file_type":    report.Upload.FileType,
			"file_size":    report.Upload.Size,
			"has_crs":      report.CRS.HasCRS,
			"crs_detected": crsCode(report.CRS),
			"source":       source,
		},
		Timestamp: s.now(),
	})
	s.logger.Info("file uploaded",
		"file_id", report.Upload.FileID,
		"file_name", fileName,
		"file_type", fileType,
		"size", report.Upload.Size,
		"has_crs", report.CRS.HasCRS,
		"source", source,
	)
	return report, nil
}

func (s *UploadService) stage(ctx context.Context, fileName string, fileType domain.FileType, r io.Reader) (*input.UploadReport, error) {
	dir, err := s.scratch("upload-*")
	if err != nil {
		return nil, err
	}
	defer s.removeScratch(dir)

	local := filepath.Join(dir, fileName)
	size, err := writeFile(local, r)
	if err != nil {
		return nil, fmt.Errorf("writing upload: %w", err)
	}

	info, err := s.inspect(ctx, local, fileType)
	if err != nil {
		return nil, err
	}

	upload := domain.StagedUpload{
		FileID:   uuid.NewString(),
		FileName: fileName,
		FileType: fileType,
		Size:     size,
		StoredAt: s.now(),
	}
	f, err := os.Open(local)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if _, err := s.store.Put(ctx, upload.Key(), f); err != nil {
		return nil, err
	}

	return s.report(upload, info)
}

// Inspect reports type and CRS of a local file without staging it.
func (s *UploadService) Inspect(ctx context.Context, filePath string) (*input.UploadReport, error) {
	st, err := os.Stat(filePath)
	if err != nil {
		return nil, err
	}
	fileType := domain.DetectFileType(filePath)
	if !fileType.IsSupported() {
		return nil, fmt.Errorf("%q: %w", filepath.Base(filePath), domain.ErrUnsupportedFormat)
	}
	info, err := s.inspect(ctx, filePath, fileType)
	if err != nil {
		return nil, err
	}
	return s.report(domain.StagedUpload{
		FileName: filepath.Base(filePath),
		FileType: fileType,
		Size:     st.Size(),
		StoredAt: st.ModTime(),
	}, info)
}

func (s *UploadService) report(upload domain.StagedUpload, info domain.CRSInfo) (*input.UploadReport, error) {
	options, err := domain.CommonCRSOptions()
	if err != nil {
		return nil, err
	}
	return &input.UploadReport{Upload: upload, CRS: info, Options: options}, nil
}

func (s *UploadService) inspect(ctx context.Context, localPath string, fileType domain.FileType) (domain.CRSInfo, error) {
	var info domain.CRSInfo
	err := s.withDataset(ctx, localPath, fileType, func(ds output.Dataset) error {
		var err error
		info, err = ds.CRS()
		return err
	})
	return info, err
}

// withDataset opens the dataset at localPath, extracting archives first.
func (s *UploadService) withDataset(ctx context.Context, localPath string, fileType domain.FileType, fn func(output.Dataset) error) error {
	open := func(p string) error {
		ds, err := s.opener.Open(ctx, p, fileType)
		if err != nil {
			return err
		}
		defer ds.Close()
		return fn(ds)
	}

	if fileType == domain.FileTypeShapefile && domain.IsArchive(localPath) {
		return s.extractor.WithExtracted(ctx, localPath, ".shp", open)
	}
	return open(localPath)
}

// CompleteImport creates a layer from a staged upload, or resumes a layer
// that was waiting for its source CRS.
func (s *UploadService) CompleteImport(ctx context.Context, caller domain.Caller, req domain.ImportRequest) (*domain.ImportResult, error) {
	if !caller.Authenticated {
		return nil, domain.ErrUnauthorized
	}
	if err := validateImportRequest(req); err != nil {
		return nil, err
	}

	var layer *domain.Layer
	if req.LayerID != 0 {
		var err error
		if layer, err = s.resumable(ctx, req.LayerID); err != nil {
			return nil, err
		}
	}

	key, err := s.findStaged(ctx, req.FileID, req.FileName)
	if err != nil {
		return nil, err
	}
	fileName := path.Base(key)
	fileType := req.FileType
	if fileType == "" {
		fileType = domain.DetectFileType(fileName)
	}
	if !fileType.IsSupported() {
		return nil, fmt.Errorf("%q: %w", fileName, domain.ErrUnsupportedFormat)
	}

	target, source, err := s.requestCRS(req, layer)
	if err != nil {
		return nil, err
	}

	if layer == nil {
		if layer, err = s.createLayer(ctx, req, fileName, fileType, target); err != nil {
			return nil, err
		}
	}

	unlock := s.registry.LockLayer(layer.ID)
	defer unlock()

	ictx := &domain.ImportContext{
		Caller:    caller,
		FileType:  fileType,
		SourceCRS: source,
		TargetCRS: target,
		StartedAt: s.now().UTC(),
	}
	outcome, err := s.runImport(ctx, layer, key, ictx)

	var needed *domain.CRSNeededError
	if errors.As(err, &needed) {
		if uerr := s.registry.UpdateLayerStatus(ctx, layer.ID, domain.UploadCRSNeeded, needed.Error()); uerr != nil {
			return nil, uerr
		}
		s.logger.Info("import waits for source crs", "layer", layer.ID, "declared", needed.Detail)
		return nil, needed
	}

	s.deleteStaged(ctx, key)
	if err != nil {
		ictx.TerminalErr = err
		s.failed(ctx, caller, layer, ictx)
		return nil, err
	}

	ictx.Imported = outcome.FeatureCount
	s.metrics.AddRowsSkipped(ictx.Skipped)
	s.audit.Record(ctx, domain.AuditEvent{
		Action:  domain.AuditLayerCreated,
		User:    caller.User,
		LayerID: layer.ID,
		GroupID: layer.GroupID,
		Details: map[string]any{
			"layer_name":    layer.Name,
			"file_name":     fileName,
			"file_type":     fileType,
			"feature_count": outcome.FeatureCount,
			"skipped":       ictx.Skipped,
			"source_crs":    layer.OriginalCRS,
			"target_crs":    target.String(),
		},
		Timestamp: s.now(),
	})
	return &domain.ImportResult{
		LayerID:      layer.ID,
		LayerName:    layer.Name,
		FeatureCount: outcome.FeatureCount,
		Skipped:      ictx.Skipped,
	}, nil
}

func validateImportRequest(req domain.ImportRequest) error {
	if strings.TrimSpace(req.FileID) == "" {
		return &domain.ValidationError{Field: "file_id", Value: req.FileID, Constraint: "required", Message: "file handle is required"}
	}
	if req.LayerID != 0 {
		return nil
	}
	if strings.TrimSpace(req.LayerName) == "" {
		return &domain.ValidationError{Field: "layer_name", Value: req.LayerName, Constraint: "required", Message: "layer name is required"}
	}
	if req.GroupID <= 0 {
		return &domain.ValidationError{Field: "group_id", Value: req.GroupID, Constraint: "> 0", Message: "layer group is required"}
	}
	return nil
}

// findStaged resolves a file handle to its storage key.
func (s *UploadService) findStaged(ctx context.Context, fileID, fileName string) (string, error) {
	if fileName != "" {
		key := domain.StagedKey(fileID, fileName)
		ok, err := s.store.Exists(ctx, key)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", domain.ErrUploadExpired
		}
		return key, nil
	}

	objects, err := s.store.List(ctx)
	if err != nil {
		return "", err
	}
	prefix := path.Clean(fileID) + "/"
	for _, obj := range objects {
		if strings.HasPrefix(obj.Key, prefix) {
			return obj.Key, nil
		}
	}
	return "", domain.ErrUploadExpired
}

// requestCRS parses the requested CRS pair. A resumed layer keeps its
// target CRS.
func (s *UploadService) requestCRS(req domain.ImportRequest, resumed *domain.Layer) (domain.CRS, *domain.CRS, error) {
	targetName := req.TargetCRS
	switch {
	case resumed != nil:
		targetName = resumed.TargetCRS
	case targetName == "":
		targetName = s.cfg.DefaultTargetCRS
	}
	target, err := domain.ParseCRS(targetName)
	if err != nil {
		return domain.CRS{}, nil, fmt.Errorf("target_crs: %w", err)
	}
	if req.SourceCRS == "" {
		return target, nil, nil
	}
	source, err := domain.ParseCRS(req.SourceCRS)
	if err != nil {
		return domain.CRS{}, nil, fmt.Errorf("source_crs: %w", err)
	}
	return target, &source, nil
}

// resumable returns a layer that waits for its source CRS.
func (s *UploadService) resumable(ctx context.Context, layerID int64) (*domain.Layer, error) {
	layer, err := s.registry.GetLayer(ctx, layerID)
	if err != nil {
		return nil, err
	}
	if layer.Status != domain.UploadCRSNeeded {
		return nil, &domain.ValidationError{
			Field:      "layer_id",
			Value:      layerID,
			Constraint: "upload_status = crs_needed",
			Message:    "only layers waiting for a source CRS can be resumed",
		}
	}
	return layer, nil
}

func (s *UploadService) createLayer(ctx context.Context, req domain.ImportRequest, fileName string, fileType domain.FileType, target domain.CRS) (*domain.Layer, error) {
	if _, err := s.registry.GetGroup(ctx, req.GroupID); err != nil {
		return nil, err
	}
	class := domain.ClassUnknown
	if req.LayerTypeID != nil {
		lt, err := s.registry.GetLayerType(ctx, *req.LayerTypeID)
		if err != nil {
			return nil, err
		}
		class = lt.Class()
	}

	layer := &domain.Layer{
		GroupID:       req.GroupID,
		Name:          strings.TrimSpace(req.LayerName),
		Description:   req.Description,
		LayerTypeID:   req.LayerTypeID,
		GeometryClass: class,
		IsVisible:     req.IsVisible,
		IsPublic:      req.IsPublic,
		Status:        domain.UploadProcessing,
		TargetCRS:     target.String(),
		FileType:      fileType,
		FileName:      fileName,
	}
	if err := s.registry.CreateLayer(ctx, layer); err != nil {
		return nil, err
	}
	s.logger.Info("layer created", "layer", layer.ID, "name", layer.Name, "group", layer.GroupID)
	return layer, nil
}

// runImport fetches the staged file into a scratch directory and imports
// it. The scratch directory is gone when runImport returns.
func (s *UploadService) runImport(ctx context.Context, layer *domain.Layer, key string, ictx *domain.ImportContext) (*ImportOutcome, error) {
	dir, err := s.scratch("import-*")
	if err != nil {
		return nil, err
	}
	defer s.removeScratch(dir)

	ictx.WorkPath = filepath.Join(dir, path.Base(key))
	if err := s.store.Download(ctx, key, ictx.WorkPath); err != nil {
		return nil, err
	}

	var outcome *ImportOutcome
	err = s.withDataset(ctx, ictx.WorkPath, ictx.FileType, func(ds output.Dataset) error {
		info, err := ds.CRS()
		if err != nil {
			return err
		}
		source, err := s.resolveSource(layer, info, ictx)
		if err != nil {
			return err
		}
		ictx.SourceCRS = &source
		if err := s.registry.SetOriginalCRS(ctx, layer.ID, source.String()); err != nil {
			return err
		}
		layer.OriginalCRS = source.String()

		if !s.reprojector.IsSupported(source, ictx.TargetCRS) {
			return &domain.ReprojectionError{
				Source: source.String(),
				Target: ictx.TargetCRS.String(),
				Err:    errors.New("no transformation available"),
			}
		}

		outcome, err = s.importer.Import(ctx, layer, s.decomposer.Source(ctx, ds, ictx))
		return err
	})
	return outcome, err
}

// resolveSource picks the source CRS. A CRS the dataset resolves itself
// wins over the requested one.
func (s *UploadService) resolveSource(layer *domain.Layer, info domain.CRSInfo, ictx *domain.ImportContext) (domain.CRS, error) {
	if code, ok := info.Resolved(); ok {
		declared, err := domain.ParseCRS(code)
		if err != nil {
			return domain.CRS{}, &domain.ReprojectionError{Source: code, Target: ictx.TargetCRS.String(), Err: err}
		}
		if ictx.SourceCRS != nil && !ictx.SourceCRS.Equal(declared) {
			s.logger.Warn("ignoring requested source crs, dataset declares its own",
				"layer", layer.ID, "requested", ictx.SourceCRS.String(), "declared", code)
		}
		return declared, nil
	}
	if ictx.SourceCRS != nil {
		return *ictx.SourceCRS, nil
	}
	return domain.CRS{}, &domain.CRSNeededError{LayerID: layer.ID, Detail: info.Name}
}

// failed marks a layer failed unless the importer already did.
func (s *UploadService) failed(ctx context.Context, caller domain.Caller, layer *domain.Layer, ictx *domain.ImportContext) {
	cause := ictx.TerminalErr
	if layer.Status != domain.UploadFailed {
		s.metrics.IncImports(string(domain.UploadFailed))
		s.logger.Error("import failed", "layer", layer.ID, "error", cause)
		if err := s.registry.UpdateLayerStatus(context.WithoutCancel(ctx), layer.ID, domain.UploadFailed, cause.Error()); err != nil {
			s.logger.Error("failed to record import failure", "layer", layer.ID, "error", err)
		}
		layer.Status = domain.UploadFailed
	}
	s.audit.Record(ctx, domain.AuditEvent{
		Action:  domain.AuditImportFailed,
		User:    caller.User,
		LayerID: layer.ID,
		GroupID: layer.GroupID,
		Details: map[string]any{
			"layer_name": layer.Name,
			"file_type":  ictx.FileType,
			"error":      cause.Error(),
			"decoded":    ictx.Decoded,
			"skipped":    ictx.Skipped,
		},
		Timestamp: s.now(),
	})
}

func (s *UploadService) deleteStaged(ctx context.Context, key string) {
	if err := s.store.Delete(context.WithoutCancel(ctx), key); err != nil {
		s.logger.Warn("failed to delete staged upload", "key", key, "error", err)
	}
}

func (s *UploadService) scratch(pattern string) (string, error) {
	if err := os.MkdirAll(s.cfg.ScratchDir, 0o755); err != nil {
		return "", err
	}
	return os.MkdirTemp(s.cfg.ScratchDir, pattern)
}

func (s *UploadService) removeScratch(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		s.logger.Warn("failed to remove scratch directory", "path", dir, "error", err)
	}
}

func crsCode(info domain.CRSInfo) any {
	if code, ok := info.Resolved(); ok {
		return code
	}
	return nil
}

func writeFile(dest string, r io.Reader) (int64, error) {
	f, err := os.Create(dest)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return n, err
}
