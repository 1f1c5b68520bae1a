package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/jobrunner/geoingest/internal/application"
	"github.com/jobrunner/geoingest/internal/domain"
)

// multipartMemory is the part of a multipart body kept in memory before
// spilling to temporary files.
const multipartMemory = 32 << 20

// uploadResponse is the result of the first import step.
type uploadResponse struct {
	FileID      string             `json:"file_id"`
	FileName    string             `json:"file_name"`
	FileType    domain.FileType    `json:"file_type"`
	FileSize    int64              `json:"file_size"`
	HasCRS      bool               `json:"has_crs"`
	CRSDetected *string            `json:"crs_detected"`
	CRSName     *string            `json:"crs_name"`
	CRSOptions  []domain.CRSOption `json:"crs_options"`
	NextSteps   string             `json:"next_steps"`
}

// completeRequest is the body of the second import step. LayerID resumes a
// layer waiting for its source CRS.
type completeRequest struct {
	LayerID     int64           `json:"layer_id"`
	FileID      string          `json:"file_id"`
	FileName    string          `json:"file_name"`
	FileType    domain.FileType `json:"file_type"`
	GroupID     int64           `json:"group_id"`
	LayerName   string          `json:"layer_name"`
	LayerTypeID *int64          `json:"layer_type_id"`
	SourceCRS   string          `json:"source_crs"`
	TargetCRS   string          `json:"target_crs"`
	Description string          `json:"description"`
	IsVisible   *bool           `json:"is_visible"`
	IsPublic    bool            `json:"is_public"`
}

func (c completeRequest) importRequest() domain.ImportRequest {
	visible := true
	if c.IsVisible != nil {
		visible = *c.IsVisible
	}
	var fileType domain.FileType
	if c.FileType != "" {
		fileType = domain.ParseFileType(string(c.FileType))
	}
	return domain.ImportRequest{
		LayerID:     c.LayerID,
		FileID:      c.FileID,
		FileName:    c.FileName,
		FileType:    fileType,
		GroupID:     c.GroupID,
		LayerName:   c.LayerName,
		LayerTypeID: c.LayerTypeID,
		SourceCRS:   c.SourceCRS,
		TargetCRS:   c.TargetCRS,
		Description: c.Description,
		IsVisible:   visible,
		IsPublic:    c.IsPublic,
	}
}

// handleUpload stages a multipart file upload and reports its CRS.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadSize)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		s.handleBodyError(w, err)
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "No file provided")
		return
	}
	defer func() { _ = file.Close() }()

	report, err := s.services.Uploads.Upload(r.Context(), callerFrom(r.Context()), header.Filename, file)
	if err != nil {
		s.handleServiceError(w, err)
		return
	}

	resp := uploadResponse{
		FileID:      report.Upload.FileID,
		FileName:    report.Upload.FileName,
		FileType:    report.Upload.FileType,
		FileSize:    report.Upload.Size,
		HasCRS:      report.CRS.HasCRS,
		CRSDetected: report.CRS.Code,
		CRSOptions:  report.Options,
		NextSteps:   "complete_upload",
	}
	if report.CRS.Name != "" {
		resp.CRSName = &report.CRS.Name
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleCompleteUpload creates or resumes a layer from a staged upload.
func (s *Server) handleCompleteUpload(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.config.MaxUploadSize)).Decode(&req); err != nil {
		s.handleBodyError(w, err)
		return
	}

	result, err := s.services.Uploads.CompleteImport(r.Context(), callerFrom(r.Context()), req.importRequest())
	if err != nil {
		s.handleImportError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":       true,
		"layer_id":      result.LayerID,
		"layer_name":    result.LayerName,
		"feature_count": result.FeatureCount,
		"skipped":       result.Skipped,
		"message":       fmt.Sprintf("Successfully imported %d features", result.FeatureCount),
	})
}

// handlePurge removes expired staged uploads on demand.
func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	if !callerFrom(r.Context()).Authenticated {
		s.unauthorized(w, domain.ErrUnauthorized.Error())
		return
	}

	result, err := s.services.Purger.TriggerPurge(r.Context())
	if err != nil {
		if errors.Is(err, application.ErrRateLimited) {
			w.Header().Set("Retry-After", "30")
			s.writeError(w, http.StatusTooManyRequests, "Rate limit exceeded. Try again in 30 seconds.")
			return
		}
		s.handleServiceError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, result)
}

// handleGetLayer returns the layer record.
func (s *Server) handleGetLayer(w http.ResponseWriter, r *http.Request) {
	layerID, ok := s.layerID(w, r)
	if !ok {
		return
	}
	layer, err := s.services.Data.GetLayer(r.Context(), callerFrom(r.Context()), layerID)
	if err != nil {
		s.handleServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, layer)
}

// handleChunk returns one chunk of the layer's features.
func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request) {
	layerID, ok := s.layerID(w, r)
	if !ok {
		return
	}
	chunkID := 1
	if raw := r.URL.Query().Get("chunk_id"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.handleServiceError(w, domain.ErrInvalidChunk)
			return
		}
		chunkID = n
	}

	body, err := s.services.Data.Chunk(r.Context(), callerFrom(r.Context()), layerID, chunkID)
	if err != nil {
		s.handleServiceError(w, err)
		return
	}
	s.writeRaw(w, "application/json", body)
}

// handleCollection returns the whole layer as one FeatureCollection.
func (s *Server) handleCollection(w http.ResponseWriter, r *http.Request) {
	layerID, ok := s.layerID(w, r)
	if !ok {
		return
	}
	body, err := s.services.Data.Collection(r.Context(), callerFrom(r.Context()), layerID)
	if err != nil {
		s.handleServiceError(w, err)
		return
	}
	s.writeRaw(w, "application/geo+json", body)
}

// handlePage returns one page of features. Missing or malformed paging
// parameters fall back to the defaults.
func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	layerID, ok := s.layerID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("page_size"))

	result, err := s.services.Data.Page(r.Context(), callerFrom(r.Context()), layerID, page, pageSize)
	if err != nil {
		s.handleServiceError(w, err)
		return
	}

	features := make([]json.RawMessage, len(result.Features))
	for i, f := range result.Features {
		var buf bytes.Buffer
		if err := application.EncodeFeature(&buf, f); err != nil {
			s.handleServiceError(w, err)
			return
		}
		features[i] = buf.Bytes()
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"features":  features,
		"total":     result.Total,
		"page":      result.Page,
		"page_size": result.PageSize,
		"pages":     result.Pages,
	})
}

// handleExport returns the layer as a FlatGeobuf file.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	layerID, ok := s.layerID(w, r)
	if !ok {
		return
	}

	var buf bytes.Buffer
	if err := s.services.Data.Export(r.Context(), callerFrom(r.Context()), layerID, &buf); err != nil {
		s.handleServiceError(w, err)
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="layer-%d.fgb"`, layerID))
	s.writeRaw(w, s.opts.ExportType, buf.Bytes())
}

// handleImportGeoJSON appends a FeatureCollection to the layer.
func (s *Server) handleImportGeoJSON(w http.ResponseWriter, r *http.Request) {
	layerID, ok := s.layerID(w, r)
	if !ok {
		return
	}
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	result, err := s.services.Data.ImportGeoJSON(r.Context(), callerFrom(r.Context()), layerID, body)
	if err != nil {
		s.handleImportError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":           true,
		"features_imported": result.FeaturesImported,
		"total_features":    result.TotalFeatures,
		"skipped":           result.Skipped,
	})
}

// handleClearLayer removes every feature of the layer.
func (s *Server) handleClearLayer(w http.ResponseWriter, r *http.Request) {
	layerID, ok := s.layerID(w, r)
	if !ok {
		return
	}
	removed, err := s.services.Data.ClearLayer(r.Context(), callerFrom(r.Context()), layerID)
	if err != nil {
		s.handleServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":          true,
		"features_removed": removed,
	})
}

// handleCreateFeature adds a single GeoJSON Feature.
func (s *Server) handleCreateFeature(w http.ResponseWriter, r *http.Request) {
	layerID, ok := s.layerID(w, r)
	if !ok {
		return
	}
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	f, err := s.services.Data.CreateFeature(r.Context(), callerFrom(r.Context()), layerID, body)
	if err != nil {
		s.handleServiceError(w, err)
		return
	}
	var buf bytes.Buffer
	if err := application.EncodeFeature(&buf, *f); err != nil {
		s.handleServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(buf.Bytes())
}

// handleDeleteFeature removes one feature by its identifier.
func (s *Server) handleDeleteFeature(w http.ResponseWriter, r *http.Request) {
	layerID, ok := s.layerID(w, r)
	if !ok {
		return
	}
	featureID := mux.Vars(r)["featureId"]
	if err := s.services.Data.DeleteFeature(r.Context(), callerFrom(r.Context()), layerID, featureID); err != nil {
		s.handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleHealth returns detailed health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	details := s.services.Health.GetHealthDetails(r.Context())

	status := http.StatusOK
	if !details.Healthy {
		status = http.StatusServiceUnavailable
	}

	s.writeJSON(w, status, map[string]interface{}{
		"status":     boolToStatus(details.Healthy),
		"ready":      details.Ready,
		"layers":     details.Layers,
		"components": details.Components,
	})
}

// handleLiveness returns liveness status.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if s.services.Health.IsHealthy(r.Context()) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	} else {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
	}
}

// handleReadiness returns readiness status.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.services.Health.IsReady(r.Context()) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	} else {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
	}
}

func (s *Server) layerID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["layerId"], 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, http.StatusBadRequest, "invalid layer id")
		return 0, false
	}
	return id, true
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxUploadSize))
	if err != nil {
		s.handleBodyError(w, err)
		return nil, false
	}
	return body, true
}

// handleBodyError reports a request body that could not be read.
func (s *Server) handleBodyError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		s.writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
		return
	}
	s.writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
}

// handleServiceError maps application errors to HTTP status codes.
func (s *Server) handleServiceError(w http.ResponseWriter, err error) {
	var (
		validationErr *domain.ValidationError
		needed        *domain.CRSNeededError
	)
	switch {
	case errors.As(err, &needed):
		s.writeCRSNeeded(w, needed)
	case errors.Is(err, domain.ErrUnauthorized):
		s.unauthorized(w, err.Error())
	case errors.Is(err, domain.ErrForbidden):
		s.writeError(w, http.StatusForbidden, "not allowed to access this layer")
	case errors.Is(err, domain.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &validationErr):
		s.writeError(w, http.StatusBadRequest, validationErr.Message)
	case errors.Is(err, domain.ErrInvalidInput),
		errors.Is(err, domain.ErrDatasetRead),
		errors.Is(err, domain.ErrExtraction),
		errors.Is(err, domain.ErrMissingPrimaryFile):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrUnsupported):
		s.writeError(w, http.StatusNotImplemented, err.Error())
	case errors.Is(err, domain.ErrUnavailable):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, domain.ErrReprojection), errors.Is(err, domain.ErrStorageBatch):
		// The layer carries the same text; the uploader needs the cause.
		s.logger.Error("import failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// handleImportError reports a storage failure during an import with its
// cause, which is also recorded on the layer.
func (s *Server) handleImportError(w http.ResponseWriter, err error) {
	var storageErr *domain.StorageError
	if errors.As(err, &storageErr) && !errors.Is(err, domain.ErrNotFound) {
		s.logger.Error("import failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.handleServiceError(w, err)
}

// writeCRSNeeded asks the caller to resume the import with a source CRS.
func (s *Server) writeCRSNeeded(w http.ResponseWriter, needed *domain.CRSNeededError) {
	options, err := domain.CommonCRSOptions()
	if err != nil {
		s.logger.Warn("failed to load crs options", "error", err)
	}
	s.writeJSON(w, http.StatusConflict, map[string]interface{}{
		"error":         http.StatusText(http.StatusConflict),
		"message":       needed.Error(),
		"layer_id":      needed.LayerID,
		"upload_status": domain.UploadCRSNeeded,
		"crs_options":   options,
	})
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeRaw(w http.ResponseWriter, contentType string, body []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]interface{}{
		"error":   http.StatusText(status),
		"message": message,
	})
}

func boolToStatus(b bool) string {
	if b {
		return "ok"
	}
	return "unhealthy"
}
