// Package http provides the HTTP server and handlers.
package http //nolint:revive // package name conflicts with stdlib but is acceptable in this context

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/jobrunner/geoingest/internal/application"
	"github.com/jobrunner/geoingest/internal/config"
	"github.com/jobrunner/geoingest/internal/ports/input"
)

// Purger runs an on-demand purge of expired staged uploads.
type Purger interface {
	TriggerPurge(ctx context.Context) (application.PurgeResult, error)
}

// Services groups the driving ports served over HTTP. Purger is optional.
type Services struct {
	Uploads input.UploadService
	Data    input.LayerDataService
	Health  input.HealthChecker
	Purger  Purger
}

// Options configures optional parts of the router.
type Options struct {
	Tokens         map[string]string  // Bearer token to user name
	MetricsPath    string             // Empty disables the metrics route
	MetricsHandler http.Handler       // Serves MetricsPath
	Instrument     mux.MiddlewareFunc // Request metrics, may be nil
	ExportType     string             // Content type of layer exports
}

// Server wraps the HTTP server with application handlers.
type Server struct {
	server   *http.Server
	router   *mux.Router
	services Services
	opts     Options
	logger   *slog.Logger
	config   config.ServerConfig
}

// NewServer creates a new HTTP server.
func NewServer(cfg config.ServerConfig, services Services, opts Options, logger *slog.Logger) *Server {
	if opts.ExportType == "" {
		opts.ExportType = "application/octet-stream"
	}
	s := &Server{
		services: services,
		opts:     opts,
		logger:   logger.With("component", "http"),
		config:   cfg,
	}

	s.router = s.setupRoutes()

	s.server = &http.Server{
		Addr:              cfg.Address(),
		Handler:           s.router,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() *mux.Router {
	r := mux.NewRouter()

	// Add middleware
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	if s.opts.Instrument != nil {
		r.Use(s.opts.Instrument)
	}

	// Add CORS middleware if configured
	if s.config.CORS.Enabled() {
		r.Use(s.corsMiddleware)
	}

	// Health endpoints
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/health/live", s.handleLiveness).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", s.handleReadiness).Methods(http.MethodGet)

	if s.opts.MetricsPath != "" && s.opts.MetricsHandler != nil {
		r.Handle(s.opts.MetricsPath, s.opts.MetricsHandler).Methods(http.MethodGet)
	}

	// API v1
	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)

	// Two-step file import
	api.HandleFunc("/uploads", s.handleUpload).Methods(http.MethodPost)
	api.HandleFunc("/uploads/complete", s.handleCompleteUpload).Methods(http.MethodPost)
	if s.services.Purger != nil {
		api.HandleFunc("/uploads/purge", s.handlePurge).Methods(http.MethodPost)
	}

	// Layer data
	layer := api.PathPrefix("/layers/{layerId:[0-9]+}").Subrouter()
	layer.HandleFunc("", s.handleGetLayer).Methods(http.MethodGet)
	layer.HandleFunc("/chunk", s.handleChunk).Methods(http.MethodGet)
	layer.HandleFunc("/geojson", s.handleCollection).Methods(http.MethodGet)
	layer.HandleFunc("/data", s.handlePage).Methods(http.MethodGet)
	layer.HandleFunc("/export.fgb", s.handleExport).Methods(http.MethodGet)
	layer.HandleFunc("/import", s.handleImportGeoJSON).Methods(http.MethodPost)
	layer.HandleFunc("/features", s.handleClearLayer).Methods(http.MethodDelete)
	layer.HandleFunc("/features", s.handleCreateFeature).Methods(http.MethodPost)
	layer.HandleFunc("/features/{featureId}", s.handleDeleteFeature).Methods(http.MethodDelete)

	return r
}

// Router returns the mux router.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "address", s.config.Address())
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs incoming requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration", time.Since(start),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// recoveryMiddleware recovers from panics.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("panic recovered", "error", err, "path", r.URL.Path)
				s.writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
