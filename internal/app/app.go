// Package app provides application initialization and wiring.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/jobrunner/geoingest/internal/adapters/archive"
	"github.com/jobrunner/geoingest/internal/adapters/audit"
	"github.com/jobrunner/geoingest/internal/adapters/cache"
	"github.com/jobrunner/geoingest/internal/adapters/dataset"
	"github.com/jobrunner/geoingest/internal/adapters/export"
	"github.com/jobrunner/geoingest/internal/adapters/featuredb"
	httpAdapter "github.com/jobrunner/geoingest/internal/adapters/http"
	"github.com/jobrunner/geoingest/internal/adapters/metrics"
	"github.com/jobrunner/geoingest/internal/adapters/storage"
	tlsAdapter "github.com/jobrunner/geoingest/internal/adapters/tls"
	"github.com/jobrunner/geoingest/internal/adapters/transform"
	"github.com/jobrunner/geoingest/internal/adapters/watcher"
	"github.com/jobrunner/geoingest/internal/application"
	"github.com/jobrunner/geoingest/internal/config"
	"github.com/jobrunner/geoingest/internal/ports/output"
)

// App holds all application components.
type App struct {
	Config        *config.Config
	Logger        *slog.Logger
	Store         *featuredb.Store
	Uploads       output.UploadStore
	Reprojector   *transform.Reprojector
	Metrics       *metrics.Collector
	UploadService *application.UploadService
	DataService   *application.LayerDataService
	HealthService *application.HealthService
	Janitor       *application.Janitor
	Inbox         *application.Inbox
	Watcher       *watcher.Watcher
	HTTPServer    *httpAdapter.Server
	TLSServer     *tlsAdapter.Server

	closers []io.Closer
}

// New creates and initializes a new application. Components opened before
// a failure are closed again.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, err error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}
	defer func() {
		if err != nil {
			app.closeAll()
		}
	}()

	// Initialize metrics
	var (
		metricsCollector output.MetricsCollector = &output.NoOpMetrics{}
		gatherer         prometheus.Gatherer
	)
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		app.Metrics = metrics.NewCollector("geoingest", reg)
		metricsCollector = app.Metrics
		gatherer = reg
	}

	// Initialize upload storage
	uploads, err := initStorage(ctx, cfg.Uploads)
	if err != nil {
		return nil, fmt.Errorf("initializing upload storage: %w", err)
	}
	app.Uploads = storage.NewInstrumented(uploads, metricsCollector)

	// Feature database, also the layer registry
	if cfg.Database.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o750); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	app.Store, err = featuredb.Open(ctx, cfg.Database.Path, logger.With("component", "featuredb"))
	if err != nil {
		return nil, fmt.Errorf("opening feature database: %w", err)
	}
	app.closers = append(app.closers, app.Store)

	app.Reprojector = transform.NewReprojector(ctx, cfg.Import.SpatialiteExtension, logger.With("component", "reprojector"))
	app.closers = append(app.closers, app.Reprojector)

	auditSink, err := initAudit(cfg.Audit, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing audit sink: %w", err)
	}
	if c, ok := auditSink.(io.Closer); ok {
		app.closers = append(app.closers, c)
	}

	chunkCache, err := initCache(ctx, cfg.Cache, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing chunk cache: %w", err)
	}
	if c, ok := chunkCache.(io.Closer); ok {
		app.closers = append(app.closers, c)
	}

	importer := application.NewBatchImporter(app.Store, app.Store, metricsCollector, cfg.Import.BatchSize, logger)

	app.UploadService = application.NewUploadService(
		app.Uploads,
		dataset.NewOpener(logger.With("component", "dataset")),
		archive.NewExtractor(cfg.Import.ScratchDir, logger.With("component", "archive")),
		app.Reprojector,
		app.Store,
		importer,
		auditSink,
		metricsCollector,
		application.UploadServiceConfig{
			ScratchDir:       cfg.Import.ScratchDir,
			DefaultTargetCRS: cfg.Import.DefaultTargetCRS,
		},
		logger,
	)

	exporter := export.NewFlatGeobuf(logger)
	app.DataService = application.NewLayerDataService(
		app.Store,
		app.Store,
		importer,
		application.LayerDataDeps{
			Gate:     application.DefaultGate{},
			Cache:    chunkCache,
			Exporter: exporter,
			Audit:    auditSink,
			Metrics:  metricsCollector,
		},
		logger,
	)

	app.HealthService = application.NewHealthService(app.Store, app.Uploads, app.Store, metricsCollector)

	var purger httpAdapter.Purger
	if cfg.Janitor.Enabled {
		app.Janitor = application.NewJanitor(app.Uploads, cfg.Uploads.TTL, cfg.Janitor.Interval, logger.With("component", "janitor"))
		purger = app.Janitor
	}

	// Drop folder
	if cfg.Inbox.Enabled {
		if err := app.initInbox(cfg.Inbox); err != nil {
			logger.Warn("failed to initialize inbox watcher", "path", cfg.Inbox.Path, "error", err)
		}
	}

	// Initialize HTTP server
	opts := httpAdapter.Options{
		Tokens:     cfg.Auth.Tokens,
		ExportType: exporter.ContentType(),
	}
	if app.Metrics != nil {
		opts.MetricsPath = cfg.Metrics.Path
		opts.MetricsHandler = metrics.Handler(gatherer)
		opts.Instrument = app.Metrics.Middleware
	}
	app.HTTPServer = httpAdapter.NewServer(
		cfg.Server,
		httpAdapter.Services{
			Uploads: app.UploadService,
			Data:    app.DataService,
			Health:  app.HealthService,
			Purger:  purger,
		},
		opts,
		logger,
	)

	// Initialize TLS server if enabled
	if cfg.TLS.Enabled {
		tlsServer, err := tlsAdapter.NewServer(
			tlsAdapter.Config{
				Enabled:  cfg.TLS.Enabled,
				Domains:  cfg.TLS.Domains,
				Email:    cfg.TLS.Email,
				CacheDir: cfg.TLS.CacheDir,
				Staging:  cfg.TLS.Staging,
				DNS: tlsAdapter.DNSConfig{
					SubscriptionID:    cfg.TLS.DNS.SubscriptionID,
					ResourceGroupName: cfg.TLS.DNS.ResourceGroupName,
					ClientID:          cfg.TLS.DNS.ClientID,
				},
			},
			app.HTTPServer.Router(),
			logger,
		)
		if err != nil {
			return nil, fmt.Errorf("initializing TLS: %w", err)
		}
		app.TLSServer = tlsServer
	}

	return app, nil
}

func (a *App) initInbox(cfg config.InboxConfig) error {
	if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
		return err
	}
	a.Inbox = application.NewInbox(a.UploadService, a.Logger.With("component", "inbox"))

	w, err := watcher.New(
		watcher.Config{
			Paths:    []string{cfg.Path},
			Debounce: cfg.Debounce,
			Accept:   application.Accepts,
		},
		a.handleFileEvent,
		a.Logger,
	)
	if err != nil {
		return err
	}
	a.Watcher = w
	return nil
}

// Start starts all application components and serves until the server
// stops.
func (a *App) Start(ctx context.Context) error {
	if a.Janitor != nil {
		a.Janitor.Start(ctx)
	}

	// Start file watcher
	if a.Watcher != nil {
		if err := a.Watcher.Start(ctx); err != nil {
			a.Logger.Warn("failed to start inbox watcher", "error", err)
		}
	}

	// Start server
	var err error
	if a.TLSServer != nil {
		if err = a.TLSServer.ManageCertificates(ctx); err != nil {
			return err
		}
		err = a.TLSServer.ListenAndServe(a.Config.Server.Address())
	} else {
		err = a.HTTPServer.Start()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down all components.
func (a *App) Shutdown(ctx context.Context) error {
	a.Logger.Info("shutting down application")

	// Stop watcher
	if a.Watcher != nil {
		_ = a.Watcher.Stop()
	}
	if a.Janitor != nil {
		a.Janitor.Stop()
	}

	var err error
	if a.TLSServer != nil {
		err = a.TLSServer.Shutdown(ctx)
	} else {
		err = a.HTTPServer.Shutdown(ctx)
	}
	if err != nil {
		a.Logger.Error("HTTP server shutdown error", "error", err)
	}

	a.closeAll()
	return err
}

// Close releases the database, the reprojector and the backend clients
// without touching servers. Used by one-shot commands.
func (a *App) Close() {
	a.closeAll()
}

// closeAll releases resources in reverse order of acquisition.
func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.Logger.Error("failed to close component", "error", err)
		}
	}
	a.closers = nil
}

// handleFileEvent stages files dropped into the inbox.
func (a *App) handleFileEvent(ctx context.Context, event watcher.Event) error {
	a.Logger.Debug("inbox event", "path", event.Path, "operation", event.Operation.String())

	switch event.Operation {
	case watcher.OpCreate, watcher.OpModify:
		return a.Inbox.Ingest(ctx, event.Path)
	}
	return nil
}

// initStorage initializes the upload storage backend.
func initStorage(ctx context.Context, cfg config.UploadsConfig) (output.UploadStore, error) {
	switch cfg.Type {
	case "local":
		if err := os.MkdirAll(cfg.LocalPath, 0o750); err != nil {
			return nil, err
		}
		return storage.NewLocalStorage(cfg.LocalPath), nil

	case "s3":
		return storage.NewS3Storage(ctx, storage.S3Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Prefix:          cfg.S3.Prefix,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
		})

	case "azure":
		return storage.NewAzureStorage(storage.AzureConfig{
			Container:        cfg.Azure.Container,
			AccountName:      cfg.Azure.AccountName,
			AccountKey:       cfg.Azure.AccountKey,
			ConnectionString: cfg.Azure.ConnectionString,
			Prefix:           cfg.Azure.Prefix,
		})

	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}

// initAudit selects the audit sink.
func initAudit(cfg config.AuditConfig, logger *slog.Logger) (output.AuditSink, error) {
	switch cfg.Sink {
	case "log":
		return audit.NewLogSink(logger), nil
	case "kafka":
		return audit.NewKafkaSink(audit.KafkaConfig{
			Brokers:   cfg.Kafka.Brokers,
			Topic:     cfg.Kafka.Topic,
			QueueSize: cfg.Kafka.QueueSize,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown audit sink: %s", cfg.Sink)
	}
}

// initCache selects the chunk cache.
func initCache(ctx context.Context, cfg config.CacheConfig, logger *slog.Logger) (output.ChunkCache, error) {
	switch cfg.Type {
	case "none":
		return output.NoOpCache{}, nil
	case "memory":
		return cache.NewMemory(cfg.MemoryEntries)
	case "redis":
		return cache.NewRedis(ctx, cache.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.TTL,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown cache type: %s", cfg.Type)
	}
}
