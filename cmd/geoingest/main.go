// Package main provides the entry point for the geoingest service.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jobrunner/geoingest/internal/app"
	"github.com/jobrunner/geoingest/internal/application"
	"github.com/jobrunner/geoingest/internal/config"
	"github.com/jobrunner/geoingest/internal/domain"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

var (
	cfgFile string
	v       = viper.New()
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "geoingest",
	Short: "geoingest - vector layer ingestion service",
	Long: `geoingest imports vector datasets into a spatial feature database.

Uploaded files (zipped shapefiles, KML and spatial SQLite databases) are
staged, inspected for their coordinate reference system and imported
into layers in a target CRS. Layers are served back as GeoJSON chunks,
pages and FlatGeobuf exports.

Features:
  - Staged uploads on local disk, AWS S3 or Azure Blob Storage
  - CRS detection and reprojection
  - Batched, all-or-nothing imports
  - Drop folder ingestion
  - TLS with automatic certificate management
  - Prometheus metrics`,
	RunE: runServer,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("geoingest %s\n", version)
		fmt.Printf("  Commit:     %s\n", commit)
		fmt.Printf("  Build Date: %s\n", buildDate)
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <file>",
	Short: "Report file type and CRS of a local dataset",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspect,
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Stage and import a local dataset into a new layer",
	Args:  cobra.ExactArgs(1),
	RunE:  runImport,
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (json, text)")
	rootCmd.PersistentFlags().String("database", "", "feature database path")

	// Server flags
	rootCmd.Flags().String("host", "0.0.0.0", "server host")
	rootCmd.Flags().Int("port", 8080, "server port")
	rootCmd.Flags().Bool("tls", false, "enable TLS")
	rootCmd.Flags().StringSlice("tls-domains", nil, "TLS domains")
	rootCmd.Flags().String("tls-email", "", "TLS email for Let's Encrypt")

	// Upload storage flags
	rootCmd.Flags().String("uploads-type", "local", "upload storage type (local, s3, azure)")
	rootCmd.Flags().String("uploads-path", "./data/uploads", "local upload storage path")

	// Drop folder flags
	rootCmd.Flags().Bool("inbox", false, "watch the inbox directory for new files")
	rootCmd.Flags().String("inbox-path", "./data/inbox", "inbox directory")

	// CORS flags
	rootCmd.Flags().StringSlice("cors", nil, "allowed CORS origins (e.g., https://example.com,*.sub.domain.tld)")

	// Import flags
	importCmd.Flags().Int64("group", 0, "layer group id")
	importCmd.Flags().String("layer", "", "layer name (default: file name)")
	importCmd.Flags().Int64("layer-id", 0, "resume a layer waiting for its source CRS")
	importCmd.Flags().Int64("layer-type", 0, "layer type id")
	importCmd.Flags().String("source-crs", "", "source CRS when the dataset declares none")
	importCmd.Flags().String("target-crs", "", "target CRS (default from config)")
	importCmd.Flags().String("description", "", "layer description")
	importCmd.Flags().Bool("public", false, "make the layer readable without authentication")
	importCmd.Flags().Bool("hidden", false, "create the layer as not visible")
	importCmd.Flags().String("user", "cli", "user recorded in the audit log")
	_ = importCmd.MarkFlagRequired("group")

	// Bind flags to viper
	_ = v.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = v.BindPFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format"))
	_ = v.BindPFlag("database.path", rootCmd.PersistentFlags().Lookup("database"))
	_ = v.BindPFlag("server.host", rootCmd.Flags().Lookup("host"))
	_ = v.BindPFlag("server.port", rootCmd.Flags().Lookup("port"))
	_ = v.BindPFlag("tls.enabled", rootCmd.Flags().Lookup("tls"))
	_ = v.BindPFlag("tls.domains", rootCmd.Flags().Lookup("tls-domains"))
	_ = v.BindPFlag("tls.email", rootCmd.Flags().Lookup("tls-email"))
	_ = v.BindPFlag("uploads.type", rootCmd.Flags().Lookup("uploads-type"))
	_ = v.BindPFlag("uploads.local_path", rootCmd.Flags().Lookup("uploads-path"))
	_ = v.BindPFlag("inbox.enabled", rootCmd.Flags().Lookup("inbox"))
	_ = v.BindPFlag("inbox.path", rootCmd.Flags().Lookup("inbox-path"))
	_ = v.BindPFlag("server.cors.allowed_origins", rootCmd.Flags().Lookup("cors"))

	rootCmd.AddCommand(versionCmd, inspectCmd, importCmd)
}

func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadWith(v, cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func runServer(_ *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	logger.Info("starting geoingest",
		"version", version,
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"uploads_type", cfg.Uploads.Type,
		"database", cfg.Database.Path,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Initialize application
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}

	// Start server in background
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "address", cfg.Server.Address())
		if err := a.Start(ctx); err != nil {
			serverErr <- err
		}
	}()

	// Wait for shutdown signal or server error
	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-serverErr:
		logger.Error("server error", "error", err)
		cancel()
	case <-ctx.Done():
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	logger.Info("shutting down server")
	if err := a.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		return err
	}

	logger.Info("server stopped")
	return nil
}

type inspectOutput struct {
	FileName    string  `json:"file_name"`
	FileType    string  `json:"file_type"`
	FileSize    int64   `json:"file_size"`
	HasCRS      bool    `json:"has_crs"`
	CRSDetected *string `json:"crs_detected"`
	CRSName     *string `json:"crs_name"`
}

func runInspect(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.New(cmd.Context(), cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer a.Close()

	report, err := a.UploadService.Inspect(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	out := inspectOutput{
		FileName:    report.Upload.FileName,
		FileType:    string(report.Upload.FileType),
		FileSize:    report.Upload.Size,
		HasCRS:      report.CRS.HasCRS,
		CRSDetected: report.CRS.Code,
	}
	if report.CRS.Name != "" {
		out.CRSName = &report.CRS.Name
	}
	return printJSON(cmd, out)
}

func runImport(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer a.Close()

	flags := cmd.Flags()
	user, _ := flags.GetString("user")
	caller := domain.Caller{User: user, Authenticated: true}

	if !application.Accepts(args[0]) {
		return fmt.Errorf("%s: unsupported file; shapefiles are imported as zip archives", args[0])
	}
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	report, err := a.UploadService.Upload(ctx, caller, filepath.Base(args[0]), f)
	f.Close()
	if err != nil {
		return fmt.Errorf("staging %s: %w", args[0], err)
	}

	req := domain.ImportRequest{
		FileID:    report.Upload.FileID,
		FileName:  report.Upload.FileName,
		FileType:  report.Upload.FileType,
		IsVisible: true,
	}
	req.LayerID, _ = flags.GetInt64("layer-id")
	req.GroupID, _ = flags.GetInt64("group")
	req.LayerName, _ = flags.GetString("layer")
	req.SourceCRS, _ = flags.GetString("source-crs")
	req.TargetCRS, _ = flags.GetString("target-crs")
	req.Description, _ = flags.GetString("description")
	req.IsPublic, _ = flags.GetBool("public")
	if hidden, _ := flags.GetBool("hidden"); hidden {
		req.IsVisible = false
	}
	if layerType, _ := flags.GetInt64("layer-type"); layerType > 0 {
		req.LayerTypeID = &layerType
	}
	if req.LayerName == "" {
		base := filepath.Base(args[0])
		req.LayerName = base[:len(base)-len(filepath.Ext(base))]
	}

	result, err := a.UploadService.CompleteImport(ctx, caller, req)
	var needed *domain.CRSNeededError
	if errors.As(err, &needed) {
		return fmt.Errorf("%w; rerun with --layer-id %d --source-crs <code>", err, needed.LayerID)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Successfully imported %d features into layer %d (%s)",
		result.FeatureCount, result.LayerID, result.LayerName)
	if result.Skipped > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), ", %d skipped", result.Skipped)
	}
	fmt.Fprintln(cmd.OutOrStdout())
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(time.Now().UTC().Format(time.RFC3339))
			}
			return a
		},
	}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}
