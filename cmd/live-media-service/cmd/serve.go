package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/glebarez/sqlite"
	"github.com/spf13/cobra"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/streamforge/live-media-service/internal/config"
	"github.com/streamforge/live-media-service/internal/database/migrations"
	"github.com/streamforge/live-media-service/internal/ffmpeg"
	internalhttp "github.com/streamforge/live-media-service/internal/http"
	"github.com/streamforge/live-media-service/internal/http/handlers"
	"github.com/streamforge/live-media-service/internal/pipeline"
	"github.com/streamforge/live-media-service/internal/repository"
	"github.com/streamforge/live-media-service/internal/scheduler"
	"github.com/streamforge/live-media-service/internal/service/logs"
	"github.com/streamforge/live-media-service/internal/startup"
	"github.com/streamforge/live-media-service/internal/storage"
	"github.com/streamforge/live-media-service/internal/version"
	"github.com/streamforge/live-media-service/pkg/httpclient"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the live-media-service control API and pipeline runtime",
	Long: `Start the control API that starts, stops, and reports on per-stream
pipeline sessions, plus the background retention sweep that cleans up
storage left behind by sessions that never shut down cleanly.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "", "Host to bind to (overrides config)")
	serveCmd.Flags().Int("port", 0, "Port to listen on (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	logsService := logs.New()
	wrappedHandler := logsService.WrapHandler(slog.Default().Handler())
	slog.SetDefault(slog.New(wrappedHandler))
	logger := slog.Default()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.Server.Host = host
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.Server.Port = port
	}

	if cfg.FFmpeg.BinaryPath != "" {
		os.Setenv("LMS_FFMPEG_BINARY", cfg.FFmpeg.BinaryPath)
	}
	ffmpegDetector := ffmpeg.NewBinaryDetector()
	ffmpegInfo, err := ffmpegDetector.Detect(context.Background())
	if err != nil {
		logger.Warn("ffmpeg binary not detected at startup; pipeline starts will fail until it is available",
			slog.String("error", err.Error()))
	}
	ffmpegPath := ""
	if ffmpegInfo != nil {
		ffmpegPath = ffmpegInfo.FFmpegPath
	}

	orphansRemoved, err := startup.CleanupSystemTempDirs(logger)
	if err != nil {
		logger.Warn("failed to clean orphaned temp directories", slog.String("error", err.Error()))
	} else if orphansRemoved > 0 {
		logger.Info("cleaned orphaned temp directories on startup", slog.Int("removed_count", orphansRemoved))
	}

	db, err := initDatabase(cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}

	if err := runMigrations(db, logger); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	runRepo := repository.NewPipelineRunRepository(db)
	batchRepo := repository.NewBatchRecordRepository(db)
	recorder := repository.NewDBRecorder(runRepo, batchRepo, logger)

	recovered, err := startup.RecoverIncompleteRuns(context.Background(), logger, runRepo)
	if err != nil {
		logger.Warn("failed to recover incomplete pipeline runs", slog.String("error", err.Error()))
	} else if recovered > 0 {
		logger.Info("closed incomplete pipeline runs from a previous process", slog.Int("count", recovered))
	}

	store, err := storage.NewService(cfg.Storage.BaseDir)
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}

	retentionScheduler, err := scheduler.New(cfg.Retention.SweepCron, store, cfg.Retention.OrphanMaxAge.Duration(), logger)
	if err != nil {
		return fmt.Errorf("initializing retention scheduler: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := retentionScheduler.Start(ctx); err != nil {
		return fmt.Errorf("starting retention scheduler: %w", err)
	}
	defer retentionScheduler.Stop()

	manager := pipeline.NewManager(store, recorder, logger)
	defer manager.StopAll()

	serverConfig := internalhttp.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		CORSOrigins:     cfg.Server.CORSOrigins,
	}
	server := internalhttp.NewServer(serverConfig, logger, version.Version)

	docsHandler := handlers.NewDocsHandler("live-media-service API", "/openapi.yaml", handlers.WithSystemTheme())
	server.Router().Get("/docs", docsHandler.ServeHTTP)

	handlers.NewHealthHandler(version.Version).
		WithDB(db).
		WithCircuitBreakerManager(httpclient.DefaultManager).
		Register(server.API())

	handlers.NewSystemHandler(version.Version, ffmpegDetector).Register(server.API())

	handlers.NewPipelineHandler(manager, runRepo, cfg.Pipeline, ffmpegPath).Register(server.API())
	handlers.NewStorageHandler(store).Register(server.API())

	handlers.NewCircuitBreakerHandler(httpclient.DefaultManager).Register(server.API())

	logsHandler := handlers.NewLogsHandler(logsService)
	logsHandler.Register(server.API())
	logsHandler.RegisterSSE(server.Router())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	logger.Info("starting live-media-service",
		slog.String("host", serverConfig.Host),
		slog.Int("port", serverConfig.Port),
		slog.String("version", version.Version),
	)

	return server.ListenAndServe(ctx)
}

func initDatabase(cfg config.DatabaseConfig, logger *slog.Logger) (*gorm.DB, error) {
	gormCfg := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormLogLevel(cfg.LogLevel)),
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	default:
		dialector = sqlite.Open(cfg.DSN)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	return db, nil
}

func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "silent":
		return gormlogger.Silent
	case "error":
		return gormlogger.Error
	case "warn":
		return gormlogger.Warn
	case "info":
		return gormlogger.Info
	default:
		return gormlogger.Warn
	}
}

func runMigrations(db *gorm.DB, logger *slog.Logger) error {
	migrator := migrations.NewMigrator(db, logger)
	migrator.RegisterAll(migrations.AllMigrations())
	return migrator.Up(context.Background())
}
