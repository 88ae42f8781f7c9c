package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/timmy/teachermon/internal/ai"
	"github.com/timmy/teachermon/internal/api"
	"github.com/timmy/teachermon/internal/config"
	"github.com/timmy/teachermon/internal/logger"
	"github.com/timmy/teachermon/internal/metrics"
	"github.com/timmy/teachermon/internal/queue"
	"github.com/timmy/teachermon/internal/repository"
	"github.com/timmy/teachermon/internal/service"
	"github.com/timmy/teachermon/internal/source/gdrive"
	"github.com/timmy/teachermon/internal/storage"
)

func main() {
	// Support CONFIG_PATH environment variable for production deployments
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	appLogger := logger.New(&logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		ServiceName: "teachermon-api",
		File:        cfg.Log.File,
		FileOnly:    cfg.Log.FileOnly,
		MaxSizeMB:   cfg.Log.MaxSizeMB,
		MaxBackups:  cfg.Log.MaxBackups,
		MaxAgeDays:  cfg.Log.MaxAgeDays,
		Compress:    cfg.Log.Compress,
	})
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize database")
	}
	sqlDB, err := db.DB()
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to get database handle")
	}
	defer sqlDB.Close()

	store, err := storage.NewStore(ctx, &cfg.Storage)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize artifact storage")
	}

	provider, err := ai.New(&cfg.AI)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize AI provider")
	}
	if cfg.AI.APIKey == "" {
		appLogger.Warn("No AI API key configured, analysis jobs will fail with PROVIDER_DISABLED")
	}

	// The queue is advisory; the analysis poll works without it.
	notifier, err := queue.New(ctx, &cfg.Queue)
	if err != nil {
		appLogger.WithError(err).WithField("driver", cfg.Queue.Driver).Warn("Queue unavailable, continuing without it")
		notifier = queue.NoopNotifier{}
	}
	defer notifier.Close()

	m := metrics.New()
	jobRepo := repository.NewJobRepository(db)
	quota := service.NewQuotaService(repository.NewQuotaRepository(db), cfg.Analysis.DefaultQuotaBytes, m)

	jobService := service.NewJobService(
		jobRepo,
		quota,
		store,
		gdrive.NewDownloader(&gdrive.Config{
			BaseURL:      cfg.Ingest.DriveBaseURL,
			Timeout:      cfg.Ingest.DriveTimeout,
			MaxRedirects: cfg.Ingest.DriveMaxRedirects,
		}),
		notifier,
		m,
		appLogger,
		&service.JobConfig{
			MaxUploadBytes: cfg.Ingest.MaxUploadBytes,
			MaxImageBytes:  cfg.Ingest.MaxImageBytes,
			MaxImages:      cfg.Ingest.MaxImages,
			ListLimit:      cfg.Analysis.ListLimit,
		},
	)
	orchestrator := service.NewOrchestrator(jobRepo, quota, store, provider, m, appLogger, &service.OrchestratorConfig{
		BatchSize:       cfg.Analysis.BatchSize,
		FramesRetention: cfg.Analysis.FramesRetention,
	})
	reaper := service.NewReaper(jobRepo, quota, store, m, appLogger)
	scheduler := service.NewScheduler(orchestrator, reaper, cfg.Analysis.PollInterval, cfg.Analysis.RetentionHour, appLogger)

	router := api.SetupRouter(cfg, api.RouterDeps{
		Jobs:    jobService,
		Metrics: m,
		Logger:  appLogger,
		DBPing:  sqlDB.PingContext,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := scheduler.Start(ctx); err != nil {
		appLogger.WithError(err).Fatal("Failed to start scheduler")
	}

	go func() {
		appLogger.WithFields(logger.Fields{
			"port":     cfg.Server.Port,
			"mode":     cfg.Server.Mode,
			"provider": cfg.AI.Provider,
			"model":    provider.Model(),
			"queue":    notifier.Name(),
			"storage":  cfg.Storage.Backend,
		}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.WithError(err).Fatal("Failed to start server")
		}
	}()

	<-ctx.Done()
	appLogger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Error("Server forced to shutdown")
	}
	if err := scheduler.Stop(); err != nil {
		appLogger.WithError(err).Error("Failed to stop scheduler")
	}

	appLogger.Info("Server exited")
}
