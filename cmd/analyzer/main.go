package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/timmy/teachermon/internal/ai"
	"github.com/timmy/teachermon/internal/config"
	"github.com/timmy/teachermon/internal/logger"
	"github.com/timmy/teachermon/internal/repository"
	"github.com/timmy/teachermon/internal/service"
	"github.com/timmy/teachermon/internal/storage"
)

// analyzer runs one analysis poll tick and/or one retention sweep and
// exits, for cron-driven deployments that do not run the in-process scheduler.
func main() {
	appLogger := logger.New(&logger.Config{
		Level:       "info",
		Format:      "json",
		ServiceName: "teachermon-analyzer",
	})
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	tick := flag.Bool("tick", true, "Run one analysis poll tick")
	sweep := flag.Bool("sweep", false, "Run one frames retention sweep")
	batch := flag.Int("batch", 0, "Override the analysis batch size")
	at := flag.String("now", "", "Sweep as of this RFC3339 time instead of the current time")
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}
	if *batch > 0 {
		cfg.Analysis.BatchSize = *batch
	}
	now := time.Now()
	if *at != "" {
		if now, err = time.Parse(time.RFC3339, *at); err != nil {
			appLogger.WithError(err).Fatal("Invalid -now value")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize database")
	}
	store, err := storage.NewStore(ctx, &cfg.Storage)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize artifact storage")
	}

	jobRepo := repository.NewJobRepository(db)
	quota := service.NewQuotaService(repository.NewQuotaRepository(db), cfg.Analysis.DefaultQuotaBytes, nil)

	if *tick {
		provider, err := ai.New(&cfg.AI)
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to initialize AI provider")
		}
		orchestrator := service.NewOrchestrator(jobRepo, quota, store, provider, nil, appLogger, &service.OrchestratorConfig{
			BatchSize:       cfg.Analysis.BatchSize,
			FramesRetention: cfg.Analysis.FramesRetention,
		})
		stats, err := orchestrator.RunPendingAnalysis(ctx)
		if err != nil {
			appLogger.WithError(err).Fatal("Analysis tick failed")
		}
		appLogger.WithFields(logger.Fields{
			"picked":    stats.Picked,
			"done":      stats.Done,
			"failed":    stats.Failed,
			"discarded": stats.Discarded,
			"duration":  stats.EndTime.Sub(stats.StartTime).String(),
		}).Info("Analysis tick finished")
	}

	if *sweep {
		stats, err := service.NewReaper(jobRepo, quota, store, nil, appLogger).CleanupExpiredFrames(ctx, now)
		if err != nil {
			appLogger.WithError(err).Fatal("Retention sweep failed")
		}
		appLogger.WithFields(logger.Fields{
			"expired":  stats.Expired,
			"purged":   stats.Purged,
			"failed":   stats.Failed,
			"released": humanize.IBytes(uint64(stats.ReleasedBytes)),
		}).Info("Retention sweep finished")
	}
}
