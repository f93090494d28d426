// cmd/worker/main.go
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/tastebase/media-pipeline/internal/bus"
	"github.com/tastebase/media-pipeline/internal/config"
	"github.com/tastebase/media-pipeline/internal/media"
	"github.com/tastebase/media-pipeline/internal/probe"
	"github.com/tastebase/media-pipeline/internal/storage"
	"github.com/tastebase/media-pipeline/internal/thumb"
	"github.com/tastebase/media-pipeline/internal/worker"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		fatal(logger, "load config", err)
	}
	logger.Info("worker starting",
		"nats_url", cfg.NATS.URL,
		"process_subject", cfg.NATS.ProcessSubject,
		"cleanup_subject", cfg.NATS.CleanupSubject,
		"queue", cfg.NATS.WorkerQueue,
		"bucket", cfg.S3.Bucket)

	db, err := gorm.Open(postgres.Open(cfg.Database.DSN), &gorm.Config{})
	if err != nil {
		fatal(logger, "open database", err)
	}
	store := media.NewStore(db)
	if cfg.Database.AutoMigrate {
		if err := store.AutoMigrate(); err != nil {
			fatal(logger, "migrate database", err)
		}
	}
	logger.Info("database ready")

	ctx := context.Background()
	objects, err := storage.New(ctx, cfg.S3, cfg.Media.PresignExpiry)
	if err != nil {
		fatal(logger, "build storage client", err)
	}
	logger.Info("storage client ready", "bucket", cfg.S3.Bucket, "endpoint", cfg.S3.Endpoint)

	nc, err := bus.Connect(cfg.NATS.URL)
	if err != nil {
		fatal(logger, "connect to NATS", err, "nats_url", cfg.NATS.URL)
	}
	defer nc.Close()
	logger.Info("connected to NATS", "nats_url", cfg.NATS.URL)

	dispatcher := bus.NewDispatcher(nc, cfg.NATS, logger)

	prober := probe.New(objects,
		probe.WithDownloadTimeout(cfg.Media.DownloadTimeout),
		probe.WithProbeTimeout(cfg.Media.ProbeTimeout),
	)
	thumbs := thumb.NewGenerator(objects,
		thumb.WithQuality(cfg.Media.JPEGQuality),
		thumb.WithDownloadTimeout(cfg.Media.DownloadTimeout),
		thumb.WithExtractTimeout(cfg.Media.ExtractTimeout),
	)

	w := worker.New(store, objects, prober, thumbs, dispatcher, cfg.Media, logger)

	if _, err := dispatcher.SubscribeProcess(w.Process); err != nil {
		fatal(logger, "subscribe process jobs", err, "subject", cfg.NATS.ProcessSubject)
	}
	if _, err := dispatcher.SubscribeCleanup(w.Cleanup); err != nil {
		fatal(logger, "subscribe cleanup jobs", err, "subject", cfg.NATS.CleanupSubject)
	}
	logger.Info("listening for jobs",
		"process_subject", cfg.NATS.ProcessSubject,
		"cleanup_subject", cfg.NATS.CleanupSubject,
		"queue", cfg.NATS.WorkerQueue)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")
}

func fatal(logger *slog.Logger, msg string, err error, attrs ...any) {
	attrs = append(attrs, "err", err)
	logger.Error(msg, attrs...)
	os.Exit(1)
}
