// cmd/sweeper/main.go
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/tastebase/media-pipeline/internal/bus"
	"github.com/tastebase/media-pipeline/internal/config"
	"github.com/tastebase/media-pipeline/internal/media"
	"github.com/tastebase/media-pipeline/internal/storage"
	"github.com/tastebase/media-pipeline/internal/sweep"
)

func main() {
	once := flag.Bool("once", false, "run all sweeps once and exit")
	flag.Parse()

	_ = godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		fatal(logger, "load config", err)
	}
	logger.Info("sweeper starting",
		"interval", cfg.Sweep.Interval,
		"orphan_age", cfg.Sweep.OrphanAge,
		"failed_age", cfg.Sweep.FailedAge,
		"stuck_age", cfg.Sweep.StuckAge,
		"draft_age", cfg.Sweep.DraftAge)

	db, err := gorm.Open(postgres.Open(cfg.Database.DSN), &gorm.Config{})
	if err != nil {
		fatal(logger, "open database", err)
	}
	store := media.NewStore(db)

	ctx := context.Background()
	objects, err := storage.New(ctx, cfg.S3, cfg.Media.PresignExpiry)
	if err != nil {
		fatal(logger, "build storage client", err)
	}

	nc, err := bus.Connect(cfg.NATS.URL)
	if err != nil {
		fatal(logger, "connect to NATS", err, "nats_url", cfg.NATS.URL)
	}
	defer nc.Close()

	dispatcher := bus.NewDispatcher(nc, cfg.NATS, logger)
	sweeper := sweep.New(store, objects, dispatcher, cfg.Sweep, logger)

	if *once {
		if err := sweeper.RunAll(ctx); err != nil {
			fatal(logger, "run sweeps", err)
		}
		return
	}

	ticker := time.NewTicker(cfg.Sweep.Interval)
	defer ticker.Stop()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-ticker.C:
			if err := sweeper.RunAll(ctx); err != nil {
				logger.Error("sweep run finished with errors", "err", err)
			}
		case <-sig:
			logger.Info("shutting down")
			return
		}
	}
}

func fatal(logger *slog.Logger, msg string, err error, attrs ...any) {
	attrs = append(attrs, "err", err)
	logger.Error(msg, attrs...)
	os.Exit(1)
}
