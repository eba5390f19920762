package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/llmbench/llmbench/internal/api"
	"github.com/llmbench/llmbench/internal/config"
	"github.com/llmbench/llmbench/internal/logging"
)

func main() {
	// Load configuration
	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Initialize logging
	logger := logging.Setup(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	logger.Info("starting llmbench coordinator",
		slog.String("version", "0.1.0"),
		slog.Int("port", cfg.Coordinator.Port))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := api.RunCoordinator(ctx, cfg, logger); err != nil {
		logger.Error("coordinator error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
