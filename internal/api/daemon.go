package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/llmbench/llmbench/internal/aggregate"
	"github.com/llmbench/llmbench/internal/config"
	"github.com/llmbench/llmbench/internal/resultstore"
	"github.com/llmbench/llmbench/internal/storage"
)

const (
	// inboxSize bounds summaries waiting for the coordinator loop
	inboxSize = 256

	shutdownTimeout = 30 * time.Second
)

// RunCoordinator serves the coordinator until ctx is done, then stops
// accepting summaries, drains the ones already queued and returns.
func RunCoordinator(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.Run.OutJSON == "" {
		return &config.ConfigurationError{Field: "out_json", Reason: "is required"}
	}
	switch cfg.Run.Server {
	case config.ServerVLLM, config.ServerTriton:
	default:
		return &config.ConfigurationError{Field: "server", Reason: fmt.Sprintf("must be %q or %q, got %q", config.ServerVLLM, config.ServerTriton, cfg.Run.Server)}
	}
	if cfg.Run.Target == "" {
		logger.Warn("no default target configured; workers must send one")
	}

	coordOpts := []aggregate.CoordinatorOption{
		aggregate.WithCoordinatorLogger(logger),
		aggregate.WithDefaultTarget(cfg.Run.Target),
	}
	var serverOpts []Option

	if cfg.Database.Enabled {
		db, err := storage.New(cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		runs := storage.NewRunStore(db)
		coordOpts = append(coordOpts, aggregate.WithHistory(runs))
		serverOpts = append(serverOpts, WithHistory(runs))
	}

	store := resultstore.New(cfg.Run.OutJSON)
	coord := aggregate.NewCoordinator(cfg.Run.Server, store, coordOpts...)

	inbox := make(chan aggregate.WorkerSummary, inboxSize)
	loopDone := make(chan error, 1)
	go func() {
		loopDone <- coord.Run(context.WithoutCancel(ctx), inbox)
	}()

	serverOpts = append(serverOpts,
		WithLogger(logger),
		WithHost(cfg.Coordinator.Host),
		WithPort(cfg.Coordinator.Port))
	server := New(coord, inbox, serverOpts...)
	server.SetReady(true)

	logger.Info("coordinator starting",
		slog.String("run_id", coord.RunID()),
		slog.String("backend", cfg.Run.Server),
		slog.String("result_store", store.Path()),
		slog.Bool("history", cfg.Database.Enabled))

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Start()
	}()

	var err error
	select {
	case <-ctx.Done():
		logger.Info("shutting down...")
	case err = <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	}

	server.SetReady(false)
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Error("server shutdown error", slog.String("error", shutdownErr.Error()))
	}

	// handlers have returned, so nothing sends on inbox any more
	close(inbox)
	if loopErr := <-loopDone; loopErr != nil && err == nil {
		err = loopErr
	}

	if last := coord.Last(); last != nil {
		logger.Info("final aggregate",
			slog.String("target", last.Target),
			slog.Int("workers", last.Workers),
			slog.Int("sessions", last.Sessions),
			slog.Int("requests", last.Requests))
	}
	return err
}
