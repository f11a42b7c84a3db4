package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperstack/kbsync/internal/api"
	"github.com/hyperstack/kbsync/internal/backend"
	"github.com/hyperstack/kbsync/internal/config"
	"github.com/hyperstack/kbsync/internal/engine"
	"github.com/hyperstack/kbsync/internal/notify"
	"github.com/hyperstack/kbsync/internal/snapshot"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "kbsync",
	Short: "kbsync - optimistic knowledge base synchronization engine",
	RunE:  run,
}

func run(cmd *cobra.Command, args []string) error {
	// 1. Signal handling
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// 2. Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// 3. Initialize logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Log.Level),
	}))
	slog.SetDefault(logger)
	slog.Info("logger initialized", "level", cfg.Log.Level)

	// 4. Initialize snapshot store
	snapshots, err := snapshot.Open(cfg.Snapshot.Path)
	if err != nil {
		return err
	}
	slog.Info("snapshot store initialized", "path", cfg.Snapshot.Path)

	// 5. Initialize backend clients
	indexing := backend.NewIndexingClient(cfg.Backend.IndexingURL, cfg.Backend.APIKey, time.Duration(cfg.Backend.Timeout))
	source := backend.NewFileSourceClient(cfg.Backend.FileSourceURL, cfg.Backend.APIKey, time.Duration(cfg.Backend.Timeout))

	// 6. Initialize engine and restore persisted state
	eng := engine.New(indexing, source, snapshots, notify.LogNotifier{}, engine.Options{
		PollInterval:         time.Duration(cfg.Sync.PollInterval),
		PollMaxDuration:      time.Duration(cfg.Sync.PollMaxDuration),
		FolderPollers:        cfg.Sync.FolderPollers,
		DeleteInterItemDelay: time.Duration(cfg.Sync.DeleteInterItemDelay),
		PrefetchConcurrency:  cfg.Prefetch.Concurrency,
		HoverDebounce:        time.Duration(cfg.Prefetch.HoverDebounce),
	})
	if err := eng.Start(ctx); err != nil {
		return err
	}
	slog.Info("engine started")

	// 7. Initialize HTTP router
	handler := api.NewHandler(eng, cfg.Auth.APIKey, Version)
	router := api.NewRouter(handler)

	// 8. Configure HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	// 9. Start HTTP server in goroutine
	go func() {
		slog.Info("server starting", "address", addr)
		// ErrServerClosed is the expected error on graceful Shutdown.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	// 10. Block until signal received
	<-ctx.Done()
	slog.Info("shutdown initiated")

	// 11. Graceful shutdown sequence
	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	// Persist one final snapshot before closing
	if err := eng.Persist(shutdownCtx); err != nil {
		slog.Error("final snapshot save error", "error", err)
	}
	eng.Close()

	if err := snapshots.Close(); err != nil {
		slog.Error("snapshot store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
