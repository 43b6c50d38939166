package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/voxdub/voxdub/internal/database"
	internalhttp "github.com/voxdub/voxdub/internal/http"
	"github.com/voxdub/voxdub/internal/http/handlers"
	"github.com/voxdub/voxdub/internal/media"
	"github.com/voxdub/voxdub/internal/repository"
	"github.com/voxdub/voxdub/internal/runlock"
	"github.com/voxdub/voxdub/internal/runner"
	"github.com/voxdub/voxdub/internal/scheduler"
	"github.com/voxdub/voxdub/internal/service/progress"
	"github.com/voxdub/voxdub/internal/startup"
	"github.com/voxdub/voxdub/internal/storage"
	"github.com/voxdub/voxdub/internal/version"
	"github.com/voxdub/voxdub/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the voxdub server",
	Long: `Start the voxdub HTTP server: REST API, progress push channel, batch
scheduler, and stage dispatcher.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	setupLogging(cfg)
	logger := slog.Default()

	logger.Info("starting voxdub",
		slog.String("version", version.Short()),
	)

	// Database.
	db, err := database.New(cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	tasks := repository.NewTaskRepository(db.DB)
	logs := repository.NewProcessingLogRepository(db.DB)

	// Storage layout under the tasks root.
	paths, err := storage.NewPathManager(cfg.Storage.TasksDir, logger)
	if err != nil {
		return fmt.Errorf("preparing storage: %w", err)
	}

	// Stages left in processing by a previous run are stale; relabel them
	// before anything can observe or resume them.
	if _, err := startup.RecoverInterruptedStages(cmd.Context(), tasks, logger); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	// Pipeline collaborators.
	lock := runlock.New()
	registry := progress.NewRegistry(logger)
	bus := progress.NewBus(tasks, logs, lock, registry, logger)
	adapter := worker.NewAdapter(cfg.Workers, logger)
	muxer := media.NewMuxer(cfg.FFmpeg.BinaryPath, cfg.FFmpeg.Timeout)
	prober := media.NewProber(cfg.FFmpeg.ProbePath, cfg.FFmpeg.Timeout)

	run := runner.New(tasks, bus, lock, adapter, paths, muxer, cfg.Workers, logger)

	dispatcher := runner.NewDispatcher(run, bus, logger)
	defer dispatcher.Close()

	batches := scheduler.New(run, tasks, lock, bus, logger)

	// Processing-log retention.
	pruner := cron.New(cron.WithSeconds())
	if _, err := pruner.AddFunc(cfg.Retention.Cron, func() {
		cutoff := time.Now().Add(-cfg.Retention.LogAge)
		pruned, err := logs.DeleteOlderThan(context.Background(), cutoff)
		if err != nil {
			logger.Error("pruning processing logs", slog.String("error", err.Error()))
			return
		}
		if pruned > 0 {
			logger.Info("pruned processing logs",
				slog.Int64("rows", pruned),
				slog.Time("cutoff", cutoff),
			)
		}
	}); err != nil {
		return fmt.Errorf("scheduling log retention: %w", err)
	}
	pruner.Start()
	defer pruner.Stop()

	// HTTP surface.
	server := internalhttp.NewServer(internalhttp.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, logger, version.Short())

	api := server.API()
	router := server.Router()

	tasksHandler := handlers.NewTasksHandler(tasks, logs, paths, prober, registry, cfg.Server.UploadLimit, logger)
	tasksHandler.Register(api)
	tasksHandler.RegisterUploads(router)

	stagesHandler := handlers.NewStagesHandler(tasks, dispatcher, batches, paths, logger)
	stagesHandler.Register(api)

	batchHandler := handlers.NewBatchHandler(batches, lock)
	batchHandler.Register(api)

	pushHandler := handlers.NewPushHandler(registry, logger)
	pushHandler.Register(api)
	pushHandler.RegisterSSE(router)

	healthHandler := handlers.NewHealthHandler(db.DB, version.Short())
	healthHandler.Register(api)

	systemHandler := handlers.NewSystemHandler(paths.Root(), db.DB)
	systemHandler.Register(api)

	docsHandler := handlers.NewDocsHandler("voxdub API", "/openapi.yaml")
	router.Get("/docs", docsHandler.ServeHTTP)

	// Serve until SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serving: %w", err)
	}

	// Stop any batch and cancel the running worker so the process exits
	// without leaving a stage half-orphaned; startup recovery handles
	// whatever the cancellation interrupts.
	if err := batches.Stop(); err != nil && !errors.Is(err, scheduler.ErrNoBatch) {
		logger.Warn("stopping batch on shutdown", slog.String("error", err.Error()))
	}
	if lock.CancelCurrent() {
		logger.Info("cancelled in-flight stage on shutdown")
	}

	logger.Info("voxdub stopped")
	return nil
}
