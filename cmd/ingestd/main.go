// cmd/ingestd/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fawad-mazhar/ingestd/internal/api/routes"
	"github.com/fawad-mazhar/ingestd/internal/config"
	"github.com/fawad-mazhar/ingestd/internal/logging"
	"github.com/fawad-mazhar/ingestd/internal/orchestrator"
	"github.com/fawad-mazhar/ingestd/internal/queue"
	"github.com/fawad-mazhar/ingestd/internal/runner"
	"github.com/fawad-mazhar/ingestd/internal/storage"
	"github.com/fawad-mazhar/ingestd/internal/storage/jsonfile"
	"github.com/fawad-mazhar/ingestd/internal/storage/leveldb"
	"github.com/fawad-mazhar/ingestd/internal/storage/memory"
	"github.com/fawad-mazhar/ingestd/internal/storage/postgres"
	"github.com/fawad-mazhar/ingestd/internal/tasklog"
	"github.com/fawad-mazhar/ingestd/internal/worker"
	"github.com/fawad-mazhar/ingestd/internal/worker/jsonfeed"
	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("ingestd stopped with error")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	// Initialize task store
	store, pg, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer store.Close()
	log.Info().Str("driver", cfg.Store.Driver).Msg("task store ready")

	// Platform adapters and item storage
	registry := worker.NewRegistry()
	defer registry.Close()
	if err := setupRegistry(registry, cfg, pg); err != nil {
		return err
	}

	// Initialize status event publisher
	publisher, err := queue.New(cfg.Events, log)
	if err != nil {
		return fmt.Errorf("failed to connect event publisher: %w", err)
	}
	defer publisher.Close()

	r := runner.New(store, registry, publisher, runner.Config{
		TaskTimeout:     cfg.Scheduler.TaskTimeout,
		DisableDeadline: cfg.Scheduler.DisableDeadline,
		HeartbeatRate:   cfg.Scheduler.HeartbeatRate,
		PrimaryStorage:  cfg.Storage.Primary,
		FallbackStorage: cfg.Storage.Fallback,
		Logger: tasklog.Config{
			BatchSize:     cfg.TaskLogger.BatchSize,
			FlushInterval: cfg.TaskLogger.FlushInterval,
		},
	}, log)

	// Create and start orchestrator
	orch := orchestrator.New(cfg.Scheduler, cfg.Schedules, store, r, publisher, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      routes.SetupRouter(orch, orch.Running, log),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http api listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case err := <-serveErr:
		log.Error().Err(err).Msg("http server failed")
	}

	// Stop taking requests first, then drain executions
	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer httpCancel()
	if err := srv.Shutdown(httpCtx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown")
	}

	if err := orch.Shutdown(cfg.Scheduler.ShutdownTimeout); err != nil {
		log.Error().Err(err).Msg("error during orchestrator shutdown")
	}

	log.Info().Msg("ingestd shutdown complete")
	return nil
}

func openStore(cfg config.StoreConfig) (storage.TaskStore, *postgres.Client, error) {
	switch cfg.Driver {
	case "postgres":
		db, err := postgres.NewClient(cfg.PostgresURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		return db, db, nil
	default:
		return memory.New(), nil, nil
	}
}

func setupRegistry(registry *worker.Registry, cfg *config.Config, pg *postgres.Client) error {
	if err := jsonfeed.Register(registry, &http.Client{Timeout: 30 * time.Second}); err != nil {
		return err
	}
	for platform, creds := range cfg.Platforms {
		registry.SetCredentials(platform, creds)
	}

	sink, err := jsonfile.New(cfg.Storage.JSONDir)
	if err != nil {
		return fmt.Errorf("failed to initialize json storage: %w", err)
	}
	if err := registry.RegisterStorage(sink); err != nil {
		return err
	}

	cache, err := leveldb.NewClient(cfg.Storage.LevelDBPath, cfg.Storage.LevelDBTTL)
	if err != nil {
		return fmt.Errorf("failed to initialize leveldb storage: %w", err)
	}
	if err := registry.RegisterStorage(cache); err != nil {
		cache.Close()
		return err
	}

	if pg != nil {
		if err := registry.RegisterStorage(pg.ItemSink()); err != nil {
			return err
		}
	}

	for _, name := range []string{cfg.Storage.Primary, cfg.Storage.Fallback} {
		if name == "" {
			continue
		}
		if _, err := registry.Storage(name); err != nil {
			return fmt.Errorf("storage %q: %w", name, err)
		}
	}
	return nil
}
