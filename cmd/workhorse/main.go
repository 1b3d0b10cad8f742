// Package main is the entry point for the Workhorse orchestration engine.
// One binary wires the record store, the event bus, the git/process
// managers, and the HTTP API together.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/workhorse/workhorse/internal/common/config"
	"github.com/workhorse/workhorse/internal/common/logger"
	"github.com/workhorse/workhorse/internal/db"
	"github.com/workhorse/workhorse/internal/events/bus"
	"github.com/workhorse/workhorse/internal/gitrepo"
	"github.com/workhorse/workhorse/internal/process"
	"github.com/workhorse/workhorse/internal/script"
	"github.com/workhorse/workhorse/internal/server"
	"github.com/workhorse/workhorse/internal/terminal"
	"github.com/workhorse/workhorse/internal/workspace"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Workhorse...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event bus: in-memory by default, NATS when configured.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsEventBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsEventBus
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}
	defer eventBus.Close()

	pool, err := db.Open(cfg.Database)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err),
			zap.String("driver", cfg.Database.Driver))
	}
	store, err := workspace.NewSQLStore(pool)
	if err != nil {
		log.Fatal("Failed to initialize record store", zap.Error(err))
	}
	defer store.Close()
	log.Info("Record store initialized",
		zap.String("driver", cfg.Database.Driver),
		zap.String("path", cfg.Database.Path))

	git := gitrepo.NewManager(log)
	runner := process.NewRunner(log, cfg.Script.BufferMaxBytes, cfg.Script.StopGrace())
	engine := script.NewEngine(runner, eventBus, log)
	terminals := terminal.NewManager(runner, eventBus, cfg.Terminal, log)
	workspaces := workspace.NewManager(store, git, eventBus, cfg.Workspace, log)

	// Flag workspaces that drifted while we were not running.
	if broken, err := workspaces.Reconcile(ctx); err != nil {
		log.Warn("Startup reconciliation failed", zap.Error(err))
	} else if len(broken) > 0 {
		log.Warn("Startup reconciliation found broken workspaces",
			zap.Int("count", len(broken)))
	}

	srv := server.New(cfg.Server, cfg.Workspace, server.Deps{
		Workspaces: workspaces,
		Git:        git,
		Engine:     engine,
		Terminals:  terminals,
		Events:     eventBus,
	}, log)

	log.Info("API configured",
		zap.String("http", "/api/v1"),
		zap.String("events", "/ws"),
		zap.String("health", "/health"),
	)

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Info("Shutting down Workhorse...")
		cancel()
	}()

	if err := srv.Run(ctx); err != nil {
		log.Error("HTTP server error", zap.Error(err))
	}

	terminals.CloseAll(context.Background())
	log.Info("Workhorse stopped")
}
