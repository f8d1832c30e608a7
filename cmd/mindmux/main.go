// Package main is the entry point for the MindMux orchestration core.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mindmux/mindmux/internal/adapter"
	"github.com/mindmux/mindmux/internal/agent/lifecycle"
	agentstore "github.com/mindmux/mindmux/internal/agent/store"
	"github.com/mindmux/mindmux/internal/audit"
	"github.com/mindmux/mindmux/internal/cache"
	"github.com/mindmux/mindmux/internal/common/config"
	apperrors "github.com/mindmux/mindmux/internal/common/errors"
	"github.com/mindmux/mindmux/internal/common/logger"
	"github.com/mindmux/mindmux/internal/common/tracing"
	"github.com/mindmux/mindmux/internal/events"
	"github.com/mindmux/mindmux/internal/monitor"
	"github.com/mindmux/mindmux/internal/orchestrator/scheduler"
	"github.com/mindmux/mindmux/internal/persistence"
	"github.com/mindmux/mindmux/internal/recovery"
	taskstore "github.com/mindmux/mindmux/internal/task/store"
	"github.com/mindmux/mindmux/internal/tmux"
	v1 "github.com/mindmux/mindmux/pkg/api/v1"
)

const healthCheckInterval = 30 * time.Second

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %s\n", apperrors.UserMessage(err))
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting MindMux...")

	// 3. Create context cancelled on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatal("Failed to create data directory", zap.Error(err))
	}

	// 4. Event bus: NATS when configured, in-memory otherwise
	eventBus, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer closeBus()

	// 5. Durable store
	store, closeStore, err := persistence.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to open durable store", zap.Error(err))
	}
	defer closeStore()

	// 6. Rebuild the in-memory view from the store
	stateCache := cache.New()
	agents, err := store.Agents().List(ctx)
	if err != nil {
		log.Fatal("Failed to load agents", zap.Error(err))
	}
	tasks, err := store.Tasks().List(ctx, v1.TaskFilter{})
	if err != nil {
		log.Fatal("Failed to load tasks", zap.Error(err))
	}
	sessions, err := store.Sessions().List(ctx)
	if err != nil {
		log.Fatal("Failed to load sessions", zap.Error(err))
	}
	stateCache.Rebuild(agents, tasks, sessions)
	log.Info("State cache rebuilt",
		zap.Int("agents", len(agents)),
		zap.Int("tasks", len(tasks)),
		zap.Int("sessions", len(sessions)))

	// 7. Core services
	auditSvc := audit.NewService(store.Audit(), log)
	agentStore := agentstore.New(store.Agents(), stateCache, auditSvc, eventBus, log)
	taskStore := taskstore.New(store.Tasks(), stateCache, auditSvc, eventBus, log)

	driver := tmux.NewDriver(cfg.Multiplexer)
	if !driver.Available() {
		log.Warn("tmux binary not found on PATH; agents cannot be started",
			zap.String("binary", cfg.Multiplexer.Binary))
	}
	waiter := monitor.New(driver, cfg.Monitor, log)
	adapters, err := adapter.NewRegistry(driver, waiter, log)
	if err != nil {
		log.Fatal("Failed to build adapter registry", zap.Error(err))
	}

	controller := lifecycle.New(agentStore, taskStore, store.Sessions(), stateCache,
		driver, adapters, auditSvc, eventBus, cfg.Scheduler, log)

	// 8. Startup recovery: re-queue interrupted tasks, reconcile sessions
	if err := recovery.New(taskStore, controller, log).Run(ctx); err != nil {
		log.Fatal("Startup recovery failed", zap.Error(err))
	}

	// 9. Scheduler
	sched := scheduler.New(ctx, taskStore, agentStore, stateCache, controller, cfg.Scheduler, log)
	sched.Start()

	// 10. Periodic health monitoring of running agents
	go healthLoop(ctx, controller, sched, log)

	log.Info("MindMux started",
		zap.String("data_dir", cfg.DataDir),
		zap.String("session_prefix", cfg.Multiplexer.SessionPrefix),
		zap.String("balance_strategy", cfg.Scheduler.BalanceStrategy))

	// 11. Block until a shutdown signal arrives
	<-ctx.Done()
	log.Info("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	// Sessions outlive the process unless configured otherwise.
	if cfg.Multiplexer.KillSessionsOnShutdown {
		if err := controller.StopAllAgents(shutdownCtx); err != nil {
			log.Error("Failed to stop agents", zap.Error(err))
		}
	}

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("Tracer shutdown failed", zap.Error(err))
	}
	log.Info("Shutdown complete")
}

// healthLoop periodically verifies that running agents still have a
// session behind them, and kicks the queue when capacity may have
// appeared.
func healthLoop(ctx context.Context, controller *lifecycle.Controller, sched *scheduler.Scheduler, log *logger.Logger) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, agent := range controller.ListRunningAgents(ctx) {
				healthy, err := controller.MonitorAgentHealth(ctx, agent.ID)
				if err != nil {
					log.Warn("Health check failed",
						zap.String("agent_id", agent.ID),
						zap.Error(err))
					continue
				}
				if !healthy {
					log.Warn("Agent became unhealthy", zap.String("agent_id", agent.ID))
				}
			}
			sched.OnAgentAvailable()
		}
	}
}
