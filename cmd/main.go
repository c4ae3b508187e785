package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gorm.io/gorm"

	"github.com/tddforge/tddforge-backend/internal/circuit"
	"github.com/tddforge/tddforge-backend/internal/data/db"
	"github.com/tddforge/tddforge-backend/internal/data/repos/attempts"
	"github.com/tddforge/tddforge-backend/internal/data/repos/circuits"
	configrepo "github.com/tddforge/tddforge-backend/internal/data/repos/config"
	"github.com/tddforge/tddforge-backend/internal/data/repos/reviews"
	"github.com/tddforge/tddforge-backend/internal/data/repos/runs"
	"github.com/tddforge/tddforge-backend/internal/data/repos/tasks"
	"github.com/tddforge/tddforge-backend/internal/data/repos/workers"
	"github.com/tddforge/tddforge-backend/internal/executor"
	httpserver "github.com/tddforge/tddforge-backend/internal/http"
	httpH "github.com/tddforge/tddforge-backend/internal/http/handlers"
	"github.com/tddforge/tddforge-backend/internal/observability"
	"github.com/tddforge/tddforge-backend/internal/observer"
	"github.com/tddforge/tddforge-backend/internal/platform/envutil"
	"github.com/tddforge/tddforge-backend/internal/platform/logger"
	"github.com/tddforge/tddforge-backend/internal/run"
	"github.com/tddforge/tddforge-backend/internal/sse"
)

func main() {
	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Env
	addr := envutil.Str("HTTP_ADDR", ":8080")
	backend := envutil.Str("STORE_BACKEND", "sqlite")
	specPath := envutil.Str("SPEC_PATH", "")
	tasksFile := envutil.Str("TASKS_FILE", "")
	workspace := envutil.Str("WORKSPACE", "")
	maxWorkers := envutil.Int("MAX_WORKERS", 3)
	stageCommand := envutil.Str("STAGE_COMMAND", "")

	// Store
	var gdb *gorm.DB
	switch backend {
	case "postgres":
		svc, err := db.NewPostgresService(log)
		if err != nil {
			log.Error("postgres init failed", "error", err)
			os.Exit(1)
		}
		if err := svc.AutoMigrateAll(); err != nil {
			log.Error("postgres migration failed", "error", err)
			os.Exit(1)
		}
		gdb = svc.DB()
	default:
		svc, err := db.NewSqliteService(log)
		if err != nil {
			log.Error("sqlite init failed", "error", err)
			os.Exit(1)
		}
		if err := svc.AutoMigrateAll(); err != nil {
			log.Error("sqlite migration failed", "error", err)
			os.Exit(1)
		}
		gdb = svc.DB()
	}
	if err := db.VerifySchema(gdb); err != nil {
		log.Error("schema verification failed", "error", err)
		os.Exit(1)
	}

	// Repos
	taskRepo := tasks.NewTaskRepo(gdb, log)
	workerRepo := workers.NewWorkerRepo(gdb, log)
	attemptRepo := attempts.NewAttemptRepo(gdb, log)
	runRepo := runs.NewRunRepo(gdb, log)
	configRepo := configrepo.NewConfigRepo(gdb, log)
	reviewRepo := reviews.NewReviewRepo(gdb, log)
	circuitRepo := circuits.NewCircuitRepo(gdb, log)

	// Realtime plumbing
	metrics := observability.NewMetrics()
	broadcaster := sse.NewBroadcaster(sse.DefaultQueueSize, log)
	obs := observer.New(taskRepo, log, observer.DefaultInterval)

	// HTTP
	server := httpserver.NewServer(httpserver.RouterConfig{
		HealthHandler:  httpH.NewHealthHandler(circuitRepo),
		TaskHandler:    httpH.NewTaskHandler(taskRepo, attemptRepo, broadcaster, log),
		RunHandler:     httpH.NewRunHandler(runRepo),
		CircuitHandler: httpH.NewCircuitHandler(circuitRepo, metrics, log),
		EventsHandler:  httpH.NewEventsHandler(broadcaster, metrics, log),
		Metrics:        metrics,
		Log:            log,
	})
	go func() {
		log.Info("http server listening", "addr", addr)
		if err := server.Run(addr); err != nil {
			log.Warn("http server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A run starts only when a spec is provided; otherwise the process
	// serves the read API over whatever state the store already holds.
	if specPath != "" {
		if stageCommand == "" {
			log.Error("SPEC_PATH is set but STAGE_COMMAND is not")
			os.Exit(1)
		}
		exec := executor.NewScriptExecutor(stageCommand, nil, workspace, log)
		coord := run.NewCoordinator(run.Deps{
			Tasks:       taskRepo,
			Workers:     workerRepo,
			Attempts:    attemptRepo,
			Runs:        runRepo,
			Config:      configRepo,
			Reviews:     reviewRepo,
			Circuits:    circuitRepo,
			Exec:        exec,
			Decomposer:  &run.FileDecomposer{Path: tasksFile},
			Broadcaster: broadcaster,
			Observer:    obs,
			Metrics:     metrics,
			CircuitCfg:  circuit.DefaultConfig(),
			Log:         log,
		})
		summary, err := coord.Execute(ctx, run.Params{
			SpecPath:   specPath,
			Workspace:  workspace,
			MaxWorkers: maxWorkers,
		})
		if err != nil {
			log.Error("run failed", "error", err)
		}
		log.Info("run summary",
			"run_id", summary.RunID,
			"status", summary.Status,
			"stop_reason", summary.StopReason,
			"total_invocations", summary.TotalInvocations,
			"duration", summary.Duration)
		obs.Stop()
	} else {
		obs.Start(ctx)
		<-ctx.Done()
		obs.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown failed", "error", err)
	}
	broadcaster.Shutdown()
}
