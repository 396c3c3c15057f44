// Package main provides the entry point for the parameter auto-tuning
// backend: the scheduler, the per-strategy tuning pipelines, and the
// HTTP/WebSocket API in front of them.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/quantatlas/tuner-backend/internal/api"
	"github.com/quantatlas/tuner-backend/internal/candidates"
	"github.com/quantatlas/tuner-backend/internal/config"
	"github.com/quantatlas/tuner-backend/internal/evaluator"
	"github.com/quantatlas/tuner-backend/internal/guard"
	"github.com/quantatlas/tuner-backend/internal/scheduler"
	"github.com/quantatlas/tuner-backend/internal/score"
	"github.com/quantatlas/tuner-backend/internal/store"
	"github.com/quantatlas/tuner-backend/internal/telemetry"
	"github.com/quantatlas/tuner-backend/internal/tuning"
	"github.com/quantatlas/tuner-backend/internal/workers"
	"github.com/quantatlas/tuner-backend/pkg/types"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	configPath := flag.String("config", "", "Path to config file (optional)")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger.Info("Starting tuner backend",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("store", cfg.Store.Path),
		zap.String("evaluator", cfg.Evaluator.Mode),
	)

	st, err := store.Open(logger, cfg.Store.Path)
	if err != nil {
		logger.Fatal("Failed to open store", zap.Error(err))
	}
	defer st.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := telemetry.New(registry)

	runner := buildRunner(logger, cfg)
	gen := candidates.NewRandomGenerator()
	g := guard.New(logger, cfg.Guard, st)

	tuners := make([]*tuning.Tuner, 0, 3)
	for _, strategy := range []types.StrategyType{
		types.StrategyScalping,
		types.StrategyWindowScalping,
		types.StrategyFibonacciGrid,
	} {
		policy := score.NewWeightedPolicy(strategy, cfg.Score)
		tuners = append(tuners, tuning.New(logger, cfg.Tuner, st, gen, runner, policy, g))
	}

	orch, err := tuning.NewOrchestrator(logger, metrics, tuners...)
	if err != nil {
		logger.Fatal("Failed to build orchestrator", zap.Error(err))
	}

	pool := workers.NewPool(logger, workers.Config{
		Name:        "tuning",
		Workers:     cfg.Scheduler.Workers,
		QueueSize:   cfg.Scheduler.QueueSize,
		TaskTimeout: cfg.Scheduler.TaskTimeout,
	})
	pool.Start()

	hub := api.NewHub(logger.Named("ws"))
	positions := scheduler.NewMemoryPositionTracker()
	sched := scheduler.New(logger, cfg.Scheduler, pool,
		api.BroadcastingDispatcher{Inner: orch, Hub: hub},
		st, positions, metrics,
	)

	server := api.NewServer(logger, cfg.Server, hub, st, orch, sched, positions, pool, registry)

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("Server error", zap.Error(err))
		}
	}()

	logger.Info("Server started successfully",
		zap.String("http", fmt.Sprintf("http://%s:%d/api/v1", cfg.Server.Host, cfg.Server.Port)),
		zap.String("ws", fmt.Sprintf("ws://%s:%d/ws", cfg.Server.Host, cfg.Server.Port)),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutdown signal received")

	sched.Stop()
	pool.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Error during server shutdown", zap.Error(err))
	}

	logger.Info("Server stopped")
}

func buildRunner(logger *zap.Logger, cfg *config.Config) evaluator.Runner {
	if cfg.Evaluator.Mode == "sidecar" {
		return evaluator.NewSidecarRunner(logger, evaluator.SidecarConfig{
			BaseURL:    cfg.Evaluator.BaseURL,
			Timeout:    cfg.Evaluator.Timeout,
			Retries:    cfg.Evaluator.Retries,
			WindowDays: cfg.Tuner.DefaultPeriodDays,
		})
	}
	return evaluator.NewStubRunner(logger, cfg.Tuner.DefaultPeriodDays)
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}

	return logger
}
