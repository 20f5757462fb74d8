package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fpoisson2/test-chatkit-sub001/internal/engine"
	"github.com/fpoisson2/test-chatkit-sub001/internal/graph"
	"github.com/fpoisson2/test-chatkit-sub001/internal/logging"
	"github.com/fpoisson2/test-chatkit-sub001/internal/store"
	"github.com/fpoisson2/test-chatkit-sub001/internal/streaming"
	"github.com/fpoisson2/test-chatkit-sub001/pkg/mcp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "flowd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	engines, err := engine.NewEngines()
	if err != nil {
		return fmt.Errorf("build expression engines: %w", err)
	}

	normalizer, err := graph.NewNormalizer()
	if err != nil {
		return fmt.Errorf("build graph normalizer: %w", err)
	}

	waiters := engine.NewWidgetWaiterRegistry()
	waiters.WaitTimeout = cfg.Engine.WaitTimeout
	waiters.MatchAny = cfg.Engine.SignalMatchAny

	hub := streaming.NewMemoryHub()
	orchestrator := engine.NewOrchestrator(st, waiters, engines, nil, hub, logger, engine.Config{
		QueueDepth:         cfg.Engine.QueueDepth,
		LoopIterationCap:   cfg.Engine.LoopIterationCap,
		WaiterTTL:          cfg.Engine.WaiterTTL,
		DetachOnDisconnect: cfg.Engine.DetachOnDisconnect,
	})

	sweeper := engine.NewSweeper(st, waiters, logger, cfg.Engine.SweepSchedule)
	if err := sweeper.Start(); err != nil {
		return fmt.Errorf("start suspension sweeper: %w", err)
	}
	defer sweeper.Stop()

	srv := mcp.NewFlowServer(mcp.FlowServerDeps{
		Orchestrator: orchestrator,
		Store:        st,
		Normalizer:   normalizer,
		Replayer:     store.NewEventLog(st),
		Hub:          hub,
		Logger:       logger,
	})

	logger.InfoContext(ctx, "flowd starting",
		"db_path", cfg.DBPath,
		"sweep_schedule", cfg.Engine.SweepSchedule,
		"detach_on_disconnect", cfg.Engine.DetachOnDisconnect)

	return srv.Serve(ctx)
}

func newLogger(cfg *ServerConfig) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var inner slog.Handler
	if cfg.LogFormat == "text" {
		inner = slog.NewTextHandler(os.Stderr, opts)
	} else {
		inner = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(logging.NewCorrelationHandler(inner))
}
