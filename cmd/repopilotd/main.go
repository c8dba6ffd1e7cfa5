package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/wenke727/repopilot/internal/api"
	"github.com/wenke727/repopilot/internal/config"
	"github.com/wenke727/repopilot/internal/health"
	"github.com/wenke727/repopilot/internal/runner"
	"github.com/wenke727/repopilot/internal/scheduler"
	"github.com/wenke727/repopilot/internal/store"
)

func configureLogger(logLevel string, useDev bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if useDev {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func main() {
	configPath := flag.String("config", "repopilot.toml", "path to config file")
	dev := flag.Bool("dev", false, "use text log format (default is JSON)")
	logFile := flag.String("log-file", "", "path to tail for GET /api/logs/backend (empty disables it)")
	flag.Parse()

	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(bootLogger)
	bootLogger.Info("repopilotd starting", "config", *configPath)

	cfgManager, err := config.LoadManager(*configPath)
	if err != nil {
		bootLogger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cfg := cfgManager.Get()
	if cfg == nil {
		bootLogger.Error("failed to load config snapshot", "config", *configPath)
		os.Exit(1)
	}

	logger := configureLogger(cfg.General.LogLevel, *dev)
	slog.SetDefault(logger)

	lockPath := "/tmp/repopilotd.lock"
	lockFile, err := health.AcquireFlock(lockPath)
	if err != nil {
		logger.Error("failed to acquire single-instance lock", "path", lockPath, "error", err)
		os.Exit(1)
	}
	defer health.ReleaseFlock(lockFile)

	for _, dir := range []string{cfg.General.WorktreesDir, cfg.General.ArtifactsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Error("failed to create data directory", "dir", dir, "error", err)
			os.Exit(1)
		}
	}

	st, err := store.New(cfg.General.StateDir, cfg.General.ReposDir)
	if err != nil {
		logger.Error("failed to open store", "state_dir", cfg.General.StateDir, "error", err)
		os.Exit(1)
	}

	execMode := config.NewExecModeCell(cfg.General.ExecMode)

	taskRunner := runner.New(st, execMode, cfg.General.WorktreesDir, cfg.General.ArtifactsDir,
		cfg.Runner.Timeout.Duration, cfg.GitHubToken(), logger.With("component", "runner"))

	sched := scheduler.New(st, taskRunner, cfg.General.Workers, cfg.General.LogsRetentionDays,
		logger.With("component", "scheduler"))

	apiSrv := api.NewServer(cfg, st, execMode, sched, taskRunner, *logFile, logger.With("component", "api"))
	defer apiSrv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go sched.Run(ctx)
	go func() {
		if err := apiSrv.Start(ctx); err != nil {
			logger.Error("api server error", "error", err)
		}
	}()

	logger.Info("repopilotd running", "bind", cfg.API.Bind, "workers", cfg.General.Workers, "exec_mode", execMode.Get())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	for {
		sig := <-sigCh
		switch sig {
		case syscall.SIGHUP:
			updatedCfg, err := config.Reload(*configPath)
			if err != nil {
				logger.Error("config reload failed", "error", err)
				continue
			}
			cfgManager.Set(updatedCfg)
			execMode.Set(updatedCfg.General.ExecMode)
			logger.Info("config reloaded")
		case syscall.SIGINT, syscall.SIGTERM:
			shutdownStart := time.Now()
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			logger.Info("repopilotd stopped", "shutdown_duration", time.Since(shutdownStart).String())
			return
		default:
			shutdownStart := time.Now()
			logger.Info("received unexpected signal, shutting down", "signal", sig)
			cancel()
			logger.Info("repopilotd stopped", "shutdown_duration", time.Since(shutdownStart).String())
			return
		}
	}
}
