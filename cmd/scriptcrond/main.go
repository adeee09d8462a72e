package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"scriptcron/internal/api"
	"scriptcron/internal/config"
	"scriptcron/internal/core"
	"scriptcron/internal/logging"
	scriptcronmcp "scriptcron/internal/mcp"
	"scriptcron/internal/notify"
	"scriptcron/internal/service"
	"scriptcron/internal/store"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}

	logOpts := logging.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	}
	if cfg.Mode == config.ModeMCP {
		// stdout carries the protocol.
		logOpts.Stdout = os.Stderr
	}
	logger, logCloser := logging.New(logOpts)
	defer logCloser.Close()

	if err := run(cfg, logger); err != nil {
		logger.Error("scriptcrond exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	storeInst, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer storeInst.Close()

	executor := core.NewProcessExecutor(core.ExecutorConfig{
		ScriptsDir:          cfg.Executor.ScriptsDir,
		ScriptLogsDir:       cfg.Executor.ScriptLogsDir,
		KillGrace:           cfg.Executor.KillGrace,
		MaxOutputBytes:      cfg.Executor.MaxOutputBytes,
		LegacyEncoding:      cfg.Executor.LegacyEncoding,
		ScriptLogMaxSizeMB:  cfg.Executor.ScriptLogMaxSizeMB,
		ScriptLogMaxBackups: cfg.Executor.ScriptLogMaxBackups,
	}, logger.With("component", "executor"))

	scheduler := core.NewScheduler(storeInst, executor, logger.With("component", "scheduler"), core.SchedulerConfig{
		Location:     cfg.Scheduler.Location,
		Workers:      cfg.Scheduler.Workers,
		MisfireGrace: cfg.Scheduler.MisfireGrace,
		Retention:    cfg.Scheduler.Retention,
		Notifier:     buildNotifier(cfg.Notification, logger),
	})

	svc := service.New(storeInst, scheduler, service.Paths{
		ScriptsDir:    executor.ScriptsDir(),
		ScriptLogsDir: cfg.Executor.ScriptLogsDir,
	}, logger.With("component", "service"))

	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	logger.Info("daemon ready",
		"mode", cfg.Mode,
		"timezone", cfg.Scheduler.Location.String(),
		"db", cfg.DBPath,
		"scripts_dir", executor.ScriptsDir(),
		"armed_jobs", len(scheduler.ListJobs()),
	)

	var runErr error
	switch cfg.Mode {
	case config.ModeMCP:
		runErr = runMCPMode(ctx, svc, logger)
	default:
		runErr = runHTTPMode(ctx, cfg, svc, logger)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()
	if err := scheduler.Shutdown(shutdownCtx, true); err != nil {
		logger.Warn("scheduler shutdown", "err", err)
	}
	if err := executor.Close(); err != nil {
		logger.Warn("close script logs", "err", err)
	}
	logger.Info("shutdown complete")
	return runErr
}

// runHTTPMode serves the API until a signal arrives. In both mode the MCP
// tools are served on the same listener at /mcp.
func runHTTPMode(ctx context.Context, cfg *config.Config, svc *service.Service, logger *slog.Logger) error {
	opts := api.Options{
		Addr:      cfg.Server.Addr,
		APIPrefix: cfg.Server.APIPrefix,
		AuthToken: cfg.Server.AuthToken,
	}
	if cfg.Mode == config.ModeBoth {
		opts.MCPHandler = scriptcronmcp.NewMCPServer(svc, logger.With("component", "mcp")).HTTPHandler()
	}
	server := api.NewServer(opts, svc, logger.With("component", "http"))

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var err error
	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
	case err = <-serverErr:
		logger.Error("server error", "err", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()
	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Error("server shutdown", "err", shutdownErr)
	}
	return err
}

// runMCPMode serves MCP over stdio until stdin closes or a signal arrives.
func runMCPMode(ctx context.Context, svc *service.Service, logger *slog.Logger) error {
	mcpServer := scriptcronmcp.NewMCPServer(svc, logger.With("component", "mcp"))

	mcpErr := make(chan error, 1)
	go func() {
		mcpErr <- mcpServer.Run()
	}()

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
		return nil
	case err := <-mcpErr:
		return err
	}
}

func buildNotifier(cfg config.NotificationConfig, logger *slog.Logger) core.Notifier {
	channels := make(map[string]notify.Notifier)
	if cfg.BarkURL != "" {
		if n, err := notify.NewBarkNotifier(cfg.BarkURL); err == nil {
			channels[notify.ChannelBark] = n
		} else {
			logger.Warn("bark notifier disabled", "err", err)
		}
	}
	if cfg.WebhookURL != "" {
		if n, err := notify.NewWebhookNotifier(cfg.WebhookURL); err == nil {
			channels[notify.ChannelWebhook] = n
		} else {
			logger.Warn("webhook notifier disabled", "err", err)
		}
	}
	return notify.NewDispatcher(channels, logger.With("component", "notify"))
}

