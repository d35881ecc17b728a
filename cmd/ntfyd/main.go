package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ntfy-daemon/ntfyd/internal/config"
	"github.com/ntfy-daemon/ntfyd/internal/control"
	"github.com/ntfy-daemon/ntfyd/internal/credentials"
	"github.com/ntfy-daemon/ntfyd/internal/httpclient"
	"github.com/ntfy-daemon/ntfyd/internal/logging"
	"github.com/ntfy-daemon/ntfyd/internal/netmonitor"
	"github.com/ntfy-daemon/ntfyd/internal/notify"
	"github.com/ntfy-daemon/ntfyd/internal/ntfy"
	"github.com/ntfy-daemon/ntfyd/internal/repo"
)

func main() {
	// Load configuration from environment
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	// Initialize structured logger
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting ntfyd", "version", "0.1.0")

	if cfg.AuthDisabled() {
		logger.Warn("control API bearer authentication is disabled (BEARER_TOKEN is empty)")
	}

	daemonCfg, err := config.LoadDaemonConfig(cfg.DaemonConfigPath)
	if err != nil {
		logger.Error("failed to load daemon config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"log_level", cfg.LogLevel,
		"log_format", cfg.LogFormat,
		"control_addr", cfg.ControlAddr,
		"state_dir", cfg.StateDir,
		"servers", len(daemonCfg.Servers),
	)

	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		logger.Error("failed to create state directory", "dir", cfg.StateDir, "error", err)
		os.Exit(1)
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	}()

	// Message/subscription repository
	db, err := repo.Open(cfg.DBPath())
	if err != nil {
		logger.Error("failed to open repository", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	r := repo.New(db)

	// Credentials store
	credStore, err := credentials.Open()
	if err != nil {
		logger.Error("failed to open credentials store", "error", err)
		os.Exit(1)
	}

	client := httpclient.New(nil)
	sink := notify.NewBeeepSink("")
	netSrc := netmonitor.NewPollingSource(ctx, cfg.ProbeAddr, cfg.ProbeInterval)
	defer netSrc.Close()

	coordinator := ntfy.New(r, credStore, client, sink, netSrc, logging.Component(logger, "ntfy"))
	if min, max, mult := daemonCfg.Backoff.Backoff(); min > 0 || max > 0 || mult > 0 {
		coordinator.SetBackoffBounds(min, max, mult)
	}

	go coordinator.Run(ctx)

	if err := coordinator.WatchSubscribed(ctx); err != nil {
		logger.Error("failed to restore subscriptions", "error", err)
	}

	controlServer := control.New(cfg.ControlAddr, cfg.BearerToken, logging.Component(logger, "control"), coordinator)
	go func() {
		if err := controlServer.Start(); err != nil {
			logger.Error("control API error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := controlServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown control API", "error", err)
	}
	if err := coordinator.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shut down coordinator", "error", err)
	}

	logger.Info("shutdown complete")
}
