// devflowd runs the devflow service as a long-lived process: workflow
// engine, context registry, background archival, and the admin HTTP
// endpoints. One-shot operations live in cmd/devflow.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/devflow-io/devflow/internal/config"
	"github.com/devflow-io/devflow/internal/logging"
	"github.com/devflow-io/devflow/internal/service"
)

func main() {
	configPath := flag.String("config", "", "path to devflow.yaml (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()
	svc, err := service.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to build service", zap.Error(err))
	}
	if err := svc.Start(ctx); err != nil {
		logger.Fatal("Failed to start service", zap.Error(err))
	}

	// Hot reload only when an explicit config file is in play.
	if *configPath != "" {
		watcher, err := config.NewWatcher(*configPath, logger)
		if err != nil {
			logger.Warn("Config watcher unavailable", zap.Error(err))
		} else {
			defer func() { _ = watcher.Close() }()
		}
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Signal received, shutting down", zap.String("signal", sig.String()))

	// A second signal during shutdown forces an emergency exit.
	done := make(chan struct{})
	go func() {
		defer close(done)
		shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Service.ShutdownTimeout)
		defer cancel()
		if err := svc.Shutdown(shutdownCtx, service.ShutdownRegular); err != nil {
			logger.Error("Shutdown incomplete", zap.Error(err))
		}
	}()
	select {
	case <-done:
	case <-sigCh:
		logger.Warn("Second signal, exiting immediately")
		os.Exit(1)
	}
}
