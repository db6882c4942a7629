package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/austindbirch/harbor_feed/internal/config"
	"github.com/austindbirch/harbor_feed/internal/logging"
	"github.com/austindbirch/harbor_feed/internal/tracing"
)

func main() {
	cfg := config.FromEnv()

	// Initialize structured logging
	logging.SetDefaultService(cfg.AppName)
	logger := logging.New(cfg.AppName)
	logger.SetLevel(logging.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if cfg.Tracing.Enabled {
		shutdown, err := tracing.InitTracing(ctx, cfg.AppName)
		if err != nil {
			logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
		}
		defer shutdown()
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Plain().WithError(err).Fatal("startup failed")
	}
	defer a.close()

	if err := a.run(ctx); err != nil {
		logger.Plain().WithError(err).Error("server stopped with error")
		return
	}
	logger.Plain().Info("server stopped")
}
