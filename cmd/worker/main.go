package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"payment-relay/internal/app"
	"payment-relay/internal/config"
	"payment-relay/internal/logging"
)

// The worker runs the expiry sweep and, when events go through Redis,
// delivers terminal payment events to the client application.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat).With("component", "worker")
	slog.SetDefault(logger)

	relay, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to start worker", "error", err)
		os.Exit(1)
	}
	defer relay.Close()

	if relay.Stream != nil {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "worker"
		}
		consumer := fmt.Sprintf("consumer-%s-%d", hostname, os.Getpid())
		go func() {
			if err := relay.Stream.Consume(ctx, consumer, relay.EventHandler()); err != nil {
				logger.Error("event consumer stopped", "error", err)
				stop()
			}
		}()
	} else {
		logger.Info("RELAY_EVENTS is not redis, events are handled in the server process")
	}

	relay.RunSweeper(ctx, cfg.SweepInterval)
	<-ctx.Done()
	logger.Info("worker stopped")
}
