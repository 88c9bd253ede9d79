package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/labstack/echo/v4"

	"payment-relay/internal/app"
	"payment-relay/internal/config"
	"payment-relay/internal/logging"
	"payment-relay/internal/payments/handlers"
)

func main() {
	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	logger.Info("env check", "present", cfg.EnvCheck())

	relay, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to start relay", "error", err)
		os.Exit(1)
	}
	defer relay.Close()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	handlers.Register(e, relay.Coordinator, relay.Gateways, relay.Authorizer, logger)

	go relay.RunSweeper(ctx, cfg.SweepInterval)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           gziphandler.GzipHandler(recoverMiddleware(logger, e)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("paynow relay listening", "addr", server.Addr, "store", cfg.Store.Kind, "events", cfg.Events)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("failed to start server", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	stop()
	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "error", err)
	}
}

func recoverMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("panic recovered", "error", rec, "path", r.URL.Path)
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
