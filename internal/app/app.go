// Package app wires the relay together from a validated configuration.
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"payment-relay/internal/auth"
	"payment-relay/internal/config"
	"payment-relay/internal/events"
	"payment-relay/internal/infra"
	"payment-relay/internal/payment_processor"
	"payment-relay/internal/payments"
	"payment-relay/internal/payments/repository"
	relayredis "payment-relay/internal/redis"
)

type App struct {
	Config      *config.Config
	Logger      *slog.Logger
	Registry    repository.Registry
	Gateways    *payment_processor.Manager
	Pool        *infra.GatewayPool
	Authorizer  *auth.Authorizer
	Coordinator *payments.Coordinator
	Publisher   events.Publisher
	Stream      *events.RedisStream
	Redis       *relayredis.Client

	closers []func()
}

// New builds every component. Any error here is a configuration problem and
// should stop the process.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Logger: logger}

	authorizer, err := auth.NewAuthorizer(cfg.Secret)
	if err != nil {
		return nil, err
	}
	a.Authorizer = authorizer

	paynow, err := payment_processor.NewPaynow(payment_processor.PaynowConfig{
		IntegrationID:  cfg.Paynow.IntegrationID,
		IntegrationKey: cfg.Paynow.IntegrationKey,
		BaseURL:        cfg.Paynow.BaseURL,
		ReturnURL:      cfg.Paynow.ReturnURL,
		ResultURL:      cfg.Paynow.ResultURL,
	})
	if err != nil {
		return nil, err
	}
	a.Gateways = payment_processor.NewManager(paynow)

	if cfg.Store.Kind == config.StoreRedis || cfg.Events == config.EventsRedis {
		rc, err := relayredis.NewClient(ctx, cfg.Store.RedisAddr)
		if err != nil {
			return nil, err
		}
		a.Redis = rc
		a.onClose(func() { rc.Close() })
	}

	registry, err := a.openRegistry(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Registry = registry
	a.onClose(func() { registry.Close() })

	if cfg.Events == config.EventsRedis {
		a.Stream = events.NewRedisStream(a.Redis.Client, logger)
		a.Publisher = a.Stream
	} else {
		async := events.NewAsyncPublisher(a.EventHandler(), 2, 1024, logger)
		a.Publisher = async
		a.onClose(async.Close)
	}

	a.Pool = infra.NewGatewayPool(cfg.GatewayWorkers, cfg.GatewayQueue, logger)
	a.onClose(a.Pool.Close)

	a.Coordinator = payments.NewCoordinator(cfg, a.Registry, a.Gateways, a.Pool, a.Publisher, logger)
	return a, nil
}

func (a *App) openRegistry(ctx context.Context) (repository.Registry, error) {
	s := a.Config.Store
	a.Logger.Info("opening payment registry", "store", s.Kind)
	switch s.Kind {
	case config.StoreMemory:
		return repository.NewMemoryRegistry(), nil
	case config.StoreSQLite:
		return repository.NewSQLiteRegistry(s.SQLitePath)
	case config.StorePostgres:
		return repository.NewPostgresRegistry(ctx, s.PostgresConn)
	case config.StoreRedis:
		return repository.NewRedisRegistry(a.Redis), nil
	case config.StoreMongo:
		return repository.NewMongoRegistry(ctx, s.MongoURI, s.MongoDB)
	}
	return nil, errors.Errorf("unknown store %q", s.Kind)
}

// EventHandler is what runs for each terminal payment event: a log line and,
// when configured, a notification to the client application.
func (a *App) EventHandler() events.Handler {
	handlers := []events.Handler{events.LogHandler(a.Logger)}
	if a.Config.NotifyURL != "" {
		handlers = append(handlers, events.NewNotifier(a.Config.NotifyURL, a.Config.Secret).Handle)
	}
	return events.Chain(handlers...)
}

// RunSweeper expires stale payments every interval until ctx is done.
func (a *App) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	a.Logger.Info("starting expiry sweep", "interval", interval.String(), "ttl", a.Config.PaymentTTL.String())
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.Coordinator.ExpireStale(ctx); err != nil && ctx.Err() == nil {
				a.Logger.Error("expiry sweep failed", "error", err)
			}
		}
	}
}

func (a *App) onClose(f func()) {
	a.closers = append(a.closers, f)
}

// Close releases resources in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
