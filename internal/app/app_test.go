package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payment-relay/internal/config"
	"payment-relay/internal/events"
	"payment-relay/internal/logging"
	"payment-relay/internal/payments/entities"
	"payment-relay/internal/payments/repository"
)

func testConfig() *config.Config {
	return &config.Config{
		Secret: "s3cret",
		Paynow: config.Paynow{
			IntegrationID:  "1234",
			IntegrationKey: "key",
			BaseURL:        "https://www.paynow.co.zw/interface",
		},
		Currency:   "USD",
		PaymentTTL: time.Hour,
		Retry:      config.Retry{MaxAttempts: 3, BaseDelay: time.Millisecond, Factor: 2, AttemptTimeout: time.Second},
		Store:      config.Store{Kind: config.StoreMemory},
		Events:     config.EventsLog,
		Plans:      config.DefaultPlans(),
	}
}

func TestNewMemory(t *testing.T) {
	a, err := New(context.Background(), testConfig(), logging.Discard())
	require.NoError(t, err)
	defer a.Close()

	assert.IsType(t, &repository.MemoryRegistry{}, a.Registry)
	assert.IsType(t, &events.AsyncPublisher{}, a.Publisher)
	assert.Nil(t, a.Stream)
	assert.True(t, a.Gateways.Ready())
	assert.NotNil(t, a.Coordinator)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Secret = ""
	_, err := New(context.Background(), cfg, logging.Discard())
	assert.ErrorContains(t, err, "RELAY_SECRET")
}

func TestNewSQLite(t *testing.T) {
	cfg := testConfig()
	cfg.Store = config.Store{Kind: config.StoreSQLite, SQLitePath: filepath.Join(t.TempDir(), "relay.db")}

	a, err := New(context.Background(), cfg, logging.Discard())
	require.NoError(t, err)
	defer a.Close()
	assert.IsType(t, &repository.SQLiteRegistry{}, a.Registry)
}

func TestNewRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.Store = config.Store{Kind: config.StoreRedis, RedisAddr: mr.Addr()}
	cfg.Events = config.EventsRedis

	a, err := New(context.Background(), cfg, logging.Discard())
	require.NoError(t, err)
	defer a.Close()

	assert.IsType(t, &repository.RedisRegistry{}, a.Registry)
	require.NotNil(t, a.Stream)
	assert.Same(t, a.Stream, a.Publisher)
}

func TestRunSweeper(t *testing.T) {
	a, err := New(context.Background(), testConfig(), logging.Discard())
	require.NoError(t, err)
	defer a.Close()

	old := time.Now().Add(-2 * time.Hour).UTC()
	p := &entities.Payment{Reference: "PLAN_PRO_1_old", Status: entities.StatusCreated, CreatedAt: old, UpdatedAt: old}
	require.NoError(t, a.Registry.Insert(context.Background(), p))
	_, err = a.Registry.Transition(context.Background(), p.Reference, entities.StatusSent,
		entities.TransitionFields{RedirectURL: "https://pay/x", PollURL: "https://pay/poll/x"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.RunSweeper(ctx, 10*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool {
		got, err := a.Registry.Get(context.Background(), p.Reference)
		return err == nil && got.Status == entities.StatusExpired
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done
}
