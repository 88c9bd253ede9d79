package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(wd) })
}

func setRequired(t *testing.T) {
	t.Setenv("PAYNOW_INTEGRATION_ID", "1234")
	t.Setenv("PAYNOW_INTEGRATION_KEY", "key")
	t.Setenv("RELAY_SECRET", "s3cret")
}

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "3000", cfg.Port)
	assert.Equal(t, "USD", cfg.Currency)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 200*time.Millisecond, cfg.Retry.BaseDelay)
	assert.Equal(t, 2.0, cfg.Retry.Factor)
	assert.Equal(t, 10*time.Second, cfg.Retry.AttemptTimeout)
	assert.Equal(t, StoreMemory, cfg.Store.Kind)
	assert.Equal(t, EventsLog, cfg.Events)
	assert.False(t, cfg.AllowCustomAmount)

	pro, ok := cfg.Plan("PRO")
	require.True(t, ok)
	assert.Equal(t, "Pro Plan", pro.Label)
	assert.True(t, pro.Amount.Equal(decimal.NewFromInt(15)))
}

func TestLoadOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	setRequired(t)
	t.Setenv("RELAY_RETRY_MAX_ATTEMPTS", "5")
	t.Setenv("RELAY_PAYMENT_TTL", "15m")
	t.Setenv("RELAY_STORE", "SQLite")
	t.Setenv("RELAY_ALLOW_CUSTOM_AMOUNT", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 15*time.Minute, cfg.PaymentTTL)
	assert.Equal(t, StoreSQLite, cfg.Store.Kind)
	assert.True(t, cfg.AllowCustomAmount)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("PAYNOW_INTEGRATION_ID=from-dotenv\nPAYNOW_INTEGRATION_KEY=k\nRELAY_SECRET=s\n"), 0o600))
	for _, key := range []string{"PAYNOW_INTEGRATION_ID", "RELAY_SECRET"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
	t.Setenv("PAYNOW_INTEGRATION_KEY", "from-env")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Paynow.IntegrationID)
	assert.Equal(t, "from-env", cfg.Paynow.IntegrationKey, "process env wins over .env")
	assert.Equal(t, "s", cfg.Secret)
}

func TestValidateListsMissing(t *testing.T) {
	cfg := &Config{
		Store:  Store{Kind: StorePostgres},
		Events: EventsRedis,
		Retry:  Retry{MaxAttempts: 0, Factor: 2, AttemptTimeout: time.Second},
		Plans:  DefaultPlans(),
	}
	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"PAYNOW_INTEGRATION_ID", "PAYNOW_INTEGRATION_KEY", "RELAY_SECRET",
		"CONN_STRING", "REDIS_URL", "RELAY_RETRY_MAX_ATTEMPTS",
	} {
		assert.Contains(t, err.Error(), want)
	}

	assert.False(t, cfg.EnvCheck()["RELAY_SECRET"])
}

func TestLoadPlans(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plans.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
plans:
  Gold:
    label: Gold Plan
    amount: "49.99"
  lite:
    amount: 2
`), 0o600))

	plans, err := LoadPlans(path)
	require.NoError(t, err)
	require.Len(t, plans, 2)
	assert.Equal(t, "Gold Plan", plans["gold"].Label)
	assert.True(t, plans["gold"].Amount.Equal(decimal.RequireFromString("49.99")))
	assert.Equal(t, "lite", plans["lite"].Label)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("plans:\n  x:\n    amount: \"-1\"\n"), 0o600))
	_, err = LoadPlans(bad)
	assert.Error(t, err)
}
