// Package config loads relay settings from the environment (and an optional
// .env file) once at startup.
package config

import (
	"io/fs"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
	StoreMongo    = "mongo"

	EventsLog   = "log"
	EventsRedis = "redis"
)

type Paynow struct {
	IntegrationID  string
	IntegrationKey string
	BaseURL        string
	ReturnURL      string
	ResultURL      string
}

type Retry struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	Factor         float64
	AttemptTimeout time.Duration
}

type Store struct {
	Kind         string
	SQLitePath   string
	PostgresConn string
	RedisAddr    string
	MongoURI     string
	MongoDB      string
}

type Plan struct {
	Key    string
	Label  string
	Amount decimal.Decimal
}

type Config struct {
	Port              string
	Secret            string
	Paynow            Paynow
	Currency          string
	PaymentTTL        time.Duration
	SweepInterval     time.Duration
	Retry             Retry
	GatewayWorkers    int
	GatewayQueue      int
	AllowCustomAmount bool
	Store             Store
	Events            string
	NotifyURL         string
	LogLevel          string
	LogFormat         string
	Plans             map[string]Plan
}

func DefaultPlans() map[string]Plan {
	return map[string]Plan{
		"starter":  {Key: "starter", Label: "Starter Plan", Amount: decimal.NewFromInt(5)},
		"pro":      {Key: "pro", Label: "Pro Plan", Amount: decimal.NewFromInt(15)},
		"business": {Key: "business", Label: "Business Plan", Amount: decimal.NewFromInt(30)},
	}
}

// Load reads .env when present, then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, errors.Wrap(err, "load .env")
	}

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		Port:   v.GetString("PORT"),
		Secret: v.GetString("RELAY_SECRET"),
		Paynow: Paynow{
			IntegrationID:  v.GetString("PAYNOW_INTEGRATION_ID"),
			IntegrationKey: v.GetString("PAYNOW_INTEGRATION_KEY"),
			BaseURL:        v.GetString("PAYNOW_BASE_URL"),
			ReturnURL:      v.GetString("PAYNOW_RETURN_URL"),
			ResultURL:      v.GetString("PAYNOW_RESULT_URL"),
		},
		Currency:      strings.ToUpper(v.GetString("RELAY_CURRENCY")),
		PaymentTTL:    v.GetDuration("RELAY_PAYMENT_TTL"),
		SweepInterval: v.GetDuration("RELAY_SWEEP_INTERVAL"),
		Retry: Retry{
			MaxAttempts:    v.GetInt("RELAY_RETRY_MAX_ATTEMPTS"),
			BaseDelay:      v.GetDuration("RELAY_RETRY_BASE_DELAY"),
			Factor:         v.GetFloat64("RELAY_RETRY_FACTOR"),
			AttemptTimeout: v.GetDuration("RELAY_SUBMIT_TIMEOUT"),
		},
		GatewayWorkers:    v.GetInt("RELAY_GATEWAY_WORKERS"),
		GatewayQueue:      v.GetInt("RELAY_GATEWAY_QUEUE"),
		AllowCustomAmount: v.GetBool("RELAY_ALLOW_CUSTOM_AMOUNT"),
		Store: Store{
			Kind:         strings.ToLower(v.GetString("RELAY_STORE")),
			SQLitePath:   v.GetString("SQLITE_PATH"),
			PostgresConn: v.GetString("CONN_STRING"),
			RedisAddr:    v.GetString("REDIS_URL"),
			MongoURI:     v.GetString("MONGOURI"),
			MongoDB:      v.GetString("MONGO_DB"),
		},
		Events:    strings.ToLower(v.GetString("RELAY_EVENTS")),
		NotifyURL: v.GetString("RELAY_NOTIFY_URL"),
		LogLevel:  v.GetString("LOG_LEVEL"),
		LogFormat: v.GetString("LOG_FORMAT"),
		Plans:     DefaultPlans(),
	}

	if path := v.GetString("RELAY_PLANS_FILE"); path != "" {
		plans, err := LoadPlans(path)
		if err != nil {
			return nil, err
		}
		cfg.Plans = plans
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "3000")
	v.SetDefault("PAYNOW_BASE_URL", "https://www.paynow.co.zw/interface")
	v.SetDefault("RELAY_CURRENCY", "USD")
	v.SetDefault("RELAY_PAYMENT_TTL", "24h")
	v.SetDefault("RELAY_SWEEP_INTERVAL", "1m")
	v.SetDefault("RELAY_RETRY_MAX_ATTEMPTS", 3)
	v.SetDefault("RELAY_RETRY_BASE_DELAY", "200ms")
	v.SetDefault("RELAY_RETRY_FACTOR", 2.0)
	v.SetDefault("RELAY_SUBMIT_TIMEOUT", "10s")
	v.SetDefault("RELAY_GATEWAY_WORKERS", 0)
	v.SetDefault("RELAY_GATEWAY_QUEUE", 1024)
	v.SetDefault("RELAY_ALLOW_CUSTOM_AMOUNT", false)
	v.SetDefault("RELAY_STORE", StoreMemory)
	v.SetDefault("SQLITE_PATH", "payments.db")
	v.SetDefault("MONGO_DB", "paynow_relay")
	v.SetDefault("RELAY_EVENTS", EventsLog)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
}

type planFile struct {
	Plans map[string]struct {
		Label  string `yaml:"label"`
		Amount string `yaml:"amount"`
	} `yaml:"plans"`
}

// LoadPlans reads a YAML plan catalog:
//
//	plans:
//	  pro:
//	    label: Pro Plan
//	    amount: "15.00"
func LoadPlans(path string) (map[string]Plan, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read plans file %s", path)
	}
	var f planFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, errors.Wrapf(err, "parse plans file %s", path)
	}
	if len(f.Plans) == 0 {
		return nil, errors.Errorf("plans file %s defines no plans", path)
	}

	plans := make(map[string]Plan, len(f.Plans))
	for key, p := range f.Plans {
		amount, err := decimal.NewFromString(p.Amount)
		if err != nil || !amount.IsPositive() {
			return nil, errors.Errorf("plan %q: invalid amount %q", key, p.Amount)
		}
		key = strings.ToLower(key)
		label := p.Label
		if label == "" {
			label = key
		}
		plans[key] = Plan{Key: key, Label: label, Amount: amount}
	}
	return plans, nil
}

func (c *Config) Plan(key string) (Plan, bool) {
	p, ok := c.Plans[strings.ToLower(strings.TrimSpace(key))]
	return p, ok
}

// EnvCheck reports which mandatory settings are present, without values.
func (c *Config) EnvCheck() map[string]bool {
	return map[string]bool{
		"PAYNOW_INTEGRATION_ID":  c.Paynow.IntegrationID != "",
		"PAYNOW_INTEGRATION_KEY": c.Paynow.IntegrationKey != "",
		"RELAY_SECRET":           c.Secret != "",
	}
}

// Validate returns an error naming every missing or inconsistent setting.
func (c *Config) Validate() error {
	var problems []string
	for key, ok := range c.EnvCheck() {
		if !ok {
			problems = append(problems, key+" missing")
		}
	}

	switch c.Store.Kind {
	case StoreMemory:
	case StoreSQLite:
		if c.Store.SQLitePath == "" {
			problems = append(problems, "SQLITE_PATH missing")
		}
	case StorePostgres:
		if c.Store.PostgresConn == "" {
			problems = append(problems, "CONN_STRING missing")
		}
	case StoreRedis:
		if c.Store.RedisAddr == "" {
			problems = append(problems, "REDIS_URL missing")
		}
	case StoreMongo:
		if c.Store.MongoURI == "" {
			problems = append(problems, "MONGOURI missing")
		}
	default:
		problems = append(problems, "RELAY_STORE unknown: "+c.Store.Kind)
	}

	switch c.Events {
	case EventsLog:
	case EventsRedis:
		if c.Store.RedisAddr == "" {
			problems = append(problems, "REDIS_URL missing")
		}
	default:
		problems = append(problems, "RELAY_EVENTS unknown: "+c.Events)
	}

	if c.Retry.MaxAttempts < 1 {
		problems = append(problems, "RELAY_RETRY_MAX_ATTEMPTS must be at least 1")
	}
	if c.Retry.Factor < 1 {
		problems = append(problems, "RELAY_RETRY_FACTOR must be at least 1")
	}
	if c.Retry.AttemptTimeout <= 0 {
		problems = append(problems, "RELAY_SUBMIT_TIMEOUT must be positive")
	}
	if c.PaymentTTL < 0 {
		problems = append(problems, "RELAY_PAYMENT_TTL must not be negative")
	}
	if len(c.Plans) == 0 {
		problems = append(problems, "no plans configured")
	}

	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return errors.Errorf("invalid configuration: %s", strings.Join(dedupe(problems), "; "))
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i == 0 || s != sorted[i-1] {
			out = append(out, s)
		}
	}
	return out
}
