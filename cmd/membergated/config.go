package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config is the daemon configuration, loaded from environment variables.
type Config struct {
	Port      string `env:"PORT, default=8080"`
	LogLevel  string `env:"LOG_LEVEL, default=info"`
	LogPretty bool   `env:"LOG_PRETTY, default=false"`

	// PublicBaseURL is the externally reachable base URL of this daemon,
	// used for checkout redirects and short links.
	PublicBaseURL string `env:"PUBLIC_BASE_URL, default=http://localhost:8080"`

	// AdminToken guards the /admin endpoints. Empty disables them.
	AdminToken string `env:"ADMIN_TOKEN"`

	Storage  StorageConfig
	Redis    RedisConfig
	Stripe   StripeConfig
	Telegram TelegramConfig
	Plans    PlanConfig
	Sweep    SweepConfig
}

type StorageConfig struct {
	// Backend selects the entitlement store: memory, postgres or firestore.
	Backend string `env:"STORAGE_BACKEND, default=memory"`

	PostgresDSN        string `env:"POSTGRES_DSN"`
	FirestoreProjectID string `env:"FIRESTORE_PROJECT_ID"`
}

type RedisConfig struct {
	// Addr enables Redis-backed event dedup and short links. Empty disables
	// both; store-level idempotence guards still hold without them.
	Addr     string `env:"REDIS_ADDR"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB, default=0"`
}

type StripeConfig struct {
	APIKey        string `env:"STRIPE_API_KEY, required"`
	WebhookSecret string `env:"STRIPE_WEBHOOK_SECRET, required"`
}

type TelegramConfig struct {
	Token     string  `env:"TELEGRAM_BOT_TOKEN, required"`
	ChannelID int64   `env:"TELEGRAM_CHANNEL_ID, required"`
	AdminIDs  []int64 `env:"TELEGRAM_ADMIN_IDS"`
}

type PlanConfig struct {
	// Durations maps Stripe price IDs to entitlement durations,
	// e.g. "price_monthly:720h,price_yearly:8760h".
	Durations map[string]time.Duration `env:"PLAN_DURATIONS"`

	// DefaultDuration applies to price IDs not listed in Durations.
	DefaultDuration time.Duration `env:"PLAN_DEFAULT_DURATION, default=720h"`
}

type SweepConfig struct {
	Interval     time.Duration `env:"SWEEP_INTERVAL, default=30m"`
	WarnAfter    time.Duration `env:"SWEEP_WARN_AFTER, default=24h"`
	RemoveAfter  time.Duration `env:"SWEEP_REMOVE_AFTER, default=48h"`
	RemindBefore time.Duration `env:"SWEEP_REMIND_BEFORE, default=24h"`
	Concurrency  int           `env:"SWEEP_CONCURRENCY, default=4"`

	// RemindAt is the cron expression for the daily expiring-soon pass.
	RemindAt string `env:"SWEEP_REMIND_AT, default=0 10 * * *"`
}

// LoadConfig reads configuration from environment variables.
func LoadConfig(ctx context.Context) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	switch cfg.Storage.Backend {
	case "memory", "postgres", "firestore":
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
	if cfg.Storage.Backend == "postgres" && cfg.Storage.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required for the postgres backend")
	}
	if cfg.Storage.Backend == "firestore" && cfg.Storage.FirestoreProjectID == "" {
		return nil, fmt.Errorf("FIRESTORE_PROJECT_ID is required for the firestore backend")
	}

	return &cfg, nil
}
