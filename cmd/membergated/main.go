// Command membergated runs the subscription lifecycle daemon: it receives
// Stripe webhooks, reconciles entitlement periods on a schedule, and keeps
// Telegram channel membership in sync with who has paid.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/membergate/membergate/pkg/access"
	"github.com/membergate/membergate/pkg/billing"
	promBilling "github.com/membergate/membergate/pkg/billing/metrics/prometheus"
	stripeprovider "github.com/membergate/membergate/pkg/billing/stripe"
	"github.com/membergate/membergate/pkg/channel/telegram"
	"github.com/membergate/membergate/pkg/lifecycle"
	promLifecycle "github.com/membergate/membergate/pkg/lifecycle/metrics/prometheus"
	"github.com/membergate/membergate/pkg/shortlink"
	firestorestore "github.com/membergate/membergate/storage/firestore"
	memorystore "github.com/membergate/membergate/storage/memory"
	postgresstore "github.com/membergate/membergate/storage/postgres"
	redisstore "github.com/membergate/membergate/storage/redis"
)

const metricsNamespace = "membergate"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "membergated:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := LoadConfig(ctx)
	if err != nil {
		return err
	}

	log := newLogger(cfg.LogLevel, cfg.LogPretty)
	log.Info().Str("storage", cfg.Storage.Backend).Msg("starting membergated")

	store, cleanup, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	var redisClient *redis.Client
	var dedup billing.Dedup
	var links *shortlink.Service
	if cfg.Redis.Addr != "" {
		redisClient, err = redisstore.Connect(ctx, redisstore.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return err
		}
		defer func() { _ = redisClient.Close() }()

		dedup = redisstore.NewDedupChecker(redisClient)
		links, err = shortlink.New(redisClient, shortlink.Config{
			PublicBaseURL: cfg.PublicBaseURL + "/r",
		})
		if err != nil {
			return err
		}
	}

	tgClient, err := telegram.NewClient(telegram.Config{
		Token:     cfg.Telegram.Token,
		ChannelID: cfg.Telegram.ChannelID,
	})
	if err != nil {
		return err
	}

	notifier, err := telegram.NewNotifier(tgClient, telegram.NotifierConfig{
		AdminIDs: cfg.Telegram.AdminIDs,
		RenewURL: cfg.PublicBaseURL + "/success",
		Logger:   &log,
	})
	if err != nil {
		return err
	}

	sync, err := access.New(tgClient, access.Config{Links: links, Logger: &log})
	if err != nil {
		return err
	}

	engine, err := lifecycle.NewEngine(store, sync, notifier, lifecycle.Config{
		PlanDurations:       cfg.Plans.Durations,
		DefaultPlanDuration: cfg.Plans.DefaultDuration,
		WarnAfter:           cfg.Sweep.WarnAfter,
		RemoveAfter:         cfg.Sweep.RemoveAfter,
		RemindBefore:        cfg.Sweep.RemindBefore,
		SweepConcurrency:    cfg.Sweep.Concurrency,
		Logger:              &log,
		Metrics:             promLifecycle.DefaultMetrics(metricsNamespace),
	})
	if err != nil {
		return err
	}

	provider, err := stripeprovider.NewProvider(stripeprovider.Config{
		APIKey:        cfg.Stripe.APIKey,
		WebhookSecret: cfg.Stripe.WebhookSecret,
		Sink:          engine,
		Users:         store,
		Dedup:         dedup,
		Metrics:       promBilling.DefaultMetrics(metricsNamespace),
		Logger:        &log,
	})
	if err != nil {
		return err
	}

	scheduler, err := startScheduler(ctx, cfg, engine, log)
	if err != nil {
		return err
	}
	defer scheduler.Stop()

	srv := &server{engine: engine, provider: provider, links: links, cfg: cfg, log: log}
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// buildStore constructs the configured entitlement store and returns its
// cleanup function.
func buildStore(ctx context.Context, cfg *Config) (lifecycle.Store, func(), error) {
	switch cfg.Storage.Backend {
	case "postgres":
		pgCfg := postgresstore.DefaultConfig()
		pgCfg.ConnectionString = cfg.Storage.PostgresDSN
		store, err := postgresstore.New(ctx, pgCfg)
		if err != nil {
			return nil, nil, err
		}
		if err := store.InitSchema(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
		return store, store.Close, nil

	case "firestore":
		client, err := firestore.NewClient(ctx, cfg.Storage.FirestoreProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("firestore client: %w", err)
		}
		store, err := firestorestore.New(client, firestorestore.Config{})
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return store, func() { _ = client.Close() }, nil

	default:
		return memorystore.New(), func() {}, nil
	}
}

// startScheduler runs the periodic sweep and the daily expiring-soon
// reminder.
func startScheduler(ctx context.Context, cfg *Config, engine *lifecycle.Engine, log zerolog.Logger) (*cron.Cron, error) {
	scheduler := cron.New()

	_, err := scheduler.AddFunc("@every "+cfg.Sweep.Interval.String(), func() {
		if err := engine.Sweep(ctx, time.Now().UTC()); err != nil {
			log.Error().Err(err).Msg("scheduled sweep failed")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule sweep: %w", err)
	}

	_, err = scheduler.AddFunc(cfg.Sweep.RemindAt, func() {
		if err := engine.RemindExpiring(ctx, time.Now().UTC()); err != nil {
			log.Error().Err(err).Msg("expiring-soon pass failed")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule reminder: %w", err)
	}

	scheduler.Start()
	return scheduler, nil
}

func newLogger(level string, pretty bool) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var out io.Writer = os.Stdout
	if pretty {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	lvl := parseLevel(level)
	zerolog.SetGlobalLevel(lvl)
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
