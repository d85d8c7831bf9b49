package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"aurum_backend/internal/admin"
	"aurum_backend/internal/conversations/dedup"
	convrepo "aurum_backend/internal/conversations/repository"
	"aurum_backend/internal/followups/broker"
	followuprepo "aurum_backend/internal/followups/repository"
	"aurum_backend/internal/followups/scheduler"
	apphttp "aurum_backend/internal/http"
	"aurum_backend/internal/http/router"
	leadstatehandler "aurum_backend/internal/leadstate/handler"
	"aurum_backend/internal/reminders"
	"aurum_backend/internal/timewindow"
	"aurum_backend/internal/webhooks"
	"aurum_backend/platform/config"
	"aurum_backend/platform/db"
	"aurum_backend/platform/logger"
	"aurum_backend/platform/validator"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log := logger.New(cfg.Env)
	log.Info("starting api server", "env", cfg.Env, "addr", cfg.HTTPAddr, "rev", cfg.Revision)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ========================================================================
	// Infrastructure Layer
	// ========================================================================

	if err := withRetry(ctx, log, "database migrations", 5, 2*time.Second, func() error {
		return db.RunMigrations(ctx, cfg)
	}); err != nil {
		log.Error("failed to run database migrations", "error", err)
		panic("failed to run database migrations: " + err.Error())
	}
	log.Info("database migrations complete")

	var pool *pgxpool.Pool
	if err := withRetry(ctx, log, "database connection", 5, 2*time.Second, func() error {
		p, err := db.NewPool(ctx, cfg)
		if err != nil {
			return err
		}
		pool = p
		return nil
	}); err != nil {
		log.Error("failed to connect to database", "error", err)
		panic("failed to connect to database: " + err.Error())
	}
	defer pool.Close()
	log.Info("database connection established")

	redisClient, err := newRedisClient(cfg)
	if err != nil {
		log.Error("failed to connect to redis", "error", err)
		panic("failed to connect to redis: " + err.Error())
	}
	defer func() {
		_ = redisClient.Close()
	}()

	jobBroker, err := broker.New(cfg)
	if err != nil {
		log.Error("failed to initialize job broker", "error", err)
		panic("failed to initialize job broker: " + err.Error())
	}
	defer func() {
		_ = jobBroker.Close()
	}()

	val := validator.New()

	// ========================================================================
	// Domain Modules (Composition Root)
	// ========================================================================

	conversationRepo := convrepo.New(pool)
	ledgerRepo := followuprepo.New(pool)
	dedupStore := dedup.NewStore(redisClient, log)

	window := timewindow.Window{
		StartHour:   cfg.GetWorkingHourStart(),
		EndHour:     cfg.GetWorkingHourEnd(),
		DefaultZone: cfg.GetDefaultTimezone(),
	}
	followupScheduler := scheduler.New(ledgerRepo, jobBroker, window, cfg.GetPingDelay(), log)

	leadStateModule := leadstatehandler.NewModule(pool, conversationRepo, followupScheduler, cfg.GetDefaultTimezone(), val, log)

	ingestService := webhooks.NewService(
		dedupStore,
		conversationRepo,
		leadStateModule.Repository(),
		followupScheduler,
		cfg.GetDedupTTL(),
		cfg.GetDefaultTimezone(),
		log,
	)
	webhooksModule := webhooks.NewModule(ingestService, val)
	remindersModule := reminders.NewModule(followupScheduler, ledgerRepo, val)
	adminModule := admin.NewModule(jobBroker, val)

	// ========================================================================
	// HTTP Layer
	// ========================================================================

	app := &apphttp.App{
		Config: cfg,
		Logger: log,
		Health: []apphttp.HealthChecker{
			db.NewPoolAdapter(pool),
			dedupStore,
		},
		Modules: []apphttp.Module{
			webhooksModule,
			leadStateModule,
			remindersModule,
			adminModule,
		},
	}

	engine := router.New(app)

	srvErr := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", cfg.HTTPAddr)
		srvErr <- engine.Run(cfg.HTTPAddr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, gracefully shutting down")
	case err := <-srvErr:
		if err != nil {
			log.Error("server error", "error", err)
			panic("server error: " + err.Error())
		}
	}
}

func newRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.GetRedisURL())
	if err != nil {
		return nil, err
	}
	if opt.TLSConfig != nil && cfg.GetRedisTLSInsecure() {
		opt.TLSConfig.InsecureSkipVerify = true
	}
	return redis.NewClient(opt), nil
}

func withRetry(ctx context.Context, log *logger.Logger, name string, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		return fmt.Errorf("%s: invalid retry attempts", name)
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt < attempts {
			delay := baseDelay * time.Duration(attempt)
			log.Warn("retrying", "operation", name, "attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", name, attempts, lastErr)
}
