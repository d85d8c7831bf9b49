package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	convrepo "aurum_backend/internal/conversations/repository"
	"aurum_backend/internal/followups/broker"
	followuprepo "aurum_backend/internal/followups/repository"
	"aurum_backend/internal/followups/resync"
	"aurum_backend/internal/followups/scheduler"
	"aurum_backend/internal/followups/worker"
	leadrepo "aurum_backend/internal/leadstate/repository"
	"aurum_backend/internal/outbound"
	"aurum_backend/internal/timewindow"
	"aurum_backend/platform/config"
	"aurum_backend/platform/db"
	"aurum_backend/platform/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log := logger.New(cfg.Env)
	log.Info("starting followup worker", "env", cfg.Env, "concurrency", cfg.WorkerConcurrency)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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

	jobBroker, err := broker.New(cfg)
	if err != nil {
		log.Error("failed to initialize job broker", "error", err)
		panic("failed to initialize job broker: " + err.Error())
	}
	defer func() {
		_ = jobBroker.Close()
	}()

	conversationRepo := convrepo.New(pool)
	leadRepo := leadrepo.New(pool)
	ledgerRepo := followuprepo.New(pool)

	window := timewindow.Window{
		StartHour:   cfg.GetWorkingHourStart(),
		EndHour:     cfg.GetWorkingHourEnd(),
		DefaultZone: cfg.GetDefaultTimezone(),
	}
	followupScheduler := scheduler.New(ledgerRepo, jobBroker, window, cfg.GetPingDelay(), log)

	dispatcher := outbound.NewClient(cfg, log)

	executors := worker.NewExecutors(
		conversationRepo,
		conversationRepo,
		leadRepo,
		ledgerRepo,
		followupScheduler,
		dispatcher,
		cfg.GetPingDelay(),
		cfg.GetDefaultTimezone(),
		log,
	)

	followupWorker, err := worker.New(cfg, executors, log)
	if err != nil {
		log.Error("failed to initialize worker", "error", err)
		panic("failed to initialize worker: " + err.Error())
	}

	resyncLoop := resync.New(ledgerRepo, jobBroker, cfg.GetResyncInterval(), log)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		if err := followupWorker.Start(); err != nil {
			return err
		}
		<-groupCtx.Done()
		followupWorker.Shutdown()
		return nil
	})

	group.Go(func() error {
		resyncLoop.Run(groupCtx)
		return nil
	})

	if err := group.Wait(); err != nil {
		log.Error("worker terminated", "error", err)
		panic("worker terminated: " + err.Error())
	}
	log.Info("worker stopped")
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
