package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"fiscalcontrol/auth"
	"fiscalcontrol/cache"
	"fiscalcontrol/config"
	"fiscalcontrol/db"
	"fiscalcontrol/notify"
	"fiscalcontrol/payment"
	"fiscalcontrol/reminder"
	"fiscalcontrol/sheet"
)

// app holds the wired components shared by the subcommands.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	repo      payment.Repository
	payments  *payment.Service
	sweeper   *reminder.Sweeper
	scheduler *reminder.Scheduler
	auth      *auth.Service
	async     *notify.Async
	closers   []func()
}

func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newLogger(cfg config.LogConfig) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
}

func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	repo, err := a.openStore(ctx)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	switch cfg.Cache.Driver {
	case "memory":
		repo = payment.NewCachedRepository(repo, cache.NewMemory(cfg.Cache.TTL), logger)
	case "redis":
		rc, err := cache.NewRedis(ctx, cfg.Cache.RedisAddr, cfg.Cache.TTL)
		if err != nil {
			a.Close(ctx)
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = rc.Close() })
		repo = payment.NewCachedRepository(repo, rc, logger)
	}
	a.repo = repo

	var dispatcher notify.Dispatcher
	switch cfg.Notify.Driver {
	case "relay":
		relay, err := notify.NewRelay(notify.RelayConfig{
			URL:      cfg.Notify.RelayURL,
			APIKey:   cfg.Notify.APIKey,
			Username: cfg.Notify.Username,
			Password: cfg.Notify.Password,
			Timeout:  cfg.Notify.Timeout,
		})
		if err != nil {
			a.Close(ctx)
			return nil, err
		}
		dispatcher = relay
	default:
		dispatcher = notify.NewLogDispatcher(logger)
	}
	a.async = notify.NewAsync(dispatcher, cfg.Notify.Timeout, logger)

	a.payments = payment.NewService(repo, a.async, logger).
		WithLocation(cfg.Store.Location).
		WithAuditPhone(cfg.Notify.AuditPhone)

	a.sweeper = reminder.NewSweeper(repo, dispatcher, reminder.Options{
		HorizonDays: cfg.Reminder.HorizonDays,
		Statuses:    cfg.Reminder.EligibleStatuses,
	}, logger)
	a.scheduler = reminder.NewScheduler(a.sweeper, cfg.Reminder.Hour, cfg.Store.Location, logger)

	if cfg.Auth.JWTSecret != "" {
		dir, err := cfg.Auth.Directory()
		if err != nil {
			a.Close(ctx)
			return nil, err
		}
		a.auth = auth.NewService(dir, cfg.Auth.JWTSecret)
		logger.Info("login enabled", "users", dir.Len(), "require_token", cfg.Auth.RequireToken)
	}

	return a, nil
}

func (a *app) openStore(ctx context.Context) (payment.Repository, error) {
	switch a.cfg.Store.Driver {
	case "postgres":
		pool, err := a.openPool(ctx)
		if err != nil {
			return nil, err
		}
		return payment.NewRepository(pool, a.cfg.Store.LockTimeout), nil
	case "sheet":
		store, err := sheet.NewStore(a.cfg.Store.SheetPath, a.cfg.Store.LockTimeout, a.logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "memory":
		a.logger.Warn("using in-memory store, records are lost on restart")
		return payment.NewMemoryRepository(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", a.cfg.Store.Driver)
	}
}

func (a *app) openPool(ctx context.Context) (*pgxpool.Pool, error) {
	pool, err := db.NewPool(ctx, a.cfg.Store.DatabaseURL)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, pool.Close)
	return pool, nil
}

// Close drains pending notifications, then releases connections in reverse
// order of acquisition.
func (a *app) Close(ctx context.Context) {
	if a.async != nil {
		if err := a.async.Close(ctx); err != nil {
			a.logger.Warn("pending notifications abandoned", "error", err)
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
