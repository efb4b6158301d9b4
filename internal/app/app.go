// Package app builds the collaborators shared by the MTA binaries from
// configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/welldanyogia/tempmail-mta/internal/config"
	"github.com/welldanyogia/tempmail-mta/internal/delivery"
	"github.com/welldanyogia/tempmail-mta/internal/directory"
	"github.com/welldanyogia/tempmail-mta/internal/events"
	"github.com/welldanyogia/tempmail-mta/internal/status"
	"github.com/welldanyogia/tempmail-mta/internal/storage"
)

// App holds the collaborators of both engines
type App struct {
	Config *config.Config
	Logger *slog.Logger

	// Pool and DB are nil unless a postgres backend is configured
	Pool *pgxpool.Pool
	DB   *sqlx.DB

	Store     storage.Store
	Tracker   status.Tracker
	Directory directory.Directory
	Bus       *events.InMemoryEventBus
	Notifier  *events.Notifier
	Resolver  *delivery.Resolver
	Engine    *delivery.Engine

	closers []func() error
}

// New builds every collaborator selected by cfg. On error, whatever was
// already opened is closed.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	a := &App{Config: cfg, Logger: log}
	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config
	if cfg.Status.Backend == "postgres" || cfg.Directory.Backend == "postgres" {
		if err := a.openDatabase(ctx); err != nil {
			return err
		}
	}

	store, err := newStore(&cfg.Storage)
	if err != nil {
		return err
	}
	a.Store = store
	if err := a.openTracker(); err != nil {
		return err
	}
	if err := a.openDirectory(); err != nil {
		return err
	}
	if err := a.openEvents(); err != nil {
		return err
	}

	a.Resolver, err = delivery.NewResolver(delivery.ResolverConfig{
		Server:   cfg.Delivery.DNSServer,
		CacheTTL: cfg.Delivery.MXCacheTTL,
		Logger:   a.Logger,
	})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() error { a.Resolver.Close(); return nil })

	a.Engine = delivery.NewEngine(delivery.Config{
		Domain:   cfg.SMTP.Domain,
		Resolver: a.Resolver,
		Transport: &delivery.Client{
			Hostname:    cfg.SMTP.Domain,
			Port:        cfg.Delivery.Port,
			DialTimeout: cfg.Delivery.DialTimeout,
			Timeout:     cfg.Delivery.Timeout,
		},
		Store:    a.Store,
		Tracker:  a.Tracker,
		Notifier: a.Notifier,
		Logger:   a.Logger,
	})
	return nil
}

func (a *App) openDatabase(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(a.Config.Database.DSN())
	if err != nil {
		return fmt.Errorf("app: parse database config: %w", err)
	}
	poolConfig.MaxConns = 25
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 5 * time.Minute
	poolConfig.MaxConnIdleTime = time.Minute
	poolConfig.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return fmt.Errorf("app: create database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("app: ping database: %w", err)
	}
	a.Pool = pool
	a.closers = append(a.closers, func() error { pool.Close(); return nil })

	// the tracker's sqlx handle shares the pool
	a.DB = sqlx.NewDb(stdlib.OpenDBFromPool(pool), "pgx")
	a.closers = append(a.closers, a.DB.Close)

	a.Logger.Info("connected to database",
		slog.String("database", a.Config.Database.DBName),
		slog.String("host", a.Config.Database.Host),
	)
	return nil
}

func newStore(cfg *config.StorageConfig) (storage.Store, error) {
	switch cfg.Backend {
	case "s3":
		return storage.NewS3Store(cfg)
	case "", "file":
		return storage.NewFileStore(cfg.Root)
	}
	return nil, fmt.Errorf("app: unknown storage backend %q", cfg.Backend)
}

func (a *App) openTracker() error {
	switch a.Config.Status.Backend {
	case "", "memory":
		a.Tracker = status.NewMemoryTracker()
	case "badger":
		t, err := status.OpenBadger(a.Config.Status.BadgerPath)
		if err != nil {
			return err
		}
		a.Tracker = t
		a.closers = append(a.closers, t.Close)
	case "postgres":
		a.Tracker = status.NewSQLTracker(a.DB)
	default:
		return fmt.Errorf("app: unknown status backend %q", a.Config.Status.Backend)
	}
	return nil
}

func (a *App) openDirectory() error {
	switch a.Config.Directory.Backend {
	case "", "static":
		d, err := directory.ParseStatic(a.Config.Directory.StaticUsers)
		if err != nil {
			return err
		}
		if d.Len() == 0 {
			a.Logger.Warn("static directory has no users, SMTP AUTH will always fail")
		}
		a.Directory = d
	case "postgres":
		a.Directory = directory.NewPgxDirectory(a.Pool)
	default:
		return fmt.Errorf("app: unknown directory backend %q", a.Config.Directory.Backend)
	}
	return nil
}

func (a *App) openEvents() error {
	a.Bus = events.NewEventBus(events.NewEventStore(a.Config.Events.BufferSize), a.Logger)
	pubs := events.MultiPublisher{a.Bus}

	if url := a.Config.Events.AMQPURL; url != "" {
		amqpPub, err := events.DialAMQP(url, a.Config.Events.AMQPExchange)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, amqpPub.Close)
		pubs = append(pubs, amqpPub)
		a.Logger.Info("publishing events to AMQP", slog.String("exchange", a.Config.Events.AMQPExchange))
	}

	a.Notifier = events.NewNotifier(pubs)
	return nil
}

// Close releases the collaborators in reverse order of opening
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
