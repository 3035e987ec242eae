// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/url-frontier/internal/config"
	"github.com/JakeFAU/url-frontier/internal/frontier"
	"github.com/JakeFAU/url-frontier/internal/metrics"
	"github.com/JakeFAU/url-frontier/internal/storage/memory"
	"github.com/JakeFAU/url-frontier/internal/storage/postgres"
	"github.com/JakeFAU/url-frontier/internal/storage/redis"
	"github.com/JakeFAU/url-frontier/internal/storage/sqlite"
)

// App holds the shared, long-lived services for one process: the configured
// store, the frontier built over it, and the metrics recorder feeding
// Prometheus. It is built once at startup and closed on shutdown.
type App struct {
	Config   config.Config
	Logger   *zap.Logger
	Store    frontier.Store
	Frontier *frontier.Frontier
	Recorder *metrics.Recorder
}

type migrator interface {
	Migrate(ctx context.Context) error
}

// New opens the configured store and builds the frontier over it. It fails
// fast when the store cannot be reached.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("initializing application services", zap.String("backend", cfg.Store.Backend))

	priority, err := cfg.PriorityPolicy()
	if err != nil {
		return nil, fmt.Errorf("build priority policy: %w", err)
	}

	store, err := OpenStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	if cfg.Store.Backend == config.BackendPostgres && cfg.Postgres.AutoMigrate {
		if err := migrate(ctx, store); err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	recorder := metrics.NewRecorder()
	f := frontier.New(store,
		frontier.WithPriorityPolicy(priority),
		frontier.WithObserver(recorder),
		frontier.WithLogger(logger),
	)

	logger.Info("application services initialized")
	return &App{
		Config:   cfg,
		Logger:   logger,
		Store:    store,
		Frontier: f,
		Recorder: recorder,
	}, nil
}

// OpenStore constructs the store selected by cfg.Store.Backend.
func OpenStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (frontier.Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Store.Backend {
	case config.BackendMemory, "":
		logger.Warn("using in-memory store; entries are lost on exit")
		return memory.NewEntryStore(nil, memory.WithBatchSize(cfg.Store.BatchSize)), nil
	case config.BackendPostgres:
		store, err := postgres.NewEntryStore(ctx, postgres.Config{
			DSN:             cfg.Postgres.DSN,
			Table:           cfg.Postgres.Table,
			MaxConns:        cfg.Postgres.MaxConns,
			MinConns:        cfg.Postgres.MinConns,
			MaxConnLifetime: cfg.Postgres.MaxConnLifetime,
			BatchSize:       cfg.Store.BatchSize,
			Logger:          logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize postgres store: %w", err)
		}
		return store, nil
	case config.BackendSQLite:
		store, err := sqlite.Open(ctx, sqlite.Config{
			Path:      cfg.SQLite.Path,
			BatchSize: cfg.Store.BatchSize,
			Logger:    logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize sqlite store: %w", err)
		}
		return store, nil
	case config.BackendRedis:
		store, err := redis.NewEntryStore(ctx, redis.Config{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Prefix:    cfg.Redis.Prefix,
			BatchSize: cfg.Store.BatchSize,
			Logger:    logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize redis store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store backend: %s", cfg.Store.Backend)
	}
}

// Migrate applies the store schema when the backend needs one.
func (a *App) Migrate(ctx context.Context) error {
	return migrate(ctx, a.Store)
}

func migrate(ctx context.Context, store frontier.Store) error {
	m, ok := store.(migrator)
	if !ok {
		return nil
	}
	if err := m.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}
	return nil
}

// Close releases the store and flushes the logger.
func (a *App) Close() {
	a.Logger.Info("shutting down application services")
	if err := a.Store.Close(); err != nil {
		a.Logger.Warn("error closing store", zap.Error(err))
	}
	// Sync fails on stdout/stderr for some platforms; nothing useful to do then.
	_ = a.Logger.Sync()
}
