package server

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/fuel-price-crawler/internal/clock/system"
	"github.com/JakeFAU/fuel-price-crawler/internal/config"
	"github.com/JakeFAU/fuel-price-crawler/internal/crawler"
	memorystore "github.com/JakeFAU/fuel-price-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/fuel-price-crawler/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/fuel-price-crawler/internal/storage/sqlite"
)

// OpenStore opens the backend selected by storage.backend.
func OpenStore(ctx context.Context, cfg config.Config, clock crawler.Clock) (crawler.Store, error) {
	if clock == nil {
		clock = system.New()
	}
	switch cfg.Storage.Backend {
	case config.BackendPostgres:
		store, err := pgstore.New(ctx, pgstore.Config{
			DSN:             cfg.DB.DSN,
			MaxConns:        cfg.DB.MaxConns,
			MinConns:        cfg.DB.MinConns,
			MaxConnLifetime: time.Duration(cfg.DB.MaxConnLifetimeMinutes) * time.Minute,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres store init failed: %w", err)
		}
		return store, nil
	case config.BackendSQLite:
		store, err := sqlitestore.Open(ctx, cfg.Storage.SQLitePath, clock)
		if err != nil {
			return nil, fmt.Errorf("sqlite store init failed: %w", err)
		}
		return store, nil
	case config.BackendMemory, "":
		return memorystore.New(memorystore.WithClock(clock)), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

type migrator interface {
	Migrate(ctx context.Context) error
}

// Migrate applies the schema of the configured SQL backend.
func Migrate(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	store, err := OpenStore(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			logger.Warn("store close failed", zap.Error(cerr))
		}
	}()
	m, ok := store.(migrator)
	if !ok {
		logger.Info("storage backend has no schema to migrate", zap.String("backend", cfg.Storage.Backend))
		return nil
	}
	if err := m.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate %s: %w", cfg.Storage.Backend, err)
	}
	logger.Info("schema applied", zap.String("backend", cfg.Storage.Backend))
	return nil
}
