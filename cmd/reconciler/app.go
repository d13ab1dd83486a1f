package main

import (
	"fmt"
	"time"

	"github.com/fjod/go_cart/reconciler-service/internal/config"
	"github.com/fjod/go_cart/reconciler-service/internal/repository"
	"github.com/fjod/go_cart/reconciler-service/pkg/logger"
	"go.uber.org/zap"
)

type app struct {
	cfg   *config.Config
	log   *zap.Logger
	store repository.OrderStore
}

// bootstrap loads config, builds the logger and opens the configured store. With
// migrate set, postgres migrations run before the store is returned.
func bootstrap(configPath string, migrate bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(log)

	store, err := openStore(cfg, log, migrate)
	if err != nil {
		_ = log.Sync()
		return nil, err
	}
	return &app{cfg: cfg, log: log, store: store}, nil
}

func openStore(cfg *config.Config, log *zap.Logger, migrate bool) (repository.OrderStore, error) {
	switch cfg.Store {
	case config.StorePostgres:
		creds := cfg.Credentials()
		repo, err := repository.NewPostgresRepository(creds, log)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if migrate {
			if err := repo.RunMigrations(creds); err != nil {
				_ = repo.Close()
				return nil, fmt.Errorf("failed to run migrations: %w", err)
			}
			log.Info("database migrations completed")
		}
		return repo, nil
	default:
		log.Warn("using in-memory order store, state is lost on exit")
		return repository.NewMemoryRepository(time.Now), nil
	}
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.log.Error("failed to close store", zap.Error(err))
	}
	_ = a.log.Sync()
}
