package core

import (
	"context"
	"fmt"
	"time"

	"installcore/internal/infra/persistence/memory"
	"installcore/internal/infra/persistence/postgres"
	"installcore/internal/infra/persistence/sqlite"
	"installcore/pkg/domain"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

// StorageConfig selects and configures a backend.
type StorageConfig struct {
	Driver      StorageDriver
	SQLitePath  string
	PostgresDSN string
	// Now overrides the store clock; nil uses UTC wall time.
	Now func() time.Time
}

// CloseFunc releases a store's resources.
type CloseFunc func() error

// OpenPersistentStore opens the configured backend. Driver defaults to sqlite.
func OpenPersistentStore(ctx context.Context, cfg StorageConfig, engine *RulesEngine) (domain.PersistentStore, CloseFunc, error) {
	if engine == nil {
		engine = NewDefaultRulesEngine()
	}
	var opts []memory.Option
	if cfg.Now != nil {
		opts = append(opts, memory.WithClock(cfg.Now))
	}
	noop := func() error { return nil }

	driver := cfg.Driver
	if driver == "" {
		driver = StorageSQLite
	}
	switch driver {
	case StorageMemory:
		return memory.NewStore(engine, opts...), noop, nil
	case StorageSQLite:
		store, err := sqlite.NewStore(cfg.SQLitePath, engine, opts...)
		if err != nil {
			return nil, noop, err
		}
		return store, store.Close, nil
	case StoragePostgres:
		if cfg.PostgresDSN == "" {
			return nil, noop, domain.InvalidInput("postgres driver requires a dsn")
		}
		store, err := postgres.NewStore(ctx, cfg.PostgresDSN, engine, opts...)
		if err != nil {
			return nil, noop, err
		}
		return store, store.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown storage driver %s", driver)
	}
}
