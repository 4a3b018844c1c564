package core

import (
	"context"
	"fmt"

	"custodyledger/internal/infra/persistence/memory"
	"custodyledger/internal/infra/persistence/postgres"
	"custodyledger/internal/infra/persistence/sqlite"
	"custodyledger/pkg/domain"
)

// StorageDriver identifies a concrete ledger store implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

// StorageConfig selects and parameterises the ledger store.
type StorageConfig struct {
	Driver      StorageDriver
	SQLitePath  string
	PostgresDSN string
}

// OpenLedgerStore opens the configured backend. Defaults to sqlite.
func OpenLedgerStore(ctx context.Context, cfg StorageConfig) (domain.LedgerStore, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = StorageSQLite
	}
	switch driver {
	case StorageMemory:
		return memory.NewStore(), nil
	case StorageSQLite:
		return sqlite.NewStore(cfg.SQLitePath)
	case StoragePostgres:
		return postgres.NewStore(ctx, cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}
