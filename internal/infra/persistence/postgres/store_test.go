package postgres

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"strings"
	"testing"

	"custodyledger/internal/infra/persistence/storetest"
	"custodyledger/pkg/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const dsnEnv = "CUSTODY_TEST_POSTGRES_DSN"

func TestMapErrorKinds(t *testing.T) {
	if err := mapError(pgx.ErrNoRows, domain.EntityMaterial, "Mat1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	dup := &pgconn.PgError{Code: pgUniqueViolation, Message: "duplicate key value violates unique constraint"}
	if err := mapError(dup, domain.EntitySigner, "pk"); !errors.Is(err, domain.ErrDuplicateKey) {
		t.Fatalf("expected duplicate key, got %v", err)
	}
	other := errors.New("connection reset")
	err := mapError(other, domain.EntityTransfer, "Mat1#2")
	if !errors.Is(err, other) {
		t.Fatalf("expected wrapped cause, got %v", err)
	}
	if _, ok := domain.KindOf(err); ok {
		t.Fatalf("driver failures must not be classified")
	}
}

func TestEmbeddedMigrationDefinesLedgerTables(t *testing.T) {
	raw, err := fs.ReadFile(migrations, "migrations/00001_custody_ledger.sql")
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	sql := string(raw)
	for _, want := range []string{"-- +goose Up", "-- +goose Down", "CREATE TABLE IF NOT EXISTS materials", "CREATE TABLE IF NOT EXISTS transfers", "CREATE TABLE IF NOT EXISTS signers", "PRIMARY KEY (material_id, sequence)"} {
		if !strings.Contains(sql, want) {
			t.Fatalf("migration missing %q", want)
		}
	}
}

func TestNewStoreSurfacesConnectError(t *testing.T) {
	restore := OverridePoolConnect(func(context.Context, string) (*pgxpool.Pool, error) {
		return nil, errors.New("no route to host")
	})
	defer restore()
	if _, err := NewStore(context.Background(), ""); err == nil || !strings.Contains(err.Error(), "open postgres") {
		t.Fatalf("expected open error, got %v", err)
	}
}

func TestStoreContract(t *testing.T) {
	dsn := os.Getenv(dsnEnv)
	if dsn == "" {
		t.Skipf("%s not set; skipping postgres integration", dsnEnv)
	}
	storetest.Run(t, func(t *testing.T) domain.LedgerStore {
		ctx := context.Background()
		store, err := NewStore(ctx, dsn)
		if err != nil {
			t.Fatalf("NewStore: %v", err)
		}
		if _, err := store.Pool().Exec(ctx, `TRUNCATE transfers, signers, materials`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}
