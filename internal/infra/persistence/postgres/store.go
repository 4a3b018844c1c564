// Package postgres provides a relational ledger store on top of a pgx
// connection pool. The schema is applied with embedded goose migrations on
// startup; sequence reservation is a single conditional UPDATE ... RETURNING.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"sync"

	"custodyledger/pkg/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.LedgerStore = (*Store)(nil)

const defaultDSN = "postgres://localhost/custody?sslmode=disable"

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

//go:embed migrations/*.sql
var migrations embed.FS

var (
	poolConnect = pgxpool.New
	// goose keeps its base FS and dialect in package state.
	migrateMu sync.Mutex
)

// OverridePoolConnect swaps the pool constructor for tests and returns a restore function.
func OverridePoolConnect(fn func(ctx context.Context, dsn string) (*pgxpool.Pool, error)) func() {
	prev := poolConnect
	poolConnect = fn
	return func() { poolConnect = prev }
}

// Store is a Postgres-backed ledger store.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn (falls back to defaultDSN), verifies the
// connection and applies pending migrations.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	pool, err := poolConnect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Migrate applies the embedded schema migrations through a database/sql
// handle borrowed from the pool.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()
	db := stdlib.OpenDBFromPool(pool)
	defer func() { _ = db.Close() }()
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Pool exposes the underlying pool for integration testing hooks.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Close releases pooled connections.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

const materialColumns = `material_id, description, metadata, current_holder, status, last_sequence, reserved_sequence, created_at, updated_at`

func scanMaterial(row pgx.Row) (domain.Material, error) {
	var m domain.Material
	var status string
	if err := row.Scan(&m.MaterialID, &m.Description, &m.Metadata, &m.CurrentHolder, &status, &m.LastSequence, &m.ReservedSequence, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return domain.Material{}, err
	}
	m.Status = domain.Status(status)
	return m, nil
}

// CreateMaterial inserts a new material row.
func (s *Store) CreateMaterial(ctx context.Context, m domain.Material) (domain.Material, error) {
	metadata := m.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO materials (material_id, description, metadata, current_holder, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+materialColumns,
		m.MaterialID, m.Description, metadata, m.CurrentHolder, string(m.Status))
	out, err := scanMaterial(row)
	if err != nil {
		return domain.Material{}, mapError(err, domain.EntityMaterial, m.MaterialID)
	}
	return out, nil
}

// GetMaterial loads a single material.
func (s *Store) GetMaterial(ctx context.Context, id string) (domain.Material, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+materialColumns+` FROM materials WHERE material_id = $1`, id)
	m, err := scanMaterial(row)
	if err != nil {
		return domain.Material{}, mapError(err, domain.EntityMaterial, id)
	}
	return m, nil
}

// ListMaterials returns all materials ordered by id.
func (s *Store) ListMaterials(ctx context.Context) ([]domain.Material, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+materialColumns+` FROM materials ORDER BY material_id`)
	if err != nil {
		return nil, fmt.Errorf("list materials: %w", err)
	}
	defer rows.Close()
	var out []domain.Material
	for rows.Next() {
		m, err := scanMaterial(rows)
		if err != nil {
			return nil, fmt.Errorf("scan material: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CountMaterials returns the number of material rows.
func (s *Store) CountMaterials(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM materials`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count materials: %w", err)
	}
	return n, nil
}

// ReserveNextSequence increments reserved_sequence in one statement; the row
// lock taken by UPDATE serialises concurrent callers per material.
func (s *Store) ReserveNextSequence(ctx context.Context, id string) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx, `
		UPDATE materials
		SET reserved_sequence = GREATEST(reserved_sequence, last_sequence) + 1
		WHERE material_id = $1
		RETURNING reserved_sequence
	`, id).Scan(&seq)
	if err != nil {
		return 0, mapError(err, domain.EntityMaterial, id)
	}
	return seq, nil
}

// AppendTransfer inserts a transfer row keyed by (material_id, sequence).
func (s *Store) AppendTransfer(ctx context.Context, t domain.Transfer) (domain.Transfer, error) {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO transfers (material_id, sequence, from_holder, to_holder, ts, notes, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING recorded_at
	`, t.MaterialID, t.Sequence, t.From, t.To, t.Timestamp, t.Notes, string(t.Status)).Scan(&t.RecordedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return domain.Transfer{}, domain.NotFound(domain.EntityMaterial, t.MaterialID)
		}
		return domain.Transfer{}, mapError(err, domain.EntityTransfer, fmt.Sprintf("%s#%d", t.MaterialID, t.Sequence))
	}
	return t, nil
}

// UpdateMaterialHolder moves holder, status and last_sequence forward. Older
// sequences leave the row untouched apart from the reservation floor.
func (s *Store) UpdateMaterialHolder(ctx context.Context, id, holder string, sequence int64, status domain.Status) (domain.Material, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE materials SET
			current_holder = CASE WHEN $3::bigint >= last_sequence THEN $2::text ELSE current_holder END,
			status = CASE
				WHEN $3::bigint >= last_sequence AND status <> 'Quarantined' AND $4::text <> '' THEN $4::text
				ELSE status END,
			updated_at = CASE WHEN $3::bigint >= last_sequence THEN now() ELSE updated_at END,
			last_sequence = GREATEST(last_sequence, $3::bigint),
			reserved_sequence = GREATEST(reserved_sequence, $3::bigint)
		WHERE material_id = $1
		RETURNING `+materialColumns,
		id, holder, sequence, string(status))
	m, err := scanMaterial(row)
	if err != nil {
		return domain.Material{}, mapError(err, domain.EntityMaterial, id)
	}
	return m, nil
}

// SetStatus overwrites the status column.
func (s *Store) SetStatus(ctx context.Context, id string, status domain.Status) (domain.Material, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE materials SET
			updated_at = CASE WHEN status <> $2 THEN now() ELSE updated_at END,
			status = $2
		WHERE material_id = $1
		RETURNING `+materialColumns,
		id, string(status))
	m, err := scanMaterial(row)
	if err != nil {
		return domain.Material{}, mapError(err, domain.EntityMaterial, id)
	}
	return m, nil
}

// ListTransfers returns the transfers of a material ordered by sequence.
func (s *Store) ListTransfers(ctx context.Context, id string) ([]domain.Transfer, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT material_id, sequence, from_holder, to_holder, ts, notes, status, recorded_at
		FROM transfers
		WHERE material_id = $1
		ORDER BY sequence
	`, id)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()
	out := []domain.Transfer{}
	for rows.Next() {
		var t domain.Transfer
		var status string
		if err := rows.Scan(&t.MaterialID, &t.Sequence, &t.From, &t.To, &t.Timestamp, &t.Notes, &status, &t.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		t.Status = domain.Status(status)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfers: %w", err)
	}
	if len(out) == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM materials WHERE material_id = $1)`, id).Scan(&exists); err != nil {
			return nil, fmt.Errorf("check material: %w", err)
		}
		if !exists {
			return nil, domain.NotFound(domain.EntityMaterial, id)
		}
	}
	return out, nil
}

// CreateSigner inserts a signer row.
func (s *Store) CreateSigner(ctx context.Context, signer domain.Signer) (domain.Signer, error) {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO signers (pubkey, role) VALUES ($1, $2)
		RETURNING created_at
	`, signer.Pubkey, signer.Role).Scan(&signer.CreatedAt)
	if err != nil {
		return domain.Signer{}, mapError(err, domain.EntitySigner, signer.Pubkey)
	}
	return signer, nil
}

// ListSigners returns signers ordered by public key.
func (s *Store) ListSigners(ctx context.Context) ([]domain.Signer, error) {
	rows, err := s.pool.Query(ctx, `SELECT pubkey, role, created_at FROM signers ORDER BY pubkey`)
	if err != nil {
		return nil, fmt.Errorf("list signers: %w", err)
	}
	defer rows.Close()
	var out []domain.Signer
	for rows.Next() {
		var sg domain.Signer
		if err := rows.Scan(&sg.Pubkey, &sg.Role, &sg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan signer: %w", err)
		}
		out = append(out, sg)
	}
	return out, rows.Err()
}

// mapError translates driver errors into ledger error kinds.
func mapError(err error, entity domain.EntityType, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.NotFound(entity, id)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return domain.DuplicateKey(entity, id)
	}
	return fmt.Errorf("%s %q: %w", entity, id, err)
}
