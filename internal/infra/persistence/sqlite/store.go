// Package sqlite provides a relational SQLite-backed ledger store. Every
// operation is a single statement against the materials, transfers and
// signers tables, so several processes may share one database file.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"custodyledger/internal/infra/persistence/memory"
	"custodyledger/pkg/domain"

	"github.com/pressly/goose/v3"
	moderncsqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.LedgerStore = (*Store)(nil)

//go:embed migrations/*.sql
var migrations embed.FS

// busyTimeoutMS bounds how long a writer waits for another connection's lock.
const busyTimeoutMS = 5000

var sqlOpen = sql.Open

// OverrideSQLOpen swaps the database opener for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dsn string) (*sql.DB, error)) func() {
	prev := sqlOpen
	sqlOpen = fn
	return func() { sqlOpen = prev }
}

// Store is a SQLite-backed ledger store.
type Store struct {
	db    *sql.DB
	path  string
	nowFn func() time.Time
}

// NewStore opens (or creates) the database at path, applies pending
// migrations and imports the state table written by earlier snapshot builds.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "custody.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path, busyTimeoutMS)
	db, err := sqlOpen("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection per handle serialises this process's writers; other
	// processes are coordinated by SQLite's file locks.
	db.SetMaxOpenConns(1)
	ctx := context.Background()
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &Store{db: db, path: path, nowFn: func() time.Time { return time.Now().UTC() }}
	if err := s.importSnapshotTable(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate applies the embedded schema migrations.
func Migrate(ctx context.Context, db *sql.DB) error {
	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("migrations fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, sub)
	if err != nil {
		return fmt.Errorf("goose provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// SetNowFunc overrides the clock used for record timestamps.
func (s *Store) SetNowFunc(fn func() time.Time) {
	if fn != nil {
		s.nowFn = fn
	}
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }

const materialColumns = `material_id, description, metadata, current_holder, status, last_sequence, reserved_sequence, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanMaterial(row scanner) (domain.Material, error) {
	var m domain.Material
	var status string
	var metadata []byte
	var created, updated int64
	if err := row.Scan(&m.MaterialID, &m.Description, &metadata, &m.CurrentHolder, &status, &m.LastSequence, &m.ReservedSequence, &created, &updated); err != nil {
		return domain.Material{}, err
	}
	if err := json.Unmarshal(metadata, &m.Metadata); err != nil {
		return domain.Material{}, fmt.Errorf("decode metadata of %s: %w", m.MaterialID, err)
	}
	m.Status = domain.Status(status)
	m.CreatedAt = fromNanos(created)
	m.UpdatedAt = fromNanos(updated)
	return m, nil
}

func scanTransfer(row scanner) (domain.Transfer, error) {
	var t domain.Transfer
	var from, to []byte
	var status string
	var recorded int64
	if err := row.Scan(&t.MaterialID, &t.Sequence, &from, &to, &t.Timestamp, &t.Notes, &status, &recorded); err != nil {
		return domain.Transfer{}, err
	}
	if err := json.Unmarshal(from, &t.From); err != nil {
		return domain.Transfer{}, fmt.Errorf("decode from holder: %w", err)
	}
	if err := json.Unmarshal(to, &t.To); err != nil {
		return domain.Transfer{}, fmt.Errorf("decode to holder: %w", err)
	}
	t.Status = domain.Status(status)
	t.RecordedAt = fromNanos(recorded)
	return t, nil
}

// CreateMaterial inserts a new material row with zeroed sequence counters.
func (s *Store) CreateMaterial(ctx context.Context, m domain.Material) (domain.Material, error) {
	metadata, err := json.Marshal(m.Metadata)
	if err != nil {
		return domain.Material{}, fmt.Errorf("encode metadata: %w", err)
	}
	now := s.nowFn()
	created := m.CreatedAt
	if created.IsZero() {
		created = now
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO materials (material_id, description, metadata, current_holder, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING `+materialColumns,
		m.MaterialID, m.Description, metadata, m.CurrentHolder, string(m.Status), created.UnixNano(), now.UnixNano())
	out, err := scanMaterial(row)
	if err != nil {
		return domain.Material{}, mapError(err, domain.EntityMaterial, m.MaterialID)
	}
	return out, nil
}

// GetMaterial loads a single material.
func (s *Store) GetMaterial(ctx context.Context, id string) (domain.Material, error) {
	m, err := scanMaterial(s.db.QueryRowContext(ctx, `SELECT `+materialColumns+` FROM materials WHERE material_id = ?`, id))
	if err != nil {
		return domain.Material{}, mapError(err, domain.EntityMaterial, id)
	}
	return m, nil
}

// ListMaterials returns all materials ordered by id.
func (s *Store) ListMaterials(ctx context.Context) ([]domain.Material, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+materialColumns+` FROM materials ORDER BY material_id`)
	if err != nil {
		return nil, fmt.Errorf("list materials: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out := []domain.Material{}
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
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM materials`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count materials: %w", err)
	}
	return n, nil
}

// ReserveNextSequence increments reserved_sequence in one statement. SQLite
// holds the database write lock for the statement, so concurrent callers in
// any process receive distinct values.
func (s *Store) ReserveNextSequence(ctx context.Context, id string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		UPDATE materials
		SET reserved_sequence = MAX(reserved_sequence, last_sequence) + 1
		WHERE material_id = ?
		RETURNING reserved_sequence
	`, id).Scan(&seq)
	if err != nil {
		return 0, mapError(err, domain.EntityMaterial, id)
	}
	return seq, nil
}

// AppendTransfer inserts a transfer row keyed by (material_id, sequence).
func (s *Store) AppendTransfer(ctx context.Context, t domain.Transfer) (domain.Transfer, error) {
	from, err := json.Marshal(t.From)
	if err != nil {
		return domain.Transfer{}, fmt.Errorf("encode from holder: %w", err)
	}
	to, err := json.Marshal(t.To)
	if err != nil {
		return domain.Transfer{}, fmt.Errorf("encode to holder: %w", err)
	}
	if t.RecordedAt.IsZero() {
		t.RecordedAt = s.nowFn()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO transfers (material_id, sequence, from_holder, to_holder, ts, notes, status, recorded_at)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?
		WHERE EXISTS (SELECT 1 FROM materials WHERE material_id = ?)
	`, t.MaterialID, t.Sequence, from, to, t.Timestamp, t.Notes, string(t.Status), t.RecordedAt.UnixNano(), t.MaterialID)
	if err != nil {
		return domain.Transfer{}, mapError(err, domain.EntityTransfer, fmt.Sprintf("%s#%d", t.MaterialID, t.Sequence))
	}
	if n, err := res.RowsAffected(); err != nil {
		return domain.Transfer{}, fmt.Errorf("append transfer: %w", err)
	} else if n == 0 {
		return domain.Transfer{}, domain.NotFound(domain.EntityMaterial, t.MaterialID)
	}
	t.RecordedAt = fromNanos(t.RecordedAt.UnixNano())
	return t, nil
}

// UpdateMaterialHolder moves holder, status and last_sequence forward. Older
// sequences leave the row untouched apart from the reservation floor.
func (s *Store) UpdateMaterialHolder(ctx context.Context, id, holder string, sequence int64, status domain.Status) (domain.Material, error) {
	now := s.nowFn().UnixNano()
	row := s.db.QueryRowContext(ctx, `
		UPDATE materials SET
			current_holder = CASE WHEN ? >= last_sequence THEN ? ELSE current_holder END,
			status = CASE
				WHEN ? >= last_sequence AND status <> 'Quarantined' AND ? <> '' THEN ?
				ELSE status END,
			updated_at = CASE WHEN ? >= last_sequence THEN ? ELSE updated_at END,
			last_sequence = MAX(last_sequence, ?),
			reserved_sequence = MAX(reserved_sequence, ?)
		WHERE material_id = ?
		RETURNING `+materialColumns,
		sequence, holder,
		sequence, string(status), string(status),
		sequence, now,
		sequence,
		sequence,
		id)
	m, err := scanMaterial(row)
	if err != nil {
		return domain.Material{}, mapError(err, domain.EntityMaterial, id)
	}
	return m, nil
}

// SetStatus overwrites the status column.
func (s *Store) SetStatus(ctx context.Context, id string, status domain.Status) (domain.Material, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE materials SET
			updated_at = CASE WHEN status <> ? THEN ? ELSE updated_at END,
			status = ?
		WHERE material_id = ?
		RETURNING `+materialColumns,
		string(status), s.nowFn().UnixNano(), string(status), id)
	m, err := scanMaterial(row)
	if err != nil {
		return domain.Material{}, mapError(err, domain.EntityMaterial, id)
	}
	return m, nil
}

// ListTransfers returns the transfers of a material ordered by sequence.
func (s *Store) ListTransfers(ctx context.Context, id string) ([]domain.Transfer, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM materials WHERE material_id = ?)`, id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check material: %w", err)
	}
	if !exists {
		return nil, domain.NotFound(domain.EntityMaterial, id)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT material_id, sequence, from_holder, to_holder, ts, notes, status, recorded_at
		FROM transfers
		WHERE material_id = ?
		ORDER BY sequence
	`, id)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out := []domain.Transfer{}
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfers: %w", err)
	}
	return out, nil
}

// CreateSigner inserts a signer row.
func (s *Store) CreateSigner(ctx context.Context, signer domain.Signer) (domain.Signer, error) {
	if signer.CreatedAt.IsZero() {
		signer.CreatedAt = s.nowFn()
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO signers (pubkey, role, created_at) VALUES (?, ?, ?)`,
		signer.Pubkey, signer.Role, signer.CreatedAt.UnixNano()); err != nil {
		return domain.Signer{}, mapError(err, domain.EntitySigner, signer.Pubkey)
	}
	signer.CreatedAt = fromNanos(signer.CreatedAt.UnixNano())
	return signer, nil
}

// ListSigners returns signers ordered by public key.
func (s *Store) ListSigners(ctx context.Context) ([]domain.Signer, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT pubkey, role, created_at FROM signers ORDER BY pubkey`)
	if err != nil {
		return nil, fmt.Errorf("list signers: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out := []domain.Signer{}
	for rows.Next() {
		var sg domain.Signer
		var created int64
		if err := rows.Scan(&sg.Pubkey, &sg.Role, &created); err != nil {
			return nil, fmt.Errorf("scan signer: %w", err)
		}
		sg.CreatedAt = fromNanos(created)
		out = append(out, sg)
	}
	return out, rows.Err()
}

// importSnapshotTable moves the JSON buckets of the former single-table
// layout into the relational tables and drops the old table. Rows that
// already exist are kept.
func (s *Store) importSnapshotTable(ctx context.Context) (retErr error) {
	var name string
	err := s.db.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'state'`).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("inspect schema: %w", err)
	}
	snapshot, err := s.readSnapshotTable(ctx)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	for _, m := range snapshot.Materials {
		metadata, err := json.Marshal(m.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO materials (`+materialColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.MaterialID, m.Description, metadata, m.CurrentHolder, string(m.Status),
			m.LastSequence, max(m.ReservedSequence, m.LastSequence), m.CreatedAt.UnixNano(), m.UpdatedAt.UnixNano()); err != nil {
			return fmt.Errorf("import material %s: %w", m.MaterialID, err)
		}
	}
	for _, transfers := range snapshot.Transfers {
		for _, t := range transfers {
			from, _ := json.Marshal(t.From)
			to, _ := json.Marshal(t.To)
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO transfers (material_id, sequence, from_holder, to_holder, ts, notes, status, recorded_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				t.MaterialID, t.Sequence, from, to, t.Timestamp, t.Notes, string(t.Status), t.RecordedAt.UnixNano()); err != nil {
				return fmt.Errorf("import transfer %s#%d: %w", t.MaterialID, t.Sequence, err)
			}
		}
	}
	for _, sg := range snapshot.Signers {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO signers (pubkey, role, created_at) VALUES (?, ?, ?)`,
			sg.Pubkey, sg.Role, sg.CreatedAt.UnixNano()); err != nil {
			return fmt.Errorf("import signer %s: %w", sg.Pubkey, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DROP TABLE state`); err != nil {
		return fmt.Errorf("drop state table: %w", err)
	}
	return tx.Commit()
}

func (s *Store) readSnapshotTable(ctx context.Context) (memory.Snapshot, error) {
	var snapshot memory.Snapshot
	rows, err := s.db.QueryContext(ctx, `SELECT bucket, payload FROM state`)
	if err != nil {
		return snapshot, fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()
	targets := map[string]any{
		"materials": &snapshot.Materials,
		"transfers": &snapshot.Transfers,
		"signers":   &snapshot.Signers,
	}
	for rows.Next() {
		var bucket string
		var payload []byte
		if err := rows.Scan(&bucket, &payload); err != nil {
			return snapshot, fmt.Errorf("scan: %w", err)
		}
		target, ok := targets[bucket]
		if !ok {
			continue
		}
		if err := json.Unmarshal(payload, target); err != nil {
			return snapshot, fmt.Errorf("decode %s: %w", bucket, err)
		}
	}
	if err := rows.Err(); err != nil {
		return snapshot, fmt.Errorf("iterate state: %w", err)
	}
	return snapshot, nil
}

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

// mapError translates driver errors into ledger error kinds.
func mapError(err error, entity domain.EntityType, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NotFound(entity, id)
	}
	if uniqueViolation(err) {
		return domain.DuplicateKey(entity, id)
	}
	return fmt.Errorf("%s %q: %w", entity, id, err)
}

func uniqueViolation(err error) bool {
	var se *moderncsqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch code := se.Code(); code {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	default:
		// without extended result codes only the primary code is reported
		return code == sqlite3.SQLITE_CONSTRAINT
	}
}
