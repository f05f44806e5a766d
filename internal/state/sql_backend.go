package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/picklr-io/reconcilr/internal/secrets"
)

const (
	stateTable = "reconcilr_state"
	lockTable  = "reconcilr_locks"
)

// dialect captures the few differences between the SQL backends.
type dialect struct {
	name        string
	placeholder func(n int) string
	isConflict  func(err error) bool
}

// sqlBackend stores records in a relational table, one row per key, with
// locks as rows of a second table.
type sqlBackend struct {
	db      *sql.DB
	dialect dialect
	sealer  *secrets.Sealer
	owner   string
}

func newSQLBackend(ctx context.Context, db *sql.DB, d dialect, sealer *secrets.Sealer) (*sqlBackend, error) {
	b := &sqlBackend{db: db, dialect: d, sealer: sealer, owner: uuid.NewString()}
	if err := b.createTables(ctx); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return b, nil
}

// bind rewrites "?" placeholders for the dialect.
func (b *sqlBackend) bind(query string) string {
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteString(b.dialect.placeholder(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (b *sqlBackend) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + stateTable + ` (
			resource_key TEXT PRIMARY KEY,
			adapter_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			serial INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ` + lockTable + ` (
			resource_key TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (b *sqlBackend) Read(ctx context.Context, key string) (*Record, error) {
	var payload string
	err := b.db.QueryRowContext(ctx,
		b.bind(`SELECT payload FROM `+stateTable+` WHERE resource_key = ?`), key,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load state %s: %w", key, err)
	}
	return decodeRecord(key, []byte(payload), b.sealer)
}

func (b *sqlBackend) Write(ctx context.Context, rec *Record) error {
	stamp(rec)
	data, err := encodeRecord(rec, b.sealer)
	if err != nil {
		return err
	}

	query := b.bind(`
		INSERT INTO ` + stateTable + ` (resource_key, adapter_type, payload, serial, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (resource_key)
		DO UPDATE SET
			adapter_type = EXCLUDED.adapter_type,
			payload = EXCLUDED.payload,
			serial = EXCLUDED.serial,
			updated_at = EXCLUDED.updated_at`)

	_, err = b.db.ExecContext(ctx, query,
		rec.Key,
		rec.Type,
		string(data),
		rec.Serial,
		rec.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save state %s: %w", rec.Key, err)
	}
	return nil
}

func (b *sqlBackend) Delete(ctx context.Context, key string) error {
	_, err := b.db.ExecContext(ctx, b.bind(`DELETE FROM `+stateTable+` WHERE resource_key = ?`), key)
	if err != nil {
		return fmt.Errorf("failed to delete state %s: %w", key, err)
	}
	return nil
}

func (b *sqlBackend) List(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT resource_key FROM `+stateTable+` ORDER BY resource_key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list state: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (b *sqlBackend) Lock(ctx context.Context, key string) error {
	now := time.Now().UTC()

	// Break a stale lock before trying to take it.
	_, err := b.db.ExecContext(ctx,
		b.bind(`DELETE FROM `+lockTable+` WHERE resource_key = ? AND created_at < ?`),
		key, now.Add(-StaleLockAge).Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to clear stale lock: %w", err)
	}

	_, err = b.db.ExecContext(ctx,
		b.bind(`INSERT INTO `+lockTable+` (resource_key, owner, created_at) VALUES (?, ?, ?)`),
		key, b.owner, now.Format(time.RFC3339),
	)
	if err != nil {
		if b.dialect.isConflict(err) {
			return fmt.Errorf("%w (key %q in table %s)", ErrLocked, key, lockTable)
		}
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	return nil
}

func (b *sqlBackend) Unlock(ctx context.Context, key string) error {
	_, err := b.db.ExecContext(ctx,
		b.bind(`DELETE FROM `+lockTable+` WHERE resource_key = ? AND owner = ?`),
		key, b.owner,
	)
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (b *sqlBackend) Close() error {
	return b.db.Close()
}
