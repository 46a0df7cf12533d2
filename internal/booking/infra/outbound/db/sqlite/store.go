package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/davicafu/bookinglab/internal/booking/domain"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const schema = `
CREATE TABLE IF NOT EXISTS bookings (
	id          TEXT PRIMARY KEY,
	resource_id TEXT NOT NULL,
	date        TEXT NOT NULL,
	slot        TEXT NOT NULL,
	status      TEXT NOT NULL,
	version     INTEGER NOT NULL,
	payload     TEXT NOT NULL DEFAULT '{}',
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS bookings_active_slot_idx
	ON bookings (resource_id, date, slot) WHERE status <> 'cancelled';

CREATE TABLE IF NOT EXISTS idempotency_keys (
	idem_key     TEXT PRIMARY KEY,
	command_type TEXT NOT NULL,
	fingerprint  TEXT NOT NULL,
	status       TEXT NOT NULL,
	result       BLOB,
	last_error   TEXT,
	expires_at   INTEGER NOT NULL,
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idempotency_keys_expires_idx ON idempotency_keys (expires_at);

CREATE TABLE IF NOT EXISTS domain_events (
	id             TEXT PRIMARY KEY,
	aggregate_id   TEXT NOT NULL,
	aggregate_type TEXT NOT NULL,
	event_type     TEXT NOT NULL,
	version        INTEGER NOT NULL,
	payload        BLOB NOT NULL,
	hash_previous  TEXT NOT NULL,
	hash_current   TEXT NOT NULL,
	created_at     INTEGER NOT NULL,
	UNIQUE (aggregate_id, version)
);

CREATE TABLE IF NOT EXISTS outbox_entries (
	id               TEXT PRIMARY KEY,
	event_id         TEXT NOT NULL,
	aggregate_id     TEXT NOT NULL,
	event_type       TEXT NOT NULL,
	target           TEXT NOT NULL,
	payload          BLOB NOT NULL,
	status           TEXT NOT NULL,
	attempts         INTEGER NOT NULL DEFAULT 0,
	max_attempts     INTEGER NOT NULL,
	next_attempt_at  INTEGER NOT NULL,
	last_error       TEXT,
	lease_owner      TEXT,
	lease_expires_at INTEGER,
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL,
	processed_at     INTEGER
);
CREATE INDEX IF NOT EXISTS outbox_entries_due_idx ON outbox_entries (status, next_attempt_at);
CREATE INDEX IF NOT EXISTS outbox_entries_aggregate_idx ON outbox_entries (aggregate_id);
`

// Open abre la base SQLite con WAL y busy_timeout, y crea el esquema.
// Se limita a una conexión: SQLite admite un único escritor y así las
// transacciones de comandos y del relay se serializan en lugar de chocar.
func Open(path string) (*sql.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := "file:" + filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := InitSQLite(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// InitSQLite crea las tablas si no existen.
func InitSQLite(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("init sqlite schema: %w", err)
	}
	return nil
}

// ------------------ Helpers ------------------

type rowScanner interface {
	Scan(dest ...any) error
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func nullMillis(value *time.Time) sql.NullInt64 {
	if value == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*value), Valid: true}
}

func fromNullMillis(value sql.NullInt64) *time.Time {
	if !value.Valid {
		return nil
	}
	t := fromMillis(value.Int64)
	return &t
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

func isSQLiteBusyError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code() & 0xff
	return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
}

// mapError marca como transitorios los errores de bloqueo de SQLite.
func mapError(err error) error {
	if err == nil || errors.Is(err, domain.ErrTransientStore) {
		return err
	}
	if isSQLiteBusyError(err) {
		return fmt.Errorf("%w: %v", domain.ErrTransientStore, err)
	}
	return err
}
