package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/davicafu/bookinglab/internal/booking/domain"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const schema = `
CREATE TABLE IF NOT EXISTS bookings (
	id          UUID PRIMARY KEY,
	resource_id TEXT NOT NULL,
	date        TEXT NOT NULL,
	slot        TEXT NOT NULL,
	status      TEXT NOT NULL,
	version     INTEGER NOT NULL,
	payload     JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS bookings_active_slot_idx
	ON bookings (resource_id, date, slot) WHERE status <> 'cancelled';

CREATE TABLE IF NOT EXISTS idempotency_keys (
	idem_key     TEXT PRIMARY KEY,
	command_type TEXT NOT NULL,
	fingerprint  TEXT NOT NULL,
	status       TEXT NOT NULL,
	result       BYTEA,
	last_error   TEXT,
	expires_at   TIMESTAMPTZ NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idempotency_keys_expires_idx ON idempotency_keys (expires_at);

CREATE TABLE IF NOT EXISTS domain_events (
	id             UUID PRIMARY KEY,
	aggregate_id   TEXT NOT NULL,
	aggregate_type TEXT NOT NULL,
	event_type     TEXT NOT NULL,
	version        INTEGER NOT NULL,
	payload        BYTEA NOT NULL,
	hash_previous  TEXT NOT NULL,
	hash_current   TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	UNIQUE (aggregate_id, version)
);

CREATE TABLE IF NOT EXISTS outbox_entries (
	id               UUID PRIMARY KEY,
	event_id         UUID NOT NULL,
	aggregate_id     TEXT NOT NULL,
	event_type       TEXT NOT NULL,
	target           TEXT NOT NULL,
	payload          BYTEA NOT NULL,
	status           TEXT NOT NULL,
	attempts         INTEGER NOT NULL DEFAULT 0,
	max_attempts     INTEGER NOT NULL,
	next_attempt_at  TIMESTAMPTZ NOT NULL,
	last_error       TEXT,
	lease_owner      TEXT,
	lease_expires_at TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL,
	processed_at     TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS outbox_entries_due_idx ON outbox_entries (status, next_attempt_at);
CREATE INDEX IF NOT EXISTS outbox_entries_aggregate_idx ON outbox_entries (aggregate_id);
`

// Open abre la conexión con el driver pgx y crea el esquema.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("database url is required")
	}
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := InitPostgres(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// InitPostgres crea las tablas si no existen.
func InitPostgres(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init postgres schema: %w", err)
	}
	return nil
}

// ------------------ Helpers ------------------

type rowScanner interface {
	Scan(dest ...any) error
}

const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
)

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func isUniqueViolation(err error) bool {
	return pgCode(err) == codeUniqueViolation
}

func isTransient(err error) bool {
	switch pgCode(err) {
	case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable:
		return true
	}
	return false
}

// mapError marca como transitorios deadlocks y fallos de serialización.
func mapError(err error) error {
	if err == nil || errors.Is(err, domain.ErrTransientStore) {
		return err
	}
	if isTransient(err) {
		return fmt.Errorf("%w: %v", domain.ErrTransientStore, err)
	}
	return err
}
