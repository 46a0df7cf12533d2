package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sharedDomain "github.com/davicafu/bookinglab/internal/shared/domain"
	"github.com/google/uuid"
)

const outboxColumns = `id::text, event_id::text, aggregate_id, event_type, target, payload, status, attempts, max_attempts,
	next_attempt_at, last_error, lease_owner, lease_expires_at, created_at, updated_at, processed_at`

// Mismas columnas con el alias "o." para el RETURNING del claim.
const returningColumns = `o.id::text, o.event_id::text, o.aggregate_id, o.event_type, o.target, o.payload, o.status,
	o.attempts, o.max_attempts, o.next_attempt_at, o.last_error, o.lease_owner, o.lease_expires_at, o.created_at,
	o.updated_at, o.processed_at`

// OutboxRepoPostgres implementa sharedDomain.OutboxRepository con
// FOR UPDATE SKIP LOCKED: workers concurrentes nunca se bloquean entre sí
// ni reciben la misma entrada.
type OutboxRepoPostgres struct {
	db *sql.DB
}

// Verificación en tiempo de compilación.
var _ sharedDomain.OutboxRepository = (*OutboxRepoPostgres)(nil)

// LeaseExpiredError es el last_error de una entrada cuyo worker no confirmó
// la entrega antes de que caducara su lease.
const LeaseExpiredError = "lease expired before delivery was confirmed"

func NewOutboxRepoPostgres(db *sql.DB) *OutboxRepoPostgres {
	return &OutboxRepoPostgres{db: db}
}

func (r *OutboxRepoPostgres) ClaimDue(ctx context.Context, owner string, now time.Time, leaseTTL time.Duration, limit int) ([]sharedDomain.OutboxEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	if _, err := r.db.ExecContext(ctx, `
		UPDATE outbox_entries
		SET attempts = attempts + 1,
		    status = CASE WHEN attempts + 1 >= max_attempts THEN 'failed' ELSE 'pending' END,
		    processed_at = CASE WHEN attempts + 1 >= max_attempts THEN $1 ELSE processed_at END,
		    last_error = $2, lease_owner = NULL, lease_expires_at = NULL, updated_at = $1
		WHERE status = 'processing' AND lease_expires_at <= $1`,
		now.UTC(), LeaseExpiredError,
	); err != nil {
		return nil, mapError(fmt.Errorf("expire outbox leases: %w", err))
	}

	rows, err := r.db.QueryContext(ctx, `
		WITH due AS (
			SELECT id FROM outbox_entries
			WHERE status = 'pending' AND next_attempt_at <= $1
			ORDER BY next_attempt_at, created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox_entries o
		SET status = 'processing', lease_owner = $3, lease_expires_at = $4, updated_at = $1
		FROM due
		WHERE o.id = due.id
		RETURNING `+returningColumns,
		now.UTC(), limit, owner, now.Add(leaseTTL).UTC(),
	)
	if err != nil {
		return nil, mapError(fmt.Errorf("claim due entries: %w", err))
	}
	defer rows.Close()

	var entries []sharedDomain.OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *OutboxRepoPostgres) MarkCompleted(ctx context.Context, id uuid.UUID, owner string, now time.Time) error {
	return r.markOwned(ctx, id, owner,
		`status = 'completed', lease_owner = NULL, lease_expires_at = NULL, processed_at = $3, updated_at = $3`,
		now.UTC())
}

func (r *OutboxRepoPostgres) MarkRetry(ctx context.Context, id uuid.UUID, owner string, nextAttemptAt time.Time, lastError string, now time.Time) error {
	return r.markOwned(ctx, id, owner,
		`status = 'pending', attempts = attempts + 1, next_attempt_at = GREATEST(next_attempt_at, $3),
		 last_error = $4, lease_owner = NULL, lease_expires_at = NULL, updated_at = $5`,
		nextAttemptAt.UTC(), lastError, now.UTC())
}

func (r *OutboxRepoPostgres) MarkFailed(ctx context.Context, id uuid.UUID, owner string, lastError string, now time.Time) error {
	return r.markOwned(ctx, id, owner,
		`status = 'failed', attempts = attempts + 1, last_error = $3, lease_owner = NULL, lease_expires_at = NULL,
		 processed_at = $4, updated_at = $4`,
		lastError, now.UTC())
}

// markOwned sólo actualiza si 'owner' conserva el lease ($1 = id, $2 = owner).
func (r *OutboxRepoPostgres) markOwned(ctx context.Context, id uuid.UUID, owner, set string, args ...any) error {
	args = append([]any{id, owner}, args...)
	res, err := r.db.ExecContext(ctx,
		`UPDATE outbox_entries SET `+set+` WHERE id = $1 AND lease_owner = $2 AND status = 'processing'`, args...)
	if err != nil {
		return mapError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sharedDomain.ErrLeaseLost
	}
	return nil
}

// ListByAggregate devuelve las entradas de un agregado por orden de creación.
func (r *OutboxRepoPostgres) ListByAggregate(ctx context.Context, aggregateID string) ([]sharedDomain.OutboxEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+outboxColumns+` FROM outbox_entries WHERE aggregate_id = $1 ORDER BY created_at, target`, aggregateID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var entries []sharedDomain.OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CountByStatus resume el backlog del outbox.
func (r *OutboxRepoPostgres) CountByStatus(ctx context.Context) (map[sharedDomain.OutboxStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM outbox_entries GROUP BY status`)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	counts := make(map[sharedDomain.OutboxStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[sharedDomain.OutboxStatus(status)] = n
	}
	return counts, rows.Err()
}

func scanOutbox(row rowScanner) (sharedDomain.OutboxEntry, error) {
	var (
		e                         sharedDomain.OutboxEntry
		idStr, eventIDStr, status string
		lastError, leaseOwner     sql.NullString
		leaseExpiresAt, processed sql.NullTime
	)
	err := row.Scan(&idStr, &eventIDStr, &e.AggregateID, &e.EventType, &e.Target, &e.Payload, &status,
		&e.Attempts, &e.MaxAttempts, &e.NextAttemptAt, &lastError, &leaseOwner, &leaseExpiresAt,
		&e.CreatedAt, &e.UpdatedAt, &processed)
	if err != nil {
		return e, err
	}

	if e.ID, err = uuid.Parse(idStr); err != nil {
		return e, fmt.Errorf("invalid UUID in DB: %w", err)
	}
	if e.EventID, err = uuid.Parse(eventIDStr); err != nil {
		return e, fmt.Errorf("invalid UUID in DB: %w", err)
	}
	e.Status = sharedDomain.OutboxStatus(status)
	e.NextAttemptAt = e.NextAttemptAt.UTC()
	e.LastError = lastError.String
	e.LeaseOwner = leaseOwner.String
	e.LeaseExpiresAt = fromNullTime(leaseExpiresAt)
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	e.ProcessedAt = fromNullTime(processed)
	return e, nil
}
