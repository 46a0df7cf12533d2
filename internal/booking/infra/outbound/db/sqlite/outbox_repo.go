package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sharedDomain "github.com/davicafu/bookinglab/internal/shared/domain"
	"github.com/google/uuid"
)

const outboxColumns = `id, event_id, aggregate_id, event_type, target, payload, status, attempts, max_attempts,
	next_attempt_at, last_error, lease_owner, lease_expires_at, created_at, updated_at, processed_at`

// Condición de "vencida": pendiente con next_attempt_at alcanzado, o en
// proceso con el lease de un worker caído ya expirado.
const dueCondition = `status = 'pending' AND next_attempt_at <= ?`

// LeaseExpiredError es el last_error de una entrada cuyo worker no confirmó
// la entrega antes de que caducara su lease.
const LeaseExpiredError = "lease expired before delivery was confirmed"

// expireLeases devuelve a pending (o a failed si agotó intentos) las
// entradas cuyo lease caducó. El intento perdido cuenta.
const expireLeases = `
UPDATE outbox_entries
SET attempts = attempts + 1,
    status = CASE WHEN attempts + 1 >= max_attempts THEN 'failed' ELSE 'pending' END,
    processed_at = CASE WHEN attempts + 1 >= max_attempts THEN ? ELSE processed_at END,
    last_error = ?, lease_owner = NULL, lease_expires_at = NULL, updated_at = ?
WHERE status = 'processing' AND lease_expires_at <= ?`

// OutboxRepoSQLite implementa sharedDomain.OutboxRepository.
// SQLite no tiene SKIP LOCKED: cada entrada se reclama con un UPDATE
// condicional y sólo cuenta si afectó a una fila.
type OutboxRepoSQLite struct {
	db *sql.DB
}

// Verificación en tiempo de compilación.
var _ sharedDomain.OutboxRepository = (*OutboxRepoSQLite)(nil)

func NewOutboxRepoSQLite(db *sql.DB) *OutboxRepoSQLite {
	return &OutboxRepoSQLite{db: db}
}

func (r *OutboxRepoSQLite) ClaimDue(ctx context.Context, owner string, now time.Time, leaseTTL time.Duration, limit int) ([]sharedDomain.OutboxEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	nowMs := toMillis(now)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapError(fmt.Errorf("begin claim tx: %w", err))
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, expireLeases, nowMs, LeaseExpiredError, nowMs, nowMs); err != nil {
		return nil, mapError(fmt.Errorf("expire outbox leases: %w", err))
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM outbox_entries WHERE `+dueCondition+` ORDER BY next_attempt_at, created_at LIMIT ?`,
		nowMs, limit,
	)
	if err != nil {
		return nil, mapError(fmt.Errorf("select due entries: %w", err))
	}
	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	leaseUntil := toMillis(now.Add(leaseTTL))
	claimed := make([]sharedDomain.OutboxEntry, 0, len(candidates))
	for _, id := range candidates {
		res, err := tx.ExecContext(ctx,
			`UPDATE outbox_entries SET status = 'processing', lease_owner = ?, lease_expires_at = ?, updated_at = ?
			 WHERE id = ? AND `+dueCondition,
			owner, leaseUntil, nowMs, id, nowMs,
		)
		if err != nil {
			return nil, mapError(fmt.Errorf("claim entry %s: %w", id, err))
		}
		if n, _ := res.RowsAffected(); n != 1 {
			continue
		}

		entry, err := scanOutbox(tx.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM outbox_entries WHERE id = ?`, id))
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, entry)
	}

	if err := tx.Commit(); err != nil {
		return nil, mapError(fmt.Errorf("commit claim tx: %w", err))
	}
	return claimed, nil
}

func (r *OutboxRepoSQLite) MarkCompleted(ctx context.Context, id uuid.UUID, owner string, now time.Time) error {
	return r.markOwned(ctx, id, owner,
		`status = 'completed', lease_owner = NULL, lease_expires_at = NULL, processed_at = ?, updated_at = ?`,
		toMillis(now), toMillis(now))
}

func (r *OutboxRepoSQLite) MarkRetry(ctx context.Context, id uuid.UUID, owner string, nextAttemptAt time.Time, lastError string, now time.Time) error {
	return r.markOwned(ctx, id, owner,
		`status = 'pending', attempts = attempts + 1, next_attempt_at = MAX(next_attempt_at, ?), last_error = ?,
		 lease_owner = NULL, lease_expires_at = NULL, updated_at = ?`,
		toMillis(nextAttemptAt), lastError, toMillis(now))
}

func (r *OutboxRepoSQLite) MarkFailed(ctx context.Context, id uuid.UUID, owner string, lastError string, now time.Time) error {
	return r.markOwned(ctx, id, owner,
		`status = 'failed', attempts = attempts + 1, last_error = ?, lease_owner = NULL, lease_expires_at = NULL,
		 processed_at = ?, updated_at = ?`,
		lastError, toMillis(now), toMillis(now))
}

// markOwned sólo actualiza si 'owner' conserva el lease de la entrada.
func (r *OutboxRepoSQLite) markOwned(ctx context.Context, id uuid.UUID, owner, set string, args ...any) error {
	args = append(args, id.String(), owner)
	res, err := r.db.ExecContext(ctx,
		`UPDATE outbox_entries SET `+set+` WHERE id = ? AND lease_owner = ? AND status = 'processing'`, args...)
	if err != nil {
		return mapError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sharedDomain.ErrLeaseLost
	}
	return nil
}

// ListByAggregate devuelve las entradas de un agregado por orden de creación.
func (r *OutboxRepoSQLite) ListByAggregate(ctx context.Context, aggregateID string) ([]sharedDomain.OutboxEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+outboxColumns+` FROM outbox_entries WHERE aggregate_id = ? ORDER BY created_at, target`, aggregateID)
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
func (r *OutboxRepoSQLite) CountByStatus(ctx context.Context) (map[sharedDomain.OutboxStatus]int, error) {
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
		e                              sharedDomain.OutboxEntry
		idStr, eventIDStr, status      string
		nextAttemptAt                  int64
		createdAt, updatedAt           int64
		lastError, leaseOwner          sql.NullString
		leaseExpiresAt, processedAtRaw sql.NullInt64
	)
	err := row.Scan(&idStr, &eventIDStr, &e.AggregateID, &e.EventType, &e.Target, &e.Payload, &status,
		&e.Attempts, &e.MaxAttempts, &nextAttemptAt, &lastError, &leaseOwner, &leaseExpiresAt,
		&createdAt, &updatedAt, &processedAtRaw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e, fmt.Errorf("outbox entry not found: %w", err)
		}
		return e, err
	}

	if e.ID, err = uuid.Parse(idStr); err != nil {
		return e, fmt.Errorf("invalid UUID in DB: %w", err)
	}
	if e.EventID, err = uuid.Parse(eventIDStr); err != nil {
		return e, fmt.Errorf("invalid UUID in DB: %w", err)
	}
	e.Status = sharedDomain.OutboxStatus(status)
	e.NextAttemptAt = fromMillis(nextAttemptAt)
	e.LastError = lastError.String
	e.LeaseOwner = leaseOwner.String
	e.LeaseExpiresAt = fromNullMillis(leaseExpiresAt)
	e.CreatedAt = fromMillis(createdAt)
	e.UpdatedAt = fromMillis(updatedAt)
	e.ProcessedAt = fromNullMillis(processedAtRaw)
	return e, nil
}
