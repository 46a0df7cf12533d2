package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/davicafu/bookinglab/internal/booking/domain"
)

const idempotencyColumns = `idem_key, command_type, fingerprint, status, result, last_error, expires_at, created_at, updated_at`

// IdempotencyRepoPostgres implementa domain.IdempotencyRepository.
// result se guarda como BYTEA para devolver los bytes exactos en un replay.
type IdempotencyRepoPostgres struct {
	db *sql.DB
}

// Verificación en tiempo de compilación.
var _ domain.IdempotencyRepository = (*IdempotencyRepoPostgres)(nil)

func NewIdempotencyRepoPostgres(db *sql.DB) *IdempotencyRepoPostgres {
	return &IdempotencyRepoPostgres{db: db}
}

func (r *IdempotencyRepoPostgres) Insert(ctx context.Context, rec domain.IdempotencyRecord) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys (idem_key, command_type, fingerprint, status, expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (idem_key) DO NOTHING`,
		rec.Key, rec.CommandType, rec.Fingerprint, string(rec.Status),
		rec.ExpiresAt.UTC(), rec.CreatedAt.UTC(), rec.UpdatedAt.UTC(),
	)
	if err != nil {
		return false, mapError(fmt.Errorf("insert idempotency key: %w", err))
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r *IdempotencyRepoPostgres) Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	var (
		rec       domain.IdempotencyRecord
		status    string
		result    []byte
		lastError sql.NullString
	)
	err := r.db.QueryRowContext(ctx, `SELECT `+idempotencyColumns+` FROM idempotency_keys WHERE idem_key = $1`, key).
		Scan(&rec.Key, &rec.CommandType, &rec.Fingerprint, &status, &result, &lastError, &rec.ExpiresAt, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrIdempotencyNotFound
		}
		return nil, mapError(err)
	}

	rec.Status = domain.IdempotencyStatus(status)
	rec.Result = result
	rec.LastError = lastError.String
	rec.ExpiresAt = rec.ExpiresAt.UTC()
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return &rec, nil
}

func (r *IdempotencyRepoPostgres) Reclaim(ctx context.Context, rec domain.IdempotencyRecord, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE idempotency_keys
		 SET command_type = $1, fingerprint = $2, status = $3, result = NULL, last_error = NULL,
		     expires_at = $4, created_at = $5, updated_at = $6
		 WHERE idem_key = $7 AND (status = 'failed' OR expires_at <= $8)`,
		rec.CommandType, rec.Fingerprint, string(rec.Status),
		rec.ExpiresAt.UTC(), rec.CreatedAt.UTC(), rec.UpdatedAt.UTC(),
		rec.Key, now.UTC(),
	)
	if err != nil {
		return false, mapError(fmt.Errorf("reclaim idempotency key: %w", err))
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r *IdempotencyRepoPostgres) Complete(ctx context.Context, key string, result []byte, now, expiresAt time.Time) error {
	return r.finish(ctx, key, `status = 'completed', result = $2, updated_at = $3, expires_at = $4`, result, now.UTC(), expiresAt.UTC())
}

func (r *IdempotencyRepoPostgres) Fail(ctx context.Context, key string, lastError string, now time.Time) error {
	return r.finish(ctx, key, `status = 'failed', last_error = $2, updated_at = $3`, lastError, now.UTC())
}

func (r *IdempotencyRepoPostgres) finish(ctx context.Context, key, set string, args ...any) error {
	args = append([]any{key}, args...)
	res, err := r.db.ExecContext(ctx,
		`UPDATE idempotency_keys SET `+set+` WHERE idem_key = $1 AND status = 'processing'`, args...)
	if err != nil {
		return mapError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s is not processing", domain.ErrIdempotencyNotFound, key)
	}
	return nil
}

func (r *IdempotencyRepoPostgres) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, mapError(err)
	}
	return res.RowsAffected()
}
