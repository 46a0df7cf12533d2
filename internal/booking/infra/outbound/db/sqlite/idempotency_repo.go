package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/davicafu/bookinglab/internal/booking/domain"
)

const idempotencyColumns = `idem_key, command_type, fingerprint, status, result, last_error, expires_at, created_at, updated_at`

// IdempotencyRepoSQLite implementa domain.IdempotencyRepository.
type IdempotencyRepoSQLite struct {
	db *sql.DB
}

// Verificación en tiempo de compilación.
var _ domain.IdempotencyRepository = (*IdempotencyRepoSQLite)(nil)

func NewIdempotencyRepoSQLite(db *sql.DB) *IdempotencyRepoSQLite {
	return &IdempotencyRepoSQLite{db: db}
}

func (r *IdempotencyRepoSQLite) Insert(ctx context.Context, rec domain.IdempotencyRecord) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys (`+idempotencyColumns+`) VALUES (?,?,?,?,NULL,NULL,?,?,?)
		 ON CONFLICT (idem_key) DO NOTHING`,
		rec.Key, rec.CommandType, rec.Fingerprint, string(rec.Status),
		toMillis(rec.ExpiresAt), toMillis(rec.CreatedAt), toMillis(rec.UpdatedAt),
	)
	if err != nil {
		return false, mapError(fmt.Errorf("insert idempotency key: %w", err))
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r *IdempotencyRepoSQLite) Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	var (
		rec                             domain.IdempotencyRecord
		status                          string
		result                          []byte
		lastError                       sql.NullString
		expiresAt, createdAt, updatedAt int64
	)
	err := r.db.QueryRowContext(ctx, `SELECT `+idempotencyColumns+` FROM idempotency_keys WHERE idem_key = ?`, key).
		Scan(&rec.Key, &rec.CommandType, &rec.Fingerprint, &status, &result, &lastError, &expiresAt, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrIdempotencyNotFound
		}
		return nil, mapError(err)
	}

	rec.Status = domain.IdempotencyStatus(status)
	rec.Result = result
	rec.LastError = lastError.String
	rec.ExpiresAt = fromMillis(expiresAt)
	rec.CreatedAt = fromMillis(createdAt)
	rec.UpdatedAt = fromMillis(updatedAt)
	return &rec, nil
}

func (r *IdempotencyRepoSQLite) Reclaim(ctx context.Context, rec domain.IdempotencyRecord, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE idempotency_keys
		 SET command_type = ?, fingerprint = ?, status = ?, result = NULL, last_error = NULL,
		     expires_at = ?, created_at = ?, updated_at = ?
		 WHERE idem_key = ? AND (status = 'failed' OR expires_at <= ?)`,
		rec.CommandType, rec.Fingerprint, string(rec.Status),
		toMillis(rec.ExpiresAt), toMillis(rec.CreatedAt), toMillis(rec.UpdatedAt),
		rec.Key, toMillis(now),
	)
	if err != nil {
		return false, mapError(fmt.Errorf("reclaim idempotency key: %w", err))
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r *IdempotencyRepoSQLite) Complete(ctx context.Context, key string, result []byte, now, expiresAt time.Time) error {
	return r.finish(ctx, key, `status = 'completed', result = ?, updated_at = ?, expires_at = ?`, result, toMillis(now), toMillis(expiresAt))
}

func (r *IdempotencyRepoSQLite) Fail(ctx context.Context, key string, lastError string, now time.Time) error {
	return r.finish(ctx, key, `status = 'failed', last_error = ?, updated_at = ?`, lastError, toMillis(now))
}

func (r *IdempotencyRepoSQLite) finish(ctx context.Context, key, set string, args ...any) error {
	args = append(args, key)
	res, err := r.db.ExecContext(ctx,
		`UPDATE idempotency_keys SET `+set+` WHERE idem_key = ? AND status = 'processing'`, args...)
	if err != nil {
		return mapError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s is not processing", domain.ErrIdempotencyNotFound, key)
	}
	return nil
}

func (r *IdempotencyRepoSQLite) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE expires_at <= ?`, toMillis(now))
	if err != nil {
		return 0, mapError(err)
	}
	return res.RowsAffected()
}
