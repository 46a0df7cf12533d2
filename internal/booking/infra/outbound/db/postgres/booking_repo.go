package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/davicafu/bookinglab/internal/booking/domain"
	sharedDomain "github.com/davicafu/bookinglab/internal/shared/domain"
	"github.com/google/uuid"
)

const bookingColumns = `id::text, resource_id, date, slot, status, version, payload, created_at, updated_at`

const eventColumns = `id::text, aggregate_id, aggregate_type, event_type, version, payload, hash_previous, hash_current, created_at`

// BookingStorePostgres implementa domain.BookingStore sobre Postgres.
type BookingStorePostgres struct {
	db  *sql.DB
	now func() time.Time
}

// Verificación en tiempo de compilación.
var _ domain.BookingStore = (*BookingStorePostgres)(nil)

func NewBookingStorePostgres(db *sql.DB) *BookingStorePostgres {
	return &BookingStorePostgres{db: db, now: time.Now}
}

// WithinTx ejecuta fn en una transacción READ COMMITTED; cualquier error hace rollback.
func (s *BookingStorePostgres) WithinTx(ctx context.Context, fn func(ctx context.Context, tx domain.BookingTx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return mapError(fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback()

	if err := fn(ctx, &bookingTx{tx: tx, now: s.now}); err != nil {
		return mapError(err)
	}
	if err := tx.Commit(); err != nil {
		return mapError(fmt.Errorf("commit tx: %w", err))
	}
	return nil
}

func (s *BookingStorePostgres) GetBooking(ctx context.Context, id uuid.UUID) (*domain.Booking, error) {
	b, err := scanBooking(s.db.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id))
	return b, mapError(err)
}

func (s *BookingStorePostgres) ListEvents(ctx context.Context, aggregateID string) ([]domain.DomainEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM domain_events WHERE aggregate_id = $1 ORDER BY version`, aggregateID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var events []domain.DomainEvent
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// ------------------ Transacción de comando ------------------

type bookingTx struct {
	tx  *sql.Tx
	now func() time.Time
}

func (t *bookingTx) Reserve(ctx context.Context, b *domain.Booking) error {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT status FROM bookings WHERE resource_id = $1 AND date = $2 AND slot = $3 FOR UPDATE`,
		b.ResourceID, b.Date, b.Slot,
	)
	if err != nil {
		return fmt.Errorf("lock slot: %w", err)
	}
	taken := false
	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			rows.Close()
			return err
		}
		if domain.BookingStatus(status) != domain.StatusCancelled {
			taken = true
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if taken {
		return domain.ErrSlotTaken
	}

	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO bookings (id, resource_id, date, slot, status, version, payload, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		b.ID, b.ResourceID, b.Date, b.Slot, string(b.Status), b.Version, []byte(b.Payload), b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrSlotTaken
		}
		return fmt.Errorf("insert booking: %w", err)
	}
	return nil
}

// LockBooking toma el lock de fila hasta el fin de la transacción, así dos
// transiciones concurrentes sobre la misma reserva se serializan.
func (t *bookingTx) LockBooking(ctx context.Context, id uuid.UUID) (*domain.Booking, error) {
	return scanBooking(t.tx.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1 FOR UPDATE`, id))
}

func (t *bookingTx) UpdateStatus(ctx context.Context, id uuid.UUID, expectedVersion int, status domain.BookingStatus) (domain.UpdateResult, error) {
	b, err := scanBooking(t.tx.QueryRowContext(ctx,
		`UPDATE bookings SET status = $1, version = version + 1, updated_at = $2
		 WHERE id = $3 AND version = $4
		 RETURNING `+bookingColumns,
		string(status), t.now().UTC(), id, expectedVersion,
	))
	if err == nil {
		return domain.Updated(b), nil
	}
	if !errors.Is(err, domain.ErrBookingNotFound) {
		return domain.UpdateResult{}, fmt.Errorf("update booking status: %w", err)
	}

	var actual int
	err = t.tx.QueryRowContext(ctx, `SELECT version FROM bookings WHERE id = $1`, id).Scan(&actual)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.UpdateResult{}, domain.ErrBookingNotFound
	}
	if err != nil {
		return domain.UpdateResult{}, err
	}
	return domain.Conflicted(expectedVersion, actual), nil
}

func (t *bookingTx) CurrentEventVersion(ctx context.Context, aggregateID string) (int, error) {
	var version int
	err := t.tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM domain_events WHERE aggregate_id = $1`, aggregateID,
	).Scan(&version)
	return version, err
}

func (t *bookingTx) Append(ctx context.Context, aggregateID, aggregateType, eventType string, version int, payload []byte) (domain.DomainEvent, error) {
	var (
		lastVersion int
		prevHash    string
	)
	// FOR UPDATE sobre la cabeza de la cadena serializa los appends del agregado.
	err := t.tx.QueryRowContext(ctx,
		`SELECT version, hash_current FROM domain_events WHERE aggregate_id = $1 ORDER BY version DESC LIMIT 1 FOR UPDATE`,
		aggregateID,
	).Scan(&lastVersion, &prevHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return domain.DomainEvent{}, fmt.Errorf("read chain head: %w", err)
	}
	if version != lastVersion+1 {
		return domain.DomainEvent{}, fmt.Errorf("%w: append version %d after %d", domain.ErrVersionConflict, version, lastVersion)
	}

	evt, err := domain.NewDomainEvent(aggregateID, aggregateType, eventType, version, payload, prevHash, t.now())
	if err != nil {
		return domain.DomainEvent{}, err
	}

	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO domain_events (id, aggregate_id, aggregate_type, event_type, version, payload, hash_previous, hash_current, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		evt.ID, evt.AggregateID, evt.AggregateType, evt.EventType, evt.Version,
		[]byte(evt.Payload), evt.HashPrevious, evt.HashCurrent, evt.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.DomainEvent{}, fmt.Errorf("%w: event version %d already exists", domain.ErrVersionConflict, version)
		}
		return domain.DomainEvent{}, fmt.Errorf("insert domain event: %w", err)
	}
	return evt, nil
}

func (t *bookingTx) InsertOutbox(ctx context.Context, entries ...sharedDomain.OutboxEntry) error {
	for _, e := range entries {
		if err := insertOutboxTx(ctx, t.tx, e); err != nil {
			return err
		}
	}
	return nil
}

// ------------------ Helper DRY para insertar en outbox ------------------

func insertOutboxTx(ctx context.Context, tx *sql.Tx, e sharedDomain.OutboxEntry) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO outbox_entries (id, event_id, aggregate_id, event_type, target, payload, status, attempts,
			max_attempts, next_attempt_at, last_error, lease_owner, lease_expires_at, created_at, updated_at, processed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		e.ID, e.EventID, e.AggregateID, e.EventType, e.Target, e.Payload, string(e.Status), e.Attempts,
		e.MaxAttempts, e.NextAttemptAt,
		sql.NullString{String: e.LastError, Valid: e.LastError != ""},
		sql.NullString{String: e.LeaseOwner, Valid: e.LeaseOwner != ""},
		nullTime(e.LeaseExpiresAt), e.CreatedAt, e.UpdatedAt, nullTime(e.ProcessedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert outbox entry: %w", err)
	}
	return nil
}

// ------------------ Scanners ------------------

func nullTime(value *time.Time) sql.NullTime {
	if value == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *value, Valid: true}
}

func fromNullTime(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time.UTC()
	return &t
}

func scanBooking(row rowScanner) (*domain.Booking, error) {
	var (
		b             domain.Booking
		idStr, status string
		payload       []byte
	)
	if err := row.Scan(&idStr, &b.ResourceID, &b.Date, &b.Slot, &status, &b.Version, &payload, &b.CreatedAt, &b.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrBookingNotFound
		}
		return nil, err
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("invalid UUID in DB: %w", err)
	}
	b.ID = id
	b.Status = domain.BookingStatus(status)
	b.Payload = payload
	b.CreatedAt = b.CreatedAt.UTC()
	b.UpdatedAt = b.UpdatedAt.UTC()
	return &b, nil
}

func scanEvent(row rowScanner) (domain.DomainEvent, error) {
	var (
		evt     domain.DomainEvent
		idStr   string
		payload []byte
	)
	if err := row.Scan(&idStr, &evt.AggregateID, &evt.AggregateType, &evt.EventType, &evt.Version,
		&payload, &evt.HashPrevious, &evt.HashCurrent, &evt.CreatedAt); err != nil {
		return domain.DomainEvent{}, err
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return domain.DomainEvent{}, fmt.Errorf("invalid UUID in DB: %w", err)
	}
	evt.ID = id
	evt.Payload = payload
	evt.CreatedAt = evt.CreatedAt.UTC()
	return evt, nil
}
