package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/davicafu/bookinglab/internal/booking/domain"
	sharedDomain "github.com/davicafu/bookinglab/internal/shared/domain"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const bookingColumns = `id, resource_id, date, slot, status, version, payload, created_at, updated_at`

const eventColumns = `id, aggregate_id, aggregate_type, event_type, version, payload, hash_previous, hash_current, created_at`

// BookingStoreSQLite implementa domain.BookingStore sobre SQLite.
type BookingStoreSQLite struct {
	db  *sql.DB
	now func() time.Time
}

// Verificación en tiempo de compilación.
var _ domain.BookingStore = (*BookingStoreSQLite)(nil)

func NewBookingStoreSQLite(db *sql.DB) *BookingStoreSQLite {
	return &BookingStoreSQLite{db: db, now: time.Now}
}

// WithinTx ejecuta fn en una transacción; cualquier error hace rollback.
func (s *BookingStoreSQLite) WithinTx(ctx context.Context, fn func(ctx context.Context, tx domain.BookingTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
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

func (s *BookingStoreSQLite) GetBooking(ctx context.Context, id uuid.UUID) (*domain.Booking, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = ?`, id.String())
	b, err := scanBooking(row)
	return b, mapError(err)
}

func (s *BookingStoreSQLite) ListEvents(ctx context.Context, aggregateID string) ([]domain.DomainEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM domain_events WHERE aggregate_id = ? ORDER BY version`, aggregateID)
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
	var status string
	err := t.tx.QueryRowContext(ctx,
		`SELECT status FROM bookings WHERE resource_id = ? AND date = ? AND slot = ? AND status <> 'cancelled' LIMIT 1`,
		b.ResourceID, b.Date, b.Slot,
	).Scan(&status)
	switch {
	case err == nil:
		return domain.ErrSlotTaken
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("check slot: %w", err)
	}

	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO bookings (`+bookingColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		b.ID.String(), b.ResourceID, b.Date, b.Slot, string(b.Status), b.Version,
		string(b.Payload), toMillis(b.CreatedAt), toMillis(b.UpdatedAt),
	)
	if err != nil {
		if isConstraintError(err) {
			return domain.ErrSlotTaken
		}
		return fmt.Errorf("insert booking: %w", err)
	}
	return nil
}

// LockBooking lee la fila dentro de la transacción. SQLite trabaja con un
// único escritor, el UPDATE condicional por versión detecta la carrera.
func (t *bookingTx) LockBooking(ctx context.Context, id uuid.UUID) (*domain.Booking, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = ?`, id.String())
	return scanBooking(row)
}

func (t *bookingTx) UpdateStatus(ctx context.Context, id uuid.UUID, expectedVersion int, status domain.BookingStatus) (domain.UpdateResult, error) {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE bookings SET status = ?, version = version + 1, updated_at = ? WHERE id = ? AND version = ?`,
		string(status), toMillis(t.now()), id.String(), expectedVersion,
	)
	if err != nil {
		return domain.UpdateResult{}, fmt.Errorf("update booking status: %w", err)
	}

	if rows, _ := res.RowsAffected(); rows == 0 {
		var actual int
		err := t.tx.QueryRowContext(ctx, `SELECT version FROM bookings WHERE id = ?`, id.String()).Scan(&actual)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.UpdateResult{}, domain.ErrBookingNotFound
		}
		if err != nil {
			return domain.UpdateResult{}, err
		}
		return domain.Conflicted(expectedVersion, actual), nil
	}

	b, err := t.LockBooking(ctx, id)
	if err != nil {
		return domain.UpdateResult{}, err
	}
	return domain.Updated(b), nil
}

func (t *bookingTx) CurrentEventVersion(ctx context.Context, aggregateID string) (int, error) {
	var version int
	err := t.tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM domain_events WHERE aggregate_id = ?`, aggregateID,
	).Scan(&version)
	return version, err
}

func (t *bookingTx) Append(ctx context.Context, aggregateID, aggregateType, eventType string, version int, payload []byte) (domain.DomainEvent, error) {
	var (
		lastVersion int
		prevHash    string
	)
	err := t.tx.QueryRowContext(ctx,
		`SELECT version, hash_current FROM domain_events WHERE aggregate_id = ? ORDER BY version DESC LIMIT 1`,
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
		`INSERT INTO domain_events (`+eventColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		evt.ID.String(), evt.AggregateID, evt.AggregateType, evt.EventType, evt.Version,
		[]byte(evt.Payload), evt.HashPrevious, evt.HashCurrent, toMillis(evt.CreatedAt),
	)
	if err != nil {
		if isConstraintError(err) {
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
		`INSERT INTO outbox_entries (`+outboxColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID.String(), e.EventID.String(), e.AggregateID, e.EventType, e.Target, e.Payload,
		string(e.Status), e.Attempts, e.MaxAttempts, toMillis(e.NextAttemptAt),
		sql.NullString{String: e.LastError, Valid: e.LastError != ""},
		sql.NullString{String: e.LeaseOwner, Valid: e.LeaseOwner != ""},
		nullMillis(e.LeaseExpiresAt), toMillis(e.CreatedAt), toMillis(e.UpdatedAt), nullMillis(e.ProcessedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert outbox entry: %w", err)
	}
	return nil
}

// ------------------ Scanners ------------------

func scanBooking(row rowScanner) (*domain.Booking, error) {
	var (
		b                    domain.Booking
		idStr, status        string
		payload              string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&idStr, &b.ResourceID, &b.Date, &b.Slot, &status, &b.Version, &payload, &createdAt, &updatedAt); err != nil {
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
	b.Payload = []byte(payload)
	b.CreatedAt = fromMillis(createdAt)
	b.UpdatedAt = fromMillis(updatedAt)
	return &b, nil
}

func scanEvent(row rowScanner) (domain.DomainEvent, error) {
	var (
		evt       domain.DomainEvent
		idStr     string
		payload   []byte
		createdAt int64
	)
	if err := row.Scan(&idStr, &evt.AggregateID, &evt.AggregateType, &evt.EventType, &evt.Version,
		&payload, &evt.HashPrevious, &evt.HashCurrent, &createdAt); err != nil {
		return domain.DomainEvent{}, err
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return domain.DomainEvent{}, fmt.Errorf("invalid UUID in DB: %w", err)
	}
	evt.ID = id
	evt.Payload = payload
	evt.CreatedAt = fromMillis(createdAt)
	return evt, nil
}
