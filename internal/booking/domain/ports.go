package domain

import (
	"context"
	"errors"
	"time"

	sharedDomain "github.com/davicafu/bookinglab/internal/shared/domain"
	"github.com/google/uuid"
)

// ---------- Errores de dominio ----------
var (
	ErrSlotTaken            = errors.New("slot already taken")
	ErrBookingNotFound      = errors.New("booking not found")
	ErrInvalidBooking       = errors.New("invalid booking")
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrVersionConflict      = errors.New("version conflict")
	ErrIdempotencyConflict  = errors.New("command with this idempotency key is still processing")
	ErrIdempotencyKeyReused = errors.New("idempotency key reused with a different request")
	ErrIdempotencyNotFound  = errors.New("idempotency key not found")
	ErrTransientStore       = errors.New("transient store error")
)

// ---------- Interfaces (Ports) ----------

// BookingTx agrupa lo que un comando puede hacer dentro de UNA transacción
// local: reserva, historia de eventos y outbox se confirman juntos o nada.
type BookingTx interface {
	// Reserve debe devolver ErrSlotTaken si la franja ya tiene una reserva activa.
	Reserve(ctx context.Context, b *Booking) error

	// LockBooking lee la reserva dentro de la transacción.
	// Debe devolver ErrBookingNotFound si no existe.
	LockBooking(ctx context.Context, id uuid.UUID) (*Booking, error)

	// UpdateStatus aplica el cambio sólo si la versión coincide; si no, el
	// resultado trae el conflicto en lugar de un error.
	UpdateStatus(ctx context.Context, id uuid.UUID, expectedVersion int, status BookingStatus) (UpdateResult, error)

	// CurrentEventVersion devuelve la última versión del agregado (0 si no hay eventos).
	CurrentEventVersion(ctx context.Context, aggregateID string) (int, error)

	// Append exige version = actual + 1; si no, ErrVersionConflict.
	Append(ctx context.Context, aggregateID, aggregateType, eventType string, version int, payload []byte) (DomainEvent, error)

	InsertOutbox(ctx context.Context, entries ...sharedDomain.OutboxEntry) error
}

// BookingStore es el almacén transaccional de reservas y su historia.
type BookingStore interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx BookingTx) error) error

	// Debe devolver ErrBookingNotFound si no existe.
	GetBooking(ctx context.Context, id uuid.UUID) (*Booking, error)

	// ListEvents devuelve la historia ordenada por versión.
	ListEvents(ctx context.Context, aggregateID string) ([]DomainEvent, error)
}

// IdempotencyRepository persiste el ledger de claves.
type IdempotencyRepository interface {
	// Insert devuelve false (sin error) si la clave ya existía.
	Insert(ctx context.Context, rec IdempotencyRecord) (bool, error)

	// Debe devolver ErrIdempotencyNotFound si no existe.
	Get(ctx context.Context, key string) (*IdempotencyRecord, error)

	// Reclaim reemplaza un registro fallido o caducado. Devuelve false si otro
	// llamador se adelantó o el registro sigue vivo.
	Reclaim(ctx context.Context, rec IdempotencyRecord, now time.Time) (bool, error)

	// Complete fija expiresAt: el lease de processing se sustituye por el TTL
	// del resultado.
	Complete(ctx context.Context, key string, result []byte, now, expiresAt time.Time) error
	Fail(ctx context.Context, key string, lastError string, now time.Time) error

	// PurgeExpired borra los registros caducados y devuelve cuántos.
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}
