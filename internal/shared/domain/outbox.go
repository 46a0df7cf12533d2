package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxProcessing OutboxStatus = "processing"
	OutboxCompleted  OutboxStatus = "completed"
	OutboxFailed     OutboxStatus = "failed"
)

const DefaultMaxAttempts = 3

var ErrLeaseLost = errors.New("outbox lease lost")

// OutboxEntry es una entrega pendiente hacia UN destino externo.
// El payload es opaco para el relay.
type OutboxEntry struct {
	ID             uuid.UUID    `json:"id"`
	EventID        uuid.UUID    `json:"event_id"`
	AggregateID    string       `json:"aggregate_id"`
	EventType      string       `json:"event_type"`
	Target         string       `json:"target"`
	Payload        []byte       `json:"payload"`
	Status         OutboxStatus `json:"status"`
	Attempts       int          `json:"attempts"`
	MaxAttempts    int          `json:"max_attempts"`
	NextAttemptAt  time.Time    `json:"next_attempt_at"`
	LastError      string       `json:"last_error,omitempty"`
	LeaseOwner     string       `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time   `json:"lease_expires_at,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
	ProcessedAt    *time.Time   `json:"processed_at,omitempty"`
}

// NewOutboxEntry crea una entrada pendiente, vencida desde ya.
func NewOutboxEntry(eventID uuid.UUID, aggregateID, eventType, target string, payload []byte, maxAttempts int, now time.Time) OutboxEntry {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	now = now.UTC()
	return OutboxEntry{
		ID:            uuid.New(),
		EventID:       eventID,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Target:        target,
		Payload:       payload,
		Status:        OutboxPending,
		MaxAttempts:   maxAttempts,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// OutboxRepository define el contrato para acceder a la tabla outbox.
// Contiene solo los métodos que el relay necesita.
type OutboxRepository interface {
	// ClaimDue reserva hasta 'limit' entradas vencidas para 'owner'. Dos
	// llamadas concurrentes nunca reciben la misma entrada. Antes de reclamar,
	// una entrada con lease caducado cuenta el intento perdido y vuelve a
	// pending, o pasa a failed si ya agotó max_attempts.
	ClaimDue(ctx context.Context, owner string, now time.Time, leaseTTL time.Duration, limit int) ([]OutboxEntry, error)

	// Los Mark* devuelven ErrLeaseLost si 'owner' ya no tiene la entrada.
	MarkCompleted(ctx context.Context, id uuid.UUID, owner string, now time.Time) error
	MarkRetry(ctx context.Context, id uuid.UUID, owner string, nextAttemptAt time.Time, lastError string, now time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, owner string, lastError string, now time.Time) error
}

// Deliverer entrega un payload a un destino externo.
type Deliverer interface {
	Deliver(ctx context.Context, target string, payload []byte) error
}

// DeliveryMeta viaja en el contexto de cada entrega para los adapters que
// necesitan clave de partición o de deduplicación.
type DeliveryMeta struct {
	EntryID     uuid.UUID
	EventID     uuid.UUID
	AggregateID string
	EventType   string
	Attempt     int
}

type deliveryMetaKey struct{}

func WithDeliveryMeta(ctx context.Context, meta DeliveryMeta) context.Context {
	return context.WithValue(ctx, deliveryMetaKey{}, meta)
}

func DeliveryMetaFrom(ctx context.Context) (DeliveryMeta, bool) {
	meta, ok := ctx.Value(deliveryMetaKey{}).(DeliveryMeta)
	return meta, ok
}

// DeliveryAttempt es un intento de entrega registrado para auditoría.
type DeliveryAttempt struct {
	EntryID     uuid.UUID
	EventID     uuid.UUID
	AggregateID string
	EventType   string
	Target      string
	WorkerID    string
	Attempt     int
	Outcome     OutboxStatus
	Error       string
	Duration    time.Duration
	AttemptedAt time.Time
}

// DeliveryTargetStats resume los intentos de entrega de un destino.
type DeliveryTargetStats struct {
	Target    string `json:"target"`
	Attempts  uint64 `json:"attempts"`
	Completed uint64 `json:"completed"`
	Retried   uint64 `json:"retried"`
	Failed    uint64 `json:"failed"`
}

// DeliveryAuditRepository recibe los intentos de entrega en lotes.
type DeliveryAuditRepository interface {
	LogBatch(ctx context.Context, attempts []DeliveryAttempt) error
}
