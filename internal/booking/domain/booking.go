package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// BookingStatus es el estado del ciclo de vida de una reserva.
type BookingStatus string

const (
	StatusPending   BookingStatus = "pending"
	StatusConfirmed BookingStatus = "confirmed"
	StatusCancelled BookingStatus = "cancelled"
	StatusCompleted BookingStatus = "completed"
)

const (
	DateLayout = "2006-01-02"
	SlotLayout = "15:04"
)

const BookingAggregate = "booking"

// Booking es una reserva de un recurso para una fecha y franja concretas.
// Nunca se borra físicamente: la cancelación libera la franja.
type Booking struct {
	ID         uuid.UUID       `json:"id"`
	ResourceID string          `json:"resource_id"`
	Date       string          `json:"date"`
	Slot       string          `json:"slot"`
	Status     BookingStatus   `json:"status"`
	Version    int             `json:"version"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// SlotRequest agrupa los datos de entrada de una reserva nueva.
type SlotRequest struct {
	ResourceID string
	Date       string
	Slot       string
	Payload    json.RawMessage
}

// Validate normaliza y valida la petición.
func (r *SlotRequest) Validate() error {
	r.ResourceID = strings.TrimSpace(r.ResourceID)
	if r.ResourceID == "" {
		return fmt.Errorf("%w: resource_id is required", ErrInvalidBooking)
	}
	if _, err := time.Parse(DateLayout, r.Date); err != nil {
		return fmt.Errorf("%w: date must be YYYY-MM-DD", ErrInvalidBooking)
	}
	if _, err := time.Parse(SlotLayout, r.Slot); err != nil {
		return fmt.Errorf("%w: slot must be HH:MM", ErrInvalidBooking)
	}
	if len(r.Payload) == 0 {
		r.Payload = json.RawMessage(`{}`)
	} else if !json.Valid(r.Payload) {
		return fmt.Errorf("%w: payload must be valid JSON", ErrInvalidBooking)
	}
	return nil
}

// NewBooking construye una reserva pendiente en versión 1.
func NewBooking(req SlotRequest, now time.Time) *Booking {
	return &Booking{
		ID:         uuid.New(),
		ResourceID: req.ResourceID,
		Date:       req.Date,
		Slot:       req.Slot,
		Status:     StatusPending,
		Version:    1,
		Payload:    req.Payload,
		CreatedAt:  now.UTC(),
		UpdatedAt:  now.UTC(),
	}
}

var transitions = map[BookingStatus][]BookingStatus{
	StatusPending:   {StatusConfirmed, StatusCancelled},
	StatusConfirmed: {StatusCancelled, StatusCompleted},
}

// CanTransition indica si el paso de 'from' a 'to' está permitido.
func CanTransition(from, to BookingStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition comprueba la transición sin mutar la reserva.
func (b *Booking) Transition(to BookingStatus) error {
	if !CanTransition(b.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.Status, to)
	}
	return nil
}

// IsActive indica si la reserva ocupa su franja.
func (b *Booking) IsActive() bool {
	return b.Status != StatusCancelled
}

// VersionConflict describe un fallo de concurrencia optimista.
type VersionConflict struct {
	Expected int
	Actual   int
}

func (c *VersionConflict) Error() string {
	return fmt.Sprintf("version conflict: expected %d, actual %d", c.Expected, c.Actual)
}

func (c *VersionConflict) Is(target error) bool {
	return target == ErrVersionConflict
}

// UpdateResult es el resultado etiquetado de UpdateStatus: o la reserva
// actualizada o el conflicto de versión, nunca ambos.
type UpdateResult struct {
	Booking  *Booking
	Conflict *VersionConflict
}

func Updated(b *Booking) UpdateResult { return UpdateResult{Booking: b} }

func Conflicted(expected, actual int) UpdateResult {
	return UpdateResult{Conflict: &VersionConflict{Expected: expected, Actual: actual}}
}

// CacheKeyByID forma una key consistente para cache usando ID.
func CacheKeyByID(id uuid.UUID) string {
	return fmt.Sprintf("booking:id:%s", id.String())
}
