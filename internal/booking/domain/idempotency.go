package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type IdempotencyStatus string

const (
	IdempotencyProcessing IdempotencyStatus = "processing"
	IdempotencyCompleted  IdempotencyStatus = "completed"
	IdempotencyFailed     IdempotencyStatus = "failed"
)

// Tipos de comando registrados en el ledger.
const (
	CommandCreateBooking   = "CreateBooking"
	CommandConfirmBooking  = "ConfirmBooking"
	CommandCancelBooking   = "CancelBooking"
	CommandCompleteBooking = "CompleteBooking"
)

const MaxIdempotencyKeyLength = 255

// IdempotencyRecord es la fila del ledger para una clave de cliente.
type IdempotencyRecord struct {
	Key         string            `json:"key"`
	CommandType string            `json:"command_type"`
	Fingerprint string            `json:"fingerprint"`
	Status      IdempotencyStatus `json:"status"`
	Result      json.RawMessage   `json:"result,omitempty"`
	LastError   string            `json:"last_error,omitempty"`
	ExpiresAt   time.Time         `json:"expires_at"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Expired indica si el registro ya no protege la clave.
func (r *IdempotencyRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Reclaimable indica si una nueva ejecución puede quedarse con la clave.
func (r *IdempotencyRecord) Reclaimable(now time.Time) bool {
	return r.Expired(now) || r.Status == IdempotencyFailed
}

// BeginResult: IsNew indica que el llamador es dueño de la ejecución;
// en caso contrario Cached trae el resultado almacenado.
type BeginResult struct {
	IsNew  bool
	Cached json.RawMessage
}

// Fingerprint = hex(SHA-256(commandType ‖ 0x00 ‖ body)).
func Fingerprint(commandType string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(commandType))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// ValidateIdempotencyKey comprueba la clave que envía el cliente.
func ValidateIdempotencyKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: Idempotency-Key header is required", ErrInvalidBooking)
	}
	if len(key) > MaxIdempotencyKeyLength {
		return fmt.Errorf("%w: Idempotency-Key too long", ErrInvalidBooking)
	}
	return nil
}

// IdempotencyCacheKey forma la key de cache del resultado completado.
func IdempotencyCacheKey(key string) string {
	return "idem:" + key
}
