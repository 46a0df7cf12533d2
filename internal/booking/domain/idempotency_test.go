package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFingerprint(t *testing.T) {
	body := []byte(`{"resource_id":"R1"}`)

	assert.Equal(t, Fingerprint(CommandCreateBooking, body), Fingerprint(CommandCreateBooking, body))
	assert.NotEqual(t, Fingerprint(CommandCreateBooking, body), Fingerprint(CommandCancelBooking, body))
	assert.NotEqual(t, Fingerprint(CommandCreateBooking, body), Fingerprint(CommandCreateBooking, []byte(`{}`)))
}

func TestIdempotencyRecord_Reclaimable(t *testing.T) {
	now := time.Now()

	live := &IdempotencyRecord{Status: IdempotencyProcessing, ExpiresAt: now.Add(time.Minute)}
	expired := &IdempotencyRecord{Status: IdempotencyCompleted, ExpiresAt: now.Add(-time.Second)}
	failed := &IdempotencyRecord{Status: IdempotencyFailed, ExpiresAt: now.Add(time.Hour)}

	assert.False(t, live.Reclaimable(now))
	assert.True(t, expired.Reclaimable(now))
	assert.True(t, failed.Reclaimable(now))
}

func TestValidateIdempotencyKey(t *testing.T) {
	assert.NoError(t, ValidateIdempotencyKey("abc-123"))
	assert.ErrorIs(t, ValidateIdempotencyKey(""), ErrInvalidBooking)
	assert.ErrorIs(t, ValidateIdempotencyKey(strings.Repeat("k", MaxIdempotencyKeyLength+1)), ErrInvalidBooking)
}
