package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/davicafu/bookinglab/internal/booking/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func processingRecord(key string, now time.Time, ttl time.Duration) domain.IdempotencyRecord {
	return domain.IdempotencyRecord{
		Key:         key,
		CommandType: domain.CommandCreateBooking,
		Fingerprint: "fp-1",
		Status:      domain.IdempotencyProcessing,
		ExpiresAt:   now.Add(ttl),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestIdempotencyRepo_InsertIsFirstWriterWins(t *testing.T) {
	repo := NewIdempotencyRepoSQLite(openTestDB(t))
	ctx := context.Background()

	ok, err := repo.Insert(ctx, processingRecord("k1", t0, time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Insert(ctx, processingRecord("k1", t0, time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIdempotencyRepo_CompleteStoresExactBytes(t *testing.T) {
	repo := NewIdempotencyRepoSQLite(openTestDB(t))
	ctx := context.Background()
	body := []byte(`{"id":"b-1","status":"pending"}`)

	_, err := repo.Insert(ctx, processingRecord("k1", t0, time.Hour))
	require.NoError(t, err)
	require.NoError(t, repo.Complete(ctx, "k1", body, t0, t0.Add(24*time.Hour)))

	rec, err := repo.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, domain.IdempotencyCompleted, rec.Status)
	assert.Equal(t, body, []byte(rec.Result))
	assert.True(t, rec.ExpiresAt.Equal(t0.Add(24*time.Hour)), "el resultado toma el TTL completo")

	// Un registro ya completado no vuelve a cambiar.
	assert.ErrorIs(t, repo.Fail(ctx, "k1", "late", t0), domain.ErrIdempotencyNotFound)
}

func TestIdempotencyRepo_ReclaimOnlyFailedOrExpired(t *testing.T) {
	repo := NewIdempotencyRepoSQLite(openTestDB(t))
	ctx := context.Background()

	_, err := repo.Insert(ctx, processingRecord("k1", t0, time.Hour))
	require.NoError(t, err)

	ok, err := repo.Reclaim(ctx, processingRecord("k1", t0, time.Hour), t0.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "un registro vivo en proceso no se puede reclamar")

	ok, err = repo.Reclaim(ctx, processingRecord("k1", t0.Add(2*time.Hour), time.Hour), t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.True(t, ok, "caducado")

	require.NoError(t, repo.Fail(ctx, "k1", "slot taken", t0.Add(2*time.Hour)))
	ok, err = repo.Reclaim(ctx, processingRecord("k1", t0.Add(2*time.Hour), time.Hour), t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.True(t, ok, "fallido")
}

func TestIdempotencyRepo_PurgeExpired(t *testing.T) {
	repo := NewIdempotencyRepoSQLite(openTestDB(t))
	ctx := context.Background()

	_, _ = repo.Insert(ctx, processingRecord("old", t0, time.Minute))
	_, _ = repo.Insert(ctx, processingRecord("fresh", t0, 48*time.Hour))

	n, err := repo.PurgeExpired(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = repo.Get(ctx, "old")
	assert.ErrorIs(t, err, domain.ErrIdempotencyNotFound)
	_, err = repo.Get(ctx, "fresh")
	assert.NoError(t, err)
}
