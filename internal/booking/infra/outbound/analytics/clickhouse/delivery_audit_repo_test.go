package clickhouse

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sharedDomain "github.com/davicafu/bookinglab/internal/shared/domain"
)

func TestDeliveryAuditRepo_EmptyBatchIsNoop(t *testing.T) {
	// Sin conexión: un lote vacío no debe tocar la base.
	repo := NewDeliveryAuditRepo(nil)
	assert.NoError(t, repo.LogBatch(context.Background(), nil))
}

func TestDeliveryAuditRepo_LogBatchAndStats(t *testing.T) {
	addr := os.Getenv("CLICKHOUSE_ADDR")
	if addr == "" {
		t.Skip("CLICKHOUSE_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	db, err := Open(addr, "default")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	repo := NewDeliveryAuditRepo(db)
	require.NoError(t, repo.InitSchema(ctx))

	start := time.Now().UTC().Add(-time.Second)
	target := "test-" + uuid.NewString()[:8]
	attempt := func(n int, outcome sharedDomain.OutboxStatus) sharedDomain.DeliveryAttempt {
		return sharedDomain.DeliveryAttempt{
			EntryID: uuid.New(), EventID: uuid.New(), AggregateID: "agg", EventType: "booking.created",
			Target: target, WorkerID: "w1", Attempt: n, Outcome: outcome,
			Duration: 15 * time.Millisecond, AttemptedAt: time.Now(),
		}
	}
	require.NoError(t, repo.LogBatch(ctx, []sharedDomain.DeliveryAttempt{
		attempt(1, sharedDomain.OutboxPending),
		attempt(2, sharedDomain.OutboxPending),
		attempt(3, sharedDomain.OutboxFailed),
		attempt(1, sharedDomain.OutboxCompleted),
	}))

	stats, err := repo.StatsByTarget(ctx, start, time.Now().UTC().Add(time.Second))
	require.NoError(t, err)

	var got *sharedDomain.DeliveryTargetStats
	for i := range stats {
		if stats[i].Target == target {
			got = &stats[i]
		}
	}
	require.NotNil(t, got)
	assert.Equal(t, uint64(4), got.Attempts)
	assert.Equal(t, uint64(1), got.Completed)
	assert.Equal(t, uint64(2), got.Retried)
	assert.Equal(t, uint64(1), got.Failed)
}
