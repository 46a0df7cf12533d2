package relayer

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/davicafu/bookinglab/internal/booking/domain"
	"github.com/davicafu/bookinglab/internal/booking/infra/outbound/db/sqlite"
	sharedDomain "github.com/davicafu/bookinglab/internal/shared/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// hangingDeliverer no responde nunca: cada entrega acaba por timeout.
type hangingDeliverer struct {
	mu          sync.Mutex
	calls       int
	inFlight    int
	maxInFlight int
}

func (d *hangingDeliverer) Deliver(ctx context.Context, target string, payload []byte) error {
	d.mu.Lock()
	d.calls++
	d.inFlight++
	if d.inFlight > d.maxInFlight {
		d.maxInFlight = d.inFlight
	}
	d.mu.Unlock()

	<-ctx.Done()

	d.mu.Lock()
	d.inFlight--
	d.mu.Unlock()
	return ctx.Err()
}

func (d *hangingDeliverer) stats() (calls, maxInFlight int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls, d.maxInFlight
}

func TestOutboxWorker_SlowDeliveryIsNeverDeliveredTwiceAtOnce(t *testing.T) {
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	entry := sharedDomain.NewOutboxEntry(uuid.New(), "agg-slow", domain.BookingCreated, domain.TargetEmail, []byte(`{}`), 3, time.Now())
	require.NoError(t, sqlite.NewBookingStoreSQLite(db).WithinTx(context.Background(), func(ctx context.Context, tx domain.BookingTx) error {
		return tx.InsertOutbox(ctx, entry)
	}))
	repo := sqlite.NewOutboxRepoSQLite(db)

	deliverer := &hangingDeliverer{}
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		worker := NewOutboxWorker(repo, deliverer, Config{
			WorkerID: fmt.Sprintf("w-%d", i),
			Interval: 10 * time.Millisecond,
			LeaseTTL: 200 * time.Millisecond,
			Backoff:  NewBackoff(10*time.Millisecond, 20*time.Millisecond),
		}, zap.NewNop())
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker.Start(ctx)
		}()
	}

	require.Eventually(t, func() bool {
		entries, err := repo.ListByAggregate(context.Background(), "agg-slow")
		return err == nil && len(entries) == 1 && entries[0].Status == sharedDomain.OutboxFailed
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	wg.Wait()

	calls, maxInFlight := deliverer.stats()
	assert.Equal(t, 1, maxInFlight, "entry must not be in flight on two workers")
	assert.Equal(t, 3, calls, "one Deliver call per counted attempt")

	entries, err := repo.ListByAggregate(context.Background(), "agg-slow")
	require.NoError(t, err)
	assert.Equal(t, 3, entries[0].Attempts)
	assert.Equal(t, context.DeadlineExceeded.Error(), entries[0].LastError)
}

func TestConfig_DeliveryTimeoutStaysInsideLease(t *testing.T) {
	tests := map[string]struct {
		in   time.Duration
		want time.Duration
	}{
		"default":        {0, 15 * time.Second},
		"equal to lease": {30 * time.Second, 15 * time.Second},
		"shorter":        {5 * time.Second, 5 * time.Second},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := Config{LeaseTTL: 30 * time.Second, DeliveryTimeout: tt.in}
			cfg.applyDefaults()
			assert.Equal(t, tt.want, cfg.DeliveryTimeout)
		})
	}
}

func TestWorker_DeliveryTimeoutShrinksWithRemainingLease(t *testing.T) {
	w := NewOutboxWorker(nil, nil, Config{LeaseTTL: 30 * time.Second}, zap.NewNop())
	started := time.Date(2025, 12, 24, 10, 0, 0, 0, time.UTC)
	entry := sharedDomain.OutboxEntry{}

	assert.Equal(t, 15*time.Second, w.deliveryTimeout(entry, started))

	fresh := started.Add(30 * time.Second)
	entry.LeaseExpiresAt = &fresh
	assert.Equal(t, 15*time.Second, w.deliveryTimeout(entry, started))

	// Lote lento: quedan 10s de lease y 3s se reservan para marcar.
	late := started.Add(10 * time.Second)
	entry.LeaseExpiresAt = &late
	assert.Equal(t, 7*time.Second, w.deliveryTimeout(entry, started))
}
