package application

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/davicafu/bookinglab/internal/booking/domain"
	"github.com/davicafu/bookinglab/internal/booking/infra/outbound/db/sqlite"
	sharedCache "github.com/davicafu/bookinglab/internal/shared/infra/platform/cache"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type coordinatorFixture struct {
	coord  *Coordinator
	db     *sql.DB
	outbox *sqlite.OutboxRepoSQLite
}

func newCoordinatorFixture(t *testing.T) coordinatorFixture {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "bookinglab.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cache := sharedCache.NewInMemoryCache(time.Minute, 0)
	t.Cleanup(cache.Stop)

	log := zap.NewNop()
	ledger := NewLedger(sqlite.NewIdempotencyRepoSQLite(db), nil, time.Hour, log)
	coord := NewCoordinator(sqlite.NewBookingStoreSQLite(db), ledger, cache, CoordinatorConfig{MaxRetries: 3}, log)
	return coordinatorFixture{coord: coord, db: db, outbox: sqlite.NewOutboxRepoSQLite(db)}
}

func (f coordinatorFixture) count(t *testing.T, table string) int {
	t.Helper()
	var n int
	require.NoError(t, f.db.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

func (f coordinatorFixture) targets(t *testing.T, bookingID uuid.UUID, eventType string) []string {
	t.Helper()
	entries, err := f.outbox.ListByAggregate(context.Background(), bookingID.String())
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		if e.EventType == eventType {
			out = append(out, e.Target)
		}
	}
	sort.Strings(out)
	return out
}

func christmasSlot() domain.SlotRequest {
	return domain.SlotRequest{ResourceID: "R1", Date: "2025-12-25", Slot: "18:00", Payload: []byte(`{"party":4}`)}
}

func (f coordinatorFixture) create(t *testing.T, key string) *CommandResult {
	t.Helper()
	res, err := f.coord.CreateBooking(context.Background(), CreateBookingCommand{IdempotencyKey: key, Request: christmasSlot()})
	require.NoError(t, err)
	return res
}

func TestCreateBooking_WritesBookingEventAndOutboxAtomically(t *testing.T) {
	f := newCoordinatorFixture(t)

	res := f.create(t, "k-create")

	assert.False(t, res.Replayed)
	assert.Equal(t, domain.StatusPending, res.Booking.Status)
	assert.Equal(t, 1, res.Booking.Version)
	assert.Equal(t, 1, f.count(t, "bookings"))
	assert.Equal(t, 1, f.count(t, "domain_events"))
	assert.Equal(t, []string{domain.TargetAccounting, domain.TargetEmail, domain.TargetSMS},
		f.targets(t, res.Booking.ID, domain.BookingCreated))

	events, err := f.coord.ListEvents(context.Background(), res.Booking.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 1, events[0].Version)
	assert.Empty(t, events[0].HashPrevious)
}

func TestCreateBooking_ReplayReturnsSameBytesWithoutSideEffects(t *testing.T) {
	f := newCoordinatorFixture(t)
	first := f.create(t, "k-replay")
	outboxBefore := f.count(t, "outbox_entries")

	// Mismo cuerpo con otro formato: el fingerprint es canónico.
	req := christmasSlot()
	req.Payload = []byte(`{ "party" : 4 }`)
	second, err := f.coord.CreateBooking(context.Background(), CreateBookingCommand{IdempotencyKey: "k-replay", Request: req})
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.Body, second.Body)
	assert.Equal(t, first.Booking.ID, second.Booking.ID)
	assert.Equal(t, 1, f.count(t, "bookings"))
	assert.Equal(t, 1, f.count(t, "domain_events"))
	assert.Equal(t, outboxBefore, f.count(t, "outbox_entries"))
}

func TestCreateBooking_ConcurrentKeysSameSlotOneWinner(t *testing.T) {
	f := newCoordinatorFixture(t)
	ctx := context.Background()

	keys := []string{"k-alice", "k-bob"}
	results := make([]*CommandResult, len(keys))
	errs := make([]error, len(keys))

	var wg sync.WaitGroup
	for i, key := range keys {
		wg.Add(1)
		go func(i int, key string) {
			defer wg.Done()
			results[i], errs[i] = f.coord.CreateBooking(ctx, CreateBookingCommand{IdempotencyKey: key, Request: christmasSlot()})
		}(i, key)
	}
	wg.Wait()

	winner := -1
	for i, err := range errs {
		if err == nil {
			require.Equal(t, -1, winner, "only one create may succeed")
			winner = i
			continue
		}
		assert.ErrorIs(t, err, domain.ErrSlotTaken)
	}
	require.NotEqual(t, -1, winner)
	assert.Equal(t, 1, f.count(t, "bookings"))
	assert.Equal(t, 1, f.count(t, "domain_events"))
	assert.Equal(t, 3, f.count(t, "outbox_entries"))

	// El ganador reintenta y recibe el mismo resultado.
	again, err := f.coord.CreateBooking(ctx, CreateBookingCommand{IdempotencyKey: keys[winner], Request: christmasSlot()})
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, results[winner].Body, again.Body)
}

func TestCreateBooking_KeyReusedWithDifferentBody(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.create(t, "k-reuse")

	req := christmasSlot()
	req.Slot = "19:00"
	_, err := f.coord.CreateBooking(context.Background(), CreateBookingCommand{IdempotencyKey: "k-reuse", Request: req})

	assert.ErrorIs(t, err, domain.ErrIdempotencyKeyReused)
	assert.Equal(t, 1, f.count(t, "bookings"))
}

func TestCreateBooking_FailedKeyCanBeRetried(t *testing.T) {
	f := newCoordinatorFixture(t)
	ctx := context.Background()
	winner := f.create(t, "k-first")

	_, err := f.coord.CreateBooking(ctx, CreateBookingCommand{IdempotencyKey: "k-second", Request: christmasSlot()})
	require.ErrorIs(t, err, domain.ErrSlotTaken)

	_, err = f.coord.CancelBooking(ctx, TransitionCommand{IdempotencyKey: "k-cancel", BookingID: winner.Booking.ID})
	require.NoError(t, err)

	// La clave fallida no guardó resultado: el reintento se ejecuta de nuevo.
	res, err := f.coord.CreateBooking(ctx, CreateBookingCommand{IdempotencyKey: "k-second", Request: christmasSlot()})
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.NotEqual(t, winner.Booking.ID, res.Booking.ID)
}

func TestCreateBooking_InvalidInput(t *testing.T) {
	f := newCoordinatorFixture(t)
	ctx := context.Background()

	_, err := f.coord.CreateBooking(ctx, CreateBookingCommand{IdempotencyKey: "", Request: christmasSlot()})
	assert.ErrorIs(t, err, domain.ErrInvalidBooking)

	req := christmasSlot()
	req.Date = "25/12/2025"
	_, err = f.coord.CreateBooking(ctx, CreateBookingCommand{IdempotencyKey: "k-bad", Request: req})
	assert.ErrorIs(t, err, domain.ErrInvalidBooking)
	assert.Equal(t, 0, f.count(t, "idempotency_keys"))
}

func TestTransitions_ExtendChainAndFanOut(t *testing.T) {
	f := newCoordinatorFixture(t)
	ctx := context.Background()
	created := f.create(t, "k-c")
	id := created.Booking.ID

	v := 1
	confirmed, err := f.coord.ConfirmBooking(ctx, TransitionCommand{IdempotencyKey: "k-conf", BookingID: id, ExpectedVersion: &v})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConfirmed, confirmed.Booking.Status)
	assert.Equal(t, 2, confirmed.Booking.Version)
	assert.Equal(t, []string{domain.TargetEmail, domain.TargetPayment}, f.targets(t, id, domain.BookingConfirmed))

	completed, err := f.coord.CompleteBooking(ctx, TransitionCommand{IdempotencyKey: "k-done", BookingID: id})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, completed.Booking.Status)
	assert.Equal(t, []string{domain.TargetAccounting}, f.targets(t, id, domain.BookingCompleted))

	report, err := f.coord.VerifyChain(ctx, id)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, 3, report.Events)

	got, err := f.coord.GetBooking(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Version)
}

func TestTransitions_InvalidTransitionLeavesNoTrace(t *testing.T) {
	f := newCoordinatorFixture(t)
	ctx := context.Background()
	created := f.create(t, "k-c")

	_, err := f.coord.CompleteBooking(ctx, TransitionCommand{IdempotencyKey: "k-done", BookingID: created.Booking.ID})

	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Equal(t, 1, f.count(t, "domain_events"))
	assert.Equal(t, 3, f.count(t, "outbox_entries"))
}

func TestTransitions_StaleExpectedVersionIsRejected(t *testing.T) {
	f := newCoordinatorFixture(t)
	ctx := context.Background()
	created := f.create(t, "k-c")
	id := created.Booking.ID

	_, err := f.coord.ConfirmBooking(ctx, TransitionCommand{IdempotencyKey: "k-conf", BookingID: id})
	require.NoError(t, err)

	stale := 1
	_, err = f.coord.CancelBooking(ctx, TransitionCommand{IdempotencyKey: "k-cancel", BookingID: id, ExpectedVersion: &stale})

	var conflict *domain.VersionConflict
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, 1, conflict.Expected)
	assert.Equal(t, 2, conflict.Actual)
	assert.Equal(t, 2, f.count(t, "domain_events"))
}

func TestTransitions_UnknownBooking(t *testing.T) {
	f := newCoordinatorFixture(t)

	_, err := f.coord.ConfirmBooking(context.Background(), TransitionCommand{IdempotencyKey: "k", BookingID: uuid.New()})

	assert.ErrorIs(t, err, domain.ErrBookingNotFound)
}

func TestTransitions_ReplayDoesNotReapply(t *testing.T) {
	f := newCoordinatorFixture(t)
	ctx := context.Background()
	created := f.create(t, "k-c")
	cmd := TransitionCommand{IdempotencyKey: "k-cancel", BookingID: created.Booking.ID, Reason: "customer"}

	first, err := f.coord.CancelBooking(ctx, cmd)
	require.NoError(t, err)
	second, err := f.coord.CancelBooking(ctx, cmd)
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.Body, second.Body)
	assert.Equal(t, 2, f.count(t, "domain_events"))
}

func TestCreateBooking_CancelledContextDoesNotBurnKey(t *testing.T) {
	f := newCoordinatorFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.coord.CreateBooking(ctx, CreateBookingCommand{IdempotencyKey: "k-ctx", Request: christmasSlot()})
	require.Error(t, err)
	assert.Equal(t, 0, f.count(t, "bookings"))

	res := f.create(t, "k-ctx")
	assert.False(t, res.Replayed)
}
