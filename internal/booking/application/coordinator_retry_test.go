package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/davicafu/bookinglab/internal/booking/domain"
	"github.com/davicafu/bookinglab/internal/mocks"
	sharedDomain "github.com/davicafu/bookinglab/internal/shared/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// racingStore simula un escritor concurrente: las primeras conflicts
// llamadas a UpdateStatus pierden la carrera de versión.
type racingStore struct {
	mu        sync.Mutex
	booking   domain.Booking
	conflicts int
	updates   int
	appended  int
}

var _ domain.BookingStore = (*racingStore)(nil)

func newRacingStore(conflicts int) *racingStore {
	b := domain.NewBooking(christmasSlot(), time.Now())
	return &racingStore{booking: *b, conflicts: conflicts}
}

func (s *racingStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx domain.BookingTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(ctx, &racingTx{s: s})
}

func (s *racingStore) GetBooking(ctx context.Context, id uuid.UUID) (*domain.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.booking
	return &b, nil
}

func (s *racingStore) ListEvents(ctx context.Context, aggregateID string) ([]domain.DomainEvent, error) {
	return nil, nil
}

func (s *racingStore) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates
}

type racingTx struct{ s *racingStore }

func (t *racingTx) Reserve(ctx context.Context, b *domain.Booking) error { return nil }

func (t *racingTx) LockBooking(ctx context.Context, id uuid.UUID) (*domain.Booking, error) {
	if id != t.s.booking.ID {
		return nil, domain.ErrBookingNotFound
	}
	b := t.s.booking
	return &b, nil
}

func (t *racingTx) UpdateStatus(ctx context.Context, id uuid.UUID, expectedVersion int, status domain.BookingStatus) (domain.UpdateResult, error) {
	t.s.updates++
	if t.s.updates <= t.s.conflicts {
		return domain.Conflicted(expectedVersion, expectedVersion+1), nil
	}
	t.s.booking.Status = status
	t.s.booking.Version++
	b := t.s.booking
	return domain.Updated(&b), nil
}

func (t *racingTx) CurrentEventVersion(ctx context.Context, aggregateID string) (int, error) {
	return t.s.appended, nil
}

func (t *racingTx) Append(ctx context.Context, aggregateID, aggregateType, eventType string, version int, payload []byte) (domain.DomainEvent, error) {
	t.s.appended++
	return domain.NewDomainEvent(aggregateID, aggregateType, eventType, version, payload, "", time.Now())
}

func (t *racingTx) InsertOutbox(ctx context.Context, entries ...sharedDomain.OutboxEntry) error {
	return nil
}

func newRacingCoordinator(store *racingStore) *Coordinator {
	log := zap.NewNop()
	ledger := NewLedger(mocks.NewInMemoryIdempotencyRepo(), nil, time.Hour, log)
	return NewCoordinator(store, ledger, nil, CoordinatorConfig{MaxRetries: 3}, log)
}

func TestConfirmBooking_RetriesLostVersionRace(t *testing.T) {
	cases := []struct {
		name      string
		conflicts int
		wantCalls int
		wantErr   bool
	}{
		{"sin conflicto", 0, 1, false},
		{"dos conflictos se absorben", 2, 3, false},
		{"justo en el límite", 3, 4, false},
		{"agota los reintentos", 4, 4, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newRacingStore(tc.conflicts)
			coord := newRacingCoordinator(store)

			res, err := coord.ConfirmBooking(context.Background(), TransitionCommand{
				IdempotencyKey: "confirm-" + uuid.NewString(),
				BookingID:      store.booking.ID,
			})

			assert.Equal(t, tc.wantCalls, store.calls())
			if tc.wantErr {
				var conflict *domain.VersionConflict
				require.True(t, errors.As(err, &conflict), "error inesperado: %v", err)
				assert.Equal(t, 1, conflict.Expected)
				assert.Equal(t, domain.StatusPending, store.booking.Status)
				assert.Zero(t, store.appended, "no se registra evento sin commit")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, domain.StatusConfirmed, res.Booking.Status)
			assert.Equal(t, 2, res.Booking.Version)
			assert.Equal(t, 1, store.appended)
		})
	}
}

func TestConfirmBooking_StaleClientVersionIsNotRetried(t *testing.T) {
	store := newRacingStore(0)
	coord := newRacingCoordinator(store)
	stale := store.booking.Version + 1

	_, err := coord.ConfirmBooking(context.Background(), TransitionCommand{
		IdempotencyKey:  "confirm-" + uuid.NewString(),
		BookingID:       store.booking.ID,
		ExpectedVersion: &stale,
	})

	var conflict *domain.VersionConflict
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, stale, conflict.Expected)
	assert.Equal(t, store.booking.Version, conflict.Actual)
	assert.Zero(t, store.calls(), "la versión del cliente se rechaza antes de escribir")
}
