package relayer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/davicafu/bookinglab/internal/mocks"
	sharedDomain "github.com/davicafu/bookinglab/internal/shared/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
)

var fixedNow = time.Date(2025, 12, 24, 10, 0, 0, 0, time.UTC)

func newTestWorker(repo *mocks.MockOutboxRepository, deliverer *mocks.MockDeliverer) *Worker {
	return NewOutboxWorker(repo, deliverer, Config{WorkerID: "w-1", BatchSize: 10, LeaseTTL: 30 * time.Second}, zap.NewNop()).
		WithClock(func() time.Time { return fixedNow })
}

func testEntry(attempts int) sharedDomain.OutboxEntry {
	e := sharedDomain.NewOutboxEntry(uuid.New(), "agg-1", "booking.created", "email", []byte(`{"id":"agg-1"}`), 3, fixedNow)
	e.Attempts = attempts
	e.Status = sharedDomain.OutboxProcessing
	return e
}

func TestOutboxWorker_ProcessBatch_Success(t *testing.T) {
	// ARRANGE
	repo := new(mocks.MockOutboxRepository)
	deliverer := new(mocks.MockDeliverer)
	entry := testEntry(0)

	repo.On("ClaimDue", mock.Anything, "w-1", fixedNow, 30*time.Second, 10).Return([]sharedDomain.OutboxEntry{entry}, nil).Once()
	deliverer.On("Deliver", mock.Anything, "email", entry.Payload).Return(nil).Once()
	repo.On("MarkCompleted", mock.Anything, entry.ID, "w-1", fixedNow).Return(nil).Once()

	worker := newTestWorker(repo, deliverer)

	// ACT
	n := worker.ProcessBatch(context.Background())

	// ASSERT
	assert.Equal(t, 1, n)
	repo.AssertExpectations(t)
	deliverer.AssertExpectations(t)
}

func TestOutboxWorker_ProcessBatch_DelivererFailsSchedulesRetry(t *testing.T) {
	// ARRANGE
	repo := new(mocks.MockOutboxRepository)
	deliverer := new(mocks.MockDeliverer)
	entry := testEntry(0)

	repo.On("ClaimDue", mock.Anything, "w-1", fixedNow, 30*time.Second, 10).Return([]sharedDomain.OutboxEntry{entry}, nil).Once()
	deliverer.On("Deliver", mock.Anything, "email", entry.Payload).Return(errors.New("smtp is down")).Once()
	repo.On("MarkRetry", mock.Anything, entry.ID, "w-1",
		mock.MatchedBy(func(next time.Time) bool {
			// Primer fallo: entre 30s y 60s después de ahora.
			return !next.Before(fixedNow.Add(30*time.Second)) && next.Before(fixedNow.Add(60*time.Second))
		}),
		"smtp is down", fixedNow).Return(nil).Once()

	worker := newTestWorker(repo, deliverer)

	// ACT
	worker.ProcessBatch(context.Background())

	// ASSERT
	repo.AssertExpectations(t)
	repo.AssertNotCalled(t, "MarkCompleted", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	repo.AssertNotCalled(t, "MarkFailed", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestOutboxWorker_ProcessBatch_LastAttemptMarksFailed(t *testing.T) {
	// ARRANGE
	repo := new(mocks.MockOutboxRepository)
	deliverer := new(mocks.MockDeliverer)
	entry := testEntry(2) // el siguiente es el tercero y último

	repo.On("ClaimDue", mock.Anything, "w-1", fixedNow, 30*time.Second, 10).Return([]sharedDomain.OutboxEntry{entry}, nil).Once()
	deliverer.On("Deliver", mock.Anything, "email", entry.Payload).Return(errors.New("gateway 500")).Once()
	repo.On("MarkFailed", mock.Anything, entry.ID, "w-1", "gateway 500", fixedNow).Return(nil).Once()

	worker := newTestWorker(repo, deliverer)

	// ACT
	worker.ProcessBatch(context.Background())

	// ASSERT
	repo.AssertExpectations(t)
	repo.AssertNotCalled(t, "MarkRetry", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestOutboxWorker_ProcessBatch_ClaimErrorIsTolerated(t *testing.T) {
	repo := new(mocks.MockOutboxRepository)
	deliverer := new(mocks.MockDeliverer)

	repo.On("ClaimDue", mock.Anything, "w-1", fixedNow, 30*time.Second, 10).Return(nil, errors.New("db gone")).Once()

	worker := newTestWorker(repo, deliverer)

	assert.Zero(t, worker.ProcessBatch(context.Background()))
	deliverer.AssertNotCalled(t, "Deliver", mock.Anything, mock.Anything, mock.Anything)
}

func TestOutboxWorker_ProcessBatch_PassesDeliveryMetaAndAudits(t *testing.T) {
	// ARRANGE
	repo := new(mocks.MockOutboxRepository)
	deliverer := new(mocks.MockDeliverer)
	audit := new(mocks.MockDeliveryAudit)
	entry := testEntry(0)

	repo.On("ClaimDue", mock.Anything, "w-1", fixedNow, 30*time.Second, 10).Return([]sharedDomain.OutboxEntry{entry}, nil).Once()
	deliverer.On("Deliver",
		mock.MatchedBy(func(ctx context.Context) bool {
			meta, ok := sharedDomain.DeliveryMetaFrom(ctx)
			return ok && meta.EntryID == entry.ID && meta.AggregateID == "agg-1" && meta.Attempt == 1
		}),
		"email", entry.Payload).Return(nil).Once()
	repo.On("MarkCompleted", mock.Anything, entry.ID, "w-1", fixedNow).Return(sharedDomain.ErrLeaseLost).Once()
	audit.On("LogBatch", mock.Anything, mock.MatchedBy(func(attempts []sharedDomain.DeliveryAttempt) bool {
		return len(attempts) == 1 && attempts[0].Outcome == sharedDomain.OutboxCompleted && attempts[0].WorkerID == "w-1"
	})).Return(nil).Once()

	worker := newTestWorker(repo, deliverer).WithAudit(audit)

	// ACT
	worker.ProcessBatch(context.Background())

	// ASSERT
	repo.AssertExpectations(t)
	deliverer.AssertExpectations(t)
	audit.AssertExpectations(t)
}
