package mocks

import (
	"context"
	"time"

	sharedDomain "github.com/davicafu/bookinglab/internal/shared/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

// MockOutboxRepository simula el repositorio del outbox.
type MockOutboxRepository struct {
	mock.Mock
}

func (m *MockOutboxRepository) ClaimDue(ctx context.Context, owner string, now time.Time, leaseTTL time.Duration, limit int) ([]sharedDomain.OutboxEntry, error) {
	args := m.Called(ctx, owner, now, leaseTTL, limit)
	entries, _ := args.Get(0).([]sharedDomain.OutboxEntry)
	return entries, args.Error(1)
}

func (m *MockOutboxRepository) MarkCompleted(ctx context.Context, id uuid.UUID, owner string, now time.Time) error {
	return m.Called(ctx, id, owner, now).Error(0)
}

func (m *MockOutboxRepository) MarkRetry(ctx context.Context, id uuid.UUID, owner string, nextAttemptAt time.Time, lastError string, now time.Time) error {
	return m.Called(ctx, id, owner, nextAttemptAt, lastError, now).Error(0)
}

func (m *MockOutboxRepository) MarkFailed(ctx context.Context, id uuid.UUID, owner string, lastError string, now time.Time) error {
	return m.Called(ctx, id, owner, lastError, now).Error(0)
}

// MockDeliverer simula un destino externo.
type MockDeliverer struct {
	mock.Mock
}

func (m *MockDeliverer) Deliver(ctx context.Context, target string, payload []byte) error {
	return m.Called(ctx, target, payload).Error(0)
}

// MockDeliveryAudit simula el repositorio de auditoría de entregas.
type MockDeliveryAudit struct {
	mock.Mock
}

func (m *MockDeliveryAudit) LogBatch(ctx context.Context, attempts []sharedDomain.DeliveryAttempt) error {
	return m.Called(ctx, attempts).Error(0)
}

// Verificación en tiempo de compilación.
var (
	_ sharedDomain.OutboxRepository        = (*MockOutboxRepository)(nil)
	_ sharedDomain.Deliverer               = (*MockDeliverer)(nil)
	_ sharedDomain.DeliveryAuditRepository = (*MockDeliveryAudit)(nil)
)
