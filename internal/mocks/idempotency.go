package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/davicafu/bookinglab/internal/booking/domain"
)

// InMemoryIdempotencyRepo es un ledger en memoria con la misma semántica
// condicional que los repositorios SQL.
type InMemoryIdempotencyRepo struct {
	mu      sync.Mutex
	records map[string]domain.IdempotencyRecord
}

var _ domain.IdempotencyRepository = (*InMemoryIdempotencyRepo)(nil)

func NewInMemoryIdempotencyRepo() *InMemoryIdempotencyRepo {
	return &InMemoryIdempotencyRepo{records: make(map[string]domain.IdempotencyRecord)}
}

func (r *InMemoryIdempotencyRepo) Insert(ctx context.Context, rec domain.IdempotencyRecord) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[rec.Key]; ok {
		return false, nil
	}
	r.records[rec.Key] = rec
	return true, nil
}

func (r *InMemoryIdempotencyRepo) Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[key]
	if !ok {
		return nil, domain.ErrIdempotencyNotFound
	}
	return &rec, nil
}

func (r *InMemoryIdempotencyRepo) Reclaim(ctx context.Context, rec domain.IdempotencyRecord, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.records[rec.Key]
	if !ok || !existing.Reclaimable(now) {
		return false, nil
	}
	r.records[rec.Key] = rec
	return true, nil
}

func (r *InMemoryIdempotencyRepo) Complete(ctx context.Context, key string, result []byte, now, expiresAt time.Time) error {
	return r.finish(key, func(rec *domain.IdempotencyRecord) {
		rec.Status = domain.IdempotencyCompleted
		rec.Result = append([]byte(nil), result...)
		rec.UpdatedAt = now
		rec.ExpiresAt = expiresAt
	})
}

func (r *InMemoryIdempotencyRepo) Fail(ctx context.Context, key string, lastError string, now time.Time) error {
	return r.finish(key, func(rec *domain.IdempotencyRecord) {
		rec.Status = domain.IdempotencyFailed
		rec.LastError = lastError
		rec.UpdatedAt = now
	})
}

func (r *InMemoryIdempotencyRepo) finish(key string, apply func(*domain.IdempotencyRecord)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[key]
	if !ok || rec.Status != domain.IdempotencyProcessing {
		return domain.ErrIdempotencyNotFound
	}
	apply(&rec)
	r.records[key] = rec
	return nil
}

func (r *InMemoryIdempotencyRepo) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for key, rec := range r.records {
		if rec.Expired(now) {
			delete(r.records, key)
			n++
		}
	}
	return n, nil
}

// Delete borra una clave directamente (sólo tests).
func (r *InMemoryIdempotencyRepo) Delete(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, key)
}
