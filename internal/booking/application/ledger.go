package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/davicafu/bookinglab/internal/booking/domain"
	sharedCache "github.com/davicafu/bookinglab/internal/shared/infra/platform/cache"
	"go.uber.org/zap"
)

const (
	DefaultIdempotencyTTL = 24 * time.Hour

	// DefaultProcessingLease acota cuánto bloquea una clave en processing si
	// el proceso muere antes de Complete o Fail.
	DefaultProcessingLease = 2 * time.Minute
)

// cachedResult es lo que se guarda en cache para una clave completada.
type cachedResult struct {
	CommandType string          `json:"command_type"`
	Fingerprint string          `json:"fingerprint"`
	Result      json.RawMessage `json:"result"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

// Ledger deduplica comandos reintentados por Idempotency-Key. La base de
// datos es la fuente de verdad; la cache sólo acelera los replays.
type Ledger struct {
	repo  domain.IdempotencyRepository
	cache sharedCache.Cache
	ttl   time.Duration
	lease time.Duration
	now   func() time.Time
	log   *zap.Logger
}

func NewLedger(repo domain.IdempotencyRepository, cache sharedCache.Cache, ttl time.Duration, log *zap.Logger) *Ledger {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &Ledger{repo: repo, cache: cache, ttl: ttl, lease: min(DefaultProcessingLease, ttl), now: time.Now, log: log}
}

// WithProcessingLease cambia la caducidad de las claves en processing. El
// resultado completado conserva siempre el TTL completo.
func (l *Ledger) WithProcessingLease(d time.Duration) *Ledger {
	if d > 0 {
		l.lease = min(d, l.ttl)
	}
	return l
}

// Begin reserva la clave para una ejecución nueva o devuelve el resultado
// ya almacenado. Nunca bloquea: si otra ejecución está en curso devuelve
// ErrIdempotencyConflict.
func (l *Ledger) Begin(ctx context.Context, key, commandType, fingerprint string) (domain.BeginResult, error) {
	if cached, ok, err := l.fromCache(ctx, key, commandType, fingerprint); ok || err != nil {
		return cached, err
	}

	// Se repite si otro reclamador o el sweeper cambian la fila entre lecturas.
	for attempt := 0; attempt < 3; attempt++ {
		now := l.now().UTC()
		rec := domain.IdempotencyRecord{
			Key:         key,
			CommandType: commandType,
			Fingerprint: fingerprint,
			Status:      domain.IdempotencyProcessing,
			ExpiresAt:   now.Add(l.lease),
			CreatedAt:   now,
			UpdatedAt:   now,
		}

		inserted, err := l.repo.Insert(ctx, rec)
		if err != nil {
			return domain.BeginResult{}, fmt.Errorf("begin idempotency: %w", err)
		}
		if inserted {
			return domain.BeginResult{IsNew: true}, nil
		}

		existing, err := l.repo.Get(ctx, key)
		if errors.Is(err, domain.ErrIdempotencyNotFound) {
			continue
		}
		if err != nil {
			return domain.BeginResult{}, fmt.Errorf("begin idempotency: %w", err)
		}

		if existing.Reclaimable(now) {
			reclaimed, err := l.repo.Reclaim(ctx, rec, now)
			if err != nil {
				return domain.BeginResult{}, fmt.Errorf("reclaim idempotency: %w", err)
			}
			if reclaimed {
				l.log.Debug("♻️ Clave de idempotencia reclamada",
					zap.String("key", key), zap.String("previous_status", string(existing.Status)))
				return domain.BeginResult{IsNew: true}, nil
			}
			continue
		}

		if existing.CommandType != commandType || existing.Fingerprint != fingerprint {
			return domain.BeginResult{}, domain.ErrIdempotencyKeyReused
		}

		switch existing.Status {
		case domain.IdempotencyCompleted:
			l.warmCache(ctx, existing)
			return domain.BeginResult{Cached: existing.Result}, nil
		default:
			return domain.BeginResult{}, domain.ErrIdempotencyConflict
		}
	}
	return domain.BeginResult{}, domain.ErrIdempotencyConflict
}

// Complete guarda el resultado exacto que se devolverá en los replays y lo
// mantiene durante el TTL completo.
func (l *Ledger) Complete(ctx context.Context, key string, result []byte) error {
	now := l.now().UTC()
	if err := l.repo.Complete(ctx, key, result, now, now.Add(l.ttl)); err != nil {
		return fmt.Errorf("complete idempotency: %w", err)
	}
	if rec, err := l.repo.Get(ctx, key); err == nil {
		l.warmCache(ctx, rec)
	}
	return nil
}

// Fail libera la clave: la ejecución no produjo efectos y puede repetirse.
func (l *Ledger) Fail(ctx context.Context, key string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := l.repo.Fail(ctx, key, msg, l.now().UTC()); err != nil {
		return fmt.Errorf("fail idempotency: %w", err)
	}
	return nil
}

// PurgeExpired borra los registros caducados.
func (l *Ledger) PurgeExpired(ctx context.Context) (int64, error) {
	return l.repo.PurgeExpired(ctx, l.now().UTC())
}

func (l *Ledger) fromCache(ctx context.Context, key, commandType, fingerprint string) (domain.BeginResult, bool, error) {
	if l.cache == nil {
		return domain.BeginResult{}, false, nil
	}

	var cached cachedResult
	hit, err := l.cache.Get(ctx, domain.IdempotencyCacheKey(key), &cached)
	if err != nil {
		l.log.Warn("⚠️ Cache de idempotencia no disponible", zap.String("key", key), zap.Error(err))
		return domain.BeginResult{}, false, nil
	}
	if !hit || !l.now().Before(cached.ExpiresAt) {
		return domain.BeginResult{}, false, nil
	}
	if cached.CommandType != commandType || cached.Fingerprint != fingerprint {
		return domain.BeginResult{}, false, domain.ErrIdempotencyKeyReused
	}
	return domain.BeginResult{Cached: cached.Result}, true, nil
}

func (l *Ledger) warmCache(ctx context.Context, rec *domain.IdempotencyRecord) {
	if l.cache == nil || rec.Status != domain.IdempotencyCompleted {
		return
	}
	remaining := rec.ExpiresAt.Sub(l.now()).Seconds()
	if remaining <= 0 {
		return
	}
	sharedCache.AsyncCacheSet(ctx, l.cache, domain.IdempotencyCacheKey(rec.Key), cachedResult{
		CommandType: rec.CommandType,
		Fingerprint: rec.Fingerprint,
		Result:      rec.Result,
		ExpiresAt:   rec.ExpiresAt,
	}, sharedCache.TTLSeconds(remaining), l.log)
}
