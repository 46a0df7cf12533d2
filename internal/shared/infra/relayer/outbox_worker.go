package relayer

import (
	"context"
	"errors"
	"fmt"
	"time"

	sharedDomain "github.com/davicafu/bookinglab/internal/shared/domain"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Config agrupa los parámetros de un worker del relay.
type Config struct {
	WorkerID        string
	Interval        time.Duration
	BatchSize       int
	LeaseTTL        time.Duration
	DeliveryTimeout time.Duration
	Backoff         Backoff
}

func (c *Config) applyDefaults() {
	if c.WorkerID == "" {
		c.WorkerID = "relay-" + uuid.NewString()[:8]
	}
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Second
	}
	// La entrega tiene que terminar, y marcarse, antes de que caduque el lease.
	if c.DeliveryTimeout <= 0 || c.DeliveryTimeout > c.LeaseTTL/2 {
		c.DeliveryTimeout = c.LeaseTTL / 2
	}
	if c.Backoff.Base <= 0 {
		c.Backoff = NewBackoff(DefaultBackoffBase, DefaultBackoffCap)
	}
}

// Worker reclama entradas vencidas del outbox y las entrega. Nunca mira el
// payload: el destino y los bytes viajan tal cual al Deliverer.
type Worker struct {
	repo      sharedDomain.OutboxRepository
	deliverer sharedDomain.Deliverer
	audit     sharedDomain.DeliveryAuditRepository
	cfg       Config
	now       func() time.Time
	tracer    trace.Tracer
	log       *zap.Logger
}

func NewOutboxWorker(
	repo sharedDomain.OutboxRepository,
	deliverer sharedDomain.Deliverer,
	cfg Config,
	log *zap.Logger,
) *Worker {
	cfg.applyDefaults()
	return &Worker{
		repo:      repo,
		deliverer: deliverer,
		cfg:       cfg,
		now:       time.Now,
		tracer:    otel.Tracer("bookinglab/relayer"),
		log:       log.With(zap.String("worker_id", cfg.WorkerID)),
	}
}

// WithAudit añade un repositorio que recibe cada lote de intentos.
func (w *Worker) WithAudit(audit sharedDomain.DeliveryAuditRepository) *Worker {
	w.audit = audit
	return w
}

// WithClock sustituye el reloj del worker.
func (w *Worker) WithClock(now func() time.Time) *Worker {
	w.now = now
	return w
}

func (w *Worker) ID() string { return w.cfg.WorkerID }

// Start inicia el bucle de polling del worker. Bloquea hasta que ctx se cancela.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.log.Info("🚀 Outbox worker iniciado",
		zap.Duration("interval", w.cfg.Interval),
		zap.Int("batch_size", w.cfg.BatchSize),
	)

	for {
		select {
		case <-ctx.Done():
			w.log.Info("🛑 Outbox worker detenido.")
			return
		case <-ticker.C:
			w.log.Debug("🔄 Ejecutando polling de outbox")
			// Se vacía el backlog antes de esperar al siguiente tick.
			for w.ProcessBatch(ctx) == w.cfg.BatchSize && ctx.Err() == nil {
			}
		}
	}
}

// ProcessBatch hace una única pasada: reclama, entrega y marca. Devuelve
// cuántas entradas reclamó.
func (w *Worker) ProcessBatch(ctx context.Context) int {
	entries, err := w.repo.ClaimDue(ctx, w.cfg.WorkerID, w.now().UTC(), w.cfg.LeaseTTL, w.cfg.BatchSize)
	if err != nil {
		w.log.Warn("⚠️ Error al reclamar entradas del outbox", zap.Error(err))
		return 0
	}
	if len(entries) == 0 {
		return 0
	}
	w.log.Info(fmt.Sprintf("📬 %d entradas reclamadas para entregar", len(entries)))

	attempts := make([]sharedDomain.DeliveryAttempt, 0, len(entries))
	for _, entry := range entries {
		attempts = append(attempts, w.deliverAndMark(ctx, entry))
	}

	if w.audit != nil {
		if err := w.audit.LogBatch(ctx, attempts); err != nil {
			w.log.Warn("⚠️ No se pudo registrar la auditoría de entregas", zap.Error(err))
		}
	}
	return len(entries)
}

// deliveryTimeout acota la entrega por DeliveryTimeout y por lo que quede
// del lease de la entrada, con margen para marcarla. Las entradas del final
// de un lote ya han consumido parte del lease.
func (w *Worker) deliveryTimeout(entry sharedDomain.OutboxEntry, started time.Time) time.Duration {
	timeout := w.cfg.DeliveryTimeout
	if entry.LeaseExpiresAt == nil {
		return timeout
	}
	remaining := entry.LeaseExpiresAt.Sub(started) - w.cfg.LeaseTTL/10
	if remaining < timeout {
		return remaining
	}
	return timeout
}

func (w *Worker) deliverAndMark(ctx context.Context, entry sharedDomain.OutboxEntry) sharedDomain.DeliveryAttempt {
	attempt := entry.Attempts + 1
	fields := []zap.Field{
		zap.String("entry_id", entry.ID.String()),
		zap.String("target", entry.Target),
		zap.String("event_type", entry.EventType),
		zap.Int("attempt", attempt),
	}

	ctx, span := w.tracer.Start(ctx, "outbox.deliver", trace.WithAttributes(
		attribute.String("outbox.target", entry.Target),
		attribute.String("outbox.event_type", entry.EventType),
		attribute.Int("outbox.attempt", attempt),
	))
	defer span.End()

	started := w.now()
	record := sharedDomain.DeliveryAttempt{
		EntryID:     entry.ID,
		EventID:     entry.EventID,
		AggregateID: entry.AggregateID,
		EventType:   entry.EventType,
		Target:      entry.Target,
		WorkerID:    w.cfg.WorkerID,
		Attempt:     attempt,
		AttemptedAt: started.UTC(),
	}

	deliverCtx, cancel := context.WithTimeout(sharedDomain.WithDeliveryMeta(ctx, sharedDomain.DeliveryMeta{
		EntryID:     entry.ID,
		EventID:     entry.EventID,
		AggregateID: entry.AggregateID,
		EventType:   entry.EventType,
		Attempt:     attempt,
	}), w.deliveryTimeout(entry, started))
	deliverErr := w.deliverer.Deliver(deliverCtx, entry.Target, entry.Payload)
	cancel()

	now := w.now().UTC()
	record.Duration = now.Sub(started)

	var markErr error
	switch {
	case deliverErr == nil:
		record.Outcome = sharedDomain.OutboxCompleted
		markErr = w.repo.MarkCompleted(ctx, entry.ID, w.cfg.WorkerID, now)
		if markErr == nil {
			w.log.Info("✅ Entrega completada", fields...)
		}

	case attempt >= entry.MaxAttempts:
		record.Outcome = sharedDomain.OutboxFailed
		record.Error = deliverErr.Error()
		span.RecordError(deliverErr)
		span.SetStatus(codes.Error, "delivery failed terminally")
		markErr = w.repo.MarkFailed(ctx, entry.ID, w.cfg.WorkerID, deliverErr.Error(), now)
		if markErr == nil {
			w.log.Error("🚨 Entrega agotó sus intentos, requiere intervención manual",
				append(fields, zap.Int("max_attempts", entry.MaxAttempts), zap.Error(deliverErr))...)
		}

	default:
		record.Outcome = sharedDomain.OutboxPending
		record.Error = deliverErr.Error()
		span.RecordError(deliverErr)
		span.SetStatus(codes.Error, "delivery failed")
		next := w.cfg.Backoff.Next(attempt, now, entry.NextAttemptAt)
		markErr = w.repo.MarkRetry(ctx, entry.ID, w.cfg.WorkerID, next, deliverErr.Error(), now)
		if markErr == nil {
			w.log.Warn("⚠️ Entrega fallida, se reintentará",
				append(fields, zap.Time("next_attempt_at", next), zap.Error(deliverErr))...)
		}
	}

	if markErr != nil {
		if errors.Is(markErr, sharedDomain.ErrLeaseLost) {
			w.log.Warn("⚠️ Lease perdido, otro worker tiene la entrada", fields...)
		} else {
			w.log.Error("❌ No se pudo actualizar la entrada del outbox", append(fields, zap.Error(markErr))...)
		}
	}
	return record
}
