package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/davicafu/bookinglab/internal/booking/domain"
	sharedDomain "github.com/davicafu/bookinglab/internal/shared/domain"
	sharedCache "github.com/davicafu/bookinglab/internal/shared/infra/platform/cache"
	sharedUtils "github.com/davicafu/bookinglab/internal/shared/utils"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	DefaultCommandMaxRetries = 3
	transientAttempts        = 4
	transientDelay           = 50 * time.Millisecond
	finalizeTimeout          = 5 * time.Second
)

// CoordinatorConfig agrupa los parámetros de los comandos.
type CoordinatorConfig struct {
	OutboxMaxAttempts int
	MaxRetries        int
	CacheTTLSeconds   int
}

// CommandResult es la respuesta de un comando. Body son los bytes exactos
// que se devuelven al cliente, también en los replays.
type CommandResult struct {
	Booking  *domain.Booking
	Body     []byte
	Replayed bool
}

type CreateBookingCommand struct {
	IdempotencyKey string
	Request        domain.SlotRequest
}

type TransitionCommand struct {
	IdempotencyKey  string
	BookingID       uuid.UUID
	ExpectedVersion *int
	Reason          string
}

// Coordinator orquesta cada comando: ledger, transacción local con reserva,
// evento y outbox, commit y cierre del ledger. No guarda estado entre
// llamadas y es seguro para uso concurrente.
type Coordinator struct {
	store    domain.BookingStore
	ledger   *Ledger
	cache    sharedCache.Cache
	registry map[string][]string
	cfg      CoordinatorConfig
	now      func() time.Time
	tracer   trace.Tracer
	log      *zap.Logger
}

func NewCoordinator(store domain.BookingStore, ledger *Ledger, cache sharedCache.Cache, cfg CoordinatorConfig, log *zap.Logger) *Coordinator {
	if cfg.OutboxMaxAttempts <= 0 {
		cfg.OutboxMaxAttempts = sharedDomain.DefaultMaxAttempts
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.CacheTTLSeconds <= 0 {
		cfg.CacheTTLSeconds = 60
	}
	return &Coordinator{
		store:    store,
		ledger:   ledger,
		cache:    cache,
		registry: domain.NewEventRegistry(),
		cfg:      cfg,
		now:      time.Now,
		tracer:   otel.Tracer("bookinglab/coordinator"),
		log:      log,
	}
}

// ---------------- Comandos ----------------

// CreateBooking reserva una franja una única vez por Idempotency-Key.
func (c *Coordinator) CreateBooking(ctx context.Context, cmd CreateBookingCommand) (*CommandResult, error) {
	ctx, span := c.tracer.Start(ctx, "command.CreateBooking", trace.WithAttributes(
		attribute.String("booking.resource_id", cmd.Request.ResourceID),
		attribute.String("booking.date", cmd.Request.Date),
		attribute.String("booking.slot", cmd.Request.Slot),
	))
	defer span.End()

	req := cmd.Request
	if err := domain.ValidateIdempotencyKey(cmd.IdempotencyKey); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	fingerprint, err := createFingerprint(req)
	if err != nil {
		return nil, err
	}

	begin, err := c.ledger.Begin(ctx, cmd.IdempotencyKey, domain.CommandCreateBooking, fingerprint)
	if err != nil {
		return nil, traceErr(span, err)
	}
	if !begin.IsNew {
		span.SetAttributes(attribute.Bool("command.replayed", true))
		return replay(begin.Cached)
	}

	booking := domain.NewBooking(req, c.now())
	err = c.withTransientRetry(ctx, func() error {
		return c.store.WithinTx(ctx, func(ctx context.Context, tx domain.BookingTx) error {
			if err := tx.Reserve(ctx, booking); err != nil {
				return err
			}
			return c.recordEvent(ctx, tx, booking, domain.BookingCreated, "")
		})
	})
	if err != nil {
		c.fail(ctx, cmd.IdempotencyKey, err)
		if errors.Is(err, domain.ErrSlotTaken) {
			c.log.Info("⛔ Franja ocupada",
				zap.String("resource_id", req.ResourceID), zap.String("date", req.Date), zap.String("slot", req.Slot))
		}
		return nil, traceErr(span, err)
	}

	return c.finish(ctx, cmd.IdempotencyKey, booking)
}

func (c *Coordinator) ConfirmBooking(ctx context.Context, cmd TransitionCommand) (*CommandResult, error) {
	return c.transition(ctx, domain.ConfirmCommand, cmd)
}

func (c *Coordinator) CancelBooking(ctx context.Context, cmd TransitionCommand) (*CommandResult, error) {
	return c.transition(ctx, domain.CancelCommand, cmd)
}

func (c *Coordinator) CompleteBooking(ctx context.Context, cmd TransitionCommand) (*CommandResult, error) {
	return c.transition(ctx, domain.CompleteCommand, cmd)
}

// transition aplica un cambio de estado con concurrencia optimista. Si el
// cliente fijó expected_version, un desajuste se devuelve sin reintentar.
func (c *Coordinator) transition(ctx context.Context, sc domain.StatusCommand, cmd TransitionCommand) (*CommandResult, error) {
	ctx, span := c.tracer.Start(ctx, "command."+sc.Name, trace.WithAttributes(
		attribute.String("booking.id", cmd.BookingID.String()),
	))
	defer span.End()

	if err := domain.ValidateIdempotencyKey(cmd.IdempotencyKey); err != nil {
		return nil, err
	}
	fingerprint, err := transitionFingerprint(sc.Name, cmd)
	if err != nil {
		return nil, err
	}

	begin, err := c.ledger.Begin(ctx, cmd.IdempotencyKey, sc.Name, fingerprint)
	if err != nil {
		return nil, traceErr(span, err)
	}
	if !begin.IsNew {
		span.SetAttributes(attribute.Bool("command.replayed", true))
		return replay(begin.Cached)
	}

	var updated *domain.Booking
	err = c.withTransientRetry(ctx, func() error {
		for attempt := 0; ; attempt++ {
			clientMismatch := false
			err := c.store.WithinTx(ctx, func(ctx context.Context, tx domain.BookingTx) error {
				current, err := tx.LockBooking(ctx, cmd.BookingID)
				if err != nil {
					return err
				}
				if cmd.ExpectedVersion != nil && *cmd.ExpectedVersion != current.Version {
					clientMismatch = true
					return &domain.VersionConflict{Expected: *cmd.ExpectedVersion, Actual: current.Version}
				}
				if err := current.Transition(sc.To); err != nil {
					return err
				}

				res, err := tx.UpdateStatus(ctx, current.ID, current.Version, sc.To)
				if err != nil {
					return err
				}
				if res.Conflict != nil {
					return res.Conflict
				}
				updated = res.Booking
				return c.recordEvent(ctx, tx, updated, sc.EventType, cmd.Reason)
			})

			if err == nil || clientMismatch || !errors.Is(err, domain.ErrVersionConflict) || attempt >= c.cfg.MaxRetries {
				return err
			}
			c.log.Debug("🔁 Conflicto de versión, se reintenta el comando",
				zap.String("command", sc.Name), zap.String("booking_id", cmd.BookingID.String()), zap.Int("attempt", attempt+1))
		}
	})
	if err != nil {
		c.fail(ctx, cmd.IdempotencyKey, err)
		if errors.Is(err, domain.ErrVersionConflict) {
			// La versión leída por el cliente pudo salir de una cache obsoleta.
			sharedCache.AsyncCacheDelete(ctx, c.cache, domain.CacheKeyByID(cmd.BookingID), c.log)
		}
		return nil, traceErr(span, err)
	}

	return c.finish(ctx, cmd.IdempotencyKey, updated)
}

// ---------------- Helpers ----------------

// eventData es el payload del evento de dominio.
type eventData struct {
	BookingID  uuid.UUID            `json:"booking_id"`
	ResourceID string               `json:"resource_id"`
	Date       string               `json:"date"`
	Slot       string               `json:"slot"`
	Status     domain.BookingStatus `json:"status"`
	Version    int                  `json:"version"`
	Reason     string               `json:"reason,omitempty"`
	Payload    json.RawMessage      `json:"payload,omitempty"`
}

// envelope es lo que recibe cada destino externo.
type envelope struct {
	EventID     uuid.UUID       `json:"event_id"`
	EventType   string          `json:"event_type"`
	AggregateID string          `json:"aggregate_id"`
	Version     int             `json:"version"`
	Hash        string          `json:"hash"`
	OccurredAt  time.Time       `json:"occurred_at"`
	Data        json.RawMessage `json:"data"`
}

// recordEvent añade el evento a la cadena y una entrada de outbox por destino,
// todo dentro de la transacción del comando.
func (c *Coordinator) recordEvent(ctx context.Context, tx domain.BookingTx, b *domain.Booking, eventType, reason string) error {
	aggregateID := b.ID.String()
	current, err := tx.CurrentEventVersion(ctx, aggregateID)
	if err != nil {
		return fmt.Errorf("read event version: %w", err)
	}

	data, err := json.Marshal(eventData{
		BookingID:  b.ID,
		ResourceID: b.ResourceID,
		Date:       b.Date,
		Slot:       b.Slot,
		Status:     b.Status,
		Version:    b.Version,
		Reason:     reason,
		Payload:    b.Payload,
	})
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	evt, err := tx.Append(ctx, aggregateID, domain.BookingAggregate, eventType, current+1, data)
	if err != nil {
		return err
	}

	body, err := json.Marshal(envelope{
		EventID:     evt.ID,
		EventType:   evt.EventType,
		AggregateID: evt.AggregateID,
		Version:     evt.Version,
		Hash:        evt.HashCurrent,
		OccurredAt:  evt.CreatedAt,
		Data:        evt.Payload,
	})
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}

	targets := c.registry[eventType]
	entries := make([]sharedDomain.OutboxEntry, 0, len(targets))
	for _, target := range targets {
		entries = append(entries, sharedDomain.NewOutboxEntry(evt.ID, aggregateID, eventType, target, body, c.cfg.OutboxMaxAttempts, c.now()))
	}
	return tx.InsertOutbox(ctx, entries...)
}

// finish cierra el ledger tras el commit. Ya no depende de la cancelación
// del llamador: el efecto está confirmado y el replay debe verlo.
func (c *Coordinator) finish(ctx context.Context, key string, b *domain.Booking) (*CommandResult, error) {
	body, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("marshal booking: %w", err)
	}

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	if err := sharedUtils.Retry(fctx, 3, transientDelay, func() error {
		return c.ledger.Complete(fctx, key, body)
	}); err != nil {
		c.log.Error("🚨 No se pudo completar la clave de idempotencia tras el commit",
			zap.String("key", key), zap.String("booking_id", b.ID.String()), zap.Error(err))
	}

	if c.cache != nil {
		if err := c.cache.Set(fctx, domain.CacheKeyByID(b.ID), b, c.cfg.CacheTTLSeconds); err != nil {
			c.log.Warn("⚠️ Cache update failed", zap.String("booking_id", b.ID.String()), zap.Error(err))
		}
	}
	return &CommandResult{Booking: b, Body: body}, nil
}

func (c *Coordinator) fail(ctx context.Context, key string, cause error) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	if err := c.ledger.Fail(fctx, key, cause); err != nil {
		c.log.Warn("⚠️ No se pudo marcar la clave como fallida", zap.String("key", key), zap.Error(err))
	}
}

func (c *Coordinator) withTransientRetry(ctx context.Context, fn func() error) error {
	return sharedUtils.RetryIf(ctx, transientAttempts, transientDelay, func(err error) bool {
		return errors.Is(err, domain.ErrTransientStore)
	}, fn)
}

func replay(cached []byte) (*CommandResult, error) {
	var b domain.Booking
	if err := json.Unmarshal(cached, &b); err != nil {
		return nil, fmt.Errorf("decode cached result: %w", err)
	}
	return &CommandResult{Booking: &b, Body: cached, Replayed: true}, nil
}

func traceErr(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func createFingerprint(req domain.SlotRequest) (string, error) {
	payload, err := domain.CanonicalJSON(req.Payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidBooking, err)
	}
	body, err := json.Marshal(struct {
		ResourceID string          `json:"resource_id"`
		Date       string          `json:"date"`
		Slot       string          `json:"slot"`
		Payload    json.RawMessage `json:"payload"`
	}{req.ResourceID, req.Date, req.Slot, payload})
	if err != nil {
		return "", err
	}
	return domain.Fingerprint(domain.CommandCreateBooking, body), nil
}

func transitionFingerprint(command string, cmd TransitionCommand) (string, error) {
	body, err := json.Marshal(struct {
		BookingID       uuid.UUID `json:"booking_id"`
		ExpectedVersion *int      `json:"expected_version,omitempty"`
		Reason          string    `json:"reason,omitempty"`
	}{cmd.BookingID, cmd.ExpectedVersion, cmd.Reason})
	if err != nil {
		return "", err
	}
	return domain.Fingerprint(command, body), nil
}
