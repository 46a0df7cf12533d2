package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davicafu/bookinglab/internal/booking/application"
	"github.com/davicafu/bookinglab/internal/booking/domain"
	sharedDomain "github.com/davicafu/bookinglab/internal/shared/domain"
	"github.com/davicafu/bookinglab/pkg/utils"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderReplayed       = "Idempotent-Replayed"
	retryAfterSeconds    = "1"

	defaultStatsWindow = 24 * time.Hour
)

// OutboxStats es lo que /health necesita del outbox.
type OutboxStats interface {
	CountByStatus(ctx context.Context) (map[sharedDomain.OutboxStatus]int, error)
}

// DeliveryStats agrega la auditoría de entregas por destino.
type DeliveryStats interface {
	StatsByTarget(ctx context.Context, start, end time.Time) ([]sharedDomain.DeliveryTargetStats, error)
}

// BookingHandler encapsula los endpoints HTTP de reservas.
type BookingHandler struct {
	coord  *application.Coordinator
	outbox OutboxStats
	stats  DeliveryStats
	log    *zap.Logger
}

func NewBookingHandler(coord *application.Coordinator, outbox OutboxStats, log *zap.Logger) *BookingHandler {
	return &BookingHandler{coord: coord, outbox: outbox, log: log}
}

// WithDeliveryStats habilita GET /admin/deliveries/stats.
func (h *BookingHandler) WithDeliveryStats(stats DeliveryStats) *BookingHandler {
	h.stats = stats
	return h
}

// CreateBooking endpoint POST /reservations
func (h *BookingHandler) CreateBooking(c *gin.Context) {
	var req struct {
		ResourceID string          `json:"resource_id"`
		Date       string          `json:"date"`
		Slot       string          `json:"slot"`
		Payload    json.RawMessage `json:"payload"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.SendBadRequest(c, err.Error())
		return
	}

	res, err := h.coord.CreateBooking(c.Request.Context(), application.CreateBookingCommand{
		IdempotencyKey: c.GetHeader(HeaderIdempotencyKey),
		Request: domain.SlotRequest{
			ResourceID: req.ResourceID,
			Date:       req.Date,
			Slot:       req.Slot,
			Payload:    req.Payload,
		},
	})
	if err != nil {
		h.sendError(c, err)
		return
	}

	h.sendResult(c, http.StatusCreated, res)
}

// GetBooking endpoint GET /reservations/:id
func (h *BookingHandler) GetBooking(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	b, err := h.coord.GetBooking(c.Request.Context(), id)
	if err != nil {
		h.sendError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (h *BookingHandler) ConfirmBooking(c *gin.Context) {
	h.transition(c, h.coord.ConfirmBooking)
}

func (h *BookingHandler) CancelBooking(c *gin.Context) {
	h.transition(c, h.coord.CancelBooking)
}

func (h *BookingHandler) CompleteBooking(c *gin.Context) {
	h.transition(c, h.coord.CompleteBooking)
}

// ListEvents endpoint GET /reservations/:id/events
func (h *BookingHandler) ListEvents(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	events, err := h.coord.ListEvents(c.Request.Context(), id)
	if err != nil {
		h.sendError(c, err)
		return
	}
	c.JSON(http.StatusOK, events)
}

// VerifyChain endpoint GET /reservations/:id/verify
func (h *BookingHandler) VerifyChain(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	report, err := h.coord.VerifyChain(c.Request.Context(), id)
	if err != nil {
		h.sendError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// Health endpoint GET /health
func (h *BookingHandler) Health(c *gin.Context) {
	if h.outbox == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}

	counts, err := h.outbox.CountByStatus(c.Request.Context())
	if err != nil {
		h.log.Warn("⚠️ Health check: outbox no disponible", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "outbox": counts})
}

// DeliveryStatsByTarget endpoint GET /admin/deliveries/stats?from=&to= (RFC3339)
func (h *BookingHandler) DeliveryStatsByTarget(c *gin.Context) {
	if h.stats == nil {
		utils.SendError(c, http.StatusServiceUnavailable, utils.CodeUnavailable, "delivery audit is not configured")
		return
	}

	end := time.Now().UTC()
	if raw := c.Query("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			utils.SendBadRequest(c, "invalid 'to' timestamp")
			return
		}
		end = t
	}
	start := end.Add(-defaultStatsWindow)
	if raw := c.Query("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			utils.SendBadRequest(c, "invalid 'from' timestamp")
			return
		}
		start = t
	}
	if end.Before(start) {
		utils.SendBadRequest(c, "'from' must be before 'to'")
		return
	}

	stats, err := h.stats.StatsByTarget(c.Request.Context(), start, end)
	if err != nil {
		h.log.Warn("⚠️ Auditoría de entregas no disponible", zap.Error(err))
		utils.SendError(c, http.StatusServiceUnavailable, utils.CodeUnavailable, "delivery audit unavailable")
		return
	}
	if stats == nil {
		stats = []sharedDomain.DeliveryTargetStats{}
	}
	c.JSON(http.StatusOK, gin.H{"from": start, "to": end, "targets": stats})
}

// --- Helpers ---

type transitionFunc func(ctx context.Context, cmd application.TransitionCommand) (*application.CommandResult, error)

func (h *BookingHandler) transition(c *gin.Context, run transitionFunc) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	// El cuerpo es opcional.
	var req struct {
		ExpectedVersion *int   `json:"expected_version,omitempty"`
		Reason          string `json:"reason,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		utils.SendBadRequest(c, err.Error())
		return
	}

	res, err := run(c.Request.Context(), application.TransitionCommand{
		IdempotencyKey:  c.GetHeader(HeaderIdempotencyKey),
		BookingID:       id,
		ExpectedVersion: req.ExpectedVersion,
		Reason:          req.Reason,
	})
	if err != nil {
		h.sendError(c, err)
		return
	}

	h.sendResult(c, http.StatusOK, res)
}

// sendResult devuelve los bytes guardados en el ledger, así un replay es
// idéntico a la primera respuesta.
func (h *BookingHandler) sendResult(c *gin.Context, status int, res *application.CommandResult) {
	if res.Replayed {
		c.Header(HeaderReplayed, "true")
		status = http.StatusOK
	}
	utils.SendRaw(c, status, res.Body)
}

func (h *BookingHandler) sendError(c *gin.Context, err error) {
	var conflict *domain.VersionConflict

	switch {
	case errors.Is(err, domain.ErrInvalidBooking):
		utils.SendBadRequest(c, err.Error())
	case errors.Is(err, domain.ErrBookingNotFound):
		utils.SendNotFound(c, "booking not found")
	case errors.Is(err, domain.ErrSlotTaken):
		utils.SendError(c, http.StatusConflict, utils.CodeSlotTaken, "slot already reserved")
	case errors.Is(err, domain.ErrIdempotencyConflict):
		c.Header("Retry-After", retryAfterSeconds)
		utils.SendError(c, http.StatusConflict, utils.CodeProcessing, "request with this Idempotency-Key is in progress")
	case errors.Is(err, domain.ErrIdempotencyKeyReused):
		utils.SendError(c, http.StatusUnprocessableEntity, utils.CodeIdempotencyKeyReused, "Idempotency-Key was used with a different request")
	case errors.As(err, &conflict):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{
			"code":     utils.CodeVersionConflict,
			"message":  conflict.Error(),
			"expected": conflict.Expected,
			"actual":   conflict.Actual,
		})
	case errors.Is(err, domain.ErrVersionConflict):
		utils.SendError(c, http.StatusConflict, utils.CodeVersionConflict, err.Error())
	case errors.Is(err, domain.ErrInvalidTransition):
		utils.SendError(c, http.StatusConflict, utils.CodeInvalidTransition, err.Error())
	case errors.Is(err, domain.ErrTransientStore):
		c.Header("Retry-After", retryAfterSeconds)
		utils.SendError(c, http.StatusServiceUnavailable, utils.CodeUnavailable, "storage temporarily unavailable")
	default:
		h.log.Error("❌ Error inesperado", zap.String("path", c.FullPath()), zap.Error(err))
		utils.SendInternalServerError(c, "internal error")
	}
}

func parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.SendBadRequest(c, "invalid booking id")
		return uuid.Nil, false
	}
	return id, true
}
