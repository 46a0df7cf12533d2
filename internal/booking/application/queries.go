package application

import (
	"context"

	"github.com/davicafu/bookinglab/internal/booking/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// GetBooking lee la reserva con cache-aside.
func (c *Coordinator) GetBooking(ctx context.Context, id uuid.UUID) (*domain.Booking, error) {
	if c.cache != nil {
		var cached domain.Booking
		hit, err := c.cache.Get(ctx, domain.CacheKeyByID(id), &cached)
		if err != nil {
			c.log.Warn("⚠️ Cache read failed", zap.String("booking_id", id.String()), zap.Error(err))
		} else if hit {
			return &cached, nil
		}
	}

	b, err := c.store.GetBooking(ctx, id)
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		if err := c.cache.Set(ctx, domain.CacheKeyByID(id), b, c.cfg.CacheTTLSeconds); err != nil {
			c.log.Warn("⚠️ Cache update failed", zap.String("booking_id", id.String()), zap.Error(err))
		}
	}
	return b, nil
}

// ListEvents devuelve la historia de la reserva. 404 si no existe.
func (c *Coordinator) ListEvents(ctx context.Context, id uuid.UUID) ([]domain.DomainEvent, error) {
	if _, err := c.store.GetBooking(ctx, id); err != nil {
		return nil, err
	}
	return c.store.ListEvents(ctx, id.String())
}

// VerifyChain audita la cadena de hashes de la reserva. Fuera del camino
// caliente: lee toda la historia.
func (c *Coordinator) VerifyChain(ctx context.Context, id uuid.UUID) (domain.ChainReport, error) {
	events, err := c.ListEvents(ctx, id)
	if err != nil {
		return domain.ChainReport{}, err
	}

	report := domain.VerifyChain(id.String(), events)
	if !report.Valid {
		c.log.Error("🚨 Cadena de eventos alterada",
			zap.String("booking_id", id.String()), zap.Ints("broken_versions", report.BrokenVersions))
	}
	return report, nil
}
