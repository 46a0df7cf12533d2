package application

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper purga periódicamente las claves de idempotencia caducadas.
type Sweeper struct {
	ledger   *Ledger
	interval time.Duration
	log      *zap.Logger
}

func NewSweeper(ledger *Ledger, interval time.Duration, log *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{ledger: ledger, interval: interval, log: log}
}

// Start bloquea hasta que ctx se cancela.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("🧹 Sweeper de idempotencia iniciado", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.log.Info("🛑 Sweeper de idempotencia detenido.")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep hace una única pasada.
func (s *Sweeper) Sweep(ctx context.Context) int64 {
	n, err := s.ledger.PurgeExpired(ctx)
	if err != nil {
		s.log.Warn("⚠️ Error purgando claves de idempotencia", zap.Error(err))
		return 0
	}
	if n > 0 {
		s.log.Info("🧹 Claves de idempotencia purgadas", zap.Int64("count", n))
	}
	return n
}
