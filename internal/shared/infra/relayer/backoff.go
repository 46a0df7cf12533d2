package relayer

import (
	"time"

	sharedUtils "github.com/davicafu/bookinglab/internal/shared/utils"
)

const (
	DefaultBackoffBase = 60 * time.Second
	DefaultBackoffCap  = time.Hour
)

// Backoff calcula el siguiente intento: exponencial desde Base, acotado por
// Cap, con jitter en [d/2, d).
type Backoff struct {
	Base   time.Duration
	Cap    time.Duration
	jitter func(time.Duration) time.Duration
}

func NewBackoff(base, cap time.Duration) Backoff {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if cap < base {
		cap = base
	}
	return Backoff{Base: base, Cap: cap, jitter: sharedUtils.Jitter}
}

// Delay devuelve la espera tras el intento fallido número 'attempt' (desde 1).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt && d < b.Cap; i++ {
		d *= 2
	}
	if d > b.Cap {
		d = b.Cap
	}
	if b.jitter == nil {
		return d
	}
	return b.jitter(d)
}

// Next nunca devuelve un instante anterior a 'previous'.
func (b Backoff) Next(attempt int, now, previous time.Time) time.Time {
	next := now.Add(b.Delay(attempt))
	if next.Before(previous) {
		return previous
	}
	return next
}
