package utils

import (
	"context"
	"math/rand"
	"time"
)

// Retry ejecuta una función con reintentos configurables
func Retry(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	return RetryIf(ctx, attempts, delay, func(error) bool { return true }, fn)
}

// RetryIf reintenta sólo mientras retryable(err) sea cierto. La espera entre
// intentos es aleatoria en [delay/2, delay) y se duplica en cada vuelta.
func RetryIf(ctx context.Context, attempts int, delay time.Duration, retryable func(error) bool, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil || !retryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}

		select {
		case <-time.After(Jitter(delay << i)):
			// espera antes del siguiente intento
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// Jitter devuelve d/2 + rand[0, d/2).
func Jitter(d time.Duration) time.Duration {
	if d <= 1 {
		return d
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)))
}
