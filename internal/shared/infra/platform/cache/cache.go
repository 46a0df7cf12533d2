package cache

import (
	"context"
)

// Cache define la interfaz para una caché de clave-valor genérica.
type Cache interface {
	// Get intenta poblar 'dest' (que debe ser un puntero) con el valor asociado a la 'key'.
	// Devuelve (true, nil) si hay un 'hit' y (false, nil) si es un 'miss'.
	Get(ctx context.Context, key string, dest interface{}) (bool, error)

	// Set serializa y guarda el valor. ttlSecs <= 0 usa el TTL por defecto del adapter.
	Set(ctx context.Context, key string, val interface{}, ttlSecs int) error

	Delete(ctx context.Context, key string) error
}

// TTLSeconds redondea hacia arriba una duración a segundos enteros (mínimo 1).
func TTLSeconds(remaining float64) int {
	secs := int(remaining)
	if float64(secs) < remaining {
		secs++
	}
	if secs < 1 {
		secs = 1
	}
	return secs
}
