package events

import (
	"context"
	"errors"
	"sync"

	sharedDomain "github.com/davicafu/bookinglab/internal/shared/domain"
)

var ErrDelivererClosed = errors.New("in-memory deliverer closed")

// Delivery es lo que recibe un suscriptor en memoria.
type Delivery struct {
	Target  string
	Meta    sharedDomain.DeliveryMeta
	Payload []byte
}

// InMemoryDeliverer reparte las entradas entre los suscriptores de cada
// destino usando canales. Pensado para despliegues locales sin Kafka.
type InMemoryDeliverer struct {
	mu          sync.RWMutex
	subscribers map[string][]chan Delivery
	stop        chan struct{}
	once        sync.Once
}

// Verifica en tiempo de compilación que cumple la interfaz
var _ sharedDomain.Deliverer = (*InMemoryDeliverer)(nil)

func NewInMemoryDeliverer() *InMemoryDeliverer {
	return &InMemoryDeliverer{
		subscribers: make(map[string][]chan Delivery),
		stop:        make(chan struct{}),
	}
}

// Deliver entrega a todos los suscriptores del destino. Si un canal está
// lleno espera hasta que ctx venza; el relay reintentará la entrada.
// Sin suscriptores la entrega se da por hecha.
func (b *InMemoryDeliverer) Deliver(ctx context.Context, target string, payload []byte) error {
	b.mu.RLock()
	subs := b.subscribers[target]
	b.mu.RUnlock()

	meta, _ := sharedDomain.DeliveryMetaFrom(ctx)
	for _, sub := range subs {
		d := Delivery{Target: target, Meta: meta, Payload: append([]byte(nil), payload...)}
		select {
		case sub <- d:
		case <-ctx.Done():
			return ctx.Err()
		case <-b.stop:
			return ErrDelivererClosed
		}
	}
	return nil
}

// Subscribe registra un oyente para un destino.
func (b *InMemoryDeliverer) Subscribe(target string, bufferSize int) <-chan Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Delivery, bufferSize)
	b.subscribers[target] = append(b.subscribers[target], ch)
	return ch
}

// Close desbloquea las entregas pendientes. Los canales no se cierran:
// un Deliver en curso podría seguir escribiendo en ellos.
func (b *InMemoryDeliverer) Close() {
	b.once.Do(func() { close(b.stop) })
}
