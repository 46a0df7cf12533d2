package events

import (
	"context"
	"fmt"

	sharedDomain "github.com/davicafu/bookinglab/internal/shared/domain"
)

// RouterDeliverer elige el deliverer según el destino. Los destinos sin
// ruta propia van al fallback.
type RouterDeliverer struct {
	routes   map[string]sharedDomain.Deliverer
	fallback sharedDomain.Deliverer
}

var _ sharedDomain.Deliverer = (*RouterDeliverer)(nil)

func NewRouterDeliverer(fallback sharedDomain.Deliverer) *RouterDeliverer {
	return &RouterDeliverer{routes: make(map[string]sharedDomain.Deliverer), fallback: fallback}
}

// Route asigna un deliverer a un destino. No es seguro llamarlo con el relay en marcha.
func (r *RouterDeliverer) Route(target string, d sharedDomain.Deliverer) *RouterDeliverer {
	r.routes[target] = d
	return r
}

func (r *RouterDeliverer) Deliver(ctx context.Context, target string, payload []byte) error {
	if d, ok := r.routes[target]; ok {
		return d.Deliver(ctx, target, payload)
	}
	if r.fallback == nil {
		return fmt.Errorf("no deliverer for target %q", target)
	}
	return r.fallback.Deliver(ctx, target, payload)
}
