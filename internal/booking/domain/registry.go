package domain

// Las constantes de los tipos de evento se definen aquí, como valores string.
const (
	BookingCreated   = "booking.created"
	BookingConfirmed = "booking.confirmed"
	BookingCancelled = "booking.cancelled"
	BookingCompleted = "booking.completed"
)

// Destinos externos de entrega.
const (
	TargetEmail      = "email"
	TargetSMS        = "sms"
	TargetPayment    = "payment"
	TargetAccounting = "accounting"
)

// AllTargets lista los destinos conocidos por el relay.
var AllTargets = []string{TargetEmail, TargetSMS, TargetPayment, TargetAccounting}

// NewEventRegistry devuelve, por tipo de evento, los destinos que lo reciben.
// Cada destino genera una entrada de outbox independiente.
func NewEventRegistry() map[string][]string {
	return map[string][]string{
		BookingCreated:   {TargetEmail, TargetSMS, TargetAccounting},
		BookingConfirmed: {TargetPayment, TargetEmail},
		BookingCancelled: {TargetEmail, TargetSMS, TargetPayment},
		BookingCompleted: {TargetAccounting},
	}
}

// StatusCommand describe un comando que cambia el estado de una reserva.
type StatusCommand struct {
	Name      string
	To        BookingStatus
	EventType string
}

var (
	ConfirmCommand  = StatusCommand{Name: CommandConfirmBooking, To: StatusConfirmed, EventType: BookingConfirmed}
	CancelCommand   = StatusCommand{Name: CommandCancelBooking, To: StatusCancelled, EventType: BookingCancelled}
	CompleteCommand = StatusCommand{Name: CommandCompleteBooking, To: StatusCompleted, EventType: BookingCompleted}
)
