package http

import "github.com/gin-gonic/gin"

// RegisterBookingRoutes registra las rutas HTTP del dominio de reservas.
func RegisterBookingRoutes(r *gin.Engine, handler *BookingHandler) {
	reservations := r.Group("/reservations")
	{
		reservations.POST("", handler.CreateBooking)
		reservations.GET("/:id", handler.GetBooking)
		reservations.POST("/:id/confirm", handler.ConfirmBooking)
		reservations.POST("/:id/cancel", handler.CancelBooking)
		reservations.POST("/:id/complete", handler.CompleteBooking)
		reservations.GET("/:id/events", handler.ListEvents)
		reservations.GET("/:id/verify", handler.VerifyChain)
	}

	r.GET("/health", handler.Health)
	r.GET("/admin/deliveries/stats", handler.DeliveryStatsByTarget)
}
