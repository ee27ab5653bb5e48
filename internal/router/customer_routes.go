package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/showtime-booking/internal/handler"
	"github.com/iliyamo/showtime-booking/internal/middleware"
)

// CustomerMiddleware is the per-route middleware the customer group needs
// beyond authentication.
type CustomerMiddleware struct {
	RateLimit    echo.MiddlewareFunc // applied to state-changing routes
	BookingCache echo.MiddlewareFunc // applied to booking reads
}

// RegisterCustomer registers customer-scoped endpoints under /v1.  All
// routes require a valid JWT and the CUSTOMER role.  Customers can view
// seat availability, place advisory locks, create, pay for and cancel
// bookings and download the ticket of a confirmed booking.
func RegisterCustomer(e *echo.Echo, h *handler.BookingHandler, jwtSecret string, mw CustomerMiddleware) {
	g := e.Group(
		"/v1",
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole("CUSTOMER"),
	)
	limit := orPass(mw.RateLimit)
	cached := orPass(mw.BookingCache)

	// Seats
	g.GET("/shows/:id/seats", h.SeatMap)
	g.POST("/shows/:id/lock", h.LockSeats, limit)
	g.POST("/shows/:id/unlock", h.UnlockSeats, limit)

	// Bookings.  /bookings/me is registered before /bookings/:id; Echo
	// prefers static segments anyway.
	g.POST("/bookings", h.Create, limit)
	g.GET("/bookings/me", h.Mine, cached)
	// Polled by clients after payment; the version bump on confirm
	// invalidates it.
	g.GET("/bookings/:id", h.Get, cached)
	g.POST("/bookings/:id/pay", h.Pay, limit)
	g.POST("/bookings/:id/cancel", h.Cancel, limit)
	g.GET("/bookings/:id/ticket", h.Ticket)
}

func orPass(m echo.MiddlewareFunc) echo.MiddlewareFunc {
	if m == nil {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	return m
}
