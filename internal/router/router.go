package router // package router defines how HTTP routes are registered for the API

import (
	"github.com/labstack/echo/v4" // import the Echo web framework to handle routing

	"github.com/iliyamo/showtime-booking/internal/handler" // import the handlers that implement business logic
)

// RegisterRoutes registers routes that do not require authentication on the
// provided Echo instance: the health check and the payment webhook.  The
// webhook authenticates itself through the gateway signature and must read
// the raw body, so no body-consuming middleware may sit in front of it.
func RegisterRoutes(e *echo.Echo, health *handler.HealthHandler, wh *handler.WebhookHandler) {
	// Load balancers and monitoring probe this endpoint.
	e.GET("/healthz", health.Health)
	e.POST("/v1/payments/webhook", wh.Handle)
}

// RegisterPublic registers unauthenticated catalog reads.  cached wraps
// them with the response cache of the shows namespace and may be nil.
func RegisterPublic(e *echo.Echo, p *handler.PublicHandler, cached echo.MiddlewareFunc) {
	// Show schedule and priced layout; availability needs a login.
	e.GET("/v1/shows/:id", p.GetShow, orPass(cached))
}
