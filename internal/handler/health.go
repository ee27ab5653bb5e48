package handler // declare the package name; contains HTTP handlers

import (
	"context"  // context bounds the dependency pings
	"net/http" // net/http provides status codes and response helpers
	"time"     // ping timeout

	"github.com/labstack/echo/v4" // echo is the web framework used for this project
)

// HealthHandler reports whether the service and its stores are reachable.
type HealthHandler struct {
	checks map[string]func(ctx context.Context) error // dependency name -> probe
}

// NewHealthHandler builds a handler probing the given dependencies.  Nil
// probes are skipped.
func NewHealthHandler(checks map[string]func(ctx context.Context) error) *HealthHandler {
	h := &HealthHandler{checks: map[string]func(ctx context.Context) error{}}
	for name, fn := range checks {
		if fn != nil {
			h.checks[name] = fn
		}
	}
	return h
}

// Health is used by load balancers and monitoring systems.  It returns
// 200 with {"status":"ok"} when every probe passes within two seconds and
// 503 naming the failed dependencies otherwise.
func (h *HealthHandler) Health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	failed := echo.Map{}
	for name, probe := range h.checks {
		if err := probe(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"status": "degraded", "failed": failed})
	}
	return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
}
