package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

type seatsRequest struct {
	Seats []string `json:"seats" validate:"required,min=1,dive,seatid"`
}

// LockSeats handles POST /v1/shows/:id/lock.  The lock is advisory: it
// keeps other users off the seats while the caller decides, and a later
// booking for the same seats reuses it.
func (h *BookingHandler) LockSeats(c echo.Context) error {
	userID, ok := currentUser(c)
	if !ok {
		return nil
	}
	showID, ok := showIDParam(c)
	if !ok {
		return badRequest(c, "invalid show id")
	}
	var req seatsRequest
	if err := bindValid(c, &req); err != nil {
		return badRequest(c, err.Error())
	}
	lease, err := h.Reservations.LockSeats(c.Request().Context(), userID, showID, req.Seats)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"show_id":     lease.ShowID,
		"seats":       lease.Seats,
		"ttl_seconds": int64(lease.TTL / time.Second),
	})
}

// UnlockSeats handles POST /v1/shows/:id/unlock.  Seats that back one of
// the caller's open bookings stay locked.
func (h *BookingHandler) UnlockSeats(c echo.Context) error {
	userID, ok := currentUser(c)
	if !ok {
		return nil
	}
	showID, ok := showIDParam(c)
	if !ok {
		return badRequest(c, "invalid show id")
	}
	var req seatsRequest
	if err := bindValid(c, &req); err != nil {
		return badRequest(c, err.Error())
	}
	n, err := h.Reservations.UnlockSeats(c.Request().Context(), userID, showID, req.Seats)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"released": n})
}

// SeatMap handles GET /v1/shows/:id/seats.
func (h *BookingHandler) SeatMap(c echo.Context) error {
	userID, ok := currentUser(c)
	if !ok {
		return nil
	}
	showID, ok := showIDParam(c)
	if !ok {
		return badRequest(c, "invalid show id")
	}
	m, err := h.Reservations.SeatMap(c.Request().Context(), userID, showID)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, m)
}
