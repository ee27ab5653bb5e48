package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/showtime-booking/internal/model"
	"github.com/iliyamo/showtime-booking/internal/service"
	"github.com/iliyamo/showtime-booking/internal/ticket"
)

// Reservations is the part of service.ReservationService the HTTP layer
// uses.
type Reservations interface {
	Create(ctx context.Context, userID, showID uint64, seats []string) (model.Booking, error)
	Get(ctx context.Context, userID uint64, id string) (model.Booking, error)
	ListMine(ctx context.Context, userID uint64, limit int) ([]model.Booking, error)
	Cancel(ctx context.Context, userID uint64, id string) (model.Booking, error)
	LockSeats(ctx context.Context, userID, showID uint64, seats []string) (service.SeatLease, error)
	UnlockSeats(ctx context.Context, userID, showID uint64, seats []string) (int, error)
	SeatMap(ctx context.Context, userID, showID uint64) (service.SeatMap, error)
	Ticket(ctx context.Context, userID uint64, id string) (ticket.Ticket, error)
}

// Payments is the part of service.PaymentService the HTTP layer uses.
type Payments interface {
	CreateIntent(ctx context.Context, userID uint64, bookingID string) (service.IntentResult, error)
	ConfirmFromWebhook(ctx context.Context, req service.ConfirmRequest) (service.ConfirmOutcome, error)
}

// BookingHandler serves the customer booking endpoints.  Authentication
// has already been enforced by middleware.
type BookingHandler struct {
	Reservations Reservations
	Payments     Payments
	log          *zap.Logger
}

// NewBookingHandler constructs a BookingHandler and panics if a service is
// missing.
func NewBookingHandler(res Reservations, pay Payments, log *zap.Logger) *BookingHandler {
	if res == nil || pay == nil {
		panic("nil service passed to NewBookingHandler")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &BookingHandler{Reservations: res, Payments: pay, log: log.Named("booking")}
}

type createBookingRequest struct {
	ShowID uint64   `json:"show_id" validate:"required,gt=0"`
	Seats  []string `json:"seats" validate:"required,min=1,dive,seatid"`
}

// Create handles POST /v1/bookings.  Repeating a request for the same
// seats returns the caller's existing PENDING booking.
func (h *BookingHandler) Create(c echo.Context) error {
	userID, ok := currentUser(c)
	if !ok {
		return nil
	}
	var req createBookingRequest
	if err := bindValid(c, &req); err != nil {
		return badRequest(c, err.Error())
	}
	b, err := h.Reservations.Create(c.Request().Context(), userID, req.ShowID, req.Seats)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusCreated, b)
}

// Mine handles GET /v1/bookings/me.  ?limit caps the result (default 50).
func (h *BookingHandler) Mine(c echo.Context) error {
	userID, ok := currentUser(c)
	if !ok {
		return nil
	}
	limit := 50
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 200 {
			return badRequest(c, "limit must be between 1 and 200")
		}
		limit = n
	}
	list, err := h.Reservations.ListMine(c.Request().Context(), userID, limit)
	if err != nil {
		return writeError(c, h.log, err)
	}
	if list == nil {
		list = []model.Booking{}
	}
	return c.JSON(http.StatusOK, echo.Map{"bookings": list})
}

// Get handles GET /v1/bookings/:id.  Clients poll it after paying; it
// never changes state.
func (h *BookingHandler) Get(c echo.Context) error {
	userID, ok := currentUser(c)
	if !ok {
		return nil
	}
	b, err := h.Reservations.Get(c.Request().Context(), userID, c.Param("id"))
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, b)
}

// payResponse adds the hold's remaining lifetime to the intent.
type payResponse struct {
	service.IntentResult
	TTLSeconds int64 `json:"ttl_seconds,omitempty"`
}

// Pay handles POST /v1/bookings/:id/pay.
func (h *BookingHandler) Pay(c echo.Context) error {
	userID, ok := currentUser(c)
	if !ok {
		return nil
	}
	res, err := h.Payments.CreateIntent(c.Request().Context(), userID, c.Param("id"))
	if err != nil {
		return writeError(c, h.log, err)
	}
	out := payResponse{IntentResult: res}
	if !res.AlreadyPaid {
		out.TTLSeconds = int64(res.TTL / time.Second)
	}
	return c.JSON(http.StatusOK, out)
}

// Cancel handles POST /v1/bookings/:id/cancel.
func (h *BookingHandler) Cancel(c echo.Context) error {
	userID, ok := currentUser(c)
	if !ok {
		return nil
	}
	b, err := h.Reservations.Cancel(c.Request().Context(), userID, c.Param("id"))
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, b)
}

// Ticket handles GET /v1/bookings/:id/ticket and streams the QR code PNG.
// The ticket code travels in a header so the image stays cacheable.
func (h *BookingHandler) Ticket(c echo.Context) error {
	userID, ok := currentUser(c)
	if !ok {
		return nil
	}
	t, err := h.Reservations.Ticket(c.Request().Context(), userID, c.Param("id"))
	if err != nil {
		return writeError(c, h.log, err)
	}
	c.Response().Header().Set("X-Ticket-Code", t.Code)
	c.Response().Header().Set("X-Ticket-URL", t.URL)
	return c.Blob(http.StatusOK, "image/png", t.PNG)
}
