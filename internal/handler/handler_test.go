package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/iliyamo/showtime-booking/internal/middleware"
	"github.com/iliyamo/showtime-booking/internal/model"
	"github.com/iliyamo/showtime-booking/internal/repository"
	"github.com/iliyamo/showtime-booking/internal/service"
	"github.com/iliyamo/showtime-booking/internal/ticket"
)

type mockReservations struct{ mock.Mock }

func (m *mockReservations) Create(ctx context.Context, userID, showID uint64, seats []string) (model.Booking, error) {
	args := m.Called(userID, showID, seats)
	return args.Get(0).(model.Booking), args.Error(1)
}

func (m *mockReservations) Get(ctx context.Context, userID uint64, id string) (model.Booking, error) {
	args := m.Called(userID, id)
	return args.Get(0).(model.Booking), args.Error(1)
}

func (m *mockReservations) ListMine(ctx context.Context, userID uint64, limit int) ([]model.Booking, error) {
	args := m.Called(userID, limit)
	list, _ := args.Get(0).([]model.Booking)
	return list, args.Error(1)
}

func (m *mockReservations) Cancel(ctx context.Context, userID uint64, id string) (model.Booking, error) {
	args := m.Called(userID, id)
	return args.Get(0).(model.Booking), args.Error(1)
}

func (m *mockReservations) LockSeats(ctx context.Context, userID, showID uint64, seats []string) (service.SeatLease, error) {
	args := m.Called(userID, showID, seats)
	return args.Get(0).(service.SeatLease), args.Error(1)
}

func (m *mockReservations) UnlockSeats(ctx context.Context, userID, showID uint64, seats []string) (int, error) {
	args := m.Called(userID, showID, seats)
	return args.Int(0), args.Error(1)
}

func (m *mockReservations) SeatMap(ctx context.Context, userID, showID uint64) (service.SeatMap, error) {
	args := m.Called(userID, showID)
	return args.Get(0).(service.SeatMap), args.Error(1)
}

func (m *mockReservations) Ticket(ctx context.Context, userID uint64, id string) (ticket.Ticket, error) {
	args := m.Called(userID, id)
	return args.Get(0).(ticket.Ticket), args.Error(1)
}

type mockPayments struct{ mock.Mock }

func (m *mockPayments) CreateIntent(ctx context.Context, userID uint64, bookingID string) (service.IntentResult, error) {
	args := m.Called(userID, bookingID)
	return args.Get(0).(service.IntentResult), args.Error(1)
}

func (m *mockPayments) ConfirmFromWebhook(ctx context.Context, req service.ConfirmRequest) (service.ConfirmOutcome, error) {
	args := m.Called(req)
	return args.Get(0).(service.ConfirmOutcome), args.Error(1)
}

// newServer routes the handlers like the router does, with the user id
// injected instead of parsed from a token.
func newServer(t *testing.T, userID uint64) (*echo.Echo, *mockReservations, *mockPayments) {
	t.Helper()
	res, pay := &mockReservations{}, &mockPayments{}
	t.Cleanup(func() {
		res.AssertExpectations(t)
		pay.AssertExpectations(t)
	})
	h := NewBookingHandler(res, pay, nil)
	wh := NewWebhookHandler(pay, whSecret, nil)

	e := echo.New()
	e.Validator = NewValidator()
	e.POST("/v1/payments/webhook", wh.Handle)
	g := e.Group("/v1", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if userID > 0 {
				c.Set(middleware.CtxUserID, userID)
			}
			return next(c)
		}
	})
	g.POST("/bookings", h.Create)
	g.GET("/bookings/me", h.Mine)
	g.GET("/bookings/:id", h.Get)
	g.POST("/bookings/:id/pay", h.Pay)
	g.POST("/bookings/:id/cancel", h.Cancel)
	g.GET("/bookings/:id/ticket", h.Ticket)
	g.POST("/shows/:id/lock", h.LockSeats)
	g.POST("/shows/:id/unlock", h.UnlockSeats)
	g.GET("/shows/:id/seats", h.SeatMap)
	return e, res, pay
}

func do(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestNewValidator_SeatID(t *testing.T) {
	var v *Validator
	require.NotPanics(t, func() { v = NewValidator() })

	type req struct {
		Seats []string `validate:"required,min=1,dive,seatid"`
	}
	assert.NoError(t, v.Validate(req{Seats: []string{"GOLD_A1", "SILVER_C12"}}))
	assert.Error(t, v.Validate(req{Seats: []string{"GOLD_A1", "gold-a1"}}))
}

func TestCreateBooking(t *testing.T) {
	e, res, _ := newServer(t, 7)
	b := model.Booking{ID: "b1", UserID: 7, ShowID: 3, Seats: []string{"GOLD_A1"}, TotalAmount: 200, Status: model.StatusPending}
	res.On("Create", uint64(7), uint64(3), []string{"GOLD_A1"}).Return(b, nil)

	rec := do(e, http.MethodPost, "/v1/bookings", `{"show_id":3,"seats":["GOLD_A1"]}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"PENDING"`)
	assert.Contains(t, rec.Body.String(), `"total_amount":200`)
}

func TestCreateBooking_Validation(t *testing.T) {
	e, _, _ := newServer(t, 7)

	for name, body := range map[string]string{
		"no seats":     `{"show_id":3,"seats":[]}`,
		"bad seat":     `{"show_id":3,"seats":["gold_a1"]}`,
		"no show":      `{"seats":["GOLD_A1"]}`,
		"not json":     `{`,
		"seat numbers": `{"show_id":3,"seats":[1,2]}`,
	} {
		rec := do(e, http.MethodPost, "/v1/bookings", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, name)
		assert.Contains(t, rec.Body.String(), "VALIDATION_ERROR", name)
	}
}

func TestCreateBooking_SeatConflict(t *testing.T) {
	e, res, _ := newServer(t, 7)
	conflict := *service.ErrSeatAlreadyLocked
	conflict.Seat = "GOLD_A2"
	res.On("Create", uint64(7), uint64(3), []string{"GOLD_A1", "GOLD_A2"}).Return(model.Booking{}, &conflict)

	rec := do(e, http.MethodPost, "/v1/bookings", `{"show_id":3,"seats":["GOLD_A1","GOLD_A2"]}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.JSONEq(t, `{"error":"SEAT_ALREADY_LOCKED","message":"seat is held by another user","seat":"GOLD_A2"}`, rec.Body.String())
}

func TestUnauthenticated(t *testing.T) {
	e, _, _ := newServer(t, 0)
	rec := do(e, http.MethodGet, "/v1/bookings/me", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestErrorKinds(t *testing.T) {
	cases := map[*service.Error]int{
		service.ErrBookingNotFound:   http.StatusNotFound,
		service.ErrForbidden:         http.StatusForbidden,
		service.ErrBookingExpired:    http.StatusGone,
		service.ErrAlreadyPaid:       http.StatusConflict,
		service.ErrUpstream:          http.StatusBadGateway,
		service.ErrTicketUnavailable: http.StatusConflict,
	}
	for sentinel, status := range cases {
		e, res, _ := newServer(t, 7)
		res.On("Get", uint64(7), "b1").Return(model.Booking{}, sentinel)
		rec := do(e, http.MethodGet, "/v1/bookings/b1", "")
		assert.Equal(t, status, rec.Code, sentinel.Code)
		assert.Contains(t, rec.Body.String(), sentinel.Code)
	}

	e, res, _ := newServer(t, 7)
	res.On("Get", uint64(7), "b1").Return(model.Booking{}, errors.New("dial tcp: secret host"))
	rec := do(e, http.MethodGet, "/v1/bookings/b1", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret host")
}

func TestMine(t *testing.T) {
	e, res, _ := newServer(t, 7)
	res.On("ListMine", uint64(7), 50).Return(nil, nil).Once()
	rec := do(e, http.MethodGet, "/v1/bookings/me", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"bookings":[]}`, rec.Body.String())

	res.On("ListMine", uint64(7), 5).Return([]model.Booking{{ID: "b1"}}, nil).Once()
	rec = do(e, http.MethodGet, "/v1/bookings/me?limit=5", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"b1"`)

	assert.Equal(t, http.StatusBadRequest, do(e, http.MethodGet, "/v1/bookings/me?limit=0", "").Code)
}

func TestPay(t *testing.T) {
	e, _, pay := newServer(t, 7)
	pay.On("CreateIntent", uint64(7), "b1").Return(service.IntentResult{
		BookingID:    "b1",
		IntentID:     "pi_1",
		ClientSecret: "pi_1_secret",
		Amount:       320,
		AmountMinor:  32000,
		Currency:     "inr",
		TTL:          4 * time.Minute,
		Seats:        []string{"GOLD_A1", "SILVER_B1"},
	}, nil).Once()

	rec := do(e, http.MethodPost, "/v1/bookings/b1/pay", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{
		"booking_id":"b1","payment_intent_id":"pi_1","client_secret":"pi_1_secret",
		"amount":320,"amount_minor":32000,"currency":"inr","ttl_seconds":240,
		"seats":["GOLD_A1","SILVER_B1"]
	}`, rec.Body.String())

	pay.On("CreateIntent", uint64(7), "b2").Return(service.IntentResult{BookingID: "b2", AlreadyPaid: true}, nil).Once()
	rec = do(e, http.MethodPost, "/v1/bookings/b2/pay", "")
	assert.JSONEq(t, `{"booking_id":"b2","already_paid":true}`, rec.Body.String())
}

func TestCancel(t *testing.T) {
	e, res, _ := newServer(t, 7)
	res.On("Cancel", uint64(7), "b1").Return(model.Booking{ID: "b1", Status: model.StatusCancelled}, nil)
	rec := do(e, http.MethodPost, "/v1/bookings/b1/cancel", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"CANCELLED"`)
}

func TestTicketPNG(t *testing.T) {
	e, res, _ := newServer(t, 7)
	res.On("Ticket", uint64(7), "b1").Return(ticket.Ticket{BookingID: "b1", Code: "abc", URL: "http://x/tickets/b1?code=abc", PNG: []byte("\x89PNG")}, nil)
	rec := do(e, http.MethodGet, "/v1/bookings/b1/ticket", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get(echo.HeaderContentType))
	assert.Equal(t, "abc", rec.Header().Get("X-Ticket-Code"))
	assert.Equal(t, "\x89PNG", rec.Body.String())
}

func TestSeatEndpoints(t *testing.T) {
	e, res, _ := newServer(t, 7)
	res.On("LockSeats", uint64(7), uint64(3), []string{"GOLD_A1"}).
		Return(service.SeatLease{ShowID: 3, Seats: []string{"GOLD_A1"}, TTL: 5 * time.Minute}, nil)
	res.On("UnlockSeats", uint64(7), uint64(3), []string{"GOLD_A1"}).Return(1, nil)
	res.On("SeatMap", uint64(7), uint64(3)).
		Return(service.SeatMap{ShowID: 3, Booked: []string{"GOLD_A2"}, Locked: []string{}, Mine: []string{"GOLD_A1"}}, nil)

	rec := do(e, http.MethodPost, "/v1/shows/3/lock", `{"seats":["GOLD_A1"]}`)
	assert.JSONEq(t, `{"show_id":3,"seats":["GOLD_A1"],"ttl_seconds":300}`, rec.Body.String())

	rec = do(e, http.MethodGet, "/v1/shows/3/seats", "")
	assert.JSONEq(t, `{"show_id":3,"booked":["GOLD_A2"],"locked":[],"mine":["GOLD_A1"]}`, rec.Body.String())

	rec = do(e, http.MethodPost, "/v1/shows/3/unlock", `{"seats":["GOLD_A1"]}`)
	assert.JSONEq(t, `{"released":1}`, rec.Body.String())

	assert.Equal(t, http.StatusBadRequest, do(e, http.MethodPost, "/v1/shows/x/lock", `{"seats":["GOLD_A1"]}`).Code)
}

const whSecret = "whsec_test"

func intentEvent(typ, bookingID string, received int64) string {
	return `{"id":"evt_1","object":"event","type":"` + typ + `","data":{"object":{
		"id":"pi_1","object":"payment_intent","amount":32000,
		"amount_received":` + strconv.FormatInt(received, 10) + `,"currency":"inr","status":"succeeded",
		"metadata":{"bookingId":"` + bookingID + `"}}}}`
}

func postWebhook(t *testing.T, e *echo.Echo, payload, secret string) *httptest.ResponseRecorder {
	t.Helper()
	sp := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    secret,
		Timestamp: time.Now(),
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/payments/webhook", strings.NewReader(string(sp.Payload)))
	req.Header.Set("Stripe-Signature", sp.Header)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestWebhook_Confirms(t *testing.T) {
	e, _, pay := newServer(t, 0)
	pay.On("ConfirmFromWebhook", service.ConfirmRequest{BookingID: "b1", IntentID: "pi_1", AmountReceived: 32000}).
		Return(service.ConfirmOutcome{Booking: model.Booking{ID: "b1"}}, nil)

	rec := postWebhook(t, e, intentEvent("payment_intent.succeeded", "b1", 32000), whSecret)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"received":true}`, rec.Body.String())
}

func TestWebhook_BadSignature(t *testing.T) {
	e, _, _ := newServer(t, 0)
	rec := postWebhook(t, e, intentEvent("payment_intent.succeeded", "b1", 32000), "whsec_other")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhook_Policy(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"amount mismatch", service.ErrAmountMismatch, http.StatusOK},
		{"expired", service.ErrBookingExpired, http.StatusOK},
		{"unknown booking", service.ErrBookingNotFound, http.StatusOK},
		{"seat collision", service.ErrSeatAlreadyBooked, http.StatusOK},
		{"database down", errors.New("db down"), http.StatusInternalServerError},
		{"internal", service.ErrInternal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e, _, pay := newServer(t, 0)
			pay.On("ConfirmFromWebhook", mock.Anything).Return(service.ConfirmOutcome{}, tc.err)
			rec := postWebhook(t, e, intentEvent("payment_intent.succeeded", "b1", 100), whSecret)
			assert.Equal(t, tc.status, rec.Code)
		})
	}
}

func TestWebhook_IgnoresOtherEvents(t *testing.T) {
	e, _, pay := newServer(t, 0)
	rec := postWebhook(t, e, intentEvent("payment_intent.payment_failed", "b1", 0), whSecret)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = postWebhook(t, e, `{"id":"evt_2","object":"event","type":"charge.refunded","data":{"object":{}}}`, whSecret)
	assert.Equal(t, http.StatusOK, rec.Code)
	pay.AssertNotCalled(t, "ConfirmFromWebhook", mock.Anything)
}

func TestHealth(t *testing.T) {
	e := echo.New()
	ok := NewHealthHandler(map[string]func(context.Context) error{
		"mysql": func(context.Context) error { return nil },
		"redis": nil,
	})
	e.GET("/healthz", ok.Health)
	rec := do(e, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	bad := NewHealthHandler(map[string]func(context.Context) error{
		"redis": func(context.Context) error { return errors.New("refused") },
	})
	e2 := echo.New()
	e2.GET("/healthz", bad.Health)
	rec = do(e2, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "refused")
}

type oneShow map[uint64]model.Show

func (s oneShow) GetByID(_ context.Context, id uint64) (model.Show, error) {
	show, ok := s[id]
	if !ok {
		return model.Show{}, repository.ErrShowNotFound
	}
	return show, nil
}

func TestPublicShow(t *testing.T) {
	start := time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)
	p := NewPublicHandler(oneShow{3: {
		ID:         3,
		MovieTitle: "Heat",
		StartsAt:   start,
		EndsAt:     start.Add(3 * time.Hour),
		SeatPrice:  150,
		Layout: model.Layout{Sections: []model.Section{
			{Label: "GOLD", Price: 200, Rows: []string{"A"}, LeftCount: 2, RightCount: 2},
			{Label: "SILVER", Rows: []string{"B"}, LeftCount: 3, RightCount: 3},
		}},
	}}, nil)
	p.now = func() time.Time { return start.Add(-time.Hour) }
	e := echo.New()
	e.GET("/v1/shows/:id", p.GetShow)

	rec := do(e, http.MethodGet, "/v1/shows/3", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"bookable":true`)
	assert.Contains(t, rec.Body.String(), `"label":"GOLD","price":200`)
	// Sections without a price show the fallback.
	assert.Contains(t, rec.Body.String(), `"label":"SILVER","price":150`)

	assert.Equal(t, http.StatusNotFound, do(e, http.MethodGet, "/v1/shows/4", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(e, http.MethodGet, "/v1/shows/zero", "").Code)
}
