package handler // handler exposes the reservation services over HTTP

import (
	"errors"   // errors.As unwraps service errors
	"net/http" // status codes
	"strconv"  // path parameter parsing

	"github.com/go-playground/validator/v10" // struct tag validation
	"github.com/labstack/echo/v4"            // Echo web framework
	"go.uber.org/zap"                        // structured logging

	"github.com/iliyamo/showtime-booking/internal/middleware" // authenticated user lookup
	"github.com/iliyamo/showtime-booking/internal/model"      // seat id format
	"github.com/iliyamo/showtime-booking/internal/service"    // error kinds
)

// Validator adapts validator/v10 to echo.Validator.  It registers the
// "seatid" tag for canonical seat identifiers.
type Validator struct {
	v *validator.Validate
}

// NewValidator returns the validator installed on the Echo instance.
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	err := v.RegisterValidation("seatid", func(fl validator.FieldLevel) bool {
		return model.ValidSeatID(fl.Field().String())
	})
	if err != nil {
		panic("handler: register seatid validation: " + err.Error())
	}
	return &Validator{v: v}
}

// Validate implements echo.Validator.
func (cv *Validator) Validate(i interface{}) error { return cv.v.Struct(i) }

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Seat    string `json:"seat,omitempty"`
}

// writeError renders err.  Service errors keep their code and status;
// anything else is a 500 with the cause logged, never echoed.
func writeError(c echo.Context, log *zap.Logger, err error) error {
	var se *service.Error
	if !errors.As(err, &se) {
		log.Error("unhandled error", zap.String("path", c.Path()), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorBody{Error: service.ErrInternal.Code, Message: service.ErrInternal.Message})
	}
	status := se.Kind.HTTPStatus()
	if status >= http.StatusInternalServerError {
		log.Error("request failed", zap.String("path", c.Path()), zap.String("code", se.Code), zap.Error(se))
	}
	return c.JSON(status, errorBody{Error: se.Code, Message: se.Message, Seat: se.Seat})
}

// badRequest renders a validation error with a specific message.
func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, errorBody{Error: service.ErrValidation.Code, Message: msg})
}

// bindValid binds the request body into req and validates it.
func bindValid(c echo.Context, req interface{}) error {
	if err := c.Bind(req); err != nil {
		return errors.New("invalid request body")
	}
	if err := c.Validate(req); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) && len(ve) > 0 {
			return errors.New("invalid field " + ve[0].Field() + ": failed " + ve[0].Tag())
		}
		return errors.New("invalid request body")
	}
	return nil
}

// currentUser returns the authenticated user id or writes a 401.
func currentUser(c echo.Context) (uint64, bool) {
	id, ok := middleware.UserID(c)
	if !ok {
		_ = c.JSON(http.StatusUnauthorized, errorBody{Error: "UNAUTHORIZED", Message: "missing user"})
	}
	return id, ok
}

// showIDParam parses the :id path parameter of show routes.
func showIDParam(c echo.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	return id, err == nil && id > 0
}
