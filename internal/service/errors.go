package service

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an Error for transport mapping and retry decisions.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindForbidden
	KindConflict
	KindGone
	KindAmountMismatch
	KindUpstream
)

// HTTPStatus returns the status code a Kind maps to.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindGone:
		return http.StatusGone
	case KindAmountMismatch:
		return http.StatusUnprocessableEntity
	case KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error is the error type returned by the reservation services.  Code is
// a stable machine-readable identifier; two Errors match under errors.Is
// when their codes are equal, so callers compare against the sentinels
// below.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Seat    string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Code
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Seat != "" {
		msg += " (seat " + e.Seat + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrValidation        = &Error{Kind: KindValidation, Code: "VALIDATION_ERROR", Message: "invalid request"}
	ErrShowNotFound      = &Error{Kind: KindNotFound, Code: "SHOW_NOT_FOUND", Message: "show not found"}
	ErrBookingNotFound   = &Error{Kind: KindNotFound, Code: "BOOKING_NOT_FOUND", Message: "booking not found"}
	ErrForbidden         = &Error{Kind: KindForbidden, Code: "FORBIDDEN", Message: "booking belongs to another user"}
	ErrShowStarted       = &Error{Kind: KindConflict, Code: "SHOW_ALREADY_STARTED", Message: "show has already started"}
	ErrSeatAlreadyBooked = &Error{Kind: KindConflict, Code: "SEAT_ALREADY_BOOKED", Message: "seat is already booked"}
	ErrSeatAlreadyLocked = &Error{Kind: KindConflict, Code: "SEAT_ALREADY_LOCKED", Message: "seat is held by another user"}
	ErrSeatLockedByOther = &Error{Kind: KindConflict, Code: "SEAT_LOCKED_BY_OTHER", Message: "seat is now held by another user"}
	ErrSeatLockExpired   = &Error{Kind: KindGone, Code: "SEAT_LOCK_EXPIRED", Message: "seat hold has expired"}
	ErrBookingExpired    = &Error{Kind: KindGone, Code: "BOOKING_EXPIRED", Message: "booking has expired"}
	ErrBookingNotPending = &Error{Kind: KindConflict, Code: "BOOKING_NOT_PENDING", Message: "booking is no longer pending"}
	ErrAlreadyPaid       = &Error{Kind: KindConflict, Code: "ALREADY_PAID", Message: "booking is already paid"}
	ErrTicketUnavailable = &Error{Kind: KindConflict, Code: "TICKET_UNAVAILABLE", Message: "ticket is only available for confirmed bookings"}
	ErrAmountMismatch    = &Error{Kind: KindAmountMismatch, Code: "AMOUNT_MISMATCH", Message: "payment amount does not match booking total"}
	ErrUpstream          = &Error{Kind: KindUpstream, Code: "PAYMENT_GATEWAY_ERROR", Message: "payment gateway request failed"}
	ErrInternal          = &Error{Kind: KindInternal, Code: "INTERNAL", Message: "internal error"}
)

// with copies a sentinel, attaching a cause.
func with(base *Error, cause error) *Error {
	e := *base
	e.Err = cause
	return &e
}

// withSeat copies a sentinel, naming the seat involved.
func withSeat(base *Error, seat string) *Error {
	e := *base
	e.Seat = seat
	return &e
}

// invalid builds a validation error with a specific message.
func invalid(format string, args ...interface{}) *Error {
	e := *ErrValidation
	e.Message = fmt.Sprintf(format, args...)
	return &e
}

// Retryable reports whether a failed operation may succeed when retried
// unchanged.
func Retryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return true
	}
	return e.Kind == KindInternal || e.Kind == KindUpstream
}
