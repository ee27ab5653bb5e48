// Package repository holds the MySQL data access for bookings, durable seat
// locks, shows, contacts and the outbox.  The sentinel values below let
// the service layer tell expected outcomes apart from infrastructure
// failures.
package repository

import (
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
)

var (
	// ErrBookingNotFound is returned when no booking has the given id.
	ErrBookingNotFound = errors.New("booking not found")

	// ErrStaleTransition is returned when a conditional status update
	// matched no row because the booking already left PENDING.
	ErrStaleTransition = errors.New("booking no longer pending")

	// ErrSeatLockTaken is returned when the durable seat lock mirror
	// already holds one of the requested seats for another booking.
	ErrSeatLockTaken = errors.New("seat lock already taken")

	// ErrSeatAlreadyConfirmed is returned when a seat is already part of a
	// confirmed booking of the same show.
	ErrSeatAlreadyConfirmed = errors.New("seat already confirmed")

	// ErrIntentAlreadyAttached is returned when a payment intent id is
	// already stored on a booking.
	ErrIntentAlreadyAttached = errors.New("payment intent already attached")
)

// SeatError names the seat behind a seat-level conflict.
type SeatError struct {
	Seat string
	Err  error
}

func (e *SeatError) Error() string { return fmt.Sprintf("%v: %s", e.Err, e.Seat) }
func (e *SeatError) Unwrap() error { return e.Err }

// mysqlDuplicateEntry is ER_DUP_ENTRY.
const mysqlDuplicateEntry = 1062

func isDuplicate(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == mysqlDuplicateEntry
}
