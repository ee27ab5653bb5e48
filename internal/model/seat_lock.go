package model

import "time"

// SeatLock is the durable mirror of an ephemeral seat claim.  Rows are
// written in the same transaction as their booking and removed when the
// booking leaves PENDING.
//
// Fields:
//  ShowID    – show the seat belongs to.
//  SeatID    – canonical seat id; (ShowID, SeatID) is unique.
//  UserID    – holder of the claim.
//  BookingID – booking that owns the claim.
//  ExpiresAt – after this instant the row no longer blocks other users.
type SeatLock struct {
	ShowID    uint64    // seat_locks.show_id
	SeatID    string    // seat_locks.seat_id
	UserID    uint64    // seat_locks.user_id
	BookingID string    // seat_locks.booking_id
	ExpiresAt time.Time // seat_locks.expires_at
}
