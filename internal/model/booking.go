package model

import "time"

// BookingStatus is the lifecycle state of a booking.  PENDING is the only
// non-terminal state.
type BookingStatus string

const (
	StatusPending   BookingStatus = "PENDING"
	StatusConfirmed BookingStatus = "CONFIRMED"
	StatusCancelled BookingStatus = "CANCELLED"
	StatusExpired   BookingStatus = "EXPIRED"
)

// Terminal reports whether no further transition is allowed.
func (s BookingStatus) Terminal() bool { return s != StatusPending }

// Booking records a user's claim on one or more seats of a show.
//
// Fields:
//  ID              – UUID primary key.
//  UserID          – owner of the booking.
//  ShowID          – show being booked.
//  Seats           – canonical seat ids in request order.
//  TotalAmount     – price in major currency units, recomputed server side.
//  PaymentIntentID – gateway intent reference; unique when set.
//  IntentAttempt   – bumped whenever a cancelled intent is discarded so the
//                    next intent gets a fresh idempotency key.
//  Paid            – set only together with CONFIRMED.
//  Status          – PENDING, CONFIRMED, CANCELLED or EXPIRED.
//  CreatedAt       – creation timestamp.
//  ExpiresAt       – when an unpaid PENDING booking lapses.
//  ExpiredAt       – when the booking was cancelled or expired.
//  ConfirmedAt     – when payment was reconciled.
//  EmailSent       – confirmation notification already enqueued.
type Booking struct {
	ID              string        `json:"id"`
	UserID          uint64        `json:"user_id"`
	ShowID          uint64        `json:"show_id"`
	Seats           []string      `json:"seats"`
	TotalAmount     int64         `json:"total_amount"`
	PaymentIntentID *string       `json:"payment_intent_id,omitempty"`
	IntentAttempt   int           `json:"-"`
	Paid            bool          `json:"is_paid"`
	Status          BookingStatus `json:"status"`
	CreatedAt       time.Time     `json:"created_at"`
	ExpiresAt       *time.Time    `json:"expires_at,omitempty"`
	ExpiredAt       *time.Time    `json:"expired_at,omitempty"`
	ConfirmedAt     *time.Time    `json:"confirmed_at,omitempty"`
	EmailSent       bool          `json:"email_sent"`
}

// Lapsed reports whether the booking is PENDING past its expiry.
func (b Booking) Lapsed(now time.Time) bool {
	return b.Status == StatusPending && b.ExpiresAt != nil && !now.Before(*b.ExpiresAt)
}

// IntentID returns the attached payment intent id or "".
func (b Booking) IntentID() string {
	if b.PaymentIntentID == nil {
		return ""
	}
	return *b.PaymentIntentID
}
