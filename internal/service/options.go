// Package service holds the reservation pipeline: creating bookings on
// top of atomic seat locks, attaching payment intents, reconciling gateway
// callbacks and cancelling.  Storage, locks and the gateway are reached
// through the interfaces in ports.go.
package service

import (
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/showtime-booking/internal/payment"
)

const (
	defaultLockTTL      = 5 * time.Minute
	defaultMaxSeats     = 10
	defaultCurrency     = "inr"
	defaultReminderLead = 2 * time.Hour
)

// Deps are the collaborators shared by the services.
type Deps struct {
	Shows    ShowReader
	Bookings BookingStore
	Locks    LockStore
	Gateway  payment.Gateway
	Versions VersionBumper
	Tickets  TicketIssuer
	Log      *zap.Logger
}

type settings struct {
	lockTTL      time.Duration
	maxSeats     int
	currency     string
	reminderLead time.Duration
	now          func() time.Time
	onConfirmed  func()
}

func newSettings(opts []Option) settings {
	s := settings{
		lockTTL:      defaultLockTTL,
		maxSeats:     defaultMaxSeats,
		currency:     defaultCurrency,
		reminderLead: defaultReminderLead,
		now:          time.Now,
		onConfirmed:  func() {},
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// Option tunes a service.
type Option func(*settings)

// WithLockTTL overrides how long seats stay claimed without payment.
func WithLockTTL(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.lockTTL = d
		}
	}
}

// WithMaxSeats caps the number of seats per booking.
func WithMaxSeats(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.maxSeats = n
		}
	}
}

// WithCurrency sets the ISO currency of payment intents.
func WithCurrency(c string) Option {
	return func(s *settings) {
		if c != "" {
			s.currency = c
		}
	}
}

// WithReminderLead sets how long before the show the reminder goes out.
func WithReminderLead(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.reminderLead = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

// WithOnConfirmed registers a hook run after a booking is confirmed, used
// to wake the outbox worker.
func WithOnConfirmed(fn func()) Option {
	return func(s *settings) {
		if fn != nil {
			s.onConfirmed = fn
		}
	}
}

func (d Deps) logger() *zap.Logger {
	if d.Log == nil {
		return zap.NewNop()
	}
	return d.Log
}

// Holder renders a user id as stored in the lock store.
func Holder(userID uint64) string { return strconv.FormatUint(userID, 10) }
