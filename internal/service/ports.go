package service

import (
	"context"
	"time"

	"github.com/iliyamo/showtime-booking/internal/lockstore"
	"github.com/iliyamo/showtime-booking/internal/model"
	"github.com/iliyamo/showtime-booking/internal/repository"
	"github.com/iliyamo/showtime-booking/internal/ticket"
)

// ShowReader loads shows from the catalog.
type ShowReader interface {
	GetByID(ctx context.Context, id uint64) (model.Show, error)
}

// BookingStore is the durable booking store.
type BookingStore interface {
	GetByID(ctx context.Context, id string) (model.Booking, error)
	ListByUser(ctx context.Context, userID uint64, limit int) ([]model.Booking, error)
	FindOpen(ctx context.Context, userID, showID uint64, now time.Time) ([]model.Booking, error)
	ConfirmedSeatConflict(ctx context.Context, showID uint64, seats []string) (string, error)
	ConfirmedSeats(ctx context.Context, showID uint64) ([]string, error)
	CreateWithLocks(ctx context.Context, b *model.Booking, now time.Time) error
	UpdateAmount(ctx context.Context, id string, amount int64) error
	ExtendHold(ctx context.Context, id string, until time.Time) error
	AttachIntent(ctx context.Context, id, intentID string) (bool, error)
	ClearIntent(ctx context.Context, id, intentID string) error
	MarkExpired(ctx context.Context, id string, now time.Time) error
	Cancel(ctx context.Context, id string, userID uint64, now time.Time) error
	Confirm(ctx context.Context, in repository.ConfirmInput) (model.Booking, error)
}

// LockStore is the ephemeral seat lock store.
type LockStore interface {
	TryLock(ctx context.Context, showID uint64, seats []string, holder string, ttl time.Duration) (lockstore.Result, error)
	Unlock(ctx context.Context, showID uint64, seats []string, holder string) (int, error)
	AssertOwned(ctx context.Context, showID uint64, seats []string, holder string) error
	Refresh(ctx context.Context, showID uint64, ttl time.Duration) (bool, error)
	TTL(ctx context.Context, showID uint64) (time.Duration, error)
	Holders(ctx context.Context, showID uint64) (map[string]string, error)
}

// VersionBumper invalidates cached reads of a namespace.
type VersionBumper interface {
	Bump(ctx context.Context, ns string) (int64, error)
}

// TicketIssuer issues tickets of confirmed bookings.
type TicketIssuer interface {
	Issue(bookingID string) (ticket.Ticket, error)
}
