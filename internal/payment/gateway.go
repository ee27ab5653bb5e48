// Package payment adapts the payment provider.  The reservation core only
// talks to the Gateway interface; StripeGateway is the production
// implementation and VerifyWebhook turns a signed callback into an Event.
package payment

import (
	"context"
	"errors"
	"fmt"
)

// Intent statuses the core reacts to.  Everything else is treated as open.
const (
	StatusSucceeded = "succeeded"
	StatusCanceled  = "canceled"
)

// Metadata keys attached to every intent.
const (
	MetaBookingID = "bookingId"
	MetaUserID    = "userId"
	MetaShowID    = "showId"
	MetaSeats     = "seats"
)

// ErrUpstream wraps every failure reported by the provider.
var ErrUpstream = errors.New("payment gateway error")

// Intent is the provider-neutral view of a payment intent.  Amounts are in
// minor currency units.
type Intent struct {
	ID             string
	ClientSecret   string
	Status         string
	Amount         int64
	AmountReceived int64
	Currency       string
	Metadata       map[string]string
}

// Open reports whether the intent can still be paid or amended.
func (i Intent) Open() bool { return i.Status != StatusSucceeded && i.Status != StatusCanceled }

// IntentRequest describes a new intent.
type IntentRequest struct {
	AmountMinor    int64
	Currency       string
	Metadata       map[string]string
	IdempotencyKey string
}

// Gateway creates and inspects payment intents.
type Gateway interface {
	CreateIntent(ctx context.Context, req IntentRequest) (Intent, error)
	RetrieveIntent(ctx context.Context, id string) (Intent, error)
	UpdateIntentAmount(ctx context.Context, id string, amountMinor int64) (Intent, error)
	CancelIntent(ctx context.Context, id string) error
}

// IdempotencyKey derives the provider idempotency key of a booking's n-th
// intent.  Retried requests for the same attempt map to the same intent.
func IdempotencyKey(bookingID string, attempt int) string {
	return fmt.Sprintf("booking_%s_%d", bookingID, attempt)
}
