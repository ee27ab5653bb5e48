package payment

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// Event types the core handles.
const (
	EventIntentSucceeded = "payment_intent.succeeded"
	EventIntentFailed    = "payment_intent.payment_failed"
	EventIntentCanceled  = "payment_intent.canceled"
)

// ErrInvalidSignature is returned when a webhook cannot be authenticated.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// Event is a verified webhook.  Intent is populated for payment_intent.*
// events.
type Event struct {
	ID     string
	Type   string
	Intent *Intent
}

// VerifyWebhook authenticates payload against the signature header and
// decodes it.  Nothing in the payload is trusted before this succeeds.
func VerifyWebhook(payload []byte, sigHeader, secret string) (Event, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, sigHeader, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	out := Event{ID: ev.ID, Type: string(ev.Type)}
	if ev.Data != nil && len(ev.Data.Raw) > 0 && isIntentEvent(out.Type) {
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
			return Event{}, fmt.Errorf("decode payment intent: %w", err)
		}
		in := fromStripe(&pi)
		out.Intent = &in
	}
	return out, nil
}

func isIntentEvent(t string) bool {
	switch t {
	case EventIntentSucceeded, EventIntentFailed, EventIntentCanceled:
		return true
	}
	return false
}
