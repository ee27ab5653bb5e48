package payment

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/paymentintent"
)

// StripeGateway implements Gateway using Stripe PaymentIntents.
type StripeGateway struct {
	currency string
}

// StripeConfig holds configuration for the Stripe gateway.
type StripeConfig struct {
	SecretKey string
	Currency  string
}

// NewStripeGateway creates a new Stripe gateway.
func NewStripeGateway(cfg StripeConfig) (*StripeGateway, error) {
	if cfg.SecretKey == "" {
		return nil, fmt.Errorf("stripe secret key is required")
	}
	if cfg.Currency == "" {
		cfg.Currency = string(stripe.CurrencyINR)
	}
	// Set Stripe API key globally
	stripe.Key = cfg.SecretKey
	return &StripeGateway{currency: cfg.Currency}, nil
}

// CreateIntent creates a PaymentIntent with automatic payment methods.
// The idempotency key makes retried calls return the original intent.
func (g *StripeGateway) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	currency := req.Currency
	if currency == "" {
		currency = g.currency
	}
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.AmountMinor),
		Currency: stripe.String(currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	pi, err := paymentintent.New(params)
	if err != nil {
		return Intent{}, fmt.Errorf("%w: create intent: %v", ErrUpstream, err)
	}
	return fromStripe(pi), nil
}

// RetrieveIntent fetches an intent by id.
func (g *StripeGateway) RetrieveIntent(ctx context.Context, id string) (Intent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := paymentintent.Get(id, params)
	if err != nil {
		return Intent{}, fmt.Errorf("%w: retrieve intent %s: %v", ErrUpstream, id, err)
	}
	return fromStripe(pi), nil
}

// UpdateIntentAmount changes the amount of an open intent.
func (g *StripeGateway) UpdateIntentAmount(ctx context.Context, id string, amountMinor int64) (Intent, error) {
	params := &stripe.PaymentIntentParams{Amount: stripe.Int64(amountMinor)}
	params.Context = ctx
	pi, err := paymentintent.Update(id, params)
	if err != nil {
		return Intent{}, fmt.Errorf("%w: update intent %s: %v", ErrUpstream, id, err)
	}
	return fromStripe(pi), nil
}

// CancelIntent cancels an open intent.
func (g *StripeGateway) CancelIntent(ctx context.Context, id string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	if _, err := paymentintent.Cancel(id, params); err != nil {
		return fmt.Errorf("%w: cancel intent %s: %v", ErrUpstream, id, err)
	}
	return nil
}

func fromStripe(pi *stripe.PaymentIntent) Intent {
	return Intent{
		ID:             pi.ID,
		ClientSecret:   pi.ClientSecret,
		Status:         string(pi.Status),
		Amount:         pi.Amount,
		AmountReceived: pi.AmountReceived,
		Currency:       string(pi.Currency),
		Metadata:       pi.Metadata,
	}
}
