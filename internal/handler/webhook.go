package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/showtime-booking/internal/payment"
	"github.com/iliyamo/showtime-booking/internal/service"
)

// maxWebhookBody bounds the payload read before verification.
const maxWebhookBody = 64 << 10

// WebhookHandler receives payment gateway callbacks.
//
// Response policy: 400 when the signature fails; 200 for every
// authenticated event the core has decided on, including rejected ones;
// 500 only for transient failures so the gateway redelivers.
type WebhookHandler struct {
	Payments Payments
	secret   string
	log      *zap.Logger
}

// NewWebhookHandler returns a handler verifying events with secret.
func NewWebhookHandler(pay Payments, secret string, log *zap.Logger) *WebhookHandler {
	if pay == nil {
		panic("nil service passed to NewWebhookHandler")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &WebhookHandler{Payments: pay, secret: secret, log: log.Named("webhook")}
}

func received(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{"received": true})
}

// Handle serves POST /v1/payments/webhook.
func (h *WebhookHandler) Handle(c echo.Context) error {
	payload, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody+1))
	if err != nil || len(payload) > maxWebhookBody {
		return badRequest(c, "unreadable payload")
	}
	ev, err := payment.VerifyWebhook(payload, c.Request().Header.Get("Stripe-Signature"), h.secret)
	if err != nil {
		if errors.Is(err, payment.ErrInvalidSignature) {
			h.log.Error("webhook signature rejected", zap.String("ip", c.RealIP()), zap.Error(err))
		} else {
			h.log.Error("webhook payload rejected", zap.Error(err))
		}
		return badRequest(c, "invalid webhook")
	}

	log := h.log.With(zap.String("event_id", ev.ID), zap.String("type", ev.Type))
	switch ev.Type {
	case payment.EventIntentSucceeded:
	case payment.EventIntentFailed, payment.EventIntentCanceled:
		// The booking stays PENDING; the client may retry or it lapses.
		if ev.Intent != nil {
			log.Info("payment not completed",
				zap.String("intent_id", ev.Intent.ID),
				zap.String("booking_id", ev.Intent.Metadata[payment.MetaBookingID]))
		}
		return received(c)
	default:
		log.Debug("event ignored")
		return received(c)
	}

	in := ev.Intent
	if in == nil || in.Metadata[payment.MetaBookingID] == "" {
		log.Error("succeeded intent without booking reference")
		return received(c)
	}
	log = log.With(zap.String("intent_id", in.ID), zap.String("booking_id", in.Metadata[payment.MetaBookingID]))

	out, err := h.Payments.ConfirmFromWebhook(c.Request().Context(), service.ConfirmRequest{
		BookingID:      in.Metadata[payment.MetaBookingID],
		IntentID:       in.ID,
		AmountReceived: in.AmountReceived,
	})
	if err != nil {
		if service.Retryable(err) {
			log.Error("confirm failed, asking for redelivery", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, errorBody{Error: service.ErrInternal.Code, Message: "retry later"})
		}
		log.Error("payment not applied", zap.Error(err))
		return received(c)
	}
	if out.AlreadyPaid {
		log.Info("duplicate payment event")
	}
	return received(c)
}
