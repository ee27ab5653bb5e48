package service

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/showtime-booking/internal/model"
	"github.com/iliyamo/showtime-booking/internal/payment"
	"github.com/iliyamo/showtime-booking/internal/pricing"
	"github.com/iliyamo/showtime-booking/internal/repository"
)

// PaymentService attaches payment intents to bookings and reconciles
// gateway callbacks.
type PaymentService struct {
	deps Deps
	log  *zap.Logger
	cfg  settings
}

// NewPaymentService wires the service.  Shows, Bookings, Locks and
// Gateway are required.
func NewPaymentService(d Deps, opts ...Option) *PaymentService {
	if d.Shows == nil || d.Bookings == nil || d.Locks == nil || d.Gateway == nil {
		panic("nil dependency passed to NewPaymentService")
	}
	return &PaymentService{deps: d, log: d.logger(), cfg: newSettings(opts)}
}

// IntentResult is what the client needs to complete payment.  When
// AlreadyPaid is set the other fields except BookingID are empty.
type IntentResult struct {
	BookingID    string        `json:"booking_id"`
	AlreadyPaid  bool          `json:"already_paid,omitempty"`
	IntentID     string        `json:"payment_intent_id,omitempty"`
	ClientSecret string        `json:"client_secret,omitempty"`
	Amount       int64         `json:"amount,omitempty"`
	AmountMinor  int64         `json:"amount_minor,omitempty"`
	Currency     string        `json:"currency,omitempty"`
	TTL          time.Duration `json:"-"`
	Seats        []string      `json:"seats,omitempty"`
}

// CreateIntent returns a payable intent for the caller's PENDING booking,
// creating one or reusing the attached one.  The caller must still hold
// every seat in the lock store; otherwise the booking is expired for good.
// The amount is always recomputed from the show layout.
func (s *PaymentService) CreateIntent(ctx context.Context, userID uint64, bookingID string) (IntentResult, error) {
	b, err := ownedBooking(ctx, s.deps.Bookings, userID, bookingID)
	if err != nil {
		return IntentResult{}, err
	}
	if b.Paid {
		return IntentResult{BookingID: b.ID, AlreadyPaid: true}, nil
	}
	if b.Status != model.StatusPending {
		return IntentResult{}, statusError(b)
	}

	holder := Holder(userID)
	if err := s.deps.Locks.AssertOwned(ctx, b.ShowID, b.Seats, holder); err != nil {
		cause, ok := ownershipError(err)
		if !ok {
			return IntentResult{}, with(ErrInternal, err)
		}
		s.expireLost(ctx, b, holder)
		s.log.Info("booking expired on lost seat lock",
			zap.String("booking_id", b.ID), zap.String("seat", cause.Seat), zap.String("reason", cause.Code))
		e := withSeat(ErrBookingExpired, cause.Seat)
		e.Err = cause
		return IntentResult{}, e
	}

	now := s.cfg.now().UTC()
	if _, err := s.deps.Locks.Refresh(ctx, b.ShowID, s.cfg.lockTTL); err != nil {
		return IntentResult{}, with(ErrInternal, err)
	}
	if err := s.deps.Bookings.ExtendHold(ctx, b.ID, now.Add(s.cfg.lockTTL)); err != nil {
		s.log.Warn("extend booking hold failed", zap.String("booking_id", b.ID), zap.Error(err))
	}

	show, err := loadShow(ctx, s.deps.Shows, b.ShowID)
	if err != nil {
		return IntentResult{}, err
	}
	amount := pricing.Price(&show.Layout, b.Seats, show.SeatPrice)
	if amount <= 0 {
		return IntentResult{}, invalid("booking has no payable amount")
	}
	if amount != b.TotalAmount {
		if err := s.deps.Bookings.UpdateAmount(ctx, b.ID, amount); err != nil {
			if errors.Is(err, repository.ErrStaleTransition) {
				return IntentResult{}, s.reread(ctx, b.ID)
			}
			return IntentResult{}, with(ErrInternal, err)
		}
		b.TotalAmount = amount
	}
	minor := pricing.MinorUnits(amount)

	intent, err := s.reuseIntent(ctx, &b, minor)
	if err != nil {
		return IntentResult{}, err
	}
	if intent == nil {
		created, err := s.newIntent(ctx, b, minor)
		if err != nil {
			return IntentResult{}, err
		}
		intent = &created
	}
	if intent.Status == payment.StatusSucceeded {
		return IntentResult{BookingID: b.ID, AlreadyPaid: true}, nil
	}
	// The hold was extended and the intent may be new.
	bumpBookings(ctx, s.deps.Versions, s.log)

	ttl, err := s.deps.Locks.TTL(ctx, b.ShowID)
	if err != nil || ttl <= 0 {
		ttl = s.cfg.lockTTL
	}
	return IntentResult{
		BookingID:    b.ID,
		IntentID:     intent.ID,
		ClientSecret: intent.ClientSecret,
		Amount:       amount,
		AmountMinor:  minor,
		Currency:     s.cfg.currency,
		TTL:          ttl,
		Seats:        b.Seats,
	}, nil
}

// expireLost terminates a booking whose seat claim was lost and releases
// whatever the caller still holds.
func (s *PaymentService) expireLost(ctx context.Context, b model.Booking, holder string) {
	ctx = context.WithoutCancel(ctx)
	if err := s.deps.Bookings.MarkExpired(ctx, b.ID, s.cfg.now().UTC()); err != nil && !errors.Is(err, repository.ErrStaleTransition) {
		s.log.Warn("expire booking failed", zap.String("booking_id", b.ID), zap.Error(err))
	}
	if _, err := s.deps.Locks.Unlock(ctx, b.ShowID, b.Seats, holder); err != nil {
		s.log.Warn("release seat locks failed", zap.String("booking_id", b.ID), zap.Error(err))
	}
	bumpBookings(ctx, s.deps.Versions, s.log)
}

// reuseIntent inspects the attached intent.  It returns nil when a new
// intent must be created.
func (s *PaymentService) reuseIntent(ctx context.Context, b *model.Booking, minor int64) (*payment.Intent, error) {
	id := b.IntentID()
	if id == "" {
		return nil, nil
	}
	intent, err := s.deps.Gateway.RetrieveIntent(ctx, id)
	if err != nil {
		return nil, with(ErrUpstream, err)
	}
	switch {
	case intent.Status == payment.StatusSucceeded:
		return &intent, nil
	case intent.Status == payment.StatusCanceled:
		if err := s.deps.Bookings.ClearIntent(ctx, b.ID, id); err != nil {
			return nil, with(ErrInternal, err)
		}
		b.PaymentIntentID = nil
		b.IntentAttempt++
		return nil, nil
	case intent.Amount != minor:
		updated, err := s.deps.Gateway.UpdateIntentAmount(ctx, id, minor)
		if err != nil {
			return nil, with(ErrUpstream, err)
		}
		return &updated, nil
	}
	return &intent, nil
}

// newIntent creates an intent and attaches it.  When a concurrent request
// attached a different intent first, that one wins and ours is cancelled.
func (s *PaymentService) newIntent(ctx context.Context, b model.Booking, minor int64) (payment.Intent, error) {
	intent, err := s.deps.Gateway.CreateIntent(ctx, payment.IntentRequest{
		AmountMinor: minor,
		Currency:    s.cfg.currency,
		Metadata: map[string]string{
			payment.MetaBookingID: b.ID,
			payment.MetaUserID:    strconv.FormatUint(b.UserID, 10),
			payment.MetaShowID:    strconv.FormatUint(b.ShowID, 10),
			payment.MetaSeats:     strings.Join(b.Seats, ","),
		},
		IdempotencyKey: payment.IdempotencyKey(b.ID, b.IntentAttempt),
	})
	if err != nil {
		return payment.Intent{}, with(ErrUpstream, err)
	}

	attached, err := s.deps.Bookings.AttachIntent(ctx, b.ID, intent.ID)
	if err != nil && !errors.Is(err, repository.ErrIntentAlreadyAttached) {
		return payment.Intent{}, with(ErrInternal, err)
	}
	if attached {
		s.log.Info("payment intent attached",
			zap.String("booking_id", b.ID), zap.String("payment_intent_id", intent.ID), zap.Int64("amount_minor", minor))
		return intent, nil
	}

	cur, err := s.deps.Bookings.GetByID(ctx, b.ID)
	if err != nil {
		return payment.Intent{}, with(ErrInternal, err)
	}
	winner := cur.IntentID()
	if winner == intent.ID {
		// A retried request with the same idempotency key got the same intent.
		return intent, nil
	}
	if winner == "" || cur.Status != model.StatusPending {
		if cur.Paid {
			return payment.Intent{Status: payment.StatusSucceeded}, nil
		}
		return payment.Intent{}, statusError(cur)
	}
	if err := s.deps.Gateway.CancelIntent(context.WithoutCancel(ctx), intent.ID); err != nil {
		s.log.Warn("cancel losing payment intent failed", zap.String("payment_intent_id", intent.ID), zap.Error(err))
	}
	won, err := s.deps.Gateway.RetrieveIntent(ctx, winner)
	if err != nil {
		return payment.Intent{}, with(ErrUpstream, err)
	}
	return won, nil
}

func (s *PaymentService) reread(ctx context.Context, id string) error {
	cur, err := s.deps.Bookings.GetByID(ctx, id)
	if err != nil {
		return with(ErrInternal, err)
	}
	if cur.Paid {
		return ErrAlreadyPaid
	}
	return statusError(cur)
}

// ConfirmRequest is a verified gateway report of a successful payment.
// AmountReceived is in minor units.
type ConfirmRequest struct {
	BookingID      string
	IntentID       string
	AmountReceived int64
}

// ConfirmOutcome reports what ConfirmFromWebhook did.  AlreadyPaid is set
// when the booking had been confirmed before this call.
type ConfirmOutcome struct {
	Booking     model.Booking
	AlreadyPaid bool
}

// errPaidBefore aborts the confirm transaction of an already paid booking.
var errPaidBefore = errors.New("booking already paid")

// ConfirmFromWebhook confirms a booking from a verified payment callback.
// It is idempotent: a paid booking is left untouched.  The amount received
// must equal the booking total recomputed from the layout, in minor
// units; any mismatch leaves the booking unpaid.  Post-commit work
// (ticket, notification, lock release) is recorded as outbox tasks in the
// confirming transaction.
func (s *PaymentService) ConfirmFromWebhook(ctx context.Context, req ConfirmRequest) (ConfirmOutcome, error) {
	if req.BookingID == "" || req.IntentID == "" {
		return ConfirmOutcome{}, invalid("booking id and payment intent id are required")
	}
	b, err := s.deps.Bookings.GetByID(ctx, req.BookingID)
	if errors.Is(err, repository.ErrBookingNotFound) {
		return ConfirmOutcome{}, ErrBookingNotFound
	}
	if err != nil {
		return ConfirmOutcome{}, with(ErrInternal, err)
	}
	if b.Paid {
		return ConfirmOutcome{Booking: b, AlreadyPaid: true}, nil
	}

	show, err := loadShow(ctx, s.deps.Shows, b.ShowID)
	if err != nil {
		return ConfirmOutcome{}, err
	}
	now := s.cfg.now().UTC()
	tasks, err := s.tasksFor(b.ID, show, now)
	if err != nil {
		return ConfirmOutcome{}, with(ErrInternal, err)
	}

	var mismatch *Error
	confirmed, err := s.deps.Bookings.Confirm(ctx, repository.ConfirmInput{
		BookingID: b.ID,
		IntentID:  req.IntentID,
		Now:       now,
		Tasks:     tasks,
		Check: func(cur model.Booking) error {
			if cur.Paid {
				return errPaidBefore
			}
			if cur.Status != model.StatusPending {
				return statusError(cur)
			}
			expected := pricing.Price(&show.Layout, cur.Seats, show.SeatPrice)
			if cur.TotalAmount != expected || req.AmountReceived != pricing.MinorUnits(expected) {
				mismatch = ErrAmountMismatch
				return ErrAmountMismatch
			}
			return nil
		},
	})
	switch {
	case err == nil:
	case errors.Is(err, errPaidBefore):
		return ConfirmOutcome{Booking: confirmed, AlreadyPaid: true}, nil
	case mismatch != nil:
		s.log.Error("payment amount mismatch",
			zap.String("booking_id", b.ID),
			zap.String("payment_intent_id", req.IntentID),
			zap.Int64("amount_received", req.AmountReceived),
			zap.Int64("total_amount", confirmed.TotalAmount),
		)
		return ConfirmOutcome{}, ErrAmountMismatch
	case errors.Is(err, repository.ErrBookingNotFound):
		return ConfirmOutcome{}, ErrBookingNotFound
	case errors.Is(err, repository.ErrStaleTransition):
		return ConfirmOutcome{}, s.reread(ctx, b.ID)
	case errors.Is(err, repository.ErrSeatAlreadyConfirmed):
		var se *repository.SeatError
		seat := ""
		if errors.As(err, &se) {
			seat = se.Seat
		}
		s.log.Error("paid booking collides with confirmed seat, refund required",
			zap.String("booking_id", b.ID), zap.String("payment_intent_id", req.IntentID), zap.String("seat", seat))
		return ConfirmOutcome{}, withSeat(ErrSeatAlreadyBooked, seat)
	case errors.Is(err, repository.ErrIntentAlreadyAttached):
		return ConfirmOutcome{}, with(ErrBookingNotPending, err)
	default:
		var svcErr *Error
		if errors.As(err, &svcErr) {
			return ConfirmOutcome{}, svcErr
		}
		return ConfirmOutcome{}, with(ErrInternal, err)
	}

	bumpBookings(ctx, s.deps.Versions, s.log)
	s.cfg.onConfirmed()
	s.log.Info("booking confirmed",
		zap.String("booking_id", confirmed.ID),
		zap.String("payment_intent_id", req.IntentID),
		zap.Int64("total_amount", confirmed.TotalAmount),
	)
	return ConfirmOutcome{Booking: confirmed}, nil
}

// TaskPayload is the JSON payload of outbox tasks.
type TaskPayload struct {
	BookingID string    `json:"booking_id"`
	ShowID    uint64    `json:"show_id"`
	StartsAt  time.Time `json:"starts_at"`
}

// tasksFor builds the outbox tasks a confirmation schedules.
func (s *PaymentService) tasksFor(bookingID string, show model.Show, now time.Time) ([]model.OutboxTask, error) {
	payload, err := json.Marshal(TaskPayload{BookingID: bookingID, ShowID: show.ID, StartsAt: show.StartsAt.UTC()})
	if err != nil {
		return nil, err
	}
	tasks := []model.OutboxTask{{
		BookingID:   bookingID,
		Kind:        model.TaskBookingConfirmed,
		Payload:     payload,
		AvailableAt: now,
	}}
	if at := show.StartsAt.Add(-s.cfg.reminderLead); at.After(now) {
		tasks = append(tasks, model.OutboxTask{
			BookingID:   bookingID,
			Kind:        model.TaskShowReminder,
			Payload:     payload,
			AvailableAt: at.UTC(),
		})
	}
	return tasks, nil
}
