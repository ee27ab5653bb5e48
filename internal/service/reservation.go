package service

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iliyamo/showtime-booking/internal/cache"
	"github.com/iliyamo/showtime-booking/internal/lockstore"
	"github.com/iliyamo/showtime-booking/internal/model"
	"github.com/iliyamo/showtime-booking/internal/pricing"
	"github.com/iliyamo/showtime-booking/internal/repository"
	"github.com/iliyamo/showtime-booking/internal/ticket"
)

// ReservationService drives bookings from seat selection to PENDING and
// serves the read and cancel paths.
type ReservationService struct {
	deps Deps
	log  *zap.Logger
	cfg  settings
}

// NewReservationService wires the service.  Shows, Bookings and Locks are
// required.
func NewReservationService(d Deps, opts ...Option) *ReservationService {
	if d.Shows == nil || d.Bookings == nil || d.Locks == nil {
		panic("nil dependency passed to NewReservationService")
	}
	return &ReservationService{deps: d, log: d.logger(), cfg: newSettings(opts)}
}

// LockTTL returns the configured seat hold duration.
func (s *ReservationService) LockTTL() time.Duration { return s.cfg.lockTTL }

// normalizeSeats deduplicates and validates a seat selection.
func normalizeSeats(seats []string, max int) ([]string, error) {
	seats = model.UniqueSeats(seats)
	if len(seats) == 0 {
		return nil, invalid("seats is required")
	}
	if len(seats) > max {
		return nil, invalid("at most %d seats per booking", max)
	}
	for _, seat := range seats {
		if !model.ValidSeatID(seat) {
			return nil, invalid("seat %q is not a valid seat id", seat)
		}
	}
	return seats, nil
}

// loadBookableShow fetches the show, checks every seat exists in its
// layout and that the show has not started.
func (s *ReservationService) loadBookableShow(ctx context.Context, showID uint64, seats []string, now time.Time) (model.Show, error) {
	show, err := loadShow(ctx, s.deps.Shows, showID)
	if err != nil {
		return model.Show{}, err
	}
	for _, raw := range seats {
		id, _ := model.ParseSeatID(raw)
		if !show.Layout.Contains(id) {
			return model.Show{}, invalid("seat %s does not exist for this show", raw)
		}
	}
	if !show.Bookable(now) {
		return model.Show{}, ErrShowStarted
	}
	return show, nil
}

func loadShow(ctx context.Context, shows ShowReader, id uint64) (model.Show, error) {
	show, err := shows.GetByID(ctx, id)
	if errors.Is(err, repository.ErrShowNotFound) {
		return model.Show{}, ErrShowNotFound
	}
	if err != nil {
		return model.Show{}, with(ErrInternal, err)
	}
	return show, nil
}

// Create books seats for a user.  It validates the selection, refuses
// seats already confirmed, claims the seats atomically in the lock store
// and persists a PENDING booking with its durable locks.  A PENDING unpaid
// booking of the same user, show and seat set is returned instead of
// creating a duplicate, also when an identical request commits first.  If
// anything fails after the claim, the seats this call claimed are released
// before returning.
func (s *ReservationService) Create(ctx context.Context, userID, showID uint64, seats []string) (model.Booking, error) {
	seats, err := normalizeSeats(seats, s.cfg.maxSeats)
	if err != nil {
		return model.Booking{}, err
	}
	now := s.cfg.now().UTC()
	show, err := s.loadBookableShow(ctx, showID, seats, now)
	if err != nil {
		return model.Booking{}, err
	}

	conflict, err := s.deps.Bookings.ConfirmedSeatConflict(ctx, showID, seats)
	if err != nil {
		return model.Booking{}, with(ErrInternal, err)
	}
	if conflict != "" {
		return model.Booking{}, withSeat(ErrSeatAlreadyBooked, conflict)
	}

	holder := Holder(userID)
	open, err := s.deps.Bookings.FindOpen(ctx, userID, showID, now)
	if err != nil {
		return model.Booking{}, with(ErrInternal, err)
	}
	for _, b := range open {
		if model.SameSeatSet(b.Seats, seats) {
			return s.resume(ctx, b, holder)
		}
	}

	res, err := s.deps.Locks.TryLock(ctx, showID, seats, holder, s.cfg.lockTTL)
	if err != nil {
		// The script may have run before the error surfaced.
		s.release(ctx, showID, claimedByThisCall(seats, open), holder)
		return model.Booking{}, with(ErrInternal, err)
	}
	if !res.OK {
		return model.Booking{}, withSeat(ErrSeatAlreadyLocked, res.ConflictSeat)
	}
	if _, err := s.deps.Locks.Refresh(ctx, showID, s.cfg.lockTTL); err != nil {
		s.log.Warn("refresh seat lock ttl failed", zap.Uint64("show_id", showID), zap.Error(err))
	}

	expires := now.Add(s.cfg.lockTTL)
	b := model.Booking{
		ID:          uuid.NewString(),
		UserID:      userID,
		ShowID:      showID,
		Seats:       seats,
		TotalAmount: pricing.Price(&show.Layout, seats, show.SeatPrice),
		Status:      model.StatusPending,
		CreatedAt:   now,
		ExpiresAt:   &expires,
	}
	if err := s.deps.Bookings.CreateWithLocks(ctx, &b, now); err != nil {
		if won, ok := s.settleFailedCreate(ctx, userID, showID, seats, now); ok {
			return won, nil
		}
		var se *repository.SeatError
		if errors.As(err, &se) && errors.Is(err, repository.ErrSeatLockTaken) {
			return model.Booking{}, withSeat(ErrSeatAlreadyLocked, se.Seat)
		}
		return model.Booking{}, with(ErrInternal, err)
	}
	s.bump(ctx)
	s.log.Info("booking created",
		zap.String("booking_id", b.ID),
		zap.Uint64("user_id", userID),
		zap.Uint64("show_id", showID),
		zap.Strings("seats", seats),
		zap.Int64("total_amount", b.TotalAmount),
	)
	return b, nil
}

// resume returns an existing open booking after re-asserting its claim.
func (s *ReservationService) resume(ctx context.Context, b model.Booking, holder string) (model.Booking, error) {
	res, err := s.deps.Locks.TryLock(ctx, b.ShowID, b.Seats, holder, s.cfg.lockTTL)
	if err != nil {
		return model.Booking{}, with(ErrInternal, err)
	}
	if !res.OK {
		// The claim lapsed and someone else took a seat: this booking is
		// dead.
		if err := s.deps.Bookings.MarkExpired(ctx, b.ID, s.cfg.now().UTC()); err != nil && !errors.Is(err, repository.ErrStaleTransition) {
			s.log.Warn("expire superseded booking failed", zap.String("booking_id", b.ID), zap.Error(err))
		}
		s.bump(ctx)
		return model.Booking{}, withSeat(ErrSeatAlreadyLocked, res.ConflictSeat)
	}
	if _, err := s.deps.Locks.Refresh(ctx, b.ShowID, s.cfg.lockTTL); err != nil {
		s.log.Warn("refresh seat lock ttl failed", zap.Uint64("show_id", b.ShowID), zap.Error(err))
	}
	return b, nil
}

// settleFailedCreate runs after the booking insert failed.  An identical
// request of the same user may have committed in between; its booking is
// returned and keeps its claim.  Otherwise only seats backing none of the
// user's open bookings are released.  When the open bookings cannot be
// read nothing is released and the lock TTL cleans up.
func (s *ReservationService) settleFailedCreate(ctx context.Context, userID, showID uint64, seats []string, now time.Time) (model.Booking, bool) {
	open, err := s.deps.Bookings.FindOpen(context.WithoutCancel(ctx), userID, showID, now)
	if err != nil {
		s.log.Warn("list open bookings failed", zap.Uint64("show_id", showID), zap.Error(err))
		return model.Booking{}, false
	}
	for _, b := range open {
		if model.SameSeatSet(b.Seats, seats) {
			s.log.Info("booking resumed after concurrent create",
				zap.String("booking_id", b.ID), zap.Uint64("user_id", userID))
			return b, true
		}
	}
	s.release(ctx, showID, claimedByThisCall(seats, open), Holder(userID))
	return model.Booking{}, false
}

// claimedByThisCall drops seats the user already held through another
// open booking, so compensation never releases them.
func claimedByThisCall(seats []string, open []model.Booking) []string {
	held := make(map[string]struct{})
	for _, b := range open {
		for _, s := range b.Seats {
			held[s] = struct{}{}
		}
	}
	out := make([]string, 0, len(seats))
	for _, s := range seats {
		if _, ok := held[s]; !ok {
			out = append(out, s)
		}
	}
	return out
}

// release is a best-effort unlock; the lock TTL covers a failure here.
func (s *ReservationService) release(ctx context.Context, showID uint64, seats []string, holder string) {
	if len(seats) == 0 {
		return
	}
	if _, err := s.deps.Locks.Unlock(context.WithoutCancel(ctx), showID, seats, holder); err != nil {
		s.log.Warn("release seat locks failed",
			zap.Uint64("show_id", showID), zap.Strings("seats", seats), zap.Error(err))
	}
}

func (s *ReservationService) bump(ctx context.Context) {
	bumpBookings(ctx, s.deps.Versions, s.log)
}

func bumpBookings(ctx context.Context, v VersionBumper, log *zap.Logger) {
	if v == nil {
		return
	}
	if _, err := v.Bump(context.WithoutCancel(ctx), cache.NSBookings); err != nil {
		log.Warn("bump bookings cache version failed", zap.Error(err))
	}
}

// ownedBooking loads a booking and checks it belongs to userID.
func ownedBooking(ctx context.Context, store BookingStore, userID uint64, id string) (model.Booking, error) {
	if _, err := uuid.Parse(id); err != nil {
		return model.Booking{}, invalid("booking id must be a UUID")
	}
	b, err := store.GetByID(ctx, id)
	if errors.Is(err, repository.ErrBookingNotFound) {
		return model.Booking{}, ErrBookingNotFound
	}
	if err != nil {
		return model.Booking{}, with(ErrInternal, err)
	}
	if b.UserID != userID {
		return model.Booking{}, ErrForbidden
	}
	return b, nil
}

// Get returns the caller's booking.  It only observes: polling never
// changes a booking's status.
func (s *ReservationService) Get(ctx context.Context, userID uint64, id string) (model.Booking, error) {
	return ownedBooking(ctx, s.deps.Bookings, userID, id)
}

// ListMine returns the caller's bookings, newest first.
func (s *ReservationService) ListMine(ctx context.Context, userID uint64, limit int) ([]model.Booking, error) {
	list, err := s.deps.Bookings.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, with(ErrInternal, err)
	}
	return list, nil
}

// Cancel aborts the caller's unpaid PENDING booking.  Only lock entries
// still held by the caller are released; an open payment intent is
// cancelled at the gateway on a best-effort basis.
func (s *ReservationService) Cancel(ctx context.Context, userID uint64, id string) (model.Booking, error) {
	b, err := ownedBooking(ctx, s.deps.Bookings, userID, id)
	if err != nil {
		return model.Booking{}, err
	}
	if b.Paid {
		return model.Booking{}, ErrAlreadyPaid
	}
	if b.Status != model.StatusPending {
		return model.Booking{}, statusError(b)
	}
	now := s.cfg.now().UTC()
	if err := s.deps.Bookings.Cancel(ctx, b.ID, userID, now); err != nil {
		if errors.Is(err, repository.ErrStaleTransition) {
			return model.Booking{}, s.reread(ctx, b.ID)
		}
		return model.Booking{}, with(ErrInternal, err)
	}
	s.release(ctx, b.ShowID, b.Seats, Holder(userID))
	if intent := b.IntentID(); intent != "" && s.deps.Gateway != nil {
		if err := s.deps.Gateway.CancelIntent(context.WithoutCancel(ctx), intent); err != nil {
			s.log.Warn("cancel payment intent failed", zap.String("booking_id", b.ID), zap.String("payment_intent_id", intent), zap.Error(err))
		}
	}
	s.bump(ctx)
	s.log.Info("booking cancelled", zap.String("booking_id", b.ID), zap.Uint64("user_id", userID))

	b.Status = model.StatusCancelled
	b.ExpiredAt = &now
	return b, nil
}

// reread maps a lost conditional update to the state that won.
func (s *ReservationService) reread(ctx context.Context, id string) error {
	cur, err := s.deps.Bookings.GetByID(ctx, id)
	if err != nil {
		return with(ErrInternal, err)
	}
	if cur.Paid {
		return ErrAlreadyPaid
	}
	return statusError(cur)
}

// statusError describes why a non-PENDING booking cannot move.
func statusError(b model.Booking) error {
	switch b.Status {
	case model.StatusExpired:
		return ErrBookingExpired
	case model.StatusPending:
		return with(ErrInternal, errors.New("booking still pending after lost update"))
	default:
		return ErrBookingNotPending
	}
}

// SeatLease is the result of an advisory seat lock.
type SeatLease struct {
	ShowID uint64
	Seats  []string
	TTL    time.Duration
}

// LockSeats claims seats for display purposes before a booking exists.
// The claim uses the same atomic script as Create, so a later Create by
// the same user reuses it.
func (s *ReservationService) LockSeats(ctx context.Context, userID, showID uint64, seats []string) (SeatLease, error) {
	seats, err := normalizeSeats(seats, s.cfg.maxSeats)
	if err != nil {
		return SeatLease{}, err
	}
	if _, err := s.loadBookableShow(ctx, showID, seats, s.cfg.now().UTC()); err != nil {
		return SeatLease{}, err
	}
	conflict, err := s.deps.Bookings.ConfirmedSeatConflict(ctx, showID, seats)
	if err != nil {
		return SeatLease{}, with(ErrInternal, err)
	}
	if conflict != "" {
		return SeatLease{}, withSeat(ErrSeatAlreadyBooked, conflict)
	}
	res, err := s.deps.Locks.TryLock(ctx, showID, seats, Holder(userID), s.cfg.lockTTL)
	if err != nil {
		return SeatLease{}, with(ErrInternal, err)
	}
	if !res.OK {
		return SeatLease{}, withSeat(ErrSeatAlreadyLocked, res.ConflictSeat)
	}
	ttl, err := s.deps.Locks.TTL(ctx, showID)
	if err != nil {
		s.log.Warn("read seat lock ttl failed", zap.Uint64("show_id", showID), zap.Error(err))
		ttl = s.cfg.lockTTL
	}
	return SeatLease{ShowID: showID, Seats: seats, TTL: ttl}, nil
}

// UnlockSeats drops advisory claims of the caller.  Seats backing one of
// the caller's open bookings stay locked; cancel the booking instead.
func (s *ReservationService) UnlockSeats(ctx context.Context, userID, showID uint64, seats []string) (int, error) {
	seats, err := normalizeSeats(seats, s.cfg.maxSeats)
	if err != nil {
		return 0, err
	}
	open, err := s.deps.Bookings.FindOpen(ctx, userID, showID, s.cfg.now().UTC())
	if err != nil {
		return 0, with(ErrInternal, err)
	}
	free := claimedByThisCall(seats, open)
	if len(free) == 0 {
		return 0, nil
	}
	n, err := s.deps.Locks.Unlock(ctx, showID, free, Holder(userID))
	if err != nil {
		return 0, with(ErrInternal, err)
	}
	return n, nil
}

// SeatMap is the availability of a show's seats.  Seats absent from all
// three lists are free.
type SeatMap struct {
	ShowID uint64   `json:"show_id"`
	Booked []string `json:"booked"`
	Locked []string `json:"locked"`
	Mine   []string `json:"mine"`
}

// SeatMap reports booked seats and seats currently locked, separating the
// caller's own locks.
func (s *ReservationService) SeatMap(ctx context.Context, userID, showID uint64) (SeatMap, error) {
	if _, err := loadShow(ctx, s.deps.Shows, showID); err != nil {
		return SeatMap{}, err
	}
	booked, err := s.deps.Bookings.ConfirmedSeats(ctx, showID)
	if err != nil {
		return SeatMap{}, with(ErrInternal, err)
	}
	holders, err := s.deps.Locks.Holders(ctx, showID)
	if err != nil {
		return SeatMap{}, with(ErrInternal, err)
	}
	m := SeatMap{ShowID: showID, Booked: booked, Locked: []string{}, Mine: []string{}}
	if m.Booked == nil {
		m.Booked = []string{}
	}
	booked = append([]string(nil), m.Booked...)
	sort.Strings(booked)
	me := Holder(userID)
	for seat, h := range holders {
		// Confirmed seats linger in the map until the outbox releases them.
		if i := sort.SearchStrings(booked, seat); i < len(booked) && booked[i] == seat {
			continue
		}
		if h == me {
			m.Mine = append(m.Mine, seat)
		} else {
			m.Locked = append(m.Locked, seat)
		}
	}
	sort.Strings(m.Locked)
	sort.Strings(m.Mine)
	return m, nil
}

// Ticket issues the ticket of the caller's confirmed booking.
func (s *ReservationService) Ticket(ctx context.Context, userID uint64, id string) (ticket.Ticket, error) {
	b, err := ownedBooking(ctx, s.deps.Bookings, userID, id)
	if err != nil {
		return ticket.Ticket{}, err
	}
	if b.Status != model.StatusConfirmed || !b.Paid {
		return ticket.Ticket{}, ErrTicketUnavailable
	}
	if s.deps.Tickets == nil {
		return ticket.Ticket{}, with(ErrInternal, errors.New("ticket issuer not configured"))
	}
	t, err := s.deps.Tickets.Issue(b.ID)
	if err != nil {
		return ticket.Ticket{}, with(ErrInternal, err)
	}
	return t, nil
}

// ownershipError maps a lock store ownership failure.
func ownershipError(err error) (*Error, bool) {
	var oe *lockstore.OwnershipError
	if !errors.As(err, &oe) {
		return nil, false
	}
	if errors.Is(err, lockstore.ErrLockedByOther) {
		return withSeat(ErrSeatLockedByOther, oe.Seat), true
	}
	return withSeat(ErrSeatLockExpired, oe.Seat), true
}
