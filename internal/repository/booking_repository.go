package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/showtime-booking/internal/model"
)

// BookingRepo manages bookings together with their durable seat locks,
// confirmed seats and outbox tasks.  Every transition out of PENDING is a
// conditional UPDATE on status so two racing terminal operations can never
// both succeed.
type BookingRepo struct {
	db    *sql.DB
	locks *SeatLockRepo
}

// NewBookingRepo constructs a BookingRepo.
func NewBookingRepo(db *sql.DB) *BookingRepo {
	return &BookingRepo{db: db, locks: NewSeatLockRepo(db)}
}

const bookingColumns = `id, user_id, show_id, booked_seats, total_amount, payment_intent_id, intent_attempt,
	is_paid, status, created_at, expires_at, expired_at, confirmed_at, email_sent`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBooking(s rowScanner) (model.Booking, error) {
	var (
		b         model.Booking
		seatsJSON []byte
		intent    sql.NullString
		status    string
		expiresAt sql.NullTime
		expiredAt sql.NullTime
		confirmed sql.NullTime
	)
	if err := s.Scan(&b.ID, &b.UserID, &b.ShowID, &seatsJSON, &b.TotalAmount, &intent, &b.IntentAttempt,
		&b.Paid, &status, &b.CreatedAt, &expiresAt, &expiredAt, &confirmed, &b.EmailSent); err != nil {
		return model.Booking{}, err
	}
	if err := json.Unmarshal(seatsJSON, &b.Seats); err != nil {
		return model.Booking{}, fmt.Errorf("decode booked_seats of %s: %w", b.ID, err)
	}
	b.Status = model.BookingStatus(status)
	if intent.Valid {
		v := intent.String
		b.PaymentIntentID = &v
	}
	b.ExpiresAt = nullTime(expiresAt)
	b.ExpiredAt = nullTime(expiredAt)
	b.ConfirmedAt = nullTime(confirmed)
	return b, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func scanBookings(rows *sql.Rows) ([]model.Booking, error) {
	defer rows.Close()
	var out []model.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// GetByID loads a booking.  It returns ErrBookingNotFound when absent.
func (r *BookingRepo) GetByID(ctx context.Context, id string) (model.Booking, error) {
	b, err := scanBooking(r.db.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Booking{}, ErrBookingNotFound
	}
	return b, err
}

// ListByUser returns the user's bookings, newest first.
func (r *BookingRepo) ListByUser(ctx context.Context, userID uint64, limit int) ([]model.Booking, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, err
	}
	return scanBookings(rows)
}

// FindOpen returns the user's PENDING unpaid bookings for a show that have
// not lapsed yet, newest first.
func (r *BookingRepo) FindOpen(ctx context.Context, userID, showID uint64, now time.Time) ([]model.Booking, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+bookingColumns+` FROM bookings
		 WHERE user_id = ? AND show_id = ? AND status = 'PENDING' AND is_paid = 0
		   AND (expires_at IS NULL OR expires_at > ?)
		 ORDER BY created_at DESC`,
		userID, showID, now.UTC(),
	)
	if err != nil {
		return nil, err
	}
	return scanBookings(rows)
}

// ConfirmedSeatConflict returns the first requested seat, in request
// order, that already belongs to a confirmed booking of the show, or "".
func (r *BookingRepo) ConfirmedSeatConflict(ctx context.Context, showID uint64, seats []string) (string, error) {
	if len(seats) == 0 {
		return "", nil
	}
	args := make([]interface{}, 0, len(seats)+1)
	args = append(args, showID)
	for _, s := range seats {
		args = append(args, s)
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT seat_id FROM confirmed_seats WHERE show_id = ? AND seat_id IN (`+placeholders(len(seats))+`)`,
		args...,
	)
	if err != nil {
		return "", err
	}
	found, err := scanStrings(rows)
	if err != nil {
		return "", err
	}
	return firstInOrder(seats, found), nil
}

// ConfirmedSeats lists every confirmed seat of a show.
func (r *BookingRepo) ConfirmedSeats(ctx context.Context, showID uint64) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT seat_id FROM confirmed_seats WHERE show_id = ? ORDER BY seat_id`, showID)
	if err != nil {
		return nil, err
	}
	return scanStrings(rows)
}

// CreateWithLocks inserts a PENDING booking and its durable seat locks in
// one transaction.  Stale lock rows for the same seats are purged first.
// A seat still held by another booking yields a *SeatError wrapping
// ErrSeatLockTaken and nothing is written.
func (r *BookingRepo) CreateWithLocks(ctx context.Context, b *model.Booking, now time.Time) error {
	if b.ExpiresAt == nil {
		return errors.New("booking expiry is required")
	}
	seatsJSON, err := json.Marshal(b.Seats)
	if err != nil {
		return err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := r.locks.PurgeStaleTx(ctx, tx, b.ShowID, b.Seats, now); err != nil {
		return fmt.Errorf("purge stale seat locks: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO bookings (id, user_id, show_id, booked_seats, total_amount, status, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.UserID, b.ShowID, seatsJSON, b.TotalAmount, string(model.StatusPending), b.CreatedAt.UTC(), b.ExpiresAt.UTC(),
	); err != nil {
		return fmt.Errorf("insert booking: %w", err)
	}
	locks := make([]model.SeatLock, 0, len(b.Seats))
	for _, s := range b.Seats {
		locks = append(locks, model.SeatLock{ShowID: b.ShowID, SeatID: s, UserID: b.UserID, BookingID: b.ID, ExpiresAt: *b.ExpiresAt})
	}
	if err := r.locks.CreateMultipleTx(ctx, tx, locks); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// UpdateAmount stores a recomputed total on a PENDING unpaid booking.
func (r *BookingRepo) UpdateAmount(ctx context.Context, id string, amount int64) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE bookings SET total_amount = ? WHERE id = ? AND status = 'PENDING' AND is_paid = 0`,
		amount, id,
	)
	return expectOne(res, err)
}

// ExtendHold pushes the booking expiry and its seat lock rows forward to
// until.  Expiries are never moved backwards.
func (r *BookingRepo) ExtendHold(ctx context.Context, id string, until time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if _, err := tx.ExecContext(ctx,
		`UPDATE bookings SET expires_at = ?
		 WHERE id = ? AND status = 'PENDING' AND is_paid = 0 AND expires_at < ?`,
		until.UTC(), id, until.UTC(),
	); err != nil {
		return err
	}
	if err := r.locks.ExtendTx(ctx, tx, id, until); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// AttachIntent stores the payment intent id on a PENDING booking that has
// none yet.  It reports false when another request attached one first.
func (r *BookingRepo) AttachIntent(ctx context.Context, id, intentID string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE bookings SET payment_intent_id = ?
		 WHERE id = ? AND payment_intent_id IS NULL AND status = 'PENDING'`,
		intentID, id,
	)
	if err != nil {
		if isDuplicate(err) {
			return false, ErrIntentAlreadyAttached
		}
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ClearIntent detaches a dead intent so a new one can be created.  The
// attempt counter moves on so the next idempotency key differs.
func (r *BookingRepo) ClearIntent(ctx context.Context, id, intentID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE bookings SET payment_intent_id = NULL, intent_attempt = intent_attempt + 1
		 WHERE id = ? AND payment_intent_id = ? AND is_paid = 0`,
		id, intentID,
	)
	return err
}

// MarkExpired moves a PENDING unpaid booking to EXPIRED and drops its seat
// lock rows.  It returns ErrStaleTransition when the booking already left
// PENDING.
func (r *BookingRepo) MarkExpired(ctx context.Context, id string, now time.Time) error {
	return r.finish(ctx, id, model.StatusExpired, `id = ?`, []interface{}{id}, now)
}

// Cancel moves the owner's PENDING unpaid booking to CANCELLED and drops
// its seat lock rows.  It returns ErrStaleTransition when nothing matched.
func (r *BookingRepo) Cancel(ctx context.Context, id string, userID uint64, now time.Time) error {
	return r.finish(ctx, id, model.StatusCancelled, `id = ? AND user_id = ?`, []interface{}{id, userID}, now)
}

func (r *BookingRepo) finish(ctx context.Context, id string, to model.BookingStatus, where string, args []interface{}, now time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	q := `UPDATE bookings SET status = ?, expired_at = ? WHERE ` + where + ` AND status = 'PENDING' AND is_paid = 0`
	res, err := tx.ExecContext(ctx, q, append([]interface{}{string(to), now.UTC()}, args...)...)
	if err := expectOne(res, err); err != nil {
		return err
	}
	if err := r.locks.DeleteByBookingTx(ctx, tx, id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// ConfirmInput carries everything the confirm transaction needs.
//
// Check runs against the row locked with SELECT ... FOR UPDATE; returning
// an error aborts the transaction with nothing written.  Tasks are
// inserted into the outbox in the same transaction.
type ConfirmInput struct {
	BookingID string
	IntentID  string
	Now       time.Time
	Check     func(model.Booking) error
	Tasks     []model.OutboxTask
}

// Confirm marks a booking paid and CONFIRMED.  In one transaction it locks
// the row, runs the caller's check, flips the status, claims the seats in
// confirmed_seats, drops the durable seat locks and records the outbox
// tasks.  A seat already confirmed for another booking yields a *SeatError
// wrapping ErrSeatAlreadyConfirmed.
func (r *BookingRepo) Confirm(ctx context.Context, in ConfirmInput) (model.Booking, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Booking{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	b, err := scanBooking(tx.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = ? FOR UPDATE`, in.BookingID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Booking{}, ErrBookingNotFound
	}
	if err != nil {
		return model.Booking{}, err
	}
	if in.Check != nil {
		if err := in.Check(b); err != nil {
			return b, err
		}
	}

	now := in.Now.UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE bookings SET is_paid = 1, status = 'CONFIRMED', payment_intent_id = ?, confirmed_at = ?
		 WHERE id = ? AND status = 'PENDING' AND is_paid = 0`,
		in.IntentID, now, b.ID,
	)
	if err != nil && isDuplicate(err) {
		return b, ErrIntentAlreadyAttached
	}
	if err := expectOne(res, err); err != nil {
		return b, err
	}

	if len(b.Seats) > 0 {
		var q strings.Builder
		q.WriteString(`INSERT INTO confirmed_seats (show_id, seat_id, booking_id) VALUES `)
		args := make([]interface{}, 0, len(b.Seats)*3)
		for i, s := range b.Seats {
			if i > 0 {
				q.WriteString(",")
			}
			q.WriteString("(?, ?, ?)")
			args = append(args, b.ShowID, s, b.ID)
		}
		if _, err := tx.ExecContext(ctx, q.String(), args...); err != nil {
			if isDuplicate(err) {
				seat, _ := r.firstConfirmedTx(ctx, tx, b.ShowID, b.Seats)
				if seat == "" {
					seat = b.Seats[0]
				}
				return b, &SeatError{Seat: seat, Err: ErrSeatAlreadyConfirmed}
			}
			return b, err
		}
	}
	if err := r.locks.DeleteByBookingTx(ctx, tx, b.ID); err != nil {
		return b, err
	}
	for _, t := range in.Tasks {
		if err := insertTaskTx(ctx, tx, t); err != nil {
			return b, err
		}
	}
	if err := tx.Commit(); err != nil {
		return b, err
	}
	committed = true

	b.Paid = true
	b.Status = model.StatusConfirmed
	b.PaymentIntentID = &in.IntentID
	b.ConfirmedAt = &now
	return b, nil
}

func (r *BookingRepo) firstConfirmedTx(ctx context.Context, tx *sql.Tx, showID uint64, seats []string) (string, error) {
	args := make([]interface{}, 0, len(seats)+1)
	args = append(args, showID)
	for _, s := range seats {
		args = append(args, s)
	}
	rows, err := tx.QueryContext(ctx,
		`SELECT seat_id FROM confirmed_seats WHERE show_id = ? AND seat_id IN (`+placeholders(len(seats))+`)`,
		args...,
	)
	if err != nil {
		return "", err
	}
	found, err := scanStrings(rows)
	if err != nil {
		return "", err
	}
	return firstInOrder(seats, found), nil
}

// ExpireStale moves up to limit lapsed PENDING unpaid bookings to EXPIRED
// with a single conditional UPDATE, drops seat lock rows of every booking
// that is no longer PENDING, and returns the bookings it expired.  Each
// call tags its batch with a fresh token, so concurrent sweepers never
// report the same booking twice.
func (r *BookingRepo) ExpireStale(ctx context.Context, now time.Time, limit int) ([]model.Booking, error) {
	if limit <= 0 {
		limit = 500
	}
	token := uuid.NewString()
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	res, err := tx.ExecContext(ctx,
		`UPDATE bookings SET status = 'EXPIRED', expired_at = ?, sweep_token = ?
		 WHERE status = 'PENDING' AND is_paid = 0 AND expires_at IS NOT NULL AND expires_at < ?
		 LIMIT ?`,
		now.UTC(), token, now.UTC(), limit,
	)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if _, err := r.locks.DeleteOrphansTx(ctx, tx); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	committed = true
	if n == 0 {
		return nil, nil
	}

	rows, err := r.db.QueryContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE sweep_token = ?`, token)
	if err != nil {
		return nil, err
	}
	return scanBookings(rows)
}

// MarkEmailSent flips email_sent once.  It reports false when it was
// already set.
func (r *BookingRepo) MarkEmailSent(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE bookings SET email_sent = 1 WHERE id = ? AND email_sent = 0`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// expectOne turns a zero-row conditional update into ErrStaleTransition.
func expectOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStaleTransition
	}
	return nil
}
