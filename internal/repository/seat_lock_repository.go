package repository

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/iliyamo/showtime-booking/internal/model"
)

// SeatLockRepo provides data access to the seat_locks table, the durable
// mirror of the Redis seat claims.  Every method takes the caller's
// transaction: rows are only ever written together with the booking that
// owns them.  All timestamps are compared in UTC.
type SeatLockRepo struct {
	db *sql.DB
}

// NewSeatLockRepo returns a new SeatLockRepo bound to the provided database.
func NewSeatLockRepo(db *sql.DB) *SeatLockRepo { return &SeatLockRepo{db: db} }

// PurgeStaleTx removes rows for the given seats that no longer block
// anyone: rows whose expiry has passed, and rows whose booking is gone or
// has left PENDING.  It is run inside the create transaction right before
// the new rows are inserted.
func (r *SeatLockRepo) PurgeStaleTx(ctx context.Context, tx *sql.Tx, showID uint64, seats []string, now time.Time) error {
	if len(seats) == 0 {
		return nil
	}
	q := `DELETE sl FROM seat_locks sl
		  LEFT JOIN bookings b ON b.id = sl.booking_id
		  WHERE sl.show_id = ? AND sl.seat_id IN (` + placeholders(len(seats)) + `)
			AND (sl.expires_at <= ? OR b.id IS NULL OR b.status <> 'PENDING')`
	args := make([]interface{}, 0, len(seats)+2)
	args = append(args, showID)
	for _, s := range seats {
		args = append(args, s)
	}
	args = append(args, now.UTC())
	_, err := tx.ExecContext(ctx, q, args...)
	return err
}

// CreateMultipleTx inserts one row per lock in a single statement.  A
// duplicate (show_id, seat_id) is reported as a *SeatError wrapping
// ErrSeatLockTaken naming the first taken seat in input order.
func (r *SeatLockRepo) CreateMultipleTx(ctx context.Context, tx *sql.Tx, locks []model.SeatLock) error {
	if len(locks) == 0 {
		return nil
	}
	var b strings.Builder
	b.WriteString(`INSERT INTO seat_locks (show_id, seat_id, user_id, booking_id, expires_at) VALUES `)
	args := make([]interface{}, 0, len(locks)*5)
	for i, l := range locks {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString("(?, ?, ?, ?, ?)")
		args = append(args, l.ShowID, l.SeatID, l.UserID, l.BookingID, l.ExpiresAt.UTC())
	}
	if _, err := tx.ExecContext(ctx, b.String(), args...); err != nil {
		if !isDuplicate(err) {
			return err
		}
		seats := make([]string, len(locks))
		for i, l := range locks {
			seats[i] = l.SeatID
		}
		taken, ferr := r.firstTakenTx(ctx, tx, locks[0].ShowID, seats)
		if ferr != nil || taken == "" {
			taken = seats[0]
		}
		return &SeatError{Seat: taken, Err: ErrSeatLockTaken}
	}
	return nil
}

// firstTakenTx returns the first seat, in input order, that already has a
// row for the show.
func (r *SeatLockRepo) firstTakenTx(ctx context.Context, tx *sql.Tx, showID uint64, seats []string) (string, error) {
	args := make([]interface{}, 0, len(seats)+1)
	args = append(args, showID)
	for _, s := range seats {
		args = append(args, s)
	}
	rows, err := tx.QueryContext(ctx,
		`SELECT seat_id FROM seat_locks WHERE show_id = ? AND seat_id IN (`+placeholders(len(seats))+`)`,
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

// ExtendTx moves the expiry of a booking's rows forward.  Rows are never
// shortened.
func (r *SeatLockRepo) ExtendTx(ctx context.Context, tx *sql.Tx, bookingID string, until time.Time) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE seat_locks SET expires_at = ? WHERE booking_id = ? AND expires_at < ?`,
		until.UTC(), bookingID, until.UTC(),
	)
	return err
}

// DeleteByBookingTx removes every row owned by the booking.
func (r *SeatLockRepo) DeleteByBookingTx(ctx context.Context, tx *sql.Tx, bookingID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM seat_locks WHERE booking_id = ?`, bookingID)
	return err
}

// DeleteOrphansTx removes rows whose booking has already left PENDING.
// The sweeper calls it every cycle so a failed delete during confirm or
// cancel is eventually repaired.
func (r *SeatLockRepo) DeleteOrphansTx(ctx context.Context, tx *sql.Tx) (int64, error) {
	res, err := tx.ExecContext(ctx,
		`DELETE sl FROM seat_locks sl JOIN bookings b ON b.id = sl.booking_id WHERE b.status <> 'PENDING'`,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// placeholders returns "?, ?, ..." with n markers.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

// scanStrings reads a single string column and closes rows.
func scanStrings(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// firstInOrder returns the first element of want that appears in found.
func firstInOrder(want, found []string) string {
	set := make(map[string]struct{}, len(found))
	for _, s := range found {
		set[s] = struct{}{}
	}
	for _, s := range want {
		if _, ok := set[s]; ok {
			return s
		}
	}
	return ""
}
