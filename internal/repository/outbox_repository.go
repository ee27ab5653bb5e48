package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/showtime-booking/internal/model"
)

// OutboxRepo reads and settles outbox tasks.  Tasks are written by the
// transaction that causes them (see BookingRepo.Confirm) and claimed here
// by workers.
type OutboxRepo struct {
	db *sql.DB
}

// NewOutboxRepo constructs an OutboxRepo.
func NewOutboxRepo(db *sql.DB) *OutboxRepo { return &OutboxRepo{db: db} }

func insertTaskTx(ctx context.Context, tx *sql.Tx, t model.OutboxTask) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	var payload interface{}
	if len(t.Payload) > 0 {
		payload = []byte(t.Payload)
	}
	// uq_outbox_booking_kind: one task per kind and booking.
	_, err := tx.ExecContext(ctx,
		`INSERT INTO outbox_tasks (id, booking_id, kind, payload, status, available_at)
		 VALUES (?, ?, ?, ?, 'PENDING', ?)`,
		t.ID, t.BookingID, t.Kind, payload, t.AvailableAt.UTC(),
	)
	return err
}

// Claim atomically takes up to limit tasks that are due, plus tasks whose
// previous claim is older than visibility (a worker died mid-task).  The
// attempt counter is bumped as part of the claim.
func (r *OutboxRepo) Claim(ctx context.Context, now time.Time, visibility time.Duration, limit int) ([]model.OutboxTask, error) {
	claimID := uuid.NewString()
	now = now.UTC()
	res, err := r.db.ExecContext(ctx,
		`UPDATE outbox_tasks
		 SET status = 'PROCESSING', claimed_by = ?, claimed_at = ?, attempts = attempts + 1
		 WHERE (status = 'PENDING' AND available_at <= ?)
		    OR (status = 'PROCESSING' AND claimed_at < ?)
		 ORDER BY available_at
		 LIMIT ?`,
		claimID, now, now, now.Add(-visibility), limit,
	)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, booking_id, kind, payload, status, attempts, COALESCE(last_error, ''), available_at, created_at
		 FROM outbox_tasks WHERE claimed_by = ? AND status = 'PROCESSING'
		 ORDER BY available_at`,
		claimID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.OutboxTask
	for rows.Next() {
		var (
			t       model.OutboxTask
			payload []byte
			status  string
		)
		if err := rows.Scan(&t.ID, &t.BookingID, &t.Kind, &payload, &status, &t.Attempts, &t.LastError, &t.AvailableAt, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Payload = payload
		t.Status = model.TaskStatus(status)
		out = append(out, t)
	}
	return out, rows.Err()
}

// Complete marks a task done.
func (r *OutboxRepo) Complete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE outbox_tasks SET status = 'DONE', claimed_by = NULL, last_error = NULL WHERE id = ?`, id)
	return err
}

// Retry releases a task back to PENDING, due again at next.
func (r *OutboxRepo) Retry(ctx context.Context, id, lastErr string, next time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE outbox_tasks SET status = 'PENDING', claimed_by = NULL, last_error = ?, available_at = ? WHERE id = ?`,
		lastErr, next.UTC(), id)
	return err
}

// Fail parks a task permanently.
func (r *OutboxRepo) Fail(ctx context.Context, id, lastErr string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE outbox_tasks SET status = 'FAILED', claimed_by = NULL, last_error = ? WHERE id = ?`,
		lastErr, id)
	return err
}
