package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/showtime-booking/internal/model"
)

func TestOutboxClaim(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewOutboxRepo(db)

	mock.ExpectExec(q("UPDATE outbox_tasks")).
		WithArgs(sqlmock.AnyArg(), testNow, testNow, testNow.Add(-time.Minute), 10).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(q("FROM outbox_tasks WHERE claimed_by = ?")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "booking_id", "kind", "payload", "status", "attempts", "last_error", "available_at", "created_at"}).
			AddRow("t1", "b1", model.TaskBookingConfirmed, []byte(`{"k":1}`), "PROCESSING", 1, "", testNow, testNow))

	tasks, err := repo.Claim(context.Background(), testNow, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, model.TaskProcessing, tasks[0].Status)
	assert.JSONEq(t, `{"k":1}`, string(tasks[0].Payload))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboxClaim_Empty(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewOutboxRepo(db)

	mock.ExpectExec(q("UPDATE outbox_tasks")).WillReturnResult(sqlmock.NewResult(0, 0))
	tasks, err := repo.Claim(context.Background(), testNow, time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, tasks)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboxSettle(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewOutboxRepo(db)

	mock.ExpectExec(q("SET status = 'DONE'")).WithArgs("t1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("SET status = 'PENDING'")).WithArgs("boom", testNow, "t2").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("SET status = 'FAILED'")).WithArgs("boom", "t3").WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Complete(context.Background(), "t1"))
	require.NoError(t, repo.Retry(context.Background(), "t2", "boom", testNow))
	require.NoError(t, repo.Fail(context.Background(), "t3", "boom"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
