package cache

import (
	"context"
	"errors"
	"testing"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionStore_CurrentInitialises(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	vs := NewVersionStore(rdb)

	mock.ExpectGet("bookings:cache:version").RedisNil()
	mock.ExpectSetNX("bookings:cache:version", 1, 0).SetVal(true)

	v, err := vs.Current(context.Background(), NSBookings)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVersionStore_CurrentExisting(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	vs := NewVersionStore(rdb)

	mock.ExpectGet("shows:cache:version").SetVal("42")

	v, err := vs.Current(context.Background(), NSShows)
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVersionStore_Bump(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	vs := NewVersionStore(rdb)

	mock.ExpectIncr("bookings:cache:version").SetVal(3)
	mock.ExpectIncr("bookings:cache:version").SetErr(errors.New("down"))

	v, err := vs.Bump(context.Background(), NSBookings)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	_, err = vs.Bump(context.Background(), NSBookings)
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVersionStore_NilClient(t *testing.T) {
	vs := NewVersionStore(nil)
	v, err := vs.Current(context.Background(), NSBookings)
	require.NoError(t, err)
	assert.Zero(t, v)
	_, err = vs.Bump(context.Background(), NSBookings)
	assert.NoError(t, err)
}
