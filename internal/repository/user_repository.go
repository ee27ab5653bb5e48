package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/iliyamo/showtime-booking/internal/model"
)

// ErrUserNotFound is returned when no user has the given id.
var ErrUserNotFound = errors.New("user not found")

// UserRepo reads the users table owned by the auth service.
type UserRepo struct{ DB *sql.DB }

func NewUserRepo(db *sql.DB) *UserRepo { return &UserRepo{DB: db} }

// GetContact fetches the notification address of a user.
func (r *UserRepo) GetContact(ctx context.Context, id uint64) (model.Contact, error) {
	var c model.Contact
	err := r.DB.QueryRowContext(ctx,
		"SELECT id,email,name FROM users WHERE id=? LIMIT 1",
		id).Scan(&c.ID, &c.Email, &c.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Contact{}, ErrUserNotFound
	}
	return c, err
}
