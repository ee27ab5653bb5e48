// This file holds read access to shows.  Shows are created and edited by
// the catalog; the reservation core only needs the schedule, the fallback
// seat price and the layout.
package repository

import (
	"context"      // context for controlling query lifetime
	"database/sql" // sql provides DB abstraction
	"errors"       // errors for sentinel definitions
	"fmt"

	"github.com/iliyamo/showtime-booking/internal/model"
)

// ErrShowNotFound indicates that a show was not located in the DB.
var ErrShowNotFound = errors.New("show not found")

// ShowRepo reads shows.
type ShowRepo struct {
	db *sql.DB
}

// NewShowRepo constructs a ShowRepo.
func NewShowRepo(db *sql.DB) *ShowRepo { return &ShowRepo{db: db} }

// GetByID returns the show with its decoded layout.  Times are returned in
// UTC.
func (r *ShowRepo) GetByID(ctx context.Context, id uint64) (model.Show, error) {
	const q = `SELECT id, movie_id, movie_title, screen_id, screen_name, theatre_name,
	                  starts_at, ends_at, seat_price, layout
	           FROM shows WHERE id = ?`
	var (
		s      model.Show
		layout []byte
	)
	err := r.db.QueryRowContext(ctx, q, id).Scan(
		&s.ID,
		&s.MovieID,
		&s.MovieTitle,
		&s.ScreenID,
		&s.ScreenName,
		&s.TheatreName,
		&s.StartsAt,
		&s.EndsAt,
		&s.SeatPrice,
		&layout,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Show{}, ErrShowNotFound
	}
	if err != nil {
		return model.Show{}, err
	}
	s.StartsAt = s.StartsAt.UTC()
	s.EndsAt = s.EndsAt.UTC()
	if s.Layout, err = model.ParseLayout(layout); err != nil {
		return model.Show{}, fmt.Errorf("decode layout of show %d: %w", id, err)
	}
	return s, nil
}
