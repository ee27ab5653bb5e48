// This file defines the public show endpoint.  Guests can look up a
// show's schedule and seat layout with prices before signing in; seat
// availability itself stays behind authentication.

package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/showtime-booking/internal/model"
	"github.com/iliyamo/showtime-booking/internal/repository"
	"github.com/iliyamo/showtime-booking/internal/service"
)

// ShowReader loads shows from the catalog.
type ShowReader interface {
	GetByID(ctx context.Context, id uint64) (model.Show, error)
}

// PublicHandler serves unauthenticated catalog reads.  Responses carry
// only display fields.
type PublicHandler struct {
	Shows ShowReader
	log   *zap.Logger
	now   func() time.Time
}

// NewPublicHandler constructs a PublicHandler.
func NewPublicHandler(shows ShowReader, log *zap.Logger) *PublicHandler {
	if shows == nil {
		panic("nil repository passed to NewPublicHandler")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &PublicHandler{Shows: shows, log: log.Named("public"), now: time.Now}
}

// PublicSection is one priced block of the layout.
type PublicSection struct {
	Label      string   `json:"label"`
	Price      int64    `json:"price"`
	Rows       []string `json:"rows"`
	LeftCount  int      `json:"left_count"`
	RightCount int      `json:"right_count"`
}

// PublicShowDetail is the public view of a show.
type PublicShowDetail struct {
	ID          uint64          `json:"id"`
	MovieTitle  string          `json:"movie_title"`
	TheatreName string          `json:"theatre_name"`
	ScreenName  string          `json:"screen_name"`
	StartsAt    time.Time       `json:"starts_at"`
	EndsAt      time.Time       `json:"ends_at"`
	Bookable    bool            `json:"bookable"`
	SeatPrice   int64           `json:"seat_price"`
	Sections    []PublicSection `json:"sections"`
}

// GetShow handles GET /v1/shows/:id.
func (h *PublicHandler) GetShow(c echo.Context) error {
	showID, ok := showIDParam(c)
	if !ok {
		return badRequest(c, "invalid show id")
	}
	s, err := h.Shows.GetByID(c.Request().Context(), showID)
	if errors.Is(err, repository.ErrShowNotFound) {
		return writeError(c, h.log, service.ErrShowNotFound)
	}
	if err != nil {
		return writeError(c, h.log, err)
	}

	resp := PublicShowDetail{
		ID:          s.ID,
		MovieTitle:  s.MovieTitle,
		TheatreName: s.TheatreName,
		ScreenName:  s.ScreenName,
		StartsAt:    s.StartsAt.UTC(),
		EndsAt:      s.EndsAt.UTC(),
		Bookable:    s.Bookable(h.now()),
		SeatPrice:   s.SeatPrice,
		Sections:    make([]PublicSection, 0, len(s.Layout.Sections)),
	}
	for _, sec := range s.Layout.Sections {
		price := sec.Price
		if price <= 0 {
			price = s.SeatPrice
		}
		resp.Sections = append(resp.Sections, PublicSection{
			Label:      sec.Label,
			Price:      price,
			Rows:       sec.Rows,
			LeftCount:  sec.LeftCount,
			RightCount: sec.RightCount,
		})
	}
	return c.JSON(http.StatusOK, resp)
}
