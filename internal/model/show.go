package model

import (
	"encoding/json"
	"time"
)

// Show represents one screening as supplied by the catalog.  The
// reservation core only reads shows; it never creates or edits them.
//
// Fields:
//  ID          – primary key identifier.
//  MovieID     – movie reference.
//  MovieTitle  – title used in notifications.
//  ScreenID    – screen reference (the screen carries the layout).
//  ScreenName  – screen label used in notifications.
//  TheatreName – theatre label used in notifications.
//  StartsAt    – absolute UTC instant the show begins.
//  EndsAt      – absolute UTC instant the show ends.
//  SeatPrice   – fallback price for seats whose section has no price.
//  Layout      – seat layout of the screen (may be empty).
type Show struct {
	ID          uint64    // shows.id
	MovieID     uint64    // shows.movie_id
	MovieTitle  string    // shows.movie_title
	ScreenID    uint64    // shows.screen_id
	ScreenName  string    // shows.screen_name
	TheatreName string    // shows.theatre_name
	StartsAt    time.Time // shows.starts_at
	EndsAt      time.Time // shows.ends_at
	SeatPrice   int64     // shows.seat_price
	Layout      Layout    // shows.layout
}

// Bookable reports whether seats for the show may still be reserved at
// the given instant.  Both sides are compared as UTC instants.
func (s Show) Bookable(now time.Time) bool {
	return now.UTC().Before(s.StartsAt.UTC())
}

// Layout is the seat layout of a screen: a set of named sections.
type Layout struct {
	Sections []Section `json:"sections"`
}

// Section is one priced block of rows.  Every row has LeftCount seats on
// the left of the aisle and RightCount on the right, numbered 1..N left
// to right.
type Section struct {
	Label      string   `json:"label"`
	Price      int64    `json:"price"`
	Rows       []string `json:"rows"`
	LeftCount  int      `json:"leftCount"`
	RightCount int      `json:"rightCount"`
}

// ParseLayout decodes the JSON layout column.  An empty or null column
// yields an empty layout.
func ParseLayout(raw []byte) (Layout, error) {
	var l Layout
	if len(raw) == 0 || string(raw) == "null" {
		return l, nil
	}
	if err := json.Unmarshal(raw, &l); err != nil {
		return Layout{}, err
	}
	return l, nil
}

// Section returns the section with the given label.
func (l Layout) Section(label string) (Section, bool) {
	for _, s := range l.Sections {
		if s.Label == label {
			return s, true
		}
	}
	return Section{}, false
}

// Contains reports whether the seat exists in the layout.  A layout with
// no sections accepts every well-formed seat id, since such shows are
// priced purely by the fallback price.
func (l Layout) Contains(id SeatID) bool {
	if len(l.Sections) == 0 {
		return true
	}
	sec, ok := l.Section(id.Section)
	if !ok {
		return false
	}
	rowFound := false
	for _, r := range sec.Rows {
		if r == id.Row {
			rowFound = true
			break
		}
	}
	if !rowFound {
		return false
	}
	return id.Number >= 1 && id.Number <= sec.LeftCount+sec.RightCount
}
