package model

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// SeatDelimiter separates the section label from the row/number part of a
// seat identifier.
const SeatDelimiter = "_"

// seatIDPattern is the canonical seat identifier: SECTION_ROWNUMBER, e.g.
// GOLD_A3 or SILVER_AA12.  Section labels may contain digits after the
// first letter; rows are letters only; numbers start at 1.
var seatIDPattern = regexp.MustCompile(`^([A-Z][A-Z0-9]*)_([A-Z]+)([1-9][0-9]*)$`)

// ErrInvalidSeatID is returned when a seat identifier is not canonical.
var ErrInvalidSeatID = errors.New("invalid seat id")

// SeatID is a parsed seat identifier.
type SeatID struct {
	Section string
	Row     string
	Number  int
}

// String renders the canonical form.
func (s SeatID) String() string {
	return s.Section + SeatDelimiter + s.Row + strconv.Itoa(s.Number)
}

// ParseSeatID parses a canonical seat identifier.  Input is not
// normalized: "gold_a1" is rejected rather than upper-cased so that the
// same seat can never be stored under two spellings.
func ParseSeatID(raw string) (SeatID, error) {
	m := seatIDPattern.FindStringSubmatch(raw)
	if m == nil {
		return SeatID{}, fmt.Errorf("%w: %q", ErrInvalidSeatID, raw)
	}
	n, err := strconv.Atoi(m[3])
	if err != nil {
		return SeatID{}, fmt.Errorf("%w: %q", ErrInvalidSeatID, raw)
	}
	return SeatID{Section: m[1], Row: m[2], Number: n}, nil
}

// ValidSeatID reports whether raw is a canonical seat identifier.
func ValidSeatID(raw string) bool {
	return seatIDPattern.MatchString(raw)
}

// SectionOf returns the section label of a seat identifier, i.e. the part
// before the first delimiter.  Identifiers without a delimiter yield "".
func SectionOf(seat string) string {
	i := strings.Index(seat, SeatDelimiter)
	if i <= 0 {
		return ""
	}
	return seat[:i]
}

// UniqueSeats removes duplicates while preserving request order.
func UniqueSeats(seats []string) []string {
	out := make([]string, 0, len(seats))
	seen := make(map[string]struct{}, len(seats))
	for _, s := range seats {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// SameSeatSet reports whether a and b contain the same seats regardless of
// order.  Both inputs are expected to be duplicate free.
func SameSeatSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, s := range a {
		set[s] = struct{}{}
	}
	for _, s := range b {
		if _, ok := set[s]; !ok {
			return false
		}
	}
	return true
}
