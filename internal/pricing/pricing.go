// Package pricing computes booking totals from a screen layout.  All
// amounts are integers in major currency units; the same function is used
// to quote a booking and to verify what the gateway collected, so it must
// stay deterministic.
package pricing

import "github.com/iliyamo/showtime-booking/internal/model"

// MinorPerMajor is the number of minor currency units in one major unit.
const MinorPerMajor = 100

// Price returns the total for the given seats.  Each seat is charged the
// price of its section when that section exists with a positive price,
// otherwise the fallback price.  A missing layout or an empty seat list
// costs 0.
func Price(layout *model.Layout, seats []string, fallback int64) int64 {
	if layout == nil || len(seats) == 0 {
		return 0
	}
	var total int64
	for _, seat := range seats {
		price := fallback
		if sec, ok := layout.Section(model.SectionOf(seat)); ok && sec.Price > 0 {
			price = sec.Price
		}
		total += price
	}
	return total
}

// MinorUnits converts a major-unit amount to what the gateway expects.
func MinorUnits(amount int64) int64 { return amount * MinorPerMajor }
