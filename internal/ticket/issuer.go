// Package ticket issues the artifact handed to a customer once a booking
// is confirmed: a short verification code bound to the booking id and a
// QR image of the ticket URL.
package ticket

import (
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/skip2/go-qrcode"
	"golang.org/x/crypto/blake2b"
)

// QRSize is the edge of the generated PNG in pixels.
const QRSize = 220

// codeBytes is how much of the MAC ends up in the code.
const codeBytes = 10

// Ticket is an issued ticket.
type Ticket struct {
	BookingID string
	Code      string
	URL       string
	PNG       []byte
}

// Issuer signs booking ids with a secret key.
type Issuer struct {
	key     []byte
	baseURL string
}

// NewIssuer returns an issuer.  The secret keys the BLAKE2b MAC and must be
// at most 64 bytes; baseURL is the frontend origin tickets link to.
func NewIssuer(secret, baseURL string) (*Issuer, error) {
	if secret == "" {
		return nil, errors.New("ticket secret is required")
	}
	if len(secret) > blake2b.Size {
		return nil, fmt.Errorf("ticket secret longer than %d bytes", blake2b.Size)
	}
	return &Issuer{key: []byte(secret), baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Code returns the verification code of a booking.
func (i *Issuer) Code(bookingID string) string {
	h, err := blake2b.New256(i.key)
	if err != nil {
		// Only reachable with an oversized key, which NewIssuer rejects.
		panic(err)
	}
	h.Write([]byte(bookingID))
	return strings.ToUpper(hex.EncodeToString(h.Sum(nil)[:codeBytes]))
}

// Verify reports whether code belongs to bookingID.
func (i *Issuer) Verify(bookingID, code string) bool {
	want := i.Code(bookingID)
	return subtle.ConstantTimeCompare([]byte(want), []byte(strings.ToUpper(code))) == 1
}

// URL returns the ticket page of a booking.
func (i *Issuer) URL(bookingID string) string {
	return i.baseURL + "/tickets/" + url.PathEscape(bookingID) + "?code=" + i.Code(bookingID)
}

// Issue builds the ticket of a confirmed booking.
func (i *Issuer) Issue(bookingID string) (Ticket, error) {
	u := i.URL(bookingID)
	png, err := qrcode.Encode(u, qrcode.Medium, QRSize)
	if err != nil {
		return Ticket{}, fmt.Errorf("encode ticket qr: %w", err)
	}
	return Ticket{BookingID: bookingID, Code: i.Code(bookingID), URL: u, PNG: png}, nil
}
