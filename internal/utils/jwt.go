package utils // package utils provides helpers for the bearer tokens issued by the auth service

import (
	"errors"  // errors defines the sentinel returned for rejected tokens
	"fmt"     // fmt formats claim errors
	"strconv" // strconv parses string subjects
	"time"    // time utilities for generating expirations

	"github.com/golang-jwt/jwt/v5" // JWT library for signing and verifying tokens
)

// RoleCustomer is the role allowed to book seats.
const RoleCustomer = "CUSTOMER"

// ErrInvalidToken is returned for tokens that fail verification or carry
// unusable claims.
var ErrInvalidToken = errors.New("invalid token")

// AccessToken represents a signed JWT access token along with its expiry.
// The Token field contains the JWT string.  Exp stores the expiration
// timestamp as a time.Time.
type AccessToken struct {
	Token string    // the serialized JWT string
	Exp   time.Time // the UTC expiration time
}

// Claims are the parts of an access token this service relies on.
type Claims struct {
	UserID uint64 // subject (sub)
	Role   string // role claim
}

// NewAccessToken builds and signs an HS256 JWT for a user with the same
// claims the auth service issues: subject (sub), role, expiration (exp)
// and issued at (iat).
func NewAccessToken(secret string, userID uint64, role string, ttl time.Duration) (AccessToken, error) {
	now := time.Now().UTC()
	exp := now.Add(ttl)
	claims := jwt.MapClaims{
		"sub":  userID,
		"role": role,
		"exp":  exp.Unix(),
		"iat":  now.Unix(),
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := t.SignedString([]byte(secret))
	if err != nil {
		return AccessToken{}, err
	}
	return AccessToken{Token: signed, Exp: exp}, nil
}

// ParseAccessToken verifies an HS256 token and extracts its claims.  The
// subject may be encoded as a JSON number or a decimal string.
func ParseAccessToken(secret, raw string) (Claims, error) {
	tok, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		// Reject anything but HMAC so a token cannot pick its own algorithm.
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil || !tok.Valid {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	mc, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, fmt.Errorf("%w: unexpected claims type", ErrInvalidToken)
	}

	var id uint64
	switch sub := mc["sub"].(type) {
	case float64:
		if sub < 1 || sub != float64(uint64(sub)) {
			return Claims{}, fmt.Errorf("%w: bad subject %v", ErrInvalidToken, sub)
		}
		id = uint64(sub)
	case string:
		n, err := strconv.ParseUint(sub, 10, 64)
		if err != nil || n == 0 {
			return Claims{}, fmt.Errorf("%w: bad subject %q", ErrInvalidToken, sub)
		}
		id = n
	default:
		return Claims{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	role, _ := mc["role"].(string)
	return Claims{UserID: id, Role: role}, nil
}
