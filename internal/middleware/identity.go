package middleware

// identity.go holds the helpers that read the authenticated user from the
// Echo context.  JWTAuth stores the subject as a uint64 under CtxUserID.

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

// UserID returns the authenticated user's id.  ok is false on
// unauthenticated requests.
func UserID(c echo.Context) (uint64, bool) {
	id, ok := c.Get(CtxUserID).(uint64)
	return id, ok && id > 0
}

// userKey renders the user for rate limit and cache keys.  Anonymous
// requests share the "anon" bucket.
func userKey(c echo.Context) string {
	if id, ok := UserID(c); ok {
		return strconv.FormatUint(id, 10)
	}
	return "anon"
}
