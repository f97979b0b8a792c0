package middleware

import "github.com/labstack/echo/v4"

// Roles carried in the JWT "role" claim.
const (
    RolePassenger = "PASSENGER"
    RoleDriver    = "DRIVER"
    RoleAdmin     = "ADMIN"
)

// Context keys set by JWTAuth.
const (
    ctxOccupant = "occupant"
    ctxRole     = "role"
)

// Occupant returns the authenticated subject, the identity that holds
// seats.  It is "" for anonymous requests.
func Occupant(c echo.Context) string {
    s, _ := c.Get(ctxOccupant).(string)
    return s
}

// Role returns the authenticated role, or "".
func Role(c echo.Context) string {
    s, _ := c.Get(ctxRole).(string)
    return s
}

// subject is the identity used in rate limit keys.
func subject(c echo.Context) string {
    if s := Occupant(c); s != "" {
        return s
    }
    return "anon"
}
