package auth

import (
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/labresults/lims/internal/platform/apperr"
)

// RequirePermission returns middleware that checks the principal holds at
// least one of perms.
func RequirePermission(perms ...Permission) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p := PrincipalFromContext(c.Request().Context())
			if p == nil {
				return apperr.Unauthorized("authentication required")
			}
			for _, perm := range perms {
				if p.Has(perm) {
					return next(c)
				}
			}
			names := make([]string, len(perms))
			for i, perm := range perms {
				names[i] = string(perm)
			}
			return apperr.Forbidden("missing permission: " + strings.Join(names, " or "))
		}
	}
}

// RequireAdmin restricts a route to administrators.
func RequireAdmin() echo.MiddlewareFunc {
	return RequirePermission(PermManageUsers)
}
