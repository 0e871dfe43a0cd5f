package auth

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/labresults/lims/internal/platform/apperr"
)

type contextKey string

const (
	PrincipalKey contextKey = "principal"
	ClaimsKey    contextKey = "login_claims"
)

// Permission is a capability flag stored on the user record.
type Permission string

const (
	PermManageUsers   Permission = "manage_users"
	PermCreateExams   Permission = "create_exams"
	PermEditExams     Permission = "edit_exams"
	PermDeleteExams   Permission = "delete_exams"
	PermValidateExams Permission = "validate_exams"
	PermSendResults   Permission = "send_results"
)

// Principal is the authenticated user attached to a request.
type Principal struct {
	UserID      int64
	Email       string
	IsAdmin     bool
	Permissions map[Permission]bool
}

// Has reports whether the principal holds perm. Admins hold every permission.
func (p *Principal) Has(perm Permission) bool {
	if p == nil {
		return false
	}
	return p.IsAdmin || p.Permissions[perm]
}

// PrincipalLoader resolves the current state of a user for each request so
// permission or status changes apply without waiting for token expiry.
type PrincipalLoader interface {
	LoadPrincipal(ctx context.Context, userID int64) (*Principal, error)
}

// LoginMiddleware authenticates "Authorization: Bearer <login token>" requests.
func LoginMiddleware(signer *Signer, revoked RevocationStore, loader PrincipalLoader) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
			if authHeader == "" {
				return apperr.Unauthorized("missing authorization header")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
				return apperr.Unauthorized("invalid authorization format")
			}

			claims, err := signer.Parse(strings.TrimSpace(parts[1]), PurposeLogin)
			if err != nil {
				return apperr.Wrap(apperr.KindUnauthorized, "invalid or expired token", err)
			}

			ctx := c.Request().Context()
			isRevoked, err := revoked.IsRevoked(ctx, claims.ID)
			if err != nil {
				return apperr.Server("check token revocation", err)
			}
			if isRevoked {
				return apperr.Unauthorized("token has been revoked")
			}

			userID, err := strconv.ParseInt(claims.Subject, 10, 64)
			if err != nil {
				return apperr.Wrap(apperr.KindUnauthorized, "invalid or expired token", err)
			}
			principal, err := loader.LoadPrincipal(ctx, userID)
			if err != nil {
				var ae *apperr.Error
				if errors.As(err, &ae) && ae.Kind != apperr.KindServer {
					return apperr.Wrap(apperr.KindUnauthorized, "user is not active", err)
				}
				return err
			}

			ctx = context.WithValue(ctx, PrincipalKey, principal)
			ctx = context.WithValue(ctx, ClaimsKey, claims)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("user_id", principal.UserID)

			return next(c)
		}
	}
}

func PrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(PrincipalKey).(*Principal)
	return p
}

func ClaimsFromContext(ctx context.Context) *Claims {
	cl, _ := ctx.Value(ClaimsKey).(*Claims)
	return cl
}

// WithPrincipal attaches p to ctx; used by tests and internal callers.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, PrincipalKey, p)
}
