package auth

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// AdminVerifier confirms admin status against the store so that a demoted
// admin loses access before their token expires.
type AdminVerifier interface {
	IsAdmin(ctx context.Context, userID uuid.UUID) (bool, error)
}

// RequireAdmin rejects callers whose token does not carry is_admin. When
// verifier is non-nil the claim is re-checked against the store.
func RequireAdmin(verifier AdminVerifier) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			claims := ClaimsFromContext(ctx)
			if claims == nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}
			if !claims.IsAdmin {
				return echo.NewHTTPError(http.StatusForbidden, "admin privileges required")
			}
			if verifier != nil {
				ok, err := verifier.IsAdmin(ctx, UserIDFromContext(ctx))
				if err != nil {
					return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
				}
				if !ok {
					return echo.NewHTTPError(http.StatusForbidden, "admin privileges required")
				}
			}
			return next(c)
		}
	}
}

// AuthorizedVerifier confirms against the store that an account is still
// approved, so a denial takes effect before the caller's token expires.
type AuthorizedVerifier interface {
	IsAuthorized(ctx context.Context, userID uuid.UUID) (bool, error)
}

// RequireAuthorized rejects accounts that have not been approved. When
// verifier is non-nil the claim is re-checked against the store.
func RequireAuthorized(verifier AuthorizedVerifier) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			claims := ClaimsFromContext(ctx)
			if claims == nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}
			if !claims.Authorized {
				return echo.NewHTTPError(http.StatusForbidden, "account pending approval")
			}
			if verifier != nil {
				ok, err := verifier.IsAuthorized(ctx, UserIDFromContext(ctx))
				if err != nil {
					return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
				}
				if !ok {
					return echo.NewHTTPError(http.StatusForbidden, "account is no longer authorized")
				}
			}
			return next(c)
		}
	}
}

// RequireAccountType checks the caller's account type. Admins pass regardless.
func RequireAccountType(types ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			claims := ClaimsFromContext(c.Request().Context())
			if claims == nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}
			if claims.IsAdmin || slices.Contains(types, claims.AccountType) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required account type: %s", strings.Join(types, " or ")))
		}
	}
}
