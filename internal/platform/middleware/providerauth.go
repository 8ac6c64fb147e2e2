package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type contextKey string

// ProviderKey is the request-context key holding the authenticated
// provider identity.
const ProviderKey contextKey = "provider_id"

// ProviderClaims are the claims carried by tokens issued to messaging
// providers for authenticating status callbacks and admin calls.
type ProviderClaims struct {
	jwt.RegisteredClaims
	Channel string `json:"channel"`
}

// ProviderAuth returns middleware that verifies an HS256 bearer token
// signed with the shared provider secret. An empty secret disables
// verification entirely, which is only acceptable in development where
// callbacks are driven by local mock senders.
func ProviderAuth(secret []byte) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if len(secret) == 0 {
				return next(c)
			}

			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims := &ProviderClaims{}
			token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (interface{}, error) {
				return secret, nil
			}, jwt.WithValidMethods([]string{"HS256"}))
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			c.Set(string(ProviderKey), claims.Subject)

			ctx := context.WithValue(c.Request().Context(), ProviderKey, claims.Subject)
			c.SetRequest(c.Request().WithContext(ctx))

			return next(c)
		}
	}
}

// ProviderFromContext returns the authenticated provider subject, or an
// empty string when the request was not authenticated.
func ProviderFromContext(ctx context.Context) string {
	p, _ := ctx.Value(ProviderKey).(string)
	return p
}
