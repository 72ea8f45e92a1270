// Package middleware provides HTTP middleware for the certbroker API.
package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/labstack/echo/v4"

	apperrors "github.com/welldanyogia/certbroker/internal/errors"
	"github.com/welldanyogia/certbroker/internal/logger"
)

// APIKeyAuth validates the API key carried as a Bearer token.
// An empty apiKey disables the check (development mode).
func APIKeyAuth(apiKey string, audit *logger.AuditLogger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if isProbePath(c.Path()) || apiKey == "" {
				return next(c)
			}

			authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
			if authHeader == "" {
				return deny(c, audit, "missing authorization header")
			}

			token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))

			// Use constant-time comparison to prevent timing attacks
			if subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1 {
				return deny(c, audit, "invalid API key")
			}

			return next(c)
		}
	}
}

func deny(c echo.Context, audit *logger.AuditLogger, reason string) error {
	if audit != nil {
		audit.AuthFailure(c.RealIP(), c.Path(), reason)
	}
	return echo.NewHTTPError(401, map[string]string{
		"error": reason,
		"code":  apperrors.CodeUnauthorized,
	})
}

func isProbePath(path string) bool {
	return strings.HasPrefix(path, "/health") ||
		strings.HasPrefix(path, "/ready") ||
		strings.HasPrefix(path, "/metrics")
}
