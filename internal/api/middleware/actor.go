package middleware

import (
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/welldanyogia/certbroker/internal/caller"
	apperrors "github.com/welldanyogia/certbroker/internal/errors"
	"github.com/welldanyogia/certbroker/internal/logger"
)

const (
	HeaderCallerKind = "X-Caller-Kind"
	HeaderUserID     = "X-User-ID"
)

// Actor attaches the acting party forwarded by the portal to the request
// context. Only user and admin callers are accepted over HTTP; the system
// actor is reserved for background work.
func Actor(audit *logger.AuditLogger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if isProbePath(c.Path()) {
				return next(c)
			}

			req := c.Request()
			kind := caller.Kind(req.Header.Get(HeaderCallerKind))
			if kind != caller.KindUser && kind != caller.KindAdmin {
				return deny(c, audit, "missing or invalid caller kind")
			}

			var userID uint64
			if raw := req.Header.Get(HeaderUserID); raw != "" {
				id, err := strconv.ParseUint(raw, 10, 64)
				if err != nil {
					return deny(c, audit, "invalid user id")
				}
				userID = id
			}
			if kind == caller.KindUser && userID == 0 {
				return deny(c, audit, "user id required")
			}

			ctx := caller.WithActor(req.Context(), caller.Actor{Kind: kind, UserID: uint(userID)})
			c.SetRequest(req.WithContext(ctx))
			c.Set("caller_kind", string(kind))
			return next(c)
		}
	}
}

// RequireAdmin rejects callers that are not operators.
func RequireAdmin() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if caller.FromContext(c.Request().Context()).Kind != caller.KindAdmin {
				return echo.NewHTTPError(403, map[string]string{
					"error": "admin caller required",
					"code":  apperrors.CodeForbidden,
				})
			}
			return next(c)
		}
	}
}
