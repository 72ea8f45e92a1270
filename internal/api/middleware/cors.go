package middleware

import (
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/samber/lo"
)

// SecureCORS returns CORS middleware for the configured origins.
// The wildcard origin is dropped when production is set.
func SecureCORS(origins []string, production bool) echo.MiddlewareFunc {
	cleaned := lo.Uniq(lo.FilterMap(origins, func(o string, _ int) (string, bool) {
		o = strings.TrimSpace(o)
		if o == "" || (production && o == "*") {
			return "", false
		}
		return o, true
	}))
	if len(cleaned) == 0 {
		cleaned = []string{"http://localhost:3000"}
	}

	return middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cleaned,
		AllowMethods: []string{echo.GET, echo.POST, echo.PUT, echo.PATCH, echo.DELETE, echo.OPTIONS},
		AllowHeaders: []string{
			echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization,
			HeaderCallerKind, HeaderUserID,
		},
		AllowCredentials: true,
		MaxAge:           300,
	})
}
