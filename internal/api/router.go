// Package api wires the HTTP surface of the engine.
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/welldanyogia/certbroker/internal/api/handlers"
	"github.com/welldanyogia/certbroker/internal/api/middleware"
	"github.com/welldanyogia/certbroker/internal/api/response"
	"github.com/welldanyogia/certbroker/internal/logger"
)

// RouterConfig holds dependencies for the router
type RouterConfig struct {
	DB     *gorm.DB
	Logger zerolog.Logger
	Audit  *logger.AuditLogger

	Orders      handlers.OrderOperations
	Acme        handlers.AcmeOperations
	Delegations handlers.DelegationOperations
	Payments    handlers.PaymentOperations
	Worker      handlers.WorkerStatus

	// Security configuration
	APIKey         string   // empty disables authentication
	AllowedOrigins []string
	Production     bool
	// RateLimiter is shared so the caller can run its cleanup loop.
	RateLimiter *middleware.IPRateLimiter
	RateLimit   float64
	RateBurst   int
}

// NewRouter creates and configures the Echo router with all routes
func NewRouter(cfg *RouterConfig) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler

	if cfg.APIKey == "" {
		cfg.Logger.Warn().Msg("API_KEY not set - API is UNSECURED")
	}

	limiter := cfg.RateLimiter
	if limiter == nil {
		limiter = middleware.NewIPRateLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
	}

	// Order matters: recover first, log last so it sees final statuses.
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLogger(cfg.Logger))
	e.Use(middleware.SecureHeaders())
	e.Use(middleware.SecureCORS(cfg.AllowedOrigins, cfg.Production))
	e.Use(middleware.RateLimiter(limiter, cfg.Audit))

	healthHandler := handlers.NewHealthHandler(cfg.DB, cfg.Worker)
	orderHandler := handlers.NewOrderHandler(cfg.Orders)
	acmeHandler := handlers.NewAcmeHandler(cfg.Acme)
	delegationHandler := handlers.NewDelegationHandler(cfg.Delegations)
	paymentHandler := handlers.NewPaymentHandler(cfg.Payments)

	// Probe routes (no auth required)
	e.GET("/health", healthHandler.Health)
	e.GET("/ready", healthHandler.Ready)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api/v1")
	api.Use(middleware.APIKeyAuth(cfg.APIKey, cfg.Audit))
	api.Use(middleware.Actor(cfg.Audit))

	orders := api.Group("/orders")
	orders.POST("/init-params", orderHandler.InitParams)
	orders.POST("", orderHandler.Apply)
	orders.POST("/revoke-cancel", orderHandler.BatchRevokeCancel, middleware.RequireAdmin())
	orders.POST("/:id/charge", orderHandler.Charge)
	orders.POST("/:id/cancel", orderHandler.Cancel)
	orders.POST("/:id/revoke", orderHandler.Revoke)
	orders.PUT("/:id/dcv", orderHandler.UpdateDCV)

	payments := api.Group("/payments", middleware.RequireAdmin())
	payments.POST("/deposit", paymentHandler.Deposit)
	api.GET("/transactions", paymentHandler.History)

	acme := api.Group("/acme")
	acme.POST("/accounts", acmeHandler.CreateAccount)
	acme.POST("/accounts/bind", acmeHandler.BindAccount)
	acme.POST("/accounts/:account_id/orders", acmeHandler.CreateOrder)
	acme.GET("/accounts/:account_id/orders/:id", acmeHandler.GetOrder)
	acme.POST("/accounts/:account_id/orders/:id/finalize", acmeHandler.Finalize)
	acme.POST("/accounts/:account_id/authorizations/:id/respond", acmeHandler.RespondToChallenge)

	delegations := api.Group("/delegations")
	delegations.POST("", delegationHandler.Create)
	delegations.GET("/warnings", delegationHandler.Warnings)
	delegations.POST("/:id/check", delegationHandler.Check)

	return e
}

// errorHandler renders middleware and routing errors in the API's error
// shape.
func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	var writeErr error
	if he, ok := err.(*echo.HTTPError); ok {
		if body, ok := he.Message.(map[string]string); ok {
			writeErr = c.JSON(he.Code, response.ErrorResponse{Error: body["error"], Code: body["code"]})
		} else if he.Code == http.StatusNotFound {
			writeErr = response.NotFound(c, "route not found")
		} else {
			writeErr = c.JSON(he.Code, response.ErrorResponse{Error: http.StatusText(he.Code)})
		}
	} else {
		writeErr = response.Error(c, err)
	}
	if writeErr != nil {
		c.Logger().Error(writeErr)
	}
}
