package handlers

import (
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/welldanyogia/certbroker/internal/api/response"
	"github.com/welldanyogia/certbroker/internal/models"
	"github.com/welldanyogia/certbroker/internal/services"
)

// OrderHandler handles order action HTTP requests
type OrderHandler struct {
	orders OrderOperations
}

// NewOrderHandler creates a new OrderHandler
func NewOrderHandler(orders OrderOperations) *OrderHandler {
	return &OrderHandler{orders: orders}
}

// InitParamsResponse is the priced preview of an action request.
type InitParamsResponse struct {
	Action       string          `json:"action"`
	UserID       uint            `json:"user_id"`
	ProductID    uint            `json:"product_id"`
	OrderID      uint            `json:"order_id,omitempty"`
	Period       int             `json:"period"`
	Domains      []string        `json:"domains"`
	Method       string          `json:"method"`
	Standard     int             `json:"standard_count"`
	Wildcard     int             `json:"wildcard_count"`
	BillStandard int             `json:"bill_standard"`
	BillWildcard int             `json:"bill_wildcard"`
	Amount       decimal.Decimal `json:"amount"`
}

// RevokeRequest represents the request body for revoking a certificate
type RevokeRequest struct {
	Reason string `json:"reason"`
}

// UpdateDCVRequest represents the request body for switching DCV method
type UpdateDCVRequest struct {
	Method string `json:"method"`
}

// BatchRevokeCancelRequest lists the orders whose cancellation is withdrawn
type BatchRevokeCancelRequest struct {
	OrderIDs []uint `json:"order_ids"`
}

// InitParams handles POST /api/v1/orders/init-params
func (h *OrderHandler) InitParams(c echo.Context) error {
	var req services.ActionParams
	if err := c.Bind(&req); err != nil {
		return response.BadRequest(c, "invalid request body")
	}

	info, err := h.orders.InitParams(c.Request().Context(), req)
	if err != nil {
		return response.Error(c, err)
	}

	resp := InitParamsResponse{
		Action:  info.Action,
		UserID:  info.UserID,
		Period:  info.Period,
		Domains: info.Domains,
		Method:  info.Method,
		Amount:  info.Amount,
	}
	if info.Product != nil {
		resp.ProductID = info.Product.ID
	}
	if info.Order != nil {
		resp.OrderID = info.Order.ID
	}
	if info.Plan != nil {
		resp.Standard = info.Plan.Standard
		resp.Wildcard = info.Plan.Wildcard
		resp.BillStandard = info.Plan.BillStandard
		resp.BillWildcard = info.Plan.BillWildcard
	}
	return response.Success(c, resp)
}

// Apply handles POST /api/v1/orders
func (h *OrderHandler) Apply(c echo.Context) error {
	var req services.ActionParams
	if err := c.Bind(&req); err != nil {
		return response.BadRequest(c, "invalid request body")
	}

	cert, err := h.orders.Apply(c.Request().Context(), req)
	if err != nil {
		return response.Error(c, err)
	}
	return response.Created(c, cert)
}

// Charge handles POST /api/v1/orders/:id/charge
func (h *OrderHandler) Charge(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return response.Error(c, err)
	}

	txn, err := h.orders.Charge(c.Request().Context(), id)
	if err != nil {
		return response.Error(c, err)
	}
	return response.Success(c, txn)
}

// Cancel handles POST /api/v1/orders/:id/cancel
// A certificate already at the CA answers 202 while the cancel task runs.
func (h *OrderHandler) Cancel(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return response.Error(c, err)
	}

	result, err := h.orders.Cancel(c.Request().Context(), id)
	if err != nil {
		return response.Error(c, err)
	}
	if result.Status == models.CertStatusCancelling {
		return response.Accepted(c, result)
	}
	return response.Success(c, result)
}

// BatchRevokeCancel handles POST /api/v1/orders/revoke-cancel
func (h *OrderHandler) BatchRevokeCancel(c echo.Context) error {
	var req BatchRevokeCancelRequest
	if err := c.Bind(&req); err != nil {
		return response.BadRequest(c, "invalid request body")
	}
	if len(req.OrderIDs) == 0 {
		return response.BadRequest(c, "order_ids is required")
	}

	restored, err := h.orders.BatchRevokeCancel(c.Request().Context(), req.OrderIDs)
	if err != nil {
		return response.Error(c, err)
	}
	return response.Success(c, map[string][]uint{"restored": restored})
}

// Revoke handles POST /api/v1/orders/:id/revoke
func (h *OrderHandler) Revoke(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return response.Error(c, err)
	}
	var req RevokeRequest
	if err := c.Bind(&req); err != nil {
		return response.BadRequest(c, "invalid request body")
	}

	cert, err := h.orders.Revoke(c.Request().Context(), id, req.Reason)
	if err != nil {
		return response.Error(c, err)
	}
	return response.Success(c, cert)
}

// UpdateDCV handles PUT /api/v1/orders/:id/dcv
func (h *OrderHandler) UpdateDCV(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return response.Error(c, err)
	}
	var req UpdateDCVRequest
	if err := c.Bind(&req); err != nil {
		return response.BadRequest(c, "invalid request body")
	}
	if req.Method == "" {
		return response.BadRequest(c, "method is required")
	}

	cert, err := h.orders.UpdateDCV(c.Request().Context(), id, req.Method)
	if err != nil {
		return response.Error(c, err)
	}
	return response.Success(c, cert)
}
