package handlers

import (
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/welldanyogia/certbroker/internal/api/response"
	"github.com/welldanyogia/certbroker/internal/validator"
)

// PaymentHandler records payment confirmations relayed by the gateway
// integration.
type PaymentHandler struct {
	payments PaymentOperations
}

// NewPaymentHandler creates a new PaymentHandler
func NewPaymentHandler(payments PaymentOperations) *PaymentHandler {
	return &PaymentHandler{payments: payments}
}

// DepositRequest is a confirmed payment
type DepositRequest struct {
	UserID    uint            `json:"user_id"`
	Reference string          `json:"reference"`
	Amount    decimal.Decimal `json:"amount"`
}

// Deposit handles POST /api/v1/payments/deposit
// Redelivering the same reference returns the original entry.
func (h *PaymentHandler) Deposit(c echo.Context) error {
	var req DepositRequest
	if err := c.Bind(&req); err != nil {
		return response.BadRequest(c, "invalid request body")
	}
	if req.UserID == 0 {
		return response.BadRequest(c, "user_id is required")
	}

	txn, err := h.payments.Deposit(c.Request().Context(), req.UserID, req.Reference, req.Amount)
	if err != nil {
		return response.Error(c, err)
	}
	return response.Success(c, txn)
}

// History handles GET /api/v1/transactions
func (h *PaymentHandler) History(c echo.Context) error {
	ctx := c.Request().Context()

	var requested uint
	if raw := c.QueryParam("user_id"); raw != "" {
		id, err := parseUint(raw, "user_id")
		if err != nil {
			return response.Error(c, err)
		}
		requested = id
	}
	userID, err := subjectUser(ctx, requested)
	if err != nil {
		return response.Error(c, err)
	}

	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	limit, offset = validator.ValidatePagination(limit, offset)

	txns, total, err := h.payments.History(ctx, userID, limit, offset)
	if err != nil {
		return response.Error(c, err)
	}
	return response.Paginated(c, txns, total, limit, offset)
}
