package handlers

import (
	"github.com/labstack/echo/v4"

	"github.com/welldanyogia/certbroker/internal/api/response"
	"github.com/welldanyogia/certbroker/internal/models"
)

// AcmeHandler serves the ACME bridge to the ACME protocol front end. The
// front end authenticates JWS requests and passes local account ids.
type AcmeHandler struct {
	bridge AcmeOperations
}

// NewAcmeHandler creates a new AcmeHandler
func NewAcmeHandler(bridge AcmeOperations) *AcmeHandler {
	return &AcmeHandler{bridge: bridge}
}

// CreateAccountRequest asks for EAB credentials of an ACME product
type CreateAccountRequest struct {
	Email     string `json:"email"`
	ProductID uint   `json:"product_id"`
}

// BindAccountRequest binds an ACME account key to EAB credentials
type BindAccountRequest struct {
	KeyID      string `json:"eab_kid"`
	Contact    string `json:"contact"`
	Thumbprint string `json:"thumbprint"`
}

// CreateOrderRequest opens an ACME order
type CreateOrderRequest struct {
	Identifiers []string `json:"identifiers"`
}

// FinalizeRequest carries the order CSR
type FinalizeRequest struct {
	CSR string `json:"csr"`
}

// AccountResponse is a bound ACME account
type AccountResponse struct {
	ID      uint   `json:"id"`
	Status  string `json:"status"`
	Contact string `json:"contact,omitempty"`
	OrderID uint   `json:"order_id"`
}

// CreateAccount handles POST /api/v1/acme/accounts
func (h *AcmeHandler) CreateAccount(c echo.Context) error {
	var req CreateAccountRequest
	if err := c.Bind(&req); err != nil {
		return response.BadRequest(c, "invalid request body")
	}
	if req.ProductID == 0 {
		return response.BadRequest(c, "product_id is required")
	}

	creds, err := h.bridge.CreateAccount(c.Request().Context(), req.Email, req.ProductID)
	if err != nil {
		return response.Error(c, err)
	}
	if creds.Created {
		return response.Created(c, creds)
	}
	return response.Success(c, creds)
}

// BindAccount handles POST /api/v1/acme/accounts/bind
func (h *AcmeHandler) BindAccount(c echo.Context) error {
	var req BindAccountRequest
	if err := c.Bind(&req); err != nil {
		return response.BadRequest(c, "invalid request body")
	}

	account, err := h.bridge.BindAccount(c.Request().Context(), req.KeyID, req.Contact, req.Thumbprint)
	if err != nil {
		return response.Error(c, err)
	}
	return response.Success(c, accountResponse(account))
}

// CreateOrder handles POST /api/v1/acme/accounts/:account_id/orders
func (h *AcmeHandler) CreateOrder(c echo.Context) error {
	accountID, err := parseID(c, "account_id")
	if err != nil {
		return response.Error(c, err)
	}
	var req CreateOrderRequest
	if err := c.Bind(&req); err != nil {
		return response.BadRequest(c, "invalid request body")
	}
	if len(req.Identifiers) == 0 {
		return response.BadRequest(c, "identifiers is required")
	}

	view, err := h.bridge.CreateOrder(c.Request().Context(), accountID, req.Identifiers)
	if err != nil {
		return response.Error(c, err)
	}
	return response.Created(c, view)
}

// GetOrder handles GET /api/v1/acme/accounts/:account_id/orders/:id
func (h *AcmeHandler) GetOrder(c echo.Context) error {
	accountID, err := parseID(c, "account_id")
	if err != nil {
		return response.Error(c, err)
	}
	certID, err := parseID(c, "id")
	if err != nil {
		return response.Error(c, err)
	}

	view, err := h.bridge.GetOrder(c.Request().Context(), accountID, certID)
	if err != nil {
		return response.Error(c, err)
	}
	return response.Success(c, view)
}

// Finalize handles POST /api/v1/acme/accounts/:account_id/orders/:id/finalize
func (h *AcmeHandler) Finalize(c echo.Context) error {
	accountID, err := parseID(c, "account_id")
	if err != nil {
		return response.Error(c, err)
	}
	certID, err := parseID(c, "id")
	if err != nil {
		return response.Error(c, err)
	}
	var req FinalizeRequest
	if err := c.Bind(&req); err != nil {
		return response.BadRequest(c, "invalid request body")
	}
	if req.CSR == "" {
		return response.BadRequest(c, "csr is required")
	}

	view, err := h.bridge.FinalizeOrder(c.Request().Context(), accountID, certID, req.CSR)
	if err != nil {
		return response.Error(c, err)
	}
	return response.Success(c, view)
}

// RespondToChallenge handles POST /api/v1/acme/accounts/:account_id/authorizations/:id/respond
func (h *AcmeHandler) RespondToChallenge(c echo.Context) error {
	accountID, err := parseID(c, "account_id")
	if err != nil {
		return response.Error(c, err)
	}
	authzID, err := parseID(c, "id")
	if err != nil {
		return response.Error(c, err)
	}

	authz, err := h.bridge.RespondToChallenge(c.Request().Context(), accountID, authzID)
	if err != nil {
		return response.Error(c, err)
	}
	return response.Success(c, authz)
}

func accountResponse(a *models.AcmeAccount) AccountResponse {
	return AccountResponse{
		ID:      a.ID,
		Status:  a.Status,
		Contact: a.Contact,
		OrderID: a.OrderID,
	}
}
