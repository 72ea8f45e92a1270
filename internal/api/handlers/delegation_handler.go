package handlers

import (
	"github.com/labstack/echo/v4"

	"github.com/welldanyogia/certbroker/internal/api/response"
	"github.com/welldanyogia/certbroker/internal/models"
)

// DelegationHandler handles CNAME delegation HTTP requests
type DelegationHandler struct {
	delegations DelegationOperations
}

// NewDelegationHandler creates a new DelegationHandler
func NewDelegationHandler(delegations DelegationOperations) *DelegationHandler {
	return &DelegationHandler{delegations: delegations}
}

// CreateDelegationRequest names either a zone and prefix, or a domain and
// the CA whose rules pick the zone and prefix.
type CreateDelegationRequest struct {
	UserID uint   `json:"user_id"`
	Zone   string `json:"zone"`
	Prefix string `json:"prefix"`
	Domain string `json:"domain"`
	CA     string `json:"ca"`
}

// Create handles POST /api/v1/delegations
func (h *DelegationHandler) Create(c echo.Context) error {
	var req CreateDelegationRequest
	if err := c.Bind(&req); err != nil {
		return response.BadRequest(c, "invalid request body")
	}
	ctx := c.Request().Context()
	userID, err := subjectUser(ctx, req.UserID)
	if err != nil {
		return response.Error(c, err)
	}

	var d *models.CnameDelegation
	switch {
	case req.Domain != "" && req.CA != "":
		d, err = h.delegations.CreateForDomain(ctx, userID, models.CA(req.CA), req.Domain)
	case req.Zone != "" && req.Prefix != "":
		d, err = h.delegations.CreateOrGet(ctx, userID, req.Zone, req.Prefix)
	default:
		return response.BadRequest(c, "either zone and prefix or domain and ca are required")
	}
	if err != nil {
		return response.Error(c, err)
	}
	return response.Success(c, d)
}

// Check handles POST /api/v1/delegations/:id/check
func (h *DelegationHandler) Check(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return response.Error(c, err)
	}

	d, err := h.delegations.Check(c.Request().Context(), id)
	if err != nil {
		return response.Error(c, err)
	}
	return response.Success(c, d)
}

// Warnings handles GET /api/v1/delegations/warnings
func (h *DelegationHandler) Warnings(c echo.Context) error {
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

	warnings, err := h.delegations.Warnings(ctx, userID)
	if err != nil {
		return response.Error(c, err)
	}
	if warnings == nil {
		warnings = []string{}
	}
	return response.Success(c, warnings)
}
