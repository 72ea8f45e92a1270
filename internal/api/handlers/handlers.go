// Package handlers exposes the engine operations over HTTP.
package handlers

import (
	"context"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/welldanyogia/certbroker/internal/caller"
	apperrors "github.com/welldanyogia/certbroker/internal/errors"
	"github.com/welldanyogia/certbroker/internal/models"
	"github.com/welldanyogia/certbroker/internal/services"
)

// OrderOperations is the part of the order state machine served over HTTP.
type OrderOperations interface {
	InitParams(ctx context.Context, p services.ActionParams) (*services.ApplyInfo, error)
	Apply(ctx context.Context, p services.ActionParams) (*models.Cert, error)
	Charge(ctx context.Context, orderID uint) (*models.Transaction, error)
	Cancel(ctx context.Context, orderID uint) (*services.CancelResult, error)
	BatchRevokeCancel(ctx context.Context, orderIDs []uint) ([]uint, error)
	Revoke(ctx context.Context, orderID uint, reason string) (*models.Cert, error)
	UpdateDCV(ctx context.Context, orderID uint, method string) (*models.Cert, error)
}

// AcmeOperations is the ACME bridge as used by the ACME front end.
type AcmeOperations interface {
	CreateAccount(ctx context.Context, email string, productID uint) (*services.EABCredentials, error)
	BindAccount(ctx context.Context, kid, contact, thumbprint string) (*models.AcmeAccount, error)
	CreateOrder(ctx context.Context, accountID uint, identifiers []string) (*services.AcmeOrderView, error)
	RespondToChallenge(ctx context.Context, accountID, authzID uint) (*models.Authorization, error)
	FinalizeOrder(ctx context.Context, accountID, certID uint, csrPEM string) (*services.AcmeOrderView, error)
	GetOrder(ctx context.Context, accountID, certID uint) (*services.AcmeOrderView, error)
}

// DelegationOperations manages CNAME delegations.
type DelegationOperations interface {
	CreateOrGet(ctx context.Context, userID uint, zone, prefix string) (*models.CnameDelegation, error)
	CreateForDomain(ctx context.Context, userID uint, ca models.CA, domain string) (*models.CnameDelegation, error)
	Check(ctx context.Context, id uint) (*models.CnameDelegation, error)
	Warnings(ctx context.Context, userID uint) ([]string, error)
}

// PaymentOperations records confirmed payments and reads the ledger.
type PaymentOperations interface {
	Deposit(ctx context.Context, userID uint, reference string, amount decimal.Decimal) (*models.Transaction, error)
	History(ctx context.Context, userID uint, limit, offset int) ([]models.Transaction, int64, error)
}

// parseID reads a positive numeric path parameter.
func parseID(c echo.Context, name string) (uint, error) {
	return parseUint(c.Param(name), name)
}

func parseUint(raw, name string) (uint, error) {
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || id == 0 {
		return 0, apperrors.New(apperrors.ErrInvalidInput, "invalid %s", name)
	}
	return uint(id), nil
}

// subjectUser resolves whose resources a request acts on. Customers act on
// their own; operators must name the user.
func subjectUser(ctx context.Context, requested uint) (uint, error) {
	actor := caller.FromContext(ctx)
	if !actor.IsOperator() {
		if requested != 0 && requested != actor.UserID {
			return 0, apperrors.New(apperrors.ErrForbidden, "cannot act for user %d", requested)
		}
		return actor.UserID, nil
	}
	if requested == 0 {
		return 0, apperrors.New(apperrors.ErrInvalidInput, "user_id is required")
	}
	return requested, nil
}
