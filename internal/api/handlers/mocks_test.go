package handlers

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"

	"github.com/welldanyogia/certbroker/internal/api/response"
	"github.com/welldanyogia/certbroker/internal/models"
	"github.com/welldanyogia/certbroker/internal/services"
)

// MockOrderOperations is a mock implementation of OrderOperations
type MockOrderOperations struct {
	mock.Mock
}

func (m *MockOrderOperations) InitParams(ctx context.Context, p services.ActionParams) (*services.ApplyInfo, error) {
	args := m.Called(ctx, p)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*services.ApplyInfo), args.Error(1)
}

func (m *MockOrderOperations) Apply(ctx context.Context, p services.ActionParams) (*models.Cert, error) {
	args := m.Called(ctx, p)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Cert), args.Error(1)
}

func (m *MockOrderOperations) Charge(ctx context.Context, orderID uint) (*models.Transaction, error) {
	args := m.Called(ctx, orderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Transaction), args.Error(1)
}

func (m *MockOrderOperations) Cancel(ctx context.Context, orderID uint) (*services.CancelResult, error) {
	args := m.Called(ctx, orderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*services.CancelResult), args.Error(1)
}

func (m *MockOrderOperations) BatchRevokeCancel(ctx context.Context, orderIDs []uint) ([]uint, error) {
	args := m.Called(ctx, orderIDs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]uint), args.Error(1)
}

func (m *MockOrderOperations) Revoke(ctx context.Context, orderID uint, reason string) (*models.Cert, error) {
	args := m.Called(ctx, orderID, reason)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Cert), args.Error(1)
}

func (m *MockOrderOperations) UpdateDCV(ctx context.Context, orderID uint, method string) (*models.Cert, error) {
	args := m.Called(ctx, orderID, method)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Cert), args.Error(1)
}

// MockAcmeOperations is a mock implementation of AcmeOperations
type MockAcmeOperations struct {
	mock.Mock
}

func (m *MockAcmeOperations) CreateAccount(ctx context.Context, email string, productID uint) (*services.EABCredentials, error) {
	args := m.Called(ctx, email, productID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*services.EABCredentials), args.Error(1)
}

func (m *MockAcmeOperations) BindAccount(ctx context.Context, kid, contact, thumbprint string) (*models.AcmeAccount, error) {
	args := m.Called(ctx, kid, contact, thumbprint)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.AcmeAccount), args.Error(1)
}

func (m *MockAcmeOperations) CreateOrder(ctx context.Context, accountID uint, identifiers []string) (*services.AcmeOrderView, error) {
	args := m.Called(ctx, accountID, identifiers)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*services.AcmeOrderView), args.Error(1)
}

func (m *MockAcmeOperations) RespondToChallenge(ctx context.Context, accountID, authzID uint) (*models.Authorization, error) {
	args := m.Called(ctx, accountID, authzID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Authorization), args.Error(1)
}

func (m *MockAcmeOperations) FinalizeOrder(ctx context.Context, accountID, certID uint, csrPEM string) (*services.AcmeOrderView, error) {
	args := m.Called(ctx, accountID, certID, csrPEM)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*services.AcmeOrderView), args.Error(1)
}

func (m *MockAcmeOperations) GetOrder(ctx context.Context, accountID, certID uint) (*services.AcmeOrderView, error) {
	args := m.Called(ctx, accountID, certID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*services.AcmeOrderView), args.Error(1)
}

// MockDelegationOperations is a mock implementation of DelegationOperations
type MockDelegationOperations struct {
	mock.Mock
}

func (m *MockDelegationOperations) CreateOrGet(ctx context.Context, userID uint, zone, prefix string) (*models.CnameDelegation, error) {
	args := m.Called(ctx, userID, zone, prefix)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.CnameDelegation), args.Error(1)
}

func (m *MockDelegationOperations) CreateForDomain(ctx context.Context, userID uint, ca models.CA, domain string) (*models.CnameDelegation, error) {
	args := m.Called(ctx, userID, ca, domain)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.CnameDelegation), args.Error(1)
}

func (m *MockDelegationOperations) Check(ctx context.Context, id uint) (*models.CnameDelegation, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.CnameDelegation), args.Error(1)
}

func (m *MockDelegationOperations) Warnings(ctx context.Context, userID uint) ([]string, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

// MockPaymentOperations is a mock implementation of PaymentOperations
type MockPaymentOperations struct {
	mock.Mock
}

func (m *MockPaymentOperations) Deposit(ctx context.Context, userID uint, reference string, amount decimal.Decimal) (*models.Transaction, error) {
	args := m.Called(ctx, userID, reference, amount)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Transaction), args.Error(1)
}

func (m *MockPaymentOperations) History(ctx context.Context, userID uint, limit, offset int) ([]models.Transaction, int64, error) {
	args := m.Called(ctx, userID, limit, offset)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).([]models.Transaction), args.Get(1).(int64), args.Error(2)
}

// newContext builds a request context for ctx with optional path params
// given as name, value pairs.
func newContext(ctx context.Context, method, path, body string, params ...string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(method, path, strings.NewReader(body)).WithContext(ctx)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(req, rec)
	var names, values []string
	for i := 0; i+1 < len(params); i += 2 {
		names = append(names, params[i])
		values = append(values, params[i+1])
	}
	c.SetParamNames(names...)
	c.SetParamValues(values...)
	return c, rec
}

// parseAPIResponse parses the API response from the recorder
func parseAPIResponse(rec *httptest.ResponseRecorder) (*response.APIResponse, error) {
	var resp response.APIResponse
	err := json.Unmarshal(rec.Body.Bytes(), &resp)
	return &resp, err
}

// parseErrorResponse parses the error response from the recorder
func parseErrorResponse(rec *httptest.ResponseRecorder) (*response.ErrorResponse, error) {
	var resp response.ErrorResponse
	err := json.Unmarshal(rec.Body.Bytes(), &resp)
	return &resp, err
}
