package handlers

import (
	"context"
	"net/http"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/welldanyogia/certbroker/internal/caller"
	apperrors "github.com/welldanyogia/certbroker/internal/errors"
	"github.com/welldanyogia/certbroker/internal/models"
)

func TestPaymentHandler_Deposit(t *testing.T) {
	m := new(MockPaymentOperations)
	amount := decimal.RequireFromString("25.50")
	m.On("Deposit", mock.Anything, uint(7), "pay-123", mock.MatchedBy(amount.Equal)).
		Return(&models.Transaction{ID: 1, UserID: 7, Type: models.TransactionDeposit, TransactionID: "pay-123", Amount: amount}, nil).Once()
	m.On("Deposit", mock.Anything, uint(7), "", mock.Anything).
		Return(nil, apperrors.New(apperrors.ErrInvalidInput, "payment reference is required")).Once()
	h := NewPaymentHandler(m)
	ctx := caller.Admin(context.Background(), 1)

	c, rec := newContext(ctx, http.MethodPost, "/api/v1/payments/deposit", `{"user_id":7,"reference":"pay-123","amount":"25.50"}`)
	require.NoError(t, h.Deposit(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"transaction_id":"pay-123"`)

	c, rec = newContext(ctx, http.MethodPost, "/api/v1/payments/deposit", `{"user_id":7,"amount":"25.50"}`)
	require.NoError(t, h.Deposit(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	c, rec = newContext(ctx, http.MethodPost, "/api/v1/payments/deposit", `{"reference":"pay-124","amount":"1"}`)
	require.NoError(t, h.Deposit(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	m.AssertExpectations(t)
}

func TestPaymentHandler_History(t *testing.T) {
	m := new(MockPaymentOperations)
	m.On("History", mock.Anything, uint(42), 20, 0).
		Return([]models.Transaction{{ID: 3, UserID: 42, TransactionID: "pay-9"}}, int64(1), nil).Once()
	m.On("History", mock.Anything, uint(7), 100, 5).
		Return([]models.Transaction{}, int64(0), nil).Once()
	h := NewPaymentHandler(m)

	tests := []struct {
		name       string
		ctx        context.Context
		query      string
		wantStatus int
	}{
		{"customer reads own ledger", caller.User(context.Background(), 42), "", http.StatusOK},
		{"customer cannot read another ledger", caller.User(context.Background(), 42), "?user_id=7", http.StatusForbidden},
		{"operator must name the user", caller.Admin(context.Background(), 1), "", http.StatusBadRequest},
		{"operator page is clamped", caller.Admin(context.Background(), 1), "?user_id=7&limit=500&offset=5", http.StatusOK},
		{"bad user id", caller.Admin(context.Background(), 1), "?user_id=abc", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, rec := newContext(tt.ctx, http.MethodGet, "/api/v1/transactions"+tt.query, "")
			require.NoError(t, h.History(c))
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
	m.AssertExpectations(t)
}
