package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/welldanyogia/certbroker/internal/caller"
	apperrors "github.com/welldanyogia/certbroker/internal/errors"
	"github.com/welldanyogia/certbroker/internal/models"
)

func TestCommit_SubmitsAndSchedulesSync(t *testing.T) {
	e := newEngine(t)
	user := e.createUser(t, "commit@example.com", "50", "0")
	product := e.createProduct(t, nil)
	cert := e.applyAndCharge(t, user.ID, product.ID, "example.com", "www.example.com")
	ctx := caller.System(context.Background())

	e.ca.On("CreateOrder", mock.Anything, fmt.Sprintf("user:%d", user.ID), []string{"example.com", "www.example.com"}, "positive-ssl").
		Return(&UpstreamOrder{ID: "up-1", Status: "pending"}, nil).Once()
	e.ca.On("FinalizeOrder", mock.Anything, "up-1", mock.Anything).Return(nil).Once()

	require.NoError(t, e.orders.Commit(ctx, cert.OrderID))

	latest := e.latest(t, cert.OrderID)
	assert.Equal(t, models.CertStatusProcessing, latest.Status)
	assert.Equal(t, "up-1", latest.ApiID)
	task, err := e.store.Tasks.GetExecuting(context.Background(), cert.OrderID, models.TaskSync)
	require.NoError(t, err)
	assert.True(t, task.StartedAt.After(time.Now().Add(DefaultSyncDelay/2)))

	// Running the task again does not place a second upstream order.
	e.ca.On("FinalizeOrder", mock.Anything, "up-1", mock.Anything).Return(nil).Once()
	require.NoError(t, e.orders.Commit(ctx, cert.OrderID))
	e.ca.AssertNumberOfCalls(t, "CreateOrder", 1)
	e.ca.AssertExpectations(t)
}

func TestCommit_UpstreamFailureLeavesPending(t *testing.T) {
	e := newEngine(t)
	user := e.createUser(t, "commitfail@example.com", "50", "0")
	product := e.createProduct(t, nil)
	cert := e.applyAndCharge(t, user.ID, product.ID, "example.com")

	e.ca.On("CreateOrder", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, apperrors.Upstream("create order", errors.New("503 service unavailable")))

	err := e.orders.Commit(context.Background(), cert.OrderID)

	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err))
	latest := e.latest(t, cert.OrderID)
	assert.Equal(t, models.CertStatusPending, latest.Status)
	assert.Empty(t, latest.ApiID)
	_, err = e.store.Tasks.GetExecuting(context.Background(), cert.OrderID, models.TaskSync)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestCommit_SkipsSettledCertificates(t *testing.T) {
	e := newEngine(t)
	user := e.createUser(t, "skip@example.com", "50", "0")
	product := e.createProduct(t, nil)
	cert := e.applyAndCharge(t, user.ID, product.ID, "example.com")
	activate(t, e, cert.ID)

	require.NoError(t, e.orders.Commit(context.Background(), cert.OrderID))
	e.ca.AssertNotCalled(t, "CreateOrder", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCommit_DelegatedChallengeIsAnswered(t *testing.T) {
	e := newEngine(t)
	user := e.createUser(t, "delegated@example.com", "50", "0")
	product := e.createProduct(t, nil)
	d := validDelegation(t, e, user.ID, "example.com", models.PrefixPKIValidation)
	ctx := caller.User(context.Background(), user.ID)

	params := newParams(product.ID, "example.com")
	params.Method = models.MethodDelegation
	cert, err := e.orders.Apply(ctx, params)
	require.NoError(t, err)
	require.True(t, cert.Validation[0].IsDelegate)
	require.True(t, cert.Validation[0].DelegationValid)
	_, err = e.orders.Charge(ctx, cert.OrderID)
	require.NoError(t, err)

	e.ca.On("CreateOrder", mock.Anything, mock.Anything, []string{"example.com"}, mock.Anything).Return(&UpstreamOrder{
		ID: "up-2",
		Authorizations: []UpstreamAuthorization{{
			Identifier: "example.com",
			Status:     "pending",
			Challenges: []UpstreamChallenge{
				{ID: "http-ch", Type: "http-01", Token: "t0", KeyAuthorization: "ka-http"},
				{ID: "dns-ch", Type: "dns-01", Token: "t1", KeyAuthorization: "ka-dns"},
			},
		}},
	}, nil).Once()
	e.writer.On("SetTxtByLabel", mock.Anything, testProxyZone, d.Label, []string{"ka-dns"}).Return(true, nil).Once()
	e.ca.On("RespondToChallenge", mock.Anything, "dns-ch").Return("valid", nil).Once()
	e.ca.On("FinalizeOrder", mock.Anything, "up-2", mock.Anything).Return(nil).Once()

	require.NoError(t, e.orders.Commit(caller.System(context.Background()), cert.OrderID))

	e.ca.AssertExpectations(t)
	e.writer.AssertExpectations(t)

	latest := e.latest(t, cert.OrderID)
	assert.Equal(t, "ka-dns", latest.Validation[0].Value)
	assert.True(t, latest.Validation[0].AutoTxtWritten)

	authzs, err := e.store.Authorizations.ListByCert(context.Background(), cert.ID)
	require.NoError(t, err)
	require.Len(t, authzs, 1)
	assert.Equal(t, models.AcmeStatusValid, authzs[0].Status)
	assert.Equal(t, "dns-01", authzs[0].ChallengeType)
}

func TestSync_PendingThenIssued(t *testing.T) {
	e := newEngine(t)
	user := e.createUser(t, "sync@example.com", "50", "0")
	product := e.createProduct(t, nil)
	cert := e.applyAndCharge(t, user.ID, product.ID, "example.com")
	setStatus(t, e, cert.ID, models.CertStatusProcessing, "up-3")
	ctx := context.Background()

	e.ca.On("GetCertificate", mock.Anything, "up-3").Return(nil, apperrors.ErrNotIssued).Once()

	err := e.orders.Sync(ctx, cert.OrderID)
	assert.ErrorIs(t, err, apperrors.ErrNotIssued)
	assert.True(t, apperrors.IsRetryable(err))
	assert.Equal(t, models.CertStatusApproving, e.latest(t, cert.OrderID).Status)

	notBefore := time.Now().UTC().Truncate(time.Second)
	leaf, issuer := issueTestCert(t, cert.CSR, notBefore, notBefore.AddDate(0, 0, 90))
	e.ca.On("GetCertificate", mock.Anything, "up-3").Return(&IssuedCertificate{Certificate: leaf + issuer}, nil).Once()

	require.NoError(t, e.orders.Sync(ctx, cert.OrderID))

	latest := e.latest(t, cert.OrderID)
	assert.Equal(t, models.CertStatusActive, latest.Status)
	assert.Equal(t, leaf, latest.Certificate)
	assert.Equal(t, issuer, latest.Chain)
	assert.Equal(t, "C0FFEE", latest.Serial)
	assert.Equal(t, "RSA", latest.KeyAlgorithm)
	require.NotNil(t, latest.ExpiresAt)
	assert.True(t, latest.ExpiresAt.Equal(notBefore.AddDate(0, 0, 90)))
	assert.True(t, latest.Validation[0].Verified)

	order, err := e.store.Orders.GetByID(ctx, cert.OrderID)
	require.NoError(t, err)
	require.NotNil(t, order.PeriodFrom)
	require.NotNil(t, order.PeriodTill)
	assert.True(t, order.PeriodFrom.Equal(notBefore))
	assert.True(t, order.PeriodTill.Equal(notBefore.AddDate(0, 12, 0)))

	// Once active, further syncs are no-ops.
	require.NoError(t, e.orders.Sync(ctx, cert.OrderID))
	e.ca.AssertExpectations(t)
}

func TestValidityWindow(t *testing.T) {
	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	till := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	order := &models.Order{Period: 12, PeriodFrom: &from, PeriodTill: &till}

	early := time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)
	gotFrom, gotTill := validityWindow(order, &models.Cert{Action: models.ActionRenew}, early)
	assert.Equal(t, from, gotFrom)
	assert.Equal(t, till.AddDate(1, 0, 0), gotTill)

	late := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	_, gotTill = validityWindow(order, &models.Cert{Action: models.ActionRenew}, late)
	assert.Equal(t, late.AddDate(1, 0, 0), gotTill)

	gotFrom, gotTill = validityWindow(order, &models.Cert{Action: models.ActionReissue}, late)
	assert.Equal(t, from, gotFrom)
	assert.Equal(t, till, gotTill)

	gotFrom, gotTill = validityWindow(order, &models.Cert{Action: models.ActionNew, Channel: models.ChannelACME}, late)
	assert.Equal(t, from, gotFrom)
	assert.Equal(t, till, gotTill)

	fresh := &models.Order{Period: 24}
	gotFrom, gotTill = validityWindow(fresh, &models.Cert{Action: models.ActionNew}, early)
	assert.Equal(t, early, gotFrom)
	assert.Equal(t, early.AddDate(2, 0, 0), gotTill)
}

func TestExpireDue(t *testing.T) {
	e := newEngine(t)
	user := e.createUser(t, "expire@example.com", "50", "0")
	product := e.createProduct(t, nil)
	cert := e.applyAndCharge(t, user.ID, product.ID, "example.com")
	activate(t, e, cert.ID)
	fresh := e.applyAndCharge(t, user.ID, product.ID, "other.example.com")
	activate(t, e, fresh.ID)

	now := time.Now().UTC()
	require.NoError(t, e.store.Certs.UpdateFields(context.Background(), cert.ID, map[string]any{"expires_at": now.Add(-time.Minute)}))
	require.NoError(t, e.store.Certs.UpdateFields(context.Background(), fresh.ID, map[string]any{"expires_at": now.Add(time.Hour)}))

	n, err := e.orders.ExpireDue(context.Background(), now, 10)

	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.CertStatusExpired, e.latest(t, cert.OrderID).Status)
	assert.Equal(t, models.CertStatusActive, e.latest(t, fresh.OrderID).Status)
}

func TestUpdateDCV(t *testing.T) {
	e := newEngine(t)
	user := e.createUser(t, "dcv@example.com", "50", "0")
	product := e.createProduct(t, nil)
	ctx := caller.User(context.Background(), user.ID)
	cert, err := e.orders.Apply(ctx, newParams(product.ID, "example.com"))
	require.NoError(t, err)

	updated, err := e.orders.UpdateDCV(ctx, cert.OrderID, models.MethodHTTP)

	require.NoError(t, err)
	assert.Equal(t, models.MethodHTTP, updated.DCV.Data().Method)
	require.Len(t, updated.Validation, 1)
	assert.Contains(t, updated.Validation[0].Link, "http://example.com/.well-known/pki-validation/")
	assert.Contains(t, updated.Validation[0].Value, cert.UniqueValue)

	latest := e.latest(t, cert.OrderID)
	assert.Equal(t, models.MethodHTTP, latest.DCV.Data().Method)
	assert.Equal(t, cert.UniqueValue, latest.UniqueValue)

	other := e.createUser(t, "intruder@example.com", "0", "0")
	_, err = e.orders.UpdateDCV(caller.User(context.Background(), other.ID), cert.OrderID, models.MethodTXT)
	assert.ErrorIs(t, err, apperrors.ErrForbidden)
}

func TestUpdateDCV_Rejections(t *testing.T) {
	e := newEngine(t)
	user := e.createUser(t, "dcvreject@example.com", "50", "0")
	product := e.createProduct(t, nil)
	ctx := caller.User(context.Background(), user.ID)
	wildcard, err := e.orders.Apply(ctx, newParams(product.ID, "*.example.com"))
	require.NoError(t, err)

	_, err = e.orders.UpdateDCV(ctx, wildcard.OrderID, models.MethodFile)
	assert.ErrorIs(t, err, apperrors.ErrDomainMethodInvalid)

	active := e.applyAndCharge(t, user.ID, product.ID, "example.com")
	activate(t, e, active.ID)
	_, err = e.orders.UpdateDCV(ctx, active.OrderID, models.MethodEmail)
	assert.ErrorIs(t, err, apperrors.ErrInvalidStatus)
}

func TestUpdateDCV_SubmittedCertificateIsRevalidated(t *testing.T) {
	e := newEngine(t)
	user := e.createUser(t, "resubmit@example.com", "50", "0")
	product := e.createProduct(t, nil)
	ctx := caller.User(context.Background(), user.ID)
	cert := e.applyAndCharge(t, user.ID, product.ID, "example.com")
	setStatus(t, e, cert.ID, models.CertStatusProcessing, "up-4")

	_, err := e.orders.UpdateDCV(ctx, cert.OrderID, models.MethodEmail)

	require.NoError(t, err)
	_, err = e.store.Tasks.GetExecuting(context.Background(), cert.OrderID, models.TaskRevalidate)
	assert.NoError(t, err)
}

func TestRevalidate_WritesTokensOnceDelegationTurnsValid(t *testing.T) {
	e := newEngine(t)
	user := e.createUser(t, "revalidate@example.com", "50", "0")
	product := e.createProduct(t, nil)
	ctx := caller.User(context.Background(), user.ID)

	params := newParams(product.ID, "example.com", "www.example.com")
	params.Method = models.MethodDelegation
	cert, err := e.orders.Apply(ctx, params)
	require.NoError(t, err)
	require.False(t, cert.Validation[0].DelegationValid)
	_, err = e.orders.Charge(ctx, cert.OrderID)
	require.NoError(t, err)

	d, err := e.store.Delegations.GetByID(context.Background(), cert.Validation[0].DelegationID)
	require.NoError(t, err)
	e.resolver.On("LookupCNAME", mock.Anything, d.Host()).Return(d.Target, nil).Once()
	e.writer.On("SetTxtByLabel", mock.Anything, testProxyZone, d.Label, []string{cert.UniqueValue}).Return(true, nil).Once()

	require.NoError(t, e.orders.Revalidate(context.Background(), cert.OrderID))

	e.resolver.AssertExpectations(t)
	e.writer.AssertExpectations(t)
	latest := e.latest(t, cert.OrderID)
	for _, v := range latest.Validation {
		assert.True(t, v.DelegationValid)
		assert.True(t, v.AutoTxtWritten)
	}
}

func TestAuthorizationStatus(t *testing.T) {
	assert.Equal(t, models.AcmeStatusValid, authorizationStatus("valid"))
	assert.Equal(t, models.AcmeStatusInvalid, authorizationStatus("expired"))
	assert.Equal(t, models.AcmeStatusInvalid, authorizationStatus("revoked"))
	assert.Equal(t, models.AcmeStatusDeactivated, authorizationStatus("deactivated"))
	assert.Equal(t, models.AcmeStatusPending, authorizationStatus("processing"))
	assert.Equal(t, models.AcmeStatusPending, authorizationStatus(""))
}
