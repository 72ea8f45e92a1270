package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/welldanyogia/certbroker/internal/caller"
	apperrors "github.com/welldanyogia/certbroker/internal/errors"
	"github.com/welldanyogia/certbroker/internal/models"
)

// validDelegation creates a delegation and makes its CNAME check pass.
func validDelegation(t *testing.T, e *engine, userID uint, zone, prefix string) *models.CnameDelegation {
	t.Helper()
	ctx := context.Background()
	d, err := e.delegations.CreateOrGet(ctx, userID, zone, prefix)
	require.NoError(t, err)

	e.resolver.On("LookupCNAME", mock.Anything, d.Host()).Return(d.Target, nil).Once()
	d, err = e.delegations.CheckAndUpdateValidity(ctx, d)
	require.NoError(t, err)
	require.True(t, d.Valid)
	return d
}

func TestDelegationLabel_IsDeterministic(t *testing.T) {
	a := DelegationLabel(1, "example.com", models.PrefixPKIValidation)

	assert.Len(t, a, 32)
	assert.Equal(t, a, DelegationLabel(1, "example.com", models.PrefixPKIValidation))
	assert.NotEqual(t, a, DelegationLabel(2, "example.com", models.PrefixPKIValidation))
	assert.NotEqual(t, a, DelegationLabel(1, "example.com", models.PrefixDNSAuth))
}

func TestDelegationService_CreateOrGetConverges(t *testing.T) {
	e := newEngine(t)
	user := e.createUser(t, "dns@example.com", "0", "0")
	ctx := context.Background()

	var (
		wg  sync.WaitGroup
		ids = make([]uint, 5)
	)
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := e.delegations.CreateOrGet(ctx, user.ID, "Example.COM.", models.PrefixPKIValidation)
			assert.NoError(t, err)
			if d != nil {
				ids[i] = d.ID
			}
		}()
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	d, err := e.store.Delegations.GetByID(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, "example.com", d.Zone)
	assert.Equal(t, DelegationLabel(user.ID, "example.com", models.PrefixPKIValidation)+"."+testProxyZone, d.Target)
	assert.Equal(t, "_pki-validation.example.com", d.Host())
	assert.False(t, d.Valid)
}

func TestDelegationService_ZoneRules(t *testing.T) {
	e := newEngine(t)
	user := e.createUser(t, "zones@example.com", "0", "0")
	ctx := context.Background()

	_, err := e.delegations.CreateOrGet(ctx, user.ID, "www.example.com", models.PrefixPKIValidation)
	assert.ErrorIs(t, err, apperrors.ErrDelegationZoneMismatch)

	_, err = e.delegations.CreateOrGet(ctx, user.ID, "www.example.com", models.PrefixDNSAuth)
	assert.NoError(t, err)

	_, err = e.delegations.CreateOrGet(ctx, user.ID, "example.com", "_bogus")
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	_, err = e.delegations.CreateOrGet(ctx, user.ID, " ", models.PrefixDNSAuth)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestDelegationService_FindValidDelegation(t *testing.T) {
	e := newEngine(t)
	user := e.createUser(t, "find@example.com", "0", "0")
	ctx := context.Background()

	_, err := e.delegations.FindValidDelegation(ctx, user.ID, "*.www.example.com", models.PrefixPKIValidation)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	d := validDelegation(t, e, user.ID, "example.com", models.PrefixPKIValidation)

	found, err := e.delegations.FindValidDelegation(ctx, user.ID, "*.www.example.com", models.PrefixPKIValidation)
	require.NoError(t, err)
	assert.Equal(t, d.ID, found.ID)

	_, err = e.delegations.FindValidDelegation(ctx, user.ID, "www.example.com", models.PrefixDNSAuth)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestDelegationService_CheckTracksFailures(t *testing.T) {
	e := newEngine(t)
	user := e.createUser(t, "fail@example.com", "0", "0")
	ctx := context.Background()
	d, err := e.delegations.CreateOrGet(ctx, user.ID, "example.com", models.PrefixPKIValidation)
	require.NoError(t, err)

	e.resolver.On("LookupCNAME", mock.Anything, d.Host()).Return("", ErrNoRecord).Times(DelegationWarnThreshold)
	for i := 0; i < DelegationWarnThreshold; i++ {
		d, err = e.delegations.CheckAndUpdateValidity(ctx, d)
		require.NoError(t, err)
	}

	assert.False(t, d.Valid)
	assert.Equal(t, DelegationWarnThreshold, d.FailCount)
	assert.Contains(t, d.LastError, "no matching DNS record")
	assert.NotNil(t, d.LastCheckedAt)

	warnings, err := e.delegations.Warnings(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], d.Host())
	assert.Contains(t, warnings[0], d.Target)

	e.resolver.On("LookupCNAME", mock.Anything, d.Host()).Return(d.Target, nil).Once()
	d, err = e.delegations.CheckAndUpdateValidity(ctx, d)
	require.NoError(t, err)
	assert.True(t, d.Valid)
	assert.Zero(t, d.FailCount)
	assert.Empty(t, d.LastError)

	warnings, err = e.delegations.Warnings(ctx, user.ID)
	require.NoError(t, err)
	assert.Empty(t, warnings)
	e.resolver.AssertExpectations(t)
}

func TestDelegationService_ValidUntilThreshold(t *testing.T) {
	e := newEngine(t)
	user := e.createUser(t, "flaky@example.com", "0", "0")
	ctx := context.Background()
	d := validDelegation(t, e, user.ID, "example.com", models.PrefixPKIValidation)

	e.resolver.On("LookupCNAME", mock.Anything, d.Host()).Return("", ErrNoRecord).Times(DelegationWarnThreshold)
	for i := 1; i < DelegationWarnThreshold; i++ {
		var err error
		d, err = e.delegations.CheckAndUpdateValidity(ctx, d)
		require.NoError(t, err)
		assert.True(t, d.Valid, "failure %d", i)
		assert.Equal(t, i, d.FailCount)
	}

	found, err := e.delegations.FindValidDelegation(ctx, user.ID, "www.example.com", models.PrefixPKIValidation)
	require.NoError(t, err)
	assert.Equal(t, d.ID, found.ID)

	e.writer.On("SetTxtByLabel", mock.Anything, testProxyZone, d.Label, []string{"tok"}).Return(true, nil).Once()
	out, err := e.delegations.WriteValidationTokens(ctx, []models.Validation{
		{Domain: "www.example.com", Value: "tok", IsDelegate: true, DelegationID: d.ID},
	})
	require.NoError(t, err)
	assert.True(t, out[0].AutoTxtWritten)

	d, err = e.delegations.CheckAndUpdateValidity(ctx, d)
	require.NoError(t, err)
	assert.False(t, d.Valid)

	_, err = e.delegations.FindValidDelegation(ctx, user.ID, "www.example.com", models.PrefixPKIValidation)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	e.resolver.AssertExpectations(t)
	e.writer.AssertExpectations(t)
}

func TestDelegationService_CheckStale(t *testing.T) {
	e := newEngine(t)
	user := e.createUser(t, "stale@example.com", "0", "0")
	ctx := context.Background()
	for _, zone := range []string{"a.com", "b.com"} {
		_, err := e.delegations.CreateOrGet(ctx, user.ID, zone, models.PrefixPKIValidation)
		require.NoError(t, err)
	}
	e.resolver.On("LookupCNAME", mock.Anything, mock.Anything).Return("", ErrNoRecord)

	checked, err := e.delegations.CheckStale(ctx, 10)

	require.NoError(t, err)
	assert.Equal(t, 2, checked)
	e.resolver.AssertNumberOfCalls(t, "LookupCNAME", 2)
}

func TestDelegationService_CheckEnforcesOwnership(t *testing.T) {
	e := newEngine(t)
	owner := e.createUser(t, "owner@example.com", "0", "0")
	other := e.createUser(t, "other@example.com", "0", "0")
	d, err := e.delegations.CreateOrGet(context.Background(), owner.ID, "example.com", models.PrefixPKIValidation)
	require.NoError(t, err)

	_, err = e.delegations.Check(caller.User(context.Background(), other.ID), d.ID)
	assert.ErrorIs(t, err, apperrors.ErrForbidden)

	e.resolver.On("LookupCNAME", mock.Anything, d.Host()).Return(d.Target, nil).Once()
	checked, err := e.delegations.Check(caller.User(context.Background(), owner.ID), d.ID)
	require.NoError(t, err)
	assert.True(t, checked.Valid)

	_, err = e.delegations.Check(context.Background(), 999)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestWriteValidationTokens_SharedDelegationWrittenOnce(t *testing.T) {
	e := newEngine(t)
	user := e.createUser(t, "shared@example.com", "0", "0")
	d := validDelegation(t, e, user.ID, "example.com", models.PrefixPKIValidation)

	validations := []models.Validation{
		{Domain: "example.com", Value: "tok-b", IsDelegate: true, DelegationID: d.ID},
		{Domain: "*.example.com", Value: "tok-a", IsDelegate: true, DelegationID: d.ID},
		{Domain: "other.com", Value: "tok-c"},
	}
	e.writer.On("SetTxtByLabel", mock.Anything, testProxyZone, d.Label, []string{"tok-a", "tok-b"}).Return(true, nil).Once()

	out, err := e.delegations.WriteValidationTokens(context.Background(), validations)

	require.NoError(t, err)
	assert.True(t, out[0].AutoTxtWritten)
	assert.True(t, out[1].AutoTxtWritten)
	assert.False(t, out[2].AutoTxtWritten)
	assert.False(t, validations[0].AutoTxtWritten)
	e.writer.AssertExpectations(t)

	again, err := e.delegations.WriteValidationTokens(context.Background(), out)
	require.NoError(t, err)
	assert.Equal(t, out, again)
	e.writer.AssertNumberOfCalls(t, "SetTxtByLabel", 1)
}

func TestWriteValidationTokens_SkipsInvalidDelegation(t *testing.T) {
	e := newEngine(t)
	user := e.createUser(t, "invalid@example.com", "0", "0")
	d, err := e.delegations.CreateOrGet(context.Background(), user.ID, "example.com", models.PrefixPKIValidation)
	require.NoError(t, err)

	out, err := e.delegations.WriteValidationTokens(context.Background(), []models.Validation{
		{Domain: "example.com", Value: "tok", IsDelegate: true, DelegationID: d.ID},
	})

	require.NoError(t, err)
	assert.False(t, out[0].AutoTxtWritten)
	e.writer.AssertNotCalled(t, "SetTxtByLabel", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestWriteValidationTokens_WriterFailureIsRetryable(t *testing.T) {
	e := newEngine(t)
	user := e.createUser(t, "down@example.com", "0", "0")
	d := validDelegation(t, e, user.ID, "example.com", models.PrefixPKIValidation)
	e.writer.On("SetTxtByLabel", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(false, errors.New("connection refused"))

	out, err := e.delegations.WriteValidationTokens(context.Background(), []models.Validation{
		{Domain: "example.com", Value: "tok", IsDelegate: true, DelegationID: d.ID},
	})

	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err))
	assert.False(t, out[0].AutoTxtWritten)
}

func TestWriteValidationTokens_WithoutWriter(t *testing.T) {
	e := newEngine(t)
	svc := NewDelegationService(e.store, nil, nil, testProxyZone, zerolog.Nop())

	out, err := svc.WriteValidationTokens(context.Background(), []models.Validation{
		{Domain: "example.com", Value: "tok", IsDelegate: true, DelegationID: 1},
	})

	require.NoError(t, err)
	assert.False(t, out[0].AutoTxtWritten)
	assert.True(t, strings.HasPrefix(out[0].Value, "tok"))
}
