package services

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/welldanyogia/certbroker/internal/errors"
	"github.com/welldanyogia/certbroker/internal/models"
)

func sanProduct() *models.Product {
	return &models.Product{
		Name:          "PositiveSSL",
		StandardMax:   3,
		WildcardMax:   1,
		AddSAN:        true,
		ReplaceSAN:    true,
		PriceBase:     decimal.RequireFromString("10"),
		PriceStandard: decimal.RequireFromString("5"),
		PriceWildcard: decimal.RequireFromString("50"),
	}
}

func TestCheckSANLimits(t *testing.T) {
	p := sanProduct()
	p.StandardMin = 1
	p.TotalMax = 3

	assert.NoError(t, CheckSANLimits(p, 2, 1))
	assert.ErrorIs(t, CheckSANLimits(p, 0, 0), apperrors.ErrSANLimitExceeded)
	assert.ErrorIs(t, CheckSANLimits(p, 0, 1), apperrors.ErrSANLimitExceeded)
	assert.ErrorIs(t, CheckSANLimits(p, 4, 0), apperrors.ErrSANLimitExceeded)
	assert.ErrorIs(t, CheckSANLimits(p, 1, 2), apperrors.ErrSANLimitExceeded)
	assert.ErrorIs(t, CheckSANLimits(p, 3, 1), apperrors.ErrSANLimitExceeded)
}

func TestPlanNew_BillsEverything(t *testing.T) {
	plan, err := PlanNew(sanProduct(), []string{"example.com", "www.example.com", "*.example.com"})

	require.NoError(t, err)
	assert.Equal(t, 2, plan.Standard)
	assert.Equal(t, 1, plan.Wildcard)
	assert.Equal(t, 2, plan.BillStandard)
	assert.Equal(t, 1, plan.BillWildcard)
	assert.True(t, plan.Grows())
}

func TestPlanReplacement_NeverBillsPurchasedCountsTwice(t *testing.T) {
	p := sanProduct()
	order := &models.Order{PurchasedStandard: 2, PurchasedWildcard: 1}
	prior := &models.Cert{}
	prior.SetDomains([]string{"example.com", "www.example.com", "*.example.com"})

	same, err := PlanReplacement(p, order, prior, []string{"example.com", "api.example.com", "*.example.com"})
	require.NoError(t, err)
	assert.False(t, same.Grows())

	shrunk, err := PlanReplacement(p, order, prior, []string{"example.com"})
	require.NoError(t, err)
	assert.False(t, shrunk.Grows())
	assert.Equal(t, 1, shrunk.Standard)

	grown, err := PlanReplacement(p, order, prior, []string{"example.com", "a.example.com", "b.example.com"})
	require.NoError(t, err)
	assert.Equal(t, 1, grown.BillStandard)
	assert.Equal(t, 0, grown.BillWildcard)
}

func TestPlanReplacement_WithoutAddSAN(t *testing.T) {
	p := sanProduct()
	p.AddSAN = false
	order := &models.Order{PurchasedStandard: 1}
	prior := &models.Cert{}
	prior.SetDomains([]string{"example.com"})

	_, err := PlanReplacement(p, order, prior, []string{"example.com", "www.example.com"})
	assert.ErrorIs(t, err, apperrors.ErrSANLimitExceeded)

	_, err = PlanReplacement(p, order, prior, []string{"other.com"})
	assert.NoError(t, err)
}

func TestPlanReplacement_WithoutReplaceSANKeepsPriorNames(t *testing.T) {
	p := sanProduct()
	p.ReplaceSAN = false
	order := &models.Order{PurchasedStandard: 1}
	prior := &models.Cert{}
	prior.SetDomains([]string{"example.com"})

	plan, err := PlanReplacement(p, order, prior, []string{"www.example.com"})

	require.NoError(t, err)
	assert.Equal(t, []string{"example.com", "www.example.com"}, plan.Domains)
	assert.Equal(t, 1, plan.BillStandard)
}

func TestPlanIncrement_Monotonic(t *testing.T) {
	p := sanProduct()
	order := &models.Order{PurchasedStandard: 2}

	plan, err := PlanIncrement(p, order, []string{"a.example.com"})
	require.NoError(t, err)
	assert.False(t, plan.Grows())

	plan, err = PlanIncrement(p, order, []string{"a.example.com", "b.example.com", "c.example.com"})
	require.NoError(t, err)
	assert.Equal(t, 1, plan.BillStandard)
}

func TestPlanIncrement_RejectsOverflow(t *testing.T) {
	p := sanProduct()

	_, err := PlanIncrement(p, &models.Order{}, []string{"a.com", "*.a.com", "*.b.com"})

	require.Error(t, err)
	assert.True(t, apperrors.IsRejectedIdentifier(err))
	var rejected *apperrors.RejectedIdentifierError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, []string{"*.b.com"}, rejected.Identifiers)
}

func TestCosts(t *testing.T) {
	p := sanProduct()
	plan := &SANPlan{BillStandard: 2, BillWildcard: 1}

	assert.Equal(t, "60.00", SANCost(p, 12, 2, 1).StringFixed(2))
	assert.Equal(t, "120.00", SANCost(p, 24, 2, 1).StringFixed(2))
	assert.Equal(t, "2.50", SANCost(p, 6, 1, 0).StringFixed(2))
	assert.Equal(t, "10.00", BaseCost(p, 0).StringFixed(2))
	assert.Equal(t, "70.00", PlanCost(p, 12, plan, true).StringFixed(2))
	assert.Equal(t, "60.00", PlanCost(p, 12, plan, false).StringFixed(2))
}
