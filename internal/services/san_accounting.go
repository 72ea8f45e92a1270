package services

import (
	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	apperrors "github.com/welldanyogia/certbroker/internal/errors"
	"github.com/welldanyogia/certbroker/internal/models"
)

// SANPlan is the outcome of SAN accounting for one certificate request.
type SANPlan struct {
	Domains  []string
	Standard int
	Wildcard int
	// BillStandard and BillWildcard are the counts beyond what the order
	// has already paid for.
	BillStandard int
	BillWildcard int
}

// Grows reports whether the plan exceeds the order's purchased counts.
func (p *SANPlan) Grows() bool {
	return p.BillStandard > 0 || p.BillWildcard > 0
}

// CheckSANLimits validates counts against the product's limits. A zero
// standard or wildcard maximum forbids that kind; a zero total maximum means
// no overall cap.
func CheckSANLimits(product *models.Product, standard, wildcard int) error {
	switch {
	case standard+wildcard == 0:
		return apperrors.New(apperrors.ErrSANLimitExceeded, "at least one domain is required")
	case standard < product.StandardMin:
		return apperrors.New(apperrors.ErrSANLimitExceeded, "%s needs at least %d standard domains, got %d", product.Name, product.StandardMin, standard)
	case standard > product.StandardMax:
		return apperrors.New(apperrors.ErrSANLimitExceeded, "%s allows at most %d standard domains, got %d", product.Name, product.StandardMax, standard)
	case wildcard < product.WildcardMin:
		return apperrors.New(apperrors.ErrSANLimitExceeded, "%s needs at least %d wildcard domains, got %d", product.Name, product.WildcardMin, wildcard)
	case wildcard > product.WildcardMax:
		return apperrors.New(apperrors.ErrSANLimitExceeded, "%s allows at most %d wildcard domains, got %d", product.Name, product.WildcardMax, wildcard)
	case product.TotalMax > 0 && standard+wildcard > product.TotalMax:
		return apperrors.New(apperrors.ErrSANLimitExceeded, "%s allows at most %d domains, got %d", product.Name, product.TotalMax, standard+wildcard)
	}
	return nil
}

// PlanNew accounts the SANs of a first certificate. Everything is billed.
func PlanNew(product *models.Product, domains []string) (*SANPlan, error) {
	standard, wildcard := models.CountSANs(domains)
	if err := CheckSANLimits(product, standard, wildcard); err != nil {
		return nil, err
	}
	return &SANPlan{
		Domains:      domains,
		Standard:     standard,
		Wildcard:     wildcard,
		BillStandard: standard,
		BillWildcard: wildcard,
	}, nil
}

// PlanReplacement accounts the SANs of a renewal or reissue that supersedes
// prior. Without add_san the counts may not grow past prior's; without
// replace_san the prior names are kept and the union is re-validated.
func PlanReplacement(product *models.Product, order *models.Order, prior *models.Cert, requested []string) (*SANPlan, error) {
	domains := requested
	if !product.ReplaceSAN {
		domains = lo.Union(prior.Domains(), requested)
	}
	standard, wildcard := models.CountSANs(domains)

	if !product.AddSAN && (standard > prior.StandardCount || wildcard > prior.WildcardCount) {
		return nil, apperrors.New(apperrors.ErrSANLimitExceeded,
			"%s does not allow adding domains: %d standard and %d wildcard requested, %d and %d before",
			product.Name, standard, wildcard, prior.StandardCount, prior.WildcardCount)
	}
	if err := CheckSANLimits(product, standard, wildcard); err != nil {
		return nil, err
	}

	return &SANPlan{
		Domains:      domains,
		Standard:     standard,
		Wildcard:     wildcard,
		BillStandard: max(0, standard-order.PurchasedStandard),
		BillWildcard: max(0, wildcard-order.PurchasedWildcard),
	}, nil
}

// PlanIncrement accounts an ACME order against what its subscription has
// purchased so far. Over-limit requests fail with a rejected identifier
// error naming the identifiers that do not fit.
func PlanIncrement(product *models.Product, order *models.Order, identifiers []string) (*SANPlan, error) {
	standard, wildcard := models.CountSANs(identifiers)
	if err := CheckSANLimits(product, standard, wildcard); err != nil {
		return nil, apperrors.NewRejectedIdentifierError(err.Error(), overflow(product, identifiers)...)
	}
	return &SANPlan{
		Domains:      identifiers,
		Standard:     standard,
		Wildcard:     wildcard,
		BillStandard: max(0, standard-order.PurchasedStandard),
		BillWildcard: max(0, wildcard-order.PurchasedWildcard),
	}, nil
}

// overflow returns the identifiers past the product's per-kind maximum.
func overflow(product *models.Product, identifiers []string) []string {
	wildcards, standards := lo.FilterReject(identifiers, func(d string, _ int) bool {
		return len(d) > 2 && d[:2] == "*."
	})
	var out []string
	if len(standards) > product.StandardMax {
		out = append(out, standards[product.StandardMax:]...)
	}
	if len(wildcards) > product.WildcardMax {
		out = append(out, wildcards[product.WildcardMax:]...)
	}
	if len(out) == 0 {
		return identifiers
	}
	return out
}

// periodYears converts a period in months to a price multiplier.
func periodYears(months int) decimal.Decimal {
	if months <= 0 {
		months = 12
	}
	return decimal.NewFromInt(int64(months)).Div(decimal.NewFromInt(12))
}

// SANCost prices standard and wildcard domains for a period.
func SANCost(product *models.Product, months, standard, wildcard int) decimal.Decimal {
	perYear := product.PriceStandard.Mul(decimal.NewFromInt(int64(standard))).
		Add(product.PriceWildcard.Mul(decimal.NewFromInt(int64(wildcard))))
	return perYear.Mul(periodYears(months)).Round(2)
}

// BaseCost prices the product itself for a period.
func BaseCost(product *models.Product, months int) decimal.Decimal {
	return product.PriceBase.Mul(periodYears(months)).Round(2)
}

// PlanCost is the amount owed for plan. Full purchases (new, renew) include
// the base price; reissues only pay for growth.
func PlanCost(product *models.Product, months int, plan *SANPlan, includeBase bool) decimal.Decimal {
	cost := SANCost(product, months, plan.BillStandard, plan.BillWildcard)
	if includeBase {
		cost = cost.Add(BaseCost(product, months))
	}
	return cost
}
